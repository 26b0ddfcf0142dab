package srv

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all server configuration, sourced from the environment.
type Config struct {
	Port               int
	DictPath           string
	DBPath             string
	AdminToken         string // empty = dev mode, admin endpoints open
	AdminPassword      string // seeds the admin staff account on first start
	AntiscrapingSecret string
	CORSOrigins        []string
	RateLimitMax       int // per (IP, path) per minute
	SampleCap          int // sample words kept per syllable
	StrictDict         bool
}

// LoadConfig reads configuration from the environment with defaults.
func LoadConfig() Config {
	cfg := Config{
		Port:               envInt("PORT", 3000),
		DictPath:           envStr("DICT_PATH", "./dictionary.txt"),
		DBPath:             envStr("DB_PATH", "./syllabomb.sqlite3"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		AdminPassword:      os.Getenv("ADMIN_PASSWORD"),
		AntiscrapingSecret: os.Getenv("ANTISCRAPING_SECRET"),
		RateLimitMax:       envInt("RATE_LIMIT_MAX", 120),
		SampleCap:          envInt("SAMPLE_CAP", 30),
		StrictDict:         os.Getenv("STRICT_DICT") == "1",
	}

	origins := envStr("CORS_ORIGIN", "*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}
	if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" && os.Getenv("GO_ENV") == "production" {
		slog.Warn("CORS_ORIGIN is '*' in production")
	}
	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKEN not set, admin endpoints are open (dev mode)")
	}
	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment", "key", key, "value", v)
		return def
	}
	return n
}
