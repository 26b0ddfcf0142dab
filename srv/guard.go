package srv

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

const (
	// guardMinuteLimit / guardHourLimit bound requests per IP.
	guardMinuteLimit = 30
	guardHourLimit   = 300
	// blockThreshold is the suspicion score at which an IP is blocked;
	// an IP is unblocked again once decay brings it below half of that.
	blockThreshold   = 100
	unblockThreshold = blockThreshold / 2
	// requestRetention is how long individual requests are remembered.
	requestRetention = time.Hour
	// ipIdleForget is how long an idle IP record is kept.
	ipIdleForget = 24 * time.Hour
	// guardTokenTTL is the lifetime of an issued access token.
	guardTokenTTL = 5 * time.Minute
	// guardSweepInterval is the cadence of the decay/prune sweep.
	guardSweepInterval = time.Minute
)

// Suspicion weights per reason.
var suspicionWeights = map[string]int{
	"token_ip_mismatch":     50,
	"missing_token":         5,
	"invalid_token":         15,
	"minute_overflow":       20,
	"hour_overflow":         30,
	"suspicious_user_agent": 10,
	"sequential_timing":     25,
	"dictionary_access":     50,
	"honeypot":              100,
}

var suspiciousAgentPatterns = []string{
	"python", "curl", "wget", "scrapy", "httpclient", "java/", "go-http-client", "bot", "spider",
}

// GuardVerdict is the outcome of a guard check.
type GuardVerdict int

const (
	GuardAllow GuardVerdict = iota
	GuardRateLimited
	GuardForbidden
)

type guardRequest struct {
	at        time.Time
	path      string
	userAgent string
}

type ipRecord struct {
	requests  []guardRequest
	pathHits  map[string][]time.Time
	suspicion int
	lastSeen  time.Time
}

type accessToken struct {
	ip       string
	issuedAt time.Time
	uses     int
}

// Guard tracks per-IP request behaviour: rate limits, suspicion scoring,
// token issuance and blocking. It fails open on internal errors and
// closed on policy.
type Guard struct {
	mu      sync.Mutex
	ips     map[string]*ipRecord
	tokens  map[string]*accessToken
	blocked map[string]bool
	secret  string
	// pathLimit is the per-(IP, path) cap per 60s window.
	pathLimit int
	done      chan struct{}
	now       func() time.Time
}

// NewGuard creates a Guard. pathLimit caps requests per (IP, path) per
// minute; zero uses the default of 120.
func NewGuard(secret string, pathLimit int) *Guard {
	if pathLimit <= 0 {
		pathLimit = 120
	}
	return &Guard{
		ips:       make(map[string]*ipRecord),
		tokens:    make(map[string]*accessToken),
		blocked:   make(map[string]bool),
		secret:    secret,
		pathLimit: pathLimit,
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Check records one request and returns the verdict. It never panics
// outward: an internal failure allows the request through.
func (g *Guard) Check(ip, path, userAgent, token string) (verdict GuardVerdict) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("guard check panic, failing open", "recover", r)
			verdict = GuardAllow
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	// Policy is fail-closed: a blocked IP stays rejected no matter what.
	if g.blocked[ip] {
		return GuardForbidden
	}

	now := g.now()
	rec := g.ips[ip]
	if rec == nil {
		rec = &ipRecord{pathHits: make(map[string][]time.Time)}
		g.ips[ip] = rec
	}
	rec.lastSeen = now
	g.pruneLocked(rec, now)
	rec.requests = append(rec.requests, guardRequest{at: now, path: path, userAgent: userAgent})
	rec.pathHits[path] = append(rec.pathHits[path], now)

	limited := false

	// Per-(IP, path) window.
	if len(recentTimes(rec.pathHits[path], now, time.Minute)) > g.pathLimit {
		limited = true
	}

	// Sliding windows over all requests.
	var minuteCount, hourCount int
	for _, r := range rec.requests {
		age := now.Sub(r.at)
		if age <= time.Minute {
			minuteCount++
		}
		if age <= time.Hour {
			hourCount++
		}
	}
	if minuteCount > guardMinuteLimit {
		rec.suspicion += suspicionWeights["minute_overflow"]
		limited = true
	}
	if hourCount > guardHourLimit {
		rec.suspicion += suspicionWeights["hour_overflow"]
		limited = true
	}

	if isSuspiciousAgent(userAgent) {
		rec.suspicion += suspicionWeights["suspicious_user_agent"]
	}
	if g.sequentialPatternLocked(rec, now) {
		rec.suspicion += suspicionWeights["sequential_timing"]
	}

	switch {
	case token == "":
		rec.suspicion += suspicionWeights["missing_token"]
	default:
		tok := g.tokens[token]
		switch {
		case tok == nil || now.Sub(tok.issuedAt) > guardTokenTTL:
			rec.suspicion += suspicionWeights["invalid_token"]
		case tok.ip != ip:
			rec.suspicion += suspicionWeights["token_ip_mismatch"]
			delete(g.tokens, token)
		default:
			tok.uses++
		}
	}

	if rec.suspicion >= blockThreshold {
		g.blocked[ip] = true
		slog.Warn("ip blocked by suspicion score", "ip", ip, "score", rec.suspicion)
		return GuardForbidden
	}
	if limited {
		return GuardRateLimited
	}
	return GuardAllow
}

func recentTimes(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	var out []time.Time
	for _, t := range ts {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}

func isSuspiciousAgent(userAgent string) bool {
	if userAgent == "" {
		return true
	}
	ua := strings.ToLower(userAgent)
	for _, p := range suspiciousAgentPatterns {
		if strings.Contains(ua, p) {
			return true
		}
	}
	return false
}

// sequentialPatternLocked detects machine-like request cadence: over the
// last 20 requests, mean interval < 2000ms and stddev < 500ms with at
// least 10 samples.
func (g *Guard) sequentialPatternLocked(rec *ipRecord, now time.Time) bool {
	reqs := rec.requests
	if len(reqs) > 20 {
		reqs = reqs[len(reqs)-20:]
	}
	if len(reqs) < 11 {
		return false
	}
	intervals := make([]float64, 0, len(reqs)-1)
	for i := 1; i < len(reqs); i++ {
		intervals = append(intervals, float64(reqs[i].at.Sub(reqs[i-1].at).Milliseconds()))
	}
	if len(intervals) < 10 {
		return false
	}
	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))
	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(len(intervals)))
	return mean < 2000 && stddev < 500
}

func (g *Guard) pruneLocked(rec *ipRecord, now time.Time) {
	kept := rec.requests[:0]
	for _, r := range rec.requests {
		if now.Sub(r.at) <= requestRetention {
			kept = append(kept, r)
		}
	}
	rec.requests = kept
	for path, ts := range rec.pathHits {
		recent := recentTimes(ts, now, time.Minute)
		if len(recent) == 0 {
			delete(rec.pathHits, path)
		} else {
			rec.pathHits[path] = recent
		}
	}
}

// RaiseSuspicion adds the weighted score for reason and blocks the IP
// when the threshold is crossed. Returns the new score.
func (g *Guard) RaiseSuspicion(ip, reason string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.ips[ip]
	if rec == nil {
		rec = &ipRecord{pathHits: make(map[string][]time.Time)}
		g.ips[ip] = rec
	}
	rec.lastSeen = g.now()
	rec.suspicion += suspicionWeights[reason]
	if rec.suspicion >= blockThreshold && !g.blocked[ip] {
		g.blocked[ip] = true
		slog.Warn("ip blocked", "ip", ip, "reason", reason, "score", rec.suspicion)
	}
	return rec.suspicion
}

// GenerateToken issues a fresh 256-bit token bound to ip.
func (g *Guard) GenerateToken(ip string) string {
	b := make([]byte, 32)
	rand.Read(b)
	token := hex.EncodeToString(b)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens[token] = &accessToken{ip: ip, issuedAt: g.now()}
	return token
}

// Block adds an IP to the block set directly (admin ban).
func (g *Guard) Block(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocked[ip] = true
}

// Unblock removes an IP from the block set and resets its score.
func (g *Guard) Unblock(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, ip)
	if rec := g.ips[ip]; rec != nil {
		rec.suspicion = 0
	}
}

// Blocked reports whether an IP is currently blocked.
func (g *Guard) Blocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[ip]
}

// BlockedIPs returns the current block set.
func (g *Guard) BlockedIPs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.blocked))
	for ip := range g.blocked {
		out = append(out, ip)
	}
	return out
}

// GuardStats is an admin snapshot of guard state.
type GuardStats struct {
	TrackedIPs   int            `json:"trackedIps"`
	BlockedIPs   int            `json:"blockedIps"`
	ActiveTokens int            `json:"activeTokens"`
	Scores       map[string]int `json:"scores"`
}

// Stats returns a snapshot for the admin endpoint.
func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	scores := make(map[string]int)
	for ip, rec := range g.ips {
		if rec.suspicion > 0 {
			scores[ip] = rec.suspicion
		}
	}
	return GuardStats{
		TrackedIPs:   len(g.ips),
		BlockedIPs:   len(g.blocked),
		ActiveTokens: len(g.tokens),
		Scores:       scores,
	}
}

// StartSweep runs the decay/prune loop until StopSweep is called.
func (g *Guard) StartSweep(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.done:
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}

// StopSweep stops the background sweep goroutine.
func (g *Guard) StopSweep() {
	close(g.done)
}

// Sweep decays every non-zero score by 1, unblocks IPs that dropped
// below half the block threshold, forgets idle IPs and expired tokens.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for ip, rec := range g.ips {
		if rec.suspicion > 0 {
			rec.suspicion--
		}
		if g.blocked[ip] && rec.suspicion < unblockThreshold {
			delete(g.blocked, ip)
			slog.Info("ip unblocked after decay", "ip", ip, "score", rec.suspicion)
		}
		if now.Sub(rec.lastSeen) > ipIdleForget {
			delete(g.ips, ip)
		}
	}
	for token, tok := range g.tokens {
		if now.Sub(tok.issuedAt) > guardTokenTTL {
			delete(g.tokens, token)
		}
	}
}
