package srv

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Routes builds the full HTTP handler: public dictionary endpoints
// behind the guard, room browsing, honeypots, staff auth and admin
// endpoints, and the WebSocket entry point.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", s.HandleWS)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)

	// Honeypots: nothing legitimate ever calls these. Registered before
	// the /api subrouter so they win the prefix match.
	r.HandleFunc("/api/dictionary/full", s.handleHoneypot)
	r.HandleFunc("/api/words/all", s.handleHoneypot)
	r.HandleFunc("/dictionary.txt", s.handleDictionaryDownload)

	// Public API, guard-checked.
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.guardMiddleware)
	api.HandleFunc("/token", s.handleToken).Methods(http.MethodGet)
	api.HandleFunc("/syllable-stats", s.withIndex(s.handleSyllableStats)).Methods(http.MethodGet)
	api.HandleFunc("/words-by-syllable", s.withIndex(s.handleWordsBySyllable)).Methods(http.MethodGet)
	api.HandleFunc("/validate", s.withIndex(s.handleValidate)).Methods(http.MethodGet)
	api.HandleFunc("/top-syllables", s.withIndex(s.handleTopSyllables)).Methods(http.MethodGet)
	api.HandleFunc("/search", s.withIndex(s.handleSearch)).Methods(http.MethodGet)
	api.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	api.HandleFunc("/room/{id}", s.handleRoom).Methods(http.MethodGet)

	// Staff authentication and account management.
	r.HandleFunc("/staff/login", s.handleStaffLogin).Methods(http.MethodPost)
	staff := r.PathPrefix("/staff").Subrouter()
	staff.Use(s.adminOnly)
	staff.HandleFunc("/accounts", s.handleStaffList).Methods(http.MethodGet)
	staff.HandleFunc("/accounts", s.handleStaffCreate).Methods(http.MethodPost)
	staff.HandleFunc("/accounts/{username}", s.handleStaffDelete).Methods(http.MethodDelete)

	// Admin surface.
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminOnly)
	admin.HandleFunc("/add-word", s.handleAddWord).Methods(http.MethodPost)
	admin.HandleFunc("/remove-word", s.handleRemoveWord).Methods(http.MethodPost)
	admin.HandleFunc("/antiscraping/stats", s.handleGuardStats).Methods(http.MethodGet)
	admin.HandleFunc("/antiscraping/blocked-ips", s.handleBlockedIPs).Methods(http.MethodGet)
	admin.HandleFunc("/antiscraping/unblock", s.handleUnblock).Methods(http.MethodPost)
	admin.HandleFunc("/users", s.handleUsers).Methods(http.MethodGet)
	admin.HandleFunc("/bans", s.handleBans).Methods(http.MethodGet)
	admin.HandleFunc("/ban/{ip}", s.handleBan).Methods(http.MethodPost)
	admin.HandleFunc("/ban/{ip}", s.handleUnban).Methods(http.MethodDelete)

	return s.corsMiddleware(r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}

// corsMiddleware applies the configured origin policy.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := ""
		for _, o := range s.Cfg.CORSOrigins {
			if o == "*" {
				allowed = "*"
				break
			}
			if o == origin {
				allowed = origin
				break
			}
		}
		if allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Access-Token, X-Admin-Token, X-Staff-Token")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// guardMiddleware runs every public API request through the scraping
// guard.
func (s *Server) guardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		token := r.Header.Get("X-Access-Token")
		if token == "" {
			token = r.URL.Query().Get("accessToken")
		}
		switch s.Guard.Check(ip, r.URL.Path, r.Header.Get("User-Agent"), token) {
		case GuardForbidden:
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden"})
			return
		case GuardRateLimited:
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withIndex rejects dictionary queries until the index is built.
func (s *Server) withIndex(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Dict.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		h(w, r)
	}
}

// adminOnly admits requests carrying the admin token or a staff token
// with the admin role. With no admin token configured the surface is
// open (dev mode).
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("X-Admin-Token") == s.Cfg.AdminToken {
			next.ServeHTTP(w, r)
			return
		}
		if s.Staff.RoleForToken(r.Header.Get("X-Staff-Token")) == RoleAdmin {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"dictionary": s.Dict.Ready(),
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     s.Guard.GenerateToken(ip),
		"expiresIn": int(guardTokenTTL.Seconds()),
	})
}

func queryInt(r *http.Request, key, def string) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		v = def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleSyllableStats(w http.ResponseWriter, r *http.Request) {
	length := queryInt(r, "length", "2")
	if length < minSyllableLen || length > maxSyllableLen {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "length must be 2..4"})
		return
	}
	counts := s.Dict.CountsForLength(length)
	writeJSON(w, http.StatusOK, map[string]any{
		"length":    length,
		"syllables": len(counts),
		"counts":    counts,
	})
}

func (s *Server) handleWordsBySyllable(w http.ResponseWriter, r *http.Request) {
	syl := normalizeWord(r.URL.Query().Get("syl"))
	if syl == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "syl required"})
		return
	}
	length := len([]rune(syl))
	if length < minSyllableLen || length > maxSyllableLen {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "syllable must be 2..4 letters"})
		return
	}
	limit := queryInt(r, "limit", "30")
	words := s.Dict.SamplesFor(length, syl, limit)
	count, _ := s.Dict.CountFor(syl)
	writeJSON(w, http.StatusOK, map[string]any{
		"syllable": syl,
		"count":    count,
		"words":    words,
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	word := r.URL.Query().Get("word")
	if word == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "word required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": s.Dict.Contains(word)})
}

func (s *Server) handleTopSyllables(w http.ResponseWriter, r *http.Request) {
	length := queryInt(r, "length", "2")
	if length < minSyllableLen || length > maxSyllableLen {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "length must be 2..4"})
		return
	}
	limit := queryInt(r, "limit", "20")
	writeJSON(w, http.StatusOK, map[string]any{
		"length":    length,
		"syllables": s.Dict.TopSyllables(length, limit),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := normalizeWord(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "q required"})
		return
	}
	limit := queryInt(r, "limit", "50")

	// Syllable-length queries hit the sample index directly; anything
	// else falls back to a bounded scan.
	var words []string
	if l := len([]rune(q)); l >= minSyllableLen && l <= maxSyllableLen {
		words = s.Dict.SamplesFor(l, q, limit)
	}
	if len(words) == 0 {
		words = s.Dict.ScanContaining(q, limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "words": words})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.Rooms.PublicRooms()})
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	room := s.Rooms.GetRoom(mux.Vars(r)["id"])
	if room == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": ErrRoomNotFound.Error()})
		return
	}
	room.mu.Lock()
	count := len(room.Players)
	if room.DisplayPlayerCount > count {
		count = room.DisplayPlayerCount
	}
	out := PublicRoom{
		ID:          room.ID,
		Name:        room.Name,
		Host:        room.HostName,
		PlayerCount: count,
		MaxPlayers:  room.Settings.MaxPlayers,
		State:       room.State,
		Scenario:    room.Settings.Scenario,
	}
	room.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// handleHoneypot punishes callers of endpoints no legitimate client ever
// touches and returns plausible-looking junk.
func (s *Server) handleHoneypot(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	score := s.Guard.RaiseSuspicion(ip, "honeypot")
	slog.Warn("honeypot hit", "ip", ip, "path", r.URL.Path, "score", score)

	fake := make([]string, 0, 20)
	for range 20 {
		fake = append(fake, seedSyllables[rand.IntN(len(seedSyllables))]+seedSyllables[rand.IntN(len(seedSyllables))])
	}
	writeJSON(w, http.StatusOK, map[string]any{"words": fake, "total": len(fake)})
}

// handleDictionaryDownload blocks attempts to fetch the raw dictionary.
func (s *Server) handleDictionaryDownload(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	s.Guard.RaiseSuspicion(ip, "dictionary_access")
	slog.Warn("dictionary download attempt", "ip", ip)
	writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
}

func (s *Server) handleAddWord(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Word string `json:"word"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Word == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "word required"})
		return
	}
	if err := s.Dict.AddWord(body.Word); err != nil {
		if errors.Is(err, ErrRebuildFailed) {
			// The word reached disk; only the live index is stale.
			writeJSON(w, http.StatusOK, map[string]any{"added": true, "warning": "rebuild_failed"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": true})
}

func (s *Server) handleRemoveWord(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Word string `json:"word"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Word == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "word required"})
		return
	}
	if err := s.Dict.RemoveWord(body.Word); err != nil {
		if errors.Is(err, ErrRebuildFailed) {
			writeJSON(w, http.StatusOK, map[string]any{"removed": true, "warning": "rebuild_failed"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleGuardStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Guard.Stats())
}

func (s *Server) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"blocked": s.Guard.BlockedIPs()})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.IP == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "ip required"})
		return
	}
	s.Guard.Unblock(body.IP)
	writeJSON(w, http.StatusOK, map[string]any{"unblocked": body.IP})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.UserLog.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bans": s.Bans.Records()})
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	var body struct {
		Reason string `json:"reason"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	by := "admin"
	if role := s.Staff.RoleForToken(r.Header.Get("X-Staff-Token")); role != "" {
		by = role
	}
	if err := s.Bans.Add(ip, body.Reason, by); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.Guard.Block(ip)
	s.EvictIP(ip)
	slog.Info("ip banned", "ip", ip, "by", by, "reason", body.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"banned": ip})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if err := s.Bans.Remove(ip); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.Guard.Unblock(ip)
	writeJSON(w, http.StatusOK, map[string]any{"unbanned": ip})
}

func (s *Server) handleStaffLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return
	}
	token, role, err := s.Staff.Authenticate(body.Username, body.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "bad credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "role": role})
}

func (s *Server) handleStaffList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.Staff.List()})
}

func (s *Server) handleStaffCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "username and password required"})
		return
	}
	if body.Role == "" {
		body.Role = RoleModerator
	}
	if err := s.Staff.Create(body.Username, body.Password, body.Role); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrStaffExists) {
			code = http.StatusConflict
		}
		writeJSON(w, code, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"created": body.Username, "role": body.Role})
}

func (s *Server) handleStaffDelete(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if err := s.Staff.Delete(username); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, ErrStaffNotFound) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": username})
}

// Addr is the listen address derived from config.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.Cfg.Port)
}
