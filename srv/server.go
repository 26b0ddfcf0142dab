package srv

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"syllabomb.exe.dev/db"
)

// Server holds shared state for the HTTP/WebSocket server.
type Server struct {
	Cfg      Config
	DB       *sql.DB
	Store    *db.Store
	Dict     *Dictionary
	Guard    *Guard
	Sessions *SessionRegistry
	Rooms    *RoomManager
	Staff    *StaffStore
	Bans     *BanStore
	UserLog  *UserLog
	Conns    *connRegistry
}

// New creates a Server with database, persistence-backed stores, guard
// and room manager. The dictionary index is built separately (BuildIndex)
// so startup is not blocked on it.
func New(cfg Config) (*Server, error) {
	s := &Server{
		Cfg:      cfg,
		Dict:     NewDictionary(cfg.DictPath, cfg.SampleCap, cfg.StrictDict),
		Guard:    NewGuard(cfg.AntiscrapingSecret, cfg.RateLimitMax),
		Sessions: NewSessionRegistry(),
		Rooms:    NewRoomManager(),
		Conns:    newConnRegistry(),
	}
	if err := s.setUpDatabase(cfg.DBPath); err != nil {
		return nil, err
	}

	s.Staff = NewStaffStore(s.Store)
	s.Bans = NewBanStore(s.Store)
	s.UserLog = NewUserLog(s.Store)
	if err := s.Staff.load(); err != nil {
		return nil, fmt.Errorf("load staff store: %w", err)
	}
	if err := s.Bans.load(); err != nil {
		return nil, fmt.Errorf("load ban store: %w", err)
	}
	for _, ip := range s.Bans.All() {
		s.Guard.Block(ip)
	}
	if cfg.AdminPassword != "" {
		if err := s.Staff.SeedAdmin(cfg.AdminPassword); err != nil {
			return nil, fmt.Errorf("seed admin account: %w", err)
		}
	}
	return s, nil
}

// setUpDatabase initializes the database connection and runs migrations.
func (s *Server) setUpDatabase(dbPath string) error {
	wdb, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open db: %w", err)
	}
	s.DB = wdb
	if err := db.RunMigrations(wdb); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	s.Store = &db.Store{DB: wdb}
	return nil
}

// BuildIndex builds the dictionary index. Safe to call again after admin
// word mutations; readers keep the previous index until the swap.
func (s *Server) BuildIndex() error {
	lines, err := s.Dict.Build()
	if err != nil {
		return err
	}
	slog.Info("dictionary ready", "lines", lines)
	return nil
}

// StartBackground launches the periodic maintenance loops.
func (s *Server) StartBackground() {
	s.Guard.StartSweep(guardSweepInterval)
	s.Rooms.StartReaper(roomReapInterval, roomIdleMaxAge)
	go func() {
		ticker := time.NewTicker(guardSweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			s.Sessions.Reap(24 * time.Hour)
		}
	}()
}

// mustMarshal marshals v to JSON or panics.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("json marshal: %v", err))
	}
	return b
}

// event builds a typed message envelope.
func event(typ string, fields map[string]any) []byte {
	m := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		m[k] = v
	}
	m["type"] = typ
	return mustMarshal(m)
}

// generateRoomID creates a random 6-character room ID.
func generateRoomID() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	rand.Read(b)
	for i := range b {
		b[i] = chars[int(b[i])%len(chars)]
	}
	return string(b)
}

func generateResultID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// saveGameResult persists a finished game. Failures are logged, never
// fatal to the game flow.
func (s *Server) saveGameResult(room *Room, winner string, rounds int, wordsFound map[string]int) {
	res := db.GameResult{
		ID:          generateResultID(),
		RoomName:    room.Name,
		Scenario:    room.Settings.Scenario,
		Winner:      winner,
		Rounds:      rounds,
		WordsFound:  wordsFound,
		PlayerCount: len(wordsFound),
		CreatedAt:   time.Now(),
	}
	if err := s.Store.SaveResult(res); err != nil {
		slog.Error("save game result", "roomId", room.ID, "error", err)
	}
}
