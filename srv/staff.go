package srv

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"syllabomb.exe.dev/db"
)

const (
	staffCollection = "staff"
	bansCollection  = "bans"
	usersCollection = "users"

	// staffTokenTTL is the lifetime of a staff session token.
	staffTokenTTL = 12 * time.Hour
)

// Staff roles, in ascending privilege.
const (
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrStaffExists    = errors.New("staff account already exists")
	ErrStaffNotFound  = errors.New("staff account not found")
)

// StaffAccount is a moderation account. The password is stored as a
// bcrypt hash only.
type StaffAccount struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

type staffSession struct {
	username string
	role     string
	issuedAt time.Time
}

// StaffStore holds staff accounts (write-through to the database) and
// their live session tokens (memory only).
type StaffStore struct {
	mu       sync.Mutex
	store    *db.Store
	accounts map[string]*StaffAccount
	tokens   map[string]staffSession
}

func NewStaffStore(store *db.Store) *StaffStore {
	return &StaffStore{
		store:    store,
		accounts: make(map[string]*StaffAccount),
		tokens:   make(map[string]staffSession),
	}
}

func (st *StaffStore) load() error {
	rows, err := st.store.Load(staffCollection)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for username, raw := range rows {
		var acc StaffAccount
		if err := json.Unmarshal(raw, &acc); err != nil {
			slog.Warn("skipping corrupt staff record", "username", username, "error", err)
			continue
		}
		st.accounts[username] = &acc
	}
	return nil
}

// SeedAdmin creates the admin account if it does not exist yet.
func (st *StaffStore) SeedAdmin(password string) error {
	st.mu.Lock()
	_, exists := st.accounts["admin"]
	st.mu.Unlock()
	if exists {
		return nil
	}
	return st.Create("admin", password, RoleAdmin)
}

// Create adds a staff account.
func (st *StaffStore) Create(username, password, role string) error {
	if role != RoleAdmin && role != RoleModerator {
		return fmt.Errorf("unknown role %q", role)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	acc := &StaffAccount{
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	st.mu.Lock()
	if _, exists := st.accounts[username]; exists {
		st.mu.Unlock()
		return ErrStaffExists
	}
	st.accounts[username] = acc
	st.mu.Unlock()

	return st.store.Save(staffCollection, username, acc)
}

// Delete removes a staff account and revokes its live tokens.
func (st *StaffStore) Delete(username string) error {
	st.mu.Lock()
	if _, exists := st.accounts[username]; !exists {
		st.mu.Unlock()
		return ErrStaffNotFound
	}
	delete(st.accounts, username)
	for token, sess := range st.tokens {
		if sess.username == username {
			delete(st.tokens, token)
		}
	}
	st.mu.Unlock()
	return st.store.Delete(staffCollection, username)
}

// Authenticate verifies credentials and issues a session token.
func (st *StaffStore) Authenticate(username, password string) (token, role string, err error) {
	st.mu.Lock()
	acc := st.accounts[username]
	st.mu.Unlock()
	if acc == nil {
		// Burn a comparison anyway so unknown usernames cost the same.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return "", "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return "", "", ErrBadCredentials
	}

	b := make([]byte, 32)
	rand.Read(b)
	token = hex.EncodeToString(b)

	st.mu.Lock()
	st.tokens[token] = staffSession{username: username, role: acc.Role, issuedAt: time.Now()}
	st.mu.Unlock()
	return token, acc.Role, nil
}

// RoleForToken resolves a staff session token to its role, or "" when
// the token is unknown or expired.
func (st *StaffStore) RoleForToken(token string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.tokens[token]
	if !ok {
		return ""
	}
	if time.Since(sess.issuedAt) > staffTokenTTL {
		delete(st.tokens, token)
		return ""
	}
	return sess.role
}

// List returns accounts without password hashes.
func (st *StaffStore) List() []StaffAccount {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]StaffAccount, 0, len(st.accounts))
	for _, acc := range st.accounts {
		pub := *acc
		pub.PasswordHash = ""
		out = append(out, pub)
	}
	return out
}

// BanRecord is a persisted IP ban.
type BanRecord struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason,omitempty"`
	BannedBy  string    `json:"bannedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// BanStore persists IP bans so they survive restarts; the Guard holds
// the live block set.
type BanStore struct {
	mu    sync.Mutex
	store *db.Store
	bans  map[string]BanRecord
}

func NewBanStore(store *db.Store) *BanStore {
	return &BanStore{store: store, bans: make(map[string]BanRecord)}
}

func (bs *BanStore) load() error {
	rows, err := bs.store.Load(bansCollection)
	if err != nil {
		return err
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for ip, raw := range rows {
		var rec BanRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("skipping corrupt ban record", "ip", ip, "error", err)
			continue
		}
		bs.bans[ip] = rec
	}
	return nil
}

// Add records a ban.
func (bs *BanStore) Add(ip, reason, by string) error {
	rec := BanRecord{IP: ip, Reason: reason, BannedBy: by, CreatedAt: time.Now()}
	bs.mu.Lock()
	bs.bans[ip] = rec
	bs.mu.Unlock()
	return bs.store.Save(bansCollection, ip, rec)
}

// Remove lifts a ban.
func (bs *BanStore) Remove(ip string) error {
	bs.mu.Lock()
	delete(bs.bans, ip)
	bs.mu.Unlock()
	return bs.store.Delete(bansCollection, ip)
}

// Has reports whether an IP is banned.
func (bs *BanStore) Has(ip string) bool {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	_, ok := bs.bans[ip]
	return ok
}

// All returns the banned IPs.
func (bs *BanStore) All() []string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make([]string, 0, len(bs.bans))
	for ip := range bs.bans {
		out = append(out, ip)
	}
	return out
}

// Records returns the full ban records.
func (bs *BanStore) Records() []BanRecord {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make([]BanRecord, 0, len(bs.bans))
	for _, rec := range bs.bans {
		out = append(out, rec)
	}
	return out
}

// UserRecord is one known player identity, for the moderation view.
type UserRecord struct {
	Token    string    `json:"token"`
	Name     string    `json:"name,omitempty"`
	IP       string    `json:"ip"`
	LastSeen time.Time `json:"lastSeen"`
}

// UserLog tracks which session tokens have been seen from which IPs.
// Writes are throttled per token so a reconnect storm does not hammer
// the database.
type UserLog struct {
	mu    sync.Mutex
	store *db.Store
	seen  map[string]UserRecord
}

func NewUserLog(store *db.Store) *UserLog {
	return &UserLog{store: store, seen: make(map[string]UserRecord)}
}

// Seen records a registration. Persisted at most once per minute per
// token unless the name or IP changed.
func (ul *UserLog) Seen(token, name, ip string) {
	now := time.Now()
	ul.mu.Lock()
	prev, ok := ul.seen[token]
	if ok && prev.Name == name && prev.IP == ip && now.Sub(prev.LastSeen) < time.Minute {
		ul.mu.Unlock()
		return
	}
	rec := UserRecord{Token: token, Name: name, IP: ip, LastSeen: now}
	ul.seen[token] = rec
	ul.mu.Unlock()

	if err := ul.store.Save(usersCollection, token, rec); err != nil {
		slog.Error("persist user record", "error", err)
	}
}

// List returns every user seen since startup plus persisted history.
func (ul *UserLog) List() ([]UserRecord, error) {
	rows, err := ul.store.Load(usersCollection)
	if err != nil {
		return nil, err
	}
	out := make([]UserRecord, 0, len(rows))
	for token, raw := range rows {
		var rec UserRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("skipping corrupt user record", "token", token, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
