package srv

import (
	"sync"
	"time"
)

// Session is the stable logical identity of a client. The token is
// client-generated and survives transport reconnects; the socket id
// changes on every reconnect.
type Session struct {
	Token          string
	SocketID       string // empty while disconnected
	RoomID         string // empty while not in a room
	IP             string
	LastDisconnect time.Time // generation counter for staged disconnect callbacks
	LastSubmit     time.Time // word submission throttle
}

// SessionRegistry maps session tokens to sessions and socket ids back to
// tokens.
type SessionRegistry struct {
	mu       sync.Mutex
	byToken  map[string]*Session
	bySocket map[string]string // socket id -> token
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byToken:  make(map[string]*Session),
		bySocket: make(map[string]string),
	}
}

// Register binds a socket to the session for token, creating the session
// on first contact. A previous socket binding for the same token is
// detached.
func (sr *SessionRegistry) Register(token, socketID, ip string) *Session {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sess := sr.byToken[token]
	if sess == nil {
		sess = &Session{Token: token}
		sr.byToken[token] = sess
	}
	if sess.SocketID != "" {
		delete(sr.bySocket, sess.SocketID)
	}
	sess.SocketID = socketID
	sess.IP = ip
	sr.bySocket[socketID] = token
	return sess
}

// Unregister clears the socket binding of the session owning socketID
// and stamps the disconnect time. The session itself stays alive for
// grace-period lookups. Returns the session, or nil when unknown.
func (sr *SessionRegistry) Unregister(socketID string) *Session {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	token, ok := sr.bySocket[socketID]
	if !ok {
		return nil
	}
	delete(sr.bySocket, socketID)
	sess := sr.byToken[token]
	if sess != nil && sess.SocketID == socketID {
		sess.SocketID = ""
		sess.LastDisconnect = time.Now()
	}
	return sess
}

// ByToken returns the session for a token, or nil.
func (sr *SessionRegistry) ByToken(token string) *Session {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.byToken[token]
}

// TokenBySocket returns the token bound to a socket id, or "".
func (sr *SessionRegistry) TokenBySocket(socketID string) string {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.bySocket[socketID]
}

// SetRoom records the room a session is in ("" to clear).
func (sr *SessionRegistry) SetRoom(token, roomID string) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sess := sr.byToken[token]; sess != nil {
		sess.RoomID = roomID
	}
}

// SessionsForIP returns the sessions whose current socket maps to ip.
// Used for ban propagation.
func (sr *SessionRegistry) SessionsForIP(ip string) []*Session {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	var out []*Session
	for _, sess := range sr.byToken {
		if sess.IP == ip && sess.SocketID != "" {
			out = append(out, sess)
		}
	}
	return out
}

// AllowSubmit enforces the per-session word submission throttle: at most
// one submission per interval. The first call in a window wins.
func (sr *SessionRegistry) AllowSubmit(token string, interval time.Duration) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sess := sr.byToken[token]
	if sess == nil {
		return false
	}
	now := time.Now()
	if now.Sub(sess.LastSubmit) < interval {
		return false
	}
	sess.LastSubmit = now
	return true
}

// Reap removes sessions that have no active socket and no room, and have
// been disconnected longer than maxIdle.
func (sr *SessionRegistry) Reap(maxIdle time.Duration) int {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	now := time.Now()
	removed := 0
	for token, sess := range sr.byToken {
		if sess.SocketID == "" && sess.RoomID == "" &&
			!sess.LastDisconnect.IsZero() && now.Sub(sess.LastDisconnect) > maxIdle {
			delete(sr.byToken, token)
			removed++
		}
	}
	return removed
}
