package srv

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultMaxPlayers is the per-room player cap when not configured.
	defaultMaxPlayers = 6
	// defaultStartingLives is the number of lives each player starts with.
	defaultStartingLives = 2
	// maxExtraTurnSeconds bounds the configurable turn extension.
	maxExtraTurnSeconds = 10
	// baseTurnSeconds is the base length of a turn before extension.
	baseTurnSeconds = 8
	// recentlyLeftTTL is how long a leaver's snapshot is kept for rejoin.
	recentlyLeftTTL = 60 * time.Second
	// roomIdleMaxAge is how long an idle finished/empty room survives.
	roomIdleMaxAge = time.Hour
	// roomReapInterval is the cadence of the idle-room reaper.
	roomReapInterval = time.Minute
	// maxPendingSpectators caps mid-game spectator arrivals.
	maxPendingSpectators = 10
)

// Game scenarios. A scenario narrows the candidate syllable set.
const (
	ScenarioFourLetters = "4 lettres"
	ScenarioSub8        = "sub8"
	ScenarioSub50       = "sub50"
	ScenarioTrainSkip   = "train skip"
)

// Room lifecycle states.
const (
	StateLobby    = "lobby"
	StatePlaying  = "playing"
	StateFinished = "finished"
)

// Join errors carry the exact strings the client displays.
var (
	ErrRoomNotFound   = errors.New("Salle introuvable")
	ErrRoomFull       = errors.New("Salle pleine")
	ErrGameInProgress = errors.New("Partie en cours")
)

// RoomSettings holds configuration for a game room.
type RoomSettings struct {
	Scenario         string `json:"scenario,omitempty"` // "", "4 lettres", "sub8", "sub50", "train skip"
	MaxPlayers       int    `json:"maxPlayers"`
	StartingLives    int    `json:"startingLives"`
	ExtraTurnSeconds int    `json:"extraTurnSeconds"`
}

// normalize clamps settings into their valid ranges.
func (s *RoomSettings) normalize() {
	if s.MaxPlayers <= 0 {
		s.MaxPlayers = defaultMaxPlayers
	}
	if s.StartingLives <= 0 {
		s.StartingLives = defaultStartingLives
	}
	if s.ExtraTurnSeconds < 0 {
		s.ExtraTurnSeconds = 0
	}
	if s.ExtraTurnSeconds > maxExtraTurnSeconds {
		s.ExtraTurnSeconds = maxExtraTurnSeconds
	}
}

// TurnDuration is the full length of one turn under these settings.
func (s RoomSettings) TurnDuration() time.Duration {
	return time.Duration(baseTurnSeconds+s.ExtraTurnSeconds) * time.Second
}

// Player is a participant in a room, keyed by session token.
type Player struct {
	Token        string `json:"token"`
	SocketID     string `json:"-"`
	Name         string `json:"name"`
	Avatar       string `json:"avatar,omitempty"`
	IsHost       bool   `json:"isHost"`
	IsReady      bool   `json:"isReady"`
	Lives        int    `json:"lives"`
	WordsFound   int    `json:"wordsFound"`
	IsAlive      bool   `json:"isAlive"`
	Disconnected bool   `json:"disconnected"`
	Send         chan []byte `json:"-"`
}

// leftSnapshot preserves a leaver's game state for mid-game rejoin.
type leftSnapshot struct {
	Token      string
	Name       string
	Avatar     string
	Lives      int
	WordsFound int
	IsAlive    bool
	expiresAt  time.Time
}

// GameState is the per-game mutable state of a room.
type GameState struct {
	CurrentSyllable       string
	CurrentPlayerIndex    int
	RoundNumber           int
	StartTime             time.Time
	UsedSyllables         map[string]bool
	TrainAllowed          map[string]bool // non-nil only for "train skip"
	ServerControlledUntil time.Time
}

// Room holds the state for a single game room. All mutable fields are
// guarded by mu; broadcasts snapshot under the lock and send without it.
type Room struct {
	mu sync.Mutex

	ID                string
	Name              string
	HostToken         string
	OriginalHostToken string // set at creation, grants mid-game rejoin
	HostName          string
	HostAvatar        string

	Players           []*Player // insertion order drives turns and host promotion
	PendingSpectators []*Player
	recentlyLeft      []leftSnapshot

	Settings RoomSettings
	Game     GameState
	State    string // lobby, playing, finished

	// DisplayPlayerCount is the host-reported count including local
	// bots, surfaced in the lobby list.
	DisplayPlayerCount int

	Timer *TurnTimer

	CreatedAt  time.Time
	LastActive time.Time
}

// playerByTokenLocked returns the player and its index, or (nil, -1).
func (r *Room) playerByTokenLocked(token string) (*Player, int) {
	for i, p := range r.Players {
		if p.Token == token {
			return p, i
		}
	}
	return nil, -1
}

// aliveCountLocked counts players that can still take a turn or win.
func (r *Room) aliveCountLocked() int {
	n := 0
	for _, p := range r.Players {
		if p.IsAlive && p.Lives > 0 {
			n++
		}
	}
	return n
}

// currentPlayerLocked returns the player whose turn it is, or nil.
func (r *Room) currentPlayerLocked() *Player {
	if len(r.Players) == 0 {
		return nil
	}
	i := r.Game.CurrentPlayerIndex % len(r.Players)
	if i < 0 {
		i = 0
	}
	return r.Players[i]
}

// normalizeIndexLocked keeps CurrentPlayerIndex valid after mutations.
func (r *Room) normalizeIndexLocked() {
	if len(r.Players) == 0 {
		r.Game.CurrentPlayerIndex = 0
		return
	}
	r.Game.CurrentPlayerIndex %= len(r.Players)
	if r.Game.CurrentPlayerIndex < 0 {
		r.Game.CurrentPlayerIndex = 0
	}
}

// purgeRecentlyLeftLocked drops expired leaver snapshots.
func (r *Room) purgeRecentlyLeftLocked(now time.Time) {
	kept := r.recentlyLeft[:0]
	for _, s := range r.recentlyLeft {
		if now.Before(s.expiresAt) {
			kept = append(kept, s)
		}
	}
	r.recentlyLeft = kept
}

// Broadcast sends a message to all players and pending spectators.
func (r *Room) Broadcast(msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(msg)
}

func (r *Room) broadcastLocked(msg []byte) {
	for _, p := range r.Players {
		sendNonBlocking(p.Send, msg)
	}
	for _, p := range r.PendingSpectators {
		sendNonBlocking(p.Send, msg)
	}
}

// SendTo delivers a message to one player by token.
func (r *Room) SendTo(token string, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, _ := r.playerByTokenLocked(token); p != nil {
		sendNonBlocking(p.Send, msg)
	}
}

func sendNonBlocking(ch chan []byte, msg []byte) {
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
		// drop if channel full
	}
}

// PublicRoom is a lobby-browsing summary of a room.
type PublicRoom struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Host        string `json:"host"`
	PlayerCount int    `json:"playerCount"`
	MaxPlayers  int    `json:"maxPlayers"`
	State       string `json:"state"`
	Scenario    string `json:"scenario,omitempty"`
}

// RoomManager owns all active rooms.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	done  chan struct{}
}

// NewRoomManager creates an empty manager.
func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
		done:  make(chan struct{}),
	}
}

// CreateRoom creates a room with the host as its first, ready player.
// A caller-supplied id makes recreation idempotent: if the room already
// exists it is returned unchanged.
func (rm *RoomManager) CreateRoom(id, name string, settings RoomSettings, host *Player) *Room {
	settings.normalize()
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if existing, ok := rm.rooms[id]; ok && id != "" {
		return existing
	}
	host.IsHost = true
	host.IsReady = true
	host.Lives = settings.StartingLives
	host.IsAlive = true

	now := time.Now()
	room := &Room{
		ID:                id,
		Name:              name,
		HostToken:         host.Token,
		OriginalHostToken: host.Token,
		HostName:          host.Name,
		HostAvatar:        host.Avatar,
		Players:           []*Player{host},
		Settings:          settings,
		State:             StateLobby,
		CreatedAt:         now,
		LastActive:        now,
	}
	rm.rooms[id] = room
	slog.Info("room created", "roomId", id, "host", host.Name, "scenario", settings.Scenario)
	return room
}

// GetRoom returns a room by id, or nil.
func (rm *RoomManager) GetRoom(id string) *Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.rooms[id]
}

// RemoveRoom deletes a room by id.
func (rm *RoomManager) RemoveRoom(id string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.rooms, id)
}

// PublicRooms returns lobby summaries. The shown player count is the
// greater of the server-side count and the host-reported display count,
// so host-local bots are visible to the lobby.
func (rm *RoomManager) PublicRooms() []PublicRoom {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]PublicRoom, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		r.mu.Lock()
		count := len(r.Players)
		if r.DisplayPlayerCount > count {
			count = r.DisplayPlayerCount
		}
		out = append(out, PublicRoom{
			ID:          r.ID,
			Name:        r.Name,
			Host:        r.HostName,
			PlayerCount: count,
			MaxPlayers:  r.Settings.MaxPlayers,
			State:       r.State,
			Scenario:    r.Settings.Scenario,
		})
		r.mu.Unlock()
	}
	return out
}

// JoinOutcome describes how a join request was satisfied.
type JoinOutcome struct {
	Player      *Player
	Reconnected bool
	AsSpectator bool
	Restored    bool // state recovered from a recentlyLeft snapshot
}

// Join applies the four join cases in order: reconnection, full-room
// rejection, playing-room gate (historical host or recent leaver, else
// spectator), fresh join.
func (rm *RoomManager) Join(roomID string, incoming *Player) (*Room, *JoinOutcome, error) {
	room := rm.GetRoom(roomID)
	if room == nil {
		return nil, nil, ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	now := time.Now()
	room.LastActive = now
	room.purgeRecentlyLeftLocked(now)

	// Case 1: token already present — reconnection.
	if p, _ := room.playerByTokenLocked(incoming.Token); p != nil {
		p.SocketID = incoming.SocketID
		p.Send = incoming.Send
		p.Disconnected = false
		if incoming.Name != "" {
			p.Name = incoming.Name
		}
		return room, &JoinOutcome{Player: p, Reconnected: true}, nil
	}

	// Case 2: room full.
	if len(room.Players) >= room.Settings.MaxPlayers {
		return nil, nil, ErrRoomFull
	}

	// Case 3: game in progress.
	if room.State == StatePlaying {
		privileged := incoming.Token == room.OriginalHostToken || incoming.Token == room.HostToken
		var snap *leftSnapshot
		for i := range room.recentlyLeft {
			if room.recentlyLeft[i].Token == incoming.Token {
				snap = &room.recentlyLeft[i]
				break
			}
		}
		if !privileged && snap == nil {
			if len(room.PendingSpectators) >= maxPendingSpectators {
				return nil, nil, ErrGameInProgress
			}
			incoming.IsAlive = false
			room.PendingSpectators = append(room.PendingSpectators, incoming)
			return room, &JoinOutcome{Player: incoming, AsSpectator: true}, nil
		}
		incoming.Lives = room.Settings.StartingLives
		incoming.IsAlive = true
		restored := false
		if snap != nil {
			incoming.Lives = snap.Lives
			incoming.WordsFound = snap.WordsFound
			incoming.IsAlive = snap.IsAlive
			restored = true
		}
		room.Players = append(room.Players, incoming)
		return room, &JoinOutcome{Player: incoming, Restored: restored}, nil
	}

	// Case 4: fresh join in lobby.
	incoming.Lives = room.Settings.StartingLives
	incoming.IsAlive = true
	incoming.IsReady = false
	room.Players = append(room.Players, incoming)
	return room, &JoinOutcome{Player: incoming}, nil
}

// LeaveOutcome describes the side effects of a leave.
type LeaveOutcome struct {
	Left         *Player
	RoomDeleted  bool
	NewHostToken string
	NewHostName  string
	WasCurrent   bool // leaver held the current turn
}

// Leave removes the player with token from the room. A leaver during a
// game is snapshotted into recentlyLeft for 60 seconds. The last player
// leaving deletes the room; a leaving host promotes the first remaining
// player.
func (rm *RoomManager) Leave(roomID, token string) (*Room, *LeaveOutcome, error) {
	room := rm.GetRoom(roomID)
	if room == nil {
		return nil, nil, ErrRoomNotFound
	}

	room.mu.Lock()
	p, i := room.playerByTokenLocked(token)
	if p == nil {
		// May be a pending spectator.
		for j, s := range room.PendingSpectators {
			if s.Token == token {
				room.PendingSpectators = append(room.PendingSpectators[:j], room.PendingSpectators[j+1:]...)
				room.mu.Unlock()
				return room, &LeaveOutcome{Left: s}, nil
			}
		}
		room.mu.Unlock()
		return nil, nil, ErrRoomNotFound
	}

	now := time.Now()
	room.LastActive = now
	wasCurrent := room.State == StatePlaying && room.currentPlayerLocked() == p

	if room.State == StatePlaying {
		room.purgeRecentlyLeftLocked(now)
		room.recentlyLeft = append(room.recentlyLeft, leftSnapshot{
			Token:      p.Token,
			Name:       p.Name,
			Avatar:     p.Avatar,
			Lives:      p.Lives,
			WordsFound: p.WordsFound,
			IsAlive:    p.IsAlive,
			expiresAt:  now.Add(recentlyLeftTTL),
		})
	}

	room.Players = append(room.Players[:i], room.Players[i+1:]...)
	if i < room.Game.CurrentPlayerIndex {
		room.Game.CurrentPlayerIndex--
	}
	room.normalizeIndexLocked()

	out := &LeaveOutcome{Left: p, WasCurrent: wasCurrent}

	if len(room.Players) == 0 {
		room.mu.Unlock()
		if room.Timer != nil {
			room.Timer.Stop()
		}
		rm.RemoveRoom(roomID)
		out.RoomDeleted = true
		slog.Info("room removed (empty)", "roomId", roomID)
		return room, out, nil
	}

	if p.IsHost {
		next := room.Players[0]
		next.IsHost = true
		room.HostToken = next.Token
		room.HostName = next.Name
		room.HostAvatar = next.Avatar
		out.NewHostToken = next.Token
		out.NewHostName = next.Name
		slog.Info("host transferred", "roomId", roomID, "newHost", next.Name)
	}
	room.mu.Unlock()
	return room, out, nil
}

// MarkDisconnected flips the disconnect flag without removing the
// player. Returns the player and whether it holds the current turn.
func (r *Room) MarkDisconnected(token string) (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := r.playerByTokenLocked(token)
	if p == nil {
		return nil, false
	}
	p.Disconnected = true
	return p, r.State == StatePlaying && r.currentPlayerLocked() == p
}

// MarkReconnected clears the disconnect flag.
func (r *Room) MarkReconnected(token string) *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := r.playerByTokenLocked(token)
	if p != nil {
		p.Disconnected = false
	}
	return p
}

// StartReaper removes idle rooms (finished or empty, inactive beyond
// maxAge) on a fixed cadence until StopReaper.
func (rm *RoomManager) StartReaper(interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rm.done:
				return
			case <-ticker.C:
				rm.reapIdle(maxAge)
			}
		}
	}()
}

// StopReaper stops the reaper goroutine.
func (rm *RoomManager) StopReaper() {
	close(rm.done)
}

func (rm *RoomManager) reapIdle(maxAge time.Duration) {
	now := time.Now()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, r := range rm.rooms {
		r.mu.Lock()
		idle := now.Sub(r.LastActive) > maxAge
		reapable := idle && (len(r.Players) == 0 || r.State == StateFinished)
		r.mu.Unlock()
		if reapable {
			if r.Timer != nil {
				r.Timer.Stop()
			}
			delete(rm.rooms, id)
			slog.Info("room reaped (idle)", "roomId", id)
		}
	}
}
