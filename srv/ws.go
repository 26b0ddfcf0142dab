package srv

import (
	"encoding/json"
	"html"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
	// compressThreshold: messages above this size go out compressed.
	compressThreshold = 1024

	// disconnectPauseDelay is the grace before a vanished player is
	// marked disconnected and the game pauses on their turn.
	disconnectPauseDelay = 8 * time.Second
	// disconnectEvictDelay is the additional grace before eviction.
	disconnectEvictDelay = 45 * time.Second

	maxChatLen = 300
)

// WSMessage is the envelope for every client message.
type WSMessage struct {
	Type           string        `json:"type"`
	Token          string        `json:"token,omitempty"`
	Name           string        `json:"name,omitempty"`
	Avatar         string        `json:"avatar,omitempty"`
	RoomID         string        `json:"roomId,omitempty"`
	RoomName       string        `json:"roomName,omitempty"`
	Scenario       string        `json:"scenario,omitempty"`
	TrainSyllables []string      `json:"trainSyllables,omitempty"`
	Settings       *RoomSettings `json:"settings,omitempty"`
	Word           string        `json:"word,omitempty"`
	Syllable       string        `json:"syllable,omitempty"`
	Message        string        `json:"message,omitempty"`
	BotName        string        `json:"botName,omitempty"`
	BotCount       int           `json:"botCount,omitempty"`
	CurrentText    string        `json:"currentText,omitempty"`
	TargetToken    string        `json:"targetToken,omitempty"`
	StaffToken     string        `json:"staffToken,omitempty"`
}

// wsClient is one live WebSocket connection.
type wsClient struct {
	srv      *Server
	conn     *websocket.Conn
	socketID string
	ip       string
	token    string // session token, set on register or join
	send     chan []byte
	limiter  *connLimiter
	once     sync.Once
}

// connRegistry tracks live connections by socket id, for targeted sends
// and ban eviction.
type connRegistry struct {
	mu    sync.Mutex
	conns map[string]*wsClient
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*wsClient)}
}

func (cr *connRegistry) add(c *wsClient) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.conns[c.socketID] = c
}

func (cr *connRegistry) remove(socketID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	delete(cr.conns, socketID)
}

func (cr *connRegistry) byIP(ip string) []*wsClient {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	var out []*wsClient
	for _, c := range cr.conns {
		if c.ip == ip {
			out = append(out, c)
		}
	}
	return out
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS layer on the HTTP side;
		// the socket accepts and authenticates by session token.
		return true
	},
}

// clientIP extracts the caller IP, honoring the first X-Forwarded-For
// hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleWS upgrades the connection and runs the read loop.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if s.Guard.Blocked(ip) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	c := &wsClient{
		srv:      s,
		conn:     conn,
		socketID: uuid.NewString(),
		ip:       ip,
		send:     make(chan []byte, sendBufferSize),
		limiter:  newConnLimiter(s.Cfg.RateLimitMax),
	}
	s.Conns.add(c)
	slog.Info("client connected", "socketId", c.socketID, "ip", ip)

	go c.writePump()
	c.readPump()
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.srv.onDisconnect(c)
		c.srv.Conns.remove(c.socketID)
		c.conn.Close()
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "socketId", c.socketID, "error", err)
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendEvent("error", map[string]any{"message": "invalid message"})
			continue
		}
		ok, kill := c.limiter.Allow(msg.Type)
		if kill {
			slog.Warn("rate limit kill", "socketId", c.socketID, "ip", c.ip)
			c.srv.Guard.RaiseSuspicion(c.ip, "sequential_timing")
			return
		}
		if !ok {
			c.sendEvent("error", map[string]any{"message": "rate limited"})
			continue
		}
		c.srv.dispatch(c, &msg)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.EnableWriteCompression(len(msg) > compressThreshold)
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendEvent(typ string, fields map[string]any) {
	sendNonBlocking(c.send, event(typ, fields))
}

// dispatch routes one message. Panics are contained per message.
func (s *Server) dispatch(c *wsClient, msg *WSMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panic", "type", msg.Type, "socketId", c.socketID, "recover", r)
		}
	}()

	switch msg.Type {
	case "register":
		s.handleRegister(c, msg)
	case "getRooms":
		c.sendEvent("roomsList", map[string]any{"rooms": s.Rooms.PublicRooms()})
	case "createRoom":
		s.handleCreateRoom(c, msg)
	case "joinRoom":
		s.handleJoinRoom(c, msg)
	case "leaveRoom":
		s.handleLeaveRoom(c, msg)
	case "deleteRoom":
		s.handleDeleteRoom(c, msg)
	case "toggleReady":
		s.handleToggleReady(c, msg)
	case "updateSettings":
		s.handleUpdateSettings(c, msg)
	case "updateBotCount":
		s.handleUpdateBotCount(c, msg)
	case "startGame":
		s.handleStartGame(c, msg)
	case "newSyllable":
		s.handleNewSyllable(c, msg)
	case "submitWord":
		s.handleSubmitWord(c, msg)
	case "loseLife":
		s.handleLoseLife(c, msg)
	case "suicideRequest":
		s.handleSuicide(c, msg)
	case "endGame":
		s.handleEndGame(c, msg)
	case "typingUpdate":
		s.handleTyping(c, msg)
	case "chatMessage":
		s.handleChat(c, msg)
	default:
		c.sendEvent("error", map[string]any{"message": "unknown message type"})
	}
}

func (s *Server) handleRegister(c *wsClient, msg *WSMessage) {
	if msg.Token == "" {
		c.sendEvent("error", map[string]any{"message": "token required"})
		return
	}
	c.token = msg.Token
	sess := s.Sessions.Register(msg.Token, c.socketID, c.ip)
	c.sendEvent("registered", map[string]any{
		"socketId": c.socketID,
		"roomId":   sess.RoomID,
	})
	s.UserLog.Seen(msg.Token, msg.Name, c.ip)
}

// requireRoom resolves the caller's room, replying with an error when
// the caller is not registered or the room is gone.
func (s *Server) requireRoom(c *wsClient, roomID string) *Room {
	if c.token == "" {
		c.sendEvent("error", map[string]any{"message": "not registered"})
		return nil
	}
	if roomID == "" {
		if sess := s.Sessions.ByToken(c.token); sess != nil {
			roomID = sess.RoomID
		}
	}
	room := s.Rooms.GetRoom(roomID)
	if room == nil {
		c.sendEvent("error", map[string]any{"message": ErrRoomNotFound.Error()})
		return nil
	}
	return room
}

// isHost reports whether the caller currently holds the host role.
func (s *Server) isHost(room *Room, token string) bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	return token != "" && token == room.HostToken
}

func (s *Server) handleCreateRoom(c *wsClient, msg *WSMessage) {
	if c.token == "" && msg.Token != "" {
		c.token = msg.Token
		s.Sessions.Register(msg.Token, c.socketID, c.ip)
	}
	if c.token == "" {
		c.sendEvent("error", map[string]any{"message": "not registered"})
		return
	}
	id := msg.RoomID
	if id == "" {
		id = generateRoomID()
	}
	var settings RoomSettings
	if msg.Settings != nil {
		settings = *msg.Settings
	}
	if msg.Scenario != "" {
		settings.Scenario = msg.Scenario
	}
	host := &Player{
		Token:    c.token,
		SocketID: c.socketID,
		Name:     msg.Name,
		Avatar:   msg.Avatar,
		Send:     c.send,
	}
	room := s.Rooms.CreateRoom(id, msg.RoomName, settings, host)
	s.Sessions.SetRoom(c.token, room.ID)

	room.mu.Lock()
	players := playerSnapshotLocked(room)
	settings = room.Settings
	room.mu.Unlock()
	c.sendEvent("roomCreated", map[string]any{
		"roomId":   room.ID,
		"roomName": room.Name,
		"players":  players,
		"settings": settings,
	})
}

func (s *Server) handleJoinRoom(c *wsClient, msg *WSMessage) {
	if c.token == "" && msg.Token != "" {
		c.token = msg.Token
		s.Sessions.Register(msg.Token, c.socketID, c.ip)
	}
	if c.token == "" {
		c.sendEvent("error", map[string]any{"message": "not registered"})
		return
	}
	incoming := &Player{
		Token:    c.token,
		SocketID: c.socketID,
		Name:     msg.Name,
		Avatar:   msg.Avatar,
		Send:     c.send,
	}
	room, outcome, err := s.Rooms.Join(msg.RoomID, incoming)
	if err != nil {
		c.sendEvent("joinError", map[string]any{"message": err.Error()})
		return
	}
	s.Sessions.SetRoom(c.token, room.ID)

	room.mu.Lock()
	players := playerSnapshotLocked(room)
	state := room.State
	syllable := room.Game.CurrentSyllable
	idx := room.Game.CurrentPlayerIndex
	settings := room.Settings
	room.mu.Unlock()

	switch {
	case outcome.Reconnected:
		room.MarkReconnected(c.token)
		c.sendEvent("roomJoined", map[string]any{
			"roomId": room.ID, "players": players, "state": state,
			"syllable": syllable, "playerIndex": idx, "settings": settings,
			"reconnected": true,
		})
		room.Broadcast(event("playerReconnected", map[string]any{
			"playerToken": c.token, "playerName": outcome.Player.Name,
		}))
		// Only the current player's return lifts a pause; the pause
		// protects whoever holds the turn.
		s.resumeIfCurrent(room, c.token)
	case outcome.AsSpectator:
		c.sendEvent("joinedAsSpectator", map[string]any{
			"roomId": room.ID, "players": players, "state": state,
			"syllable": syllable, "playerIndex": idx,
		})
		room.mu.Lock()
		waiting := len(room.PendingSpectators)
		room.mu.Unlock()
		room.Broadcast(event("spectatorsWaiting", map[string]any{
			"count": waiting,
		}))
	default:
		c.sendEvent("roomJoined", map[string]any{
			"roomId": room.ID, "players": players, "state": state,
			"syllable": syllable, "playerIndex": idx, "settings": settings,
			"restored": outcome.Restored,
		})
		room.Broadcast(event("playerJoined", map[string]any{
			"playerToken": c.token,
			"playerName":  outcome.Player.Name,
			"players":     players,
		}))
	}
}

func (s *Server) handleLeaveRoom(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	s.leavePlayer(room, c.token)
	s.Sessions.SetRoom(c.token, "")
	c.sendEvent("leftRoom", map[string]any{"roomId": room.ID})
}

// leavePlayer removes a player and repairs the game around the hole.
func (s *Server) leavePlayer(room *Room, token string) {
	_, out, err := s.Rooms.Leave(room.ID, token)
	if err != nil {
		return
	}
	if out.RoomDeleted {
		return
	}
	payload := map[string]any{
		"playerToken": token,
		"playerName":  out.Left.Name,
	}
	if out.NewHostToken != "" {
		payload["newHostToken"] = out.NewHostToken
		payload["newHostName"] = out.NewHostName
	}
	room.Broadcast(event("playerLeft", payload))

	room.mu.Lock()
	playing := room.State == StatePlaying
	alive := room.aliveCountLocked()
	room.mu.Unlock()
	if !playing {
		return
	}
	if alive <= 1 {
		s.endGame(room, "players left")
		return
	}
	if out.WasCurrent {
		// The leaver held the turn: move on and start a fresh round.
		s.advanceTurn(room)
		s.startRound(room)
	}
}

func (s *Server) handleDeleteRoom(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	if !s.isHost(room, c.token) {
		c.sendEvent("error", map[string]any{"message": "host only"})
		return
	}
	room.Broadcast(event("roomDeleted", map[string]any{"roomId": room.ID}))
	room.mu.Lock()
	timer := room.Timer
	tokens := make([]string, 0, len(room.Players))
	for _, p := range room.Players {
		tokens = append(tokens, p.Token)
	}
	room.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	for _, t := range tokens {
		s.Sessions.SetRoom(t, "")
	}
	s.Rooms.RemoveRoom(room.ID)
	slog.Info("room deleted by host", "roomId", room.ID)
}

func (s *Server) handleToggleReady(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	room.mu.Lock()
	p, _ := room.playerByTokenLocked(c.token)
	if p == nil || room.State != StateLobby {
		room.mu.Unlock()
		return
	}
	p.IsReady = !p.IsReady
	ready := p.IsReady
	name := p.Name
	room.mu.Unlock()
	room.Broadcast(event("playerReadyChanged", map[string]any{
		"playerToken": c.token,
		"playerName":  name,
		"isReady":     ready,
	}))
}

func (s *Server) handleUpdateSettings(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil || msg.Settings == nil {
		return
	}
	if !s.isHost(room, c.token) {
		c.sendEvent("error", map[string]any{"message": "host only"})
		return
	}
	room.mu.Lock()
	if room.State != StateLobby {
		room.mu.Unlock()
		c.sendEvent("error", map[string]any{"message": ErrGameInProgress.Error()})
		return
	}
	settings := *msg.Settings
	settings.normalize()
	room.Settings = settings
	room.LastActive = time.Now()
	room.mu.Unlock()
	room.Broadcast(event("settingsUpdated", map[string]any{"settings": settings}))
}

func (s *Server) handleUpdateBotCount(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	if !s.isHost(room, c.token) {
		c.sendEvent("error", map[string]any{"message": "host only"})
		return
	}
	room.mu.Lock()
	count := msg.BotCount
	if count < 0 {
		count = 0
	}
	if count > room.Settings.MaxPlayers {
		count = room.Settings.MaxPlayers
	}
	room.DisplayPlayerCount = count
	room.mu.Unlock()
}

func (s *Server) handleStartGame(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	if !s.isHost(room, c.token) {
		c.sendEvent("error", map[string]any{"message": "host only"})
		return
	}
	if !s.Dict.Ready() {
		c.sendEvent("error", map[string]any{"message": "dictionary not ready"})
		return
	}
	s.StartGame(room, msg.Scenario, msg.TrainSyllables)
}

// handleNewSyllable lets a legacy host client request a fresh syllable,
// but only after the server-control window of the current round has
// elapsed. Any syllable value the client sends is ignored; the
// replacement is always drawn through the scenario filter.
func (s *Server) handleNewSyllable(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	if !s.isHost(room, c.token) {
		c.sendEvent("error", map[string]any{"message": "host only"})
		return
	}
	s.rerollSyllable(room)
}

func (s *Server) handleSubmitWord(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	room.mu.Lock()
	playing := room.State == StatePlaying
	current := room.currentPlayerLocked()
	var target *Player
	if msg.TargetToken != "" {
		target, _ = room.playerByTokenLocked(msg.TargetToken)
	}
	room.mu.Unlock()

	isCurrent := playing && current != nil && current.Token == c.token
	// Host-local bots have no server-side player record; the host
	// clears their turns on their behalf.
	forBot := playing && !isCurrent && msg.TargetToken != "" && target == nil &&
		s.isHost(room, c.token)
	if !isCurrent && !forBot {
		c.sendEvent("wordRejected", map[string]any{"word": msg.Word, "reason": "not your turn"})
		return
	}
	if !s.Sessions.AllowSubmit(c.token, submitInterval) {
		c.sendEvent("wordRejected", map[string]any{"word": msg.Word, "reason": "Trop rapide!"})
		return
	}
	word, ok, reason := s.checkWord(room, msg.Word)
	if !ok {
		// The timer keeps running; the player may retry.
		room.Broadcast(event("wordRejected", map[string]any{
			"playerToken": c.token,
			"word":        word,
			"reason":      reason,
		}))
		return
	}
	if forBot {
		s.acceptBotWord(room, msg.TargetToken, msg.BotName, word)
		return
	}
	s.acceptWord(room, c.token, word)
}

// handleLoseLife is a host correction: force a life loss on a player.
func (s *Server) handleLoseLife(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	if !s.isHost(room, c.token) {
		c.sendEvent("error", map[string]any{"message": "host only"})
		return
	}
	target := msg.TargetToken
	if target == "" {
		room.mu.Lock()
		if p := room.currentPlayerLocked(); p != nil {
			target = p.Token
		}
		room.mu.Unlock()
	}
	if target != "" {
		room.mu.Lock()
		timer := room.Timer
		room.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		s.loseLife(room, target)
	}
}

// handleSuicide lets a player voluntarily give up a life on their turn.
func (s *Server) handleSuicide(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	room.mu.Lock()
	current := room.currentPlayerLocked()
	timer := room.Timer
	mine := room.State == StatePlaying && current != nil && current.Token == c.token
	room.mu.Unlock()
	if !mine {
		return
	}
	if timer != nil {
		timer.Stop()
	}
	s.loseLife(room, c.token)
}

func (s *Server) handleEndGame(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	if !s.isHost(room, c.token) {
		c.sendEvent("error", map[string]any{"message": "host only"})
		return
	}
	s.endGame(room, "ended by host")
}

// trimRunes caps s at n runes. Chat text is UTF-8; slicing bytes could
// cut an accented character in half.
func trimRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (s *Server) handleTyping(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	text := trimRunes(msg.CurrentText, maxChatLen)
	room.Broadcast(event("playerTyping", map[string]any{
		"playerToken": c.token,
		"currentText": text,
	}))
}

func (s *Server) handleChat(c *wsClient, msg *WSMessage) {
	room := s.requireRoom(c, msg.RoomID)
	if room == nil {
		return
	}
	text := strings.TrimSpace(msg.Message)
	if text == "" {
		return
	}
	text = html.EscapeString(trimRunes(text, maxChatLen))

	room.mu.Lock()
	p, _ := room.playerByTokenLocked(c.token)
	room.mu.Unlock()
	if p == nil {
		return
	}
	name := html.EscapeString(p.Name)

	// Host may speak as one of its local bots.
	if msg.BotName != "" {
		if !s.isHost(room, c.token) {
			c.sendEvent("error", map[string]any{"message": "host only"})
			return
		}
		name = html.EscapeString(msg.BotName)
	}

	payload := map[string]any{
		"playerToken": c.token,
		"playerName":  name,
		"message":     text,
	}
	if msg.StaffToken != "" {
		if role := s.Staff.RoleForToken(msg.StaffToken); role != "" {
			payload["role"] = role
		}
	}
	room.Broadcast(event("chatMessage", payload))
}

// onDisconnect starts the staged disconnect flow: after a short grace
// the player is marked disconnected (pausing the game on their turn);
// after a longer grace they are evicted. Reconnecting in between
// advances the session's disconnect stamp, which cancels both stages.
func (s *Server) onDisconnect(c *wsClient) {
	sess := s.Sessions.Unregister(c.socketID)
	slog.Info("client disconnected", "socketId", c.socketID, "ip", c.ip)
	if sess == nil || sess.RoomID == "" {
		return
	}
	token := sess.Token
	roomID := sess.RoomID
	gen := sess.LastDisconnect

	time.AfterFunc(disconnectPauseDelay, func() {
		s.markDisconnectedStage(token, roomID, gen)
	})
}

// markDisconnectedStage flags the vanished player and pauses the game if
// they hold the turn, then schedules the eviction stage.
func (s *Server) markDisconnectedStage(token, roomID string, gen time.Time) {
	if !s.stillDisconnected(token, gen) {
		return
	}
	room := s.Rooms.GetRoom(roomID)
	if room == nil {
		return
	}
	p, wasCurrent := room.MarkDisconnected(token)
	if p == nil {
		return
	}
	room.Broadcast(event("playerDisconnected", map[string]any{
		"playerToken": token,
		"playerName":  p.Name,
		"gamePaused":  wasCurrent,
	}))
	if wasCurrent {
		s.pauseGame(room, "player disconnected")
	}

	time.AfterFunc(disconnectEvictDelay, func() {
		s.evictDisconnectedStage(token, roomID, gen)
	})
}

// evictDisconnectedStage removes a player who never came back. When the
// evictee still holds the turn, the turn moves on and the paused round
// resumes with its frozen remainder before the removal, so the round in
// flight survives the eviction instead of restarting.
func (s *Server) evictDisconnectedStage(token, roomID string, gen time.Time) {
	if !s.stillDisconnected(token, gen) {
		return
	}
	room := s.Rooms.GetRoom(roomID)
	if room == nil {
		return
	}
	slog.Info("evicting disconnected player", "roomId", roomID, "token", token)

	room.mu.Lock()
	cur := room.currentPlayerLocked()
	holdsTurn := room.State == StatePlaying && cur != nil && cur.Token == token
	timer := room.Timer
	room.mu.Unlock()

	if holdsTurn {
		s.advanceTurn(room)
	}
	if timer != nil && timer.Paused() {
		s.resumeGame(room)
	}
	s.leavePlayer(room, token)
	s.Sessions.SetRoom(token, "")
}

// stillDisconnected reports whether the session is still offline and the
// disconnect stamp has not moved since gen.
func (s *Server) stillDisconnected(token string, gen time.Time) bool {
	sess := s.Sessions.ByToken(token)
	return sess != nil && sess.SocketID == "" && sess.LastDisconnect.Equal(gen)
}

// EvictIP force-closes every live connection from a banned IP.
func (s *Server) EvictIP(ip string) {
	for _, c := range s.Conns.byIP(ip) {
		c.sendEvent("banned", map[string]any{"message": "banned"})
		go func(c *wsClient) {
			time.Sleep(100 * time.Millisecond)
			c.conn.Close()
		}(c)
	}
	for _, sess := range s.Sessions.SessionsForIP(ip) {
		if sess.RoomID != "" {
			if room := s.Rooms.GetRoom(sess.RoomID); room != nil {
				s.leavePlayer(room, sess.Token)
			}
			s.Sessions.SetRoom(sess.Token, "")
		}
	}
}
