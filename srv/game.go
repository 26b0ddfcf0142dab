package srv

import (
	"log/slog"
	"strings"
	"time"
)

const (
	// serverControlWindow is how long after a server-chosen syllable the
	// room refuses host syllable overrides.
	serverControlWindow = 3 * time.Second
	// submitInterval is the per-session word submission throttle.
	submitInterval = 800 * time.Millisecond
)

// recoverRoom is the panic boundary for timer callbacks and message
// handlers touching room state. A panic stops the room's timer so a
// broken round cannot keep draining lives.
func (s *Server) recoverRoom(room *Room) {
	if r := recover(); r != nil {
		slog.Error("room handler panic", "roomId", room.ID, "recover", r)
		if room.Timer != nil {
			room.Timer.Stop()
		}
	}
}

// StartGame transitions a lobby room into a running game. trainSet, when
// non-empty, restricts the syllable pool to the given practice set.
func (s *Server) StartGame(room *Room, scenario string, trainSet []string) {
	room.mu.Lock()
	if room.State == StatePlaying {
		room.mu.Unlock()
		return
	}
	if scenario != "" {
		room.Settings.Scenario = scenario
	}
	room.State = StatePlaying
	room.LastActive = time.Now()
	room.Game = GameState{
		CurrentPlayerIndex: 0,
		UsedSyllables:      make(map[string]bool),
		StartTime:          time.Now(),
	}
	if room.Settings.Scenario == ScenarioTrainSkip && len(trainSet) > 0 {
		allowed := make(map[string]bool, len(trainSet))
		for _, syl := range trainSet {
			allowed[normalizeWord(syl)] = true
		}
		room.Game.TrainAllowed = allowed
	}
	for _, p := range room.Players {
		p.Lives = room.Settings.StartingLives
		p.WordsFound = 0
		p.IsAlive = true
	}
	if room.Timer == nil {
		room.Timer = NewTurnTimer(
			func(rem, total time.Duration) { s.onTurnTick(room, rem, total) },
			func() { s.onTurnExpired(room) },
		)
	}
	players := playerSnapshotLocked(room)
	scenario = room.Settings.Scenario
	room.mu.Unlock()

	slog.Info("game started", "roomId", room.ID, "scenario", scenario, "players", len(players))
	room.Broadcast(event("gameStarted", map[string]any{
		"roomId":   room.ID,
		"scenario": scenario,
		"players":  players,
	}))
	s.startRound(room)
}

// startRound picks the next syllable, advances the round counter and
// arms the turn timer. If the scenario pool is exhausted (train mode)
// the game ends instead.
func (s *Server) startRound(room *Room) {
	defer s.recoverRoom(room)

	room.mu.Lock()
	if room.State != StatePlaying {
		room.mu.Unlock()
		return
	}
	syl, ok := SelectSyllable(s.Dict, room.Settings.Scenario, room.Game.UsedSyllables, room.Game.TrainAllowed)
	if !ok {
		room.mu.Unlock()
		s.endGame(room, "syllables exhausted")
		return
	}
	room.Game.UsedSyllables[syl] = true
	room.Game.CurrentSyllable = syl
	room.Game.RoundNumber++
	room.Game.ServerControlledUntil = time.Now().Add(serverControlWindow)
	room.LastActive = time.Now()

	current := room.currentPlayerLocked()
	payload := map[string]any{
		"syllable":    syl,
		"playerIndex": room.Game.CurrentPlayerIndex,
		"roundNumber": room.Game.RoundNumber,
	}
	if current != nil {
		payload["playerToken"] = current.Token
		payload["playerName"] = current.Name
	}
	if count, known := s.Dict.CountFor(syl); known {
		payload["wordCount"] = count
	}
	duration := room.Settings.TurnDuration()
	timer := room.Timer
	room.mu.Unlock()

	room.Broadcast(event("syllableUpdate", payload))
	timer.Start(duration)
}

// rerollSyllable re-picks the current round's syllable. Honored only
// after the server-control window, and the replacement always comes
// from the scenario filter, never from a client-supplied value, so the
// scenario constraints cannot be bypassed. Returns whether a new
// syllable was emitted.
func (s *Server) rerollSyllable(room *Room) bool {
	room.mu.Lock()
	if room.State != StatePlaying || time.Now().Before(room.Game.ServerControlledUntil) {
		room.mu.Unlock()
		return false
	}
	syl, ok := SelectSyllable(s.Dict, room.Settings.Scenario, room.Game.UsedSyllables, room.Game.TrainAllowed)
	if !ok {
		room.mu.Unlock()
		s.endGame(room, "syllables exhausted")
		return false
	}
	room.Game.UsedSyllables[syl] = true
	room.Game.CurrentSyllable = syl
	room.Game.ServerControlledUntil = time.Now().Add(serverControlWindow)
	idx := room.Game.CurrentPlayerIndex
	round := room.Game.RoundNumber
	payload := map[string]any{
		"syllable":    syl,
		"playerIndex": idx,
		"roundNumber": round,
	}
	if count, known := s.Dict.CountFor(syl); known {
		payload["wordCount"] = count
	}
	room.mu.Unlock()

	room.Broadcast(event("syllableUpdate", payload))
	return true
}

// onTurnTick relays timer progress to the room.
func (s *Server) onTurnTick(room *Room, remaining, total time.Duration) {
	room.Broadcast(event("timerUpdate", map[string]any{
		"remaining": remaining.Milliseconds(),
		"total":     total.Milliseconds(),
	}))
}

// onTurnExpired applies the timeout penalty to the current player.
func (s *Server) onTurnExpired(room *Room) {
	defer s.recoverRoom(room)

	room.mu.Lock()
	if room.State != StatePlaying {
		room.mu.Unlock()
		return
	}
	current := room.currentPlayerLocked()
	if current == nil {
		room.mu.Unlock()
		return
	}
	token, name := current.Token, current.Name
	room.mu.Unlock()

	slog.Info("turn timed out", "roomId", room.ID, "player", name)
	room.Broadcast(event("timeout", map[string]any{
		"playerToken": token,
		"playerName":  name,
	}))
	s.loseLife(room, token)
}

// loseLife deducts one life, eliminating at zero, and either ends the
// game or moves the turn on and starts the next round.
func (s *Server) loseLife(room *Room, token string) {
	defer s.recoverRoom(room)

	room.mu.Lock()
	if room.State != StatePlaying {
		room.mu.Unlock()
		return
	}
	p, _ := room.playerByTokenLocked(token)
	if p == nil || !p.IsAlive {
		room.mu.Unlock()
		return
	}
	p.Lives--
	eliminated := p.Lives <= 0
	if eliminated {
		p.Lives = 0
		p.IsAlive = false
	}
	lives, name := p.Lives, p.Name
	alive := room.aliveCountLocked()
	room.mu.Unlock()

	room.Broadcast(event("playerLostLife", map[string]any{
		"playerToken": token,
		"playerName":  name,
		"lives":       lives,
	}))
	if eliminated {
		slog.Info("player eliminated", "roomId", room.ID, "player", name)
		room.Broadcast(event("playerEliminated", map[string]any{
			"playerToken": token,
			"playerName":  name,
		}))
	}

	if alive <= 1 {
		s.endGame(room, "last player standing")
		return
	}
	s.advanceTurn(room)
	s.startRound(room)
}

// acceptWord credits the current player with a valid word and moves the
// game on to the next round.
func (s *Server) acceptWord(room *Room, token, word string) {
	room.mu.Lock()
	if room.State != StatePlaying {
		room.mu.Unlock()
		return
	}
	p, _ := room.playerByTokenLocked(token)
	if p == nil {
		room.mu.Unlock()
		return
	}
	p.WordsFound++
	name, found := p.Name, p.WordsFound
	timer := room.Timer
	room.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	room.Broadcast(event("wordAccepted", map[string]any{
		"playerToken": token,
		"playerName":  name,
		"word":        word,
		"wordsFound":  found,
	}))
	s.advanceTurn(room)
	s.startRound(room)
}

// acceptBotWord clears the turn for a host-local bot that has no
// server-side player record.
func (s *Server) acceptBotWord(room *Room, token, name, word string) {
	room.mu.Lock()
	if room.State != StatePlaying {
		room.mu.Unlock()
		return
	}
	timer := room.Timer
	room.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	room.Broadcast(event("wordAccepted", map[string]any{
		"playerToken": token,
		"playerName":  name,
		"word":        word,
	}))
	s.advanceTurn(room)
	s.startRound(room)
}

// resumeIfCurrent resumes a paused game only when the reconnecting
// player is the one whose turn it is. A pause protects the absent
// current player; another player's reconnection must not lift it.
func (s *Server) resumeIfCurrent(room *Room, token string) {
	room.mu.Lock()
	cur := room.currentPlayerLocked()
	mine := room.State == StatePlaying && cur != nil && cur.Token == token
	room.mu.Unlock()
	if mine {
		s.resumeGame(room)
	}
}

// advanceTurn moves CurrentPlayerIndex to the next player able to take a
// turn, skipping the eliminated and the disconnected. The scan is
// bounded by the player count so a fully dead room cannot loop.
func (s *Server) advanceTurn(room *Room) {
	room.mu.Lock()
	n := len(room.Players)
	if n == 0 {
		room.mu.Unlock()
		return
	}
	idx := room.Game.CurrentPlayerIndex
	for range n {
		idx = (idx + 1) % n
		p := room.Players[idx]
		if p.IsAlive && p.Lives > 0 && !p.Disconnected {
			break
		}
	}
	room.Game.CurrentPlayerIndex = idx
	next := room.Players[idx]
	token, name := next.Token, next.Name
	room.mu.Unlock()

	room.Broadcast(event("turnChanged", map[string]any{
		"playerIndex": idx,
		"playerToken": token,
		"playerName":  name,
	}))
}

// pauseGame freezes the turn timer and notifies the room.
func (s *Server) pauseGame(room *Room, reason string) {
	room.mu.Lock()
	timer := room.Timer
	playing := room.State == StatePlaying
	room.mu.Unlock()
	if !playing || timer == nil {
		return
	}
	if rem, ok := timer.Pause(); ok {
		slog.Info("game paused", "roomId", room.ID, "reason", reason, "remaining", rem)
		room.Broadcast(event("gamePaused", map[string]any{
			"reason":    reason,
			"remaining": rem.Milliseconds(),
		}))
	}
}

// resumeGame re-arms the paused timer, granting at least the resume
// floor so the current player is not ambushed.
func (s *Server) resumeGame(room *Room) {
	room.mu.Lock()
	timer := room.Timer
	playing := room.State == StatePlaying
	room.mu.Unlock()
	if !playing || timer == nil {
		return
	}
	if rem, ok := timer.Resume(); ok {
		slog.Info("game resumed", "roomId", room.ID, "remaining", rem)
		room.Broadcast(event("gameResumed", map[string]any{
			"remaining": rem.Milliseconds(),
		}))
	}
}

// endGame finishes the game: declares the winner, persists the result,
// promotes pending spectators to players and resets everyone for the
// next lobby round.
func (s *Server) endGame(room *Room, reason string) {
	room.mu.Lock()
	if room.State != StatePlaying {
		room.mu.Unlock()
		return
	}
	room.State = StateFinished

	// Winner: the last player standing; ties break by turn order.
	var winner *Player
	for _, p := range room.Players {
		if p.IsAlive && p.Lives > 0 {
			winner = p
			break
		}
	}
	if winner == nil && len(room.Players) > 0 {
		winner = room.Players[0]
	}
	winnerName := ""
	if winner != nil {
		winnerName = winner.Name
	}
	rounds := room.Game.RoundNumber
	wordsFound := make(map[string]int, len(room.Players))
	for _, p := range room.Players {
		wordsFound[p.Name] = p.WordsFound
	}

	promoted := room.PendingSpectators
	room.PendingSpectators = nil
	for _, sp := range promoted {
		sp.IsAlive = true
		sp.Lives = room.Settings.StartingLives
		sp.WordsFound = 0
		sp.IsReady = false
		room.Players = append(room.Players, sp)
	}
	for _, p := range room.Players {
		p.Lives = room.Settings.StartingLives
		p.WordsFound = 0
		p.IsAlive = true
		p.IsReady = p.IsHost
	}
	room.Game.CurrentSyllable = ""
	room.Game.CurrentPlayerIndex = 0
	room.State = StateLobby
	room.LastActive = time.Now()
	timer := room.Timer
	players := playerSnapshotLocked(room)
	room.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	slog.Info("game over", "roomId", room.ID, "winner", winnerName, "rounds", rounds, "reason", reason)
	room.Broadcast(event("gameOver", map[string]any{
		"winner": winnerName,
		"rounds": rounds,
		"scores": wordsFound,
	}))
	for _, sp := range promoted {
		room.Broadcast(event("promotedToPlayer", map[string]any{
			"playerToken": sp.Token,
			"playerName":  sp.Name,
		}))
	}
	room.Broadcast(event("roomState", map[string]any{
		"roomId":  room.ID,
		"state":   StateLobby,
		"players": players,
	}))
	s.saveGameResult(room, winnerName, rounds, wordsFound)
}

// checkWord validates a submission against the current syllable and the
// dictionary. The returned reason is client-facing.
func (s *Server) checkWord(room *Room, word string) (normalized string, ok bool, reason string) {
	normalized = normalizeWord(word)
	room.mu.Lock()
	syl := room.Game.CurrentSyllable
	room.mu.Unlock()

	if normalized == "" {
		return normalized, false, "empty word"
	}
	if syl == "" || !strings.Contains(normalized, syl) {
		return normalized, false, "missing syllable"
	}
	if !s.Dict.Contains(normalized) {
		return normalized, false, "unknown word"
	}
	return normalized, true, ""
}

// playerSnapshotLocked copies the player list for a broadcast payload.
// Caller holds room.mu.
func playerSnapshotLocked(room *Room) []Player {
	out := make([]Player, 0, len(room.Players))
	for _, p := range room.Players {
		out = append(out, *p)
	}
	return out
}
