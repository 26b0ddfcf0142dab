package srv

import (
	"errors"
	"fmt"
	"testing"
)

func testPlayer(token, name string) *Player {
	return &Player{Token: token, Name: name, Send: make(chan []byte, 8)}
}

func newLobbyRoom(t *testing.T, rm *RoomManager, maxPlayers int) *Room {
	t.Helper()
	room := rm.CreateRoom("r1", "test room", RoomSettings{MaxPlayers: maxPlayers}, testPlayer("host", "Alice"))
	if room == nil {
		t.Fatal("CreateRoom returned nil")
	}
	return room
}

func TestCreateRoomIdempotent(t *testing.T) {
	rm := NewRoomManager()
	r1 := rm.CreateRoom("r1", "first", RoomSettings{}, testPlayer("host", "Alice"))
	r2 := rm.CreateRoom("r1", "second", RoomSettings{}, testPlayer("other", "Bob"))
	if r1 != r2 {
		t.Fatal("recreating an existing id produced a new room")
	}
	if r1.Name != "first" {
		t.Fatalf("room name = %q; want the original", r1.Name)
	}
}

func TestCreateRoomHostDefaults(t *testing.T) {
	rm := NewRoomManager()
	room := rm.CreateRoom("r1", "room", RoomSettings{StartingLives: 3}, testPlayer("host", "Alice"))

	host := room.Players[0]
	if !host.IsHost || !host.IsReady || !host.IsAlive {
		t.Fatalf("host flags = %+v; want host, ready, alive", host)
	}
	if host.Lives != 3 {
		t.Fatalf("host lives = %d; want 3", host.Lives)
	}
	if room.OriginalHostToken != "host" {
		t.Fatal("OriginalHostToken not recorded")
	}
}

func TestJoinFresh(t *testing.T) {
	rm := NewRoomManager()
	newLobbyRoom(t, rm, 4)

	room, out, err := rm.Join("r1", testPlayer("p2", "Bob"))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if out.Reconnected || out.AsSpectator || out.Restored {
		t.Fatalf("fresh join outcome = %+v", out)
	}
	if len(room.Players) != 2 {
		t.Fatalf("players = %d; want 2", len(room.Players))
	}
	if out.Player.Lives != defaultStartingLives || !out.Player.IsAlive {
		t.Fatalf("joiner state = %+v", out.Player)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	rm := NewRoomManager()
	_, _, err := rm.Join("nope", testPlayer("p1", "Bob"))
	if !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v; want ErrRoomNotFound", err)
	}
}

func TestJoinReconnect(t *testing.T) {
	rm := NewRoomManager()
	newLobbyRoom(t, rm, 4)
	rm.Join("r1", testPlayer("p2", "Bob"))

	again := testPlayer("p2", "Bob")
	again.SocketID = "newSocket"
	room, out, err := rm.Join("r1", again)
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !out.Reconnected {
		t.Fatal("rejoin with same token not treated as reconnection")
	}
	if len(room.Players) != 2 {
		t.Fatalf("players = %d after reconnect; want 2", len(room.Players))
	}
	if out.Player.SocketID != "newSocket" {
		t.Fatal("socket id not updated on reconnect")
	}
}

func TestJoinFullRoom(t *testing.T) {
	rm := NewRoomManager()
	newLobbyRoom(t, rm, 2)
	rm.Join("r1", testPlayer("p2", "Bob"))

	_, _, err := rm.Join("r1", testPlayer("p3", "Carol"))
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err = %v; want ErrRoomFull", err)
	}
}

func TestJoinPlayingBecomesSpectator(t *testing.T) {
	rm := NewRoomManager()
	room := newLobbyRoom(t, rm, 20)
	room.State = StatePlaying

	_, out, err := rm.Join("r1", testPlayer("late", "Dave"))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !out.AsSpectator {
		t.Fatal("mid-game join did not become spectator")
	}
	if len(room.Players) != 1 {
		t.Fatal("spectator landed in the player list")
	}
}

func TestJoinPlayingSpectatorOverflow(t *testing.T) {
	rm := NewRoomManager()
	room := newLobbyRoom(t, rm, 50)
	room.State = StatePlaying

	for i := 0; i < maxPendingSpectators; i++ {
		if _, _, err := rm.Join("r1", testPlayer(fmt.Sprintf("s%d", i), "S")); err != nil {
			t.Fatalf("spectator %d rejected: %v", i, err)
		}
	}
	_, _, err := rm.Join("r1", testPlayer("overflow", "S"))
	if !errors.Is(err, ErrGameInProgress) {
		t.Fatalf("err = %v; want ErrGameInProgress", err)
	}
}

func TestJoinPlayingOriginalHostAllowed(t *testing.T) {
	rm := NewRoomManager()
	room := newLobbyRoom(t, rm, 20)
	rm.Join("r1", testPlayer("p2", "Bob"))

	// Host leaves, p2 is promoted, game starts, host comes back.
	rm.Leave("r1", "host")
	room.State = StatePlaying

	_, out, err := rm.Join("r1", testPlayer("host", "Alice"))
	if err != nil {
		t.Fatalf("original host rejoin: %v", err)
	}
	if out.AsSpectator {
		t.Fatal("original host parked as spectator")
	}
	if len(room.Players) != 2 {
		t.Fatalf("players = %d; want 2", len(room.Players))
	}
}

func TestJoinPlayingRecentLeaverRestored(t *testing.T) {
	rm := NewRoomManager()
	room := newLobbyRoom(t, rm, 20)
	rm.Join("r1", testPlayer("p2", "Bob"))
	room.State = StatePlaying
	room.Players[1].Lives = 1
	room.Players[1].WordsFound = 7

	rm.Leave("r1", "p2")
	_, out, err := rm.Join("r1", testPlayer("p2", "Bob"))
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !out.Restored {
		t.Fatal("recent leaver not restored")
	}
	if out.Player.Lives != 1 || out.Player.WordsFound != 7 {
		t.Fatalf("restored state = %d lives, %d words; want 1, 7", out.Player.Lives, out.Player.WordsFound)
	}
}

func TestLeaveLastPlayerDeletesRoom(t *testing.T) {
	rm := NewRoomManager()
	newLobbyRoom(t, rm, 4)

	_, out, err := rm.Leave("r1", "host")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !out.RoomDeleted {
		t.Fatal("last leave did not delete the room")
	}
	if rm.GetRoom("r1") != nil {
		t.Fatal("room still resolvable after delete")
	}
}

func TestLeaveHostPromotesFirstRemaining(t *testing.T) {
	rm := NewRoomManager()
	room := newLobbyRoom(t, rm, 4)
	rm.Join("r1", testPlayer("p2", "Bob"))
	rm.Join("r1", testPlayer("p3", "Carol"))

	_, out, err := rm.Leave("r1", "host")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if out.NewHostToken != "p2" {
		t.Fatalf("promoted %q; want p2 (first remaining)", out.NewHostToken)
	}
	if !room.Players[0].IsHost || room.HostToken != "p2" {
		t.Fatal("host flags not transferred")
	}
	// The creator keeps the rejoin privilege.
	if room.OriginalHostToken != "host" {
		t.Fatal("OriginalHostToken changed on promotion")
	}
}

func TestLeaveAdjustsCurrentIndex(t *testing.T) {
	rm := NewRoomManager()
	room := newLobbyRoom(t, rm, 4)
	rm.Join("r1", testPlayer("p2", "Bob"))
	rm.Join("r1", testPlayer("p3", "Carol"))
	room.State = StatePlaying
	room.Game.CurrentPlayerIndex = 2 // Carol's turn

	rm.Leave("r1", "host") // index 0 leaves
	if room.Game.CurrentPlayerIndex != 1 {
		t.Fatalf("CurrentPlayerIndex = %d; want 1 (still Carol)", room.Game.CurrentPlayerIndex)
	}
	if room.Players[room.Game.CurrentPlayerIndex].Token != "p3" {
		t.Fatal("turn moved off Carol")
	}
}

func TestPublicRoomsShowsBotCount(t *testing.T) {
	rm := NewRoomManager()
	room := newLobbyRoom(t, rm, 8)
	room.DisplayPlayerCount = 5

	rooms := rm.PublicRooms()
	if len(rooms) != 1 {
		t.Fatalf("rooms = %d; want 1", len(rooms))
	}
	if rooms[0].PlayerCount != 5 {
		t.Fatalf("PlayerCount = %d; want host-reported 5", rooms[0].PlayerCount)
	}
}

func TestSettingsNormalize(t *testing.T) {
	cases := []struct {
		in   RoomSettings
		want RoomSettings
	}{
		{RoomSettings{}, RoomSettings{MaxPlayers: defaultMaxPlayers, StartingLives: defaultStartingLives}},
		{RoomSettings{ExtraTurnSeconds: 99}, RoomSettings{MaxPlayers: defaultMaxPlayers, StartingLives: defaultStartingLives, ExtraTurnSeconds: maxExtraTurnSeconds}},
		{RoomSettings{ExtraTurnSeconds: -1}, RoomSettings{MaxPlayers: defaultMaxPlayers, StartingLives: defaultStartingLives}},
	}
	for _, tc := range cases {
		got := tc.in
		got.normalize()
		if got != tc.want {
			t.Errorf("normalize(%+v) = %+v; want %+v", tc.in, got, tc.want)
		}
	}
}

func TestTurnDuration(t *testing.T) {
	s := RoomSettings{ExtraTurnSeconds: 4}
	if got := s.TurnDuration().Seconds(); got != 12 {
		t.Fatalf("TurnDuration = %vs; want 12s", got)
	}
}
