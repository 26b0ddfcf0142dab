package db

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.sqlite3"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := RunMigrations(d); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &Store{DB: d}
}

func TestSaveLoadDelete(t *testing.T) {
	s := openTestStore(t)
	type doc struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}

	if err := s.Save("things", "a", doc{Name: "first", N: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Upsert overwrites.
	if err := s.Save("things", "a", doc{Name: "second", N: 2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Save("things", "b", doc{Name: "other", N: 3}); err != nil {
		t.Fatalf("save b: %v", err)
	}

	rows, err := s.Load("things")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d; want 2", len(rows))
	}
	var got doc
	if err := json.Unmarshal(rows["a"], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Name != "second" || got.N != 2 {
		t.Fatalf("got %+v; want the upserted value", got)
	}

	if err := s.Delete("things", "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rows, _ = s.Load("things")
	if len(rows) != 1 {
		t.Fatalf("rows after delete = %d; want 1", len(rows))
	}
	// Deleting a missing key is fine.
	if err := s.Delete("things", "missing"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
}

func TestCollectionsAreIsolated(t *testing.T) {
	s := openTestStore(t)
	s.Save("one", "k", map[string]int{"v": 1})
	s.Save("two", "k", map[string]int{"v": 2})

	rows, err := s.Load("one")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("collection leak: %d rows", len(rows))
	}
}

func TestSaveResult(t *testing.T) {
	s := openTestStore(t)
	err := s.SaveResult(GameResult{
		ID:          "res1",
		RoomName:    "room",
		Scenario:    "sub8",
		Winner:      "Alice",
		Rounds:      12,
		WordsFound:  map[string]int{"Alice": 7, "Bob": 5},
		PlayerCount: 2,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("save result: %v", err)
	}

	var winner string
	var rounds int
	if err := s.DB.QueryRow(`SELECT winner, rounds FROM game_results WHERE id = ?`, "res1").Scan(&winner, &rounds); err != nil {
		t.Fatalf("query: %v", err)
	}
	if winner != "Alice" || rounds != 12 {
		t.Fatalf("stored winner=%q rounds=%d", winner, rounds)
	}
}
