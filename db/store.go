package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store exposes named key/value collections backed by sqlite. Values are
// JSON documents; callers decode into their own types.
type Store struct {
	DB *sql.DB
}

// Load returns every entry of a collection keyed by its key.
func (s *Store) Load(collection string) (map[string]json.RawMessage, error) {
	rows, err := s.DB.Query(
		`SELECT key, value FROM collections WHERE name = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("load %s: %w", collection, err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Save upserts one entry of a collection.
func (s *Store) Save(collection, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", collection, key, err)
	}
	_, err = s.DB.Exec(
		`INSERT INTO collections (name, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (name, key) DO UPDATE SET value = excluded.value`,
		collection, key, string(b))
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", collection, key, err)
	}
	return nil
}

// Delete removes one entry of a collection. Deleting a missing key is not
// an error.
func (s *Store) Delete(collection, key string) error {
	_, err := s.DB.Exec(
		`DELETE FROM collections WHERE name = ? AND key = ?`, collection, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// GameResult is the stored outcome of a finished game.
type GameResult struct {
	ID          string         `json:"id"`
	RoomName    string         `json:"roomName"`
	Scenario    string         `json:"scenario"`
	Winner      string         `json:"winner"`
	Rounds      int            `json:"rounds"`
	WordsFound  map[string]int `json:"wordsFound"`
	PlayerCount int            `json:"playerCount"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// SaveResult persists a finished game.
func (s *Store) SaveResult(r GameResult) error {
	wordsJSON, _ := json.Marshal(r.WordsFound)
	_, err := s.DB.Exec(
		`INSERT INTO game_results (id, room_name, scenario, winner, rounds, words_json, player_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RoomName, r.Scenario, r.Winner, r.Rounds,
		string(wordsJSON), r.PlayerCount, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}
