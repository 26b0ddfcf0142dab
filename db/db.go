package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) the sqlite database at path.
func Open(path string) (*sql.DB, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite does not support concurrent writers.
	d.SetMaxOpenConns(1)
	if _, err := d.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		d.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	return d, nil
}

// RunMigrations creates the schema if it does not exist yet.
func RunMigrations(d *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			name  TEXT NOT NULL,
			key   TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (name, key)
		)`,
		`CREATE TABLE IF NOT EXISTS game_results (
			id           TEXT PRIMARY KEY,
			room_name    TEXT,
			scenario     TEXT,
			winner       TEXT,
			rounds       INTEGER,
			words_json   TEXT,
			player_count INTEGER,
			created_at   TIMESTAMP
		)`,
	}
	for _, stmt := range stmts {
		if _, err := d.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
