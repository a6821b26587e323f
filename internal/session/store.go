// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session persists named conversation snapshots: the full message
// history plus the usage ledger state, stored in a local SQLite database.
// Sessions are independent of any live provider configuration.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/plexir/plexir/internal/model"
	"github.com/plexir/plexir/internal/telemetry"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a named session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidName rejects empty or unusable session names.
	ErrInvalidName = errors.New("invalid session name")
)

// =============================================================================
// TYPES
// =============================================================================

// Session is one persisted snapshot.
type Session struct {
	Name      string
	System    string
	Messages  []*model.Message
	Usage     telemetry.UsageSnapshot
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Info is the listing row: metadata without the history payload.
type Info struct {
	Name      string
	Messages  int
	Cost      float64
	UpdatedAt time.Time
}

// =============================================================================
// STORE
// =============================================================================

// Store persists sessions in a SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    name          TEXT PRIMARY KEY,
    system        TEXT NOT NULL DEFAULT '',
    history       TEXT NOT NULL,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    requests      INTEGER NOT NULL DEFAULT 0,
    cost          REAL NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);
`

// Open opens (creating if needed) the session database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the session, replacing any previous snapshot with the same
// name. The original creation time survives overwrites.
func (s *Store) Save(sess *Session) error {
	if sess.Name == "" {
		return ErrInvalidName
	}

	history, err := json.Marshal(sess.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO sessions
		    (name, system, history, input_tokens, output_tokens, requests, cost, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
		    system        = excluded.system,
		    history       = excluded.history,
		    input_tokens  = excluded.input_tokens,
		    output_tokens = excluded.output_tokens,
		    requests      = excluded.requests,
		    cost          = excluded.cost,
		    message_count = excluded.message_count,
		    updated_at    = excluded.updated_at`,
		sess.Name, sess.System, string(history),
		sess.Usage.InputTokens, sess.Usage.OutputTokens, sess.Usage.Requests, sess.Usage.Cost,
		len(sess.Messages), now, now)
	if err != nil {
		return fmt.Errorf("failed to save session %q: %w", sess.Name, err)
	}
	return nil
}

// Load reads the named session.
func (s *Store) Load(name string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT system, history, input_tokens, output_tokens, requests, cost, created_at, updated_at
		FROM sessions WHERE name = ?`, name)

	var (
		sess             = &Session{Name: name}
		history          string
		created, updated string
	)
	err := row.Scan(&sess.System, &history,
		&sess.Usage.InputTokens, &sess.Usage.OutputTokens, &sess.Usage.Requests, &sess.Usage.Cost,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %q: %w", name, err)
	}

	if err := json.Unmarshal([]byte(history), &sess.Messages); err != nil {
		return nil, fmt.Errorf("failed to decode history for %q: %w", name, err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return sess, nil
}

// List returns session metadata, most recently updated first.
func (s *Store) List() ([]Info, error) {
	rows, err := s.db.Query(`
		SELECT name, message_count, cost, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var (
			info    Info
			updated string
		)
		if err := rows.Scan(&info.Name, &info.Messages, &info.Cost, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the named session.
func (s *Store) Delete(name string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete session %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %q: %w", name, ErrNotFound)
	}
	return nil
}
