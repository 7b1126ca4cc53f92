// Package store journals bifurcation events to SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/alexshd/bifmon"
)

// ErrEmptySession is returned when an event is saved without a session id.
var ErrEmptySession = errors.New("session id is required")

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	source        TEXT NOT NULL,
	severity      TEXT NOT NULL,
	entropy_index REAL NOT NULL,
	z_score       REAL NOT NULL,
	payload       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
`

// Store is an append-only event journal.
type Store struct {
	db *sql.DB
}

// Record is a journaled event.
type Record struct {
	ID        string
	SessionID string
	Event     bifmon.Event
}

// SessionSummary aggregates the journal of one session.
type SessionSummary struct {
	ID       string    `json:"id"`
	Events   int       `json:"events"`
	Warnings int       `json:"warnings"`
	Critical int       `json:"critical"`
	LastSeen time.Time `json:"lastSeen"`
}

// Open opens (or creates) the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single connection: each :memory: connection is its own database.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save appends ev to the session's journal and returns the record id.
func (s *Store) Save(ctx context.Context, sessionID string, ev bifmon.Event) (string, error) {
	if sessionID == "" {
		return "", ErrEmptySession
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, created_at, source, severity, entropy_index, z_score, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, ev.Timestamp.UnixMilli(), ev.Source, string(ev.Severity),
		ev.EntropyIndex, ev.ZScore, string(payload),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save event: %w", err)
	}
	return id, nil
}

// List returns a session's events oldest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	query := `SELECT id, session_id, payload FROM events WHERE session_id = ? ORDER BY created_at, rowid`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			payload string
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &r.Event); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sessions summarizes every journaled session, most recently active first.
func (s *Store) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id,
		       COUNT(*),
		       SUM(CASE WHEN severity = 'warning' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN severity = 'critical' THEN 1 ELSE 0 END),
		       MAX(created_at)
		FROM events
		GROUP BY session_id
		ORDER BY MAX(created_at) DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			ss   SessionSummary
			last int64
		)
		if err := rows.Scan(&ss.ID, &ss.Events, &ss.Warnings, &ss.Critical, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		ss.LastSeen = time.UnixMilli(last)
		out = append(out, ss)
	}
	return out, rows.Err()
}

// DeleteSession removes a session's journal and reports how many events it held.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session: %w", err)
	}
	return res.RowsAffected()
}
