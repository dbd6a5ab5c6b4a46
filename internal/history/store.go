// Package history archives completed sessions to SQLite once the
// broker's in-memory reaper evicts them, so an operator can still look
// up what happened to a request after it falls out of the live list
// (SPEC_FULL.md, "SUPPLEMENTED FEATURES").
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/playingpack/internal/broker"
)

// Store is a SQLite-backed archive of completed sessions.
type Store struct {
	db *sql.DB
}

// New opens (creating if necessary) the archive database at dbPath and
// ensures its schema exists.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		model TEXT NOT NULL,
		state TEXT NOT NULL,
		response_source TEXT,
		status INTEGER,
		finish_reason TEXT,
		error TEXT,
		session_json TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON sessions(fingerprint);
	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)`)
	return err
}

// Archive persists a completed session. Called from the broker's
// eviction callback, so it must tolerate being invoked from outside
// any request's goroutine.
func (s *Store) Archive(session *broker.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("history: marshal session: %w", err)
	}

	var source, finishReason, errMsg string
	var status int
	if session.ResponseSource != nil {
		source = string(*session.ResponseSource)
	}
	if session.Response != nil {
		status = session.Response.Status
		finishReason = session.Response.FinishReason
	}
	if session.Error != nil {
		errMsg = *session.Error
	}

	var completedAt any
	if session.CompletedAt != nil {
		completedAt = *session.CompletedAt
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO sessions
		(id, fingerprint, model, state, response_source, status, finish_reason, error, session_json, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Fingerprint, session.Request.Model, string(session.State),
		source, status, finishReason, errMsg, string(payload), session.CreatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("history: insert session: %w", err)
	}
	return nil
}

// Get looks up an archived session by ID, returning the full session
// snapshot exactly as it was at completion time.
func (s *Store) Get(id string) (*broker.Session, error) {
	var payload string
	err := s.db.QueryRow(`SELECT session_json FROM sessions WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: get session: %w", err)
	}

	var session broker.Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return nil, fmt.Errorf("history: unmarshal session: %w", err)
	}
	return &session, nil
}

// List returns archived sessions, most recently created first, capped
// at limit (0 means the default of 100).
func (s *Store) List(limit int) ([]*broker.Session, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`SELECT session_json FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*broker.Session
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("history: scan session: %w", err)
		}
		var session broker.Session
		if err := json.Unmarshal([]byte(payload), &session); err != nil {
			return nil, fmt.Errorf("history: unmarshal session: %w", err)
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
