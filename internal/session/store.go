// Package session persists the (user, topic) → agent-CLI session mapping
// and provides the user-prefixed session-id isolation helpers that sit on
// top of it.
package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Record is a stored mapping between a (user, topic) conversation and the
// agent-CLI session bound to it.
type Record struct {
	UserID        int64
	TopicID       int64
	SessionID     string
	WorkspacePath string
	Model         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store is the persistence interface the router depends on. The sqlite
// implementation backs production; tests use an in-memory map.
type Store interface {
	Get(userID, topicID int64) (*Record, bool, error)
	Upsert(userID, topicID int64, sessionID, workspacePath string) error
	SetModel(userID, topicID int64, model string) error
	GetModel(userID, topicID int64) (string, error)
	Delete(userID, topicID int64) error
	Close() error
}

// SQLiteStore is the production Store backed by mattn/go-sqlite3, matching
// the original session_store.py schema (PRIMARY KEY (user_id, thread_id)),
// generalized with an owner_tag audit column (see Record/WrapSessionID).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the sqlite database at path
// and ensures the sessions table exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	schema := `CREATE TABLE IF NOT EXISTS sessions (
		user_id        INTEGER NOT NULL,
		topic_id       INTEGER NOT NULL,
		session_id     TEXT    NOT NULL,
		workspace_path TEXT    NOT NULL,
		model          TEXT    NOT NULL DEFAULT 'auto',
		owner_tag      TEXT    NOT NULL DEFAULT '',
		created_at     TEXT    NOT NULL,
		updated_at     TEXT    NOT NULL,
		PRIMARY KEY (user_id, topic_id)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get looks up the record for (userID, topicID).
func (s *SQLiteStore) Get(userID, topicID int64) (*Record, bool, error) {
	row := s.db.QueryRow(
		`SELECT session_id, workspace_path, model, created_at, updated_at
		 FROM sessions WHERE user_id = ? AND topic_id = ?`,
		userID, topicID,
	)
	var rec Record
	var created, updated string
	if err := row.Scan(&rec.SessionID, &rec.WorkspacePath, &rec.Model, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: get: %w", err)
	}
	rec.UserID, rec.TopicID = userID, topicID
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, true, nil
}

// Upsert creates or replaces the mapping for (userID, topicID), resetting
// model to "auto" in either case — matching the original's ON CONFLICT
// semantics, since a fresh or replaced session has no model override yet.
func (s *SQLiteStore) Upsert(userID, topicID int64, sessionID, workspacePath string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	ownerTag := WrapSessionID(sessionID, userID)
	_, err := s.db.Exec(
		`INSERT INTO sessions (user_id, topic_id, session_id, workspace_path, model, owner_tag, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'auto', ?, ?, ?)
		 ON CONFLICT(user_id, topic_id) DO UPDATE SET
		   session_id = excluded.session_id,
		   workspace_path = excluded.workspace_path,
		   model = 'auto',
		   owner_tag = excluded.owner_tag,
		   updated_at = excluded.updated_at`,
		userID, topicID, sessionID, workspacePath, ownerTag, now, now,
	)
	if err != nil {
		return fmt.Errorf("session: upsert: %w", err)
	}
	return nil
}

// SetModel updates the model selection for a conversation. No-op if the
// row does not exist.
func (s *SQLiteStore) SetModel(userID, topicID int64, model string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET model = ?, updated_at = ? WHERE user_id = ? AND topic_id = ?`,
		model, time.Now().UTC().Format(time.RFC3339Nano), userID, topicID,
	)
	if err != nil {
		return fmt.Errorf("session: set model: %w", err)
	}
	return nil
}

// GetModel returns the model for a conversation, or "auto" if no row exists.
func (s *SQLiteStore) GetModel(userID, topicID int64) (string, error) {
	row := s.db.QueryRow(`SELECT model FROM sessions WHERE user_id = ? AND topic_id = ?`, userID, topicID)
	var model string
	if err := row.Scan(&model); err != nil {
		if err == sql.ErrNoRows {
			return "auto", nil
		}
		return "", fmt.Errorf("session: get model: %w", err)
	}
	return model, nil
}

// Delete removes the record for (userID, topicID). Used for stale-lock
// recovery, where the old session must not silently linger.
func (s *SQLiteStore) Delete(userID, topicID int64) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ? AND topic_id = ?`, userID, topicID)
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateWorkspaceDir creates (if needed) and returns the absolute
// workspace directory for a conversation: <base>/<userID>/<topicID>/.
func CreateWorkspaceDir(basePath string, userID, topicID int64) (string, error) {
	path := filepath.Join(basePath, fmt.Sprint(userID), fmt.Sprint(topicID))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("session: create workspace dir: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("session: resolve workspace dir: %w", err)
	}
	return abs, nil
}
