// Package session persists sandbox session records so containers can be
// rediscovered and reaped across process restarts.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrEmptyID is returned for operations with a blank session id.
	ErrEmptyID = errors.New("session ID cannot be empty")
	// ErrNotFound is returned when no session with the given id exists.
	ErrNotFound = errors.New("session not found")
)

// Session is one sandboxed agent session and its container binding.
type Session struct {
	ID          string    `json:"id"`
	ContainerID string    `json:"container_id"`
	Image       string    `json:"image"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// New creates an unbound session record for the given image.
func New(image string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Image:     image,
		State:     "uninitialized",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Store persists session records.
type Store interface {
	Add(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	// Update rewrites the container binding and state of an existing session.
	Update(ctx context.Context, sess *Session) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and initializes if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	// WAL for concurrent readers, busy timeout instead of immediate
	// SQLITE_BUSY, one writer connection since SQLite serializes writes
	// anyway.
	db, err := sql.Open("sqlite", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS sandbox_sessions (
	id           TEXT PRIMARY KEY,
	container_id TEXT NOT NULL DEFAULT '',
	image        TEXT NOT NULL,
	state        TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Add inserts a new session record.
func (s *SQLiteStore) Add(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return ErrEmptyID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandbox_sessions (id, container_id, image, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ContainerID, sess.Image, sess.State, sess.CreatedAt, sess.UpdatedAt)
	return err
}

// Get returns the session with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, container_id, image, state, created_at, updated_at
		 FROM sandbox_sessions WHERE id = ?`, id)

	var sess Session
	err := row.Scan(&sess.ID, &sess.ContainerID, &sess.Image, &sess.State, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// List returns all sessions, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, container_id, image, state, created_at, updated_at
		 FROM sandbox_sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ContainerID, &sess.Image, &sess.State, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// Update rewrites the mutable fields of an existing session.
func (s *SQLiteStore) Update(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return ErrEmptyID
	}
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandbox_sessions SET container_id = ?, state = ?, updated_at = ? WHERE id = ?`,
		sess.ContainerID, sess.State, sess.UpdatedAt, sess.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sandbox_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
