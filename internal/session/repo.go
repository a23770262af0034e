package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session does not exist. Non-retriable at
// the job layer.
var ErrNotFound = errors.New("session not found")

// Repository is the persistence interface the processor depends on.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)

	// UpdateState replaces the session's state bundle in one write so
	// readers always observe an internally consistent session.
	UpdateState(ctx context.Context, id string, state State) error
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS upload_sessions (
	id          TEXT PRIMARY KEY,
	filename    TEXT NOT NULL,
	byte_size   INTEGER NOT NULL,
	mime_type   TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	uploaded_by TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	state       TEXT NOT NULL
);
`

// SQLiteRepository implements Repository on a sqlite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository ensures the schema and wraps the handle.
func NewSQLiteRepository(db *sql.DB) (*SQLiteRepository, error) {
	if _, err := db.Exec(sessionSchema); err != nil {
		return nil, fmt.Errorf("failed to migrate sessions: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// OpenSQLite opens a sqlite-backed session repository.
// Use path ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sessions db: %w", err)
	}
	// sqlite is single-writer; a second pooled connection would also see a
	// different database entirely for :memory: paths.
	db.SetMaxOpenConns(1)
	return NewSQLiteRepository(db)
}

// Create inserts a new session.
func (r *SQLiteRepository) Create(ctx context.Context, s *Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = s.CreatedAt
	if s.State.ParseStatus == "" {
		s.State.ParseStatus = ParseNotParsed
	}
	if s.State.SecondPassStatus == "" {
		s.State.SecondPassStatus = SecondPassNotNeeded
	}
	state, err := json.Marshal(s.State)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO upload_sessions (id, filename, byte_size, mime_type, storage_key, uploaded_by, created_at, updated_at, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Filename, s.ByteSize, s.MIMEType, s.StorageKey, s.UploadedBy,
		s.CreatedAt.Format(time.RFC3339), s.UpdatedAt.Format(time.RFC3339), string(state))
	return err
}

// Get loads a session by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, filename, byte_size, mime_type, storage_key, uploaded_by, created_at, updated_at, state
		 FROM upload_sessions WHERE id = ?`, id)

	var s Session
	var created, updated, state string
	err := row.Scan(&s.ID, &s.Filename, &s.ByteSize, &s.MIMEType, &s.StorageKey, &s.UploadedBy, &created, &updated, &state)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, created)
	s.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	if err := json.Unmarshal([]byte(state), &s.State); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	// Rows written by older builds stored NULL-ish second-pass status.
	if s.State.SecondPassStatus == "" {
		s.State.SecondPassStatus = SecondPassNotNeeded
	}
	if s.State.ParseStatus == "" {
		s.State.ParseStatus = ParseNotParsed
	}
	return &s, nil
}

// UpdateState replaces the state bundle in a single transactional write.
func (r *SQLiteRepository) UpdateState(ctx context.Context, id string, state State) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE upload_sessions SET state = ?, updated_at = ? WHERE id = ?`,
		string(encoded), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

var _ Repository = (*SQLiteRepository)(nil)
