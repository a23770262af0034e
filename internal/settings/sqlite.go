package settings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS smart_upload_settings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	key         TEXT NOT NULL UNIQUE,
	value       TEXT NOT NULL,
	description TEXT,
	updated_at  TEXT NOT NULL,
	updated_by  TEXT
);
`

// SQLiteStore implements Store on a sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a sqlite-backed settings store.
// Use path ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings db: %w", err)
	}
	// sqlite is single-writer; a second pooled connection would also see a
	// different database entirely for :memory: paths.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate settings db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing database handle (shared with the session
// repository) and ensures the settings table exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to migrate settings db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// List returns all records ordered by key.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, value, description, updated_at, updated_by
		 FROM smart_upload_settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns the record for a key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, key, value, description, updated_at, updated_by
		 FROM smart_upload_settings WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// UpsertMany writes all records in a single transaction so concurrent
// readers never observe a partial update.
func (s *SQLiteStore) UpsertMany(ctx context.Context, records []Record, updatedBy string) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, rec := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO smart_upload_settings (key, value, description, updated_at, updated_by)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
			rec.Key, rec.Value, rec.Description, now, nullable(updatedBy))
		if err != nil {
			return fmt.Errorf("failed to upsert %q: %w", rec.Key, err)
		}
	}
	return tx.Commit()
}

// Seed inserts missing records without touching existing values.
func (s *SQLiteStore) Seed(ctx context.Context, defaults []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, rec := range defaults {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO smart_upload_settings (key, value, description, updated_at, updated_by)
			 VALUES (?, ?, ?, ?, NULL)
			 ON CONFLICT(key) DO NOTHING`,
			rec.Key, rec.Value, rec.Description, now)
		if err != nil {
			return fmt.Errorf("failed to seed %q: %w", rec.Key, err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var desc, updatedBy sql.NullString
	var updatedAt string
	if err := row.Scan(&rec.ID, &rec.Key, &rec.Value, &desc, &updatedAt, &updatedBy); err != nil {
		return Record{}, err
	}
	if desc.Valid {
		rec.Description = &desc.String
	}
	if updatedBy.Valid {
		rec.UpdatedBy = &updatedBy.String
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
