// Package settings persists the smart_upload_* setting records.
//
// DESIGN: The settings store is the only shared mutable resource the
// processor reads. Jobs snapshot it once at start; writes go through the
// admin API's transactional multi-upsert. Secret values are stored in
// plaintext here; masking is the API layer's job.
package settings

import (
	"context"
	"time"
)

// Record is one persisted setting.
type Record struct {
	ID          int64      `json:"id"`
	Key         string     `json:"key"`
	Value       string     `json:"value"`
	Description *string    `json:"description"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	UpdatedBy   *string    `json:"updatedBy"`
}

// Store is the persistence interface for setting records.
type Store interface {
	// List returns all records ordered by key.
	List(ctx context.Context) ([]Record, error)

	// Get returns the record for a key, reporting whether it exists.
	Get(ctx context.Context, key string) (Record, bool, error)

	// UpsertMany inserts or updates the given records in one transaction.
	UpsertMany(ctx context.Context, records []Record, updatedBy string) error

	// Seed inserts records that do not exist yet. Existing values win.
	Seed(ctx context.Context, defaults []Record) error

	// Close releases the underlying resources.
	Close() error
}
