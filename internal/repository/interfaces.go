// Package repository defines data access interfaces for sealstore.
// These interfaces abstract the object catalog and sync task storage, allowing
// different implementations (PostgreSQL, SQLite, in-memory for testing) while
// keeping the service layer clean.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/prn-tf/sealstore/internal/domain"
)

// Errors returned by every implementation. The service layer maps them to
// domain kinds.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// =============================================================================
// Object Repository
// =============================================================================

// ObjectRepository defines the interface for object catalog access.
// The catalog maps an object id to the location and checksum of its bytes.
type ObjectRepository interface {
	// Create inserts a new catalog record.
	// Returns ErrAlreadyExists if a record with the same object id, or the
	// same bucket and key, exists.
	Create(ctx context.Context, record *domain.ObjectRecord) error

	// GetByID retrieves a record by object id.
	// Returns ErrNotFound if the record does not exist.
	GetByID(ctx context.Context, objectID string) (*domain.ObjectRecord, error)

	// Delete removes a record by object id.
	// Returns ErrNotFound if the record does not exist.
	Delete(ctx context.Context, objectID string) error

	// CountDataReferences counts records whose physical bytes live at bucket/key,
	// including dedup references pointing there.
	CountDataReferences(ctx context.Context, bucket, key string) (int64, error)

	// KeyInUse reports whether bucket/key is taken: a record is stored there,
	// a reference stub included, or a record's bytes are shared from there.
	KeyInUse(ctx context.Context, bucket, key string) (bool, error)

	// Totals returns the number of records and the sum of their stored sizes.
	Totals(ctx context.Context) (objects int64, bytes int64, err error)
}

// =============================================================================
// Sync Task Repository
// =============================================================================

// TaskRepository defines the interface for replication and backup task access.
type TaskRepository interface {
	// Create inserts a new task.
	Create(ctx context.Context, task *domain.SyncTask) error

	// Update persists status, attempts, last error and timestamps of a task.
	// Returns ErrNotFound if the task does not exist.
	Update(ctx context.Context, task *domain.SyncTask) error

	// GetByID retrieves a task by id.
	GetByID(ctx context.Context, id string) (*domain.SyncTask, error)

	// ListByObject returns every task of an object, oldest first.
	ListByObject(ctx context.Context, objectID string) ([]*domain.SyncTask, error)

	// ListPending returns up to limit pending tasks of a kind, oldest first.
	ListPending(ctx context.Context, kind domain.TaskKind, limit int) ([]*domain.SyncTask, error)

	// ListCompletedBefore returns up to limit completed tasks of a kind
	// whose completion time is before the cutoff.
	ListCompletedBefore(ctx context.Context, kind domain.TaskKind, before time.Time, limit int) ([]*domain.SyncTask, error)

	// Delete removes a task by id.
	Delete(ctx context.Context, id string) error

	// DeleteByObject removes every task of an object.
	DeleteByObject(ctx context.Context, objectID string) error
}

// =============================================================================
// Deduplication Index
// =============================================================================

// DedupEntry locates the physical bytes stored for a content checksum.
type DedupEntry struct {
	ObjectID string `json:"object_id"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
}

// DedupIndex maps content checksums to the first object stored with that content.
type DedupIndex interface {
	// Lookup returns the entry for a checksum.
	// Returns ErrNotFound if the checksum is unknown.
	Lookup(ctx context.Context, checksum string) (*DedupEntry, error)

	// Register records an entry if the checksum is not yet known.
	// Returns true if the entry was recorded.
	Register(ctx context.Context, checksum string, entry DedupEntry) (bool, error)

	// Remove forgets a checksum.
	Remove(ctx context.Context, checksum string) error
}

// =============================================================================
// Common Types
// =============================================================================

// DefaultListLimit is used when a list call passes a non-positive limit.
const DefaultListLimit = 1000

// NormalizeLimit returns limit, or DefaultListLimit if limit is not positive.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
