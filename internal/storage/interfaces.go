// Package storage defines the backend adapter seam between the engine and
// concrete object stores. The engine only sees Backend and the wrapped
// domain.BackendError; provider SDK types never cross this boundary.
package storage

import (
	"context"
	"time"

	"github.com/prn-tf/sealstore/internal/domain"
)

// Location addresses one object in one region.
type Location struct {
	Region domain.StorageRegion
	Bucket string
	Key    string
}

// PutOptions carries per-write hints. Backends ignore what they do not support.
type PutOptions struct {
	// StorageClass is a provider-neutral class name (STANDARD, PREMIUM, ARCHIVE).
	StorageClass string

	// EncryptAtRest requests provider-side encryption in addition to the
	// client-side encryption already applied to the payload.
	EncryptAtRest bool

	// Checksum is the hex SHA-256 of the data, sent to backends that verify it.
	Checksum string

	// Metadata is stored as object user metadata.
	Metadata map[string]string
}

// PutResult is returned by a successful Put.
type PutResult struct {
	// VersionID is the backend version identifier, empty if versioning is off.
	VersionID string

	// Latency is the raw backend call duration.
	Latency time.Duration
}

// Backend defines the interface for storage backends.
// All errors are *domain.BackendError values wrapping the provider error.
type Backend interface {
	// Name returns the provider family served by this backend.
	Name() domain.Provider

	// Put writes data at the location, replacing any existing object.
	Put(ctx context.Context, loc Location, data []byte, opts PutOptions) (*PutResult, error)

	// Get reads the full object at the location.
	// A missing object yields an error matching domain.ErrObjectNotFound.
	Get(ctx context.Context, loc Location) ([]byte, error)

	// Delete removes the object at the location. Deleting a missing object is not an error.
	Delete(ctx context.Context, loc Location) error
}

// HealthChecker is implemented by backends that can verify a bucket is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context, region domain.StorageRegion, bucket string) error
}

// LifecycleRule is a provider-neutral expiration rule.
type LifecycleRule struct {
	ID             string
	Prefix         string
	ExpirationDays int
}

// LifecycleManager is implemented by backends with native lifecycle policies.
type LifecycleManager interface {
	ApplyLifecycle(ctx context.Context, region domain.StorageRegion, bucket string, rule LifecycleRule) error
}

// RegionStats is backend-native usage for a bucket in one region.
type RegionStats struct {
	Objects int64
	Bytes   int64
}

// StatsProvider is implemented by backends that can report native usage.
type StatsProvider interface {
	Stats(ctx context.Context, region domain.StorageRegion, bucket string) (*RegionStats, error)
}
