package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/repository"
)

// objectRepository implements repository.ObjectRepository.
type objectRepository struct {
	db *DB
}

// NewObjectRepository creates a new PostgreSQL object repository.
func NewObjectRepository(db *DB) repository.ObjectRepository {
	return &objectRepository{db: db}
}

const objectColumns = `object_id, bucket, key, provider, region, size, original_size,
	checksum, content_checksum, version_id, codec, reference_bucket, reference_key,
	iv_length, tag_length, wrapped_dek, dek_id, storage_class, lifecycle_policy,
	cost_estimate, created_at`

// Create inserts a new catalog record.
func (r *objectRepository) Create(ctx context.Context, rec *domain.ObjectRecord) error {
	query := `INSERT INTO objects (` + objectColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err := r.db.Pool.Exec(ctx, query,
		rec.ObjectID,
		rec.Bucket,
		rec.Key,
		string(rec.Provider),
		rec.Region,
		rec.Size,
		rec.OriginalSize,
		rec.Checksum,
		rec.ContentChecksum,
		rec.VersionID,
		rec.Codec,
		rec.ReferenceBucket,
		rec.ReferenceKey,
		rec.IVLength,
		rec.TagLength,
		rec.WrappedDEK,
		rec.DEKID,
		rec.StorageClass,
		rec.LifecyclePolicy,
		rec.CostEstimate,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create object record: %w", err)
	}

	return nil
}

// GetByID retrieves a record by object id.
func (r *objectRepository) GetByID(ctx context.Context, objectID string) (*domain.ObjectRecord, error) {
	query := `SELECT ` + objectColumns + ` FROM objects WHERE object_id = $1`

	rec := &domain.ObjectRecord{}
	var provider string
	err := r.db.Pool.QueryRow(ctx, query, objectID).Scan(
		&rec.ObjectID,
		&rec.Bucket,
		&rec.Key,
		&provider,
		&rec.Region,
		&rec.Size,
		&rec.OriginalSize,
		&rec.Checksum,
		&rec.ContentChecksum,
		&rec.VersionID,
		&rec.Codec,
		&rec.ReferenceBucket,
		&rec.ReferenceKey,
		&rec.IVLength,
		&rec.TagLength,
		&rec.WrappedDEK,
		&rec.DEKID,
		&rec.StorageClass,
		&rec.LifecyclePolicy,
		&rec.CostEstimate,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object record: %w", err)
	}

	rec.Provider = domain.Provider(provider)
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

// Delete removes a record by object id.
func (r *objectRepository) Delete(ctx context.Context, objectID string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM objects WHERE object_id = $1`, objectID)
	if err != nil {
		return fmt.Errorf("failed to delete object record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// CountDataReferences counts records whose bytes live at bucket/key.
func (r *objectRepository) CountDataReferences(ctx context.Context, bucket, key string) (int64, error) {
	query := `
		SELECT COUNT(*) FROM objects
		WHERE (reference_key = '' AND bucket = $1 AND key = $2)
			OR (reference_key <> '' AND reference_bucket = $1 AND reference_key = $2)
	`

	var n int64
	if err := r.db.Pool.QueryRow(ctx, query, bucket, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count data references: %w", err)
	}
	return n, nil
}

// KeyInUse reports whether a record is stored at bucket/key or shares the
// bytes stored there.
func (r *objectRepository) KeyInUse(ctx context.Context, bucket, key string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM objects
			WHERE (bucket = $1 AND key = $2)
				OR (reference_bucket = $1 AND reference_key = $2)
		)
	`

	var inUse bool
	if err := r.db.Pool.QueryRow(ctx, query, bucket, key).Scan(&inUse); err != nil {
		return false, fmt.Errorf("failed to check object key: %w", err)
	}
	return inUse, nil
}

// Totals returns the number of records and the sum of their stored sizes.
func (r *objectRepository) Totals(ctx context.Context) (int64, int64, error) {
	var objects, bytes int64
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0)::BIGINT FROM objects`).Scan(&objects, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute catalog totals: %w", err)
	}
	return objects, bytes, nil
}
