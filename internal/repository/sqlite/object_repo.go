package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/repository"
)

// objectRepository implements repository.ObjectRepository for SQLite.
type objectRepository struct {
	db *DB
}

// NewObjectRepository creates a new SQLite object repository.
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
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
		formatTime(rec.CreatedAt),
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
	query := `SELECT ` + objectColumns + ` FROM objects WHERE object_id = ?`
	return r.scanRecord(r.db.QueryRowContext(ctx, query, objectID))
}

// Delete removes a record by object id.
func (r *objectRepository) Delete(ctx context.Context, objectID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM objects WHERE object_id = ?`, objectID)
	if err != nil {
		return fmt.Errorf("failed to delete object record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// CountDataReferences counts records whose bytes live at bucket/key.
func (r *objectRepository) CountDataReferences(ctx context.Context, bucket, key string) (int64, error) {
	query := `
		SELECT COUNT(*) FROM objects
		WHERE (reference_key = '' AND bucket = ? AND key = ?)
			OR (reference_key <> '' AND reference_bucket = ? AND reference_key = ?)
	`

	var n int64
	if err := r.db.QueryRowContext(ctx, query, bucket, key, bucket, key).Scan(&n); err != nil {
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
			WHERE (bucket = ? AND key = ?)
				OR (reference_bucket = ? AND reference_key = ?)
		)
	`

	var n int
	if err := r.db.QueryRowContext(ctx, query, bucket, key, bucket, key).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check object key: %w", err)
	}
	return n > 0, nil
}

// Totals returns the number of records and the sum of their stored sizes.
func (r *objectRepository) Totals(ctx context.Context) (int64, int64, error) {
	var objects, bytes int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM objects`).Scan(&objects, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to compute catalog totals: %w", err)
	}
	return objects, bytes, nil
}

// scanRecord scans a single record row.
func (r *objectRepository) scanRecord(row *sql.Row) (*domain.ObjectRecord, error) {
	rec := &domain.ObjectRecord{}
	var provider, createdAt string

	err := row.Scan(
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
		&createdAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan object record: %w", err)
	}

	rec.Provider = domain.Provider(provider)
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return rec, nil
}
