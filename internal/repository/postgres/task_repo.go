package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/repository"
)

// taskRepository implements repository.TaskRepository.
type taskRepository struct {
	db *DB
}

// NewTaskRepository creates a new PostgreSQL sync task repository.
func NewTaskRepository(db *DB) repository.TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `id, object_id, kind, source_region, target_region, bucket,
	source_key, target_key, status, attempts, last_error, created_at, updated_at, completed_at`

// Create inserts a new task.
func (r *taskRepository) Create(ctx context.Context, t *domain.SyncTask) error {
	query := `INSERT INTO sync_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.Pool.Exec(ctx, query,
		t.ID,
		t.ObjectID,
		string(t.Kind),
		t.SourceRegion,
		t.TargetRegion,
		t.Bucket,
		t.SourceKey,
		t.TargetKey,
		string(t.Status),
		t.Attempts,
		t.LastError,
		t.CreatedAt.UTC(),
		t.UpdatedAt.UTC(),
		t.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create sync task: %w", err)
	}

	return nil
}

// Update persists the mutable fields of a task.
func (r *taskRepository) Update(ctx context.Context, t *domain.SyncTask) error {
	query := `
		UPDATE sync_tasks
		SET status = $1, attempts = $2, last_error = $3, updated_at = $4, completed_at = $5
		WHERE id = $6
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		string(t.Status),
		t.Attempts,
		t.LastError,
		t.UpdatedAt.UTC(),
		t.CompletedAt,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// GetByID retrieves a task by id.
func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.SyncTask, error) {
	tasks, err := r.query(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, repository.ErrNotFound
	}
	return tasks[0], nil
}

// ListByObject returns every task of an object, oldest first.
func (r *taskRepository) ListByObject(ctx context.Context, objectID string) ([]*domain.SyncTask, error) {
	return r.query(ctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE object_id = $1 ORDER BY created_at ASC, id ASC`,
		objectID,
	)
}

// ListPending returns up to limit pending tasks of a kind, oldest first.
func (r *taskRepository) ListPending(ctx context.Context, kind domain.TaskKind, limit int) ([]*domain.SyncTask, error) {
	return r.query(ctx, `
		SELECT `+taskColumns+` FROM sync_tasks
		WHERE kind = $1 AND status = $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, string(kind), string(domain.SyncStatusPending), repository.NormalizeLimit(limit))
}

// ListCompletedBefore returns completed tasks of a kind finished before the cutoff.
func (r *taskRepository) ListCompletedBefore(ctx context.Context, kind domain.TaskKind, before time.Time, limit int) ([]*domain.SyncTask, error) {
	return r.query(ctx, `
		SELECT `+taskColumns+` FROM sync_tasks
		WHERE kind = $1 AND status = $2 AND completed_at IS NOT NULL AND completed_at < $3
		ORDER BY completed_at ASC, id ASC
		LIMIT $4
	`, string(kind), string(domain.SyncStatusCompleted), before.UTC(), repository.NormalizeLimit(limit))
}

// Delete removes a task by id.
func (r *taskRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM sync_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete sync task: %w", err)
	}
	return nil
}

// DeleteByObject removes every task of an object.
func (r *taskRepository) DeleteByObject(ctx context.Context, objectID string) error {
	if _, err := r.db.Pool.Exec(ctx, `DELETE FROM sync_tasks WHERE object_id = $1`, objectID); err != nil {
		return fmt.Errorf("failed to delete sync tasks: %w", err)
	}
	return nil
}

// query runs a task SELECT and collects the rows.
func (r *taskRepository) query(ctx context.Context, sql string, args ...any) ([]*domain.SyncTask, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync tasks: %w", err)
	}

	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.SyncTask, error) {
		t := &domain.SyncTask{}
		var kind, status string
		err := row.Scan(
			&t.ID,
			&t.ObjectID,
			&kind,
			&t.SourceRegion,
			&t.TargetRegion,
			&t.Bucket,
			&t.SourceKey,
			&t.TargetKey,
			&status,
			&t.Attempts,
			&t.LastError,
			&t.CreatedAt,
			&t.UpdatedAt,
			&t.CompletedAt,
		)
		t.Kind = domain.TaskKind(kind)
		t.Status = domain.SyncStatus(status)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync tasks: %w", err)
	}

	return tasks, nil
}
