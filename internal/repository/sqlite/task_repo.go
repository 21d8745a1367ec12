package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/repository"
)

// taskRepository implements repository.TaskRepository for SQLite.
type taskRepository struct {
	db *DB
}

// NewTaskRepository creates a new SQLite sync task repository.
func NewTaskRepository(db *DB) repository.TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `id, object_id, kind, source_region, target_region, bucket,
	source_key, target_key, status, attempts, last_error, created_at, updated_at, completed_at`

// Create inserts a new task.
func (r *taskRepository) Create(ctx context.Context, t *domain.SyncTask) error {
	query := `INSERT INTO sync_tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
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
		formatTime(t.CreatedAt),
		formatTime(t.UpdatedAt),
		nullTime(t.CompletedAt),
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
		SET status = ?, attempts = ?, last_error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		string(t.Status),
		t.Attempts,
		t.LastError,
		formatTime(t.UpdatedAt),
		nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync task: %w", err)
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

// GetByID retrieves a task by id.
func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.SyncTask, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync task: %w", err)
	}
	tasks, err := scanTasks(rows)
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
	query := `SELECT ` + taskColumns + ` FROM sync_tasks WHERE object_id = ? ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListPending returns up to limit pending tasks of a kind, oldest first.
func (r *taskRepository) ListPending(ctx context.Context, kind domain.TaskKind, limit int) ([]*domain.SyncTask, error) {
	query := `
		SELECT ` + taskColumns + ` FROM sync_tasks
		WHERE kind = ? AND status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, string(kind), string(domain.SyncStatusPending), repository.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sync tasks: %w", err)
	}
	return scanTasks(rows)
}

// ListCompletedBefore returns completed tasks of a kind finished before the cutoff.
func (r *taskRepository) ListCompletedBefore(ctx context.Context, kind domain.TaskKind, before time.Time, limit int) ([]*domain.SyncTask, error) {
	query := `
		SELECT ` + taskColumns + ` FROM sync_tasks
		WHERE kind = ? AND status = ? AND completed_at IS NOT NULL AND completed_at < ?
		ORDER BY completed_at ASC, id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query,
		string(kind),
		string(domain.SyncStatusCompleted),
		formatTime(before),
		repository.NormalizeLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sync tasks: %w", err)
	}
	return scanTasks(rows)
}

// Delete removes a task by id.
func (r *taskRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sync task: %w", err)
	}
	return nil
}

// DeleteByObject removes every task of an object.
func (r *taskRepository) DeleteByObject(ctx context.Context, objectID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_tasks WHERE object_id = ?`, objectID); err != nil {
		return fmt.Errorf("failed to delete sync tasks: %w", err)
	}
	return nil
}

// scanTasks reads every row and closes rows.
func scanTasks(rows *sql.Rows) ([]*domain.SyncTask, error) {
	defer rows.Close()

	var tasks []*domain.SyncTask
	for rows.Next() {
		t := &domain.SyncTask{}
		var kind, status, createdAt, updatedAt string
		var completedAt sql.NullString

		err := rows.Scan(
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
			&createdAt,
			&updatedAt,
			&completedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync task: %w", err)
		}

		t.Kind = domain.TaskKind(kind)
		t.Status = domain.SyncStatus(status)
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			at, err := parseTime(completedAt.String)
			if err != nil {
				return nil, err
			}
			t.CompletedAt = &at
		}

		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync tasks: %w", err)
	}

	return tasks, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
