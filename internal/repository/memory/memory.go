// Package memory provides in-process implementations of the catalog and
// sync task repositories. They back the "memory" database driver used in
// development and tests. Nothing is persisted across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/repository"
)

// objectRepository implements repository.ObjectRepository in memory.
type objectRepository struct {
	mu      sync.RWMutex
	records map[string]domain.ObjectRecord
}

// NewObjectRepository creates an empty in-memory object repository.
func NewObjectRepository() repository.ObjectRepository {
	return &objectRepository{records: make(map[string]domain.ObjectRecord)}
}

func (r *objectRepository) Create(ctx context.Context, record *domain.ObjectRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.ObjectID]; exists {
		return repository.ErrAlreadyExists
	}
	for _, rec := range r.records {
		if rec.Bucket == record.Bucket && rec.Key == record.Key {
			return repository.ErrAlreadyExists
		}
	}
	r.records[record.ObjectID] = *record
	return nil
}

func (r *objectRepository) GetByID(ctx context.Context, objectID string) (*domain.ObjectRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[objectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (r *objectRepository) Delete(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[objectID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.records, objectID)
	return nil
}

func (r *objectRepository) CountDataReferences(ctx context.Context, bucket, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for i := range r.records {
		rec := r.records[i]
		b, k := rec.DataLocation()
		if b == bucket && k == key {
			n++
		}
	}
	return n, nil
}

func (r *objectRepository) KeyInUse(ctx context.Context, bucket, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.Bucket == bucket && rec.Key == key {
			return true, nil
		}
		if rec.ReferenceBucket == bucket && rec.ReferenceKey == key {
			return true, nil
		}
	}
	return false, nil
}

func (r *objectRepository) Totals(ctx context.Context) (int64, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var bytes int64
	for _, rec := range r.records {
		bytes += rec.Size
	}
	return int64(len(r.records)), bytes, nil
}

// taskRepository implements repository.TaskRepository in memory.
type taskRepository struct {
	mu    sync.RWMutex
	tasks map[string]domain.SyncTask
}

// NewTaskRepository creates an empty in-memory task repository.
func NewTaskRepository() repository.TaskRepository {
	return &taskRepository{tasks: make(map[string]domain.SyncTask)}
}

func (r *taskRepository) Create(ctx context.Context, task *domain.SyncTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; exists {
		return repository.ErrAlreadyExists
	}
	r.tasks[task.ID] = copyTask(task)
	return nil
}

func (r *taskRepository) Update(ctx context.Context, task *domain.SyncTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; !exists {
		return repository.ErrNotFound
	}
	r.tasks[task.ID] = copyTask(task)
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.SyncTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := copyTask(&t)
	return &c, nil
}

func (r *taskRepository) ListByObject(ctx context.Context, objectID string) ([]*domain.SyncTask, error) {
	return r.list(ctx, 0, func(t *domain.SyncTask) bool {
		return t.ObjectID == objectID
	})
}

func (r *taskRepository) ListPending(ctx context.Context, kind domain.TaskKind, limit int) ([]*domain.SyncTask, error) {
	return r.list(ctx, repository.NormalizeLimit(limit), func(t *domain.SyncTask) bool {
		return t.Kind == kind && t.Status == domain.SyncStatusPending
	})
}

func (r *taskRepository) ListCompletedBefore(ctx context.Context, kind domain.TaskKind, before time.Time, limit int) ([]*domain.SyncTask, error) {
	return r.list(ctx, repository.NormalizeLimit(limit), func(t *domain.SyncTask) bool {
		return t.Kind == kind &&
			t.Status == domain.SyncStatusCompleted &&
			t.CompletedAt != nil &&
			t.CompletedAt.Before(before)
	})
}

func (r *taskRepository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tasks, id)
	return nil
}

func (r *taskRepository) DeleteByObject(ctx context.Context, objectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, t := range r.tasks {
		if t.ObjectID == objectID {
			delete(r.tasks, id)
		}
	}
	return nil
}

// list returns copies of matching tasks ordered by creation time.
// A limit of 0 returns every match.
func (r *taskRepository) list(ctx context.Context, limit int, match func(*domain.SyncTask) bool) ([]*domain.SyncTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	var out []*domain.SyncTask
	for id := range r.tasks {
		t := r.tasks[id]
		if match(&t) {
			c := copyTask(&t)
			out = append(out, &c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyTask(t *domain.SyncTask) domain.SyncTask {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return c
}

// New returns in-memory object and task repositories.
func New() *repository.Repositories {
	return &repository.Repositories{
		Objects: NewObjectRepository(),
		Tasks:   NewTaskRepository(),
	}
}
