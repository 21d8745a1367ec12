package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/events"
	"github.com/prn-tf/sealstore/internal/lock"
	"github.com/prn-tf/sealstore/internal/metrics"
	"github.com/prn-tf/sealstore/internal/pkg/crypto"
	"github.com/prn-tf/sealstore/internal/repository"
	"github.com/prn-tf/sealstore/internal/storage"
)

// =============================================================================
// Copy Executor
// =============================================================================

// outcome is the result of processing one sync task.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeRetry
	outcomeFailed
)

// copier copies an object's bytes to a target region and drives the task
// state machine. It is shared by immediate copies and sweeps.
type copier struct {
	backend   storage.Backend
	objects   repository.ObjectRepository
	tasks     repository.TaskRepository
	registry  *domain.RegionRegistry
	cfg       domain.StorageConfig
	bus       *events.Bus
	locker    lock.Locker
	logger    zerolog.Logger
	opTimeout time.Duration
}

// process runs one attempt of task. The task lock keeps an immediate copy and
// a sweep from working on the same task at once.
func (c *copier) process(ctx context.Context, task *domain.SyncTask, maxAttempts int) outcome {
	lockKey := lock.Keys.Task(task.ID)
	ttl := 2 * c.opTimeout
	if ttl < time.Minute {
		ttl = time.Minute
	}
	lease, err := lock.TryAcquire(ctx, c.locker, lockKey, ttl)
	if err != nil {
		c.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to acquire task lock")
		return outcomeSkipped
	}
	if lease == nil {
		return outcomeSkipped
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to release task lock")
		}
	}()

	// Reload: another worker may have finished the task since it was listed.
	current, err := c.tasks.GetByID(ctx, task.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			c.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to reload sync task")
		}
		return outcomeSkipped
	}
	if current.Status.IsTerminal() {
		return outcomeSkipped
	}
	task = current

	record, err := c.objects.GetByID(ctx, task.ObjectID)
	if errors.Is(err, repository.ErrNotFound) {
		// Object deleted while the copy was pending.
		if err := c.tasks.Delete(ctx, task.ID); err != nil {
			c.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to delete orphan sync task")
		}
		return outcomeSkipped
	}
	if err != nil {
		return c.fail(ctx, task, fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err), maxAttempts)
	}

	start := time.Now()
	size, target, err := c.copy(ctx, task, record)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down; the attempt does not count.
			c.logger.Debug().Stringer("task", task).Msg("Sync task interrupted")
			return outcomeSkipped
		}
		return c.fail(ctx, task, err, maxAttempts)
	}

	task.MarkCompleted()
	if err := c.tasks.Update(ctx, task); err != nil {
		c.logger.Error().Err(err).Stringer("task", task).Msg("Failed to record completed sync task")
	}

	eventType := domain.EventReplication
	if task.Kind == domain.TaskBackup {
		eventType = domain.EventBackup
	}
	cost := EstimateCost(size, c.cfg.BaseCostPerGB, c.copyTier(task, target))
	c.bus.Emit(domain.NewStorageEvent(eventType, task.ObjectID, target.Provider, target.ID).
		WithSize(size).
		WithDuration(time.Since(start)).
		With(domain.MetaStatus, string(domain.SyncStatusCompleted)).
		With(domain.MetaTargetRegion, target.ID).
		With(domain.MetaAttempts, strconv.Itoa(task.Attempts+1)).
		With(domain.MetaCost, strconv.FormatFloat(cost, 'f', -1, 64)))

	c.logger.Debug().Stringer("task", task).Int64("size", size).Msg("Sync task completed")
	return outcomeCompleted
}

// copy reads the object's physical bytes, verifies them and writes them to
// the task target.
func (c *copier) copy(ctx context.Context, task *domain.SyncTask, record *domain.ObjectRecord) (int64, domain.StorageRegion, error) {
	source, ok := c.registry.Get(task.SourceRegion)
	if !ok {
		return 0, domain.StorageRegion{}, fmt.Errorf("%w: source %s", domain.ErrUnknownRegion, task.SourceRegion)
	}
	target, ok := c.registry.Get(task.TargetRegion)
	if !ok {
		return 0, domain.StorageRegion{}, fmt.Errorf("%w: target %s", domain.ErrUnknownRegion, task.TargetRegion)
	}
	targetBucket := c.cfg.BucketFor(target, "")
	if targetBucket == "" {
		return 0, target, fmt.Errorf("%w: no bucket configured for region %s", domain.ErrInvalidRegion, target.ID)
	}

	getCtx, cancel := c.withTimeout(ctx)
	data, err := c.backend.Get(getCtx, storage.Location{Region: source, Bucket: task.Bucket, Key: task.SourceKey})
	cancel()
	if err != nil {
		return 0, target, err
	}

	expected := record.ContentChecksum
	if expected == "" {
		expected = record.Checksum
	}
	if !crypto.VerifySHA256(data, expected) {
		return 0, target, fmt.Errorf("%w: source copy of %s", domain.ErrIntegrityFailure, record.ObjectID)
	}

	putCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err = c.backend.Put(putCtx, storage.Location{Region: target, Bucket: targetBucket, Key: task.TargetKey}, data, storage.PutOptions{
		StorageClass:  c.copyTier(task, target).StorageClass(),
		EncryptAtRest: c.cfg.Security.EncryptionAtRest,
		Checksum:      expected,
		Metadata: map[string]string{
			"object-id":  record.ObjectID,
			"codec":      record.Codec,
			"copy-kind":  string(task.Kind),
			"source":     task.SourceRegion,
			"iv-length":  strconv.Itoa(record.IVLength),
			"tag-length": strconv.Itoa(record.TagLength),
		},
	})
	if err != nil {
		return 0, target, err
	}
	return int64(len(data)), target, nil
}

// copyTier returns the tier a copy is written and priced at. Backups go to
// the archive tier when cost optimization is on.
func (c *copier) copyTier(task *domain.SyncTask, target domain.StorageRegion) domain.CostTier {
	if task.Kind == domain.TaskBackup && c.cfg.Optimization.CostOptimization {
		return domain.CostTierArchive
	}
	return target.CostTier
}

// fail records a failed attempt and emits an error event. Terminal failures
// carry alert=true for operator attention.
func (c *copier) fail(ctx context.Context, task *domain.SyncTask, cause error, maxAttempts int) outcome {
	terminal := task.MarkAttemptFailed(cause, maxAttempts)
	if err := c.tasks.Update(ctx, task); err != nil {
		c.logger.Error().Err(err).Stringer("task", task).Msg("Failed to record sync task failure")
	}

	kind := storage.Classify(cause)
	if k := domain.ErrorKind(cause); k != nil {
		kind = k
	}

	event := domain.NewStorageEvent(domain.EventError, task.ObjectID, "", task.TargetRegion).
		WithError(cause).
		With(domain.MetaOperation, string(task.Kind)).
		With(domain.MetaTargetRegion, task.TargetRegion).
		With(domain.MetaAttempts, strconv.Itoa(task.Attempts)).
		With(domain.MetaErrorKind, domain.ErrorKindName(kind)).
		With(domain.MetaStatus, string(task.Status))
	if target, ok := c.registry.Get(task.TargetRegion); ok {
		event.Provider = target.Provider
	}
	if terminal {
		event = event.With(domain.MetaAlert, "true")
	}
	c.bus.Emit(event)

	logEvent := c.logger.Warn()
	if terminal {
		logEvent = c.logger.Error()
	}
	logEvent.Err(cause).Stringer("task", task).Bool("terminal", terminal).Msg("Sync task attempt failed")

	if terminal {
		return outcomeFailed
	}
	return outcomeRetry
}

func (c *copier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// =============================================================================
// Sync Scheduler
// =============================================================================

// SweepResult contains the result of one sweep run.
type SweepResult struct {
	// Processed is the number of pending tasks attempted.
	Processed int

	// Completed is the number of tasks that finished successfully.
	Completed int

	// Retried is the number of tasks that failed and remain pending.
	Retried int

	// Failed is the number of tasks that reached the retry ceiling.
	Failed int

	// Skipped is the number of tasks handled elsewhere.
	Skipped int

	// Expired is the number of backup copies removed by retention.
	Expired int

	// Errors is the number of sweep-level errors.
	Errors int

	// LockHeld is true when another instance held the sweep lock.
	LockHeld bool

	// Duration is how long the run took.
	Duration time.Duration
}

// syncScheduler is the loop shared by replication and backup. It runs a
// periodic sweep of pending tasks and tracks immediate copies so Stop can
// wait for them.
type syncScheduler struct {
	kind    domain.TaskKind
	copier  *copier
	tasks   repository.TaskRepository
	locker  lock.Locker
	metrics *metrics.Metrics
	logger  zerolog.Logger
	config  SweepConfig
	lockKey string

	// after runs at the end of each sweep while the lock is held.
	after func(ctx context.Context, result *SweepResult)

	// Control
	mu       sync.Mutex
	running  bool
	closed   bool
	stopChan chan struct{}
	doneChan chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newSyncScheduler(kind domain.TaskKind, c *copier, tasks repository.TaskRepository, locker lock.Locker, m *metrics.Metrics, logger zerolog.Logger, config SweepConfig, lockKey string) *syncScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &syncScheduler{
		kind:     kind,
		copier:   c,
		tasks:    tasks,
		locker:   locker,
		metrics:  m,
		logger:   logger,
		config:   config,
		lockKey:  lockKey,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Start begins the periodic sweep.
func (s *syncScheduler) Start() {
	s.mu.Lock()
	if s.running || s.closed {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Int("max_attempts", s.config.MaxAttempts).
		Int("batch_size", s.config.BatchSize).
		Int("concurrency", s.config.Concurrency).
		Msg("Starting sweep scheduler")

	go s.runLoop()
}

// Stop stops the periodic sweep, cancels immediate copies in flight and
// waits for them to return. Stop is final.
func (s *syncScheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	running := s.running
	s.running = false
	s.mu.Unlock()

	if running {
		close(s.stopChan)
		<-s.doneChan
	}
	s.cancel()
	s.wg.Wait()

	s.logger.Info().Msg("Sweep scheduler stopped")
}

func (s *syncScheduler) runLoop() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(s.baseCtx)
		case <-s.stopChan:
			return
		}
	}
}

// launch runs tasks in the background. It returns false after Stop.
func (s *syncScheduler) launch(tasks []*domain.SyncTask) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.processAll(s.baseCtx, tasks)
	}()
	return true
}

// processAll runs one attempt of each task with bounded concurrency.
func (s *syncScheduler) processAll(ctx context.Context, tasks []*domain.SyncTask) SweepResult {
	var mu sync.Mutex
	result := SweepResult{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			o := s.copier.process(gctx, task, s.config.MaxAttempts)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch o {
			case outcomeCompleted:
				result.Completed++
			case outcomeRetry:
				result.Retried++
			case outcomeFailed:
				result.Failed++
			default:
				result.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

// RunOnce executes a single sweep run.
// This can be called manually or by the scheduler.
func (s *syncScheduler) RunOnce(ctx context.Context) SweepResult {
	start := time.Now()
	result := SweepResult{}

	lease, err := lock.TryAcquire(ctx, s.locker, s.lockKey, s.config.LockTTL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to acquire sweep lock")
		result.Errors++
		result.Duration = time.Since(start)
		return result
	}
	if lease == nil {
		s.logger.Debug().Msg("Sweep lock held by another process, skipping run")
		result.LockHeld = true
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if lease.Lost() {
			s.logger.Warn().Str("lock", lease.Key()).Msg("Sweep lock lost before the run finished")
		}
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error().Err(err).Msg("Failed to release sweep lock")
		}
	}()

	pending, err := s.tasks.ListPending(ctx, s.kind, s.config.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list pending sync tasks")
		result.Errors++
	} else if len(pending) > 0 {
		s.logger.Info().Int("count", len(pending)).Msg("Found pending sync tasks")
		sweep := s.processAll(ctx, pending)
		result.Processed = sweep.Processed
		result.Completed = sweep.Completed
		result.Retried = sweep.Retried
		result.Failed = sweep.Failed
		result.Skipped = sweep.Skipped
	}

	if s.after != nil {
		s.after(ctx, &result)
	}

	result.Duration = time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordSweep(s.kind, result.Duration, result.Completed, result.Retried, result.Failed)
	}

	s.logger.Info().
		Int("processed", result.Processed).
		Int("completed", result.Completed).
		Int("retried", result.Retried).
		Int("failed", result.Failed).
		Int("expired", result.Expired).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("Sweep run completed")

	return result
}

// schedule persists one pending task per target and starts copying them in
// the background before returning.
func (s *syncScheduler) schedule(ctx context.Context, record *domain.ObjectRecord, targets []domain.StorageRegion, key func(domain.StorageRegion) string) (domain.SyncStatus, error) {
	if len(targets) == 0 {
		return domain.SyncStatusCompleted, nil
	}

	tasks := make([]*domain.SyncTask, 0, len(targets))
	for _, target := range targets {
		task := domain.NewSyncTask(s.kind, record, target, key(target))
		if err := s.tasks.Create(ctx, task); err != nil {
			return domain.SyncStatusFailed, fmt.Errorf("failed to persist %s task for %s: %w", s.kind, target.ID, err)
		}
		tasks = append(tasks, task)
	}

	if !s.launch(tasks) {
		s.logger.Warn().Str("object_id", record.ObjectID).Msg("Scheduler stopped, copies left for the next sweep")
	}
	return domain.SyncStatusPending, nil
}
