package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/events"
	"github.com/prn-tf/sealstore/internal/lock"
	"github.com/prn-tf/sealstore/internal/metrics"
	"github.com/prn-tf/sealstore/internal/optimizer"
	"github.com/prn-tf/sealstore/internal/repository"
	"github.com/prn-tf/sealstore/internal/storage"
)

// Dependencies are the collaborators of the engine.
// Objects and Tasks are required; the rest have in-process defaults.
type Dependencies struct {
	// Backend serves every region. Nil opens one from the storage config.
	Backend storage.Backend

	Objects repository.ObjectRepository
	Tasks   repository.TaskRepository

	// Dedup is required when deduplication is enabled.
	Dedup repository.DedupIndex

	// Locker guards uploads, sweeps and tasks. Nil uses an in-memory locker.
	// Several engine instances sharing a catalog need a shared locker.
	Locker lock.Locker

	// Codec compresses payloads when compression is enabled. Nil selects
	// the configured codec.
	Codec optimizer.Codec

	// Bus carries events. Nil creates one.
	Bus *events.Bus

	// Aggregator holds the running metrics. Nil creates one.
	Aggregator *metrics.Aggregator

	// Metrics receives events as Prometheus samples. Optional.
	Metrics *metrics.Metrics
}

// runtime is the state built by a successful initialization. It is
// immutable once published.
type runtime struct {
	registry    *domain.RegionRegistry
	backend     storage.Backend
	optimizer   *optimizer.Optimizer
	replication *ReplicationScheduler
	backup      *BackupScheduler
	collector   *metrics.Collector
}

// Engine stores client-side encrypted objects in the primary region and
// copies them to replication and backup regions in the background.
// It is safe for concurrent use.
type Engine struct {
	cfg        Config
	deps       Dependencies
	bus        *events.Bus
	aggregator *metrics.Aggregator
	logger     zerolog.Logger

	ownedLocker *lock.MemoryLocker

	init singleflight.Group

	mu       sync.RWMutex
	rt       *runtime
	fatalErr error
	stopped  bool
}

// NewEngine creates an engine. No backend or catalog I/O happens until
// Initialize or the first operation.
func NewEngine(cfg Config, deps Dependencies, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("service", "engine").Logger(),
	}

	if e.deps.Locker == nil {
		e.ownedLocker = lock.NewMemoryLocker()
		e.deps.Locker = e.ownedLocker
	}

	e.bus = deps.Bus
	if e.bus == nil {
		e.bus = events.NewBus(events.DefaultQueueSize, logger)
	}
	e.aggregator = deps.Aggregator
	if e.aggregator == nil {
		e.aggregator = metrics.NewAggregator()
	}

	e.bus.AddFolder(e.aggregator)
	e.bus.Subscribe(events.NewLogHandler(logger))
	if deps.Metrics != nil {
		e.bus.Subscribe(deps.Metrics)
	}
	e.bus.Start()

	return e
}

// Initialize validates the configuration and prepares the engine.
//
// Concurrent callers share one initialization. A configuration error is
// fatal and returned by every later call; other failures may be retried.
func (e *Engine) Initialize(ctx context.Context) error {
	_, err := e.ready(ctx)
	return err
}

// ready returns the runtime, initializing it on first use.
func (e *Engine) ready(ctx context.Context) (*runtime, error) {
	e.mu.RLock()
	rt, fatal, stopped := e.rt, e.fatalErr, e.stopped
	e.mu.RUnlock()

	switch {
	case stopped:
		return nil, fmt.Errorf("%w: engine stopped", domain.ErrNotReady)
	case fatal != nil:
		return nil, fatal
	case rt != nil:
		return rt, nil
	}

	ch := e.init.DoChan("initialize", func() (interface{}, error) {
		return e.initialize(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*runtime), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrNotReady, ctx.Err())
	}
}

func (e *Engine) initialize(ctx context.Context) (*runtime, error) {
	e.mu.RLock()
	if e.rt != nil {
		rt := e.rt
		e.mu.RUnlock()
		return rt, nil
	}
	e.mu.RUnlock()

	start := time.Now()
	cfg := e.cfg.Storage

	if err := cfg.Validate(); err != nil {
		e.logger.Error().Err(err).Msg("Invalid storage configuration")
		return nil, e.fatal(err)
	}
	if e.deps.Objects == nil || e.deps.Tasks == nil {
		return nil, fmt.Errorf("%w: object and task repositories are required", domain.ErrNotReady)
	}

	registry, err := domain.NewRegionRegistry(cfg.Provider, cfg.Regions)
	if err != nil {
		return nil, e.fatal(err)
	}

	var replicationTargets []domain.StorageRegion
	if cfg.Security.ReplicationEnabled {
		replicationTargets, err = registry.Resolve(cfg.Backup.ReplicationTargets)
		if err != nil {
			return nil, e.fatal(domain.NewConfigError("storage.backup.replication_targets", domain.ErrUnknownRegion, err.Error()))
		}
	}

	backend := e.deps.Backend
	if backend == nil {
		router, err := storage.Open(cfg, e.logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrNotReady, err)
		}
		backend = router
	}

	var opt *optimizer.Optimizer
	if e.deps.Codec != nil {
		opt, err = optimizer.NewWithCodec(cfg.Optimization, e.deps.Codec, e.deps.Dedup, e.logger)
	} else {
		opt, err = optimizer.New(cfg.Optimization, e.deps.Dedup, e.logger)
	}
	if err != nil {
		return nil, e.fatal(domain.NewConfigError("storage.optimization", err, ""))
	}

	if objects, bytes, err := e.deps.Objects.Totals(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to read catalog totals, metrics start at zero")
	} else {
		e.aggregator.Seed(objects, bytes)
	}

	native := e.installLifecycle(ctx, backend, registry)

	cp := &copier{
		backend:   backend,
		objects:   e.deps.Objects,
		tasks:     e.deps.Tasks,
		registry:  registry,
		cfg:       cfg,
		bus:       e.bus,
		locker:    e.deps.Locker,
		logger:    e.logger,
		opTimeout: cfg.OperationTimeout,
	}

	rt := &runtime{
		registry:  registry,
		backend:   backend,
		optimizer: opt,
		replication: newReplicationScheduler(cp, e.deps.Tasks, e.deps.Locker, e.deps.Metrics, e.logger,
			e.cfg.Replication, replicationTargets),
		backup: newBackupScheduler(cp, e.deps.Tasks, e.deps.Locker, e.deps.Metrics, e.logger,
			e.cfg.Backup, registry.BackupRegions(), cfg.Backup.RetentionDays, native),
	}

	if stats, ok := backend.(metrics.StatsSource); ok && e.cfg.MetricsPollInterval > 0 {
		targets := make([]metrics.Target, 0, len(registry.All()))
		for _, region := range registry.All() {
			targets = append(targets, metrics.Target{Region: region, Bucket: cfg.BucketFor(region, "")})
		}
		rt.collector = metrics.NewCollector(stats, targets, e.aggregator, e.deps.Metrics, e.logger, metrics.CollectorConfig{
			Interval: e.cfg.MetricsPollInterval,
			Timeout:  cfg.OperationTimeout,
			Dropped:  e.bus.Dropped,
		})
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		rt.replication.Stop()
		rt.backup.Stop()
		return nil, fmt.Errorf("%w: engine stopped", domain.ErrNotReady)
	}
	e.rt = rt
	e.mu.Unlock()

	if e.cfg.RunSchedulers {
		if cfg.Security.ReplicationEnabled && e.cfg.Replication.Enabled {
			rt.replication.Start()
		}
		if cfg.Backup.Enabled && e.cfg.Backup.Enabled {
			rt.backup.Start()
		}
		if rt.collector != nil {
			rt.collector.Start()
		}
	}

	e.logger.Info().
		Str("provider", string(cfg.Provider)).
		Str("primary_region", registry.Primary().ID).
		Strs("regions", registry.IDs()).
		Bool("replication", cfg.Security.ReplicationEnabled).
		Bool("backup", cfg.Backup.Enabled).
		Bool("compression", cfg.Optimization.Compression).
		Bool("deduplication", cfg.Optimization.Deduplication).
		Dur("duration", time.Since(start)).
		Msg("Storage engine initialized")

	return rt, nil
}

// fatal records a configuration error returned by every later call.
func (e *Engine) fatal(err error) error {
	e.mu.Lock()
	e.fatalErr = err
	e.mu.Unlock()
	return err
}

// installLifecycle installs the backup expiration rule in every backup region
// whose backend supports native lifecycle policies. It returns those regions.
func (e *Engine) installLifecycle(ctx context.Context, backend storage.Backend, registry *domain.RegionRegistry) map[string]bool {
	native := make(map[string]bool)

	cfg := e.cfg.Storage
	name := cfg.LifecyclePolicyName()
	if name == "" || !cfg.Backup.Enabled {
		return native
	}
	lm, ok := backend.(storage.LifecycleManager)
	if !ok {
		return native
	}

	rule := storage.LifecycleRule{
		ID:             name,
		Prefix:         domain.BackupPrefix + "/",
		ExpirationDays: cfg.Backup.RetentionDays,
	}
	for _, region := range registry.BackupRegions() {
		callCtx, cancel := context.WithTimeout(ctx, timeoutOr(cfg.OperationTimeout, 30*time.Second))
		err := lm.ApplyLifecycle(callCtx, region, cfg.BucketFor(region, ""), rule)
		cancel()

		switch {
		case err == nil:
			native[region.ID] = true
			e.logger.Info().Str("region", region.ID).Str("rule", name).Msg("Installed backup lifecycle rule")
		case errors.Is(err, storage.ErrLifecycleUnsupported):
			e.logger.Debug().Str("region", region.ID).Msg("Backend has no native lifecycle, backup sweep enforces retention")
		default:
			e.logger.Warn().Err(err).Str("region", region.ID).Msg("Failed to install lifecycle rule, backup sweep enforces retention")
		}
	}
	return native
}

// Stop stops the schedulers, waits for in-flight background copies and
// flushes queued events. The engine rejects work afterwards.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	rt := e.rt
	e.mu.Unlock()

	if rt != nil {
		if rt.collector != nil {
			rt.collector.Stop()
		}
		rt.replication.Stop()
		rt.backup.Stop()
	}
	e.bus.Stop()
	if e.ownedLocker != nil {
		e.ownedLocker.Stop()
	}

	e.logger.Info().Msg("Storage engine stopped")
}

// GetMetrics returns a snapshot of the running aggregates.
func (e *Engine) GetMetrics() domain.StorageMetrics {
	return e.aggregator.Snapshot()
}

// GetConfiguration returns the storage configuration with credentials redacted.
func (e *Engine) GetConfiguration() domain.StorageConfig {
	return e.cfg.Storage.Redacted()
}

// Health checks that the primary region's backend is reachable.
func (e *Engine) Health(ctx context.Context) error {
	rt, err := e.ready(ctx)
	if err != nil {
		return err
	}
	hc, ok := rt.backend.(storage.HealthChecker)
	if !ok {
		return nil
	}
	primary := rt.registry.Primary()
	callCtx, cancel := context.WithTimeout(ctx, timeoutOr(e.cfg.Storage.OperationTimeout, 5*time.Second))
	defer cancel()
	if err := hc.HealthCheck(callCtx, primary, e.cfg.Storage.BucketFor(primary, "")); err != nil {
		return domain.NewStorageError(storage.Classify(err), "", err)
	}
	return nil
}

// Sweep runs one replication or backup sweep immediately.
func (e *Engine) Sweep(ctx context.Context, kind domain.TaskKind) (SweepResult, error) {
	rt, err := e.ready(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	switch kind {
	case domain.TaskReplication:
		return rt.replication.RunOnce(ctx), nil
	case domain.TaskBackup:
		return rt.backup.RunOnce(ctx), nil
	default:
		return SweepResult{}, fmt.Errorf("unknown sweep kind %q", kind)
	}
}

// Events returns the engine's event bus for additional subscribers.
func (e *Engine) Events() *events.Bus {
	return e.bus
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
