// Package app wires configuration into a running storage engine.
// It is shared by the server and the admin tools.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	cachememory "github.com/prn-tf/sealstore/internal/cache/memory"
	cacheredis "github.com/prn-tf/sealstore/internal/cache/redis"
	"github.com/prn-tf/sealstore/internal/config"
	"github.com/prn-tf/sealstore/internal/events"
	"github.com/prn-tf/sealstore/internal/metrics"
	"github.com/prn-tf/sealstore/internal/repository"
	repomemory "github.com/prn-tf/sealstore/internal/repository/memory"
	"github.com/prn-tf/sealstore/internal/repository/postgres"
	"github.com/prn-tf/sealstore/internal/repository/sqlite"
	"github.com/prn-tf/sealstore/internal/service"
)

// Options controls what New starts.
type Options struct {
	// RunSchedulers starts the sweep loops and the usage collector.
	RunSchedulers bool

	// Migrate applies catalog migrations regardless of database.auto_migrate.
	Migrate bool
}

// App is a wired engine plus the resources it owns.
type App struct {
	Config   *config.Config
	Engine   *service.Engine
	Database repository.DatabaseHealth

	// Registry holds the Prometheus collectors. Nil when metrics are disabled.
	Registry *prometheus.Registry

	closers []func() error
	logger  zerolog.Logger
}

// New opens the catalog, the dedup index and the lock backend described by
// cfg and builds an engine on top of them. The engine is not initialized.
func New(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		logger: logger.With().Str("component", "app").Logger(),
	}

	repos, db, err := OpenRepositories(ctx, cfg.Database, opts.Migrate, logger)
	if err != nil {
		return nil, err
	}
	a.Database = db
	a.closers = append(a.closers, db.Close)

	deps := service.Dependencies{
		Objects: repos.Objects,
		Tasks:   repos.Tasks,
		Bus:     events.NewBus(cfg.Events.QueueSize, logger),
	}

	if cfg.Redis.Enabled {
		client, err := cacheredis.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		a.wireRedis(&deps, client, cfg.Dedup.IndexTTL)
	} else {
		index := cachememory.NewDedupIndex(cfg.Dedup.IndexTTL)
		a.closers = append(a.closers, func() error { index.Stop(); return nil })
		deps.Dedup = index
	}

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		deps.Metrics = metrics.NewMetrics(metrics.DefaultNamespace, a.Registry)
	}

	a.Engine = service.NewEngine(EngineConfig(cfg, opts.RunSchedulers), deps, logger)
	return a, nil
}

func (a *App) wireRedis(deps *service.Dependencies, client goredis.UniversalClient, ttl time.Duration) {
	deps.Dedup = cacheredis.NewDedupIndex(client, ttl)
	deps.Locker = cacheredis.NewDistributedLock(client)
	a.logger.Info().Msg("Using Redis for dedup index and sweep locks")
}

// Close stops the engine and releases every owned resource.
func (a *App) Close() error {
	if a.Engine != nil {
		a.Engine.Stop()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// EngineConfig maps the file configuration onto the engine configuration.
func EngineConfig(cfg *config.Config, runSchedulers bool) service.Config {
	out := service.Config{
		Storage:       cfg.Storage,
		Replication:   sweepConfig(cfg.Replication),
		Backup:        sweepConfig(cfg.Backup),
		RunSchedulers: runSchedulers,
	}
	if cfg.Metrics.Enabled {
		out.MetricsPollInterval = cfg.Metrics.PollInterval
	}
	return out
}

func sweepConfig(c config.SchedulerConfig) service.SweepConfig {
	return service.SweepConfig{
		Enabled:     c.Enabled,
		Interval:    c.Interval,
		MaxAttempts: c.MaxAttempts,
		BatchSize:   c.BatchSize,
		Concurrency: c.Concurrency,
		LockTTL:     c.LockTTL,
	}
}

// OpenRepositories opens the catalog selected by database.driver.
// Embedded databases are migrated when auto_migrate is set or migrate is true.
func OpenRepositories(ctx context.Context, cfg config.DatabaseConfig, migrate bool, logger zerolog.Logger) (*repository.Repositories, repository.DatabaseHealth, error) {
	switch cfg.Driver {
	case "memory":
		return repomemory.New(), repository.NopDatabase(), nil

	case "sqlite":
		db, err := OpenSQLite(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := migrateIf(ctx, db, cfg.AutoMigrate || migrate); err != nil {
			db.Close()
			return nil, nil, err
		}
		return sqlite.NewRepositories(db), db, nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := migrateIf(ctx, db, migrate); err != nil {
			db.Close()
			return nil, nil, err
		}
		return postgres.NewRepositories(db), db, nil

	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// OpenSQLite opens the SQLite catalog described by cfg.
func OpenSQLite(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*sqlite.DB, error) {
	return sqlite.NewDB(ctx, cfg, logger)
}

// MigratableDB is a catalog database with embedded schema migrations.
type MigratableDB interface {
	repository.Migrator
	Close() error
}

// OpenMigratable opens the catalog database without applying migrations.
// The memory driver has no schema and is rejected.
func OpenMigratable(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (MigratableDB, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := OpenSQLite(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("database driver %q has no migrations", cfg.Driver)
	}
}

func migrateIf(ctx context.Context, m repository.Migrator, enabled bool) error {
	if !enabled {
		return nil
	}
	if err := m.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from the logging configuration.
func NewLogger(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
