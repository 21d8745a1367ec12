// Package sqlite provides the SQLite catalog for embedded deployments.
// It uses modernc.org/sqlite, which needs no cgo.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/prn-tf/sealstore/internal/config"
	"github.com/prn-tf/sealstore/internal/repository"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Pragma defaults applied when the configuration leaves a field empty.
const (
	defaultJournalMode     = "WAL"
	defaultBusyTimeout     = 5000  // ms
	defaultCacheSize       = -2000 // 2MB
	defaultSynchronousMode = "NORMAL"
)

// DB is the SQLite catalog database. It keeps a single connection:
// SQLite allows one writer, and ":memory:" databases are per connection.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewDB opens the database at cfg.Path and applies the connection pragmas.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	dsn := dataSourceName(cfg)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	logger = logger.With().Str("component", "sqlite").Logger()
	logger.Info().Str("path", cfg.Path).Msg("connected to SQLite database")

	return &DB{db: db, logger: logger}, nil
}

// dataSourceName builds a modernc DSN with one _pragma parameter per setting.
func dataSourceName(cfg config.DatabaseConfig) string {
	journal := cfg.JournalMode
	if journal == "" {
		journal = defaultJournalMode
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	cache := cfg.CacheSize
	if cache == 0 {
		cache = defaultCacheSize
	}
	syncMode := cfg.SynchronousMode
	if syncMode == "" {
		syncMode = defaultSynchronousMode
	}

	return fmt.Sprintf(
		"file:%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=cache_size(%d)&_pragma=synchronous(%s)&_pragma=foreign_keys(1)",
		cfg.Path, journal, busy, cache, syncMode,
	)
}

// Close closes the database.
func (db *DB) Close() error {
	return db.db.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Health reports whether the catalog can serve queries.
func (db *DB) Health(ctx context.Context) error {
	var one int
	if err := db.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("sqlite health check: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, committing if it returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ExecContext executes a statement.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.db.ExecContext(ctx, query, args...)
}

// QueryContext runs a query returning rows.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a query returning at most one row.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.db.QueryRowContext(ctx, query, args...)
}

// Migrate applies every embedded migration newer than the recorded version.
// Migration files are named NNNNNN_description.up.sql and applied in order.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	currentVersion, err := db.Version(ctx)
	if err != nil {
		return err
	}

	db.logger.Info().Int("current_version", currentVersion).Msg("checking migrations")

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, err := strconv.Atoi(strings.SplitN(name, "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration file name %q: %w", name, err)
		}
		if version <= currentVersion {
			continue
		}

		migration, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}

		err = db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(migration)); err != nil {
				return fmt.Errorf("failed to apply migration %d: %w", version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		db.logger.Info().Int("version", version).Str("file", name).Msg("applied migration")
	}

	return nil
}

// Version returns the highest applied migration version, or 0.
func (db *DB) Version(ctx context.Context) (int, error) {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	var version int
	err := db.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current migration version: %w", err)
	}
	return version, nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// Ensure DB implements the repository database interfaces.
var (
	_ repository.DatabaseHealth = (*DB)(nil)
	_ repository.Migrator       = (*DB)(nil)
)

// NewRepositories returns the SQLite object and task repositories.
func NewRepositories(db *DB) *repository.Repositories {
	return &repository.Repositories{
		Objects: NewObjectRepository(db),
		Tasks:   NewTaskRepository(db),
	}
}
