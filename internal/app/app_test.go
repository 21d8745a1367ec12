package app

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/sealstore/internal/config"
	"github.com/prn-tf/sealstore/internal/domain"
)

func testConfig(driver string) *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Driver: driver},
		Storage: domain.StorageConfig{
			Provider:      domain.ProviderMemory,
			DefaultBucket: "vault",
			Regions: []domain.StorageRegion{
				{ID: "us-east-1", Primary: true, CostTier: domain.CostTierStandard},
				{ID: "eu-west-1", CostTier: domain.CostTierPremium},
			},
			Security:         domain.SecurityConfig{ReplicationEnabled: true},
			Optimization:     domain.OptimizationConfig{Deduplication: true},
			OperationTimeout: time.Second,
			BaseCostPerGB:    domain.DefaultBaseCostPerGB,
		},
		Replication: config.SchedulerConfig{Enabled: true, Interval: time.Hour, MaxAttempts: 3, BatchSize: 10, Concurrency: 2, LockTTL: time.Minute},
		Backup:      config.SchedulerConfig{Enabled: false, Interval: 24 * time.Hour, MaxAttempts: 2},
		Events:      config.EventsConfig{QueueSize: 16},
		Metrics:     config.MetricsConfig{Enabled: true, PollInterval: time.Minute},
		Logging:     config.LoggingConfig{Level: "info"},
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := testConfig("memory")

	got := EngineConfig(cfg, true)
	require.True(t, got.RunSchedulers)
	require.Equal(t, time.Minute, got.MetricsPollInterval)
	require.Equal(t, 3, got.Replication.MaxAttempts)
	require.Equal(t, 2, got.Replication.Concurrency)
	require.Equal(t, time.Minute, got.Replication.LockTTL)
	require.False(t, got.Backup.Enabled)
	require.Equal(t, cfg.Storage.Regions, got.Storage.Regions)

	cfg.Metrics.Enabled = false
	require.Zero(t, EngineConfig(cfg, false).MetricsPollInterval)
}

func TestOpenRepositories(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		repos, db, err := OpenRepositories(ctx, config.DatabaseConfig{Driver: "memory"}, false, zerolog.Nop())
		require.NoError(t, err)
		require.NotNil(t, repos.Objects)
		require.NotNil(t, repos.Tasks)
		require.NoError(t, db.Health(ctx))
	})

	t.Run("sqlite migrates on open", func(t *testing.T) {
		cfg := config.DatabaseConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "catalog.db"),
			AutoMigrate: true,
		}
		repos, db, err := OpenRepositories(ctx, cfg, false, zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })

		objects, bytes, err := repos.Objects.Totals(ctx)
		require.NoError(t, err)
		require.Zero(t, objects)
		require.Zero(t, bytes)
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, _, err := OpenRepositories(ctx, config.DatabaseConfig{Driver: "mysql"}, false, zerolog.Nop())
		require.ErrorContains(t, err, "unsupported database driver")
	})
}

func TestApp_StoreAndExposeMetrics(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, testConfig("memory"), Options{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	require.NoError(t, a.Engine.Initialize(ctx))

	enc := base64.StdEncoding
	result, err := a.Engine.StoreEncryptedObject(ctx, domain.StoredObjectRequest{
		ObjectID:   "obj-1",
		Key:        "a.bin",
		WrappedDEK: "dek",
		Ciphertext: enc.EncodeToString([]byte("ciphertext")),
		IV:         enc.EncodeToString([]byte("iv-123456789")),
		AuthTag:    enc.EncodeToString([]byte("tag-0123456789ab")),
	})
	require.NoError(t, err)
	require.Equal(t, "us-east-1", result.Region)

	require.Eventually(t, func() bool {
		families, err := a.Registry.Gather()
		if err != nil {
			return false
		}
		for _, mf := range families {
			if mf.GetName() == "sealstore_events_total" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, int64(1), a.Engine.GetMetrics().TotalObjects)
}

func TestApp_CloseStopsEngine(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, testConfig("memory"), Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.ErrorIs(t, a.Engine.Initialize(ctx), domain.ErrNotReady)
	require.NoError(t, a.Close())
}

func TestNewLogger(t *testing.T) {
	logger, closer, err := NewLogger(config.LoggingConfig{Level: "WARN", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	require.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	path := filepath.Join(t.TempDir(), "sealstore.log")
	_, closer, err = NewLogger(config.LoggingConfig{Level: "debug", Output: path})
	require.NoError(t, err)
	require.NoError(t, closer.Close())

	_, _, err = NewLogger(config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "loud"))
}

func TestOpenMigratable(t *testing.T) {
	ctx := context.Background()

	db, err := OpenMigratable(ctx, config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "m.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	version, err := db.Version(ctx)
	require.NoError(t, err)
	require.Zero(t, version)

	require.NoError(t, db.Migrate(ctx))
	version, err = db.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, version)

	_, err = OpenMigratable(ctx, config.DatabaseConfig{Driver: "memory"}, zerolog.Nop())
	require.Error(t, err)
}
