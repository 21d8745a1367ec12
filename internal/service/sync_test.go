package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/events"
	"github.com/prn-tf/sealstore/internal/lock"
	"github.com/prn-tf/sealstore/internal/pkg/crypto"
	"github.com/prn-tf/sealstore/internal/repository"
	repomemory "github.com/prn-tf/sealstore/internal/repository/memory"
	"github.com/prn-tf/sealstore/internal/storage"
)

type copierFixture struct {
	copier  *copier
	backend *storage.MemoryBackend
	repos   *repository.Repositories
	bus     *events.Bus
	events  *eventRecorder
	record  *domain.ObjectRecord
	source  domain.StorageRegion
	target  domain.StorageRegion
}

func newCopierFixture(t *testing.T, data []byte) *copierFixture {
	t.Helper()

	cfg := testConfig().Storage
	registry, err := domain.NewRegionRegistry(cfg.Provider, cfg.Regions)
	require.NoError(t, err)

	backend := storage.NewMemoryBackend(false)
	repos := repomemory.New()
	bus := events.NewBus(0, zerolog.Nop())
	rec := &eventRecorder{}
	bus.Subscribe(rec)
	bus.Start()
	t.Cleanup(bus.Stop)

	locker := lock.NewMemoryLocker()
	t.Cleanup(locker.Stop)

	source := registry.Primary()
	target, _ := registry.Get(replicaRegion)

	ctx := context.Background()
	_, err = backend.Put(ctx, storage.Location{Region: source, Bucket: testBucket, Key: "a.bin"}, data, storage.PutOptions{})
	require.NoError(t, err)

	checksum := crypto.ComputeSHA256(data)
	record := &domain.ObjectRecord{
		ObjectID:        "obj-1",
		Bucket:          testBucket,
		Key:             "a.bin",
		Region:          source.ID,
		Size:            int64(len(data)),
		OriginalSize:    int64(len(data)),
		Checksum:        checksum,
		ContentChecksum: checksum,
		Codec:           "identity",
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, repos.Objects.Create(ctx, record))

	return &copierFixture{
		copier: &copier{
			backend:   backend,
			objects:   repos.Objects,
			tasks:     repos.Tasks,
			registry:  registry,
			cfg:       cfg,
			bus:       bus,
			locker:    locker,
			logger:    zerolog.Nop(),
			opTimeout: time.Second,
		},
		backend: backend,
		repos:   repos,
		bus:     bus,
		events:  rec,
		record:  record,
		source:  source,
		target:  target,
	}
}

func (f *copierFixture) newTask(t *testing.T, kind domain.TaskKind, key string) *domain.SyncTask {
	t.Helper()
	task := domain.NewSyncTask(kind, f.record, f.target, key)
	require.NoError(t, f.repos.Tasks.Create(context.Background(), task))
	return task
}

func TestCopier_Process(t *testing.T) {
	tests := []struct {
		name        string
		prepare     func(t *testing.T, f *copierFixture)
		maxAttempts int
		attempts    int
		want        outcome
		wantStatus  domain.SyncStatus
		wantKind    string
	}{
		{
			name:        "copies and completes",
			maxAttempts: 3,
			want:        outcomeCompleted,
			wantStatus:  domain.SyncStatusCompleted,
		},
		{
			name: "corrupted source is retried",
			prepare: func(t *testing.T, f *copierFixture) {
				require.NoError(t, f.backend.Corrupt(storage.Location{Region: f.source, Bucket: testBucket, Key: "a.bin"}))
			},
			maxAttempts: 3,
			want:        outcomeRetry,
			wantStatus:  domain.SyncStatusPending,
			wantKind:    "integrity_failure",
		},
		{
			name: "missing source fails at the ceiling",
			prepare: func(t *testing.T, f *copierFixture) {
				require.NoError(t, f.backend.Delete(context.Background(), storage.Location{Region: f.source, Bucket: testBucket, Key: "a.bin"}))
			},
			maxAttempts: 3,
			attempts:    2,
			want:        outcomeFailed,
			wantStatus:  domain.SyncStatusFailed,
			wantKind:    "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCopierFixture(t, []byte("ciphertext-iv-tag"))
			if tt.prepare != nil {
				tt.prepare(t, f)
			}
			task := f.newTask(t, domain.TaskReplication, "a.bin")
			task.Attempts = tt.attempts
			require.NoError(t, f.repos.Tasks.Update(context.Background(), task))

			got := f.copier.process(context.Background(), task, tt.maxAttempts)
			require.Equal(t, tt.want, got)

			stored, err := f.repos.Tasks.GetByID(context.Background(), task.ID)
			require.NoError(t, err)
			require.Equal(t, tt.wantStatus, stored.Status)

			if tt.wantKind == "" {
				data, err := f.backend.Get(context.Background(), storage.Location{Region: f.target, Bucket: testBucket, Key: "a.bin"})
				require.NoError(t, err)
				require.Equal(t, []byte("ciphertext-iv-tag"), data)
				return
			}

			require.Eventually(t, func() bool {
				errs := f.events.find(func(ev domain.StorageEvent) bool { return ev.Type == domain.EventError })
				return len(errs) == 1 && errs[0].Metadata[domain.MetaErrorKind] == tt.wantKind
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestCopier_SkipsTerminalAndLockedTasks(t *testing.T) {
	f := newCopierFixture(t, []byte("data"))
	ctx := context.Background()

	done := f.newTask(t, domain.TaskReplication, "a.bin")
	done.MarkCompleted()
	require.NoError(t, f.repos.Tasks.Update(ctx, done))
	require.Equal(t, outcomeSkipped, f.copier.process(ctx, done, 3))

	locked := f.newTask(t, domain.TaskReplication, "a.bin")
	token, err := f.copier.locker.Acquire(ctx, lock.Keys.Task(locked.ID), time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, outcomeSkipped, f.copier.process(ctx, locked, 3))

	stored, err := f.repos.Tasks.GetByID(ctx, locked.ID)
	require.NoError(t, err)
	require.Equal(t, 0, stored.Attempts)
}

func TestCopier_DropsTasksOfDeletedObjects(t *testing.T) {
	f := newCopierFixture(t, []byte("data"))
	ctx := context.Background()

	task := f.newTask(t, domain.TaskBackup, domain.BackupKey("vault", "a.bin", time.Now()))
	require.NoError(t, f.repos.Objects.Delete(ctx, "obj-1"))

	require.Equal(t, outcomeSkipped, f.copier.process(ctx, task, 3))
	_, err := f.repos.Tasks.GetByID(ctx, task.ID)
	require.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestCopier_InterruptedCopyKeepsAttempts(t *testing.T) {
	f := newCopierFixture(t, []byte("data"))
	task := f.newTask(t, domain.TaskReplication, "a.bin")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// A cancelled context never counts as an attempt.
	require.Equal(t, outcomeSkipped, f.copier.process(ctx, task, 3))

	stored, err := f.repos.Tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, 0, stored.Attempts)
	require.Equal(t, domain.SyncStatusPending, stored.Status)
}

func TestSyncScheduler_StartRetriesOnInterval(t *testing.T) {
	backend := newFaultyBackend()
	backend.failPuts(replicaRegion, errors.New("unavailable"))

	cfg := testConfig()
	cfg.Storage.Backup.Enabled = false
	cfg.RunSchedulers = true
	cfg.Replication = SweepConfig{Enabled: true, Interval: 20 * time.Millisecond, MaxAttempts: 100}
	h := newHarness(t, cfg, backend)
	ctx := context.Background()

	_, err := h.engine.StoreEncryptedObject(ctx, newRequest("obj-1", "a.bin", []byte("data")))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		tasks, err := h.repos.Tasks.ListByObject(ctx, "obj-1")
		return err == nil && len(tasks) == 1 && tasks[0].Attempts >= 2
	}, 2*time.Second, 5*time.Millisecond)

	backend.failPuts(replicaRegion, nil)
	h.waitStatus(t, "obj-1", domain.SyncStatusCompleted, domain.SyncStatusDisabled)
}

func TestSyncScheduler_ScheduleWithoutTargets(t *testing.T) {
	f := newCopierFixture(t, []byte("data"))
	s := newReplicationScheduler(f.copier, f.repos.Tasks, f.copier.locker, nil, zerolog.Nop(), SweepConfig{}, nil)
	defer s.Stop()

	status, err := s.Schedule(context.Background(), f.record)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusCompleted, status)

	tasks, err := f.repos.Tasks.ListByObject(context.Background(), "obj-1")
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestSyncScheduler_ScheduleAfterStop(t *testing.T) {
	f := newCopierFixture(t, []byte("data"))
	s := newReplicationScheduler(f.copier, f.repos.Tasks, f.copier.locker, nil, zerolog.Nop(), SweepConfig{}, []domain.StorageRegion{f.target})
	s.Stop()

	status, err := s.Schedule(context.Background(), f.record)
	require.NoError(t, err)
	require.Equal(t, domain.SyncStatusPending, status)

	// Left for the next sweep.
	result := s.RunOnce(context.Background())
	require.Equal(t, 1, result.Completed)
}

func TestSweepConfig_Defaults(t *testing.T) {
	got := SweepConfig{MaxAttempts: 7}.withDefaults(DefaultReplicationConfig())
	require.Equal(t, 7, got.MaxAttempts)
	require.Equal(t, time.Hour, got.Interval)
	require.Equal(t, 500, got.BatchSize)
	require.Equal(t, 4, got.Concurrency)

	backup := SweepConfig{}.withDefaults(DefaultBackupConfig())
	require.Equal(t, 24*time.Hour, backup.Interval)
}
