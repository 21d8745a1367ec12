package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/lock"
	"github.com/prn-tf/sealstore/internal/metrics"
	"github.com/prn-tf/sealstore/internal/repository"
	"github.com/prn-tf/sealstore/internal/storage"
)

// BackupScheduler writes dated backup copies to the backup regions. Each
// upload schedules an immediate backup; a daily sweep retries pending
// backups and enforces retention.
//
// Retention is delegated to the backend's native lifecycle policy where one
// was installed. Elsewhere the sweep deletes expired copies itself.
type BackupScheduler struct {
	*syncScheduler
	targets       []domain.StorageRegion
	retentionDays int

	// nativeLifecycle holds the region ids whose backend expires backups.
	nativeLifecycle map[string]bool

	now func() time.Time
}

// newBackupScheduler creates a backup scheduler.
func newBackupScheduler(
	c *copier,
	tasks repository.TaskRepository,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config SweepConfig,
	targets []domain.StorageRegion,
	retentionDays int,
	nativeLifecycle map[string]bool,
) *BackupScheduler {
	config = config.withDefaults(DefaultBackupConfig())
	b := &BackupScheduler{
		syncScheduler: newSyncScheduler(
			domain.TaskBackup,
			c,
			tasks,
			locker,
			m,
			logger.With().Str("service", "backup").Logger(),
			config,
			lock.Keys.BackupSweep(),
		),
		targets:         targets,
		retentionDays:   retentionDays,
		nativeLifecycle: nativeLifecycle,
		now:             time.Now,
	}
	b.after = b.enforceRetention
	return b
}

// Schedule creates backup tasks for a newly stored object and starts
// copying before returning.
func (b *BackupScheduler) Schedule(ctx context.Context, record *domain.ObjectRecord) (domain.SyncStatus, error) {
	at := b.now()
	return b.schedule(ctx, record, b.targets, func(domain.StorageRegion) string {
		return domain.BackupKey(record.Bucket, record.Key, at)
	})
}

// enforceRetention removes completed backups older than the retention period.
// Copies in regions with a native lifecycle rule are left to the backend;
// only their task records are dropped.
func (b *BackupScheduler) enforceRetention(ctx context.Context, result *SweepResult) {
	if b.retentionDays <= 0 {
		return
	}

	cutoff := b.now().Add(-time.Duration(b.retentionDays) * 24 * time.Hour)
	expired, err := b.tasks.ListCompletedBefore(ctx, domain.TaskBackup, cutoff, b.config.BatchSize)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to list expired backups")
		result.Errors++
		return
	}

	for _, task := range expired {
		if !b.nativeLifecycle[task.TargetRegion] {
			if err := b.deleteCopy(ctx, task); err != nil {
				b.logger.Error().
					Err(err).
					Stringer("task", task).
					Msg("Failed to delete expired backup")
				result.Errors++
				continue
			}
		}

		if err := b.tasks.Delete(ctx, task.ID); err != nil {
			b.logger.Error().Err(err).Stringer("task", task).Msg("Failed to delete expired backup task")
			result.Errors++
			continue
		}
		result.Expired++
	}

	if result.Expired > 0 {
		b.logger.Info().
			Int("expired", result.Expired).
			Int("retention_days", b.retentionDays).
			Msg("Removed expired backups")
	}
}

func (b *BackupScheduler) deleteCopy(ctx context.Context, task *domain.SyncTask) error {
	target, ok := b.copier.registry.Get(task.TargetRegion)
	if !ok {
		// Region removed from configuration; nothing reachable to delete.
		return nil
	}

	delCtx, cancel := b.copier.withTimeout(ctx)
	defer cancel()
	err := b.copier.backend.Delete(delCtx, storage.Location{
		Region: target,
		Bucket: b.copier.cfg.BucketFor(target, ""),
		Key:    task.TargetKey,
	})
	if err != nil && !storage.IsNotFound(err) {
		return err
	}
	return nil
}

// Targets returns the backup regions.
func (b *BackupScheduler) Targets() []domain.StorageRegion {
	return append([]domain.StorageRegion(nil), b.targets...)
}
