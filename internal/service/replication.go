package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/lock"
	"github.com/prn-tf/sealstore/internal/metrics"
	"github.com/prn-tf/sealstore/internal/repository"
)

// ReplicationScheduler copies objects from the primary region to the
// replication targets. Each upload schedules an immediate copy per target;
// an hourly sweep retries pending copies until the retry ceiling.
type ReplicationScheduler struct {
	*syncScheduler
	targets []domain.StorageRegion
}

// newReplicationScheduler creates a replication scheduler for the given targets.
func newReplicationScheduler(
	c *copier,
	tasks repository.TaskRepository,
	locker lock.Locker,
	m *metrics.Metrics,
	logger zerolog.Logger,
	config SweepConfig,
	targets []domain.StorageRegion,
) *ReplicationScheduler {
	config = config.withDefaults(DefaultReplicationConfig())
	return &ReplicationScheduler{
		syncScheduler: newSyncScheduler(
			domain.TaskReplication,
			c,
			tasks,
			locker,
			m,
			logger.With().Str("service", "replication").Logger(),
			config,
			lock.Keys.ReplicationSweep(),
		),
		targets: targets,
	}
}

// Schedule creates replication tasks for a newly stored object and starts
// copying before returning. Replicas are full copies written under the
// object's bucket and key in each target region's bucket.
func (r *ReplicationScheduler) Schedule(ctx context.Context, record *domain.ObjectRecord) (domain.SyncStatus, error) {
	return r.schedule(ctx, record, r.targets, func(domain.StorageRegion) string {
		return domain.ReplicaKey(record.Bucket, record.Key)
	})
}

// Targets returns the replication target regions.
func (r *ReplicationScheduler) Targets() []domain.StorageRegion {
	return append([]domain.StorageRegion(nil), r.targets...)
}
