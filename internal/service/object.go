package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/lock"
	"github.com/prn-tf/sealstore/internal/optimizer"
	"github.com/prn-tf/sealstore/internal/pkg/crypto"
	"github.com/prn-tf/sealstore/internal/repository"
	"github.com/prn-tf/sealstore/internal/storage"
)

// StoreOption customizes one store call.
type StoreOption func(*storeOptions)

type storeOptions struct {
	timeout time.Duration
}

// WithTimeout bounds the primary upload. It overrides the configured
// operation timeout for this call.
func WithTimeout(d time.Duration) StoreOption {
	return func(o *storeOptions) {
		o.timeout = d
	}
}

// StoreEncryptedObject durably writes a pre-encrypted object to the primary
// region and schedules replication and backup.
//
// The call succeeds if and only if the primary put and the catalog write
// succeed. Replication and backup run in the background; the returned
// statuses are a snapshot and later changes must be read with ObjectStatus.
func (e *Engine) StoreEncryptedObject(ctx context.Context, req domain.StoredObjectRequest, opts ...StoreOption) (*domain.EnhancedStorageResult, error) {
	start := time.Now()

	o := storeOptions{timeout: e.cfg.Storage.OperationTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	rt, err := e.ready(ctx)
	if err != nil {
		return nil, e.uploadFailed(nil, req.ObjectID, domain.ErrNotReady, err, start)
	}

	if err := req.Validate(); err != nil {
		return nil, e.uploadFailed(rt, req.ObjectID, domain.ErrInvalidRequest, err, start)
	}
	payload, err := req.Combine()
	if err != nil {
		return nil, e.uploadFailed(rt, req.ObjectID, domain.ErrInvalidRequest, err, start)
	}

	primary := rt.registry.Primary()
	bucket := e.cfg.Storage.BucketFor(primary, req.Bucket)
	if bucket == "" {
		return nil, e.uploadFailed(rt, req.ObjectID, domain.ErrInvalidRequest, errors.New("no bucket in request or configuration"), start)
	}

	release, err := e.reserve(ctx, req.ObjectID, bucket, req.Key, 0, domain.ErrObjectExists)
	if err != nil {
		return nil, e.uploadFailed(rt, req.ObjectID, domain.ErrorKind(err), err, start)
	}
	defer release()

	if err := e.checkUnique(ctx, req.ObjectID, bucket, req.Key); err != nil {
		return nil, e.uploadFailed(rt, req.ObjectID, domain.ErrorKind(err), err, start)
	}

	optimized, err := rt.optimizer.Optimize(ctx, payload.Bytes)
	if err != nil {
		return nil, e.uploadFailed(rt, req.ObjectID, domain.ErrBackendUnavailable, err, start)
	}

	record := &domain.ObjectRecord{
		ObjectID:        req.ObjectID,
		Bucket:          bucket,
		Key:             req.Key,
		Provider:        primary.Provider,
		Region:          primary.ID,
		Size:            optimized.StoredSize,
		OriginalSize:    optimized.OriginalSize,
		ContentChecksum: optimized.ContentChecksum,
		Codec:           optimized.Codec,
		IVLength:        payload.IVLength,
		TagLength:       payload.TagLength,
		WrappedDEK:      req.WrappedDEK,
		DEKID:           req.DEKID,
		StorageClass:    primary.CostTier.StorageClass(),
		LifecyclePolicy: e.cfg.Storage.LifecyclePolicyName(),
		CreatedAt:       time.Now().UTC(),
	}

	body := optimized.Data
	if optimized.Duplicate != nil {
		if stub, ok := e.referenceStub(ctx, rt, optimized, record); ok {
			body = stub
		} else {
			var zero int64
			optimized.DedupSavedBytes = &zero
		}
	}
	record.Checksum = crypto.ComputeSHA256(body)

	writtenCost := EstimateCost(int64(len(body)), e.cfg.Storage.BaseCostPerGB, primary.CostTier)
	record.CostEstimate = writtenCost

	putCtx, cancel := withOptionalTimeout(ctx, o.timeout)
	put, err := rt.backend.Put(putCtx, storage.Location{Region: primary, Bucket: bucket, Key: req.Key}, body, storage.PutOptions{
		StorageClass:  record.StorageClass,
		EncryptAtRest: e.cfg.Storage.Security.EncryptionAtRest,
		Checksum:      record.Checksum,
		Metadata: map[string]string{
			"object-id":  record.ObjectID,
			"codec":      record.Codec,
			"iv-length":  strconv.Itoa(record.IVLength),
			"tag-length": strconv.Itoa(record.TagLength),
			"reference":  strconv.FormatBool(record.IsReference()),
		},
	})
	cancel()
	if err != nil {
		return nil, e.uploadFailed(rt, req.ObjectID, storage.Classify(err), err, start)
	}
	record.VersionID = put.VersionID

	if err := e.deps.Objects.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, e.uploadFailed(rt, req.ObjectID, domain.ErrObjectExists, err, start)
		}
		e.compensate(rt, primary, bucket, req.Key)
		return nil, e.uploadFailed(rt, req.ObjectID, domain.ErrCatalogUnavailable, err, start)
	}

	if !record.IsReference() {
		entry := repository.DedupEntry{ObjectID: record.ObjectID, Bucket: bucket, Key: req.Key}
		if _, err := rt.optimizer.Remember(ctx, record.ContentChecksum, entry); err != nil {
			e.logger.Warn().Err(err).Str("object_id", record.ObjectID).Msg("Failed to register content in dedup index")
		}
	}

	replicationStatus := domain.SyncStatusDisabled
	if e.cfg.Storage.Security.ReplicationEnabled {
		replicationStatus, err = rt.replication.Schedule(ctx, record)
		if err != nil {
			e.logger.Error().Err(err).Str("object_id", record.ObjectID).Msg("Failed to schedule replication")
		}
	}
	backupStatus := domain.SyncStatusDisabled
	if e.cfg.Storage.Backup.Enabled {
		backupStatus, err = rt.backup.Schedule(ctx, record)
		if err != nil {
			e.logger.Error().Err(err).Str("object_id", record.ObjectID).Msg("Failed to schedule backup")
		}
	}

	result := &domain.EnhancedStorageResult{
		ObjectID:          record.ObjectID,
		Bucket:            bucket,
		Key:               record.Key,
		WrappedDEK:        record.WrappedDEK,
		DEKID:             record.DEKID,
		CreatedAt:         record.CreatedAt,
		Provider:          primary.Provider,
		Region:            primary.ID,
		Size:              optimized.StoredSize,
		Checksum:          optimized.ContentChecksum,
		VersionID:         record.VersionID,
		ReplicationStatus: replicationStatus,
		BackupStatus:      backupStatus,
		CostEstimate:      EstimateCost(optimized.StoredSize, e.cfg.Storage.BaseCostPerGB, primary.CostTier),
		Metadata: domain.ObjectMetadata{
			CompressionRatio:        optimized.CompressionRatio,
			DeduplicationSavedBytes: optimized.DedupSavedBytes,
			Codec:                   record.Codec,
			StorageClass:            record.StorageClass,
			LifecyclePolicy:         record.LifecyclePolicy,
		},
	}

	duration := time.Since(start)
	event := domain.NewStorageEvent(domain.EventUpload, record.ObjectID, primary.Provider, primary.ID).
		WithSize(record.Size).
		WithDuration(duration).
		With(domain.MetaCost, strconv.FormatFloat(writtenCost, 'f', -1, 64)).
		With(domain.MetaCodec, record.Codec).
		With(domain.MetaDedup, strconv.FormatBool(record.IsReference())).
		With(domain.MetaStorageClass, record.StorageClass)
	if result.Metadata.CompressionRatio != nil {
		event = event.With(domain.MetaCompressionRatio, strconv.FormatFloat(*result.Metadata.CompressionRatio, 'f', 4, 64))
	}
	if result.Metadata.DeduplicationSavedBytes != nil {
		event = event.With(domain.MetaDedupSaved, strconv.FormatInt(*result.Metadata.DeduplicationSavedBytes, 10))
	}
	if record.VersionID != "" {
		event = event.With(domain.MetaVersionID, record.VersionID)
	}
	e.bus.Emit(event)

	e.logger.Debug().
		Str("object_id", record.ObjectID).
		Str("bucket", bucket).
		Str("key", record.Key).
		Int64("size", record.Size).
		Str("codec", record.Codec).
		Bool("dedup", record.IsReference()).
		Dur("duration", duration).
		Msg("Object stored")

	return result, nil
}

// uploadLockTTL bounds how long a crashed upload keeps its key reserved.
// Live reservations are renewed.
const uploadLockTTL = 30 * time.Second

// reserve takes the locks on an object id and its bucket/key, so the
// uniqueness check, the primary put and the catalog write of one upload
// cannot interleave with another upload or delete of either. A lock held
// elsewhere is retried up to retries times before failing with busy.
func (e *Engine) reserve(ctx context.Context, objectID, bucket, key string, retries int, busy error) (func(), error) {
	var leases []*lock.Lease
	release := func() {
		for i := len(leases) - 1; i >= 0; i-- {
			if err := leases[i].Release(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn().Err(err).Str("lock", leases[i].Key()).Msg("Failed to release upload lock")
			}
		}
	}

	for _, name := range []string{lock.Keys.Object(objectID), lock.Keys.ObjectKey(bucket, key)} {
		lease, err := lock.AcquireWithRetry(ctx, e.deps.Locker, name, uploadLockTTL, retries, 20*time.Millisecond)
		if err != nil {
			release()
			return nil, fmt.Errorf("%w: lock %s: %v", domain.ErrBackendUnavailable, name, err)
		}
		if lease == nil {
			release()
			return nil, fmt.Errorf("%w: %s/%s is in use by another request", busy, bucket, key)
		}
		leases = append(leases, lease)
	}
	return release, nil
}

// checkUnique rejects a store whose object id or key is already in use.
// A key is in use while any record is stored there, reference stubs
// included, or shares the bytes stored there.
func (e *Engine) checkUnique(ctx context.Context, objectID, bucket, key string) error {
	_, err := e.deps.Objects.GetByID(ctx, objectID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: object id %s", domain.ErrObjectExists, objectID)
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
	}

	inUse, err := e.deps.Objects.KeyInUse(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
	}
	if inUse {
		return fmt.Errorf("%w: key %s/%s", domain.ErrObjectExists, bucket, key)
	}
	return nil
}

// referenceStub prepares record as a reference to the duplicate's bytes.
// It returns false when the duplicate is gone and a full copy must be stored.
func (e *Engine) referenceStub(ctx context.Context, rt *runtime, optimized *optimizer.Result, record *domain.ObjectRecord) ([]byte, bool) {
	dup := optimized.Duplicate
	original, err := e.deps.Objects.GetByID(ctx, dup.ObjectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if err := rt.optimizer.Forget(ctx, optimized.ContentChecksum); err != nil {
				e.logger.Warn().Err(err).Str("checksum", optimized.ContentChecksum).Msg("Failed to forget stale dedup entry")
			}
		} else {
			e.logger.Warn().Err(err).Str("object_id", dup.ObjectID).Msg("Failed to load dedup original, storing full copy")
		}
		return nil, false
	}

	stub, err := optimizer.EncodeStub(*dup, optimized.ContentChecksum)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to encode reference stub, storing full copy")
		return nil, false
	}

	record.ReferenceBucket = dup.Bucket
	record.ReferenceKey = dup.Key
	record.Codec = original.Codec
	return stub, true
}

// compensate removes bytes written for an upload whose catalog write failed.
func (e *Engine) compensate(rt *runtime, region domain.StorageRegion, bucket, key string) {
	ctx, cancel := withOptionalTimeout(context.Background(), e.cfg.Storage.OperationTimeout)
	defer cancel()
	if err := rt.backend.Delete(ctx, storage.Location{Region: region, Bucket: bucket, Key: key}); err != nil {
		e.logger.Error().Err(err).Str("bucket", bucket).Str("key", key).Msg("Failed to remove orphaned upload")
	}
}

// uploadFailed emits an error event for a failed upload and returns the
// caller-facing error. rt may be nil when the engine is not ready.
func (e *Engine) uploadFailed(rt *runtime, objectID string, kind error, cause error, start time.Time) error {
	if kind == nil {
		kind = domain.ErrBackendUnavailable
	}

	var provider domain.Provider
	var region string
	if rt != nil {
		primary := rt.registry.Primary()
		provider, region = primary.Provider, primary.ID
	}

	e.bus.Emit(domain.NewStorageEvent(domain.EventError, objectID, provider, region).
		WithDuration(time.Since(start)).
		WithError(cause).
		With(domain.MetaOperation, string(domain.EventUpload)).
		With(domain.MetaErrorKind, domain.ErrorKindName(kind)))

	e.logger.Warn().Err(cause).Str("object_id", objectID).Str("kind", domain.ErrorKindName(kind)).Msg("Upload failed")

	serr := domain.NewStorageError(kind, objectID, cause)
	serr.Provider, serr.Region = string(provider), region
	return serr
}

// =============================================================================
// Retrieval
// =============================================================================

// RetrieveObject reads an object back, verifies its checksum and reverses
// the content optimization. The primary region is tried first, then each
// completed replica. Corrupted bytes are never returned.
func (e *Engine) RetrieveObject(ctx context.Context, objectID string) (*domain.RetrievedObject, error) {
	start := time.Now()

	rt, err := e.ready(ctx)
	if err != nil {
		return nil, domain.NewStorageError(domain.ErrNotReady, objectID, err)
	}

	record, err := e.deps.Objects.GetByID(ctx, objectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewStorageError(domain.ErrObjectNotFound, objectID, nil)
		}
		return nil, e.opFailed(domain.EventDownload, objectID, domain.ErrCatalogUnavailable, err, start)
	}

	data, region, err := e.readVerified(ctx, rt, record)
	if err != nil {
		kind := domain.ErrorKind(err)
		if kind == nil {
			kind = storage.Classify(err)
		}
		return nil, e.opFailed(domain.EventDownload, objectID, kind, err, start)
	}

	restored, err := rt.optimizer.Restore(record.Codec, data)
	if err != nil {
		return nil, e.opFailed(domain.EventDownload, objectID, domain.ErrIntegrityFailure, err, start)
	}
	if int64(len(restored)) != record.OriginalSize {
		err := fmt.Errorf("%w: restored %d bytes, expected %d", domain.ErrIntegrityFailure, len(restored), record.OriginalSize)
		return nil, e.opFailed(domain.EventDownload, objectID, domain.ErrIntegrityFailure, err, start)
	}

	ciphertext, iv, tag, err := domain.Payload{Bytes: restored, IVLength: record.IVLength, TagLength: record.TagLength}.Split()
	if err != nil {
		return nil, e.opFailed(domain.EventDownload, objectID, domain.ErrIntegrityFailure, err, start)
	}

	e.bus.Emit(domain.NewStorageEvent(domain.EventDownload, objectID, region.Provider, region.ID).
		WithSize(int64(len(data))).
		WithDuration(time.Since(start)))

	return &domain.RetrievedObject{
		ObjectID:   record.ObjectID,
		Bucket:     record.Bucket,
		Key:        record.Key,
		Region:     region.ID,
		WrappedDEK: record.WrappedDEK,
		DEKID:      record.DEKID,
		Ciphertext: ciphertext,
		IV:         iv,
		AuthTag:    tag,
		Checksum:   record.ContentChecksum,
		CreatedAt:  record.CreatedAt,
	}, nil
}

// readVerified returns the object's physical bytes from the first source whose
// copy matches the content checksum.
func (e *Engine) readVerified(ctx context.Context, rt *runtime, record *domain.ObjectRecord) ([]byte, domain.StorageRegion, error) {
	type source struct {
		region domain.StorageRegion
		loc    storage.Location
	}

	primary, ok := rt.registry.Get(record.Region)
	if !ok {
		primary = rt.registry.Primary()
	}
	bucket, key := record.DataLocation()
	sources := []source{{region: primary, loc: storage.Location{Region: primary, Bucket: bucket, Key: key}}}

	tasks, err := e.deps.Tasks.ListByObject(ctx, record.ObjectID)
	if err != nil {
		e.logger.Warn().Err(err).Str("object_id", record.ObjectID).Msg("Failed to list replicas, reading primary only")
	}
	for _, task := range tasks {
		if task.Kind != domain.TaskReplication || task.Status != domain.SyncStatusCompleted {
			continue
		}
		region, ok := rt.registry.Get(task.TargetRegion)
		if !ok {
			continue
		}
		sources = append(sources, source{
			region: region,
			loc:    storage.Location{Region: region, Bucket: e.cfg.Storage.BucketFor(region, ""), Key: task.TargetKey},
		})
	}

	var lastErr error
	for _, src := range sources {
		getCtx, cancel := withOptionalTimeout(ctx, e.cfg.Storage.OperationTimeout)
		data, err := rt.backend.Get(getCtx, src.loc)
		cancel()
		if err != nil {
			e.logger.Warn().Err(err).Str("object_id", record.ObjectID).Str("region", src.region.ID).Msg("Failed to read object copy")
			lastErr = err
			continue
		}
		if !crypto.VerifySHA256(data, record.ContentChecksum) {
			e.logger.Error().Str("object_id", record.ObjectID).Str("region", src.region.ID).Msg("Object copy failed checksum verification")
			lastErr = fmt.Errorf("%w: copy in %s", domain.ErrIntegrityFailure, src.region.ID)
			continue
		}
		return data, src.region, nil
	}
	return nil, domain.StorageRegion{}, lastErr
}

// =============================================================================
// Status and Delete
// =============================================================================

// ObjectStatus returns the current replication and backup status of an object.
func (e *Engine) ObjectStatus(ctx context.Context, objectID string) (*domain.ObjectStatus, error) {
	if _, err := e.ready(ctx); err != nil {
		return nil, domain.NewStorageError(domain.ErrNotReady, objectID, err)
	}

	if _, err := e.deps.Objects.GetByID(ctx, objectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewStorageError(domain.ErrObjectNotFound, objectID, nil)
		}
		return nil, domain.NewStorageError(domain.ErrCatalogUnavailable, objectID, err)
	}

	tasks, err := e.deps.Tasks.ListByObject(ctx, objectID)
	if err != nil {
		return nil, domain.NewStorageError(domain.ErrCatalogUnavailable, objectID, err)
	}

	return &domain.ObjectStatus{
		ObjectID:          objectID,
		ReplicationStatus: e.statusOf(tasks, domain.TaskReplication, e.cfg.Storage.Security.ReplicationEnabled),
		BackupStatus:      e.statusOf(tasks, domain.TaskBackup, e.cfg.Storage.Backup.Enabled),
		Tasks:             tasks,
	}, nil
}

func (e *Engine) statusOf(tasks []*domain.SyncTask, kind domain.TaskKind, enabled bool) domain.SyncStatus {
	status := domain.AggregateStatus(tasks, kind)
	if status != "" {
		return status
	}
	if !enabled {
		return domain.SyncStatusDisabled
	}
	// Enabled with no targets.
	return domain.SyncStatusCompleted
}

// deleteLockRetries lets a delete wait about a second for an upload of the
// same key to finish.
const deleteLockRetries = 50

// DeleteObject removes an object, its replicas and backups, and its catalog
// entry. Physical bytes shared through deduplication are kept until the last
// reference is deleted.
func (e *Engine) DeleteObject(ctx context.Context, objectID string) error {
	start := time.Now()

	rt, err := e.ready(ctx)
	if err != nil {
		return domain.NewStorageError(domain.ErrNotReady, objectID, err)
	}

	record, err := e.deps.Objects.GetByID(ctx, objectID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NewStorageError(domain.ErrObjectNotFound, objectID, nil)
		}
		return e.opFailed(domain.EventDelete, objectID, domain.ErrCatalogUnavailable, err, start)
	}

	release, err := e.reserve(ctx, record.ObjectID, record.Bucket, record.Key, deleteLockRetries, domain.ErrTimeout)
	if err != nil {
		return e.opFailed(domain.EventDelete, objectID, domain.ErrorKind(err), err, start)
	}
	defer release()

	tasks, err := e.deps.Tasks.ListByObject(ctx, objectID)
	if err != nil {
		return e.opFailed(domain.EventDelete, objectID, domain.ErrCatalogUnavailable, err, start)
	}

	if err := e.deps.Objects.Delete(ctx, objectID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Deleted by a concurrent request.
			return domain.NewStorageError(domain.ErrObjectNotFound, objectID, nil)
		}
		return e.opFailed(domain.EventDelete, objectID, domain.ErrCatalogUnavailable, err, start)
	}

	primary, ok := rt.registry.Get(record.Region)
	if !ok {
		primary = rt.registry.Primary()
	}

	var failures int
	remove := func(loc storage.Location) {
		delCtx, cancel := withOptionalTimeout(ctx, e.cfg.Storage.OperationTimeout)
		defer cancel()
		if err := rt.backend.Delete(delCtx, loc); err != nil && !storage.IsNotFound(err) {
			failures++
			e.logger.Warn().Err(err).Str("object_id", objectID).Str("region", loc.Region.ID).Str("key", loc.Key).Msg("Failed to delete object copy")
		}
	}

	if record.IsReference() {
		remove(storage.Location{Region: primary, Bucket: record.Bucket, Key: record.Key})
	}

	bucket, key := record.DataLocation()
	refs, err := e.deps.Objects.CountDataReferences(ctx, bucket, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("object_id", objectID).Msg("Failed to count references, keeping shared bytes")
	} else if refs == 0 {
		remove(storage.Location{Region: primary, Bucket: bucket, Key: key})
		if err := rt.optimizer.Forget(ctx, record.ContentChecksum); err != nil {
			e.logger.Warn().Err(err).Str("object_id", objectID).Msg("Failed to forget dedup entry")
		}
	}

	for _, task := range tasks {
		if task.Status == domain.SyncStatusCompleted {
			if region, ok := rt.registry.Get(task.TargetRegion); ok {
				remove(storage.Location{Region: region, Bucket: e.cfg.Storage.BucketFor(region, ""), Key: task.TargetKey})
			}
		}
	}
	if err := e.deps.Tasks.DeleteByObject(ctx, objectID); err != nil {
		e.logger.Warn().Err(err).Str("object_id", objectID).Msg("Failed to delete sync tasks")
	}

	status := string(domain.SyncStatusCompleted)
	if failures > 0 {
		status = "partial"
	}
	e.bus.Emit(domain.NewStorageEvent(domain.EventDelete, objectID, primary.Provider, primary.ID).
		WithSize(record.Size).
		WithDuration(time.Since(start)).
		With(domain.MetaStatus, status))

	e.logger.Debug().Str("object_id", objectID).Int("failed_copies", failures).Msg("Object deleted")
	return nil
}

// opFailed emits an error event for a failed read or delete and returns the
// caller-facing error.
func (e *Engine) opFailed(op domain.EventType, objectID string, kind error, cause error, start time.Time) error {
	e.bus.Emit(domain.NewStorageEvent(domain.EventError, objectID, "", "").
		WithDuration(time.Since(start)).
		WithError(cause).
		With(domain.MetaOperation, string(op)).
		With(domain.MetaErrorKind, domain.ErrorKindName(kind)))
	return domain.NewStorageError(kind, objectID, cause)
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
