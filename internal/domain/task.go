// Package domain contains the core business entities for sealstore.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind distinguishes replication copies from backup copies.
type TaskKind string

// Task kinds.
const (
	TaskReplication TaskKind = "replication"
	TaskBackup      TaskKind = "backup"
)

// BackupPrefix is the key prefix under which backup copies are written.
const BackupPrefix = "backups"

// SyncTask tracks one copy of an object to one target region.
// State machine: pending -> completed, or pending -> failed once
// Attempts reaches the retry ceiling.
type SyncTask struct {
	ID           string     `json:"id"`
	ObjectID     string     `json:"object_id"`
	Kind         TaskKind   `json:"kind"`
	SourceRegion string     `json:"source_region"`
	TargetRegion string     `json:"target_region"`
	Bucket       string     `json:"bucket"`
	SourceKey    string     `json:"source_key"`
	TargetKey    string     `json:"target_key"`
	Status       SyncStatus `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// NewSyncTask creates a pending task.
func NewSyncTask(kind TaskKind, record *ObjectRecord, target StorageRegion, targetKey string) *SyncTask {
	now := time.Now().UTC()
	bucket, key := record.DataLocation()
	return &SyncTask{
		ID:           uuid.NewString(),
		ObjectID:     record.ObjectID,
		Kind:         kind,
		SourceRegion: record.Region,
		TargetRegion: target.ID,
		Bucket:       bucket,
		SourceKey:    key,
		TargetKey:    targetKey,
		Status:       SyncStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// MarkCompleted transitions the task to completed.
func (t *SyncTask) MarkCompleted() {
	now := time.Now().UTC()
	t.Status = SyncStatusCompleted
	t.LastError = ""
	t.UpdatedAt = now
	t.CompletedAt = &now
}

// MarkAttemptFailed records a failed attempt. The task becomes terminally
// failed once attempts reach maxAttempts. Returns true if it became terminal.
func (t *SyncTask) MarkAttemptFailed(err error, maxAttempts int) bool {
	t.Attempts++
	t.UpdatedAt = time.Now().UTC()
	if err != nil {
		t.LastError = err.Error()
	}
	if maxAttempts > 0 && t.Attempts >= maxAttempts {
		t.Status = SyncStatusFailed
		return true
	}
	t.Status = SyncStatusPending
	return false
}

// ReplicaKey returns the key of a replica in a target region's bucket.
// Replicas of every source bucket share the target bucket, so the source
// bucket is part of the key.
func ReplicaKey(bucket, key string) string {
	return bucket + "/" + key
}

// BackupKey returns the key of a backup copy taken at the given time.
func BackupKey(bucket, key string, at time.Time) string {
	return BackupPrefix + "/" + at.UTC().Format("2006/01/02") + "/" + ReplicaKey(bucket, key)
}

// AggregateStatus folds task states into one object-level status.
// Any pending task keeps the object pending; otherwise any failure fails it.
func AggregateStatus(tasks []*SyncTask, kind TaskKind) SyncStatus {
	status := SyncStatus("")
	for _, t := range tasks {
		if t.Kind != kind {
			continue
		}
		switch t.Status {
		case SyncStatusPending:
			return SyncStatusPending
		case SyncStatusFailed:
			status = SyncStatusFailed
		case SyncStatusCompleted:
			if status == "" {
				status = SyncStatusCompleted
			}
		}
	}
	return status
}

// String implements fmt.Stringer for log lines.
func (t *SyncTask) String() string {
	return fmt.Sprintf("%s %s -> %s (%s, attempt %d)", t.Kind, t.ObjectID, t.TargetRegion, t.Status, t.Attempts)
}
