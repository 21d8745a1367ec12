package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewSyncTask(t *testing.T) {
	rec := &ObjectRecord{ObjectID: "obj-1", Bucket: "vault", Key: "b.bin", Region: "us-east-1"}
	task := NewSyncTask(TaskReplication, rec, StorageRegion{ID: "eu-west-1"}, "b.bin")

	require.NotEmpty(t, task.ID)
	require.Equal(t, SyncStatusPending, task.Status)
	require.Equal(t, "us-east-1", task.SourceRegion)
	require.Equal(t, "eu-west-1", task.TargetRegion)
	require.Equal(t, "b.bin", task.SourceKey)

	// Reference stubs copy the physical bytes.
	rec.ReferenceBucket, rec.ReferenceKey = "vault", "a.bin"
	task = NewSyncTask(TaskBackup, rec, StorageRegion{ID: "us-east-1"}, "backups/x")
	require.Equal(t, "a.bin", task.SourceKey)
	require.Equal(t, "backups/x", task.TargetKey)
}

func TestSyncTask_Transitions(t *testing.T) {
	rec := &ObjectRecord{ObjectID: "obj-1", Bucket: "vault", Key: "k", Region: "a"}
	task := NewSyncTask(TaskReplication, rec, StorageRegion{ID: "b"}, "k")

	require.False(t, task.MarkAttemptFailed(errors.New("throttled"), 3))
	require.Equal(t, SyncStatusPending, task.Status)
	require.Equal(t, "throttled", task.LastError)

	require.False(t, task.MarkAttemptFailed(nil, 3))
	require.Equal(t, "throttled", task.LastError)

	require.True(t, task.MarkAttemptFailed(errors.New("throttled again"), 3))
	require.Equal(t, SyncStatusFailed, task.Status)
	require.Equal(t, 3, task.Attempts)

	other := NewSyncTask(TaskReplication, rec, StorageRegion{ID: "c"}, "k")
	other.MarkAttemptFailed(errors.New("x"), 0)
	require.Equal(t, SyncStatusPending, other.Status)

	other.MarkCompleted()
	require.Equal(t, SyncStatusCompleted, other.Status)
	require.Empty(t, other.LastError)
	require.NotNil(t, other.CompletedAt)
	require.Equal(t, "replication obj-1 -> c (completed, attempt 1)", other.String())
}

func TestBackupKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	require.Equal(t, "backups/2026/03/08/vault/docs/a.bin", BackupKey("vault", "docs/a.bin", at))

	// Same key in two buckets gives two keys.
	require.NotEqual(t, BackupKey("tenant-a", "same.bin", at), BackupKey("tenant-b", "same.bin", at))
}

func TestReplicaKey(t *testing.T) {
	require.Equal(t, "tenant-a/same.bin", ReplicaKey("tenant-a", "same.bin"))
	require.NotEqual(t, ReplicaKey("tenant-a", "same.bin"), ReplicaKey("tenant-b", "same.bin"))
	// Keys are not cleaned.
	require.NotEqual(t, ReplicaKey("vault", "a//b"), ReplicaKey("vault", "a/b"))
}

func TestAggregateStatus(t *testing.T) {
	task := func(kind TaskKind, status SyncStatus) *SyncTask {
		return &SyncTask{Kind: kind, Status: status}
	}

	tests := []struct {
		name  string
		tasks []*SyncTask
		want  SyncStatus
	}{
		{"none", nil, ""},
		{"all completed", []*SyncTask{
			task(TaskReplication, SyncStatusCompleted),
			task(TaskReplication, SyncStatusCompleted),
		}, SyncStatusCompleted},
		{"pending wins", []*SyncTask{
			task(TaskReplication, SyncStatusFailed),
			task(TaskReplication, SyncStatusPending),
		}, SyncStatusPending},
		{"failure beats completed", []*SyncTask{
			task(TaskReplication, SyncStatusCompleted),
			task(TaskReplication, SyncStatusFailed),
		}, SyncStatusFailed},
		{"other kinds ignored", []*SyncTask{
			task(TaskBackup, SyncStatusPending),
			task(TaskReplication, SyncStatusCompleted),
		}, SyncStatusCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, AggregateStatus(tt.tasks, TaskReplication))
		})
	}
}
