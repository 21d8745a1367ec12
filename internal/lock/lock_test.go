package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	defer locker.Stop()

	key := Keys.ReplicationSweep()

	token, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	other, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.Empty(t, other, "second acquire must fail while held")

	held, err := locker.IsHeld(ctx, key)
	require.NoError(t, err)
	require.True(t, held)

	released, err := locker.Release(ctx, key, "someone-else")
	require.NoError(t, err)
	require.False(t, released)

	released, err = locker.Release(ctx, key, token)
	require.NoError(t, err)
	require.True(t, released)

	released, err = locker.Release(ctx, key, token)
	require.NoError(t, err)
	require.False(t, released)

	again, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, again)
	require.NotEqual(t, token, again)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	defer locker.Stop()

	key := Keys.BackupSweep()
	token, err := locker.Acquire(ctx, key, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	time.Sleep(20 * time.Millisecond)

	held, err := locker.IsHeld(ctx, key)
	require.NoError(t, err)
	require.False(t, held)

	extended, err := locker.Extend(ctx, key, token, time.Minute)
	require.NoError(t, err)
	require.False(t, extended)

	next, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, next)

	extended, err = locker.Extend(ctx, key, next, time.Minute)
	require.NoError(t, err)
	require.True(t, extended)
}

func TestMemoryLocker_StaleTokenCannotTouchNewOwner(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	defer locker.Stop()

	key := Keys.Task("task-1")
	stale, err := locker.Acquire(ctx, key, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, stale)

	time.Sleep(20 * time.Millisecond)

	owner, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, owner)

	extended, err := locker.Extend(ctx, key, stale, time.Minute)
	require.NoError(t, err)
	require.False(t, extended)

	released, err := locker.Release(ctx, key, stale)
	require.NoError(t, err)
	require.False(t, released)

	held, err := locker.IsHeld(ctx, key)
	require.NoError(t, err)
	require.True(t, held)

	released, err = locker.Release(ctx, key, owner)
	require.NoError(t, err)
	require.True(t, released)
}

func TestMemoryLocker_AcquireWithRetry(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	defer locker.Stop()

	key := Keys.Task("task-1")
	token, err := locker.Acquire(ctx, key, 15*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	token, err = locker.AcquireWithRetry(ctx, key, time.Minute, 10, 5*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	token, err = locker.AcquireWithRetry(ctx, key, time.Minute, 1, time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestMemoryLocker_CancelledContext(t *testing.T) {
	locker := NewMemoryLocker()
	defer locker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := locker.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryLocker_ConcurrentAcquire(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	defer locker.Stop()

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if token, _ := locker.Acquire(ctx, "sealstore:lock:test", time.Minute); token != "" {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestLease_RenewsUntilReleased(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	defer locker.Stop()

	key := Keys.BackupSweep()
	lease, err := TryAcquire(ctx, locker, key, 60*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, key, lease.Key())

	// Held well past the TTL because of renewal.
	time.Sleep(200 * time.Millisecond)
	held, err := locker.IsHeld(ctx, key)
	require.NoError(t, err)
	require.True(t, held)
	require.False(t, lease.Lost())

	other, err := TryAcquire(ctx, locker, key, time.Minute)
	require.NoError(t, err)
	require.Nil(t, other)

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	held, err = locker.IsHeld(ctx, key)
	require.NoError(t, err)
	require.False(t, held)
}

func TestLease_Lost(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	defer locker.Stop()

	key := Keys.Task("t-1")
	lease, err := TryAcquire(ctx, locker, key, 40*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// The lock expires and someone else takes it before renewal runs.
	locker.mu.Lock()
	locker.locks[key].expiresAt = time.Now().Add(-time.Millisecond)
	locker.mu.Unlock()

	owner, err := locker.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, owner)

	require.Eventually(t, lease.Lost, time.Second, 5*time.Millisecond)

	// Releasing the lost lease leaves the new owner alone.
	require.NoError(t, lease.Release(ctx))
	held, err := locker.IsHeld(ctx, key)
	require.NoError(t, err)
	require.True(t, held)

	extended, err := locker.Extend(ctx, key, owner, time.Minute)
	require.NoError(t, err)
	require.True(t, extended)
}

func TestAcquireWithRetry_WaitsForRelease(t *testing.T) {
	ctx := context.Background()
	locker := NewMemoryLocker()
	defer locker.Stop()

	key := Keys.ObjectKey("vault", "a.bin")
	first, err := TryAcquire(ctx, locker, key, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = first.Release(ctx)
	}()

	second, err := AcquireWithRetry(ctx, locker, key, time.Minute, 50, 5*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NoError(t, second.Release(ctx))
}

func TestTryAcquire_Error(t *testing.T) {
	locker := NewMemoryLocker()
	defer locker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	lease, err := TryAcquire(ctx, locker, "k", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, lease)
}
