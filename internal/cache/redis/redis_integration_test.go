package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/sealstore/internal/repository"
)

// newIntegrationClient connects to a Redis server, e.g. SEALSTORE_TEST_REDIS_ADDR=localhost:6379.
func newIntegrationClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	addr := os.Getenv("SEALSTORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SEALSTORE_TEST_REDIS_ADDR not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestDedupIndex_Integration(t *testing.T) {
	client := newIntegrationClient(t)
	ctx := context.Background()
	index := NewDedupIndex(client, time.Minute)

	checksum := uuid.NewString()
	t.Cleanup(func() { _ = index.Remove(context.Background(), checksum) })

	_, err := index.Lookup(ctx, checksum)
	require.ErrorIs(t, err, repository.ErrNotFound)

	entry := repository.DedupEntry{ObjectID: "obj-1", Bucket: "vault", Key: "a.bin"}
	ok, err := index.Register(ctx, checksum, entry)
	require.NoError(t, err)
	require.True(t, ok)

	// The first writer wins.
	ok, err = index.Register(ctx, checksum, repository.DedupEntry{ObjectID: "obj-2"})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := index.Lookup(ctx, checksum)
	require.NoError(t, err)
	require.Equal(t, entry, *got)

	require.NoError(t, index.Remove(ctx, checksum))
	_, err = index.Lookup(ctx, checksum)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDistributedLock_Integration(t *testing.T) {
	client := newIntegrationClient(t)
	ctx := context.Background()

	key := "sealstore:test:lock:" + uuid.NewString()
	first := NewDistributedLock(client)
	second := NewDistributedLock(client)

	token, err := first.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	other, err := second.AcquireWithRetry(ctx, key, time.Minute, 2, 10*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, other)

	held, err := second.IsHeld(ctx, key)
	require.NoError(t, err)
	require.True(t, held)

	// Only the owning token can release or extend.
	released, err := second.Release(ctx, key, "not-the-token")
	require.NoError(t, err)
	require.False(t, released)

	extended, err := first.Extend(ctx, key, token, 2*time.Minute)
	require.NoError(t, err)
	require.True(t, extended)

	released, err = first.Release(ctx, key, token)
	require.NoError(t, err)
	require.True(t, released)

	next, err := second.Acquire(ctx, key, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, next)

	// A stale token from the same locker cannot touch the new owner's lock.
	extended, err = first.Extend(ctx, key, token, time.Minute)
	require.NoError(t, err)
	require.False(t, extended)

	require.Eventually(t, func() bool {
		held, err := first.IsHeld(ctx, key)
		return err == nil && !held
	}, 2*time.Second, 20*time.Millisecond)

	extended, err = second.Extend(ctx, key, next, time.Minute)
	require.NoError(t, err)
	require.False(t, extended)
}
