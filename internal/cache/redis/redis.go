// Package redis provides Redis-backed implementations of the dedup index and
// distributed lock for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/config"
	"github.com/prn-tf/sealstore/internal/lock"
	"github.com/prn-tf/sealstore/internal/repository"
)

// NewClient creates a Redis client from configuration and verifies connectivity.
func NewClient(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr(), err)
	}

	logger.Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Int("pool_size", cfg.PoolSize).
		Msg("connected to Redis")

	return client, nil
}

// =============================================================================
// Dedup Index
// =============================================================================

// DedupIndex implements repository.DedupIndex with one Redis key per checksum.
type DedupIndex struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// dedupKeyPrefix namespaces checksum keys in a shared Redis.
const dedupKeyPrefix = "sealstore:dedup:"

func dedupKey(checksum string) string {
	return dedupKeyPrefix + checksum
}

// NewDedupIndex creates a Redis dedup index. A ttl of 0 keeps entries until removed.
func NewDedupIndex(client goredis.UniversalClient, ttl time.Duration) *DedupIndex {
	return &DedupIndex{client: client, ttl: ttl}
}

// Lookup returns the entry for a checksum.
func (d *DedupIndex) Lookup(ctx context.Context, checksum string) (*repository.DedupEntry, error) {
	raw, err := d.client.Get(ctx, dedupKey(checksum)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read dedup entry: %w", err)
	}

	var entry repository.DedupEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode dedup entry: %w", err)
	}
	return &entry, nil
}

// Register records an entry if the checksum is not yet known.
func (d *DedupIndex) Register(ctx context.Context, checksum string, entry repository.DedupEntry) (bool, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to encode dedup entry: %w", err)
	}

	ok, err := d.client.SetNX(ctx, dedupKey(checksum), raw, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to register dedup entry: %w", err)
	}
	return ok, nil
}

// Remove forgets a checksum.
func (d *DedupIndex) Remove(ctx context.Context, checksum string) error {
	if err := d.client.Del(ctx, dedupKey(checksum)).Err(); err != nil {
		return fmt.Errorf("failed to remove dedup entry: %w", err)
	}
	return nil
}

// =============================================================================
// Distributed Lock
// =============================================================================

// releaseScript deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only if the key still holds our token.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// DistributedLock implements lock.Locker with SET NX PX and
// token-checked release.
type DistributedLock struct {
	client goredis.UniversalClient
}

// NewDistributedLock creates a Redis distributed lock.
func NewDistributedLock(client goredis.UniversalClient) *DistributedLock {
	return &DistributedLock{client: client}
}

// Acquire attempts to acquire a lock.
func (l *DistributedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// AcquireWithRetry attempts to acquire a lock with retries.
func (l *DistributedLock) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, error) {
	for i := 0; i <= maxRetries; i++ {
		token, err := l.Acquire(ctx, key, ttl)
		if err != nil || token != "" {
			return token, err
		}

		if i < maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return "", nil
}

// Release releases the lock if token still owns it.
func (l *DistributedLock) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return n == 1, nil
}

// Extend extends the TTL of the lock if token still owns it.
func (l *DistributedLock) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", key, err)
	}
	return n == 1, nil
}

// IsHeld checks if the lock is currently held by anyone.
func (l *DistributedLock) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", key, err)
	}
	return n > 0, nil
}

// Ensure implementations satisfy their interfaces.
var (
	_ repository.DedupIndex = (*DedupIndex)(nil)
	_ lock.Locker           = (*DistributedLock)(nil)
)
