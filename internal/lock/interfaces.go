// Package lock provides distributed and local locking abstractions.
// A single engine instance uses memory locks; several instances sharing a
// catalog use Redis locks so each sweep runs on one instance at a time.
package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Locker is a keyed lock with expiry. Implementations: MemoryLocker for one
// process, and the Redis lock in internal/cache/redis for several.
//
// Every successful acquire returns a fresh token. Release and Extend act only
// while that token still owns the key, so a holder whose lock expired cannot
// touch the lock of whoever took the key next.
type Locker interface {
	// Acquire takes key for ttl and returns the ownership token.
	// Returns an empty token if someone else holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)

	// AcquireWithRetry calls Acquire up to maxRetries+1 times, sleeping
	// retryDelay between attempts.
	AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, error)

	// Release gives up the lock owned by token.
	// Returns false if token no longer owns it.
	Release(ctx context.Context, key, token string) (bool, error)

	// Extend resets the expiry of the lock owned by token.
	// Returns false if the lock has already been lost.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// IsHeld reports whether anyone holds key.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Lease
// =============================================================================

// Lease is a held lock renewed in the background until Release, so a sweep
// that outlives the lock TTL keeps exclusive ownership.
type Lease struct {
	locker Locker
	key    string
	token  string
	ttl    time.Duration

	lost atomic.Bool
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// TryAcquire takes key and starts renewing it every ttl/2.
// It returns a nil lease and no error if the key is held elsewhere.
func TryAcquire(ctx context.Context, locker Locker, key string, ttl time.Duration) (*Lease, error) {
	return AcquireWithRetry(ctx, locker, key, ttl, 0, 0)
}

// AcquireWithRetry is TryAcquire with up to maxRetries further attempts
// retryDelay apart.
func AcquireWithRetry(ctx context.Context, locker Locker, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (*Lease, error) {
	token, err := locker.AcquireWithRetry(ctx, key, ttl, maxRetries, retryDelay)
	if err != nil || token == "" {
		return nil, err
	}

	l := &Lease{
		locker: locker,
		key:    key,
		token:  token,
		ttl:    ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.renew(context.WithoutCancel(ctx))
	return l, nil
}

func (l *Lease) renew(ctx context.Context) {
	defer close(l.done)

	interval := l.ttl / 2
	if interval <= 0 {
		<-l.stop
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ok, err := l.locker.Extend(ctx, l.key, l.token, l.ttl)
			if err == nil && !ok {
				l.lost.Store(true)
				<-l.stop
				return
			}
		case <-l.stop:
			return
		}
	}
}

// Key returns the lock key.
func (l *Lease) Key() string {
	return l.key
}

// Lost reports whether renewal found the lock taken over or expired.
func (l *Lease) Lost() bool {
	return l.lost.Load()
}

// Release stops renewal and releases the lock. Safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if !l.lost.Load() {
			_, err = l.locker.Release(ctx, l.key, l.token)
		}
	})
	return err
}

// =============================================================================
// Lock Keys
// =============================================================================

// Keys provides the lock keys used by the engine.
var Keys = lockKeys{}

type lockKeys struct{}

// ReplicationSweep returns the lock key for the periodic replication sweep.
func (lockKeys) ReplicationSweep() string {
	return "sealstore:lock:sweep:replication"
}

// BackupSweep returns the lock key for the periodic backup sweep.
func (lockKeys) BackupSweep() string {
	return "sealstore:lock:sweep:backup"
}

// Object returns the upload lock key for an object id.
func (lockKeys) Object(objectID string) string {
	return "sealstore:lock:object:" + objectID
}

// ObjectKey returns the lock key for a key within a bucket. It is held while
// an object is written at or removed from that key.
func (lockKeys) ObjectKey(bucket, key string) string {
	return "sealstore:lock:key:" + bucket + "/" + key
}

// Task returns a lock key for one sync task, so an immediate copy and a
// sweep never work on the same task concurrently.
func (lockKeys) Task(taskID string) string {
	return "sealstore:lock:task:" + taskID
}
