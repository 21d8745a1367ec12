package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker implements Locker with in-process locks.
// Locks are not shared across processes; use a Redis locker when several
// engine instances share one catalog.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry

	stopOnce sync.Once
	stopChan chan struct{}
}

// lockEntry is one held lock.
type lockEntry struct {
	expiresAt time.Time
	token     string
}

// NewMemoryLocker creates a new in-memory locker and starts its expiry sweeper.
func NewMemoryLocker() *MemoryLocker {
	ml := &MemoryLocker{
		locks:    make(map[string]*lockEntry),
		stopChan: make(chan struct{}),
	}
	go ml.cleanupLoop(30 * time.Second)
	return ml
}

// Stop ends the expiry sweeper. Held locks remain valid until they expire.
func (m *MemoryLocker) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *MemoryLocker) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopChan:
			return
		}
	}
}

func (m *MemoryLocker) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, entry := range m.locks {
		if now.After(entry.expiresAt) {
			delete(m.locks, key)
		}
	}
}

// live returns the unexpired entry for key, dropping it if expired.
// Caller holds mu.
func (m *MemoryLocker) live(key string, now time.Time) *lockEntry {
	entry, ok := m.locks[key]
	if !ok {
		return nil
	}
	if now.After(entry.expiresAt) {
		delete(m.locks, key)
		return nil
	}
	return entry
}

// Acquire attempts to acquire a lock.
func (m *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.live(key, now) != nil {
		return "", nil
	}
	token := uuid.NewString()
	m.locks[key] = &lockEntry{expiresAt: now.Add(ttl), token: token}
	return token, nil
}

// AcquireWithRetry attempts to acquire a lock with retries.
func (m *MemoryLocker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryDelay time.Duration) (string, error) {
	for i := 0; i <= maxRetries; i++ {
		token, err := m.Acquire(ctx, key, ttl)
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
func (m *MemoryLocker) Release(ctx context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.live(key, time.Now())
	if entry == nil || entry.token != token {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

// Extend extends the TTL of the lock if token still owns it.
func (m *MemoryLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry := m.live(key, now)
	if entry == nil || entry.token != token {
		return false, nil
	}
	entry.expiresAt = now.Add(ttl)
	return true, nil
}

// IsHeld checks if a lock is currently held.
func (m *MemoryLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.live(key, time.Now()) != nil, nil
}

// Ensure MemoryLocker implements Locker.
var _ Locker = (*MemoryLocker)(nil)
