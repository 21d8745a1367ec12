// Package memory provides an in-memory deduplication index.
// This is suitable for single-node deployments where Redis is not available.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/prn-tf/sealstore/internal/repository"
)

// DedupIndex implements repository.DedupIndex using in-memory storage.
// This is NOT suitable for distributed deployments.
type DedupIndex struct {
	mu      sync.RWMutex
	items   map[string]*indexItem
	ttl     time.Duration
	stopCh  chan struct{}
	stopped bool
}

// indexItem represents a single indexed checksum.
type indexItem struct {
	entry     repository.DedupEntry
	expiresAt time.Time
	noExpiry  bool
}

// isExpired checks if the item has expired.
func (i *indexItem) isExpired() bool {
	if i.noExpiry {
		return false
	}
	return time.Now().After(i.expiresAt)
}

// NewDedupIndex creates a new in-memory dedup index.
// Entries expire after ttl; a ttl of 0 keeps them until removed.
func NewDedupIndex(ttl time.Duration) *DedupIndex {
	d := &DedupIndex{
		items:  make(map[string]*indexItem),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}

	if ttl > 0 {
		go d.cleanupLoop()
	}

	return d
}

// cleanupLoop periodically removes expired items.
func (d *DedupIndex) cleanupLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.cleanup()
		}
	}
}

// cleanup removes expired items.
func (d *DedupIndex) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, item := range d.items {
		if item.isExpired() {
			delete(d.items, key)
		}
	}
}

// Stop stops the cleanup goroutine.
func (d *DedupIndex) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.stopped {
		close(d.stopCh)
		d.stopped = true
	}
}

// Lookup returns the entry for a checksum.
func (d *DedupIndex) Lookup(ctx context.Context, checksum string) (*repository.DedupEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	item, exists := d.items[checksum]
	if !exists || item.isExpired() {
		return nil, repository.ErrNotFound
	}

	entry := item.entry
	return &entry, nil
}

// Register records an entry if the checksum is not yet known.
func (d *DedupIndex) Register(ctx context.Context, checksum string, entry repository.DedupEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if item, exists := d.items[checksum]; exists && !item.isExpired() {
		return false, nil
	}

	item := &indexItem{entry: entry}
	if d.ttl > 0 {
		item.expiresAt = time.Now().Add(d.ttl)
	} else {
		item.noExpiry = true
	}

	d.items[checksum] = item
	return true, nil
}

// Remove forgets a checksum.
func (d *DedupIndex) Remove(ctx context.Context, checksum string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.items, checksum)
	return nil
}

// Len returns the number of live entries.
func (d *DedupIndex) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, item := range d.items {
		if !item.isExpired() {
			n++
		}
	}
	return n
}

// Ensure DedupIndex implements repository.DedupIndex.
var _ repository.DedupIndex = (*DedupIndex)(nil)
