package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/sealstore/internal/domain"
)

// MemoryBackend implements Backend in process memory.
// It is used for the "memory" provider in development and tests.
// The data is NOT persisted across restarts.
type MemoryBackend struct {
	mu         sync.RWMutex
	objects    map[string]*memoryObject
	versioning bool
}

// memoryObject is a single stored object.
type memoryObject struct {
	data      []byte
	versionID string
	storedAt  time.Time
	metadata  map[string]string
}

// NewMemoryBackend creates an empty in-memory backend.
// When versioning is true each Put returns a fresh version id.
func NewMemoryBackend(versioning bool) *MemoryBackend {
	return &MemoryBackend{
		objects:    make(map[string]*memoryObject),
		versioning: versioning,
	}
}

func memoryKey(loc Location) string {
	return loc.Region.ID + "\x00" + loc.Bucket + "\x00" + loc.Key
}

// Name returns the provider family.
func (m *MemoryBackend) Name() domain.Provider {
	return domain.ProviderMemory
}

// Put stores a copy of data.
func (m *MemoryBackend) Put(ctx context.Context, loc Location, data []byte, opts PutOptions) (*PutResult, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, wrap("put", domain.ProviderMemory, loc, err)
	}

	obj := &memoryObject{
		data:     append([]byte(nil), data...),
		storedAt: time.Now().UTC(),
	}
	if m.versioning {
		obj.versionID = uuid.NewString()
	}
	if len(opts.Metadata) > 0 {
		obj.metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			obj.metadata[k] = v
		}
	}

	m.mu.Lock()
	m.objects[memoryKey(loc)] = obj
	m.mu.Unlock()

	return &PutResult{VersionID: obj.versionID, Latency: time.Since(start)}, nil
}

// Get returns a copy of the stored data.
func (m *MemoryBackend) Get(ctx context.Context, loc Location) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get", domain.ProviderMemory, loc, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[memoryKey(loc)]
	if !ok {
		return nil, wrap("get", domain.ProviderMemory, loc, domain.ErrObjectNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// Delete removes the object if present.
func (m *MemoryBackend) Delete(ctx context.Context, loc Location) error {
	if err := ctx.Err(); err != nil {
		return wrap("delete", domain.ProviderMemory, loc, err)
	}

	m.mu.Lock()
	delete(m.objects, memoryKey(loc))
	m.mu.Unlock()
	return nil
}

// HealthCheck always succeeds unless the context is done.
func (m *MemoryBackend) HealthCheck(ctx context.Context, region domain.StorageRegion, bucket string) error {
	return ctx.Err()
}

// Stats reports object count and bytes stored for a bucket in a region.
func (m *MemoryBackend) Stats(ctx context.Context, region domain.StorageRegion, bucket string) (*RegionStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := region.ID + "\x00" + bucket + "\x00"
	stats := &RegionStats{}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			stats.Objects++
			stats.Bytes += int64(len(obj.data))
		}
	}
	return stats, nil
}

// Keys lists the keys stored for a bucket in a region, sorted.
func (m *MemoryBackend) Keys(region, bucket string) []string {
	prefix := region + "\x00" + bucket + "\x00"

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(keys)
	return keys
}

// Corrupt flips the first byte of a stored object.
func (m *MemoryBackend) Corrupt(loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[memoryKey(loc)]
	if !ok || len(obj.data) == 0 {
		return fmt.Errorf("corrupt %s: %w", loc.Key, domain.ErrObjectNotFound)
	}
	obj.data[0] ^= 0xff
	return nil
}

// Ensure MemoryBackend implements the backend interfaces.
var (
	_ Backend       = (*MemoryBackend)(nil)
	_ HealthChecker = (*MemoryBackend)(nil)
	_ StatsProvider = (*MemoryBackend)(nil)
)
