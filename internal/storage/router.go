package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/domain"
)

// Factory creates a backend for a provider family from the engine config.
type Factory func(cfg domain.StorageConfig, logger zerolog.Logger) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[domain.Provider]Factory{
		domain.ProviderS3: func(cfg domain.StorageConfig, logger zerolog.Logger) (Backend, error) {
			return NewS3Backend(S3Config{Credentials: cfg.Credentials}, logger), nil
		},
		domain.ProviderMemory: func(cfg domain.StorageConfig, logger zerolog.Logger) (Backend, error) {
			return NewMemoryBackend(cfg.Security.VersioningEnabled), nil
		},
	}
)

// Register installs a factory for a provider family, replacing any existing one.
// Vendor adapters (gcs, azure) plug in here.
func Register(provider domain.Provider, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[provider] = factory
}

// Open builds a Router with one backend per provider used by the configured regions.
func Open(cfg domain.StorageConfig, logger zerolog.Logger) (*Router, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	backends := make(map[domain.Provider]Backend)
	for _, region := range cfg.Regions {
		provider := region.Provider
		if provider == "" {
			provider = cfg.Provider
		}
		if _, ok := backends[provider]; ok {
			continue
		}
		factory, ok := factories[provider]
		if !ok {
			return nil, fmt.Errorf("%w: no adapter registered for %q", domain.ErrUnknownProvider, provider)
		}
		backend, err := factory(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s backend: %w", provider, err)
		}
		backends[provider] = backend
	}

	return NewRouter(cfg.Provider, backends), nil
}

// Router dispatches each call to the backend of the region's provider.
type Router struct {
	fallback domain.Provider
	backends map[domain.Provider]Backend
}

// NewRouter creates a router. Regions without a provider use fallback.
func NewRouter(fallback domain.Provider, backends map[domain.Provider]Backend) *Router {
	return &Router{fallback: fallback, backends: backends}
}

func (r *Router) backend(region domain.StorageRegion) (Backend, error) {
	provider := region.Provider
	if provider == "" {
		provider = r.fallback
	}
	b, ok := r.backends[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no backend for %q", domain.ErrUnknownProvider, provider)
	}
	return b, nil
}

// Name returns the fallback provider.
func (r *Router) Name() domain.Provider {
	return r.fallback
}

// Put routes to the region's backend.
func (r *Router) Put(ctx context.Context, loc Location, data []byte, opts PutOptions) (*PutResult, error) {
	b, err := r.backend(loc.Region)
	if err != nil {
		return nil, wrap("put", loc.Region.Provider, loc, err)
	}
	return b.Put(ctx, loc, data, opts)
}

// Get routes to the region's backend.
func (r *Router) Get(ctx context.Context, loc Location) ([]byte, error) {
	b, err := r.backend(loc.Region)
	if err != nil {
		return nil, wrap("get", loc.Region.Provider, loc, err)
	}
	return b.Get(ctx, loc)
}

// Delete routes to the region's backend.
func (r *Router) Delete(ctx context.Context, loc Location) error {
	b, err := r.backend(loc.Region)
	if err != nil {
		return wrap("delete", loc.Region.Provider, loc, err)
	}
	return b.Delete(ctx, loc)
}

// HealthCheck routes to the region's backend if it supports health checks.
func (r *Router) HealthCheck(ctx context.Context, region domain.StorageRegion, bucket string) error {
	b, err := r.backend(region)
	if err != nil {
		return err
	}
	if hc, ok := b.(HealthChecker); ok {
		return hc.HealthCheck(ctx, region, bucket)
	}
	return nil
}

// LifecycleManager returns the region backend's lifecycle support, if any.
func (r *Router) LifecycleManager(region domain.StorageRegion) (LifecycleManager, bool) {
	b, err := r.backend(region)
	if err != nil {
		return nil, false
	}
	lm, ok := b.(LifecycleManager)
	return lm, ok
}

// ApplyLifecycle routes to the region's backend. Backends without native
// lifecycle support return ErrLifecycleUnsupported.
func (r *Router) ApplyLifecycle(ctx context.Context, region domain.StorageRegion, bucket string, rule LifecycleRule) error {
	lm, ok := r.LifecycleManager(region)
	if !ok {
		return ErrLifecycleUnsupported
	}
	return lm.ApplyLifecycle(ctx, region, bucket, rule)
}

// Stats routes to the region's backend. Backends without native stats
// return ErrStatsUnsupported.
func (r *Router) Stats(ctx context.Context, region domain.StorageRegion, bucket string) (*RegionStats, error) {
	b, err := r.backend(region)
	if err != nil {
		return nil, err
	}
	sp, ok := b.(StatsProvider)
	if !ok {
		return nil, ErrStatsUnsupported
	}
	return sp.Stats(ctx, region, bucket)
}

// Ensure Router implements the backend interfaces.
var (
	_ Backend          = (*Router)(nil)
	_ HealthChecker    = (*Router)(nil)
	_ LifecycleManager = (*Router)(nil)
	_ StatsProvider    = (*Router)(nil)
)
