// Package domain contains the core business entities for sealstore.
package domain

import (
	"fmt"
	"sort"
)

// Provider identifies a cloud storage provider family.
type Provider string

// Supported provider families.
const (
	// ProviderS3 covers AWS S3 and S3-compatible stores (MinIO, Ceph, R2).
	ProviderS3 Provider = "s3"

	// ProviderGCS is Google Cloud Storage.
	ProviderGCS Provider = "gcs"

	// ProviderAzure is Azure Blob Storage.
	ProviderAzure Provider = "azure"

	// ProviderMemory is the in-process backend used for development and tests.
	ProviderMemory Provider = "memory"
)

// IsValid returns true if the provider is a known family.
func (p Provider) IsValid() bool {
	switch p {
	case ProviderS3, ProviderGCS, ProviderAzure, ProviderMemory:
		return true
	}
	return false
}

// CostTier classifies a region's pricing profile.
type CostTier string

// Cost tiers.
const (
	CostTierStandard CostTier = "standard"
	CostTierPremium  CostTier = "premium"
	CostTierArchive  CostTier = "archive"
)

// Multiplier returns the factor applied to the baseline per-GB rate.
func (t CostTier) Multiplier() float64 {
	switch t {
	case CostTierPremium:
		return 1.5
	case CostTierArchive:
		return 0.4
	default:
		return 1.0
	}
}

// IsValid returns true if the tier is one of the known tiers.
func (t CostTier) IsValid() bool {
	switch t {
	case CostTierStandard, CostTierPremium, CostTierArchive:
		return true
	}
	return false
}

// StorageClass returns the storage class name recorded in result metadata.
func (t CostTier) StorageClass() string {
	switch t {
	case CostTierPremium:
		return "PREMIUM"
	case CostTierArchive:
		return "ARCHIVE"
	default:
		return "STANDARD"
	}
}

// StorageRegion is a configured storage location.
// Regions are immutable once loaded.
type StorageRegion struct {
	// ID is the unique region identifier (e.g. "us-east-1").
	ID string `mapstructure:"id" json:"id"`

	// Name is a human readable label.
	Name string `mapstructure:"name" json:"name"`

	// Endpoint is the network endpoint of the object store in this region.
	// Empty means the provider default.
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`

	// Provider overrides the engine provider for this region. Empty means inherit.
	Provider Provider `mapstructure:"provider" json:"provider"`

	// Bucket overrides the default bucket for this region.
	Bucket string `mapstructure:"bucket" json:"bucket,omitempty"`

	// Primary marks the region uploads are synchronously written to.
	Primary bool `mapstructure:"primary" json:"primary"`

	// Backup marks the region as a backup target.
	Backup bool `mapstructure:"backup" json:"backup"`

	// CostTier scales the cost estimate.
	CostTier CostTier `mapstructure:"cost_tier" json:"cost_tier"`
}

// RegionRegistry is the read-only table of configured regions.
// It is safe for concurrent use because it is never mutated after construction.
type RegionRegistry struct {
	regions map[string]StorageRegion
	order   []string
	primary string
}

// NewRegionRegistry builds a registry and enforces the single-primary invariant.
func NewRegionRegistry(provider Provider, regions []StorageRegion) (*RegionRegistry, error) {
	r := &RegionRegistry{
		regions: make(map[string]StorageRegion, len(regions)),
		order:   make([]string, 0, len(regions)),
	}

	for i, region := range regions {
		if region.ID == "" {
			return nil, NewConfigError(fmt.Sprintf("storage.regions[%d].id", i), ErrInvalidRegion, "region id is required")
		}
		if _, exists := r.regions[region.ID]; exists {
			return nil, NewConfigError(fmt.Sprintf("storage.regions[%d].id", i), ErrInvalidRegion, "duplicate region id "+region.ID)
		}
		if region.CostTier == "" {
			region.CostTier = CostTierStandard
		}
		if !region.CostTier.IsValid() {
			return nil, NewConfigError(fmt.Sprintf("storage.regions[%d].cost_tier", i), ErrInvalidCostTier, string(region.CostTier))
		}
		if region.Provider == "" {
			region.Provider = provider
		}
		if region.Primary {
			if r.primary != "" {
				return nil, NewConfigError("storage.regions", ErrMultiplePrimaryRegions, r.primary+", "+region.ID)
			}
			r.primary = region.ID
		}
		r.regions[region.ID] = region
		r.order = append(r.order, region.ID)
	}

	if r.primary == "" {
		return nil, NewConfigError("storage.regions", ErrNoPrimaryRegion, "")
	}

	return r, nil
}

// Primary returns the primary region.
func (r *RegionRegistry) Primary() StorageRegion {
	return r.regions[r.primary]
}

// Get returns a region by id.
func (r *RegionRegistry) Get(id string) (StorageRegion, bool) {
	region, ok := r.regions[id]
	return region, ok
}

// All returns all regions in configuration order.
func (r *RegionRegistry) All() []StorageRegion {
	out := make([]StorageRegion, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.regions[id])
	}
	return out
}

// Secondaries returns every non-primary region in configuration order.
func (r *RegionRegistry) Secondaries() []StorageRegion {
	out := make([]StorageRegion, 0, len(r.order))
	for _, id := range r.order {
		if id != r.primary {
			out = append(out, r.regions[id])
		}
	}
	return out
}

// Resolve returns the regions for the given ids.
// An empty id list resolves to every non-primary region.
func (r *RegionRegistry) Resolve(ids []string) ([]StorageRegion, error) {
	if len(ids) == 0 {
		return r.Secondaries(), nil
	}

	seen := make(map[string]bool, len(ids))
	out := make([]StorageRegion, 0, len(ids))
	for _, id := range ids {
		if seen[id] || id == r.primary {
			continue
		}
		region, ok := r.regions[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRegion, id)
		}
		seen[id] = true
		out = append(out, region)
	}
	return out, nil
}

// BackupRegions returns regions flagged as backup targets.
// When none is flagged, backups are written to the primary region.
func (r *RegionRegistry) BackupRegions() []StorageRegion {
	var out []StorageRegion
	for _, id := range r.order {
		if r.regions[id].Backup {
			out = append(out, r.regions[id])
		}
	}
	if len(out) == 0 {
		out = append(out, r.Primary())
	}
	return out
}

// IDs returns the sorted region ids.
func (r *RegionRegistry) IDs() []string {
	ids := make([]string, 0, len(r.regions))
	for id := range r.regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
