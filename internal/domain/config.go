// Package domain contains the core business entities for sealstore.
package domain

import (
	"fmt"
	"time"
)

// DefaultBaseCostPerGB is the monthly per-GB baseline rate (S3 STANDARD, USD).
const DefaultBaseCostPerGB = 0.023

// Credentials holds provider credentials.
// Only the fields relevant to the configured provider are required.
// Credentials must never be logged or returned to callers unredacted.
type Credentials struct {
	AccessKeyID      string `mapstructure:"access_key_id" json:"access_key_id,omitempty"`
	SecretAccessKey  string `mapstructure:"secret_access_key" json:"secret_access_key,omitempty"`
	SessionToken     string `mapstructure:"session_token" json:"session_token,omitempty"`
	ProjectID        string `mapstructure:"project_id" json:"project_id,omitempty"`
	ConnectionString string `mapstructure:"connection_string" json:"connection_string,omitempty"`
}

const redacted = "[REDACTED]"

// Redacted returns a copy with every secret field masked.
// The project id is not a secret and is kept.
func (c Credentials) Redacted() Credentials {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	return Credentials{
		AccessKeyID:      mask(c.AccessKeyID),
		SecretAccessKey:  mask(c.SecretAccessKey),
		SessionToken:     mask(c.SessionToken),
		ProjectID:        c.ProjectID,
		ConnectionString: mask(c.ConnectionString),
	}
}

// SecurityConfig holds integrity and durability switches.
type SecurityConfig struct {
	EncryptionAtRest   bool `mapstructure:"encryption_at_rest" json:"encryption_at_rest"`
	ChecksumRequired   bool `mapstructure:"checksum_required" json:"checksum_required"`
	VersioningEnabled  bool `mapstructure:"versioning_enabled" json:"versioning_enabled"`
	ReplicationEnabled bool `mapstructure:"replication_enabled" json:"replication_enabled"`
}

// OptimizationConfig holds content optimization switches.
type OptimizationConfig struct {
	Compression bool `mapstructure:"compression" json:"compression"`

	// CompressionCodec is "gzip" or "zstd".
	CompressionCodec string `mapstructure:"compression_codec" json:"compression_codec"`

	// CompressionLevel is codec specific; 0 selects the codec default.
	CompressionLevel int `mapstructure:"compression_level" json:"compression_level"`

	Deduplication       bool `mapstructure:"deduplication" json:"deduplication"`
	LifecycleManagement bool `mapstructure:"lifecycle_management" json:"lifecycle_management"`
	CostOptimization    bool `mapstructure:"cost_optimization" json:"cost_optimization"`
}

// BackupPolicy governs scheduled backups and replication targets.
type BackupPolicy struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// RetentionDays is how long backup copies are kept. Zero keeps them forever.
	RetentionDays int `mapstructure:"retention_days" json:"retention_days"`

	// ReplicationTargets lists region ids to replicate to.
	// Empty means every non-primary region.
	ReplicationTargets []string `mapstructure:"replication_targets" json:"replication_targets"`
}

// StorageConfig is the engine configuration.
// It is loaded once at initialization and read-only thereafter.
type StorageConfig struct {
	Provider      Provider        `mapstructure:"provider" json:"provider"`
	Regions       []StorageRegion `mapstructure:"regions" json:"regions"`
	Credentials   Credentials     `mapstructure:"credentials" json:"credentials"`
	DefaultBucket string          `mapstructure:"default_bucket" json:"default_bucket"`

	Security     SecurityConfig     `mapstructure:"security" json:"security"`
	Optimization OptimizationConfig `mapstructure:"optimization" json:"optimization"`
	Backup       BackupPolicy       `mapstructure:"backup" json:"backup"`

	// OperationTimeout bounds each backend call. Callers may shorten it with a context deadline.
	OperationTimeout time.Duration `mapstructure:"operation_timeout" json:"operation_timeout"`

	// BaseCostPerGB is the monthly baseline rate used for cost estimates.
	BaseCostPerGB float64 `mapstructure:"base_cost_per_gb" json:"base_cost_per_gb"`
}

// Validate checks the configuration and returns a *ConfigError on failure.
// It verifies that exactly one region is primary and that the provider's
// required credentials are present.
func (c StorageConfig) Validate() error {
	if !c.Provider.IsValid() {
		return NewConfigError("storage.provider", ErrUnknownProvider, string(c.Provider))
	}

	registry, err := NewRegionRegistry(c.Provider, c.Regions)
	if err != nil {
		return err
	}

	providers := map[Provider]bool{c.Provider: true}
	for _, region := range registry.All() {
		if !region.Provider.IsValid() {
			return NewConfigError("storage.regions."+region.ID+".provider", ErrUnknownProvider, string(region.Provider))
		}
		providers[region.Provider] = true
	}
	for provider := range providers {
		if err := c.validateCredentials(provider); err != nil {
			return err
		}
	}

	if c.Security.ReplicationEnabled {
		if _, err := registry.Resolve(c.Backup.ReplicationTargets); err != nil {
			return NewConfigError("storage.backup.replication_targets", ErrUnknownRegion, err.Error())
		}
	}

	if c.Backup.RetentionDays < 0 {
		return &ConfigError{
			Field:  "storage.backup.retention_days",
			Err:    fmt.Errorf("negative retention %d", c.Backup.RetentionDays),
			Detail: "must be zero or more days",
		}
	}

	if c.Optimization.Compression {
		switch c.Optimization.CompressionCodec {
		case "", "gzip", "zstd":
		default:
			return &ConfigError{
				Field:  "storage.optimization.compression_codec",
				Err:    fmt.Errorf("unsupported codec %q", c.Optimization.CompressionCodec),
				Detail: "must be gzip or zstd",
			}
		}
	}

	return nil
}

// validateCredentials checks the provider-specific required credential fields.
func (c StorageConfig) validateCredentials(provider Provider) error {
	switch provider {
	case ProviderS3:
		if c.Credentials.AccessKeyID == "" || c.Credentials.SecretAccessKey == "" {
			return NewConfigError("storage.credentials", ErrMissingCredentials, "s3 requires access_key_id and secret_access_key")
		}
	case ProviderGCS:
		if c.Credentials.ProjectID == "" {
			return NewConfigError("storage.credentials", ErrMissingCredentials, "gcs requires project_id")
		}
	case ProviderAzure:
		if c.Credentials.ConnectionString == "" {
			return NewConfigError("storage.credentials", ErrMissingCredentials, "azure requires connection_string")
		}
	}
	return nil
}

// Redacted returns a deep copy safe to expose to callers.
func (c StorageConfig) Redacted() StorageConfig {
	out := c
	out.Credentials = c.Credentials.Redacted()
	out.Regions = append([]StorageRegion(nil), c.Regions...)
	out.Backup.ReplicationTargets = append([]string(nil), c.Backup.ReplicationTargets...)
	return out
}

// LifecyclePolicyName returns the name of the backup expiration policy,
// or empty when lifecycle management is off.
func (c StorageConfig) LifecyclePolicyName() string {
	if !c.Optimization.LifecycleManagement || c.Backup.RetentionDays <= 0 {
		return ""
	}
	return fmt.Sprintf("expire-backups-%dd", c.Backup.RetentionDays)
}

// BucketFor resolves the bucket used in a region. A request override wins,
// then the region's own bucket, then DefaultBucket.
func (c StorageConfig) BucketFor(region StorageRegion, override string) string {
	switch {
	case override != "":
		return override
	case region.Bucket != "":
		return region.Bucket
	default:
		return c.DefaultBucket
	}
}
