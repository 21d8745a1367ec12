package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() StorageConfig {
	return StorageConfig{
		Provider: ProviderS3,
		Regions: []StorageRegion{
			{ID: "us-east-1", Primary: true},
			{ID: "eu-west-1"},
		},
		Credentials: Credentials{
			AccessKeyID:     "AKIAEXAMPLE",
			SecretAccessKey: "secret",
		},
		DefaultBucket: "vault",
	}
}

func TestStorageConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *StorageConfig)
		wantErr error
		field   string
	}{
		{
			name:   "valid",
			mutate: func(c *StorageConfig) {},
		},
		{
			name:    "unknown provider",
			mutate:  func(c *StorageConfig) { c.Provider = "ftp" },
			wantErr: ErrUnknownProvider,
			field:   "storage.provider",
		},
		{
			name:    "no primary",
			mutate:  func(c *StorageConfig) { c.Regions[0].Primary = false },
			wantErr: ErrNoPrimaryRegion,
			field:   "storage.regions",
		},
		{
			name:    "unknown region provider",
			mutate:  func(c *StorageConfig) { c.Regions[1].Provider = "ftp" },
			wantErr: ErrUnknownProvider,
			field:   "storage.regions.eu-west-1.provider",
		},
		{
			name:    "s3 missing secret",
			mutate:  func(c *StorageConfig) { c.Credentials.SecretAccessKey = "" },
			wantErr: ErrMissingCredentials,
			field:   "storage.credentials",
		},
		{
			name:    "gcs region needs project",
			mutate:  func(c *StorageConfig) { c.Regions[1].Provider = ProviderGCS },
			wantErr: ErrMissingCredentials,
			field:   "storage.credentials",
		},
		{
			name: "azure needs connection string",
			mutate: func(c *StorageConfig) {
				c.Provider = ProviderAzure
				c.Credentials = Credentials{}
			},
			wantErr: ErrMissingCredentials,
			field:   "storage.credentials",
		},
		{
			name: "memory needs nothing",
			mutate: func(c *StorageConfig) {
				c.Provider = ProviderMemory
				c.Credentials = Credentials{}
			},
		},
		{
			name: "unknown replication target",
			mutate: func(c *StorageConfig) {
				c.Security.ReplicationEnabled = true
				c.Backup.ReplicationTargets = []string{"ap-south-1"}
			},
			wantErr: ErrUnknownRegion,
			field:   "storage.backup.replication_targets",
		},
		{
			name: "targets ignored when replication is off",
			mutate: func(c *StorageConfig) {
				c.Backup.ReplicationTargets = []string{"ap-south-1"}
			},
		},
		{
			name:   "negative retention",
			mutate: func(c *StorageConfig) { c.Backup.RetentionDays = -1 },
			field:  "storage.backup.retention_days",
		},
		{
			name: "unsupported codec",
			mutate: func(c *StorageConfig) {
				c.Optimization.Compression = true
				c.Optimization.CompressionCodec = "lz4"
			},
			field: "storage.optimization.compression_codec",
		},
		{
			name: "zstd",
			mutate: func(c *StorageConfig) {
				c.Optimization.Compression = true
				c.Optimization.CompressionCodec = "zstd"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.Equal(t, tt.field, cfgErr.Field)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestStorageConfig_Redacted(t *testing.T) {
	cfg := validConfig()
	cfg.Credentials.SessionToken = "token"
	cfg.Credentials.ProjectID = "my-project"
	cfg.Backup.ReplicationTargets = []string{"eu-west-1"}

	out := cfg.Redacted()
	require.Equal(t, "[REDACTED]", out.Credentials.AccessKeyID)
	require.Equal(t, "[REDACTED]", out.Credentials.SecretAccessKey)
	require.Equal(t, "[REDACTED]", out.Credentials.SessionToken)
	require.Empty(t, out.Credentials.ConnectionString)
	require.Equal(t, "my-project", out.Credentials.ProjectID)

	// The copy does not alias the original.
	out.Regions[0].ID = "changed"
	out.Backup.ReplicationTargets[0] = "changed"
	require.Equal(t, "us-east-1", cfg.Regions[0].ID)
	require.Equal(t, "eu-west-1", cfg.Backup.ReplicationTargets[0])
	require.Equal(t, "secret", cfg.Credentials.SecretAccessKey)
}

func TestStorageConfig_LifecyclePolicyName(t *testing.T) {
	cfg := validConfig()
	require.Empty(t, cfg.LifecyclePolicyName())

	cfg.Optimization.LifecycleManagement = true
	require.Empty(t, cfg.LifecyclePolicyName())

	cfg.Backup.RetentionDays = 30
	require.Equal(t, "expire-backups-30d", cfg.LifecyclePolicyName())
}

func TestStorageConfig_BucketFor(t *testing.T) {
	cfg := validConfig()
	region := StorageRegion{ID: "eu-west-1"}

	require.Equal(t, "vault", cfg.BucketFor(region, ""))
	region.Bucket = "eu-vault"
	require.Equal(t, "eu-vault", cfg.BucketFor(region, ""))
	require.Equal(t, "override", cfg.BucketFor(region, "override"))
}
