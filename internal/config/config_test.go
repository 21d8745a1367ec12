package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/prn-tf/sealstore/internal/domain"
)

const validYAML = `
database:
  driver: memory
storage:
  provider: s3
  default_bucket: vault
  credentials:
    access_key_id: AKIAEXAMPLE
    secret_access_key: secret
  regions:
    - id: us-east-1
      name: US East
      primary: true
      cost_tier: standard
    - id: eu-west-1
      name: EU West
      backup: true
      cost_tier: archive
  security:
    replication_enabled: true
  backup:
    enabled: true
    retention_days: 7
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	require.Equal(t, "memory", cfg.Database.Driver)
	require.Equal(t, domain.ProviderS3, cfg.Storage.Provider)
	require.Len(t, cfg.Storage.Regions, 2)
	require.True(t, cfg.Storage.Regions[0].Primary)
	require.Equal(t, domain.CostTierArchive, cfg.Storage.Regions[1].CostTier)
	require.Equal(t, 7, cfg.Storage.Backup.RetentionDays)

	// Defaults
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, time.Hour, cfg.Replication.Interval)
	require.Equal(t, 24*time.Hour, cfg.Backup.Interval)
	require.Equal(t, 5*time.Minute, cfg.Metrics.PollInterval)
	require.Equal(t, 30*time.Second, cfg.Storage.OperationTimeout)
	require.InDelta(t, domain.DefaultBaseCostPerGB, cfg.Storage.BaseCostPerGB, 1e-9)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SEALSTORE_SERVER_PORT", "9100")
	t.Setenv("SEALSTORE_STORAGE_BACKUP_RETENTION_DAYS", "14")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port)
	require.Equal(t, 14, cfg.Storage.Backup.RetentionDays)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
		wantMsg string
	}{
		{
			name:    "unknown field is rejected",
			yaml:    validYAML + "\nunexpected_section:\n  foo: bar\n",
			wantMsg: "unexpected_section",
		},
		{
			name: "no primary region",
			yaml: `
database:
  driver: memory
storage:
  provider: s3
  credentials:
    access_key_id: a
    secret_access_key: b
  regions:
    - id: us-east-1
`,
			wantErr: domain.ErrNoPrimaryRegion,
		},
		{
			name: "missing credentials",
			yaml: `
database:
  driver: memory
storage:
  provider: s3
  regions:
    - id: us-east-1
      primary: true
`,
			wantErr: domain.ErrMissingCredentials,
		},
		{
			name:    "bad database driver",
			yaml:    strings.Replace(validYAML, "driver: memory", "driver: mysql", 1),
			wantMsg: "database.driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var cfgErr *domain.ConfigError
				require.ErrorAs(t, err, &cfgErr)
			}
			if tt.wantMsg != "" {
				require.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestValidate_Schedulers(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Replication.MaxAttempts = 0
	require.ErrorContains(t, cfg.Validate(), "replication.max_attempts")

	cfg.Replication.MaxAttempts = 3
	cfg.Backup.Interval = 0
	require.ErrorContains(t, cfg.Validate(), "backup.interval")
}
