// Package service implements the sealstore engine: uploads, retrieval,
// replication and backup scheduling.
package service

import (
	"time"

	"github.com/prn-tf/sealstore/internal/domain"
)

// SweepConfig contains periodic sweep configuration for one task kind.
type SweepConfig struct {
	// Enabled determines if the sweep runs automatically.
	Enabled bool

	// Interval is how often to run the sweep.
	Interval time.Duration

	// MaxAttempts is the retry ceiling after which a task is marked failed.
	MaxAttempts int

	// BatchSize is the maximum number of tasks processed per run.
	BatchSize int

	// Concurrency is the number of copies run in parallel.
	Concurrency int

	// LockTTL is how long the sweep lock is held at most.
	LockTTL time.Duration
}

// DefaultReplicationConfig returns the hourly replication sweep defaults.
func DefaultReplicationConfig() SweepConfig {
	return SweepConfig{
		Enabled:     true,
		Interval:    time.Hour,
		MaxAttempts: 5,
		BatchSize:   500,
		Concurrency: 4,
		LockTTL:     30 * time.Minute,
	}
}

// DefaultBackupConfig returns the daily backup sweep defaults.
func DefaultBackupConfig() SweepConfig {
	return SweepConfig{
		Enabled:     true,
		Interval:    24 * time.Hour,
		MaxAttempts: 5,
		BatchSize:   500,
		Concurrency: 2,
		LockTTL:     2 * time.Hour,
	}
}

func (c SweepConfig) withDefaults(def SweepConfig) SweepConfig {
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	return c
}

// Config is the engine configuration.
type Config struct {
	Storage     domain.StorageConfig
	Replication SweepConfig
	Backup      SweepConfig

	// MetricsPollInterval is how often backend usage is polled. Zero disables polling.
	MetricsPollInterval time.Duration

	// RunSchedulers starts the sweep loops and the metrics collector on
	// initialization. One-shot tools leave it off and call Sweep directly.
	RunSchedulers bool
}

// bytesPerGB is the divisor used for cost estimates.
const bytesPerGB = 1 << 30

// EstimateCost returns the monthly cost of storing size bytes in a region
// of the given tier at baseCostPerGB.
func EstimateCost(size int64, baseCostPerGB float64, tier domain.CostTier) float64 {
	if size <= 0 {
		return 0
	}
	return float64(size) / bytesPerGB * baseCostPerGB * tier.Multiplier()
}
