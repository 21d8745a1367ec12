// Package domain contains the core business entities for sealstore.
package domain

import "time"

// StorageMetrics is a point-in-time snapshot of the running aggregates.
type StorageMetrics struct {
	TotalObjects    int64 `json:"total_objects"`
	TotalSize       int64 `json:"total_size"`
	OperationsCount int64 `json:"operations_count"`

	// AverageLatency is the incremental mean of event durations, in milliseconds.
	AverageLatency float64 `json:"average_latency_ms"`

	// ErrorRate is the incremental mean of error (1) versus success (0) events.
	ErrorRate float64 `json:"error_rate"`

	CostEstimate    float64    `json:"cost_estimate"`
	LastBackup      *time.Time `json:"last_backup,omitempty"`
	LastReplication *time.Time `json:"last_replication,omitempty"`

	// Regions holds backend-native usage polled by the metrics collector.
	Regions map[string]RegionUsage `json:"regions,omitempty"`
}

// RegionUsage is backend-reported usage for one region.
type RegionUsage struct {
	Objects   int64     `json:"objects"`
	Bytes     int64     `json:"bytes"`
	PolledAt  time.Time `json:"polled_at"`
	PollError string    `json:"poll_error,omitempty"`
}
