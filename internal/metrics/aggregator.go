// Package metrics maintains the engine's running aggregates and exports them
// to Prometheus.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prn-tf/sealstore/internal/domain"
)

// Aggregator folds storage events into a StorageMetrics aggregate.
// It is safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	totalObjects int64
	totalSize    int64
	operations   int64
	errorRate    float64
	cost         float64

	latencySamples int64
	averageLatency float64

	lastBackup      *time.Time
	lastReplication *time.Time

	regions map[string]domain.RegionUsage
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{regions: make(map[string]domain.RegionUsage)}
}

// Seed sets the object and byte totals, typically from the catalog at startup.
func (a *Aggregator) Seed(objects, bytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalObjects = objects
	a.totalSize = bytes
}

// Fold applies one event to the aggregate.
//
// Every event counts as one operation and updates the error rate as the
// incremental mean of 1 (error) and 0 (success). Events with a duration update
// the average latency the same way.
func (a *Aggregator) Fold(event domain.StorageEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.operations++
	sample := 0.0
	if event.IsFailure() {
		sample = 1.0
	}
	a.errorRate += (sample - a.errorRate) / float64(a.operations)

	if event.Duration != nil {
		a.latencySamples++
		ms := float64(*event.Duration) / float64(time.Millisecond)
		a.averageLatency += (ms - a.averageLatency) / float64(a.latencySamples)
	}

	if raw, ok := event.Metadata[domain.MetaCost]; ok {
		if cost, err := strconv.ParseFloat(raw, 64); err == nil {
			a.cost += cost
		}
	}

	switch event.Type {
	case domain.EventUpload:
		a.totalObjects++
		if event.Size != nil {
			a.totalSize += *event.Size
		}
	case domain.EventDelete:
		if a.totalObjects > 0 {
			a.totalObjects--
		}
		if event.Size != nil {
			a.totalSize -= *event.Size
			if a.totalSize < 0 {
				a.totalSize = 0
			}
		}
	case domain.EventBackup:
		ts := event.Timestamp
		a.lastBackup = &ts
	case domain.EventReplication:
		ts := event.Timestamp
		a.lastReplication = &ts
	}
}

// SetRegionUsage records backend-reported usage for a region.
func (a *Aggregator) SetRegionUsage(region string, usage domain.RegionUsage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regions[region] = usage
}

// Snapshot returns a consistent copy of the aggregate.
func (a *Aggregator) Snapshot() domain.StorageMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := domain.StorageMetrics{
		TotalObjects:    a.totalObjects,
		TotalSize:       a.totalSize,
		OperationsCount: a.operations,
		AverageLatency:  a.averageLatency,
		ErrorRate:       a.errorRate,
		CostEstimate:    a.cost,
	}
	if a.lastBackup != nil {
		ts := *a.lastBackup
		m.LastBackup = &ts
	}
	if a.lastReplication != nil {
		ts := *a.lastReplication
		m.LastReplication = &ts
	}
	if len(a.regions) > 0 {
		m.Regions = make(map[string]domain.RegionUsage, len(a.regions))
		for id, usage := range a.regions {
			m.Regions[id] = usage
		}
	}
	return m
}
