package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/prn-tf/sealstore/internal/domain"
)

// DefaultNamespace prefixes every exported metric.
const DefaultNamespace = "sealstore"

// Metrics holds the Prometheus collectors of the engine.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	BytesStored       *prometheus.CounterVec
	CostEstimate      prometheus.Counter
	CompressionRatio  prometheus.Histogram
	DedupSavedBytes   prometheus.Counter

	LastBackupTime      prometheus.Gauge
	LastReplicationTime prometheus.Gauge

	SweepRuns     *prometheus.CounterVec
	SweepDuration *prometheus.HistogramVec
	SweepTasks    *prometheus.CounterVec
	SweepLastRun  *prometheus.GaugeVec

	RegionObjects *prometheus.GaugeVec
	RegionBytes   *prometheus.GaugeVec

	EventsDropped prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Storage events by type and region.",
		}, []string{"type", "region"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error events by operation and error kind.",
		}, []string{"operation", "kind"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		BytesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_stored_total",
			Help:      "Bytes written by uploads, replicas and backups.",
		}, []string{"type"}),
		CostEstimate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_estimate_total",
			Help:      "Cumulative monthly cost estimate of stored objects in USD.",
		}),
		CompressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compression_ratio",
			Help:      "Stored size divided by original size of uploads.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		DedupSavedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_saved_bytes_total",
			Help:      "Bytes not written because identical content was already stored.",
		}),
		LastBackupTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_backup_timestamp_seconds",
			Help:      "Unix time of the last backup event.",
		}),
		LastReplicationTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_replication_timestamp_seconds",
			Help:      "Unix time of the last replication event.",
		}),
		SweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Completed sweep runs by kind.",
		}, []string{"kind"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweep runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
		SweepTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_tasks_total",
			Help:      "Sync tasks processed by sweeps, by kind and result.",
		}, []string{"kind", "result"}),
		SweepLastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_last_run_timestamp_seconds",
			Help:      "Unix time of the last sweep run by kind.",
		}, []string{"kind"}),
		RegionObjects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_objects",
			Help:      "Backend-reported object count per region.",
		}, []string{"region"}),
		RegionBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "region_bytes",
			Help:      "Backend-reported bytes per region.",
		}, []string{"region"}),
		EventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_dropped",
			Help:      "Events not delivered to async handlers because the queue was full.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsTotal,
			m.ErrorsTotal,
			m.OperationDuration,
			m.BytesStored,
			m.CostEstimate,
			m.CompressionRatio,
			m.DedupSavedBytes,
			m.LastBackupTime,
			m.LastReplicationTime,
			m.SweepRuns,
			m.SweepDuration,
			m.SweepTasks,
			m.SweepLastRun,
			m.RegionObjects,
			m.RegionBytes,
			m.EventsDropped,
		)
	}

	return m
}

// Handle folds an event into the Prometheus collectors.
func (m *Metrics) Handle(_ context.Context, event domain.StorageEvent) {
	m.EventsTotal.WithLabelValues(string(event.Type), event.Region).Inc()

	if event.IsFailure() {
		m.ErrorsTotal.WithLabelValues(event.Metadata[domain.MetaOperation], event.Metadata[domain.MetaErrorKind]).Inc()
		return
	}

	if event.Duration != nil {
		m.OperationDuration.WithLabelValues(string(event.Type)).Observe(event.Duration.Seconds())
	}

	switch event.Type {
	case domain.EventUpload, domain.EventReplication, domain.EventBackup:
		if event.Size != nil {
			m.BytesStored.WithLabelValues(string(event.Type)).Add(float64(*event.Size))
		}
	}

	if raw, ok := event.Metadata[domain.MetaCost]; ok {
		if cost, err := strconv.ParseFloat(raw, 64); err == nil && cost > 0 {
			m.CostEstimate.Add(cost)
		}
	}

	switch event.Type {
	case domain.EventUpload:
		if raw, ok := event.Metadata[domain.MetaCompressionRatio]; ok {
			if ratio, err := strconv.ParseFloat(raw, 64); err == nil {
				m.CompressionRatio.Observe(ratio)
			}
		}
		if raw, ok := event.Metadata[domain.MetaDedupSaved]; ok {
			if saved, err := strconv.ParseInt(raw, 10, 64); err == nil && saved > 0 {
				m.DedupSavedBytes.Add(float64(saved))
			}
		}
	case domain.EventBackup:
		m.LastBackupTime.Set(float64(event.Timestamp.Unix()))
	case domain.EventReplication:
		m.LastReplicationTime.Set(float64(event.Timestamp.Unix()))
	}
}

// RecordSweep records the outcome of one sweep run.
func (m *Metrics) RecordSweep(kind domain.TaskKind, duration time.Duration, completed, retried, failed int) {
	k := string(kind)
	m.SweepRuns.WithLabelValues(k).Inc()
	m.SweepDuration.WithLabelValues(k).Observe(duration.Seconds())
	m.SweepTasks.WithLabelValues(k, "completed").Add(float64(completed))
	m.SweepTasks.WithLabelValues(k, "retried").Add(float64(retried))
	m.SweepTasks.WithLabelValues(k, "failed").Add(float64(failed))
	m.SweepLastRun.WithLabelValues(k).SetToCurrentTime()
}

// SetRegionUsage records backend-reported usage for a region.
func (m *Metrics) SetRegionUsage(region string, usage domain.RegionUsage) {
	m.RegionObjects.WithLabelValues(region).Set(float64(usage.Objects))
	m.RegionBytes.WithLabelValues(region).Set(float64(usage.Bytes))
}
