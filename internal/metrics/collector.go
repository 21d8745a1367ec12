package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/sealstore/internal/domain"
	"github.com/prn-tf/sealstore/internal/storage"
)

// StatsSource reports backend-native usage. storage.Router implements it.
type StatsSource interface {
	Stats(ctx context.Context, region domain.StorageRegion, bucket string) (*storage.RegionStats, error)
}

// Target is one region and bucket to poll.
type Target struct {
	Region domain.StorageRegion
	Bucket string
}

// CollectorConfig contains backend polling configuration.
type CollectorConfig struct {
	// Interval is how often to poll.
	Interval time.Duration

	// Timeout bounds each region poll.
	Timeout time.Duration

	// Dropped, if set, reports the event bus drop count on every run.
	Dropped func() int64
}

// DefaultCollectorConfig returns the default polling configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		Interval: 5 * time.Minute,
		Timeout:  30 * time.Second,
	}
}

// Collector periodically polls backend usage into the aggregate. Polling runs
// on its own goroutine and never blocks uploads.
type Collector struct {
	source     StatsSource
	targets    []Target
	aggregator *Aggregator
	metrics    *Metrics
	logger     zerolog.Logger
	config     CollectorConfig

	// Control
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewCollector creates a collector. metrics may be nil.
func NewCollector(
	source StatsSource,
	targets []Target,
	aggregator *Aggregator,
	m *Metrics,
	logger zerolog.Logger,
	config CollectorConfig,
) *Collector {
	if config.Interval <= 0 {
		config.Interval = DefaultCollectorConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultCollectorConfig().Timeout
	}
	return &Collector{
		source:     source,
		targets:    targets,
		aggregator: aggregator,
		metrics:    m,
		logger:     logger.With().Str("service", "metrics_collector").Logger(),
		config:     config,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}
}

// Start begins periodic polling. The first poll runs one interval after start.
func (c *Collector) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.logger.Info().
		Dur("interval", c.config.Interval).
		Int("targets", len(c.targets)).
		Msg("Starting metrics collector")

	go c.runLoop()
}

// Stop stops polling and waits for an in-flight poll to finish.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopChan)
	<-c.doneChan

	c.logger.Info().Msg("Metrics collector stopped")
}

func (c *Collector) runLoop() {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			c.RunOnce(ctx)
		case <-c.stopChan:
			return
		}
	}
}

// CollectResult contains the result of one polling run.
type CollectResult struct {
	Polled      int
	Unsupported int
	Errors      int
	Duration    time.Duration
}

// RunOnce polls every target once.
func (c *Collector) RunOnce(ctx context.Context) CollectResult {
	start := time.Now()
	result := CollectResult{}

	if c.config.Dropped != nil && c.metrics != nil {
		c.metrics.EventsDropped.Set(float64(c.config.Dropped()))
	}

	for _, target := range c.targets {
		if ctx.Err() != nil {
			break
		}

		pollCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
		stats, err := c.source.Stats(pollCtx, target.Region, target.Bucket)
		cancel()

		usage := domain.RegionUsage{PolledAt: time.Now().UTC()}
		switch {
		case errors.Is(err, storage.ErrStatsUnsupported):
			result.Unsupported++
			continue
		case err != nil:
			c.logger.Warn().
				Err(err).
				Str("region", target.Region.ID).
				Str("bucket", target.Bucket).
				Msg("Failed to poll backend usage")
			result.Errors++
			usage.PollError = err.Error()
		default:
			usage.Objects = stats.Objects
			usage.Bytes = stats.Bytes
			result.Polled++
		}

		c.aggregator.SetRegionUsage(target.Region.ID, usage)
		if c.metrics != nil && err == nil {
			c.metrics.SetRegionUsage(target.Region.ID, usage)
		}
	}

	result.Duration = time.Since(start)
	c.logger.Debug().
		Int("polled", result.Polled).
		Int("unsupported", result.Unsupported).
		Int("errors", result.Errors).
		Dur("duration", result.Duration).
		Msg("Metrics collection run completed")

	return result
}
