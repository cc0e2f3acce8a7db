package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/executor"
	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/scheduler"
)

const (
	metricsStreamName = "SCHEDULER_METRICS"
	metricsSubject    = "metrics.scheduler"

	defaultInterval  = 15 * time.Second
	defaultCPUSample = 200 * time.Millisecond
)

// StatusCounter reports schedule counts; storage.Store satisfies it
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[model.ScheduleStatus]int, error)
	Ping(ctx context.Context) error
}

// Sources are the components a snapshot is built from. Dispatcher and
// Executor are optional.
type Sources struct {
	Store      StatusCounter
	Dispatcher interface{ Stats() scheduler.DispatcherStats }
	Executor   interface{ Stats() executor.Stats }
}

// Snapshot is one sample of scheduler and host health
type Snapshot struct {
	Timestamp    time.Time                    `json:"timestamp"`
	StoreHealthy bool                         `json:"storeHealthy"`
	Schedules    map[model.ScheduleStatus]int `json:"schedules"`
	CPUUsage     float64                      `json:"cpuUsage"`
	MemoryUsage  float64                      `json:"memoryUsage"`
	Dispatcher   *scheduler.DispatcherStats   `json:"dispatcher,omitempty"`
	Executor     *executor.Stats              `json:"executor,omitempty"`
}

// Collector samples metrics on an interval, keeps the latest snapshot and
// optionally publishes it to JetStream
type Collector struct {
	logger    *zap.Logger
	sources   Sources
	js        nats.JetStreamContext
	interval  time.Duration
	cpuSample time.Duration

	mu     sync.RWMutex
	latest *Snapshot
	stop   chan struct{}
	once   sync.Once
}

// NewCollector creates a new metrics collector. js may be nil.
func NewCollector(sources Sources, js nats.JetStreamContext, interval time.Duration, logger *zap.Logger) *Collector {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Collector{
		logger:    logger.Named("metrics-collector"),
		sources:   sources,
		js:        js,
		interval:  interval,
		cpuSample: defaultCPUSample,
		stop:      make(chan struct{}),
	}
}

// Start takes a first sample and starts the collection loop
func (c *Collector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.Duration("interval", c.interval))

	if c.js != nil {
		if err := c.setupStream(); err != nil {
			return err
		}
	}

	c.Collect(ctx)
	go c.collectLoop(ctx)

	return nil
}

// Stop stops the metrics collector
func (c *Collector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
	})
}

func (c *Collector) setupStream() error {
	stream, err := c.js.StreamInfo(metricsStreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream != nil {
		return nil
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name:     metricsStreamName,
		Subjects: []string{metricsSubject},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func (c *Collector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample, stores it as the latest snapshot and publishes it
func (c *Collector) Collect(ctx context.Context) *Snapshot {
	snapshot := &Snapshot{
		Timestamp: time.Now().UTC(),
	}

	if c.sources.Store != nil {
		snapshot.StoreHealthy = c.sources.Store.Ping(ctx) == nil
		counts, err := c.sources.Store.CountByStatus(ctx)
		if err != nil {
			c.logger.Error("Failed to count schedules", zap.Error(err))
		} else {
			snapshot.Schedules = counts
		}
	}

	cpuPercent, err := cpu.PercentWithContext(ctx, c.cpuSample, false)
	if err != nil {
		c.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		snapshot.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		c.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		snapshot.MemoryUsage = memInfo.UsedPercent
	}

	if c.sources.Dispatcher != nil {
		stats := c.sources.Dispatcher.Stats()
		snapshot.Dispatcher = &stats
	}
	if c.sources.Executor != nil {
		stats := c.sources.Executor.Stats()
		snapshot.Executor = &stats
	}

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()

	c.publish(snapshot)

	c.logger.Debug("Metrics collected",
		zap.Bool("store_healthy", snapshot.StoreHealthy),
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage))

	return snapshot
}

// Snapshot returns the latest sample, or nil before the first one
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

func (c *Collector) publish(snapshot *Snapshot) {
	if c.js == nil {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Error("Failed to marshal metrics", zap.Error(err))
		return
	}
	if _, err := c.js.Publish(metricsSubject, data); err != nil {
		c.logger.Error("Failed to publish metrics", zap.Error(err))
	}
}
