package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/events"
	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/retry"
	"github.com/t77yq/publish-scheduler/internal/storage"
)

// DispatcherConfig controls the polling loop
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Workers      int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// DispatcherStats counts dispatcher activity since start
type DispatcherStats struct {
	Scans      int64     `json:"scans"`
	Claimed    int64     `json:"claimed"`
	Conflicts  int64     `json:"conflicts"`
	Failures   int64     `json:"failures"`
	LastScanAt time.Time `json:"lastScanAt"`
}

// Dispatcher finds due schedules, claims them and runs them on a bounded
// worker pool. Several dispatchers may share one store: the claim is the only
// coordination between them.
type Dispatcher struct {
	logger *zap.Logger
	store  storage.Store
	runner *runner
	config DispatcherConfig

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	scans      atomic.Int64
	claimed    atomic.Int64
	conflicts  atomic.Int64
	failures   atomic.Int64
	lastScanAt atomic.Int64
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(store storage.Store, executor Executor, policy *retry.Policy, publisher events.Publisher, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	logger = logger.Named("dispatcher")
	return &Dispatcher{
		logger: logger,
		store:  store,
		runner: newRunner(store, executor, policy, publisher, logger),
		config: config.withDefaults(),
	}
}

// Start runs the dispatch loop in the background
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrDispatcherRunning
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	d.logger.Info("Starting dispatcher",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Int("batch_size", d.config.BatchSize),
		zap.Int("workers", d.config.Workers))

	go func(stop, done chan struct{}) {
		defer close(done)
		d.loop(ctx, stop)
	}(d.stop, d.done)

	return nil
}

// Stop ends the loop and waits for in-flight attempts to finish and commit.
// Attempts are not interrupted; the executor timeout bounds the wait.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher")
	<-done
}

func (d *Dispatcher) loop(ctx context.Context, stop <-chan struct{}) {
	// stop ends claiming for the current scan; claimed attempts still finish
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Dispatcher) scan(ctx context.Context) {
	if _, err := d.ScanOnce(ctx); err != nil && ctx.Err() == nil {
		// nothing was claimed, the next tick retries
		d.logger.Error("Dispatch scan failed", zap.Error(err))
	}
}

// ScanOnce claims and runs every due schedule of one batch and waits for
// them to finish. It returns how many schedules it claimed.
func (d *Dispatcher) ScanOnce(ctx context.Context) (int, error) {
	d.scans.Add(1)
	now := d.runner.now()
	d.lastScanAt.Store(now.UnixNano())

	page, err := d.store.List(ctx, model.ScheduleFilter{
		Status:    model.ScheduleStatusPending,
		DueBefore: &now,
	}, model.PageRequest{
		Size:   d.config.BatchSize,
		SortBy: model.SortByScheduledAt,
	})
	if err != nil {
		d.failures.Add(1)
		return 0, err
	}
	if len(page.Items) == 0 {
		return 0, nil
	}

	d.logger.Debug("Found due schedules", zap.Int("count", len(page.Items)))

	var (
		wg      sync.WaitGroup
		claimed int
		scanErr error
	)
	slots := make(chan struct{}, d.config.Workers)

	for _, due := range page.Items {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return claimed, ctx.Err()
		}

		schedule, err := d.store.TryClaim(ctx, due.ID, model.ScheduleStatusPending, d.runner.now())
		if err != nil {
			<-slots
			if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
				// another actor won the race or the schedule was removed
				d.conflicts.Add(1)
				continue
			}
			d.failures.Add(1)
			scanErr = err
			break
		}

		claimed++
		d.claimed.Add(1)
		wg.Add(1)
		go func(schedule *model.Schedule) {
			defer wg.Done()
			defer func() { <-slots }()

			if _, err := d.runner.run(ctx, schedule, model.AttemptTriggerDispatcher); err != nil {
				d.failures.Add(1)
			}
		}(schedule)
	}

	wg.Wait()
	return claimed, scanErr
}

// Stats returns a snapshot of the counters
func (d *Dispatcher) Stats() DispatcherStats {
	stats := DispatcherStats{
		Scans:     d.scans.Load(),
		Claimed:   d.claimed.Load(),
		Conflicts: d.conflicts.Load(),
		Failures:  d.failures.Load(),
	}
	if last := d.lastScanAt.Load(); last > 0 {
		stats.LastScanAt = time.Unix(0, last).UTC()
	}
	return stats
}
