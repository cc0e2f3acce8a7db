package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/publish-scheduler/internal/config"
	"github.com/t77yq/publish-scheduler/internal/content"
	"github.com/t77yq/publish-scheduler/internal/events"
	"github.com/t77yq/publish-scheduler/internal/executor"
	"github.com/t77yq/publish-scheduler/internal/handler"
	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/monitor"
	"github.com/t77yq/publish-scheduler/internal/retry"
	"github.com/t77yq/publish-scheduler/internal/scheduler"
	"github.com/t77yq/publish-scheduler/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStore(logger, storage.SQLiteConfig{
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to open schedule store: %w", err)
	}
	defer store.Close()

	var (
		nc *nats.Conn
		js nats.JetStreamContext
	)
	if cfg.NATS.Enabled {
		nc, err = connectNATS(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()

		js, err = nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
	}

	publisher, validator, err := newContentClients(cfg, nc, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	eventPublishers := events.Multi{bus}
	var natsEvents *events.NATSPublisher
	if js != nil {
		natsEvents, err = events.NewNATSPublisher(js, cfg.Events.Retention, logger)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		eventPublishers = append(eventPublishers, natsEvents)
	}

	policy := retry.NewPolicy(&retry.ExponentialBackoff{
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	})
	exec := executor.NewExecutor(publisher, cfg.Executor.Timeout, logger)

	service := scheduler.NewService(store, validator, exec, policy, eventPublishers, scheduler.ServiceConfig{
		MaxRetries:  cfg.Scheduler.MaxRetries,
		Horizon:     cfg.Scheduler.Horizon,
		MinLeadTime: cfg.Scheduler.MinLeadTime,
	}, logger)

	dispatcher := scheduler.NewDispatcher(store, exec, policy, eventPublishers, scheduler.DispatcherConfig{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		Workers:      cfg.Scheduler.Workers,
	}, logger)

	maintenance, err := scheduler.NewMaintenance(store, scheduler.MaintenanceConfig{
		RecoverySpec:     cfg.Scheduler.RecoverySpec,
		PruneSpec:        cfg.Scheduler.PruneSpec,
		ClaimTTL:         cfg.Scheduler.ClaimTTL,
		AttemptRetention: cfg.Scheduler.AttemptRetention,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create maintenance jobs: %w", err)
	}

	// Recover claims left behind by a previous process before dispatching
	if n, err := maintenance.RecoverStaleClaims(ctx); err != nil {
		logger.Warn("Initial stale claim recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Recovered stale claims", zap.Int64("count", n))
	}

	var (
		metrics monitor.SnapshotSource
		alerts  handler.AlertSource
	)
	if cfg.Monitor.Enabled {
		collector := monitor.NewCollector(monitor.Sources{
			Store:      store,
			Dispatcher: dispatcher,
			Executor:   exec,
		}, js, cfg.Monitor.Interval, logger)
		if err := collector.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics collector: %w", err)
		}
		defer collector.Stop()
		metrics = collector

		eventCh, unsubscribe, err := alertEvents(ctx, bus, natsEvents, logger)
		if err != nil {
			return err
		}
		defer unsubscribe()

		alertManager := monitor.NewAlertManager(logger, js, eventCh, collector, cfg.Monitor.Interval)
		for _, rule := range defaultAlertRules(cfg.Monitor) {
			_ = alertManager.AddRule(rule)
		}
		if err := alertManager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start alert manager: %w", err)
		}
		defer alertManager.Stop()
		alerts = alertManager
	}

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	maintenance.Start()
	defer maintenance.Stop()

	server := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: handler.NewRouter(handler.RouterConfig{
			RateLimit: cfg.HTTP.RateLimit,
			Burst:     cfg.HTTP.Burst,
		},
			handler.NewScheduleHandler(service, logger),
			handler.NewSystemHandler(store, metrics, alerts, logger),
			logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Executor.Timeout + 30*time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
	return nil
}

func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.App.Name),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var (
		nc  *nats.Conn
		err error
	)
	retries := cfg.NATS.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", retries, err)
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

func newContentClients(cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (content.Publisher, content.Validator, error) {
	var (
		publisher content.Publisher
		validator content.Validator
	)

	switch cfg.Content.Mode {
	case config.ContentModeHTTP:
		client, err := content.NewHTTPClient(content.HTTPClientConfig{
			BaseURL: cfg.Content.BaseURL,
			Timeout: cfg.Content.Timeout,
			Headers: cfg.Content.Headers,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		publisher, validator = client, client
	case config.ContentModeNATS:
		client := content.NewNATSClient(nc, content.NATSClientConfig{
			PublishSubject:  cfg.Content.NATSSubject,
			ValidateSubject: cfg.Content.ValidateSubject,
			Timeout:         cfg.Content.Timeout,
		}, logger)
		publisher, validator = client, client
	default:
		publisher, validator = content.NewLogPublisher(logger), content.AcceptAll
	}

	if !cfg.Content.Validate {
		validator = content.AcceptAll
	}
	return publisher, validator, nil
}

// alertEvents feeds the alert manager. With JetStream the stream is the
// source, so alerts cover every instance publishing to it; otherwise the
// local bus is used.
func alertEvents(ctx context.Context, bus *events.Bus, natsEvents *events.NATSPublisher, logger *zap.Logger) (<-chan events.Event, func(), error) {
	if natsEvents == nil {
		ch, unsubscribe := bus.Subscribe(64)
		return ch, unsubscribe, nil
	}

	relay := events.NewBus()
	ch, unsubscribe := relay.Subscribe(64)
	if err := natsEvents.Relay(ctx, relay); err != nil {
		unsubscribe()
		return nil, nil, fmt.Errorf("failed to consume schedule events: %w", err)
	}
	logger.Info("Alert manager consuming schedule events from JetStream")
	return ch, unsubscribe, nil
}

func defaultAlertRules(cfg config.MonitorConfig) []*model.AlertRule {
	return []*model.AlertRule{
		{
			Name:     "Schedule failed",
			Type:     model.AlertTypeScheduleFailure,
			Severity: model.AlertSeverityError,
		},
		{
			Name:     "Schedule store unavailable",
			Type:     model.AlertTypeStoreUnavailable,
			Severity: model.AlertSeverityCritical,
		},
		{
			Name:      "Failed schedules backlog",
			Type:      model.AlertTypeFailureBacklog,
			Threshold: float64(cfg.FailureThreshold),
			Severity:  model.AlertSeverityWarning,
		},
	}
}
