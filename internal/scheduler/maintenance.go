package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/storage"
)

// MaintenanceConfig controls the background housekeeping jobs
type MaintenanceConfig struct {
	RecoverySpec     string
	PruneSpec        string
	ClaimTTL         time.Duration
	AttemptRetention time.Duration
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.RecoverySpec == "" {
		c.RecoverySpec = DefaultRecoverySpec
	}
	if c.PruneSpec == "" {
		c.PruneSpec = DefaultPruneSpec
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = DefaultClaimTTL
	}
	if c.AttemptRetention <= 0 {
		c.AttemptRetention = DefaultAttemptRetention
	}
	return c
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Maintenance releases abandoned claims and prunes old attempt history
type Maintenance struct {
	logger *zap.Logger
	store  storage.Store
	cron   *cron.Cron
	config MaintenanceConfig
	now    func() time.Time
}

// NewMaintenance registers the housekeeping jobs; it fails on a bad cron spec
func NewMaintenance(store storage.Store, config MaintenanceConfig, logger *zap.Logger) (*Maintenance, error) {
	logger = logger.Named("maintenance")
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	}

	m := &Maintenance{
		logger: logger,
		store:  store,
		cron:   cron.New(cronOptions...),
		config: config.withDefaults(),
		now:    func() time.Time { return time.Now().UTC() },
	}

	if _, err := m.cron.AddFunc(m.config.RecoverySpec, m.recoverJob); err != nil {
		return nil, fmt.Errorf("failed to parse recovery spec %q: %w", m.config.RecoverySpec, err)
	}
	if _, err := m.cron.AddFunc(m.config.PruneSpec, m.pruneJob); err != nil {
		return nil, fmt.Errorf("failed to parse prune spec %q: %w", m.config.PruneSpec, err)
	}

	return m, nil
}

// Start starts the cron scheduler
func (m *Maintenance) Start() {
	m.logger.Info("Starting maintenance jobs",
		zap.String("recovery_spec", m.config.RecoverySpec),
		zap.String("prune_spec", m.config.PruneSpec),
		zap.Duration("claim_ttl", m.config.ClaimTTL))
	m.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.logger.Info("Maintenance jobs stopped")
}

// RecoverStaleClaims returns schedules whose claim outlived the claim TTL to
// PENDING (or CANCELLED when cancel was requested). The abandoned owner can no
// longer commit because its claim token is cleared.
func (m *Maintenance) RecoverStaleClaims(ctx context.Context) (int64, error) {
	now := m.now()
	recovered, err := m.store.RecoverStale(ctx, now.Add(-m.config.ClaimTTL), now)
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		m.logger.Warn("Recovered stale claims", zap.Int64("count", recovered))
	}
	return recovered, nil
}

// PruneAttempts deletes attempt records older than the retention period
func (m *Maintenance) PruneAttempts(ctx context.Context) (int64, error) {
	return m.store.PruneAttempts(ctx, m.now().Add(-m.config.AttemptRetention))
}

func (m *Maintenance) recoverJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := m.RecoverStaleClaims(ctx); err != nil {
		m.logger.Error("Failed to recover stale claims", zap.Error(err))
	}
}

func (m *Maintenance) pruneJob() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := m.PruneAttempts(ctx); err != nil {
		m.logger.Error("Failed to prune attempts", zap.Error(err))
	}
}
