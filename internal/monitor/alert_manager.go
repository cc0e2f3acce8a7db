package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/events"
	"github.com/t77yq/publish-scheduler/internal/model"
)

const (
	alertStreamName     = "ALERTS"
	alertSubjectPrefix  = "alert."
	maxRecentAlerts     = 100
	defaultEvalInterval = 30 * time.Second
)

// SnapshotSource provides the latest metrics sample; Collector satisfies it
type SnapshotSource interface {
	Snapshot() *Snapshot
}

// AlertManager raises alerts from schedule events and metrics snapshots.
// Alerts are kept in memory and published to JetStream when js is set.
type AlertManager struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	events   <-chan events.Event
	metrics  SnapshotSource
	interval time.Duration
	rules    sync.Map

	mu     sync.Mutex
	recent []*model.Alert
	// active tracks threshold rules currently firing so they alert once per episode
	active map[string]bool

	started atomic.Bool
	stop    chan struct{}
	once    sync.Once
	done    chan struct{}
}

// NewAlertManager creates a new alert manager. js and metrics may be nil.
func NewAlertManager(logger *zap.Logger, js nats.JetStreamContext, eventCh <-chan events.Event, metrics SnapshotSource, interval time.Duration) *AlertManager {
	if interval <= 0 {
		interval = defaultEvalInterval
	}
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		js:       js,
		events:   eventCh,
		metrics:  metrics,
		interval: interval,
		active:   make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the alert manager
func (m *AlertManager) Start(ctx context.Context) error {
	if m.js != nil {
		stream, err := m.js.StreamInfo(alertStreamName)
		if err != nil && err != nats.ErrStreamNotFound {
			return fmt.Errorf("failed to get stream info: %w", err)
		}
		if stream == nil {
			_, err = m.js.AddStream(&nats.StreamConfig{
				Name:     alertStreamName,
				Subjects: []string{alertSubjectPrefix + "*"},
				Storage:  nats.FileStorage,
			})
			if err != nil {
				return fmt.Errorf("failed to create stream: %w", err)
			}
		}
	}

	m.started.Store(true)
	go m.run(ctx)

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the alert manager and waits for its loop to exit.
// It returns at once if Start was never called.
func (m *AlertManager) Stop() {
	m.once.Do(func() {
		close(m.stop)
	})
	if m.started.Load() {
		<-m.done
	}
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return fmt.Errorf("rule not found: %s", rule.ID)
	}
	rule.UpdatedAt = time.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	m.rules.Delete(id)

	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
	return nil
}

// Recent returns the most recent alerts, newest first
func (m *AlertManager) Recent() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	alerts := make([]*model.Alert, len(m.recent))
	copy(alerts, m.recent)
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return alerts
}

func (m *AlertManager) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case e, ok := <-m.events:
			if !ok {
				m.events = nil
				continue
			}
			m.handleEvent(e)
		case <-ticker.C:
			m.Evaluate()
		}
	}
}

func (m *AlertManager) handleEvent(e events.Event) {
	if e.Type != events.TypeFailed {
		return
	}

	m.forEachRule(model.AlertTypeScheduleFailure, func(rule *model.AlertRule) {
		m.createAlert(rule, fmt.Sprintf("Schedule %s for %s failed", e.ScheduleID, e.TargetRef), map[string]interface{}{
			"scheduleId": e.ScheduleID,
			"targetRef":  e.TargetRef,
			"retryCount": e.RetryCount,
			"error":      e.Error,
		})
	})
}

// Evaluate checks threshold rules against the latest metrics snapshot
func (m *AlertManager) Evaluate() {
	if m.metrics == nil {
		return
	}
	snapshot := m.metrics.Snapshot()
	if snapshot == nil {
		return
	}

	m.forEachRule(model.AlertTypeStoreUnavailable, func(rule *model.AlertRule) {
		m.evaluateCondition(rule, !snapshot.StoreHealthy, "Schedule store is unavailable", nil)
	})

	failed := snapshot.Schedules[model.ScheduleStatusFailed]
	m.forEachRule(model.AlertTypeFailureBacklog, func(rule *model.AlertRule) {
		m.evaluateCondition(rule, float64(failed) > rule.Threshold,
			fmt.Sprintf("%d schedules in FAILED exceed threshold %.0f", failed, rule.Threshold),
			map[string]interface{}{"failed": failed})
	})
}

func (m *AlertManager) evaluateCondition(rule *model.AlertRule, firing bool, message string, data map[string]interface{}) {
	m.mu.Lock()
	wasActive := m.active[rule.ID]
	m.active[rule.ID] = firing
	m.mu.Unlock()

	if firing && !wasActive {
		m.createAlert(rule, message, data)
	}
}

func (m *AlertManager) forEachRule(alertType model.AlertType, fn func(rule *model.AlertRule)) {
	m.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == alertType && !rule.Silenced {
			fn(rule)
		}
		return true
	})
}

// createAlert records and publishes a new alert
func (m *AlertManager) createAlert(rule *model.AlertRule, message string, data map[string]interface{}) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.recent = append(m.recent, alert)
	if len(m.recent) > maxRecentAlerts {
		m.recent = m.recent[len(m.recent)-maxRecentAlerts:]
	}
	m.mu.Unlock()

	m.logger.Warn("Alert raised",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))

	if m.js == nil {
		return
	}

	alertData, err := json.Marshal(alert)
	if err != nil {
		m.logger.Error("Failed to marshal alert", zap.Error(err))
		return
	}
	if _, err := m.js.Publish(alertSubjectPrefix+string(alert.Type), alertData); err != nil {
		m.logger.Error("Failed to publish alert", zap.Error(err))
	}
}
