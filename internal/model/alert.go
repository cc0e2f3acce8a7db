package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the condition an alert rule watches
type AlertType string

const (
	// AlertTypeScheduleFailure fires when a schedule ends in FAILED
	AlertTypeScheduleFailure AlertType = "schedule_failure"
	// AlertTypeStoreUnavailable fires when the store stops answering pings
	AlertTypeStoreUnavailable AlertType = "store_unavailable"
	// AlertTypeFailureBacklog fires when the number of FAILED schedules exceeds Threshold
	AlertTypeFailureBacklog AlertType = "failure_backlog"
)

// AlertRule defines a rule for generating alerts
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	Threshold float64       `json:"threshold,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Alert represents a raised alert
type Alert struct {
	ID        string                 `json:"id"`
	RuleID    string                 `json:"ruleId"`
	Type      AlertType              `json:"type"`
	Severity  AlertSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}
