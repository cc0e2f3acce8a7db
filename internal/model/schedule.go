package model

import (
	"time"
)

// ScheduleStatus represents the lifecycle state of a schedule
type ScheduleStatus string

const (
	ScheduleStatusPending   ScheduleStatus = "PENDING"
	ScheduleStatusExecuting ScheduleStatus = "EXECUTING"
	ScheduleStatusCompleted ScheduleStatus = "COMPLETED"
	ScheduleStatusFailed    ScheduleStatus = "FAILED"
	ScheduleStatusCancelled ScheduleStatus = "CANCELLED"
)

// AllStatuses lists every schedule status in lifecycle order
var AllStatuses = []ScheduleStatus{
	ScheduleStatusPending,
	ScheduleStatusExecuting,
	ScheduleStatusCompleted,
	ScheduleStatusFailed,
	ScheduleStatusCancelled,
}

// Valid reports whether s is a known status
func (s ScheduleStatus) Valid() bool {
	for _, status := range AllStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s
func (s ScheduleStatus) IsTerminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusFailed, ScheduleStatusCancelled:
		return true
	}
	return false
}

// Schedule is a deferred action against an opaque target
type Schedule struct {
	ID          string         `json:"id"`
	TargetRef   string         `json:"targetRef"`
	Description string         `json:"description,omitempty"`
	Status      ScheduleStatus `json:"status"`
	RetryCount  int            `json:"retryCount"`
	MaxRetries  int            `json:"maxRetries"`
	LastError   string         `json:"lastError,omitempty"`

	// Timing fields
	ScheduledAt time.Time  `json:"scheduledAt"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExecutedAt  *time.Time `json:"executedAt,omitempty"`

	// Claim details
	CancelRequested bool       `json:"cancelRequested"`
	ClaimToken      string     `json:"-"`
	ClaimedAt       *time.Time `json:"claimedAt,omitempty"`
}

// Clone returns a deep copy of the schedule
func (s *Schedule) Clone() *Schedule {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ExecutedAt != nil {
		t := *s.ExecutedAt
		cp.ExecutedAt = &t
	}
	if s.ClaimedAt != nil {
		t := *s.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}

// ScheduleUpdate carries the mutable fields of a pending schedule.
// Nil fields are left unchanged.
type ScheduleUpdate struct {
	ScheduledAt *time.Time
	Description *string
	MaxRetries  *int
}

// Outcome is the state written back by a commit after an attempt resolves
type Outcome struct {
	Status      ScheduleStatus
	RetryCount  int
	ScheduledAt time.Time
	LastError   string
	ExecutedAt  *time.Time
	CommittedAt time.Time
}

// CancelResult describes what a cancel request did
type CancelResult int

const (
	// CancelNoop means the schedule was already terminal
	CancelNoop CancelResult = iota
	// CancelApplied means a pending schedule moved to CANCELLED
	CancelApplied
	// CancelDeferred means cancellation was recorded on an executing schedule
	CancelDeferred
)

func (r CancelResult) String() string {
	switch r {
	case CancelApplied:
		return "applied"
	case CancelDeferred:
		return "deferred"
	default:
		return "noop"
	}
}
