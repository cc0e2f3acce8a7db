// Package events carries schedule lifecycle notifications to whoever composes
// the scheduler. The scheduler only depends on the Publisher interface.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/publish-scheduler/internal/model"
)

// Type names a schedule lifecycle event
type Type string

const (
	TypeCreated         Type = "schedule.created"
	TypeUpdated         Type = "schedule.updated"
	TypeCancelled       Type = "schedule.cancelled"
	TypeCancelRequested Type = "schedule.cancel_requested"
	TypeExecuting       Type = "schedule.executing"
	TypeCompleted       Type = "schedule.completed"
	TypeRetrying        Type = "schedule.retrying"
	TypeFailed          Type = "schedule.failed"
	TypeDeleted         Type = "schedule.deleted"
)

// Event is a single schedule notification
type Event struct {
	ID          string               `json:"id"`
	Type        Type                 `json:"type"`
	ScheduleID  string               `json:"scheduleId"`
	TargetRef   string               `json:"targetRef"`
	Status      model.ScheduleStatus `json:"status"`
	RetryCount  int                  `json:"retryCount"`
	ScheduledAt time.Time            `json:"scheduledAt"`
	Error       string               `json:"error,omitempty"`
	Time        time.Time            `json:"time"`
}

// NewEvent builds an event from the current state of a schedule
func NewEvent(t Type, schedule *model.Schedule, now time.Time) Event {
	return Event{
		ID:          uuid.New().String(),
		Type:        t,
		ScheduleID:  schedule.ID,
		TargetRef:   schedule.TargetRef,
		Status:      schedule.Status,
		RetryCount:  schedule.RetryCount,
		ScheduledAt: schedule.ScheduledAt,
		Error:       schedule.LastError,
		Time:        now,
	}
}

// Publisher receives schedule events. Publish must not block for long and
// never reports failure to the caller.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers in order
type Multi []Publisher

// Publish implements Publisher
func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}
