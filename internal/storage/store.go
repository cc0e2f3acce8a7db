package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/publish-scheduler/internal/model"
)

var (
	// ErrNotFound is returned when a schedule does not exist
	ErrNotFound = errors.New("schedule not found")

	// ErrConflict is returned when a conditional update did not match the current state
	ErrConflict = errors.New("schedule state conflict")

	// ErrUnavailable is returned when the backing store cannot be reached
	ErrUnavailable = errors.New("schedule store unavailable")
)

// UnavailableError wraps an infrastructure failure of the store
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) hold for every UnavailableError
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// ScheduleStore is the race-safe persistence contract for schedules.
// Every state-changing method is a single conditional update: callers never
// read-then-write to change status.
type ScheduleStore interface {
	// Create persists a new pending schedule and assigns its ID
	Create(ctx context.Context, schedule *model.Schedule) error

	// Get retrieves a schedule by ID
	Get(ctx context.Context, id string) (*model.Schedule, error)

	// List retrieves one page of schedules matching the filter
	List(ctx context.Context, filter model.ScheduleFilter, page model.PageRequest) (*model.SchedulePage, error)

	// Update changes the mutable fields of a schedule that is still pending
	Update(ctx context.Context, id string, update model.ScheduleUpdate, now time.Time) (*model.Schedule, error)

	// TryClaim moves a schedule from expected to EXECUTING and hands out a claim token
	TryClaim(ctx context.Context, id string, expected model.ScheduleStatus, now time.Time) (*model.Schedule, error)

	// Commit writes the outcome of an attempt, guarded by the claim token
	Commit(ctx context.Context, id, claimToken string, outcome model.Outcome) (*model.Schedule, error)

	// Cancel cancels a pending schedule or flags an executing one
	Cancel(ctx context.Context, id string, now time.Time) (model.CancelResult, error)

	// Delete removes a schedule in a terminal state
	Delete(ctx context.Context, id string) error

	// RecoverStale releases claims taken before the cutoff. An abandoned
	// attempt counts against the retry budget: the schedule returns to
	// PENDING, or becomes FAILED once the budget is spent. A schedule with a
	// pending cancel becomes CANCELLED without being charged.
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int64, error)

	// CountByStatus returns the number of schedules in each status
	CountByStatus(ctx context.Context) (map[model.ScheduleStatus]int, error)
}

// AttemptStore keeps the execution history of schedules
type AttemptStore interface {
	// RecordAttempt stores one executor invocation
	RecordAttempt(ctx context.Context, attempt *model.Attempt) error

	// ListAttempts returns the attempts of a schedule, oldest first
	ListAttempts(ctx context.Context, scheduleID string) ([]*model.Attempt, error)

	// PruneAttempts deletes attempts that finished before the cutoff
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence API used by the scheduler
type Store interface {
	ScheduleStore
	AttemptStore

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error

	// Close releases the underlying resources
	Close() error
}

// prepareForCreate fills the fields a store owns on insert
func prepareForCreate(schedule *model.Schedule) {
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	schedule.Status = model.ScheduleStatusPending
	schedule.RetryCount = 0
	schedule.CancelRequested = false
	schedule.ClaimToken = ""
	schedule.ClaimedAt = nil
	schedule.ExecutedAt = nil
	schedule.LastError = ""
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now().UTC()
	}
	if schedule.UpdatedAt.IsZero() {
		schedule.UpdatedAt = schedule.CreatedAt
	}
}
