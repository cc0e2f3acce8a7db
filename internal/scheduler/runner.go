package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/events"
	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/retry"
	"github.com/t77yq/publish-scheduler/internal/storage"
)

// Executor performs the deferred action for a target
type Executor interface {
	Execute(ctx context.Context, targetRef string) error
}

// runner drives one claimed schedule through execute → record → commit.
// The dispatcher and execute-now share it, so both paths behave the same
// once a claim is won.
type runner struct {
	logger   *zap.Logger
	store    storage.Store
	executor Executor
	policy   *retry.Policy
	events   events.Publisher
	now      func() time.Time
}

func newRunner(store storage.Store, executor Executor, policy *retry.Policy, publisher events.Publisher, logger *zap.Logger) *runner {
	if policy == nil {
		policy = retry.NewPolicy(nil)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &runner{
		logger:   logger,
		store:    store,
		executor: executor,
		policy:   policy,
		events:   publisher,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// run executes a claimed schedule and commits the outcome with its claim token
func (r *runner) run(ctx context.Context, claimed *model.Schedule, trigger model.AttemptTrigger) (*model.Schedule, error) {
	logger := r.logger.With(
		zap.String("schedule_id", claimed.ID),
		zap.String("target_ref", claimed.TargetRef),
		zap.String("trigger", string(trigger)))

	r.events.Publish(ctx, events.NewEvent(events.TypeExecuting, claimed, r.now()))

	// A claimed attempt runs to completion once started: a stopping
	// dispatcher or a departed caller must not be recorded as a failed
	// publish. The executor timeout still bounds the call.
	detached := context.WithoutCancel(ctx)

	startedAt := r.now()
	execErr := r.executor.Execute(detached, claimed.TargetRef)
	finishedAt := r.now()

	outcome, attempt := r.resolve(claimed, trigger, execErr, startedAt, finishedAt)

	writeCtx, cancel := context.WithTimeout(detached, commitTimeout)
	defer cancel()

	if err := r.store.RecordAttempt(writeCtx, attempt); err != nil {
		logger.Warn("Failed to record attempt", zap.Error(err))
	}

	committed, err := r.store.Commit(writeCtx, claimed.ID, claimed.ClaimToken, outcome)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			logger.Warn("Claim lost before commit, outcome discarded",
				zap.String("outcome", string(outcome.Status)))
		} else {
			logger.Error("Failed to commit attempt", zap.Error(err))
		}
		return nil, fmt.Errorf("failed to commit schedule %s: %w", claimed.ID, err)
	}

	logger.Info("Attempt committed",
		zap.String("status", string(committed.Status)),
		zap.Int("retry_count", committed.RetryCount),
		zap.Duration("duration", attempt.Duration))

	if eventType, ok := commitEventType(committed.Status); ok {
		r.events.Publish(writeCtx, events.NewEvent(eventType, committed, r.now()))
	}

	return committed, nil
}

// resolve turns an executor result into the outcome to commit and the
// attempt record to keep
func (r *runner) resolve(claimed *model.Schedule, trigger model.AttemptTrigger, execErr error, startedAt, finishedAt time.Time) (model.Outcome, *model.Attempt) {
	attempt := &model.Attempt{
		ScheduleID: claimed.ID,
		Attempt:    claimed.RetryCount + 1,
		Trigger:    trigger,
		Outcome:    model.AttemptOutcomeSuccess,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Duration:   finishedAt.Sub(startedAt),
	}
	outcome := model.Outcome{
		RetryCount:  claimed.RetryCount,
		CommittedAt: finishedAt,
	}

	if execErr == nil {
		outcome.Status = model.ScheduleStatusCompleted
		outcome.ExecutedAt = &finishedAt
		return outcome, attempt
	}

	attempt.Error = execErr.Error()
	attempt.Outcome = model.AttemptOutcomeFatal
	if retry.IsRetryable(execErr) {
		attempt.Outcome = model.AttemptOutcomeRetryable
	}

	decision := r.policy.Decide(finishedAt, claimed.RetryCount, claimed.MaxRetries, execErr)
	outcome.RetryCount = decision.RetryCount
	outcome.LastError = decision.Reason
	if decision.Retry {
		outcome.Status = model.ScheduleStatusPending
		outcome.ScheduledAt = decision.NextScheduledAt
	} else {
		outcome.Status = model.ScheduleStatusFailed
	}
	return outcome, attempt
}

func commitEventType(status model.ScheduleStatus) (events.Type, bool) {
	switch status {
	case model.ScheduleStatusCompleted:
		return events.TypeCompleted, true
	case model.ScheduleStatusPending:
		return events.TypeRetrying, true
	case model.ScheduleStatusFailed:
		return events.TypeFailed, true
	case model.ScheduleStatusCancelled:
		return events.TypeCancelled, true
	}
	return "", false
}
