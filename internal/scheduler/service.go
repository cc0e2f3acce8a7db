package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/content"
	"github.com/t77yq/publish-scheduler/internal/events"
	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/retry"
	"github.com/t77yq/publish-scheduler/internal/storage"
)

// ServiceConfig holds the limits applied to client input
type ServiceConfig struct {
	MaxRetries  int
	Horizon     time.Duration
	MinLeadTime time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Horizon <= 0 {
		c.Horizon = DefaultHorizon
	}
	if c.MinLeadTime < 0 {
		c.MinLeadTime = 0
	}
	return c
}

// CreateRequest is the input of CreateSchedule
type CreateRequest struct {
	TargetRef   string    `json:"targetRef"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Description string    `json:"description,omitempty"`
	MaxRetries  *int      `json:"maxRetries,omitempty"`
}

// UpdateRequest is the input of UpdateSchedule. Nil fields are left unchanged.
type UpdateRequest struct {
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	Description *string    `json:"description,omitempty"`
	MaxRetries  *int       `json:"maxRetries,omitempty"`
}

// Service is the synchronous schedule API
type Service struct {
	logger    *zap.Logger
	store     storage.Store
	validator content.Validator
	runner    *runner
	events    events.Publisher
	config    ServiceConfig
}

// NewService creates a new schedule service
func NewService(
	store storage.Store,
	validator content.Validator,
	executor Executor,
	policy *retry.Policy,
	publisher events.Publisher,
	config ServiceConfig,
	logger *zap.Logger,
) *Service {
	logger = logger.Named("schedule-service")
	if validator == nil {
		validator = content.AcceptAll
	}
	r := newRunner(store, executor, policy, publisher, logger)
	return &Service{
		logger:    logger,
		store:     store,
		validator: validator,
		runner:    r,
		events:    r.events,
		config:    config.withDefaults(),
	}
}

// CreateSchedule validates and persists a new pending schedule
func (s *Service) CreateSchedule(ctx context.Context, req CreateRequest) (*model.Schedule, error) {
	now := s.runner.now()

	targetRef := strings.TrimSpace(req.TargetRef)
	if targetRef == "" {
		return nil, invalid("targetRef", "is required")
	}
	if err := s.validateScheduledAt(now, req.ScheduledAt); err != nil {
		return nil, err
	}
	if err := validateDescription(req.Description); err != nil {
		return nil, err
	}

	maxRetries := s.config.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if err := validateMaxRetries(maxRetries); err != nil {
		return nil, err
	}

	if err := s.validator.Validate(ctx, targetRef); err != nil {
		switch {
		case errors.Is(err, content.ErrTargetNotFound):
			return nil, invalid("targetRef", "%s does not exist", targetRef)
		case errors.Is(err, content.ErrNotPublishable):
			return nil, invalid("targetRef", "%s is not in a publishable state", targetRef)
		}
		return nil, fmt.Errorf("failed to validate target: %w", err)
	}

	schedule := &model.Schedule{
		TargetRef:   targetRef,
		Description: req.Description,
		MaxRetries:  maxRetries,
		ScheduledAt: req.ScheduledAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, schedule); err != nil {
		return nil, err
	}

	s.logger.Info("Schedule created",
		zap.String("schedule_id", schedule.ID),
		zap.String("target_ref", schedule.TargetRef),
		zap.Time("scheduled_at", schedule.ScheduledAt))
	s.events.Publish(ctx, events.NewEvent(events.TypeCreated, schedule, now))

	return schedule, nil
}

// GetSchedule returns a schedule by ID
func (s *Service) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	return s.store.Get(ctx, id)
}

// ListSchedules returns one page of schedules
func (s *Service) ListSchedules(ctx context.Context, filter model.ScheduleFilter, page model.PageRequest) (*model.SchedulePage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "must be one of PENDING, EXECUTING, COMPLETED, FAILED, CANCELLED")
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, invalid("to", "must not be before from")
	}
	return s.store.List(ctx, filter, page)
}

// UpdateSchedule changes a schedule that is still pending
func (s *Service) UpdateSchedule(ctx context.Context, id string, req UpdateRequest) (*model.Schedule, error) {
	now := s.runner.now()

	if req.ScheduledAt == nil && req.Description == nil && req.MaxRetries == nil {
		return nil, invalid("body", "must change at least one of scheduledAt, description, maxRetries")
	}

	update := model.ScheduleUpdate{
		Description: req.Description,
		MaxRetries:  req.MaxRetries,
	}
	if req.ScheduledAt != nil {
		if err := s.validateScheduledAt(now, *req.ScheduledAt); err != nil {
			return nil, err
		}
		scheduledAt := req.ScheduledAt.UTC()
		update.ScheduledAt = &scheduledAt
	}
	if req.Description != nil {
		if err := validateDescription(*req.Description); err != nil {
			return nil, err
		}
	}
	if req.MaxRetries != nil {
		if err := validateMaxRetries(*req.MaxRetries); err != nil {
			return nil, err
		}
	}

	schedule, err := s.store.Update(ctx, id, update, now)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Schedule updated", zap.String("schedule_id", id))
	s.events.Publish(ctx, events.NewEvent(events.TypeUpdated, schedule, now))

	return schedule, nil
}

// CancelSchedule cancels a pending schedule immediately, or records the
// request on an executing one so the pending commit turns into CANCELLED
func (s *Service) CancelSchedule(ctx context.Context, id string) (model.CancelResult, error) {
	now := s.runner.now()

	result, err := s.store.Cancel(ctx, id, now)
	if err != nil {
		return result, err
	}

	s.logger.Info("Cancel requested",
		zap.String("schedule_id", id),
		zap.String("result", result.String()))

	var eventType events.Type
	switch result {
	case model.CancelApplied:
		eventType = events.TypeCancelled
	case model.CancelDeferred:
		eventType = events.TypeCancelRequested
	default:
		return result, nil
	}

	if schedule, err := s.store.Get(ctx, id); err == nil {
		s.events.Publish(ctx, events.NewEvent(eventType, schedule, now))
	}
	return result, nil
}

// ExecuteNow runs a pending schedule without waiting for its due time. It
// goes through the same claim as the dispatcher, so a concurrent second call
// gets ErrInvalidTransition. Once claimed, the attempt completes and commits
// even if ctx is cancelled.
func (s *Service) ExecuteNow(ctx context.Context, id string) (*model.Schedule, error) {
	claimed, err := s.store.TryClaim(ctx, id, model.ScheduleStatusPending, s.runner.now())
	if err != nil {
		return nil, err
	}

	s.logger.Info("Executing schedule on demand", zap.String("schedule_id", id))
	return s.runner.run(ctx, claimed, model.AttemptTriggerExecuteNow)
}

// DeleteSchedule removes a terminal schedule and its attempt history
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	schedule, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info("Schedule deleted", zap.String("schedule_id", id))
	s.events.Publish(ctx, events.NewEvent(events.TypeDeleted, schedule, s.runner.now()))
	return nil
}

// ListAttempts returns the execution history of a schedule
func (s *Service) ListAttempts(ctx context.Context, id string) ([]*model.Attempt, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, id)
}

func (s *Service) validateScheduledAt(now, scheduledAt time.Time) error {
	if scheduledAt.IsZero() {
		return invalid("scheduledAt", "is required")
	}
	earliest := now.Add(s.config.MinLeadTime)
	if !scheduledAt.After(earliest) {
		if s.config.MinLeadTime > 0 {
			return invalid("scheduledAt", "must be at least %s in the future", s.config.MinLeadTime)
		}
		return invalid("scheduledAt", "must be in the future")
	}
	if scheduledAt.After(now.Add(s.config.Horizon)) {
		return invalid("scheduledAt", "must be within %s from now", s.config.Horizon)
	}
	return nil
}

func validateDescription(description string) error {
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return invalid("description", "must be at most %d characters", MaxDescriptionLength)
	}
	return nil
}

func validateMaxRetries(maxRetries int) error {
	if maxRetries < MinMaxRetries || maxRetries > MaxMaxRetries {
		return invalid("maxRetries", "must be between %d and %d", MinMaxRetries, MaxMaxRetries)
	}
	return nil
}
