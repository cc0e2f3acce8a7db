package model

import "time"

// AttemptOutcome classifies a single executor invocation
type AttemptOutcome string

const (
	AttemptOutcomeSuccess   AttemptOutcome = "success"
	AttemptOutcomeRetryable AttemptOutcome = "retryable"
	AttemptOutcomeFatal     AttemptOutcome = "fatal"
)

// AttemptTrigger records which path claimed the schedule
type AttemptTrigger string

const (
	AttemptTriggerDispatcher AttemptTrigger = "dispatcher"
	AttemptTriggerExecuteNow AttemptTrigger = "execute_now"
)

// Attempt is a historical record of one execution of a schedule
type Attempt struct {
	ID         string         `json:"id"`
	ScheduleID string         `json:"scheduleId"`
	Attempt    int            `json:"attempt"`
	Trigger    AttemptTrigger `json:"trigger"`
	Outcome    AttemptOutcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Duration   time.Duration  `json:"duration"`
}
