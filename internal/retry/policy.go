package retry

import (
	"errors"
	"time"
)

const (
	DefaultInitialDelay = time.Minute
	DefaultMaxDelay     = 30 * time.Minute
	DefaultMultiplier   = 2.0
)

// Strategy computes the delay before a retry
type Strategy interface {
	// NextRetry returns the delay after the given number of failed attempts
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff returns 1m, 2m, 4m ... capped at 30m
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
	}
}

// NextRetry returns InitialDelay × Multiplier^(attempt-1), capped at MaxDelay
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= s.Multiplier
		if delay > float64(s.MaxDelay) {
			break
		}
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Decision is the result of applying the policy to a failed attempt
type Decision struct {
	// Retry is false when the schedule should give up and fail
	Retry bool
	// RetryCount is the new retry count to persist
	RetryCount int
	// NextScheduledAt is set only when Retry is true
	NextScheduledAt time.Time
	// Reason is the error message recorded as lastError
	Reason string
}

// Policy decides whether and when a failed attempt is retried
type Policy struct {
	Backoff Strategy
}

// NewPolicy creates a policy; a nil strategy uses DefaultBackoff
func NewPolicy(backoff Strategy) *Policy {
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	return &Policy{Backoff: backoff}
}

// Decide is deterministic in its inputs. A retryable failure consumes one
// unit of the budget and is retried while the new count stays below
// maxRetries. A fatal error fails the schedule without touching the count.
func (p *Policy) Decide(now time.Time, retryCount, maxRetries int, err error) Decision {
	var decision Decision
	if err != nil {
		decision.Reason = err.Error()
	}

	if !IsRetryable(err) {
		decision.RetryCount = retryCount
		return decision
	}

	newCount := retryCount + 1
	if newCount > maxRetries {
		newCount = maxRetries
	}
	if newCount < retryCount {
		newCount = retryCount
	}
	decision.RetryCount = newCount
	if newCount >= maxRetries {
		return decision
	}

	decision.Retry = true
	decision.NextScheduledAt = now.Add(p.Backoff.NextRetry(newCount))
	return decision
}

// IsRetryable classifies an execution error. Errors that carry their own
// classification win; everything else, timeouts included, is transient and
// bounded by the retry budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}
