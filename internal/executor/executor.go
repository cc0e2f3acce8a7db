package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/content"
	"github.com/t77yq/publish-scheduler/internal/retry"
)

// DefaultTimeout bounds a single publish call
const DefaultTimeout = 10 * time.Second

// Stats counts executor invocations by outcome
type Stats struct {
	Executions int64 `json:"executions"`
	Succeeded  int64 `json:"succeeded"`
	Retryable  int64 `json:"retryable"`
	Fatal      int64 `json:"fatal"`
	TimedOut   int64 `json:"timedOut"`
	Running    int64 `json:"running"`
}

// Executor invokes the publisher and classifies the outcome
type Executor struct {
	logger    *zap.Logger
	publisher content.Publisher
	timeout   time.Duration

	executions atomic.Int64
	succeeded  atomic.Int64
	retryable  atomic.Int64
	fatal      atomic.Int64
	timedOut   atomic.Int64
	running    atomic.Int64
}

// NewExecutor creates a new executor
func NewExecutor(publisher content.Publisher, timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		logger:    logger.Named("executor"),
		publisher: publisher,
		timeout:   timeout,
	}
}

// Timeout returns the per-call timeout
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Execute publishes targetRef. It returns nil on success, *RetryableError or
// *FatalError otherwise. The timeout holds even if the publisher ignores ctx:
// the call is abandoned and reported as retryable.
func (e *Executor) Execute(ctx context.Context, targetRef string) error {
	e.executions.Add(1)
	e.running.Add(1)
	defer e.running.Add(-1)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &FatalError{Reason: fmt.Sprintf("publisher panicked: %v", r)}
			}
		}()
		done <- e.publisher.Publish(ctx, targetRef)
	}()

	var err error
	select {
	case err = <-done:
		err = classify(err)
	case <-ctx.Done():
		reason := "publish interrupted"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.timedOut.Add(1)
			reason = fmt.Sprintf("publish timed out after %s", e.timeout)
		}
		err = &RetryableError{Reason: reason, Err: ctx.Err()}
	}

	e.record(err)

	fields := []zap.Field{
		zap.String("target_ref", targetRef),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		e.logger.Warn("Publish failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Debug("Publish succeeded", fields...)
	}

	return err
}

// Stats returns a snapshot of the counters
func (e *Executor) Stats() Stats {
	return Stats{
		Executions: e.executions.Load(),
		Succeeded:  e.succeeded.Load(),
		Retryable:  e.retryable.Load(),
		Fatal:      e.fatal.Load(),
		TimedOut:   e.timedOut.Load(),
		Running:    e.running.Load(),
	}
}

func (e *Executor) record(err error) {
	var fatal *FatalError
	switch {
	case err == nil:
		e.succeeded.Add(1)
	case errors.As(err, &fatal):
		e.fatal.Add(1)
	default:
		e.retryable.Add(1)
	}
}

// classify maps a publisher error onto RetryableError or FatalError
func classify(err error) error {
	if err == nil {
		return nil
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr
	}
	var fatalErr *FatalError
	if errors.As(err, &fatalErr) {
		return fatalErr
	}

	if retry.IsRetryable(err) {
		return &RetryableError{Reason: err.Error(), Err: err}
	}
	return &FatalError{Reason: err.Error(), Err: err}
}
