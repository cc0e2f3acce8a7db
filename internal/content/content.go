// Package content holds the clients of the article service that owns the
// targets schedules point at. The scheduler only needs to publish a target
// and, when a schedule is created, check that the target can be published.
package content

import (
	"context"

	"go.uber.org/zap"
)

// Publisher performs the deferred action. Implementations must tolerate being
// called more than once for the same target.
type Publisher interface {
	Publish(ctx context.Context, targetRef string) error
}

// Validator checks a target when a schedule is created
type Validator interface {
	Validate(ctx context.Context, targetRef string) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, targetRef string) error

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, targetRef string) error {
	return f(ctx, targetRef)
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(ctx context.Context, targetRef string) error

// Validate calls f
func (f ValidatorFunc) Validate(ctx context.Context, targetRef string) error {
	return f(ctx, targetRef)
}

// AcceptAll is a Validator that accepts every target
var AcceptAll Validator = ValidatorFunc(func(context.Context, string) error { return nil })

// LogPublisher only logs. It backs the "log" content mode (config.ContentModeLog).
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that logs and succeeds
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("log-publisher")}
}

// Publish implements Publisher
func (p *LogPublisher) Publish(_ context.Context, targetRef string) error {
	p.logger.Info("Publishing target", zap.String("target_ref", targetRef))
	return nil
}
