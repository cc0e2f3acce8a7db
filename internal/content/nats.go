package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultPublishSubject  = "content.articles.publish"
	DefaultValidateSubject = "content.articles.validate"
)

// Reply codes a content service may return
const (
	CodeNotFound       = "not_found"
	CodeNotPublishable = "not_publishable"
)

// Request is the payload sent to the content service
type Request struct {
	TargetRef string `json:"targetRef"`
}

// Reply is the payload returned by the content service
type Reply struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Code      string `json:"code,omitempty"`
}

// NATSClientConfig configures the NATS content client
type NATSClientConfig struct {
	PublishSubject  string
	ValidateSubject string
	Timeout         time.Duration
}

// NATSClient talks to the content service with NATS request/reply
type NATSClient struct {
	logger          *zap.Logger
	nc              *nats.Conn
	publishSubject  string
	validateSubject string
	timeout         time.Duration
}

var (
	_ Publisher = (*NATSClient)(nil)
	_ Validator = (*NATSClient)(nil)
)

// NewNATSClient creates a new NATS content client
func NewNATSClient(nc *nats.Conn, cfg NATSClientConfig, logger *zap.Logger) *NATSClient {
	if cfg.PublishSubject == "" {
		cfg.PublishSubject = DefaultPublishSubject
	}
	if cfg.ValidateSubject == "" {
		cfg.ValidateSubject = DefaultValidateSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &NATSClient{
		logger:          logger.Named("content-nats"),
		nc:              nc,
		publishSubject:  cfg.PublishSubject,
		validateSubject: cfg.ValidateSubject,
		timeout:         cfg.Timeout,
	}
}

// Publish implements Publisher
func (c *NATSClient) Publish(ctx context.Context, targetRef string) error {
	reply, err := c.request(ctx, c.publishSubject, targetRef)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	if reply.OK {
		return nil
	}
	return &RemoteError{Message: reply.Error, Transient: reply.Retryable}
}

// Validate implements Validator
func (c *NATSClient) Validate(ctx context.Context, targetRef string) error {
	reply, err := c.request(ctx, c.validateSubject, targetRef)
	if err != nil {
		return fmt.Errorf("validate request failed: %w", err)
	}
	if reply.OK {
		return nil
	}

	switch reply.Code {
	case CodeNotFound:
		return ErrTargetNotFound
	case CodeNotPublishable:
		return ErrNotPublishable
	}
	return &RemoteError{Message: reply.Error, Transient: reply.Retryable}
}

func (c *NATSClient) request(ctx context.Context, subject, targetRef string) (*Reply, error) {
	data, err := json.Marshal(Request{TargetRef: targetRef})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			c.logger.Warn("No content service listening", zap.String("subject", subject))
		}
		return nil, err
	}

	var reply Reply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if !reply.OK && reply.Error == "" {
		reply.Error = "content service rejected " + targetRef
	}
	return &reply, nil
}
