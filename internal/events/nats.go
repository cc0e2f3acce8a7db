package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	StreamName    = "SCHEDULE_EVENTS"
	SubjectPrefix = "schedule.events."
)

// Subject returns the NATS subject an event type is published on
func Subject(t Type) string {
	return SubjectPrefix + strings.TrimPrefix(string(t), "schedule.")
}

// NATSPublisher writes events to a JetStream stream
type NATSPublisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher creates the event stream if needed
func NewNATSPublisher(js nats.JetStreamContext, retention time.Duration, logger *zap.Logger) (*NATSPublisher, error) {
	p := &NATSPublisher{
		js:     js,
		logger: logger.Named("event-publisher"),
	}
	if err := p.setup(retention); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) setup(retention time.Duration) error {
	streamInfo, err := p.js.StreamInfo(StreamName)
	if err != nil && err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if streamInfo != nil {
		return nil
	}

	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + "*"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     retention,
		Discard:    nats.DiscardOld,
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", StreamName, err)
	}

	p.logger.Info("Created event stream", zap.String("stream", StreamName))
	return nil
}

// Publish implements Publisher
func (p *NATSPublisher) Publish(ctx context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to marshal event",
			zap.String("event_id", e.ID),
			zap.Error(err))
		return
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if e.ID != "" {
		opts = append(opts, nats.MsgId(e.ID))
	}
	if _, err := p.js.Publish(Subject(e.Type), data, opts...); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("event_id", e.ID),
			zap.String("type", string(e.Type)),
			zap.String("schedule_id", e.ScheduleID),
			zap.Error(err))
		return
	}

	p.logger.Debug("Event published",
		zap.String("type", string(e.Type)),
		zap.String("schedule_id", e.ScheduleID))
}

// Subscribe consumes events from the stream until ctx is done
func (p *NATSPublisher) Subscribe(ctx context.Context, handler func(Event)) error {
	sub, err := p.js.Subscribe(SubjectPrefix+"*", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			p.logger.Error("Failed to unmarshal event", zap.Error(err))
			msg.Term()
			return
		}

		handler(e)
		msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}

// Relay republishes every event consumed from the stream onto bus, so local
// subscribers see events from all scheduler instances sharing the stream.
func (p *NATSPublisher) Relay(ctx context.Context, bus *Bus) error {
	return p.Subscribe(ctx, func(e Event) {
		bus.Publish(ctx, e)
	})
}
