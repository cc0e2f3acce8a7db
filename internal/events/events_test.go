package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/testutil"
)

func testSchedule() *model.Schedule {
	return &model.Schedule{
		ID:          "sched-1",
		TargetRef:   "article-1",
		Status:      model.ScheduleStatusPending,
		RetryCount:  1,
		LastError:   "timeout",
		ScheduledAt: time.Now().Add(time.Minute),
	}
}

func TestBus(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	t.Run("Fan Out", func(t *testing.T) {
		first, unsubFirst := bus.Subscribe(4)
		defer unsubFirst()
		second, unsubSecond := bus.Subscribe(4)
		defer unsubSecond()

		bus.Publish(ctx, NewEvent(TypeCreated, testSchedule(), time.Now()))

		for _, ch := range []<-chan Event{first, second} {
			select {
			case e := <-ch:
				assert.Equal(t, TypeCreated, e.Type)
				assert.Equal(t, "sched-1", e.ScheduleID)
				assert.Equal(t, 1, e.RetryCount)
			case <-time.After(time.Second):
				t.Fatal("event not delivered")
			}
		}
	})

	t.Run("Slow Subscriber Drops", func(t *testing.T) {
		ch, unsub := bus.Subscribe(1)
		defer unsub()

		before := bus.Dropped()
		bus.Publish(ctx, Event{Type: TypeUpdated})
		bus.Publish(ctx, Event{Type: TypeDeleted})

		e := <-ch
		assert.Equal(t, TypeUpdated, e.Type)
		assert.False(t, e.Time.IsZero())
		assert.Equal(t, before+1, bus.Dropped())
	})

	t.Run("Unsubscribe Closes", func(t *testing.T) {
		ch, unsub := bus.Subscribe(1)
		unsub()
		unsub()

		_, ok := <-ch
		assert.False(t, ok)
		bus.Publish(ctx, Event{Type: TypeFailed})
	})
}

type recorder struct {
	events []Event
}

func (r *recorder) Publish(_ context.Context, e Event) {
	r.events = append(r.events, e)
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi{a, nil, Nop{}, b}.Publish(context.Background(), Event{Type: TypeCompleted})

	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, TypeCompleted, b.events[0].Type)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "schedule.events.created", Subject(TypeCreated))
	assert.Equal(t, "schedule.events.cancel_requested", Subject(TypeCancelRequested))
}

func TestNATSPublisher(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)

	publisher, err := NewNATSPublisher(js, time.Hour, logger)
	require.NoError(t, err)

	t.Run("Setup", func(t *testing.T) {
		stream, err := js.StreamInfo(StreamName)
		require.NoError(t, err)
		assert.Equal(t, []string{"schedule.events.*"}, stream.Config.Subjects)

		// a second publisher reuses the stream
		_, err = NewNATSPublisher(js, time.Hour, logger)
		require.NoError(t, err)
	})

	t.Run("Publish", func(t *testing.T) {
		e := NewEvent(TypeRetrying, testSchedule(), time.Now())
		publisher.Publish(context.Background(), e)
		// duplicates are dropped by message id
		publisher.Publish(context.Background(), e)

		msgs, err := testutil.ConsumeMessages(js, Subject(TypeRetrying), 500*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		var got Event
		require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, TypeRetrying, got.Type)
		assert.Equal(t, "timeout", got.Error)
	})

	t.Run("Subscribe", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		received := make(chan Event, 1)
		require.NoError(t, publisher.Subscribe(ctx, func(e Event) {
			received <- e
		}))

		publisher.Publish(ctx, NewEvent(TypeCompleted, testSchedule(), time.Now()))

		select {
		case e := <-received:
			assert.Equal(t, TypeCompleted, e.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("event not received")
		}
	})
	t.Run("Relay", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		relay := NewBus()
		ch, unsubscribe := relay.Subscribe(4)
		defer unsubscribe()
		require.NoError(t, publisher.Relay(ctx, relay))

		e := NewEvent(TypeFailed, testSchedule(), time.Now())
		publisher.Publish(ctx, e)

		select {
		case got := <-ch:
			assert.Equal(t, e.ID, got.ID)
			assert.Equal(t, TypeFailed, got.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("event not relayed")
		}
	})
}
