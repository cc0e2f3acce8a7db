package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/publish-scheduler/internal/content"
	"github.com/t77yq/publish-scheduler/internal/executor"
	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/storage"
)

// blockingPublisher reports each call on started and waits for release or
// for its context to end
type blockingPublisher struct {
	started chan string
	release chan error
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{
		started: make(chan string, 8),
		release: make(chan error, 1),
	}
}

func (p *blockingPublisher) Publish(ctx context.Context, targetRef string) error {
	p.started <- targetRef
	select {
	case err := <-p.release:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPublisher) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher was not called")
	}
}

var _ content.Publisher = (*blockingPublisher)(nil)

func TestStopDoesNotFailInFlightAttempt(t *testing.T) {
	testStores(t, func(t *testing.T, newStore func(t *testing.T) storage.Store) {
		ctx := context.Background()
		store := newStore(t)
		logger := zaptest.NewLogger(t)
		publisher := newBlockingPublisher()
		exec := executor.NewExecutor(publisher, 5*time.Second, logger)

		svc := NewService(store, nil, exec, nil, nil, ServiceConfig{}, logger)
		maxRetries := 1
		schedule, err := svc.CreateSchedule(ctx, CreateRequest{
			TargetRef:   "article-shutdown",
			ScheduledAt: time.Now().Add(20 * time.Millisecond),
			MaxRetries:  &maxRetries,
		})
		require.NoError(t, err)

		d := NewDispatcher(store, exec, nil, nil, DispatcherConfig{PollInterval: 10 * time.Millisecond}, logger)
		require.NoError(t, d.Start(ctx))
		publisher.waitStarted(t)

		stopped := make(chan struct{})
		go func() {
			d.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("Stop returned before the in-flight attempt finished")
		case <-time.After(100 * time.Millisecond):
		}

		got, err := store.Get(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusExecuting, got.Status)

		publisher.release <- nil
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			t.Fatal("Stop did not return")
		}

		got, err = store.Get(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusCompleted, got.Status)
		assert.Equal(t, 0, got.RetryCount)
		assert.Empty(t, got.LastError)
		assert.Zero(t, exec.Stats().Retryable)
	})
}

func TestExecuteNowSurvivesCallerCancel(t *testing.T) {
	store := storage.NewMemoryStore()
	logger := zaptest.NewLogger(t)
	publisher := newBlockingPublisher()
	exec := executor.NewExecutor(publisher, 5*time.Second, logger)
	svc := NewService(store, nil, exec, nil, nil, ServiceConfig{}, logger)

	maxRetries := 1
	schedule, err := svc.CreateSchedule(context.Background(), CreateRequest{
		TargetRef:   "article-disconnect",
		ScheduledAt: time.Now().Add(time.Hour),
		MaxRetries:  &maxRetries,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		schedule *model.Schedule
		err      error
	}
	done := make(chan result, 1)
	go func() {
		got, err := svc.ExecuteNow(ctx, schedule.ID)
		done <- result{got, err}
	}()

	publisher.waitStarted(t)
	cancel()
	publisher.release <- nil

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ExecuteNow did not return")
	}
	require.NoError(t, res.err)
	assert.Equal(t, model.ScheduleStatusCompleted, res.schedule.Status)
	assert.Equal(t, 0, res.schedule.RetryCount)

	attempts, err := store.ListAttempts(context.Background(), schedule.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, model.AttemptOutcomeSuccess, attempts[0].Outcome)
}
