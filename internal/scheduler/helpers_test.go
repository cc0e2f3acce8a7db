package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/publish-scheduler/internal/events"
	"github.com/t77yq/publish-scheduler/internal/executor"
	"github.com/t77yq/publish-scheduler/internal/model"
	"github.com/t77yq/publish-scheduler/internal/retry"
	"github.com/t77yq/publish-scheduler/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeExecutor returns queued results in order, then succeeds. When gate is
// set, every call reports on started and waits for gate.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   map[string]int
	results []error
	gate    chan struct{}
	started chan string
}

func newFakeExecutor(results ...error) *fakeExecutor {
	return &fakeExecutor{
		calls:   make(map[string]int),
		results: results,
		started: make(chan string, 256),
	}
}

func (e *fakeExecutor) Execute(ctx context.Context, targetRef string) error {
	e.mu.Lock()
	e.calls[targetRef]++
	var result error
	if len(e.results) > 0 {
		result = e.results[0]
		e.results = e.results[1:]
	}
	gate := e.gate
	e.mu.Unlock()

	e.started <- targetRef
	if gate != nil {
		<-gate
	}
	return result
}

func (e *fakeExecutor) Calls(targetRef string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[targetRef]
}

func (e *fakeExecutor) TotalCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.calls {
		total += n
	}
	return total
}

type testEnv struct {
	store      storage.Store
	service    *Service
	dispatcher *Dispatcher
	executor   *fakeExecutor
	clock      *fakeClock
	bus        *events.Bus
}

func newTestEnv(t *testing.T, store storage.Store, exec *fakeExecutor) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	clock := newFakeClock()
	bus := events.NewBus()
	policy := retry.NewPolicy(retry.DefaultBackoff())

	svc := NewService(store, nil, exec, policy, bus, ServiceConfig{}, logger)
	svc.runner.now = clock.Now

	d := NewDispatcher(store, exec, policy, bus, DispatcherConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		Workers:      2,
	}, logger)
	d.runner.now = clock.Now

	return &testEnv{
		store:      store,
		service:    svc,
		dispatcher: d,
		executor:   exec,
		clock:      clock,
		bus:        bus,
	}
}

func newSQLiteStore(t *testing.T) storage.Store {
	t.Helper()

	store, err := storage.NewSQLiteStore(zaptest.NewLogger(t), storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "scheduler.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// testStores runs fn against every store implementation
func testStores(t *testing.T, fn func(t *testing.T, newStore func(t *testing.T) storage.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, func(*testing.T) storage.Store { return storage.NewMemoryStore() })
	})
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newSQLiteStore)
	})
}

func (e *testEnv) create(t *testing.T, targetRef string, in time.Duration) *model.Schedule {
	t.Helper()

	schedule, err := e.service.CreateSchedule(context.Background(), CreateRequest{
		TargetRef:   targetRef,
		ScheduledAt: e.clock.Now().Add(in),
	})
	require.NoError(t, err)
	return schedule
}

func (e *testEnv) get(t *testing.T, id string) *model.Schedule {
	t.Helper()

	schedule, err := e.service.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, schedule.RetryCount, 0)
	require.LessOrEqual(t, schedule.RetryCount, schedule.MaxRetries)
	return schedule
}

func retryableErr(reason string) error {
	return &executor.RetryableError{Reason: reason}
}

func fatalErr(reason string) error {
	return &executor.FatalError{Reason: reason}
}

// waitStarted blocks until the executor reports a call
func waitStarted(t *testing.T, exec *fakeExecutor) string {
	t.Helper()

	select {
	case ref := <-exec.started:
		return ref
	case <-time.After(5 * time.Second):
		t.Fatal("executor was not called")
		return ""
	}
}
