package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/publish-scheduler/internal/model"
)

// storeFactories returns a fresh instance of every Store implementation
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(zaptest.NewLogger(t), SQLiteConfig{
				Path: filepath.Join(t.TempDir(), "schedules.db"),
			})
			require.NoError(t, err)
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func newPending(targetRef string, scheduledAt time.Time) *model.Schedule {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Schedule{
		TargetRef:   targetRef,
		Description: "publish " + targetRef,
		MaxRetries:  3,
		ScheduledAt: scheduledAt.UTC().Truncate(time.Millisecond),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestStores(t *testing.T) {
	for name, factory := range storeFactories(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			testStore(t, factory)
		})
	}
}

func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("Create and Get", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-1", time.Now().Add(10*time.Minute))

		require.NoError(t, store.Create(ctx, schedule))
		require.NotEmpty(t, schedule.ID)

		stored, err := store.Get(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusPending, stored.Status)
		assert.Equal(t, 0, stored.RetryCount)
		assert.Equal(t, 3, stored.MaxRetries)
		assert.Equal(t, "article-1", stored.TargetRef)
		assert.True(t, schedule.ScheduledAt.Equal(stored.ScheduledAt))
		assert.Nil(t, stored.ExecutedAt)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Duplicate Active Target", func(t *testing.T) {
		store := newStore(t)
		first := newPending("article-dup", time.Now().Add(time.Hour))
		require.NoError(t, store.Create(ctx, first))

		err := store.Create(ctx, newPending("article-dup", time.Now().Add(2*time.Hour)))
		assert.ErrorIs(t, err, ErrConflict)

		// a terminal schedule frees the target
		result, err := store.Cancel(ctx, first.ID, time.Now())
		require.NoError(t, err)
		require.Equal(t, model.CancelApplied, result)
		assert.NoError(t, store.Create(ctx, newPending("article-dup", time.Now().Add(2*time.Hour))))
	})

	t.Run("Claim Is Exclusive", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-race", time.Now().Add(-time.Second))
		require.NoError(t, store.Create(ctx, schedule))

		const racers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.TryClaim(ctx, schedule.ID, model.ScheduleStatusPending, time.Now())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected claim error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, conflicts)

		stored, err := store.Get(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusExecuting, stored.Status)
		assert.NotEmpty(t, stored.ClaimToken)
		assert.NotNil(t, stored.ClaimedAt)
	})

	t.Run("Claim Missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.TryClaim(ctx, "missing", model.ScheduleStatusPending, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Commit Requires Claim Token", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-commit", time.Now())
		require.NoError(t, store.Create(ctx, schedule))

		claimed, err := store.TryClaim(ctx, schedule.ID, model.ScheduleStatusPending, time.Now())
		require.NoError(t, err)

		now := time.Now().UTC()
		_, err = store.Commit(ctx, schedule.ID, "stale-token", model.Outcome{
			Status:      model.ScheduleStatusCompleted,
			ExecutedAt:  &now,
			CommittedAt: now,
		})
		assert.ErrorIs(t, err, ErrConflict)

		committed, err := store.Commit(ctx, schedule.ID, claimed.ClaimToken, model.Outcome{
			Status:      model.ScheduleStatusCompleted,
			ExecutedAt:  &now,
			CommittedAt: now,
		})
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusCompleted, committed.Status)
		assert.NotNil(t, committed.ExecutedAt)
		assert.Empty(t, committed.ClaimToken)
		assert.Equal(t, 0, committed.RetryCount)

		// the same token cannot be used twice
		_, err = store.Commit(ctx, schedule.ID, claimed.ClaimToken, model.Outcome{
			Status:      model.ScheduleStatusFailed,
			CommittedAt: now,
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("Commit Retry Reschedules", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-retry", time.Now())
		require.NoError(t, store.Create(ctx, schedule))

		claimed, err := store.TryClaim(ctx, schedule.ID, model.ScheduleStatusPending, time.Now())
		require.NoError(t, err)

		next := time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
		committed, err := store.Commit(ctx, schedule.ID, claimed.ClaimToken, model.Outcome{
			Status:      model.ScheduleStatusPending,
			RetryCount:  1,
			ScheduledAt: next,
			LastError:   "connection refused",
			CommittedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusPending, committed.Status)
		assert.Equal(t, 1, committed.RetryCount)
		assert.True(t, next.Equal(committed.ScheduledAt))
		assert.Equal(t, "connection refused", committed.LastError)
	})

	t.Run("Commit Clamps Retry Count", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-clamp", time.Now())
		require.NoError(t, store.Create(ctx, schedule))

		claimed, err := store.TryClaim(ctx, schedule.ID, model.ScheduleStatusPending, time.Now())
		require.NoError(t, err)

		committed, err := store.Commit(ctx, schedule.ID, claimed.ClaimToken, model.Outcome{
			Status:      model.ScheduleStatusFailed,
			RetryCount:  42,
			LastError:   "boom",
			CommittedAt: time.Now(),
		})
		require.NoError(t, err)
		assert.Equal(t, 3, committed.RetryCount)
	})

	t.Run("Cancel Pending", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-cancel", time.Now().Add(time.Hour))
		require.NoError(t, store.Create(ctx, schedule))

		result, err := store.Cancel(ctx, schedule.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, model.CancelApplied, result)

		_, err = store.TryClaim(ctx, schedule.ID, model.ScheduleStatusPending, time.Now())
		assert.ErrorIs(t, err, ErrConflict)

		result, err = store.Cancel(ctx, schedule.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, model.CancelNoop, result)

		_, err = store.Cancel(ctx, "missing", time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Cancel Executing", func(t *testing.T) {
		cases := []struct {
			name     string
			outcome  model.ScheduleStatus
			expected model.ScheduleStatus
		}{
			{"success wins", model.ScheduleStatusCompleted, model.ScheduleStatusCompleted},
			{"failure cancels", model.ScheduleStatusFailed, model.ScheduleStatusCancelled},
			{"retry cancels", model.ScheduleStatusPending, model.ScheduleStatusCancelled},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				store := newStore(t)
				schedule := newPending("article-"+tc.name, time.Now())
				require.NoError(t, store.Create(ctx, schedule))

				claimed, err := store.TryClaim(ctx, schedule.ID, model.ScheduleStatusPending, time.Now())
				require.NoError(t, err)

				result, err := store.Cancel(ctx, schedule.ID, time.Now())
				require.NoError(t, err)
				assert.Equal(t, model.CancelDeferred, result)

				stored, err := store.Get(ctx, schedule.ID)
				require.NoError(t, err)
				assert.Equal(t, model.ScheduleStatusExecuting, stored.Status)
				assert.True(t, stored.CancelRequested)

				committed, err := store.Commit(ctx, schedule.ID, claimed.ClaimToken, model.Outcome{
					Status:      tc.outcome,
					RetryCount:  1,
					LastError:   "attempt failed",
					CommittedAt: time.Now(),
				})
				require.NoError(t, err)
				assert.Equal(t, tc.expected, committed.Status)
			})
		}
	})

	t.Run("Update Pending Only", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-update", time.Now().Add(time.Hour))
		require.NoError(t, store.Create(ctx, schedule))

		next := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Millisecond)
		description := "moved"
		maxRetries := 5
		updated, err := store.Update(ctx, schedule.ID, model.ScheduleUpdate{
			ScheduledAt: &next,
			Description: &description,
			MaxRetries:  &maxRetries,
		}, time.Now())
		require.NoError(t, err)
		assert.True(t, next.Equal(updated.ScheduledAt))
		assert.Equal(t, "moved", updated.Description)
		assert.Equal(t, 5, updated.MaxRetries)

		_, err = store.TryClaim(ctx, schedule.ID, model.ScheduleStatusPending, time.Now())
		require.NoError(t, err)

		_, err = store.Update(ctx, schedule.ID, model.ScheduleUpdate{Description: &description}, time.Now())
		assert.ErrorIs(t, err, ErrConflict)

		_, err = store.Update(ctx, "missing", model.ScheduleUpdate{Description: &description}, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete Terminal Only", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-delete", time.Now().Add(time.Hour))
		require.NoError(t, store.Create(ctx, schedule))

		assert.ErrorIs(t, store.Delete(ctx, schedule.ID), ErrConflict)

		_, err := store.Cancel(ctx, schedule.ID, time.Now())
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, schedule.ID))

		_, err = store.Get(ctx, schedule.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, schedule.ID), ErrNotFound)
	})

	t.Run("Recover Stale Claims", func(t *testing.T) {
		store := newStore(t)
		stale := newPending("article-stale", time.Now())
		cancelled := newPending("article-stale-cancelled", time.Now())
		fresh := newPending("article-fresh", time.Now())
		exhausted := newPending("article-stale-exhausted", time.Now())
		exhausted.MaxRetries = 1
		for _, s := range []*model.Schedule{stale, cancelled, fresh, exhausted} {
			require.NoError(t, store.Create(ctx, s))
		}

		old := time.Now().Add(-10 * time.Minute)
		staleClaim, err := store.TryClaim(ctx, stale.ID, model.ScheduleStatusPending, old)
		require.NoError(t, err)
		_, err = store.TryClaim(ctx, cancelled.ID, model.ScheduleStatusPending, old)
		require.NoError(t, err)
		_, err = store.Cancel(ctx, cancelled.ID, old)
		require.NoError(t, err)
		_, err = store.TryClaim(ctx, fresh.ID, model.ScheduleStatusPending, time.Now())
		require.NoError(t, err)
		_, err = store.TryClaim(ctx, exhausted.ID, model.ScheduleStatusPending, old)
		require.NoError(t, err)

		recovered, err := store.RecoverStale(ctx, time.Now().Add(-5*time.Minute), time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(3), recovered)

		// the abandoned attempt is charged to the retry budget
		got, err := store.Get(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Empty(t, got.ClaimToken)
		assert.NotEmpty(t, got.LastError)

		got, err = store.Get(ctx, exhausted.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusFailed, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.NotEmpty(t, got.LastError)

		got, err = store.Get(ctx, cancelled.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusCancelled, got.Status)
		assert.Zero(t, got.RetryCount)
		assert.Empty(t, got.LastError)

		got, err = store.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ScheduleStatusExecuting, got.Status)

		// the abandoned owner can no longer commit
		_, err = store.Commit(ctx, stale.ID, staleClaim.ClaimToken, model.Outcome{
			Status:      model.ScheduleStatusCompleted,
			CommittedAt: time.Now(),
		})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("List Filter and Paging", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().Add(-55 * time.Minute)
		for i := 0; i < 12; i++ {
			s := newPending(fmt.Sprintf("article-list-%02d", i), base.Add(time.Duration(i)*10*time.Minute))
			require.NoError(t, store.Create(ctx, s))
		}

		page, err := store.List(ctx, model.ScheduleFilter{}, model.PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, 12, page.Total)
		assert.Equal(t, 2, page.TotalPages)
		assert.Len(t, page.Items, model.DefaultPageSize)
		// default order is scheduledAt descending
		assert.Equal(t, "article-list-11", page.Items[0].TargetRef)

		page, err = store.List(ctx, model.ScheduleFilter{}, model.PageRequest{
			Page:   1,
			Size:   5,
			SortBy: model.SortByScheduledAt,
		})
		require.NoError(t, err)
		require.Len(t, page.Items, 5)
		assert.Equal(t, "article-list-05", page.Items[0].TargetRef)

		now := time.Now()
		page, err = store.List(ctx, model.ScheduleFilter{
			Status:    model.ScheduleStatusPending,
			DueBefore: &now,
		}, model.PageRequest{Size: 100, SortBy: model.SortByScheduledAt})
		require.NoError(t, err)
		assert.Equal(t, 6, page.Total)
		for _, item := range page.Items {
			assert.False(t, item.ScheduledAt.After(now))
		}

		page, err = store.List(ctx, model.ScheduleFilter{TargetRef: "article-list-03"}, model.PageRequest{})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)

		page, err = store.List(ctx, model.ScheduleFilter{Status: model.ScheduleStatusCompleted}, model.PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, 0, page.Total)
		assert.NotNil(t, page.Items)
	})

	t.Run("Count By Status", func(t *testing.T) {
		store := newStore(t)
		a := newPending("article-count-a", time.Now().Add(time.Hour))
		b := newPending("article-count-b", time.Now().Add(time.Hour))
		require.NoError(t, store.Create(ctx, a))
		require.NoError(t, store.Create(ctx, b))
		_, err := store.Cancel(ctx, b.ID, time.Now())
		require.NoError(t, err)

		counts, err := store.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.ScheduleStatusPending])
		assert.Equal(t, 1, counts[model.ScheduleStatusCancelled])
		assert.Equal(t, 0, counts[model.ScheduleStatusFailed])
		assert.Len(t, counts, len(model.AllStatuses))
	})

	t.Run("Attempts", func(t *testing.T) {
		store := newStore(t)
		schedule := newPending("article-attempts", time.Now())
		require.NoError(t, store.Create(ctx, schedule))

		old := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Millisecond)
		recent := time.Now().UTC().Truncate(time.Millisecond)
		for i, startedAt := range []time.Time{old, recent} {
			require.NoError(t, store.RecordAttempt(ctx, &model.Attempt{
				ScheduleID: schedule.ID,
				Attempt:    i + 1,
				Trigger:    model.AttemptTriggerDispatcher,
				Outcome:    model.AttemptOutcomeRetryable,
				Error:      "timeout",
				StartedAt:  startedAt,
				FinishedAt: startedAt.Add(time.Second),
				Duration:   time.Second,
			}))
		}

		attempts, err := store.ListAttempts(ctx, schedule.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, 1, attempts[0].Attempt)
		assert.Equal(t, time.Second, attempts[0].Duration)
		assert.Equal(t, "timeout", attempts[1].Error)

		pruned, err := store.PruneAttempts(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), pruned)

		attempts, err = store.ListAttempts(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Len(t, attempts, 1)

		err = store.RecordAttempt(ctx, &model.Attempt{
			ScheduleID: "missing",
			Attempt:    1,
			Trigger:    model.AttemptTriggerExecuteNow,
			Outcome:    model.AttemptOutcomeSuccess,
			StartedAt:  recent,
			FinishedAt: recent,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}

func TestSQLiteStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(zaptest.NewLogger(t), SQLiteConfig{Path: path})
	require.NoError(t, err)

	schedule := newPending("article-durable", time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, schedule))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(zaptest.NewLogger(t), SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer store.Close()

	stored, err := store.Get(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, "article-durable", stored.TargetRef)
}

func TestUnavailableError(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := fmt.Errorf("list due: %w", unavailable("list schedules", cause))

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed to list schedules")
}
