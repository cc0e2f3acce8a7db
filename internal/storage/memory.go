package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/t77yq/publish-scheduler/internal/model"
)

// MemoryStore is an in-process Store. Every conditional update runs under a
// single mutex, which gives it the same atomicity as the SQL statements of
// SQLiteStore within one process.
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[string]*model.Schedule
	attempts  map[string][]*model.Attempt
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		schedules: make(map[string]*model.Schedule),
		attempts:  make(map[string][]*model.Attempt),
	}
}

// Create implements ScheduleStore.Create
func (m *MemoryStore) Create(_ context.Context, schedule *model.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareForCreate(schedule)

	if _, exists := m.schedules[schedule.ID]; exists {
		return fmt.Errorf("schedule %s already exists: %w", schedule.ID, ErrConflict)
	}
	for _, existing := range m.schedules {
		if existing.TargetRef == schedule.TargetRef && !existing.Status.IsTerminal() {
			return fmt.Errorf("target %s already has an active schedule: %w", schedule.TargetRef, ErrConflict)
		}
	}

	m.schedules[schedule.ID] = schedule.Clone()
	return nil
}

// Get implements ScheduleStore.Get
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	schedule, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return schedule.Clone(), nil
}

// List implements ScheduleStore.List
func (m *MemoryStore) List(_ context.Context, filter model.ScheduleFilter, page model.PageRequest) (*model.SchedulePage, error) {
	page = page.Normalize()

	m.mu.Lock()
	matched := make([]*model.Schedule, 0, len(m.schedules))
	for _, schedule := range m.schedules {
		if matchesFilter(schedule, filter) {
			matched = append(matched, schedule.Clone())
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		cmp := compareBy(page.SortBy, a, b)
		if cmp == 0 {
			return a.ID < b.ID
		}
		if page.SortDesc {
			return cmp > 0
		}
		return cmp < 0
	})

	total := len(matched)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}

	return model.NewSchedulePage(matched[start:end], page, total), nil
}

// Update implements ScheduleStore.Update
func (m *MemoryStore) Update(_ context.Context, id string, update model.ScheduleUpdate, now time.Time) (*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	schedule, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	if schedule.Status != model.ScheduleStatusPending {
		return nil, fmt.Errorf("update schedule %s: %w", id, ErrConflict)
	}
	if update.MaxRetries != nil && schedule.RetryCount > *update.MaxRetries {
		return nil, fmt.Errorf("update schedule %s: %w", id, ErrConflict)
	}

	if update.ScheduledAt != nil {
		schedule.ScheduledAt = *update.ScheduledAt
	}
	if update.Description != nil {
		schedule.Description = *update.Description
	}
	if update.MaxRetries != nil {
		schedule.MaxRetries = *update.MaxRetries
	}
	schedule.UpdatedAt = now

	return schedule.Clone(), nil
}

// TryClaim implements ScheduleStore.TryClaim
func (m *MemoryStore) TryClaim(_ context.Context, id string, expected model.ScheduleStatus, now time.Time) (*model.Schedule, error) {
	if expected != model.ScheduleStatusPending {
		return nil, fmt.Errorf("cannot claim from status %s: %w", expected, ErrConflict)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	schedule, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	if schedule.Status != expected {
		return nil, fmt.Errorf("claim schedule %s: %w", id, ErrConflict)
	}

	claimedAt := now
	schedule.Status = model.ScheduleStatusExecuting
	schedule.ClaimToken = uuid.New().String()
	schedule.ClaimedAt = &claimedAt
	schedule.UpdatedAt = now

	return schedule.Clone(), nil
}

// Commit implements ScheduleStore.Commit
func (m *MemoryStore) Commit(_ context.Context, id, claimToken string, outcome model.Outcome) (*model.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	schedule, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	if schedule.Status != model.ScheduleStatusExecuting || schedule.ClaimToken != claimToken {
		return nil, fmt.Errorf("commit schedule %s: %w", id, ErrConflict)
	}

	status := outcome.Status
	if schedule.CancelRequested && status != model.ScheduleStatusCompleted {
		status = model.ScheduleStatusCancelled
	}
	schedule.Status = status

	retryCount := outcome.RetryCount
	if retryCount < schedule.RetryCount {
		retryCount = schedule.RetryCount
	}
	if retryCount > schedule.MaxRetries {
		retryCount = schedule.MaxRetries
	}
	schedule.RetryCount = retryCount

	if !outcome.ScheduledAt.IsZero() {
		schedule.ScheduledAt = outcome.ScheduledAt
	}
	if outcome.LastError != "" {
		schedule.LastError = outcome.LastError
	}
	if outcome.ExecutedAt != nil {
		t := *outcome.ExecutedAt
		schedule.ExecutedAt = &t
	}
	schedule.ClaimToken = ""
	schedule.ClaimedAt = nil
	schedule.UpdatedAt = outcome.CommittedAt

	return schedule.Clone(), nil
}

// Cancel implements ScheduleStore.Cancel
func (m *MemoryStore) Cancel(_ context.Context, id string, now time.Time) (model.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	schedule, ok := m.schedules[id]
	if !ok {
		return model.CancelNoop, ErrNotFound
	}

	switch schedule.Status {
	case model.ScheduleStatusPending:
		schedule.Status = model.ScheduleStatusCancelled
		schedule.UpdatedAt = now
		return model.CancelApplied, nil
	case model.ScheduleStatusExecuting:
		schedule.CancelRequested = true
		schedule.UpdatedAt = now
		return model.CancelDeferred, nil
	default:
		return model.CancelNoop, nil
	}
}

// Delete implements ScheduleStore.Delete
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	schedule, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if !schedule.Status.IsTerminal() {
		return fmt.Errorf("only terminal schedules can be deleted: %w", ErrConflict)
	}

	delete(m.schedules, id)
	delete(m.attempts, id)
	return nil
}

// RecoverStale implements ScheduleStore.RecoverStale
func (m *MemoryStore) RecoverStale(_ context.Context, claimedBefore, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recovered int64
	for _, schedule := range m.schedules {
		if schedule.Status != model.ScheduleStatusExecuting || schedule.ClaimedAt == nil {
			continue
		}
		if !schedule.ClaimedAt.Before(claimedBefore) {
			continue
		}

		switch {
		case schedule.CancelRequested:
			schedule.Status = model.ScheduleStatusCancelled
		case schedule.RetryCount+1 >= schedule.MaxRetries:
			schedule.Status = model.ScheduleStatusFailed
		default:
			schedule.Status = model.ScheduleStatusPending
		}
		if !schedule.CancelRequested {
			if schedule.RetryCount < schedule.MaxRetries {
				schedule.RetryCount++
			}
			schedule.LastError = expiredClaimMessage
		}
		schedule.ClaimToken = ""
		schedule.ClaimedAt = nil
		schedule.UpdatedAt = now
		recovered++
	}
	return recovered, nil
}

// CountByStatus implements ScheduleStore.CountByStatus
func (m *MemoryStore) CountByStatus(_ context.Context) (map[model.ScheduleStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[model.ScheduleStatus]int, len(model.AllStatuses))
	for _, status := range model.AllStatuses {
		counts[status] = 0
	}
	for _, schedule := range m.schedules {
		counts[schedule.Status]++
	}
	return counts, nil
}

// RecordAttempt implements AttemptStore.RecordAttempt
func (m *MemoryStore) RecordAttempt(_ context.Context, attempt *model.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[attempt.ScheduleID]; !ok {
		return ErrNotFound
	}
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	cp := *attempt
	m.attempts[attempt.ScheduleID] = append(m.attempts[attempt.ScheduleID], &cp)
	return nil
}

// ListAttempts implements AttemptStore.ListAttempts
func (m *MemoryStore) ListAttempts(_ context.Context, scheduleID string) ([]*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := make([]*model.Attempt, 0, len(m.attempts[scheduleID]))
	for _, attempt := range m.attempts[scheduleID] {
		cp := *attempt
		attempts = append(attempts, &cp)
	}
	sort.SliceStable(attempts, func(i, j int) bool {
		if attempts[i].StartedAt.Equal(attempts[j].StartedAt) {
			return attempts[i].Attempt < attempts[j].Attempt
		}
		return attempts[i].StartedAt.Before(attempts[j].StartedAt)
	})
	return attempts, nil
}

// PruneAttempts implements AttemptStore.PruneAttempts
func (m *MemoryStore) PruneAttempts(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for scheduleID, attempts := range m.attempts {
		kept := attempts[:0]
		for _, attempt := range attempts {
			if attempt.FinishedAt.Before(before) {
				deleted++
				continue
			}
			kept = append(kept, attempt)
		}
		m.attempts[scheduleID] = kept
	}
	return deleted, nil
}

// Ping implements Store.Ping
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.Close
func (m *MemoryStore) Close() error { return nil }

func matchesFilter(schedule *model.Schedule, filter model.ScheduleFilter) bool {
	if filter.Status != "" && schedule.Status != filter.Status {
		return false
	}
	if filter.TargetRef != "" && schedule.TargetRef != filter.TargetRef {
		return false
	}
	if filter.DueBefore != nil && schedule.ScheduledAt.After(*filter.DueBefore) {
		return false
	}
	if filter.From != nil && schedule.ScheduledAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && schedule.ScheduledAt.After(*filter.To) {
		return false
	}
	return true
}

func compareBy(key string, a, b *model.Schedule) int {
	switch key {
	case model.SortByCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case model.SortByUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case model.SortByStatus:
		switch {
		case a.Status < b.Status:
			return -1
		case a.Status > b.Status:
			return 1
		}
		return 0
	default:
		return a.ScheduledAt.Compare(b.ScheduledAt)
	}
}
