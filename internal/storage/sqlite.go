package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/publish-scheduler/internal/model"
)

const scheduleColumns = `id, target_ref, description, status, retry_count, max_retries, last_error,
	scheduled_at, created_at, updated_at, executed_at, cancel_requested, claim_token, claimed_at`

const expiredClaimMessage = "claim expired before the attempt was committed"

// sortColumns maps public sort keys to columns
var sortColumns = map[string]string{
	model.SortByScheduledAt: "scheduled_at",
	model.SortByCreatedAt:   "created_at",
	model.SortByUpdatedAt:   "updated_at",
	model.SortByStatus:      "status",
}

// SQLiteConfig configures the SQLite schedule store
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) a SQLite schedule database
func NewSQLiteStore(logger *zap.Logger, cfg SQLiteConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", sqliteDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers anyway; a single connection also keeps
	// ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{
		logger: logger.Named("sqlite-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	store.logger.Info("Opened schedule database", zap.String("path", cfg.Path))
	return store, nil
}

func sqliteDSN(cfg SQLiteConfig) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	params := fmt.Sprintf("_busy_timeout=%d&_foreign_keys=on", busy.Milliseconds())
	if cfg.Path == ":memory:" {
		return "file::memory:?" + params
	}
	return fmt.Sprintf("file:%s?%s&_journal_mode=WAL&_synchronous=NORMAL", cfg.Path, params)
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			target_ref TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			last_error TEXT,
			scheduled_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			executed_at INTEGER,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			claim_token TEXT,
			claimed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, scheduled_at);
		CREATE INDEX IF NOT EXISTS idx_schedules_target ON schedules(target_ref);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_schedules_active_target
			ON schedules(target_ref) WHERE status IN ('PENDING', 'EXECUTING');

		CREATE TABLE IF NOT EXISTS schedule_attempts (
			id TEXT PRIMARY KEY,
			schedule_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
			attempt INTEGER NOT NULL,
			trigger_source TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			duration INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedule_attempts_schedule ON schedule_attempts(schedule_id);
		CREATE INDEX IF NOT EXISTS idx_schedule_attempts_finished ON schedule_attempts(finished_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Create implements ScheduleStore.Create
func (s *SQLiteStore) Create(ctx context.Context, schedule *model.Schedule) error {
	prepareForCreate(schedule)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, target_ref, description, status, retry_count, max_retries,
			scheduled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.TargetRef,
		nullString(schedule.Description),
		schedule.Status,
		schedule.RetryCount,
		schedule.MaxRetries,
		toMillis(schedule.ScheduledAt),
		toMillis(schedule.CreatedAt),
		toMillis(schedule.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("target %s already has an active schedule: %w", schedule.TargetRef, ErrConflict)
		}
		return unavailable("store schedule", err)
	}
	return nil
}

// Get implements ScheduleStore.Get
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("scan schedule", err)
	}
	return schedule, nil
}

// List implements ScheduleStore.List
func (s *SQLiteStore) List(ctx context.Context, filter model.ScheduleFilter, page model.PageRequest) (*model.SchedulePage, error) {
	page = page.Normalize()

	var where []string
	args := make([]interface{}, 0)

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.TargetRef != "" {
		where = append(where, "target_ref = ?")
		args = append(args, filter.TargetRef)
	}
	if filter.DueBefore != nil {
		where = append(where, "scheduled_at <= ?")
		args = append(args, toMillis(*filter.DueBefore))
	}
	if filter.From != nil {
		where = append(where, "scheduled_at >= ?")
		args = append(args, toMillis(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "scheduled_at <= ?")
		args = append(args, toMillis(*filter.To))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schedules"+clause, args...).Scan(&total); err != nil {
		return nil, unavailable("count schedules", err)
	}

	direction := "ASC"
	if page.SortDesc {
		direction = "DESC"
	}
	query := fmt.Sprintf("SELECT %s FROM schedules%s ORDER BY %s %s, id ASC LIMIT ? OFFSET ?",
		scheduleColumns, clause, sortColumns[page.SortBy], direction)

	rows, err := s.db.QueryContext(ctx, query, append(args, page.Size, page.Offset())...)
	if err != nil {
		return nil, unavailable("list schedules", err)
	}
	defer rows.Close()

	var schedules []*model.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, unavailable("scan schedule", err)
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate schedules", err)
	}

	return model.NewSchedulePage(schedules, page, total), nil
}

// Update implements ScheduleStore.Update
func (s *SQLiteStore) Update(ctx context.Context, id string, update model.ScheduleUpdate, now time.Time) (*model.Schedule, error) {
	var scheduledAt sql.NullInt64
	if update.ScheduledAt != nil {
		scheduledAt = sql.NullInt64{Int64: toMillis(*update.ScheduledAt), Valid: true}
	}
	var description sql.NullString
	if update.Description != nil {
		description = sql.NullString{String: *update.Description, Valid: true}
	}
	var maxRetries sql.NullInt64
	if update.MaxRetries != nil {
		maxRetries = sql.NullInt64{Int64: int64(*update.MaxRetries), Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE schedules SET
			scheduled_at = COALESCE(?, scheduled_at),
			description = COALESCE(?, description),
			max_retries = COALESCE(?, max_retries),
			updated_at = ?
		WHERE id = ? AND status = 'PENDING' AND retry_count <= COALESCE(?, max_retries)
		RETURNING `+scheduleColumns,
		scheduledAt,
		description,
		maxRetries,
		toMillis(now),
		id,
		maxRetries,
	)
	return s.scanConditional(ctx, row, id, "update schedule")
}

// TryClaim implements ScheduleStore.TryClaim
func (s *SQLiteStore) TryClaim(ctx context.Context, id string, expected model.ScheduleStatus, now time.Time) (*model.Schedule, error) {
	if expected != model.ScheduleStatusPending {
		return nil, fmt.Errorf("cannot claim from status %s: %w", expected, ErrConflict)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE schedules SET
			status = 'EXECUTING',
			claim_token = ?,
			claimed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+scheduleColumns,
		uuid.New().String(),
		toMillis(now),
		toMillis(now),
		id,
		expected,
	)
	return s.scanConditional(ctx, row, id, "claim schedule")
}

// Commit implements ScheduleStore.Commit. A cancellation recorded while the
// attempt was in flight wins over every outcome except COMPLETED.
func (s *SQLiteStore) Commit(ctx context.Context, id, claimToken string, outcome model.Outcome) (*model.Schedule, error) {
	var scheduledAt sql.NullInt64
	if !outcome.ScheduledAt.IsZero() {
		scheduledAt = sql.NullInt64{Int64: toMillis(outcome.ScheduledAt), Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE schedules SET
			status = CASE WHEN cancel_requested = 1 AND ? <> 'COMPLETED' THEN 'CANCELLED' ELSE ? END,
			retry_count = MIN(MAX(retry_count, ?), max_retries),
			scheduled_at = COALESCE(?, scheduled_at),
			last_error = COALESCE(?, last_error),
			executed_at = COALESCE(?, executed_at),
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = 'EXECUTING' AND claim_token = ?
		RETURNING `+scheduleColumns,
		outcome.Status,
		outcome.Status,
		outcome.RetryCount,
		scheduledAt,
		nullString(outcome.LastError),
		nullTime(outcome.ExecutedAt),
		toMillis(outcome.CommittedAt),
		id,
		claimToken,
	)
	return s.scanConditional(ctx, row, id, "commit schedule")
}

// Cancel implements ScheduleStore.Cancel
func (s *SQLiteStore) Cancel(ctx context.Context, id string, now time.Time) (model.CancelResult, error) {
	var status model.ScheduleStatus
	err := s.db.QueryRowContext(ctx, `
		UPDATE schedules SET
			status = CASE WHEN status = 'PENDING' THEN 'CANCELLED' ELSE status END,
			cancel_requested = CASE WHEN status = 'EXECUTING' THEN 1 ELSE cancel_requested END,
			updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'EXECUTING')
		RETURNING status`,
		toMillis(now),
		id,
	).Scan(&status)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return model.CancelNoop, unavailable("cancel schedule", err)
		}
		if err := s.mustExist(ctx, id); err != nil {
			return model.CancelNoop, err
		}
		return model.CancelNoop, nil
	}

	if status == model.ScheduleStatusExecuting {
		return model.CancelDeferred, nil
	}
	return model.CancelApplied, nil
}

// Delete implements ScheduleStore.Delete
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM schedules
		WHERE id = ? AND status IN ('COMPLETED', 'FAILED', 'CANCELLED')`, id)
	if err != nil {
		return unavailable("delete schedule", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return unavailable("get affected rows", err)
	}
	if affected == 0 {
		if err := s.mustExist(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("only terminal schedules can be deleted: %w", ErrConflict)
	}
	return nil
}

// RecoverStale implements ScheduleStore.RecoverStale
func (s *SQLiteStore) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			status = CASE
				WHEN cancel_requested = 1 THEN 'CANCELLED'
				WHEN retry_count + 1 >= max_retries THEN 'FAILED'
				ELSE 'PENDING'
			END,
			retry_count = CASE WHEN cancel_requested = 1 THEN retry_count ELSE MIN(retry_count + 1, max_retries) END,
			last_error = CASE WHEN cancel_requested = 1 THEN last_error ELSE ? END,
			claim_token = NULL,
			claimed_at = NULL,
			updated_at = ?
		WHERE status = 'EXECUTING' AND claimed_at < ?`,
		expiredClaimMessage,
		toMillis(now),
		toMillis(claimedBefore),
	)
	if err != nil {
		return 0, unavailable("recover stale claims", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("get affected rows", err)
	}
	return affected, nil
}

// CountByStatus implements ScheduleStore.CountByStatus
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.ScheduleStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM schedules GROUP BY status")
	if err != nil {
		return nil, unavailable("count schedules", err)
	}
	defer rows.Close()

	counts := make(map[model.ScheduleStatus]int, len(model.AllStatuses))
	for _, status := range model.AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var status model.ScheduleStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, unavailable("scan count", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate counts", err)
	}
	return counts, nil
}

// RecordAttempt implements AttemptStore.RecordAttempt
func (s *SQLiteStore) RecordAttempt(ctx context.Context, attempt *model.Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_attempts (
			id, schedule_id, attempt, trigger_source, outcome, error,
			started_at, finished_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.ScheduleID,
		attempt.Attempt,
		attempt.Trigger,
		attempt.Outcome,
		nullString(attempt.Error),
		toMillis(attempt.StartedAt),
		toMillis(attempt.FinishedAt),
		int64(attempt.Duration),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return unavailable("store attempt", err)
	}
	return nil
}

// ListAttempts implements AttemptStore.ListAttempts
func (s *SQLiteStore) ListAttempts(ctx context.Context, scheduleID string) ([]*model.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, attempt, trigger_source, outcome, error,
			started_at, finished_at, duration
		FROM schedule_attempts
		WHERE schedule_id = ?
		ORDER BY started_at ASC, attempt ASC`, scheduleID)
	if err != nil {
		return nil, unavailable("list attempts", err)
	}
	defer rows.Close()

	attempts := make([]*model.Attempt, 0)
	for rows.Next() {
		attempt := &model.Attempt{}
		var errorStr sql.NullString
		var startedAt, finishedAt, duration int64

		err := rows.Scan(
			&attempt.ID,
			&attempt.ScheduleID,
			&attempt.Attempt,
			&attempt.Trigger,
			&attempt.Outcome,
			&errorStr,
			&startedAt,
			&finishedAt,
			&duration,
		)
		if err != nil {
			return nil, unavailable("scan attempt", err)
		}

		if errorStr.Valid {
			attempt.Error = errorStr.String
		}
		attempt.StartedAt = fromMillis(startedAt)
		attempt.FinishedAt = fromMillis(finishedAt)
		attempt.Duration = time.Duration(duration)

		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate attempts", err)
	}
	return attempts, nil
}

// PruneAttempts implements AttemptStore.PruneAttempts
func (s *SQLiteStore) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM schedule_attempts WHERE finished_at < ?", toMillis(before))
	if err != nil {
		return 0, unavailable("delete attempts", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("get affected rows", err)
	}

	s.logger.Info("Deleted old attempt records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Ping implements Store.Ping
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping database", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanConditional resolves the row of an UPDATE ... RETURNING statement.
// No row means either the schedule is missing or its state did not match.
func (s *SQLiteStore) scanConditional(ctx context.Context, row *sql.Row, id, op string) (*model.Schedule, error) {
	schedule, err := scanSchedule(row)
	if err == nil {
		return schedule, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, unavailable(op, err)
	}
	if err := s.mustExist(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s %s: %w", op, id, ErrConflict)
}

func (s *SQLiteStore) mustExist(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM schedules WHERE id = ?", id).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return unavailable("lookup schedule", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var schedule model.Schedule
	var description, lastError, claimToken sql.NullString
	var scheduledAt, createdAt, updatedAt int64
	var executedAt, claimedAt sql.NullInt64

	err := row.Scan(
		&schedule.ID,
		&schedule.TargetRef,
		&description,
		&schedule.Status,
		&schedule.RetryCount,
		&schedule.MaxRetries,
		&lastError,
		&scheduledAt,
		&createdAt,
		&updatedAt,
		&executedAt,
		&schedule.CancelRequested,
		&claimToken,
		&claimedAt,
	)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		schedule.Description = description.String
	}
	if lastError.Valid {
		schedule.LastError = lastError.String
	}
	if claimToken.Valid {
		schedule.ClaimToken = claimToken.String
	}
	schedule.ScheduledAt = fromMillis(scheduledAt)
	schedule.CreatedAt = fromMillis(createdAt)
	schedule.UpdatedAt = fromMillis(updatedAt)
	if executedAt.Valid {
		t := fromMillis(executedAt.Int64)
		schedule.ExecutedAt = &t
	}
	if claimedAt.Valid {
		t := fromMillis(claimedAt.Int64)
		schedule.ClaimedAt = &t
	}

	return &schedule, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
