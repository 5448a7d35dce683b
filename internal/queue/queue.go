package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldproof/fieldproof/internal/store"
)

// ErrNoTasks is returned by DequeueNext when nothing is ready.
var ErrNoTasks = errors.New("no queued tasks")

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrIllegalTransition is returned when a mark operation would violate the
// task state machine.
var ErrIllegalTransition = errors.New("illegal task transition")

// DuplicateError reports an enqueue rejected because an identical task
// (same kind, entity, operation) is already queued or processing. It
// carries the live task's id so callers can track the original.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("task already queued as %s", e.ExistingID)
}

// ErrDuplicateTask matches any DuplicateError via errors.Is.
var ErrDuplicateTask = errors.New("duplicate task")

// Is lets errors.Is(err, ErrDuplicateTask) succeed for DuplicateError.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateTask
}

// DefaultMaxAttempts is applied when an enqueued task doesn't set its own.
const DefaultMaxAttempts = 5

// Queue is the durable task queue over the local store.
type Queue struct {
	db     *store.DB
	logger *log.Logger
}

// New creates a Queue. If logger is nil, a default stderr logger is used.
func New(db *store.DB, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: db, logger: logger}
}

// Enqueue persists a task in queued state with attempts=0.
//
// Fails with a DuplicateError when an identical idempotency key
// (kind+entity+operation) is already queued or processing, preventing
// duplicate remote writes.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = DefaultMaxAttempts
	}
	t.Status = StatusQueued
	t.Attempts = 0
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}

	qctx, cancel := q.db.WithTimeout(ctx)
	defer cancel()

	// The partial unique index on (kind, entity_id, operation) backs this
	// up; the pre-check exists to return the existing task id.
	var existingID string
	err := q.db.Conn().QueryRowContext(qctx, `
		SELECT id FROM sync_tasks
		WHERE kind = ? AND entity_id = ? AND operation = ?
		  AND status IN ('queued', 'processing')`,
		string(t.Kind), t.EntityID, t.Operation).Scan(&existingID)
	switch {
	case err == nil:
		return &DuplicateError{ExistingID: existingID}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to check for duplicate task: %w", err)
	}

	_, err = q.db.Conn().ExecContext(qctx, `
		INSERT INTO sync_tasks (id, kind, entity_id, tenant_id, operation, payload,
			status, priority, attempts, max_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.ID, string(t.Kind), t.EntityID, t.TenantID, t.Operation, payload,
		string(StatusQueued), t.Priority, t.MaxAttempts, store.FormatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent enqueue of the same key.
			if scanErr := q.db.Conn().QueryRowContext(qctx, `
				SELECT id FROM sync_tasks
				WHERE kind = ? AND entity_id = ? AND operation = ?
				  AND status IN ('queued', 'processing')`,
				string(t.Kind), t.EntityID, t.Operation).Scan(&existingID); scanErr == nil {
				return &DuplicateError{ExistingID: existingID}
			}
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Printf("enqueued %s for %s (%s)", t.Kind, t.EntityID, t.ID)
	return nil
}

// DequeueNext leases the next ready task: highest priority band first,
// oldest created within the band, queued with attempts remaining. The
// lease atomically moves the task to processing so no task is leased twice.
//
// Returns ErrNoTasks when the queue has nothing ready.
func (q *Queue) DequeueNext(ctx context.Context) (*Task, error) {
	var task *Task
	err := q.db.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM sync_tasks
			WHERE status = ? AND attempts < max_attempts
			ORDER BY priority ASC, created_at ASC
			LIMIT 1`, string(StatusQueued))

		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoTasks
		}
		if err != nil {
			return fmt.Errorf("failed to select next task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE sync_tasks SET status = ?
			WHERE id = ? AND status = ?`,
			string(StatusProcessing), t.ID, string(StatusQueued))
		if err != nil {
			return fmt.Errorf("failed to lease task %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Raced with another pass; treat as empty, the caller retries.
			return ErrNoTasks
		}

		t.Status = StatusProcessing
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// MarkCompleted moves a processing task to its completed terminal state.
// The settling dispatch counts as an attempt: a task that failed twice
// transiently and then succeeded ends with attempts = 3.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return q.transition(ctx, id, StatusCompleted,
		`attempts = attempts + 1, last_attempted_at = ?, completed_at = ?, last_error = NULL`,
		store.FormatTime(now), store.FormatTime(now))
}

// MarkFailed moves a task to failed with the error that stopped it. The
// rejected dispatch counts as an attempt.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause string) error {
	now := time.Now().UTC()
	return q.transition(ctx, id, StatusFailed,
		`attempts = attempts + 1, last_attempted_at = ?, last_error = ?`,
		store.FormatTime(now), cause)
}

// MarkConflict parks a task pending conflict resolution. The diverged
// dispatch counts as an attempt.
func (q *Queue) MarkConflict(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return q.transition(ctx, id, StatusConflict,
		`attempts = attempts + 1, last_attempted_at = ?`, store.FormatTime(now))
}

// RequeueTransient records a failed attempt and returns the task to queued,
// or to failed when attempts are exhausted. The attempts counter never
// exceeds max_attempts.
func (q *Queue) RequeueTransient(ctx context.Context, id string, cause string) (Status, error) {
	var final Status
	err := q.db.Tx(ctx, func(tx *sql.Tx) error {
		var attempts, maxAttempts int
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status, attempts, max_attempts FROM sync_tasks WHERE id = ?`, id).
			Scan(&status, &attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", id, err)
		}
		if Status(status) != StatusProcessing {
			return fmt.Errorf("%w: %s → retry", ErrIllegalTransition, status)
		}

		attempts++
		final = StatusQueued
		if attempts >= maxAttempts {
			final = StatusFailed
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sync_tasks
			SET status = ?, attempts = ?, last_attempted_at = ?, last_error = ?
			WHERE id = ?`,
			string(final), attempts, store.FormatTime(time.Now().UTC()), cause, id)
		if err != nil {
			return fmt.Errorf("failed to requeue task %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if final == StatusFailed {
		q.logger.Printf("task %s exhausted attempts: %s", id, cause)
	}
	return final, nil
}

// Release returns a leased task to queued without recording an attempt.
// Used when a pass ends before the task was dispatched (backoff not yet
// elapsed) and by the startup recovery sweep.
func (q *Queue) Release(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusQueued, ``)
}

// ResetFailed moves a failed or conflicted task back to queued for another
// round, provided attempts remain. Used by the CLI and after manual
// conflict resolution.
func (q *Queue) ResetFailed(ctx context.Context, id string) error {
	return q.db.Tx(ctx, func(tx *sql.Tx) error {
		var status string
		var attempts, maxAttempts int
		err := tx.QueryRowContext(ctx,
			`SELECT status, attempts, max_attempts FROM sync_tasks WHERE id = ?`, id).
			Scan(&status, &attempts, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", id, err)
		}
		if !CanTransition(Status(status), StatusQueued) {
			return fmt.Errorf("%w: %s → queued", ErrIllegalTransition, status)
		}
		if Status(status) == StatusFailed && attempts >= maxAttempts {
			return fmt.Errorf("%w: attempts exhausted", ErrIllegalTransition)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sync_tasks SET status = ? WHERE id = ?`, string(StatusQueued), id)
		if err != nil {
			return fmt.Errorf("failed to reset task %s: %w", id, err)
		}
		return nil
	})
}

// RecoverStale sweeps tasks left processing by a crash or an aborted pass
// back to queued. Called once at startup, before any pass runs. No attempt
// is recorded: the work never reached the backend.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	qctx, cancel := q.db.WithTimeout(ctx)
	defer cancel()

	res, err := q.db.Conn().ExecContext(qctx,
		`UPDATE sync_tasks SET status = ? WHERE status = ?`,
		string(StatusQueued), string(StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Printf("recovered %d stale task(s) to queued", n)
	}
	return int(n), nil
}

// PurgeCompleted deletes completed tasks finished before olderThan.
// Maintenance only; no correctness impact.
func (q *Queue) PurgeCompleted(ctx context.Context, olderThan time.Time) (int, error) {
	qctx, cancel := q.db.WithTimeout(ctx)
	defer cancel()

	res, err := q.db.Conn().ExecContext(qctx, `
		DELETE FROM sync_tasks
		WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), store.FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get loads one task by id.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	qctx, cancel := q.db.WithTimeout(ctx)
	defer cancel()

	t, err := scanTask(q.db.Conn().QueryRowContext(qctx,
		`SELECT `+taskColumns+` FROM sync_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks filtered by status ("" = all), newest first.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + taskColumns + ` FROM sync_tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	qctx, cancel := q.db.WithTimeout(ctx)
	defer cancel()

	rows, err := q.db.Conn().QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// Stats summarizes the queue by status.
type Stats struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Conflict   int
}

// Total returns the overall task count.
func (s Stats) Total() int {
	return s.Queued + s.Processing + s.Completed + s.Failed + s.Conflict
}

// Stats counts tasks per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	qctx, cancel := q.db.WithTimeout(ctx)
	defer cancel()

	rows, err := q.db.Conn().QueryContext(qctx,
		`SELECT status, COUNT(*) FROM sync_tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("failed to scan task count: %w", err)
		}
		switch Status(status) {
		case StatusQueued:
			s.Queued = n
		case StatusProcessing:
			s.Processing = n
		case StatusCompleted:
			s.Completed = n
		case StatusFailed:
			s.Failed = n
		case StatusConflict:
			s.Conflict = n
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating task counts: %w", err)
	}
	return s, nil
}

// transition applies a guarded status change with extra SET columns.
func (q *Queue) transition(ctx context.Context, id string, to Status, extraSet string, extraArgs ...any) error {
	return q.db.Tx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM sync_tasks WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", id, err)
		}
		if !CanTransition(Status(current), to) {
			return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, current, to)
		}

		set := `status = ?`
		args := []any{string(to)}
		if extraSet != "" {
			set += ", " + extraSet
			args = append(args, extraArgs...)
		}
		args = append(args, id)

		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_tasks SET `+set+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("failed to mark task %s %s: %w", id, to, err)
		}
		return nil
	})
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const taskColumns = `id, kind, entity_id, tenant_id, operation, payload,
	status, priority, attempts, max_attempts, last_error,
	created_at, last_attempted_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var kind, status, payload, createdAt string
	var lastError, lastAttemptedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &kind, &t.EntityID, &t.TenantID, &t.Operation, &payload,
		&status, &t.Priority, &t.Attempts, &t.MaxAttempts, &lastError,
		&createdAt, &lastAttemptedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.Payload = []byte(payload)
	t.CreatedAt = store.ParseTime(createdAt)
	t.LastAttemptedAt = store.NullToTime(lastAttemptedAt)
	t.CompletedAt = store.NullToTime(completedAt)
	if lastError.Valid {
		t.LastError = lastError.String
	}
	return &t, nil
}
