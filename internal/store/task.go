package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusPending        TaskStatus = "PENDING"
	StatusRunning        TaskStatus = "RUNNING"
	StatusCompleted      TaskStatus = "COMPLETED"
	StatusPartialSuccess TaskStatus = "PARTIAL_SUCCESS"
	StatusFailed         TaskStatus = "FAILED"
	StatusCancelled      TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPartialSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is one analysis task row.
type Task struct {
	ID               string
	ParentID         string
	Kind             string
	Model            string
	AppNum           int
	Status           TaskStatus
	Priority         int
	Tools            []string
	Options          map[string]string
	PreflightRetries int
	TransientRetries int
	StuckRetries     int
	NotBefore        time.Time
	CancelRequested  bool
	ClaimedBy        string
	Summary          json.RawMessage
	Error            string
	HasResultFiles   bool
	ResultPath       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

const taskColumns = `id, parent_id, kind, model, app_num, status, priority, tools, options,
preflight_retries, transient_retries, stuck_retries, not_before, cancel_requested,
claimed_by, summary, error, has_result_files, result_path,
created_at, updated_at, started_at, completed_at`

func scanTask(row pgx.Row) (*Task, error) {
	var (
		t        Task
		parentID *string
		claimed  *string
		errText  *string
		result   *string
		tools    []byte
		options  []byte
	)
	err := row.Scan(&t.ID, &parentID, &t.Kind, &t.Model, &t.AppNum, &t.Status, &t.Priority,
		&tools, &options,
		&t.PreflightRetries, &t.TransientRetries, &t.StuckRetries, &t.NotBefore, &t.CancelRequested,
		&claimed, &t.Summary, &errText, &t.HasResultFiles, &result,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if parentID != nil {
		t.ParentID = *parentID
	}
	if claimed != nil {
		t.ClaimedBy = *claimed
	}
	if errText != nil {
		t.Error = *errText
	}
	if result != nil {
		t.ResultPath = *result
	}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &t.Tools); err != nil {
			return nil, fmt.Errorf("task %s tools: %w", t.ID, err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &t.Options); err != nil {
			return nil, fmt.Errorf("task %s options: %w", t.ID, err)
		}
	}
	return &t, nil
}

// NewTaskSpec describes a task to enqueue.
type NewTaskSpec struct {
	Kind     string
	Model    string
	AppNum   int
	Priority int
	Tools    []string
	Options  map[string]string
	ParentID string
}

// CreateTask enqueues a new PENDING task and returns its id.
func (s *Store) CreateTask(ctx context.Context, spec NewTaskSpec) (string, error) {
	if spec.Kind == "" || spec.Model == "" || spec.AppNum <= 0 {
		return "", errors.New("task requires kind, model and app number")
	}
	id := uuid.NewString()
	toolsJSON, err := jsonBytes(spec.Tools)
	if err != nil {
		return "", fmt.Errorf("task tools: %w", err)
	}
	optionsJSON, err := jsonBytes(spec.Options)
	if err != nil {
		return "", fmt.Errorf("task options: %w", err)
	}
	var parent any
	if spec.ParentID != "" {
		parent = spec.ParentID
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO tasks (id, parent_id, kind, model, app_num, priority, tools, options)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`,
		id, parent, spec.Kind, spec.Model, spec.AppNum, spec.Priority, toolsJSON, optionsJSON)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1;`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ClaimNext atomically moves the highest-priority due PENDING task to RUNNING
// and returns it. SKIP LOCKED keeps concurrent executors from claiming the
// same row. Returns nil when nothing is due.
func (s *Store) ClaimNext(ctx context.Context, claimedBy string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
UPDATE tasks SET status = 'RUNNING', claimed_by = $1, started_at = now(), updated_at = now()
WHERE id = (
    SELECT id FROM tasks
    WHERE status = 'PENDING' AND not_before <= now()
    ORDER BY priority DESC, created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING `+taskColumns+`;`, claimedBy))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return t, nil
}

// CompleteTask records a terminal status with its summary.
func (s *Store) CompleteTask(ctx context.Context, id string, status TaskStatus, summary json.RawMessage, taskErr string, hasResultFiles bool, resultPath string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete task %s: %s is not terminal", id, status)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = $2, summary = $3, error = $4, has_result_files = $5, result_path = $6,
    completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'RUNNING';`,
		id, status, nullableJSON(summary), taskErr, hasResultFiles, resultPath)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete task %s: not running", id)
	}
	return nil
}

// RetryKind selects which retry counter a requeue charges.
type RetryKind string

const (
	RetryPreflight RetryKind = "preflight"
	RetryTransient RetryKind = "transient"
	RetryStuck     RetryKind = "stuck"
)

func (k RetryKind) column() string {
	switch k {
	case RetryPreflight:
		return "preflight_retries"
	case RetryTransient:
		return "transient_retries"
	case RetryStuck:
		return "stuck_retries"
	}
	return ""
}

// Requeue returns a RUNNING task to PENDING, charging one retry of the given
// kind and delaying the next claim until notBefore. Each counter has its own
// budget; when the charged counter would exceed max the task fails instead
// and Requeue reports budgetExhausted.
func (s *Store) Requeue(ctx context.Context, id string, kind RetryKind, max int, delay time.Duration, reason string) (budgetExhausted bool, err error) {
	col := kind.column()
	if col == "" {
		return false, fmt.Errorf("requeue task %s: unknown retry kind %q", id, kind)
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = 'PENDING', `+col+` = `+col+` + 1,
    not_before = now() + make_interval(secs => $2), claimed_by = NULL, started_at = NULL,
    error = $3, updated_at = now()
WHERE id = $1 AND status = 'RUNNING' AND `+col+` < $4;`,
		id, delay.Seconds(), reason, max)
	if err != nil {
		return false, fmt.Errorf("requeue task %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return false, nil
	}

	// budget exhausted (or raced); fail the task if it is still running
	tag, err = s.pool.Exec(ctx, `
UPDATE tasks SET status = 'FAILED', error = $2, completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'RUNNING';`,
		id, fmt.Sprintf("%s retry budget exhausted: %s", kind, reason))
	if err != nil {
		return false, fmt.Errorf("fail task %s after retries: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeferTask returns a RUNNING task to PENDING without charging any retry
// counter. Fan-out parents use this while waiting for their children.
func (s *Store) DeferTask(ctx context.Context, id string, delay time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = 'PENDING', not_before = now() + make_interval(secs => $2),
    claimed_by = NULL, started_at = NULL, updated_at = now()
WHERE id = $1 AND status = 'RUNNING';`, id, delay.Seconds())
	if err != nil {
		return fmt.Errorf("defer task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("defer task %s: not running", id)
	}
	return nil
}

// RequestCancel marks a task for cancellation. PENDING tasks cancel
// immediately; RUNNING tasks get a flag the executor observes.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = 'CANCELLED', completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'PENDING';`, id)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	tag, err = s.pool.Exec(ctx, `
UPDATE tasks SET cancel_requested = TRUE, updated_at = now()
WHERE id = $1 AND status = 'RUNNING';`, id)
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cancel task %s: not pending or running", id)
	}
	return nil
}

// CancelRequested reports whether cancellation has been requested for a task.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM tasks WHERE id = $1;`, id).Scan(&requested)
	if err != nil {
		return false, fmt.Errorf("cancel flag for task %s: %w", id, err)
	}
	return requested, nil
}

// MarkCancelled finalises a task whose cancellation the executor observed.
func (s *Store) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = 'CANCELLED', completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'RUNNING';`, id)
	if err != nil {
		return fmt.Errorf("mark task %s cancelled: %w", id, err)
	}
	return nil
}

// ReapResult summarises one reaper sweep.
type ReapResult struct {
	Requeued   int
	HardFailed int
}

// ReapStuck recovers tasks whose executor died. Tasks running longer than
// threshold go back to PENDING up to maxStuck times; tasks running longer
// than hardLimit fail outright regardless of budget.
func (s *Store) ReapStuck(ctx context.Context, threshold, hardLimit time.Duration, maxStuck int) (ReapResult, error) {
	var res ReapResult

	tag, err := s.pool.Exec(ctx, `
UPDATE tasks SET status = 'FAILED',
    error = 'task exceeded hard runtime limit', completed_at = now(), updated_at = now()
WHERE status = 'RUNNING' AND started_at < now() - make_interval(secs => $1);`,
		hardLimit.Seconds())
	if err != nil {
		return res, fmt.Errorf("reap hard limit: %w", err)
	}
	res.HardFailed = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
UPDATE tasks SET status = 'PENDING', stuck_retries = stuck_retries + 1,
    claimed_by = NULL, started_at = NULL, not_before = now(), updated_at = now()
WHERE status = 'RUNNING' AND started_at < now() - make_interval(secs => $1) AND stuck_retries < $2;`,
		threshold.Seconds(), maxStuck)
	if err != nil {
		return res, fmt.Errorf("reap stuck: %w", err)
	}
	res.Requeued = int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx, `
UPDATE tasks SET status = 'FAILED',
    error = 'stuck retry budget exhausted', completed_at = now(), updated_at = now()
WHERE status = 'RUNNING' AND started_at < now() - make_interval(secs => $1);`,
		threshold.Seconds())
	if err != nil {
		return res, fmt.Errorf("reap stuck budget: %w", err)
	}
	res.HardFailed += int(tag.RowsAffected())
	return res, nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status TaskStatus
	Model  string
	Kind   string
	Limit  int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}
	if filter.Model != "" {
		add("model", filter.Model)
	}
	if filter.Kind != "" {
		add("kind", filter.Kind)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d;", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Subtasks returns the children of a fan-out parent.
func (s *Store) Subtasks(ctx context.Context, parentID string) ([]*Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = $1 ORDER BY created_at ASC;`, parentID)
	if err != nil {
		return nil, fmt.Errorf("subtasks of %s: %w", parentID, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("subtasks of %s: %w", parentID, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountByStatus returns task counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("count tasks: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// TasksMissingResultFiles lists completed tasks whose file write failed, for
// the reconciliation sweep.
func (s *Store) TasksMissingResultFiles(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+` FROM tasks
WHERE status IN ('COMPLETED', 'PARTIAL_SUCCESS') AND has_result_files = FALSE AND summary IS NOT NULL
ORDER BY completed_at ASC LIMIT $1;`, limit)
	if err != nil {
		return nil, fmt.Errorf("tasks missing result files: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("tasks missing result files: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkResultFilesWritten flips has_result_files after a successful
// reconciliation write.
func (s *Store) MarkResultFilesWritten(ctx context.Context, id, resultPath string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE tasks SET has_result_files = TRUE, result_path = $2, updated_at = now() WHERE id = $1;`,
		id, resultPath)
	if err != nil {
		return fmt.Errorf("mark result files for task %s: %w", id, err)
	}
	return nil
}

func jsonBytes(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
