package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Pipeline is a named sequence of analysis steps against one application.
type Pipeline struct {
	ID        string
	Name      string
	Model     string
	AppNum    int
	Status    TaskStatus
	Steps     []PipelineStep
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PipelineStep is one position in a pipeline. TaskID is empty until the step
// is dispatched. DependsOn names the position whose terminal status gates
// this step; nil means the step runs unconditionally.
type PipelineStep struct {
	Position  int
	Kind      string
	TaskID    string
	Status    TaskStatus
	DependsOn *int
}

// StepSpec declares one step of a new pipeline.
type StepSpec struct {
	Kind      string
	DependsOn *int
}

// Chain builds step specs where each step depends on the previous one.
func Chain(kinds []string) []StepSpec {
	steps := make([]StepSpec, len(kinds))
	for i, kind := range kinds {
		steps[i] = StepSpec{Kind: kind}
		if i > 0 {
			prev := i - 1
			steps[i].DependsOn = &prev
		}
	}
	return steps
}

// CreatePipeline records a pipeline and its step skeleton. Dependencies may
// only point at earlier positions.
func (s *Store) CreatePipeline(ctx context.Context, name, model string, appNum int, steps []StepSpec) (string, error) {
	if name == "" || model == "" || appNum <= 0 || len(steps) == 0 {
		return "", errors.New("pipeline requires name, model, app number and steps")
	}
	for i, step := range steps {
		if step.DependsOn != nil && (*step.DependsOn < 0 || *step.DependsOn >= i) {
			return "", fmt.Errorf("step %d depends on invalid position %d", i, *step.DependsOn)
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	id := uuid.NewString()
	_, err = tx.Exec(ctx, `
INSERT INTO pipelines (id, name, model, app_num) VALUES ($1, $2, $3, $4);`,
		id, name, model, appNum)
	if err != nil {
		return "", fmt.Errorf("insert pipeline: %w", err)
	}
	for i, step := range steps {
		_, err = tx.Exec(ctx, `
INSERT INTO pipeline_steps (pipeline_id, position, kind, depends_on) VALUES ($1, $2, $3, $4);`,
			id, i, step.Kind, step.DependsOn)
		if err != nil {
			return "", fmt.Errorf("insert pipeline step %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetPipeline loads a pipeline with its steps.
func (s *Store) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	var p Pipeline
	err := s.pool.QueryRow(ctx, `
SELECT id, name, model, app_num, status, created_at, updated_at FROM pipelines WHERE id = $1;`, id).
		Scan(&p.ID, &p.Name, &p.Model, &p.AppNum, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT position, kind, COALESCE(task_id, ''), status, depends_on FROM pipeline_steps
WHERE pipeline_id = $1 ORDER BY position;`, id)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s steps: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var step PipelineStep
		if err := rows.Scan(&step.Position, &step.Kind, &step.TaskID, &step.Status, &step.DependsOn); err != nil {
			return nil, fmt.Errorf("pipeline %s steps: %w", id, err)
		}
		p.Steps = append(p.Steps, step)
	}
	return &p, rows.Err()
}

// ListPipelines returns pipelines newest first, without steps.
func (s *Store) ListPipelines(ctx context.Context, limit int) ([]*Pipeline, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, name, model, app_num, status, created_at, updated_at
FROM pipelines ORDER BY created_at DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*Pipeline
	for rows.Next() {
		var p Pipeline
		if err := rows.Scan(&p.ID, &p.Name, &p.Model, &p.AppNum, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list pipelines: %w", err)
		}
		pipelines = append(pipelines, &p)
	}
	return pipelines, rows.Err()
}

// ActivePipelineIDs returns ids of pipelines that still have work to drive.
func (s *Store) ActivePipelineIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id FROM pipelines WHERE status IN ('PENDING', 'RUNNING') ORDER BY created_at;`)
	if err != nil {
		return nil, fmt.Errorf("active pipelines: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("active pipelines: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// BindStepTask attaches a dispatched task to a step and marks it running.
func (s *Store) BindStepTask(ctx context.Context, pipelineID string, position int, taskID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE pipeline_steps SET task_id = $3, status = 'RUNNING'
WHERE pipeline_id = $1 AND position = $2;`, pipelineID, position, taskID)
	if err != nil {
		return fmt.Errorf("bind step %d of pipeline %s: %w", position, pipelineID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pipeline %s has no step %d", pipelineID, position)
	}
	return nil
}

// CompleteStep records a step's terminal status.
func (s *Store) CompleteStep(ctx context.Context, pipelineID string, position int, status TaskStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("complete step: %s is not terminal", status)
	}
	_, err := s.pool.Exec(ctx, `
UPDATE pipeline_steps SET status = $3 WHERE pipeline_id = $1 AND position = $2;`,
		pipelineID, position, status)
	if err != nil {
		return fmt.Errorf("complete step %d of pipeline %s: %w", position, pipelineID, err)
	}
	return nil
}

// SetPipelineStatus records the pipeline's rollup status.
func (s *Store) SetPipelineStatus(ctx context.Context, id string, status TaskStatus) error {
	_, err := s.pool.Exec(ctx, `
UPDATE pipelines SET status = $2, updated_at = now() WHERE id = $1;`, id, status)
	if err != nil {
		return fmt.Errorf("set pipeline %s status: %w", id, err)
	}
	return nil
}

// PrunePipelines deletes terminal pipelines older than the retention window.
// Steps cascade.
func (s *Store) PrunePipelines(ctx context.Context, retention time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM pipelines
WHERE status IN ('COMPLETED', 'PARTIAL_SUCCESS', 'FAILED', 'CANCELLED')
  AND updated_at < now() - make_interval(secs => $1);`, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("prune pipelines: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
