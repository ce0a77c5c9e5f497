package pipeline

import (
	"context"
	"fmt"
	"time"

	"argus/internal/logging"
	"argus/internal/store"
)

// pipelineStore is the store subset the manager drives.
type pipelineStore interface {
	CreatePipeline(ctx context.Context, name, model string, appNum int, steps []store.StepSpec) (string, error)
	GetPipeline(ctx context.Context, id string) (*store.Pipeline, error)
	ActivePipelineIDs(ctx context.Context) ([]string, error)
	BindStepTask(ctx context.Context, pipelineID string, position int, taskID string) error
	CompleteStep(ctx context.Context, pipelineID string, position int, status store.TaskStatus) error
	SetPipelineStatus(ctx context.Context, id string, status store.TaskStatus) error
	PrunePipelines(ctx context.Context, retention time.Duration) (int, error)

	CreateTask(ctx context.Context, spec store.NewTaskSpec) (string, error)
	GetTask(ctx context.Context, id string) (*store.Task, error)
}

// Manager advances pipelines step by step. A step waits for the step it
// declares a dependency on; a failed or cancelled dependency cancels it.
// Independent steps run side by side.
type Manager struct {
	store  pipelineStore
	logger logging.Logger
}

// NewManager builds a pipeline manager.
func NewManager(s pipelineStore, logger logging.Logger) *Manager {
	return &Manager{store: s, logger: logging.OrNop(logger)}
}

// Create validates and records a new pipeline.
func (m *Manager) Create(ctx context.Context, name, model string, appNum int, steps []store.StepSpec) (string, error) {
	if len(steps) == 0 {
		return "", fmt.Errorf("pipeline %q has no steps", name)
	}
	id, err := m.store.CreatePipeline(ctx, name, model, appNum, steps)
	if err != nil {
		return "", err
	}
	m.logger.Info("pipeline %s (%s) created with %d step(s) for %s/app%d", id, name, len(steps), model, appNum)
	return id, nil
}

// Tick advances every active pipeline once. Called from the maintenance
// scheduler.
func (m *Manager) Tick(ctx context.Context) error {
	ids, err := m.store.ActivePipelineIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := m.advance(ctx, id); err != nil {
			m.logger.Error("pipeline %s: advance failed: %v", id, err)
		}
	}
	return nil
}

// advance moves one pipeline forward: sync dispatched steps with their
// tasks, cancel steps whose dependency failed, dispatch every step whose
// dependency is satisfied, and roll up once all steps are terminal.
func (m *Manager) advance(ctx context.Context, id string) error {
	p, err := m.store.GetPipeline(ctx, id)
	if err != nil {
		return err
	}

	// sync dispatched steps with their tasks
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Status.Terminal() || step.TaskID == "" {
			continue
		}
		task, err := m.store.GetTask(ctx, step.TaskID)
		if err != nil {
			return fmt.Errorf("step %d task: %w", step.Position, err)
		}
		if !task.Status.Terminal() {
			continue
		}
		step.Status = task.Status
		if err := m.store.CompleteStep(ctx, p.ID, step.Position, task.Status); err != nil {
			return err
		}
	}

	// cancel undispatched steps whose dependency closed the gate; repeat
	// until stable so cancellations cascade down dependency chains. Steps
	// already running keep running.
	for changed := true; changed; {
		changed = false
		for i := range p.Steps {
			step := &p.Steps[i]
			if step.Status.Terminal() || step.TaskID != "" || step.DependsOn == nil {
				continue
			}
			if gateClosed(p.Steps[*step.DependsOn].Status) {
				step.Status = store.StatusCancelled
				if err := m.store.CompleteStep(ctx, p.ID, step.Position, store.StatusCancelled); err != nil {
					return err
				}
				m.logger.Info("pipeline %s: step %d (%s) cancelled, dependency %d did not succeed",
					p.ID, step.Position, step.Kind, *step.DependsOn)
				changed = true
			}
		}
	}

	// dispatch every step whose dependency is satisfied
	for i := range p.Steps {
		step := &p.Steps[i]
		if step.Status.Terminal() || step.TaskID != "" {
			continue
		}
		if step.DependsOn != nil {
			dep := p.Steps[*step.DependsOn].Status
			if !dep.Terminal() || gateClosed(dep) {
				continue
			}
		}
		taskID, err := m.store.CreateTask(ctx, store.NewTaskSpec{
			Kind:   step.Kind,
			Model:  p.Model,
			AppNum: p.AppNum,
		})
		if err != nil {
			return fmt.Errorf("dispatch step %d: %w", step.Position, err)
		}
		step.TaskID = taskID
		step.Status = store.StatusRunning
		if err := m.store.BindStepTask(ctx, p.ID, step.Position, taskID); err != nil {
			return err
		}
		if p.Status == store.StatusPending {
			p.Status = store.StatusRunning
			if err := m.store.SetPipelineStatus(ctx, p.ID, store.StatusRunning); err != nil {
				return err
			}
		}
		m.logger.Info("pipeline %s: step %d (%s) dispatched as task %s", p.ID, step.Position, step.Kind, taskID)
	}

	for _, step := range p.Steps {
		if !step.Status.Terminal() {
			return nil
		}
	}
	return m.rollup(ctx, p)
}

// gateClosed reports whether a step outcome blocks its dependants. Partial
// success keeps them moving.
func gateClosed(status store.TaskStatus) bool {
	return status == store.StatusFailed || status == store.StatusCancelled
}

// rollup records the pipeline's terminal status from its step outcomes:
// every step clean means success, everything failed means failure, and any
// mix lands on partial success.
func (m *Manager) rollup(ctx context.Context, p *store.Pipeline) error {
	succeeded, failed := 0, 0
	for _, step := range p.Steps {
		switch step.Status {
		case store.StatusCompleted:
			succeeded++
		case store.StatusPartialSuccess:
			succeeded++
			failed++ // counts on both sides so a lone partial step is mixed
		default:
			failed++
		}
	}

	status := store.StatusPartialSuccess
	switch {
	case failed == 0:
		status = store.StatusCompleted
	case succeeded == 0:
		status = store.StatusFailed
	}
	if err := m.store.SetPipelineStatus(ctx, p.ID, status); err != nil {
		return err
	}
	m.logger.Info("pipeline %s finished %s", p.ID, status)
	return nil
}

// Prune removes terminal pipelines past the retention window.
func (m *Manager) Prune(ctx context.Context, retention time.Duration) (int, error) {
	return m.store.PrunePipelines(ctx, retention)
}
