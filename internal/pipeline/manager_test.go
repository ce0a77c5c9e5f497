package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/logging"
	"argus/internal/store"
)

// fakePipelineStore keeps pipelines and tasks in memory.
type fakePipelineStore struct {
	pipelines map[string]*store.Pipeline
	tasks     map[string]*store.Task
	nextTask  int
	pruned    int
}

func newFakePipelineStore() *fakePipelineStore {
	return &fakePipelineStore{
		pipelines: make(map[string]*store.Pipeline),
		tasks:     make(map[string]*store.Task),
	}
}

func (f *fakePipelineStore) CreatePipeline(_ context.Context, name, model string, appNum int, steps []store.StepSpec) (string, error) {
	id := fmt.Sprintf("p-%d", len(f.pipelines)+1)
	p := &store.Pipeline{ID: id, Name: name, Model: model, AppNum: appNum, Status: store.StatusPending}
	for i, spec := range steps {
		p.Steps = append(p.Steps, store.PipelineStep{
			Position:  i,
			Kind:      spec.Kind,
			Status:    store.StatusPending,
			DependsOn: spec.DependsOn,
		})
	}
	f.pipelines[id] = p
	return id, nil
}

func (f *fakePipelineStore) GetPipeline(_ context.Context, id string) (*store.Pipeline, error) {
	p, ok := f.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s not found", id)
	}
	clone := *p
	clone.Steps = append([]store.PipelineStep(nil), p.Steps...)
	return &clone, nil
}

func (f *fakePipelineStore) ActivePipelineIDs(_ context.Context) ([]string, error) {
	var ids []string
	for id, p := range f.pipelines {
		if !p.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakePipelineStore) BindStepTask(_ context.Context, id string, position int, taskID string) error {
	f.pipelines[id].Steps[position].TaskID = taskID
	f.pipelines[id].Steps[position].Status = store.StatusRunning
	return nil
}

func (f *fakePipelineStore) CompleteStep(_ context.Context, id string, position int, status store.TaskStatus) error {
	f.pipelines[id].Steps[position].Status = status
	return nil
}

func (f *fakePipelineStore) SetPipelineStatus(_ context.Context, id string, status store.TaskStatus) error {
	f.pipelines[id].Status = status
	return nil
}

func (f *fakePipelineStore) PrunePipelines(_ context.Context, _ time.Duration) (int, error) {
	return f.pruned, nil
}

func (f *fakePipelineStore) CreateTask(_ context.Context, spec store.NewTaskSpec) (string, error) {
	f.nextTask++
	id := fmt.Sprintf("t-%d", f.nextTask)
	f.tasks[id] = &store.Task{ID: id, Kind: spec.Kind, Model: spec.Model, AppNum: spec.AppNum, Status: store.StatusPending}
	return id, nil
}

func (f *fakePipelineStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return t, nil
}

func (f *fakePipelineStore) finishTask(id string, status store.TaskStatus) {
	f.tasks[id].Status = status
}

func TestTickDispatchesFirstStep(t *testing.T) {
	f := newFakePipelineStore()
	m := NewManager(f, logging.Nop())
	ctx := context.Background()

	id, err := m.Create(ctx, "audit", "gpt_4o", 1, store.Chain([]string{"static", "dynamic"}))
	require.NoError(t, err)

	require.NoError(t, m.Tick(ctx))
	p := f.pipelines[id]
	assert.Equal(t, store.StatusRunning, p.Status)
	assert.Equal(t, "t-1", p.Steps[0].TaskID)
	assert.Equal(t, "static", f.tasks["t-1"].Kind)
	assert.Empty(t, p.Steps[1].TaskID)
}

func TestTickWaitsForRunningStep(t *testing.T) {
	f := newFakePipelineStore()
	m := NewManager(f, logging.Nop())
	ctx := context.Background()

	id, _ := m.Create(ctx, "audit", "gpt_4o", 1, store.Chain([]string{"static", "dynamic"}))
	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx))

	// step 0 still running, nothing new dispatched
	assert.Len(t, f.tasks, 1)
	assert.Empty(t, f.pipelines[id].Steps[1].TaskID)
}

func TestTickAdvancesAfterStepSucceeds(t *testing.T) {
	f := newFakePipelineStore()
	m := NewManager(f, logging.Nop())
	ctx := context.Background()

	id, _ := m.Create(ctx, "audit", "gpt_4o", 1, store.Chain([]string{"static", "dynamic"}))
	require.NoError(t, m.Tick(ctx))
	f.finishTask("t-1", store.StatusCompleted)
	require.NoError(t, m.Tick(ctx))

	p := f.pipelines[id]
	assert.Equal(t, store.TaskStatus(store.StatusCompleted), p.Steps[0].Status)
	assert.Equal(t, "t-2", p.Steps[1].TaskID)
	assert.Equal(t, "dynamic", f.tasks["t-2"].Kind)
}

func TestTickRollsUpFinishedPipeline(t *testing.T) {
	f := newFakePipelineStore()
	m := NewManager(f, logging.Nop())
	ctx := context.Background()

	id, _ := m.Create(ctx, "audit", "gpt_4o", 1, store.Chain([]string{"static"}))
	require.NoError(t, m.Tick(ctx))
	f.finishTask("t-1", store.StatusCompleted)
	require.NoError(t, m.Tick(ctx))

	assert.Equal(t, store.StatusCompleted, f.pipelines[id].Status)
}

func TestFailedStepGatesRemainingSteps(t *testing.T) {
	f := newFakePipelineStore()
	m := NewManager(f, logging.Nop())
	ctx := context.Background()

	id, _ := m.Create(ctx, "audit", "gpt_4o", 1, store.Chain([]string{"static", "dynamic", "ai"}))
	require.NoError(t, m.Tick(ctx))
	f.finishTask("t-1", store.StatusFailed)
	require.NoError(t, m.Tick(ctx))

	p := f.pipelines[id]
	assert.Equal(t, store.TaskStatus(store.StatusFailed), p.Steps[0].Status)
	assert.Equal(t, store.TaskStatus(store.StatusCancelled), p.Steps[1].Status)
	assert.Equal(t, store.TaskStatus(store.StatusCancelled), p.Steps[2].Status)
	assert.Equal(t, store.StatusFailed, p.Status)
	// only the first step's task ever existed
	assert.Len(t, f.tasks, 1)
}

func TestPartialSuccessKeepsGateOpen(t *testing.T) {
	f := newFakePipelineStore()
	m := NewManager(f, logging.Nop())
	ctx := context.Background()

	id, _ := m.Create(ctx, "audit", "gpt_4o", 1, store.Chain([]string{"static", "dynamic"}))
	require.NoError(t, m.Tick(ctx))
	f.finishTask("t-1", store.StatusPartialSuccess)
	require.NoError(t, m.Tick(ctx))
	f.finishTask("t-2", store.StatusCompleted)
	require.NoError(t, m.Tick(ctx))

	assert.Equal(t, store.StatusPartialSuccess, f.pipelines[id].Status)
}

func TestIndependentStepsRunSideBySide(t *testing.T) {
	f := newFakePipelineStore()
	m := NewManager(f, logging.Nop())
	ctx := context.Background()

	// static gates dynamic; performance declares no dependency
	steps := append(store.Chain([]string{"static", "dynamic"}), store.StepSpec{Kind: "performance"})
	id, err := m.Create(ctx, "audit", "gpt_4o", 1, steps)
	require.NoError(t, err)

	require.NoError(t, m.Tick(ctx))
	p := f.pipelines[id]
	assert.NotEmpty(t, p.Steps[0].TaskID)
	assert.Empty(t, p.Steps[1].TaskID)
	assert.NotEmpty(t, p.Steps[2].TaskID)
}

func TestFailedDependencyLeavesIndependentStepRunning(t *testing.T) {
	f := newFakePipelineStore()
	m := NewManager(f, logging.Nop())
	ctx := context.Background()

	steps := append(store.Chain([]string{"static", "dynamic"}), store.StepSpec{Kind: "performance"})
	id, _ := m.Create(ctx, "audit", "gpt_4o", 1, steps)
	require.NoError(t, m.Tick(ctx))

	p := f.pipelines[id]
	f.finishTask(p.Steps[0].TaskID, store.StatusFailed)
	require.NoError(t, m.Tick(ctx))

	// only the step gated on the failure is cancelled
	assert.Equal(t, store.StatusCancelled, p.Steps[1].Status)
	assert.Equal(t, store.StatusRunning, p.Steps[2].Status)
	assert.Equal(t, store.StatusRunning, p.Status)

	f.finishTask(p.Steps[2].TaskID, store.StatusCompleted)
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, store.StatusPartialSuccess, p.Status)
}

func TestCreateRejectsEmptyPipeline(t *testing.T) {
	m := NewManager(newFakePipelineStore(), logging.Nop())
	_, err := m.Create(context.Background(), "empty", "gpt_4o", 1, nil)
	assert.Error(t, err)
}
