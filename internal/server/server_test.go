package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/logging"
	"argus/internal/pool"
	"argus/internal/store"
)

type fakeStore struct {
	tasks     map[string]*store.Task
	children  map[string][]*store.Task
	pipelines map[string]*store.Pipeline
	apps      []*store.App
	counts    map[store.TaskStatus]int

	created    []store.NewTaskSpec
	cancelled  []string
	lastFilter store.TaskFilter
	cancelErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:     make(map[string]*store.Task),
		children:  make(map[string][]*store.Task),
		pipelines: make(map[string]*store.Pipeline),
		counts:    make(map[store.TaskStatus]int),
	}
}

func (f *fakeStore) CreateTask(_ context.Context, spec store.NewTaskSpec) (string, error) {
	f.created = append(f.created, spec)
	return fmt.Sprintf("t-%d", len(f.created)), nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (*store.Task, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	return t, nil
}

func (f *fakeStore) ListTasks(_ context.Context, filter store.TaskFilter) ([]*store.Task, error) {
	f.lastFilter = filter
	var out []*store.Task
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) Subtasks(_ context.Context, parentID string) ([]*store.Task, error) {
	return f.children[parentID], nil
}

func (f *fakeStore) RequestCancel(_ context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeStore) CountByStatus(context.Context) (map[store.TaskStatus]int, error) {
	return f.counts, nil
}

func (f *fakeStore) ListApps(context.Context) ([]*store.App, error) {
	return f.apps, nil
}

func (f *fakeStore) GetPipeline(_ context.Context, id string) (*store.Pipeline, error) {
	p, ok := f.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %s not found", id)
	}
	return p, nil
}

func (f *fakeStore) ListPipelines(context.Context, int) ([]*store.Pipeline, error) {
	var out []*store.Pipeline
	for _, p := range f.pipelines {
		out = append(out, p)
	}
	return out, nil
}

type fakePipelines struct {
	created []string
	steps   []store.StepSpec
	err     error
}

func (f *fakePipelines) Create(_ context.Context, name, _ string, _ int, steps []store.StepSpec) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, name)
	f.steps = steps
	return "p-1", nil
}

type fakePool struct{ stats []pool.Stats }

func (f *fakePool) Snapshot() []pool.Stats { return f.stats }

type fakeSweeper struct{ calls int }

func (f *fakeSweeper) RunAll(context.Context) { f.calls++ }

type h = map[string]any

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateTask(t *testing.T) {
	f := newFakeStore()
	s := New(f, nil, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodPost, "/api/tasks", h{
		"kind": "static", "model": "gpt_4o", "app_num": 3, "priority": 5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.created, 1)
	assert.Equal(t, "static", f.created[0].Kind)
	assert.Equal(t, 3, f.created[0].AppNum)
	assert.Equal(t, 5, f.created[0].Priority)
}

func TestCreateTaskRejectsUnknownKind(t *testing.T) {
	f := newFakeStore()
	s := New(f, nil, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodPost, "/api/tasks", h{"kind": "fuzzing", "model": "gpt_4o", "app_num": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.created)
}

func TestCreateTaskRejectsMissingFields(t *testing.T) {
	s := New(newFakeStore(), nil, nil, nil, logging.Nop())
	rec := do(t, s, http.MethodPost, "/api/tasks", h{"kind": "static"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasksPassesFilter(t *testing.T) {
	f := newFakeStore()
	s := New(f, nil, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodGet, "/api/tasks?status=pending&model=gpt_4o&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.StatusPending, f.lastFilter.Status)
	assert.Equal(t, "gpt_4o", f.lastFilter.Model)
	assert.Equal(t, 10, f.lastFilter.Limit)
}

func TestListTasksRejectsBadLimit(t *testing.T) {
	s := New(newFakeStore(), nil, nil, nil, logging.Nop())
	rec := do(t, s, http.MethodGet, "/api/tasks?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskIncludesSubtasksForComprehensive(t *testing.T) {
	f := newFakeStore()
	f.tasks["t-1"] = &store.Task{ID: "t-1", Kind: "comprehensive", Model: "gpt_4o", AppNum: 1, Status: store.StatusRunning}
	f.children["t-1"] = []*store.Task{
		{ID: "t-2", ParentID: "t-1", Kind: "static", Status: store.StatusCompleted},
		{ID: "t-3", ParentID: "t-1", Kind: "dynamic", Status: store.StatusRunning},
	}
	s := New(f, nil, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodGet, "/api/tasks/t-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view taskView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Subtasks, 2)
	assert.Equal(t, "t-2", view.Subtasks[0].ID)
}

func TestGetTaskNotFound(t *testing.T) {
	s := New(newFakeStore(), nil, nil, nil, logging.Nop())
	rec := do(t, s, http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	f := newFakeStore()
	s := New(f, nil, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodPost, "/api/tasks/t-9/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"t-9"}, f.cancelled)
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	f := newFakeStore()
	f.cancelErr = errors.New("task t-9 already finished")
	s := New(f, nil, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodPost, "/api/tasks/t-9/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTaskStats(t *testing.T) {
	f := newFakeStore()
	f.counts[store.StatusPending] = 4
	f.counts[store.StatusCompleted] = 6
	s := New(f, nil, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodGet, "/api/tasks/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"by_status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.Total)
	assert.Equal(t, 4, body.ByStatus["PENDING"])
}

func TestCreatePipelineValidatesKinds(t *testing.T) {
	pc := &fakePipelines{}
	s := New(newFakeStore(), pc, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodPost, "/api/pipelines", h{
		"name": "audit", "model": "gpt_4o", "app_num": 1, "kinds": []string{"static", "bogus"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, pc.created)

	rec = do(t, s, http.MethodPost, "/api/pipelines", h{
		"name": "audit", "model": "gpt_4o", "app_num": 1, "kinds": []string{"static", "dynamic"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"audit"}, pc.created)

	// the kinds shorthand chains each step onto the previous one
	require.Len(t, pc.steps, 2)
	assert.Nil(t, pc.steps[0].DependsOn)
	require.NotNil(t, pc.steps[1].DependsOn)
	assert.Equal(t, 0, *pc.steps[1].DependsOn)
}

func TestCreatePipelineWithExplicitSteps(t *testing.T) {
	pc := &fakePipelines{}
	s := New(newFakeStore(), pc, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodPost, "/api/pipelines", h{
		"name": "audit", "model": "gpt_4o", "app_num": 1,
		"steps": []h{
			{"kind": "static"},
			{"kind": "dynamic", "depends_on": 0},
			{"kind": "performance"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, pc.steps, 3)
	assert.Nil(t, pc.steps[0].DependsOn)
	require.NotNil(t, pc.steps[1].DependsOn)
	assert.Equal(t, 0, *pc.steps[1].DependsOn)
	assert.Nil(t, pc.steps[2].DependsOn)
}

func TestCreatePipelineRejectsForwardStepDependency(t *testing.T) {
	pc := &fakePipelines{}
	s := New(newFakeStore(), pc, nil, nil, logging.Nop())

	rec := do(t, s, http.MethodPost, "/api/pipelines", h{
		"name": "audit", "model": "gpt_4o", "app_num": 1,
		"steps": []h{
			{"kind": "static", "depends_on": 1},
			{"kind": "dynamic"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, pc.created)
}

func TestEndpointsWithNilPool(t *testing.T) {
	s := New(newFakeStore(), nil, nil, nil, logging.Nop())
	rec := do(t, s, http.MethodGet, "/api/endpoints", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEndpointsSnapshot(t *testing.T) {
	p := &fakePool{stats: []pool.Stats{{URL: "ws://a:8001/ws", Kind: "static", State: "closed"}}}
	s := New(newFakeStore(), nil, p, nil, logging.Nop())

	rec := do(t, s, http.MethodGet, "/api/endpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ws://a:8001/ws")
}

func TestManualSweep(t *testing.T) {
	s := New(newFakeStore(), nil, nil, nil, logging.Nop())
	rec := do(t, s, http.MethodPost, "/api/maintenance/sweep", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	sw := &fakeSweeper{}
	s = New(newFakeStore(), nil, nil, sw, logging.Nop())
	rec = do(t, s, http.MethodPost, "/api/maintenance/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sw.calls)
}
