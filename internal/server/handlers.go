package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"argus/internal/analysis"
	"argus/internal/store"
)

// taskView is the JSON shape of one task in API responses.
type taskView struct {
	ID               string            `json:"id"`
	ParentID         string            `json:"parent_id,omitempty"`
	Kind             string            `json:"kind"`
	Model            string            `json:"model"`
	AppNum           int               `json:"app_num"`
	Status           string            `json:"status"`
	Priority         int               `json:"priority"`
	Tools            []string          `json:"tools,omitempty"`
	Options          map[string]string `json:"options,omitempty"`
	PreflightRetries int               `json:"preflight_retries"`
	TransientRetries int               `json:"transient_retries"`
	StuckRetries     int               `json:"stuck_retries"`
	CancelRequested  bool              `json:"cancel_requested"`
	ClaimedBy        string            `json:"claimed_by,omitempty"`
	Summary          json.RawMessage   `json:"summary,omitempty"`
	Error            string            `json:"error,omitempty"`
	HasResultFiles   bool              `json:"has_result_files"`
	ResultPath       string            `json:"result_path,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Subtasks         []taskView        `json:"subtasks,omitempty"`
}

func viewOf(t *store.Task) taskView {
	return taskView{
		ID:               t.ID,
		ParentID:         t.ParentID,
		Kind:             t.Kind,
		Model:            t.Model,
		AppNum:           t.AppNum,
		Status:           string(t.Status),
		Priority:         t.Priority,
		Tools:            t.Tools,
		Options:          t.Options,
		PreflightRetries: t.PreflightRetries,
		TransientRetries: t.TransientRetries,
		StuckRetries:     t.StuckRetries,
		CancelRequested:  t.CancelRequested,
		ClaimedBy:        t.ClaimedBy,
		Summary:          t.Summary,
		Error:            t.Error,
		HasResultFiles:   t.HasResultFiles,
		ResultPath:       t.ResultPath,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.CompletedAt,
	}
}

type createTaskRequest struct {
	Kind     string            `json:"kind" binding:"required"`
	Model    string            `json:"model" binding:"required"`
	AppNum   int               `json:"app_num" binding:"required"`
	Priority int               `json:"priority"`
	Tools    []string          `json:"tools"`
	Options  map[string]string `json:"options"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := analysis.ParseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.store.CreateTask(c.Request.Context(), store.NewTaskSpec{
		Kind:     string(kind),
		Model:    req.Model,
		AppNum:   req.AppNum,
		Priority: req.Priority,
		Tools:    req.Tools,
		Options:  req.Options,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("admin: task %s submitted (%s %s/app%d)", id, kind, req.Model, req.AppNum)
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := store.TaskFilter{
		Status: store.TaskStatus(strings.ToUpper(c.Query("status"))),
		Model:  c.Query("model"),
		Kind:   c.Query("kind"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	tasks, err := s.store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": views, "count": len(views)})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id := c.Param("id")
	task, err := s.store.GetTask(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	view := viewOf(task)
	if task.Kind == string(analysis.KindComprehensive) {
		children, err := s.store.Subtasks(c.Request.Context(), task.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for _, child := range children {
			view.Subtasks = append(view.Subtasks, viewOf(child))
		}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.RequestCancel(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info("admin: cancel requested for task %s", id)
	c.JSON(http.StatusAccepted, gin.H{"id": id, "cancel_requested": true})
}

func (s *Server) handleTaskStats(c *gin.Context) {
	counts, err := s.store.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	byStatus := make(map[string]int, len(counts))
	total := 0
	for status, n := range counts {
		byStatus[string(status)] = n
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "by_status": byStatus})
}

type createPipelineRequest struct {
	Name   string                `json:"name" binding:"required"`
	Model  string                `json:"model" binding:"required"`
	AppNum int                   `json:"app_num" binding:"required"`
	Kinds  []string              `json:"kinds"`
	Steps  []pipelineStepRequest `json:"steps"`
}

// pipelineStepRequest declares one step; depends_on names an earlier step's
// position. The kinds shorthand builds a chain instead.
type pipelineStepRequest struct {
	Kind      string `json:"kind" binding:"required"`
	DependsOn *int   `json:"depends_on"`
}

func (s *Server) handleCreatePipeline(c *gin.Context) {
	var req createPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Kinds) == 0 && len(req.Steps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kinds or steps required"})
		return
	}

	steps := store.Chain(req.Kinds)
	if len(req.Steps) > 0 {
		steps = make([]store.StepSpec, len(req.Steps))
		for i, step := range req.Steps {
			if step.DependsOn != nil && (*step.DependsOn < 0 || *step.DependsOn >= i) {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("step %d depends on invalid position", i)})
				return
			}
			steps[i] = store.StepSpec{Kind: step.Kind, DependsOn: step.DependsOn}
		}
	}
	for _, step := range steps {
		if _, err := analysis.ParseKind(step.Kind); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id, err := s.pipelines.Create(c.Request.Context(), req.Name, req.Model, req.AppNum, steps)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

type pipelineView struct {
	ID        string             `json:"id"`
	Name      string             `json:"name"`
	Model     string             `json:"model"`
	AppNum    int                `json:"app_num"`
	Status    string             `json:"status"`
	Steps     []pipelineStepView `json:"steps,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type pipelineStepView struct {
	Position  int    `json:"position"`
	Kind      string `json:"kind"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status"`
	DependsOn *int   `json:"depends_on,omitempty"`
}

func pipelineViewOf(p *store.Pipeline) pipelineView {
	view := pipelineView{
		ID:        p.ID,
		Name:      p.Name,
		Model:     p.Model,
		AppNum:    p.AppNum,
		Status:    string(p.Status),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	for _, step := range p.Steps {
		view.Steps = append(view.Steps, pipelineStepView{
			Position:  step.Position,
			Kind:      step.Kind,
			TaskID:    step.TaskID,
			Status:    string(step.Status),
			DependsOn: step.DependsOn,
		})
	}
	return view
}

func (s *Server) handleListPipelines(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	pipelines, err := s.store.ListPipelines(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]pipelineView, 0, len(pipelines))
	for _, p := range pipelines {
		views = append(views, pipelineViewOf(p))
	}
	c.JSON(http.StatusOK, gin.H{"pipelines": views, "count": len(views)})
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	p, err := s.store.GetPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pipelineViewOf(p))
}

type appView struct {
	Model        string     `json:"model"`
	AppNum       int        `json:"app_num"`
	Provider     string     `json:"provider"`
	BackendPort  int        `json:"backend_port"`
	FrontendPort int        `json:"frontend_port"`
	MissingSince *time.Time `json:"missing_since,omitempty"`
}

func (s *Server) handleListApps(c *gin.Context) {
	apps, err := s.store.ListApps(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	views := make([]appView, 0, len(apps))
	for _, a := range apps {
		views = append(views, appView{
			Model:        a.Model,
			AppNum:       a.AppNum,
			Provider:     a.Provider,
			BackendPort:  a.BackendPort,
			FrontendPort: a.FrontendPort,
			MissingSince: a.MissingSince,
		})
	}
	c.JSON(http.StatusOK, gin.H{"apps": views, "count": len(views)})
}

func (s *Server) handleEndpoints(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusOK, gin.H{"endpoints": []any{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": s.pool.Snapshot()})
}

func (s *Server) handleSweep(c *gin.Context) {
	if s.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "maintenance scheduler not running"})
		return
	}
	s.sweeper.RunAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "swept"})
}
