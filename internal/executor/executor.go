package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"argus/internal/analysis"
	"argus/internal/async"
	"argus/internal/compose"
	"argus/internal/config"
	"argus/internal/logging"
	"argus/internal/normalize"
	"argus/internal/pool"
	"argus/internal/protocol"
	"argus/internal/results"
	"argus/internal/sarif"
	"argus/internal/store"
)

// taskStore is the store subset the executor drives.
type taskStore interface {
	ClaimNext(ctx context.Context, claimedBy string) (*store.Task, error)
	CreateTask(ctx context.Context, spec store.NewTaskSpec) (string, error)
	Subtasks(ctx context.Context, parentID string) ([]*store.Task, error)
	CompleteTask(ctx context.Context, id string, status store.TaskStatus, summary json.RawMessage, taskErr string, hasResultFiles bool, resultPath string) error
	Requeue(ctx context.Context, id string, kind store.RetryKind, max int, delay time.Duration, reason string) (bool, error)
	DeferTask(ctx context.Context, id string, delay time.Duration) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id string) error
}

// appResolver locates applications and their ports.
type appResolver interface {
	Resolve(ctx context.Context, model string, appNum int) (*store.App, error)
}

// stackDriver manages the target application's containers.
type stackDriver interface {
	Status(ctx context.Context, t compose.Target) (compose.StackStatus, error)
	Start(ctx context.Context, t compose.Target) error
}

// dispatcher routes requests to analyzer replicas.
type dispatcher interface {
	Execute(ctx context.Context, req protocol.Request, onProgress func(protocol.Progress)) (*protocol.Result, error)
	Healthy(kind string) bool
}

// resultWriter persists completed bundles.
type resultWriter interface {
	Write(b results.Bundle) (string, results.Outcome, error)
}

// Metrics receives executor lifecycle events. The observability package
// provides the production implementation. TaskReleased fires exactly once
// per claim, whatever path the task leaves on.
type Metrics interface {
	TaskClaimed(kind string)
	TaskReleased(kind string)
	TaskCompleted(kind, status string, seconds float64)
	TaskRequeued(kind, retry string)
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) TaskClaimed(string) {}
func (NopMetrics) TaskReleased(string) {}
func (NopMetrics) TaskCompleted(string, string, float64) {}
func (NopMetrics) TaskRequeued(string, string) {}

const (
	// busyPoll is the claim cadence while work keeps arriving; the
	// configured poll interval applies when the queue drains.
	busyPoll = 2 * time.Second
	// preflightBaseDelay doubles per preflight retry: 30s, 60s, 120s.
	preflightBaseDelay = 30 * time.Second
	// transientBaseDelay doubles per transient retry.
	transientBaseDelay = 30 * time.Second
	// fanoutPollDelay is how long a parent waits between child checks.
	fanoutPollDelay = 10 * time.Second
	// cancelPollInterval is how often a running dispatch checks for a
	// cancel request.
	cancelPollInterval = 5 * time.Second
)

// Executor claims tasks from the store and drives them to a terminal state.
type Executor struct {
	store    taskStore
	registry appResolver
	stacks   stackDriver
	pool     dispatcher
	writer   resultWriter
	cfg      config.Settings
	metrics  Metrics
	logger   logging.Logger

	name string

	mu      sync.Mutex
	started bool
	stop    context.CancelFunc
	done    chan struct{}
}

// New builds an executor. metrics may be nil.
func New(s taskStore, registry appResolver, stacks stackDriver, p dispatcher, writer resultWriter, cfg config.Settings, metrics Metrics, logger logging.Logger) *Executor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "executor"
	}
	return &Executor{
		store:    s,
		registry: registry,
		stacks:   stacks,
		pool:     p,
		writer:   writer,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
		name:     fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Start launches the poll loop.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	ctx, cancel := context.WithCancel(context.Background())
	e.stop = cancel
	e.done = make(chan struct{})
	async.Go(e.logger, "executor-poll", func() {
		defer close(e.done)
		e.poll(ctx)
	})
}

// Stop halts polling and waits for the in-flight task to finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.stop()
	done := e.done
	e.mu.Unlock()
	<-done
}

func (e *Executor) poll(ctx context.Context) {
	for {
		claimed := e.claimAndRun(ctx)
		delay := e.cfg.TaskPollInterval
		if claimed {
			delay = busyPoll
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// claimAndRun claims at most one task and drives it. Reports whether a task
// was claimed so the loop can poll faster while the queue is hot.
func (e *Executor) claimAndRun(ctx context.Context) bool {
	task, err := e.store.ClaimNext(ctx, e.name)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("executor: claim failed: %v", err)
		}
		return false
	}
	if task == nil {
		return false
	}
	e.metrics.TaskClaimed(task.Kind)
	defer e.metrics.TaskReleased(task.Kind)
	e.logger.Info("executor: claimed task %s (%s %s/app%d)", task.ID, task.Kind, task.Model, task.AppNum)
	e.run(ctx, task)
	return true
}

func (e *Executor) run(ctx context.Context, task *store.Task) {
	if cancelled, err := e.store.CancelRequested(ctx, task.ID); err == nil && cancelled {
		e.finishCancelled(ctx, task)
		return
	}

	kind, err := analysis.ParseKind(task.Kind)
	if err != nil {
		e.complete(ctx, task, store.StatusFailed, nil, err.Error(), false, "")
		return
	}

	if kind == analysis.KindComprehensive {
		e.runFanout(ctx, task, kind)
		return
	}

	targetURL, err := e.preflight(ctx, task, kind)
	if err != nil {
		e.requeue(ctx, task, store.RetryPreflight, e.cfg.PreflightMaxRetries,
			backoff(preflightBaseDelay, task.PreflightRetries), err.Error())
		return
	}

	e.dispatch(ctx, task, kind, targetURL)
}

// preflight verifies an analyzer endpoint is live, the target application is
// present and, for kinds that exercise it live, running and healthy.
func (e *Executor) preflight(ctx context.Context, task *store.Task, kind analysis.Kind) (string, error) {
	if poolKind := string(kind.PoolKind()); !e.pool.Healthy(poolKind) {
		return "", fmt.Errorf("preflight: no healthy %s analyzer endpoint", poolKind)
	}

	app, err := e.registry.Resolve(ctx, task.Model, task.AppNum)
	if err != nil {
		return "", fmt.Errorf("preflight: %w", err)
	}
	targetURL := fmt.Sprintf("http://127.0.0.1:%d", app.BackendPort)

	if !kind.RequiresRunningTarget() {
		return targetURL, nil
	}

	target := compose.Target{Model: app.Model, AppNum: app.AppNum}
	status, err := e.stacks.Status(ctx, target)
	if err == nil && status.Healthy {
		return targetURL, nil
	}

	e.logger.Info("executor: task %s target %s not healthy, starting stack", task.ID, target)
	startCtx, cancel := context.WithTimeout(ctx, e.cfg.AnalyzerStartupTimeout+e.cfg.DockerHealthCheckTimeout)
	defer cancel()
	if err := e.stacks.Start(startCtx, target); err != nil {
		return "", fmt.Errorf("preflight: start %s: %w", target, err)
	}
	return targetURL, nil
}

func (e *Executor) dispatch(ctx context.Context, task *store.Task, kind analysis.Kind, targetURL string) {
	dispatchCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout(kind))
	defer cancel()

	// watch for a cancel request while the analysis runs
	cancelled := make(chan struct{})
	watchDone := make(chan struct{})
	async.Go(e.logger, "cancel-watch-"+task.ID, func() {
		defer close(watchDone)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-dispatchCtx.Done():
				return
			case <-ticker.C:
				if requested, err := e.store.CancelRequested(dispatchCtx, task.ID); err == nil && requested {
					close(cancelled)
					cancel()
					return
				}
			}
		}
	})
	defer func() {
		cancel()
		<-watchDone
	}()

	req := protocol.Request{
		TaskID:    task.ID,
		Kind:      string(kind.PoolKind()),
		Model:     task.Model,
		AppNum:    task.AppNum,
		Tools:     task.Tools,
		TargetURL: targetURL,
		Options:   task.Options,
	}

	start := time.Now()
	result, err := e.pool.Execute(dispatchCtx, req, func(p protocol.Progress) {
		e.logger.Debug("executor: task %s %s %.0f%% %s", task.ID, p.Stage, p.Percent, p.Message)
	})
	if err != nil {
		select {
		case <-cancelled:
			e.finishCancelled(ctx, task)
			return
		default:
		}
		if errors.Is(dispatchCtx.Err(), context.DeadlineExceeded) {
			e.complete(ctx, task, store.StatusFailed, nil,
				fmt.Sprintf("timeout: analysis exceeded %s", e.cfg.DispatchTimeout(kind)), false, "")
			return
		}
		if pool.IsTransient(err) || errors.Is(err, pool.ErrAllUnavailable) {
			e.requeue(ctx, task, store.RetryTransient, e.cfg.TransientMaxRetries,
				backoff(transientBaseDelay, task.TransientRetries), err.Error())
			return
		}
		e.complete(ctx, task, store.StatusFailed, nil, err.Error(), false, "")
		return
	}

	e.finish(ctx, task, result, time.Since(start))
}

// finish normalises the analyzer response, writes files and records the
// terminal status.
func (e *Executor) finish(ctx context.Context, task *store.Task, result *protocol.Result, elapsed time.Duration) {
	entries := normalize.CollectTools(result.Payload, e.logger)
	tools := make(map[string]analysis.ToolResult, len(entries))
	for name, entry := range entries {
		var tr analysis.ToolResult
		if err := remarshal(entry, &tr); err != nil {
			e.logger.Warn("executor: task %s tool %s record unreadable: %v", task.ID, name, err)
			tr = analysis.ToolResult{ToolRecord: analysis.ToolRecord{
				Tool: name, Status: analysis.StatusFailed, Error: "unreadable tool record",
			}}
		}
		if tr.Tool == "" {
			tr.Tool = name
		}
		tools[name] = tr
	}

	summary := analysis.Summarise(tools)
	summary.DurationSeconds = elapsed.Seconds()
	summary.CompletedAt = time.Now().UTC()

	status := rollupStatus(tools)
	bundle := results.Bundle{
		TaskID:      task.ID,
		Kind:        task.Kind,
		Model:       task.Model,
		AppNum:      task.AppNum,
		CompletedAt: summary.CompletedAt,
		Summary:     summary,
		Tools:       tools,
		Sarif:       consolidateSarif(tools),
	}

	summaryJSON, err := json.Marshal(bundle)
	if err != nil {
		e.complete(ctx, task, store.StatusFailed, nil, fmt.Sprintf("summary unencodable: %v", err), false, "")
		return
	}

	hasFiles := false
	resultPath := ""
	path, outcome, err := e.writer.Write(bundle)
	switch outcome {
	case results.Written:
		hasFiles = true
		resultPath = path
	default:
		// file loss is recoverable; the summary row remains authoritative
		e.logger.Warn("executor: task %s result files not written: %v", task.ID, err)
	}

	e.complete(ctx, task, status, summaryJSON, "", hasFiles, resultPath)
}

// runFanout decomposes a comprehensive task into per-kind children and rolls
// their terminal states up into the parent.
func (e *Executor) runFanout(ctx context.Context, task *store.Task, kind analysis.Kind) {
	children, err := e.store.Subtasks(ctx, task.ID)
	if err != nil {
		e.logger.Error("executor: task %s subtask lookup failed: %v", task.ID, err)
		_ = e.store.DeferTask(ctx, task.ID, fanoutPollDelay)
		return
	}

	if len(children) == 0 {
		for _, sub := range kind.Subtasks() {
			_, err := e.store.CreateTask(ctx, store.NewTaskSpec{
				Kind:     string(sub),
				Model:    task.Model,
				AppNum:   task.AppNum,
				Priority: task.Priority,
				Options:  task.Options,
				ParentID: task.ID,
			})
			if err != nil {
				e.complete(ctx, task, store.StatusFailed, nil, fmt.Sprintf("fan-out failed: %v", err), false, "")
				return
			}
		}
		e.logger.Info("executor: task %s fanned out into %d subtasks", task.ID, len(kind.Subtasks()))
		_ = e.store.DeferTask(ctx, task.ID, fanoutPollDelay)
		return
	}

	for _, child := range children {
		if !child.Status.Terminal() {
			_ = e.store.DeferTask(ctx, task.ID, fanoutPollDelay)
			return
		}
	}

	succeeded, failed := 0, 0
	childSummary := make(map[string]string, len(children))
	for _, child := range children {
		childSummary[child.Kind] = string(child.Status)
		switch child.Status {
		case store.StatusCompleted, store.StatusPartialSuccess:
			succeeded++
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

	summaryJSON, _ := json.Marshal(map[string]any{"subtasks": childSummary})
	e.complete(ctx, task, status, summaryJSON, "", false, "")
}

func (e *Executor) requeue(ctx context.Context, task *store.Task, retry store.RetryKind, max int, delay time.Duration, reason string) {
	exhausted, err := e.store.Requeue(ctx, task.ID, retry, max, delay, reason)
	if err != nil {
		e.logger.Error("executor: requeue task %s: %v", task.ID, err)
		return
	}
	if exhausted {
		e.logger.Warn("executor: task %s failed, %s retry budget exhausted: %s", task.ID, retry, reason)
		e.metrics.TaskCompleted(task.Kind, string(store.StatusFailed), 0)
		return
	}
	e.logger.Info("executor: task %s requeued (%s retry, next attempt in %s): %s", task.ID, retry, delay, reason)
	e.metrics.TaskRequeued(task.Kind, string(retry))
}

func (e *Executor) complete(ctx context.Context, task *store.Task, status store.TaskStatus, summary json.RawMessage, taskErr string, hasFiles bool, resultPath string) {
	if err := e.store.CompleteTask(ctx, task.ID, status, summary, taskErr, hasFiles, resultPath); err != nil {
		e.logger.Error("executor: complete task %s: %v", task.ID, err)
		return
	}
	elapsed := 0.0
	if task.StartedAt != nil {
		elapsed = time.Since(*task.StartedAt).Seconds()
	}
	e.metrics.TaskCompleted(task.Kind, string(status), elapsed)
	e.logger.Info("executor: task %s finished %s", task.ID, status)
}

func (e *Executor) finishCancelled(ctx context.Context, task *store.Task) {
	if err := e.store.MarkCancelled(ctx, task.ID); err != nil {
		e.logger.Error("executor: mark task %s cancelled: %v", task.ID, err)
		return
	}
	e.metrics.TaskCompleted(task.Kind, string(store.StatusCancelled), 0)
	e.logger.Info("executor: task %s cancelled", task.ID)
}

// rollupStatus maps per-tool statuses onto the task status.
func rollupStatus(tools map[string]analysis.ToolResult) store.TaskStatus {
	executed, failed := 0, 0
	for _, tr := range tools {
		executed++
		if tr.Status == analysis.StatusFailed {
			failed++
		}
	}
	switch {
	case executed == 0 || failed == executed:
		return store.StatusFailed
	case failed > 0:
		return store.StatusPartialSuccess
	}
	return store.StatusCompleted
}

// consolidateSarif rebuilds one SARIF log from every tool that emits SARIF.
func consolidateSarif(tools map[string]analysis.ToolResult) *sarif.Log {
	var logs []*sarif.Log
	for name, tr := range tools {
		tool, known := analysis.Catalogue[name]
		if !known || !tool.EmitsSarif || len(tr.Findings) == 0 {
			continue
		}
		logs = append(logs, sarif.FromFindings(tool.Name, tr.Findings))
	}
	if len(logs) == 0 {
		return nil
	}
	return sarif.Consolidate(logs...)
}

// backoff doubles the base delay per prior retry.
func backoff(base time.Duration, retries int) time.Duration {
	d := base
	for i := 0; i < retries; i++ {
		d *= 2
	}
	return d
}

func remarshal(in any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
