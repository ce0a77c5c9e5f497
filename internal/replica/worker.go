package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"argus/internal/analysis"
	"argus/internal/async"
	"argus/internal/logging"
	"argus/internal/protocol"
)

// ErrQueueFull is returned when the worker's backlog is at capacity. The
// caller answers with an overload frame instead of queueing.
var ErrQueueFull = errors.New("replica: queue full")

const (
	// QueueLimit bounds accepted-but-not-started jobs.
	QueueLimit = 100
	// maxConcurrent bounds jobs running at once; analyses are heavy.
	maxConcurrent = 2
)

// Sink receives job lifecycle frames for one connection.
type Sink interface {
	Progress(taskID string, p protocol.Progress) error
	Result(taskID string, r protocol.Result) error
	Error(taskID string, e protocol.ErrorFrame) error
}

// Runner executes one analysis request and returns the raw response payload,
// one entry per tool plus reserved metadata keys.
type Runner interface {
	Run(ctx context.Context, req protocol.Request, progress func(protocol.Progress)) (map[string]any, error)
}

// job is one queued analysis.
type job struct {
	req    protocol.Request
	sink   Sink
	ctx    context.Context
	queued time.Time
}

// Worker pulls analysis jobs from a bounded queue and runs them with bounded
// concurrency.
type Worker struct {
	runner Runner
	logger logging.Logger

	queue chan job
	sem   *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	started bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker builds a worker around the runner.
func NewWorker(runner Runner, logger logging.Logger) *Worker {
	return &Worker{
		runner: runner,
		logger: logging.OrNop(logger),
		queue:  make(chan job, QueueLimit),
		sem:    semaphore.NewWeighted(maxConcurrent),
		active: make(map[string]context.CancelFunc),
	}
}

// Start launches the dispatch loop.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	ctx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	async.Go(w.logger, "replica-dispatch", func() { w.dispatch(ctx) })
}

// Stop cancels running jobs and waits for them to unwind.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.stop()
	for _, cancel := range w.active {
		cancel()
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// QueueDepth is the current backlog size.
func (w *Worker) QueueDepth() int {
	return len(w.queue)
}

// Submit enqueues a job. The connection context cancels the job if the
// orchestrator disconnects.
func (w *Worker) Submit(ctx context.Context, req protocol.Request, sink Sink) error {
	if err := req.Validate(); err != nil {
		return err
	}
	select {
	case w.queue <- job{req: req, sink: sink, ctx: ctx, queued: time.Now()}:
		return nil
	default:
		return fmt.Errorf("%w (%d/%d)", ErrQueueFull, len(w.queue), QueueLimit)
	}
}

// Cancel aborts a running job by task id.
func (w *Worker) Cancel(taskID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cancel, ok := w.active[taskID]
	if ok {
		cancel()
	}
	return ok
}

func (w *Worker) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-w.queue:
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			w.wg.Add(1)
			async.Go(w.logger, "replica-job-"+j.req.TaskID, func() {
				defer w.wg.Done()
				defer w.sem.Release(1)
				w.process(j)
			})
		}
	}
}

func (w *Worker) process(j job) {
	jobCtx, cancel := context.WithCancel(j.ctx)
	defer cancel()

	w.mu.Lock()
	w.active[j.req.TaskID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, j.req.TaskID)
		w.mu.Unlock()
	}()

	w.logger.Info("replica: task %s starting (%s, queued %s)", j.req.TaskID, j.req.Kind, time.Since(j.queued).Round(time.Millisecond))
	start := time.Now()

	forward := func(p protocol.Progress) {
		if err := j.sink.Progress(j.req.TaskID, p); err != nil {
			w.logger.Debug("replica: progress for task %s not delivered: %v", j.req.TaskID, err)
		}
	}

	payload, err := w.runner.Run(jobCtx, j.req, forward)
	duration := time.Since(start).Seconds()
	if err != nil {
		frame := protocol.ErrorFrame{TaskID: j.req.TaskID, Code: errorCode(jobCtx, err), Message: err.Error(), Transient: transient(err)}
		if sendErr := j.sink.Error(j.req.TaskID, frame); sendErr != nil {
			w.logger.Warn("replica: error frame for task %s not delivered: %v", j.req.TaskID, sendErr)
		}
		return
	}

	result := protocol.Result{
		TaskID:   j.req.TaskID,
		Status:   payloadStatus(payload),
		Payload:  payload,
		Duration: duration,
	}
	if err := j.sink.Result(j.req.TaskID, result); err != nil {
		w.logger.Warn("replica: result for task %s not delivered: %v", j.req.TaskID, err)
	}
}

func errorCode(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return protocol.CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeTimeout
	case errors.Is(err, errUnknownKind):
		return protocol.CodeUnknownKind
	case errors.Is(err, errTargetDown):
		return protocol.CodeTargetDown
	}
	return protocol.CodeInternal
}

func transient(err error) bool {
	return errors.Is(err, errTargetDown) || errors.Is(err, context.DeadlineExceeded)
}

// payloadStatus rolls individual tool statuses into the result status.
func payloadStatus(payload map[string]any) string {
	executed, failed := 0, 0
	for key, value := range payload {
		if analysis.IsReservedMetadataKey(key) {
			continue
		}
		record, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if status, ok := record["status"].(string); ok && status == string(analysis.StatusFailed) {
			failed++
		}
		executed++
	}
	switch {
	case executed == 0:
		return "failed"
	case failed == 0:
		return "success"
	case failed < executed:
		return "partial"
	}
	return "failed"
}
