package results

import (
	"context"
	"encoding/json"
	"time"

	"argus/internal/logging"
	"argus/internal/store"
)

// taskSource is the store subset reconciliation uses.
type taskSource interface {
	TasksMissingResultFiles(ctx context.Context, limit int) ([]*store.Task, error)
	MarkResultFilesWritten(ctx context.Context, id, resultPath string) error
}

// Reconciler repairs tasks whose database summary exists but whose file
// write failed. Each sweep replays the write from the summary; the write is
// idempotent so racing a concurrent repair is harmless.
type Reconciler struct {
	source taskSource
	writer *Writer
	logger logging.Logger
}

// NewReconciler builds a reconciler over the store and writer.
func NewReconciler(source taskSource, writer *Writer, logger logging.Logger) *Reconciler {
	return &Reconciler{source: source, writer: writer, logger: logging.OrNop(logger)}
}

// Sweep repairs up to limit tasks and returns how many were fixed.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (int, error) {
	tasks, err := r.source.TasksMissingResultFiles(ctx, limit)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, task := range tasks {
		bundle, err := bundleFromTask(task)
		if err != nil {
			r.logger.Warn("results: task %s summary unusable, skipping: %v", task.ID, err)
			continue
		}
		path, outcome, err := r.writer.Write(*bundle)
		if outcome != Written {
			r.logger.Warn("results: reconcile write for task %s failed: %v", task.ID, err)
			continue
		}
		if err := r.source.MarkResultFilesWritten(ctx, task.ID, path); err != nil {
			return repaired, err
		}
		repaired++
	}
	if repaired > 0 {
		r.logger.Info("results: reconciled %d task(s)", repaired)
	}
	return repaired, nil
}

func bundleFromTask(task *store.Task) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(task.Summary, &b); err != nil {
		return nil, err
	}
	// summaries written before the bundle schema carried identity fields
	if b.TaskID == "" {
		b.TaskID = task.ID
		b.Kind = task.Kind
		b.Model = task.Model
		b.AppNum = task.AppNum
		if task.CompletedAt != nil {
			b.CompletedAt = *task.CompletedAt
		} else {
			b.CompletedAt = time.Now().UTC()
		}
	}
	return &b, nil
}
