package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"argus/internal/apps"
	"argus/internal/logging"
	"argus/internal/store"
)

// reaper recovers tasks abandoned by a dead executor.
type reaper interface {
	ReapStuck(ctx context.Context, threshold, hardLimit time.Duration, maxStuck int) (store.ReapResult, error)
}

// orphanSweeper reconciles the app registry against the apps directory.
type orphanSweeper interface {
	SweepOrphans(ctx context.Context, grace time.Duration) (apps.SweepResult, error)
}

// reconciler replays result file writes that were demoted to warnings.
type reconciler interface {
	Sweep(ctx context.Context, limit int) (int, error)
}

// pipelineDriver advances and prunes pipelines.
type pipelineDriver interface {
	Tick(ctx context.Context) error
	Prune(ctx context.Context, retention time.Duration) (int, error)
}

// Config sets the sweep cadences. Zero values fall back to defaults.
type Config struct {
	ReaperInterval     time.Duration
	StuckTaskThreshold time.Duration
	StuckTaskHardLimit time.Duration
	StuckMaxRetries    int

	OrphanSweepInterval time.Duration
	OrphanGracePeriod   time.Duration

	ReconcileInterval time.Duration
	ReconcileBatch    int

	PipelineTickInterval time.Duration
	PipelineRetention    time.Duration
}

func (c *Config) fill() {
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 5 * time.Minute
	}
	if c.StuckTaskThreshold <= 0 {
		c.StuckTaskThreshold = 15 * time.Minute
	}
	if c.StuckTaskHardLimit <= 0 {
		c.StuckTaskHardLimit = 2 * time.Hour
	}
	if c.StuckMaxRetries <= 0 {
		c.StuckMaxRetries = 3
	}
	if c.OrphanSweepInterval <= 0 {
		c.OrphanSweepInterval = time.Hour
	}
	if c.OrphanGracePeriod <= 0 {
		c.OrphanGracePeriod = 7 * 24 * time.Hour
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Minute
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 50
	}
	if c.PipelineTickInterval <= 0 {
		c.PipelineTickInterval = 15 * time.Second
	}
	if c.PipelineRetention <= 0 {
		c.PipelineRetention = 30 * 24 * time.Hour
	}
}

// Scheduler runs the background sweeps on cron cadences. A sweep that is
// still running when its next slot arrives is skipped, not queued.
type Scheduler struct {
	cron      *cron.Cron
	config    Config
	logger    logging.Logger
	reaper    reaper
	orphans   orphanSweeper
	reconcile reconciler
	pipelines pipelineDriver

	ctx      context.Context
	stopped  chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	entries  map[string]cron.EntryID
}

// New builds a scheduler. Any nil component disables its sweep.
func New(cfg Config, r reaper, o orphanSweeper, rc reconciler, p pipelineDriver, logger logging.Logger) *Scheduler {
	cfg.fill()
	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		config:    cfg,
		logger:    logging.OrNop(logger),
		reaper:    r,
		orphans:   o,
		reconcile: rc,
		pipelines: p,
		stopped:   make(chan struct{}),
		entries:   make(map[string]cron.EntryID),
	}
}

// Start registers the sweeps and starts the cron loop. The context bounds
// every sweep and stops the scheduler when cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx

	s.mu.Lock()
	if s.reaper != nil {
		if err := s.register("reaper", s.config.ReaperInterval, s.runReaper); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if s.orphans != nil {
		if err := s.register("orphan-sweep", s.config.OrphanSweepInterval, s.runOrphanSweep); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if s.reconcile != nil {
		if err := s.register("reconcile", s.config.ReconcileInterval, s.runReconcile); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if s.pipelines != nil {
		if err := s.register("pipeline-tick", s.config.PipelineTickInterval, s.runPipelineTick); err != nil {
			s.mu.Unlock()
			return err
		}
		if err := s.register("pipeline-prune", s.config.OrphanSweepInterval, s.runPipelinePrune); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	count := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("maintenance scheduler started with %d sweep(s)", count)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop drains running sweeps and halts the cron loop. Safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("maintenance scheduler stopped")
	})
}

// Done closes once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// register must be called with s.mu held.
func (s *Scheduler) register(name string, interval time.Duration, job func()) error {
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), job)
	if err != nil {
		return fmt.Errorf("register %s sweep: %w", name, err)
	}
	s.entries[name] = id
	s.logger.Info("maintenance: %s sweep every %s", name, interval)
	return nil
}

// RunAll fires every sweep once, immediately. Used by the maintain command
// and the admin API's manual trigger.
func (s *Scheduler) RunAll(ctx context.Context) {
	saved := s.ctx
	s.ctx = ctx
	defer func() { s.ctx = saved }()

	if s.reaper != nil {
		s.runReaper()
	}
	if s.orphans != nil {
		s.runOrphanSweep()
	}
	if s.reconcile != nil {
		s.runReconcile()
	}
	if s.pipelines != nil {
		s.runPipelineTick()
		s.runPipelinePrune()
	}
}

func (s *Scheduler) runReaper() {
	res, err := s.reaper.ReapStuck(s.ctx, s.config.StuckTaskThreshold, s.config.StuckTaskHardLimit, s.config.StuckMaxRetries)
	if err != nil {
		s.logger.Error("maintenance: reaper sweep failed: %v", err)
		return
	}
	if res.Requeued > 0 || res.HardFailed > 0 {
		s.logger.Warn("maintenance: reaper requeued %d task(s), hard-failed %d", res.Requeued, res.HardFailed)
	}
}

func (s *Scheduler) runOrphanSweep() {
	res, err := s.orphans.SweepOrphans(s.ctx, s.config.OrphanGracePeriod)
	if err != nil {
		s.logger.Error("maintenance: orphan sweep failed: %v", err)
		return
	}
	if res.Marked > 0 || res.Cleared > 0 || res.Deleted > 0 {
		s.logger.Info("maintenance: orphan sweep marked %d, cleared %d, deleted %d app(s)", res.Marked, res.Cleared, res.Deleted)
	}
}

func (s *Scheduler) runReconcile() {
	repaired, err := s.reconcile.Sweep(s.ctx, s.config.ReconcileBatch)
	if err != nil {
		s.logger.Error("maintenance: result reconciliation failed: %v", err)
		return
	}
	if repaired > 0 {
		s.logger.Info("maintenance: reconciled %d result bundle(s) to disk", repaired)
	}
}

func (s *Scheduler) runPipelineTick() {
	if err := s.pipelines.Tick(s.ctx); err != nil {
		s.logger.Error("maintenance: pipeline tick failed: %v", err)
	}
}

func (s *Scheduler) runPipelinePrune() {
	pruned, err := s.pipelines.Prune(s.ctx, s.config.PipelineRetention)
	if err != nil {
		s.logger.Error("maintenance: pipeline prune failed: %v", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("maintenance: pruned %d pipeline(s)", pruned)
	}
}
