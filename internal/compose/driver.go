package compose

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"argus/internal/logging"
)

// ErrBusy is returned when another operation already holds the target's lock.
var ErrBusy = errors.New("compose: target busy")

// Target identifies one generated application's compose stack.
type Target struct {
	Model  string
	AppNum int
}

// ProjectName derives the deterministic compose project name for the target.
// Docker only allows lowercase alphanumerics, dashes and underscores.
func (t Target) ProjectName() string {
	var b strings.Builder
	for _, c := range strings.ToLower(t.Model) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	return fmt.Sprintf("%s-app%d", strings.Trim(b.String(), "-"), t.AppNum)
}

func (t Target) String() string { return t.ProjectName() }

// Options tunes driver behaviour.
type Options struct {
	// AppsRoot is the directory holding <model>/app<N>/docker-compose.yml trees.
	AppsRoot string
	// BuildMaxRetries bounds retries of builds that fail on transient errors.
	BuildMaxRetries int
	// HealthInterval is the poll cadence while waiting for containers.
	HealthInterval time.Duration
	// HealthTimeout bounds the wait for all containers to report healthy.
	HealthTimeout time.Duration
	// StartupTimeout bounds the whole Start operation including a build.
	StartupTimeout time.Duration
	// PreBuildCleanup removes stale project resources before every build.
	PreBuildCleanup bool
}

func (o *Options) fill() {
	if o.BuildMaxRetries <= 0 {
		o.BuildMaxRetries = 3
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 2 * time.Second
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 60 * time.Second
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 180 * time.Second
	}
}

// Driver manages compose stacks for generated applications. All operations on
// the same target are mutually exclusive; concurrent callers get ErrBusy
// instead of queueing behind a long build.
type Driver struct {
	runner Runner
	opts   Options
	logger logging.Logger

	mu   sync.Mutex
	busy map[string]bool
}

// NewDriver creates a compose driver.
func NewDriver(runner Runner, opts Options, logger logging.Logger) *Driver {
	opts.fill()
	return &Driver{
		runner: runner,
		opts:   opts,
		logger: logging.OrNop(logger),
		busy:   make(map[string]bool),
	}
}

func (d *Driver) dir(t Target) string {
	return filepath.Join(d.opts.AppsRoot, t.Model, fmt.Sprintf("app%d", t.AppNum))
}

func (d *Driver) env(t Target) []string {
	return []string{"COMPOSE_PROJECT_NAME=" + t.ProjectName()}
}

// acquire marks the target busy, or fails with ErrBusy.
func (d *Driver) acquire(t Target) (func(), error) {
	key := t.ProjectName()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy[key] {
		return nil, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	d.busy[key] = true
	return func() {
		d.mu.Lock()
		delete(d.busy, key)
		d.mu.Unlock()
	}, nil
}

// transientBuildTokens mark infrastructure failures worth retrying. Anything
// else (a Dockerfile error, a missing file) fails immediately.
var transientBuildTokens = []string{
	"buildkit",
	"solver",
	"network",
	"timeout",
	"temporary failure",
	"connection reset",
}

func isTransientBuildError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, token := range transientBuildTokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// Build builds the target's images. Stale project resources are removed first
// so a previous half-finished build cannot poison layer caches, and transient
// infrastructure failures are retried with doubling backoff.
func (d *Driver) Build(ctx context.Context, t Target, noCache bool) error {
	release, err := d.acquire(t)
	if err != nil {
		return err
	}
	defer release()
	return d.build(ctx, t, noCache)
}

// build is the lock-free core, shared with Start and Rebuild which already
// hold the target lock.
func (d *Driver) build(ctx context.Context, t Target, noCache bool) error {
	dir := d.dir(t)
	env := d.env(t)

	if d.opts.PreBuildCleanup {
		if _, _, err := d.runner.Run(ctx, dir, env, "down", "--remove-orphans", "--rmi", "local"); err != nil {
			// best effort; a fresh project has nothing to remove
			d.logger.Warn("compose %s: pre-build cleanup failed: %v", t, err)
		}
	}

	args := []string{"build"}
	if noCache {
		args = append(args, "--no-cache")
	}

	backoff := 2 * time.Second
	var lastErr error
	for attempt := 1; attempt <= d.opts.BuildMaxRetries; attempt++ {
		_, _, lastErr = d.runner.Run(ctx, dir, env, args...)
		if lastErr == nil {
			return nil
		}
		if !isTransientBuildError(lastErr) {
			return fmt.Errorf("compose %s: build: %w", t, lastErr)
		}
		if attempt == d.opts.BuildMaxRetries {
			break
		}
		d.logger.Warn("compose %s: transient build failure (attempt %d/%d), retrying in %s: %v",
			t, attempt, d.opts.BuildMaxRetries, backoff, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("compose %s: build failed after %d attempts: %w", t, d.opts.BuildMaxRetries, lastErr)
}

// Start brings the stack up and waits for every container to become healthy.
// Missing images trigger an automatic build first.
func (d *Driver) Start(ctx context.Context, t Target) error {
	release, err := d.acquire(t)
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, d.opts.StartupTimeout)
	defer cancel()

	dir := d.dir(t)
	env := d.env(t)

	images, _, err := d.runner.Run(ctx, dir, env, "images", "-q")
	if err != nil || strings.TrimSpace(images) == "" {
		d.logger.Info("compose %s: images missing, building before start", t)
		if err := d.build(ctx, t, false); err != nil {
			return err
		}
	}

	if _, _, err := d.runner.Run(ctx, dir, env, "up", "-d"); err != nil {
		return fmt.Errorf("compose %s: up: %w", t, err)
	}
	return d.waitHealthy(ctx, t)
}

// Stop tears the stack down. Volumes survive so a restart keeps app state.
func (d *Driver) Stop(ctx context.Context, t Target) error {
	release, err := d.acquire(t)
	if err != nil {
		return err
	}
	defer release()

	if _, _, err := d.runner.Run(ctx, d.dir(t), d.env(t), "down", "--remove-orphans"); err != nil {
		return fmt.Errorf("compose %s: down: %w", t, err)
	}
	return nil
}

// Rebuild forces a clean no-cache build and restarts the stack.
func (d *Driver) Rebuild(ctx context.Context, t Target) error {
	release, err := d.acquire(t)
	if err != nil {
		return err
	}
	defer release()

	if err := d.build(ctx, t, true); err != nil {
		return err
	}
	if _, _, err := d.runner.Run(ctx, d.dir(t), d.env(t), "up", "-d", "--force-recreate"); err != nil {
		return fmt.Errorf("compose %s: up after rebuild: %w", t, err)
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.HealthTimeout)
	defer cancel()
	return d.waitHealthy(ctx, t)
}

// Logs returns the last tail lines of a service's logs, or of the whole
// stack when service is empty.
func (d *Driver) Logs(ctx context.Context, t Target, service string, tail int) (string, error) {
	if tail <= 0 {
		tail = 100
	}
	args := []string{"logs", "--no-color", "--tail", fmt.Sprint(tail)}
	if service != "" {
		args = append(args, service)
	}
	out, _, err := d.runner.Run(ctx, d.dir(t), d.env(t), args...)
	if err != nil {
		return "", fmt.Errorf("compose %s: logs: %w", t, err)
	}
	return out, nil
}
