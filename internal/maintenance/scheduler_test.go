package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/apps"
	"argus/internal/logging"
	"argus/internal/store"
)

type fakeReaper struct {
	calls  atomic.Int64
	result store.ReapResult
	err    error
}

func (f *fakeReaper) ReapStuck(context.Context, time.Duration, time.Duration, int) (store.ReapResult, error) {
	f.calls.Add(1)
	return f.result, f.err
}

type fakeOrphans struct {
	calls atomic.Int64
	grace time.Duration
}

func (f *fakeOrphans) SweepOrphans(_ context.Context, grace time.Duration) (apps.SweepResult, error) {
	f.calls.Add(1)
	f.grace = grace
	return apps.SweepResult{Marked: 1}, nil
}

type fakeReconciler struct {
	calls atomic.Int64
	limit int
}

func (f *fakeReconciler) Sweep(_ context.Context, limit int) (int, error) {
	f.calls.Add(1)
	f.limit = limit
	return 2, nil
}

type fakePipelines struct {
	ticks  atomic.Int64
	prunes atomic.Int64
}

func (f *fakePipelines) Tick(context.Context) error {
	f.ticks.Add(1)
	return nil
}

func (f *fakePipelines) Prune(context.Context, time.Duration) (int, error) {
	f.prunes.Add(1)
	return 0, nil
}

func TestConfigFillDefaults(t *testing.T) {
	var cfg Config
	cfg.fill()
	assert.Equal(t, 5*time.Minute, cfg.ReaperInterval)
	assert.Equal(t, 15*time.Minute, cfg.StuckTaskThreshold)
	assert.Equal(t, 2*time.Hour, cfg.StuckTaskHardLimit)
	assert.Equal(t, 3, cfg.StuckMaxRetries)
	assert.Equal(t, 7*24*time.Hour, cfg.OrphanGracePeriod)
	assert.Equal(t, 50, cfg.ReconcileBatch)
}

func TestRunAllFiresEverySweep(t *testing.T) {
	r := &fakeReaper{result: store.ReapResult{Requeued: 1}}
	o := &fakeOrphans{}
	rc := &fakeReconciler{}
	p := &fakePipelines{}

	s := New(Config{OrphanGracePeriod: time.Hour, ReconcileBatch: 10}, r, o, rc, p, logging.Nop())
	s.RunAll(context.Background())

	assert.Equal(t, int64(1), r.calls.Load())
	assert.Equal(t, int64(1), o.calls.Load())
	assert.Equal(t, time.Hour, o.grace)
	assert.Equal(t, int64(1), rc.calls.Load())
	assert.Equal(t, 10, rc.limit)
	assert.Equal(t, int64(1), p.ticks.Load())
	assert.Equal(t, int64(1), p.prunes.Load())
}

func TestRunAllSkipsNilComponents(t *testing.T) {
	rc := &fakeReconciler{}
	s := New(Config{}, nil, nil, rc, nil, logging.Nop())
	s.RunAll(context.Background())
	assert.Equal(t, int64(1), rc.calls.Load())
}

func TestRunAllSurvivesSweepError(t *testing.T) {
	r := &fakeReaper{err: errors.New("db down")}
	rc := &fakeReconciler{}
	s := New(Config{}, r, nil, rc, nil, logging.Nop())
	s.RunAll(context.Background())

	// a failing sweep does not block the rest
	assert.Equal(t, int64(1), r.calls.Load())
	assert.Equal(t, int64(1), rc.calls.Load())
}

func TestSchedulerStartRegistersAndStops(t *testing.T) {
	p := &fakePipelines{}
	s := New(Config{PipelineTickInterval: time.Hour}, &fakeReaper{}, &fakeOrphans{}, &fakeReconciler{}, p, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	s.mu.Lock()
	assert.Len(t, s.entries, 5)
	s.mu.Unlock()

	cancel()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Config{}, nil, nil, nil, nil, logging.Nop())
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
	<-s.Done()
}
