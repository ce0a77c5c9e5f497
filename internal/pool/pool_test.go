package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/internal/logging"
	"argus/internal/protocol"
)

// fakeCaller scripts per-URL responses.
type fakeCaller struct {
	mu        sync.Mutex
	calls     []string
	responses map[string][]callerResult
}

type callerResult struct {
	result *protocol.Result
	err    error
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{responses: make(map[string][]callerResult)}
}

func (f *fakeCaller) on(url string, results ...callerResult) {
	f.responses[url] = append(f.responses[url], results...)
}

func (f *fakeCaller) Call(_ context.Context, url string, _ protocol.Request, _ func(protocol.Progress)) (*protocol.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	queue := f.responses[url]
	if len(queue) == 0 {
		return &protocol.Result{Status: "success"}, nil
	}
	next := queue[0]
	f.responses[url] = queue[1:]
	return next.result, next.err
}

func staticPool(caller Caller, urls ...string) *Pool {
	return New(caller, map[string][]string{"static": urls}, time.Minute, logging.Nop())
}

func req() protocol.Request {
	return protocol.Request{TaskID: "t-1", Kind: "static", Model: "gpt_4o", AppNum: 1}
}

func TestExecuteNoEndpoints(t *testing.T) {
	p := New(newFakeCaller(), nil, 0, logging.Nop())
	_, err := p.Execute(context.Background(), req(), nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestExecuteUsesEndpoint(t *testing.T) {
	caller := newFakeCaller()
	p := staticPool(caller, "ws://a")

	result, err := p.Execute(context.Background(), req(), nil)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, []string{"ws://a"}, caller.calls)
}

func TestExecuteFailsOverOnTransientError(t *testing.T) {
	caller := newFakeCaller()
	caller.on("ws://a", callerResult{err: &RemoteError{Code: protocol.CodeQueueFull, Transient: true}})
	p := staticPool(caller, "ws://a", "ws://b")

	// one endpoint overflows, the other serves the request; order between
	// equally idle endpoints is randomised
	result, err := p.Execute(context.Background(), req(), nil)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.ElementsMatch(t, []string{"ws://a", "ws://b"}, caller.calls)
}

func TestExecutePermanentErrorStopsFailover(t *testing.T) {
	caller := newFakeCaller()
	caller.on("ws://a", callerResult{err: &RemoteError{Code: protocol.CodeToolFailure, Transient: false}})
	p := staticPool(caller, "ws://a", "ws://b")

	_, err := p.Execute(context.Background(), req(), nil)
	require.Error(t, err)
	assert.Len(t, caller.calls, 1)
}

func TestExecuteAllEndpointsDown(t *testing.T) {
	caller := newFakeCaller()
	caller.on("ws://a", callerResult{err: &DialError{URL: "ws://a"}})
	caller.on("ws://b", callerResult{err: &DialError{URL: "ws://b"}})
	p := staticPool(caller, "ws://a", "ws://b")

	_, err := p.Execute(context.Background(), req(), nil)
	assert.ErrorIs(t, err, ErrAllUnavailable)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	caller := newFakeCaller()
	for i := 0; i < breakerFailureThreshold; i++ {
		caller.on("ws://a", callerResult{err: &DialError{URL: "ws://a"}})
	}
	p := staticPool(caller, "ws://a")

	for i := 0; i < breakerFailureThreshold; i++ {
		_, err := p.Execute(context.Background(), req(), nil)
		require.Error(t, err)
	}

	ep := p.endpoints["static"][0]
	assert.False(t, ep.Available())

	// further requests are rejected by the breaker without a call
	calls := len(caller.calls)
	_, err := p.Execute(context.Background(), req(), nil)
	assert.ErrorIs(t, err, ErrAllUnavailable)
	assert.Len(t, caller.calls, calls)
}

func TestCandidatesPreferHealthyEndpoints(t *testing.T) {
	caller := newFakeCaller()
	p := staticPool(caller, "ws://a", "ws://b")

	// trip ws://a
	a := p.endpoints["static"][0]
	for i := 0; i < breakerFailureThreshold; i++ {
		_, _ = a.breaker.Execute(func() (any, error) { return nil, &DialError{URL: "ws://a"} })
	}

	eps := p.candidates("static")
	assert.Equal(t, "ws://b", eps[0].URL)
	assert.Equal(t, "ws://a", eps[1].URL)
}

func TestHealthyTracksBreakerState(t *testing.T) {
	p := staticPool(newFakeCaller(), "ws://a", "ws://b")
	assert.True(t, p.Healthy("static"))
	assert.False(t, p.Healthy("dynamic"))

	for _, ep := range p.endpoints["static"] {
		for i := 0; i < breakerFailureThreshold; i++ {
			_, _ = ep.breaker.Execute(func() (any, error) { return nil, &DialError{URL: ep.URL} })
		}
	}
	assert.False(t, p.Healthy("static"))
}

func TestCandidatesBreakLoadTiesByLatency(t *testing.T) {
	p := staticPool(newFakeCaller(), "ws://a", "ws://b")
	p.endpoints["static"][0].observeLatency(900 * time.Millisecond)
	p.endpoints["static"][1].observeLatency(50 * time.Millisecond)

	for i := 0; i < 20; i++ {
		eps := p.candidates("static")
		require.Equal(t, "ws://b", eps[0].URL)
	}
}

func TestRoundRobinRotatesEndpoints(t *testing.T) {
	caller := newFakeCaller()
	p := staticPool(caller, "ws://a", "ws://b")
	p.SetPolicy(PolicyRoundRobin)

	for i := 0; i < 4; i++ {
		_, err := p.Execute(context.Background(), req(), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"ws://a", "ws://b", "ws://a", "ws://b"}, caller.calls)
}

func TestRandomPolicyUsesEveryEndpointEventually(t *testing.T) {
	caller := newFakeCaller()
	p := staticPool(caller, "ws://a", "ws://b")
	p.SetPolicy(PolicyRandom)

	for i := 0; i < 64; i++ {
		_, err := p.Execute(context.Background(), req(), nil)
		require.NoError(t, err)
	}
	seen := make(map[string]bool)
	for _, url := range caller.calls {
		seen[url] = true
	}
	assert.Len(t, seen, 2)
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":             PolicyLeastLoaded,
		"least-loaded": PolicyLeastLoaded,
		"round-robin":  PolicyRoundRobin,
		"random":       PolicyRandom,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("sticky")
	assert.Error(t, err)
}

func TestSnapshotReportsLatency(t *testing.T) {
	p := staticPool(newFakeCaller(), "ws://a")
	p.endpoints["static"][0].observeLatency(250 * time.Millisecond)

	stats := p.Snapshot()
	require.Len(t, stats, 1)
	assert.InDelta(t, 250, stats[0].AvgLatencyMS, 1)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&RemoteError{Transient: true}))
	assert.False(t, IsTransient(&RemoteError{Transient: false}))
	assert.True(t, IsTransient(&DialError{URL: "ws://a"}))
	assert.False(t, IsTransient(context.Canceled))
}

func TestSnapshotReportsState(t *testing.T) {
	p := staticPool(newFakeCaller(), "ws://a", "ws://b")
	stats := p.Snapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, "closed", stats[0].State)
	assert.Equal(t, "static", stats[0].Kind)
}
