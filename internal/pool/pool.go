package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"argus/internal/logging"
	"argus/internal/protocol"
)

// ErrNoEndpoints means no endpoint of the requested kind is configured.
var ErrNoEndpoints = errors.New("pool: no endpoints for kind")

// ErrAllUnavailable means every endpoint is cooling down or failed this
// request. The scheduler treats this as transient.
var ErrAllUnavailable = errors.New("pool: all endpoints unavailable")

// RemoteError is a failure reported by an analyzer replica.
type RemoteError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("analyzer error %s: %s", e.Code, e.Message)
}

// IsTransient reports whether err is worth retrying on another endpoint.
func IsTransient(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Transient
	}
	// breaker rejections and connection failures are transient by nature
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var dial *DialError
	return errors.As(err, &dial)
}

// Caller performs one request against one endpoint. The production
// implementation speaks websocket; tests substitute a fake.
type Caller interface {
	Call(ctx context.Context, url string, req protocol.Request, onProgress func(protocol.Progress)) (*protocol.Result, error)
}

// Policy selects how endpoints of a kind are ordered for dispatch.
type Policy string

const (
	PolicyLeastLoaded Policy = "least-loaded"
	PolicyRoundRobin  Policy = "round-robin"
	PolicyRandom      Policy = "random"
)

// ParsePolicy maps a config string to a Policy. Empty selects least-loaded.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyLeastLoaded:
		return PolicyLeastLoaded, nil
	case PolicyRoundRobin, PolicyRandom:
		return Policy(s), nil
	}
	return "", fmt.Errorf("pool: unknown selection policy %q", s)
}

// Pool routes analysis requests across analyzer replicas grouped by kind.
type Pool struct {
	caller    Caller
	logger    logging.Logger
	endpoints map[string][]*Endpoint
	policy    Policy
	rr        atomic.Uint64
}

// New builds a pool from kind to endpoint URL lists. The default selection
// policy is least-loaded.
func New(caller Caller, endpoints map[string][]string, cooldown time.Duration, logger logging.Logger) *Pool {
	p := &Pool{
		caller:    caller,
		logger:    logging.OrNop(logger),
		endpoints: make(map[string][]*Endpoint),
		policy:    PolicyLeastLoaded,
	}
	for kind, urls := range endpoints {
		for _, url := range urls {
			p.endpoints[kind] = append(p.endpoints[kind], newEndpoint(kind, url, cooldown))
		}
	}
	return p
}

// SetPolicy switches the selection policy. Call before serving requests.
func (p *Pool) SetPolicy(policy Policy) {
	p.policy = policy
}

// Healthy reports whether at least one endpoint of the kind currently admits
// requests.
func (p *Pool) Healthy(kind string) bool {
	for _, ep := range p.endpoints[kind] {
		if ep.Available() {
			return true
		}
	}
	return false
}

// candidates orders the kind's endpoints per the selection policy, with
// breaker-open endpoints last so they are only tried when nothing healthy
// remains. Least-loaded breaks load ties by shortest recent average latency,
// then randomly.
func (p *Pool) candidates(kind string) []*Endpoint {
	eps := append([]*Endpoint(nil), p.endpoints[kind]...)
	if len(eps) < 2 {
		return eps
	}
	switch p.policy {
	case PolicyRoundRobin:
		start := int(p.rr.Add(1)-1) % len(eps)
		rotated := make([]*Endpoint, 0, len(eps))
		rotated = append(rotated, eps[start:]...)
		rotated = append(rotated, eps[:start]...)
		eps = rotated
	case PolicyRandom:
		rand.Shuffle(len(eps), func(i, j int) { eps[i], eps[j] = eps[j], eps[i] })
	default:
		rand.Shuffle(len(eps), func(i, j int) { eps[i], eps[j] = eps[j], eps[i] })
		sort.SliceStable(eps, func(i, j int) bool {
			if li, lj := eps[i].Load(), eps[j].Load(); li != lj {
				return li < lj
			}
			return eps[i].AvgLatency() < eps[j].AvgLatency()
		})
	}
	sort.SliceStable(eps, func(i, j int) bool {
		return eps[i].Available() && !eps[j].Available()
	})
	return eps
}

// Execute runs the request on the first endpoint the selection policy picks,
// failing over to the next endpoint on transient errors. Permanent errors
// surface immediately.
func (p *Pool) Execute(ctx context.Context, req protocol.Request, onProgress func(protocol.Progress)) (*protocol.Result, error) {
	eps := p.candidates(req.Kind)
	if len(eps) == 0 {
		return nil, fmt.Errorf("%w %q", ErrNoEndpoints, req.Kind)
	}

	var lastErr error
	for _, ep := range eps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		result, err := p.execute(ctx, ep, req, onProgress)
		if err == nil {
			ep.observeLatency(time.Since(start))
			return result, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		p.logger.Warn("pool: endpoint %s failed task %s, trying next: %v", ep.URL, req.TaskID, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrAllUnavailable, lastErr)
}

func (p *Pool) execute(ctx context.Context, ep *Endpoint, req protocol.Request, onProgress func(protocol.Progress)) (*protocol.Result, error) {
	out, err := ep.breaker.Execute(func() (any, error) {
		ep.inflight.Add(1)
		defer ep.inflight.Add(-1)
		return p.caller.Call(ctx, ep.URL, req, onProgress)
	})
	if err != nil {
		return nil, err
	}
	return out.(*protocol.Result), nil
}

// Kinds returns the configured endpoint kinds.
func (p *Pool) Kinds() []string {
	kinds := make([]string, 0, len(p.endpoints))
	for kind := range p.endpoints {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Snapshot returns per-endpoint stats for every kind.
func (p *Pool) Snapshot() []Stats {
	var stats []Stats
	for _, kind := range p.Kinds() {
		for _, ep := range p.endpoints[kind] {
			stats = append(stats, ep.Snapshot())
		}
	}
	return stats
}
