package pool

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Endpoint is one analyzer replica of a given kind. A circuit breaker guards
// it: three consecutive failures open the circuit for the cooldown, then a
// single probe is allowed through.
type Endpoint struct {
	URL  string
	Kind string

	inflight      atomic.Int64
	latencyMicros atomic.Int64
	breaker       *gobreaker.CircuitBreaker
}

const (
	breakerFailureThreshold = 3
	breakerCooldown         = 5 * time.Minute
)

func newEndpoint(kind, url string, cooldown time.Duration) *Endpoint {
	if cooldown <= 0 {
		cooldown = breakerCooldown
	}
	e := &Endpoint{URL: url, Kind: kind}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind + " " + url,
		MaxRequests: 1, // single half-open probe
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
	})
	return e
}

// Available reports whether the breaker admits a request right now.
func (e *Endpoint) Available() bool {
	return e.breaker.State() != gobreaker.StateOpen
}

// Load is the number of requests currently running against the endpoint.
func (e *Endpoint) Load() int {
	return int(e.inflight.Load())
}

// observeLatency folds one successful request duration into the moving
// average, weighted 7:1 toward history.
func (e *Endpoint) observeLatency(d time.Duration) {
	sample := d.Microseconds()
	prev := e.latencyMicros.Load()
	if prev == 0 {
		e.latencyMicros.Store(sample)
		return
	}
	e.latencyMicros.Store((prev*7 + sample) / 8)
}

// AvgLatency is the recent average duration of successful requests. Zero
// until the endpoint has served one.
func (e *Endpoint) AvgLatency() time.Duration {
	return time.Duration(e.latencyMicros.Load()) * time.Microsecond
}

// Stats is a point-in-time snapshot for the admin API.
type Stats struct {
	URL                 string    `json:"url"`
	Kind                string    `json:"kind"`
	State               string    `json:"state"`
	Inflight            int       `json:"inflight"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	Requests            uint32    `json:"requests"`
	TotalFailures       uint32    `json:"total_failures"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	CooldownUntilRough  time.Time `json:"cooldown_until,omitempty"`
}

// Snapshot reads the endpoint's current stats. The cooldown deadline is
// approximate: gobreaker does not expose the open timestamp, so it is
// estimated from the moment the open state is observed.
func (e *Endpoint) Snapshot() Stats {
	counts := e.breaker.Counts()
	s := Stats{
		URL:                 e.URL,
		Kind:                e.Kind,
		State:               e.breaker.State().String(),
		Inflight:            e.Load(),
		AvgLatencyMS:        float64(e.latencyMicros.Load()) / 1000,
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
	if e.breaker.State() == gobreaker.StateOpen {
		s.CooldownUntilRough = time.Now().Add(breakerCooldown)
	}
	return s
}
