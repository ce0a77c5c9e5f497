package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting executor activity. It
// implements the executor's Metrics interface.
type Metrics struct {
	tasksClaimed *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskRequeues *prometheus.CounterVec
	tasksActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level instance registered with the
// global Prometheus registry. Collectors are created once so repeated
// executor construction does not panic on duplicate registration.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance on the given registerer.
// Pass a fresh registry in tests. Registration errors other than
// AlreadyRegistered panic, matching promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksClaimed := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "executor",
			Name:      "tasks_claimed_total",
			Help:      "Analysis tasks claimed from the queue.",
		},
		[]string{"kind"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "argus",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock time from claim to terminal status.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"kind", "status"},
	)
	taskRequeues := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "argus",
			Subsystem: "executor",
			Name:      "task_requeues_total",
			Help:      "Tasks returned to the queue, labelled by retry budget.",
		},
		[]string{"kind", "retry"},
	)
	tasksActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "argus",
			Subsystem: "executor",
			Name:      "tasks_active",
			Help:      "Tasks currently held by this executor.",
		},
	)

	collectors := []prometheus.Collector{tasksClaimed, taskDuration, taskRequeues, tasksActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case tasksClaimed:
					tasksClaimed = already.ExistingCollector.(*prometheus.CounterVec)
				case taskDuration:
					taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case taskRequeues:
					taskRequeues = already.ExistingCollector.(*prometheus.CounterVec)
				case tasksActive:
					tasksActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tasksClaimed: tasksClaimed,
		taskDuration: taskDuration,
		taskRequeues: taskRequeues,
		tasksActive:  tasksActive,
	}
}

// TaskClaimed records a claim and marks the task active. Every claim must be
// paired with exactly one TaskReleased.
func (m *Metrics) TaskClaimed(kind string) {
	if m == nil || m.tasksClaimed == nil {
		return
	}
	m.tasksClaimed.WithLabelValues(kind).Inc()
	m.tasksActive.Inc()
}

// TaskReleased releases the active slot taken by TaskClaimed.
func (m *Metrics) TaskReleased(kind string) {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}

// TaskCompleted records a terminal outcome.
func (m *Metrics) TaskCompleted(kind, status string, seconds float64) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(kind, status).Observe(seconds)
}

// TaskRequeued records a retry; the task goes back to PENDING and will be
// claimed again.
func (m *Metrics) TaskRequeued(kind, retry string) {
	if m == nil || m.taskRequeues == nil {
		return
	}
	m.taskRequeues.WithLabelValues(kind, retry).Inc()
}
