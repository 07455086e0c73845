package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	QueueEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_queue_entries_total",
			Help: "Total number of queue entries by status",
		},
		[]string{"status"},
	)

	ActiveAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conveyor_active_agents",
			Help: "Number of currently running agent invocations",
		},
	)

	// Dispatcher metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_dispatch_latency_seconds",
			Help:    "Time taken for one dispatch cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_tasks_dispatched_total",
			Help: "Total number of tasks handed to a worker",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_tasks_failed_total",
			Help: "Total number of tasks that reached the failed terminal state",
		},
	)

	// Phase executor metrics
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_phase_duration_seconds",
			Help:    "Time taken to execute one phase in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase_type"},
	)

	// Agent runner metrics
	AgentInvocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_agent_invocation_duration_seconds",
			Help:    "Time taken for one agent invocation in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	AgentTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_agent_timeouts_total",
			Help: "Total number of agent invocations killed by the watchdog",
		},
	)

	// Integration coordinator metrics
	IntegrationCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_integration_cycle_duration_seconds",
			Help:    "Time taken for one integration cycle across all repos in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_merges_total",
			Help: "Total number of queue entries merged or excluded by reason",
		},
		[]string{"outcome"},
	)

	// Tick loop metrics
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conveyor_tick_duration_seconds",
			Help:    "Time taken for one tick loop iteration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(QueueEntriesTotal)
	prometheus.MustRegister(ActiveAgents)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(TasksDispatchedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(AgentInvocationDuration)
	prometheus.MustRegister(AgentTimeoutsTotal)
	prometheus.MustRegister(IntegrationCycleDuration)
	prometheus.MustRegister(MergesTotal)
	prometheus.MustRegister(TickDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
