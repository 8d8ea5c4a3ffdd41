package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the run loop's Prometheus instruments: run lifecycle
// counters, iteration and tool-execution counters, retry attempts, and a
// per-iteration stream-latency histogram, per the run loop's ambient
// observability contract. Mirrors the teacher's promauto-based Metrics,
// trimmed to what a run loop (rather than a channel/webhook bot) emits.
type Metrics struct {
	// RunsStarted/Completed/Failed/Canceled count run outcomes by model ID.
	RunsStarted   *prometheus.CounterVec
	RunsCompleted *prometheus.CounterVec
	RunsFailed    *prometheus.CounterVec
	RunsCanceled  *prometheus.CounterVec

	// IterationsTotal counts loop iterations by model ID.
	IterationsTotal *prometheus.CounterVec

	// ToolExecutions counts dispatches by tool name and outcome
	// (success|error|timeout|panic).
	ToolExecutions *prometheus.CounterVec

	// RetryAttempts counts retry decisions by kind (rate_limited|transient).
	RetryAttempts *prometheus.CounterVec

	// StreamLatency measures provider stream duration in seconds by model ID.
	StreamLatency *prometheus.HistogramVec
}

// NewMetrics registers the run loop's instruments against reg. Pass
// prometheus.DefaultRegisterer for process-wide metrics, or a fresh
// prometheus.NewRegistry() to isolate a single runtime (tests, multi-tenant
// hosting).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_runs_started_total",
			Help: "Total number of runs admitted.",
		}, []string{"model_id"}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_runs_completed_total",
			Help: "Total number of runs that reached completed status.",
		}, []string{"model_id"}),
		RunsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_runs_failed_total",
			Help: "Total number of runs that reached failed status.",
		}, []string{"model_id"}),
		RunsCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_runs_canceled_total",
			Help: "Total number of runs that reached canceled status.",
		}, []string{"model_id"}),
		IterationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_iterations_total",
			Help: "Total number of loop iterations executed.",
		}, []string{"model_id"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_tool_executions_total",
			Help: "Total number of tool dispatches by tool name and outcome.",
		}, []string{"tool_name", "outcome"}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runloop_retry_attempts_total",
			Help: "Total number of provider-call retries by kind.",
		}, []string{"kind"}),
		StreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runloop_stream_latency_seconds",
			Help:    "Duration of a single provider stream call in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"model_id"}),
	}
}

// NewNopMetrics registers the same instruments against a private registry,
// so it is safe to call repeatedly (each test, each runtime instance)
// without tripping promauto's duplicate-registration panic. Substituted by
// runloop.NewRunState wherever a RunRequest leaves Metrics nil.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveStreamLatency records how long one provider stream call took.
func (m *Metrics) ObserveStreamLatency(modelID string, d time.Duration) {
	m.StreamLatency.WithLabelValues(modelID).Observe(d.Seconds())
}

// RunStarted increments RunsStarted for modelID.
func (m *Metrics) RunStarted(modelID string) { m.RunsStarted.WithLabelValues(modelID).Inc() }

// RunFinished increments the counter matching status ("completed", "failed",
// or "canceled"); unrecognized statuses are ignored.
func (m *Metrics) RunFinished(modelID, status string) {
	switch status {
	case "completed":
		m.RunsCompleted.WithLabelValues(modelID).Inc()
	case "failed":
		m.RunsFailed.WithLabelValues(modelID).Inc()
	case "canceled":
		m.RunsCanceled.WithLabelValues(modelID).Inc()
	}
}

// ToolExecuted increments ToolExecutions for toolName/outcome.
func (m *Metrics) ToolExecuted(toolName, outcome string) {
	m.ToolExecutions.WithLabelValues(toolName, outcome).Inc()
}

// RetryAttempted increments RetryAttempts for kind.
func (m *Metrics) RetryAttempted(kind string) {
	m.RetryAttempts.WithLabelValues(kind).Inc()
}
