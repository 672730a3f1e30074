package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the orchestrator's metrics (namespace "corerun"):
// the core execution gauges/histograms/counters, plus run-status,
// circuit-breaker, DLQ, and approval counters needed for operating a
// durable workflow engine.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries        *prometheus.CounterVec
	mergeConflicts *prometheus.CounterVec
	backpressure   *prometheus.CounterVec

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	dlqDepth      prometheus.Gauge
	dlqEnqueued   *prometheus.CounterVec
	approvalsPending prometheus.Gauge
	timersPending    prometheus.Gauge

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers all orchestrator metrics with registry. A
// nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "corerun", Name: "inflight_nodes",
		Help: "Current number of nodes executing concurrently",
	})
	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "corerun", Name: "queue_depth",
		Help: "Number of ready nodes waiting for a dispatch slot",
	})
	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "corerun", Name: "step_latency_ms",
		Help:    "Node execution duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"run_id", "node_id", "status"})
	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corerun", Name: "retries_total",
		Help: "Cumulative node retry attempts",
	}, []string{"run_id", "node_id", "reason"})
	pm.mergeConflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corerun", Name: "merge_conflicts_total",
		Help: "Concurrent state merge conflicts detected",
	}, []string{"run_id", "conflict_type"})
	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corerun", Name: "backpressure_events_total",
		Help: "Queue saturation events that throttled dispatch",
	}, []string{"run_id", "reason"})

	pm.runsStarted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corerun", Name: "runs_started_total",
		Help: "Runs that have begun executing",
	}, []string{"workflow_name"})
	pm.runsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corerun", Name: "runs_finished_total",
		Help: "Runs that reached a terminal status",
	}, []string{"workflow_name", "status"}) // status: completed, failed, cancelled
	pm.breakerState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "corerun", Name: "circuit_breaker_state",
		Help: "Circuit breaker state per node (0=closed, 1=open, 2=half_open)",
	}, []string{"node_id"})
	pm.dlqDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "corerun", Name: "dlq_depth",
		Help: "Entries currently resident in the dead letter queue",
	})
	pm.dlqEnqueued = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corerun", Name: "dlq_enqueued_total",
		Help: "Entries ever enqueued to the dead letter queue",
	}, []string{"workflow_name", "node_id"})
	pm.approvalsPending = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "corerun", Name: "approvals_pending",
		Help: "Human approval requests awaiting a response",
	})
	pm.timersPending = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "corerun", Name: "timers_pending",
		Help: "Scheduled timers not yet fired",
	})

	return pm
}

func (pm *PrometheusMetrics) RecordStepLatency(runID, nodeID string, latency time.Duration, status string) {
	if !pm.enabled {
		return
	}
	pm.stepLatency.WithLabelValues(runID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

func (pm *PrometheusMetrics) IncrementRetries(runID, nodeID, reason string) {
	if !pm.enabled {
		return
	}
	pm.retries.WithLabelValues(runID, nodeID, reason).Inc()
}

func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.enabled {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

func (pm *PrometheusMetrics) UpdateInflightNodes(count int) {
	if !pm.enabled {
		return
	}
	pm.inflightNodes.Set(float64(count))
}

func (pm *PrometheusMetrics) IncrementMergeConflicts(runID, conflictType string) {
	if !pm.enabled {
		return
	}
	pm.mergeConflicts.WithLabelValues(runID, conflictType).Inc()
}

func (pm *PrometheusMetrics) IncrementBackpressure(runID, reason string) {
	if !pm.enabled {
		return
	}
	pm.backpressure.WithLabelValues(runID, reason).Inc()
}

func (pm *PrometheusMetrics) RecordRunStarted(workflowName string) {
	if !pm.enabled {
		return
	}
	pm.runsStarted.WithLabelValues(workflowName).Inc()
}

func (pm *PrometheusMetrics) RecordRunFinished(workflowName, status string) {
	if !pm.enabled {
		return
	}
	pm.runsFinished.WithLabelValues(workflowName, status).Inc()
}

func (pm *PrometheusMetrics) UpdateBreakerState(nodeID string, state BreakerState) {
	if !pm.enabled {
		return
	}
	pm.breakerState.WithLabelValues(nodeID).Set(float64(state))
}

func (pm *PrometheusMetrics) UpdateDLQDepth(depth int) {
	if !pm.enabled {
		return
	}
	pm.dlqDepth.Set(float64(depth))
}

func (pm *PrometheusMetrics) IncrementDLQEnqueued(workflowName, nodeID string) {
	if !pm.enabled {
		return
	}
	pm.dlqEnqueued.WithLabelValues(workflowName, nodeID).Inc()
}

func (pm *PrometheusMetrics) UpdateApprovalsPending(n int) {
	if !pm.enabled {
		return
	}
	pm.approvalsPending.Set(float64(n))
}

func (pm *PrometheusMetrics) UpdateTimersPending(n int) {
	if !pm.enabled {
		return
	}
	pm.timersPending.Set(float64(n))
}

// Disable turns off metric recording (for tests).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable turns metric recording back on.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
