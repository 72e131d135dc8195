package receipt

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics provides Prometheus-compatible metrics for the
// checkpoint engine, CAR builder/verifier, and archive operations.
//
// Metrics exposed (all namespaced "car_"):
//
//  1. checkpoints_appended_total (counter): checkpoints written, by kind
//     (Step/Incident). Labels: run_id, kind.
//  2. incidents_total (counter): incident checkpoints raised, by cause.
//     Labels: run_id, incident_kind.
//  3. checkpoint_latency_ms (histogram): time from step dispatch to
//     checkpoint append. Labels: run_id, status (success/error).
//  4. budget_admissions_total (counter): projected-budget checks, by
//     outcome. Labels: run_id, outcome (admitted/rejected).
//  5. builds_total (counter): CARs built. Labels: run_id.
//  6. verifications_total (counter): CAR verifications run, by outcome.
//     Labels: outcome (verified/failed).
//  7. archive_operations_total (counter): pack/unpack operations, by
//     outcome. Labels: op (export/import), outcome (ok/error).
type PrometheusMetrics struct {
	checkpointsAppended *prometheus.CounterVec
	incidents           *prometheus.CounterVec
	checkpointLatency   *prometheus.HistogramVec
	budgetAdmissions    *prometheus.CounterVec
	builds              *prometheus.CounterVec
	verifications       *prometheus.CounterVec
	archiveOps          *prometheus.CounterVec

	registry prometheus.Registerer
	mu       sync.RWMutex
	enabled  bool
}

// NewPrometheusMetrics creates and registers all receipt-system metrics
// with the given registry (prometheus.DefaultRegisterer for the global one).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{registry: registry, enabled: true}

	pm.checkpointsAppended = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "car",
		Name:      "checkpoints_appended_total",
		Help:      "Checkpoints appended to a run's hash chain",
	}, []string{"run_id", "kind"})

	pm.incidents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "car",
		Name:      "incidents_total",
		Help:      "Incident checkpoints raised",
	}, []string{"run_id", "incident_kind"})

	pm.checkpointLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "car",
		Name:      "checkpoint_latency_ms",
		Help:      "Time from step dispatch to checkpoint append, in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
	}, []string{"run_id", "status"})

	pm.budgetAdmissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "car",
		Name:      "budget_admissions_total",
		Help:      "Projected-budget admission checks, by outcome",
	}, []string{"run_id", "outcome"})

	pm.builds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "car",
		Name:      "builds_total",
		Help:      "CARs built from a completed execution",
	}, []string{"run_id"})

	pm.verifications = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "car",
		Name:      "verifications_total",
		Help:      "CAR verifications run, by outcome",
	}, []string{"outcome"})

	pm.archiveOps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "car",
		Name:      "archive_operations_total",
		Help:      "Archive pack/unpack operations, by outcome",
	}, []string{"op", "outcome"})

	return pm
}

func (pm *PrometheusMetrics) RecordCheckpointAppended(runID string, kind CheckpointKind) {
	if !pm.enabled {
		return
	}
	pm.checkpointsAppended.WithLabelValues(runID, string(kind)).Inc()
}

func (pm *PrometheusMetrics) RecordIncident(runID, incidentKind string) {
	if !pm.enabled {
		return
	}
	pm.incidents.WithLabelValues(runID, incidentKind).Inc()
}

func (pm *PrometheusMetrics) RecordCheckpointLatency(runID string, latency time.Duration, status string) {
	if !pm.enabled {
		return
	}
	pm.checkpointLatency.WithLabelValues(runID, status).Observe(float64(latency.Milliseconds()))
}

func (pm *PrometheusMetrics) RecordBudgetAdmission(runID string, admitted bool) {
	if !pm.enabled {
		return
	}
	outcome := "admitted"
	if !admitted {
		outcome = "rejected"
	}
	pm.budgetAdmissions.WithLabelValues(runID, outcome).Inc()
}

func (pm *PrometheusMetrics) RecordBuild(runID string) {
	if !pm.enabled {
		return
	}
	pm.builds.WithLabelValues(runID).Inc()
}

func (pm *PrometheusMetrics) RecordVerification(verified bool) {
	if !pm.enabled {
		return
	}
	outcome := "verified"
	if !verified {
		outcome = "failed"
	}
	pm.verifications.WithLabelValues(outcome).Inc()
}

func (pm *PrometheusMetrics) RecordArchiveOp(op string, ok bool) {
	if !pm.enabled {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	pm.archiveOps.WithLabelValues(op, outcome).Inc()
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
