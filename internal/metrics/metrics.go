// Package metrics exports Prometheus metrics for runs, stage attempts, gates
// and security alerts.
//
// Metrics:
//   - therapy_pipeline_runs_total{kind,status} - finished runs
//   - therapy_pipeline_stage_attempts_total{stage,outcome} - stage attempts
//   - therapy_pipeline_stage_duration_seconds{stage} - attempt duration
//   - therapy_pipeline_gate_invocations_total{gate,result} - gate calls
//   - therapy_pipeline_security_alerts_total{kind} - alert path invocations
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonathan/therapy-pipeline/internal/types"
)

const namespace = "therapy_pipeline"

// Metrics holds the collectors on a private registry, so several instances
// can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	StageAttemptsTotal *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	GateInvocations    *prometheus.CounterVec
	SecurityAlerts     *prometheus.CounterVec
}

// New creates and registers the collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished pipeline runs",
		}, []string{"kind", "status"}),
		StageAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Total number of stage attempts",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		GateInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_invocations_total",
			Help:      "Total number of gate invocations by result",
		}, []string{"gate", "result"}),
		SecurityAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_alerts_total",
			Help:      "Total number of security alerts raised",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		m.RunsTotal,
		m.StageAttemptsTotal,
		m.StageDuration,
		m.GateInvocations,
		m.SecurityAlerts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RunFinished implements pipeline.Observer
func (m *Metrics) RunFinished(kind types.PipelineKind, status types.RunStatus) {
	m.RunsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

// StageAttempt implements pipeline.Observer
func (m *Metrics) StageAttempt(stage string, outcome types.StageOutcome, d time.Duration) {
	m.StageAttemptsTotal.WithLabelValues(stage, string(outcome)).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// GateInvocation implements pipeline.Observer
func (m *Metrics) GateInvocation(gate, result string) {
	m.GateInvocations.WithLabelValues(gate, result).Inc()
}

// SecurityAlert implements audit.AlertCounter
func (m *Metrics) SecurityAlert(kind string) {
	m.SecurityAlerts.WithLabelValues(kind).Inc()
}
