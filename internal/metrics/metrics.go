// Package metrics provides Prometheus instrumentation for the caseflow
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only caseflow metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the caseflow server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RuleEvaluations     *prometheus.CounterVec
	FlagsAttachedTotal  *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec
	RetroSweepsTotal    prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all caseflow metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		RuleEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_rule_evaluations_total",
			Help: "Total number of flagging rule evaluation passes, by level.",
		}, []string{"level"}),

		FlagsAttachedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_flags_attached_total",
			Help: "Total number of flag attachments written, by entity kind.",
		}, []string{"entity"}),

		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_status_transitions_total",
			Help: "Total number of case status transition attempts, by outcome.",
		}, []string{"outcome"}),

		RetroSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_retro_sweeps_total",
			Help: "Total number of retroactive rule sweeps.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "caseflow_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RuleEvaluations,
		m.FlagsAttachedTotal,
		m.StatusTransitions,
		m.RetroSweepsTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordRuleEvaluation increments the evaluation counter for a level.
func (m *Metrics) RecordRuleEvaluation(level string) {
	m.RuleEvaluations.WithLabelValues(level).Inc()
}

// RecordFlagsAttached adds to the attachment counter for an entity kind.
func (m *Metrics) RecordFlagsAttached(entity string, n int) {
	if n > 0 {
		m.FlagsAttachedTotal.WithLabelValues(entity).Add(float64(n))
	}
}

// RecordStatusTransition increments the transition counter with the given
// outcome ("allowed" or the rejecting rule name).
func (m *Metrics) RecordStatusTransition(outcome string) {
	m.StatusTransitions.WithLabelValues(outcome).Inc()
}

// RecordRetroSweep increments the retroactive sweep counter.
func (m *Metrics) RecordRetroSweep() {
	m.RetroSweepsTotal.Inc()
}
