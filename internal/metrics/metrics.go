// Package metrics exposes abuse counters in the Prometheus format.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/serroba/abuse/internal/abuse"
)

const namespace = "abuse"

// Check outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// Metrics owns a private registry so tests can create as many as they need.
type Metrics struct {
	registry  *prometheus.Registry
	checks    *prometheus.CounterVec
	throttled *prometheus.CounterVec
	cleanups  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	events    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Abuse checks by outcome.",
		}, []string{"outcome"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_throttled_total",
			Help:      "HTTP requests rejected by the rate limit policy, by scope.",
		}, []string{"scope"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanups_total",
			Help:      "Cleanup runs by completion.",
		}, []string{"complete"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_errors_total",
			Help:      "Backend failures by operation.",
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_events_total",
			Help:      "Consumed audit events by topic and outcome.",
		}, []string{"topic", "outcome"}),
	}

	m.registry.MustRegister(
		m.checks,
		m.throttled,
		m.cleanups,
		m.errors,
		m.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// ObserveCheck counts one check result.
func (m *Metrics) ObserveCheck(blocked bool, err error) {
	switch {
	case err != nil:
		m.checks.WithLabelValues(OutcomeError).Inc()
		m.ObserveError(err)
	case blocked:
		m.checks.WithLabelValues(OutcomeBlocked).Inc()
	default:
		m.checks.WithLabelValues(OutcomeAllowed).Inc()
	}
}

func (m *Metrics) ObserveThrottled(scope string) {
	m.throttled.WithLabelValues(scope).Inc()
}

func (m *Metrics) ObserveCleanup(complete bool) {
	m.cleanups.WithLabelValues(strconv.FormatBool(complete)).Inc()
}

// ObserveError counts backend failures; other errors are ignored.
func (m *Metrics) ObserveError(err error) {
	var be *abuse.BackendError
	if errors.As(err, &be) {
		m.errors.WithLabelValues(be.Op).Inc()
	}
}

// ObserveAuditEvent counts one consumed audit message.
func (m *Metrics) ObserveAuditEvent(topic, outcome string) {
	m.events.WithLabelValues(topic, outcome).Inc()
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
