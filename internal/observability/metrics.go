package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transition results recorded by Metrics.ObserveTransition.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics holds the ledger collectors. A nil *Metrics is valid and records
// nothing, so components can take it optionally.
type Metrics struct {
	registry    *prometheus.Registry
	created     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	notifyFails *prometheus.CounterVec
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvestrace_entities_created_total",
			Help: "Batches and products created, by kind",
		}, []string{"kind"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvestrace_stage_transitions_total",
			Help: "Stage transition attempts by kind, stage and result",
		}, []string{"kind", "stage", "result"}),
		notifyFails: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harvestrace_change_notify_failures_total",
			Help: "Change notifications that could not be delivered",
		}, []string{"type"}),
	}
}

// EntityCreated counts a new batch or product.
func (m *Metrics) EntityCreated(kind string) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(kind).Inc()
}

// ObserveTransition counts a transition attempt.
func (m *Metrics) ObserveTransition(kind, stage, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, stage, result).Inc()
}

// NotifyFailed counts an undelivered change notification.
func (m *Metrics) NotifyFailed(changeType string) {
	if m == nil {
		return
	}
	m.notifyFails.WithLabelValues(changeType).Inc()
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
