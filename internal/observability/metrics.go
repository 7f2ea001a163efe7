// Package observability exposes Prometheus metrics for the orchestrator's
// background loops.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	OutboxDispatched   *prometheus.CounterVec
	FinalizerDecisions *prometheus.CounterVec
	NotificationsSent  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		OutboxDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_outbox_dispatch_total",
			Help: "Outbox items processed, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		FinalizerDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_finalizer_decisions_total",
			Help: "Finalizer sweep decisions, by decision.",
		}, []string{"decision"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_notifications_sent_total",
			Help: "Terminal-run notifications posted, by run status.",
		}, []string{"status"}),
	}
	registry.MustRegister(m.OutboxDispatched, m.FinalizerDecisions, m.NotificationsSent)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
