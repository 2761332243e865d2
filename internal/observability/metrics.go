// Package observability holds the Prometheus metrics of the service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "concierge"

// Metrics groups the collectors updated by the pipeline. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	UpstreamErrorsTotal  *prometheus.CounterVec
	ProviderDuration     *prometheus.HistogramVec
	LeadTransitionsTotal *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "Inbound turns by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		UpstreamErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_errors_total",
				Help:      "Provider failures by provider",
			},
			[]string{"provider"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "provider_duration_seconds",
				Help:      "Latency of provider round trips",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
		LeadTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "lead",
				Name:      "transitions_total",
				Help:      "Committed lead capture state transitions",
			},
			[]string{"from", "to"},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest counts one inbound turn.
func (m *Metrics) ObserveRequest(channel, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveProvider records one provider call and, when err is non-nil, a failure.
func (m *Metrics) ObserveProvider(provider string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.ProviderDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
	if err != nil {
		m.UpstreamErrorsTotal.WithLabelValues(provider).Inc()
	}
}

// ObserveTransition counts a committed lead state change.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.LeadTransitionsTotal.WithLabelValues(from, to).Inc()
}
