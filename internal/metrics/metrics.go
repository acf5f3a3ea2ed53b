// Package metrics exposes dispatch and sandbox statistics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryguy/dispatch/internal/core"
	"github.com/cryguy/dispatch/internal/pipeline"
	"github.com/cryguy/dispatch/internal/sandbox"
)

// Metrics holds the dispatcher's collectors on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
	reloads  *prometheus.CounterVec
}

// New registers the request collectors and the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_requests_total",
				Help: "Requests by tenant, outcome and status code",
			},
			[]string{"tenant", "outcome", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_request_duration_seconds",
				Help:    "Request latency by tenant and outcome",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"tenant", "outcome"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_requests_in_flight",
			Help: "Requests currently being dispatched",
		}),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_tenant_updates_total",
				Help: "Snapshot installs by tenant and result",
			},
			[]string{"tenant", "result"},
		),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.inFlight, m.reloads,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records every request once the inner chain returns. Requests
// whose host never resolved are labelled pipeline.UnknownTenant.
func (m *Metrics) Middleware() pipeline.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.inFlight.Inc()
			defer m.inFlight.Dec()

			next.ServeHTTP(w, r)

			t := pipeline.TraceFrom(r.Context())
			tenant := t.Tenant()
			outcome := core.KindName(t.Err())
			code := t.Status()
			if code == 0 {
				code = http.StatusOK
			}
			m.requests.WithLabelValues(tenant, outcome, strconv.Itoa(code)).Inc()
			m.duration.WithLabelValues(tenant, outcome).Observe(time.Since(start).Seconds())
		})
	}
}

// TenantUpdated counts an install attempt; err nil means it was accepted.
func (m *Metrics) TenantUpdated(host string, err error) {
	result := "installed"
	if err != nil {
		result = "rejected"
	}
	m.reloads.WithLabelValues(host, result).Inc()
}

// WatchSandbox exports per-pool gauges read from src on every scrape.
func (m *Metrics) WatchSandbox(src StatsSource) {
	m.registry.MustRegister(NewSandboxCollector(src))
}

// StatsSource is satisfied by *sandbox.Sandbox.
type StatsSource interface {
	Stats() []sandbox.PoolStats
}
