package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradegate/internal/dispatch"
)

var _ dispatch.Observer = (*Metrics)(nil)

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	dispatches    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	accessDenied  prometheus.Counter
	rateLimited   prometheus.Counter
	sessionActive prometheus.Gauge
}

// NewMetrics creates and registers the gateway collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradegate_dispatch_total",
			Help: "Dispatched operations by outcome (ok or failure kind)",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradegate_dispatch_duration_seconds",
			Help:    "Time spent in the dispatcher, including the driver call",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		accessDenied:  prometheus.NewCounter(prometheus.CounterOpts{Name: "tradegate_access_denied_total", Help: "Requests refused by the access gate"}),
		rateLimited:   prometheus.NewCounter(prometheus.CounterOpts{Name: "tradegate_rate_limited_total", Help: "Requests refused by the rate limiter"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{Name: "tradegate_session_active", Help: "1 while a broker session is installed"}),
	}
	m.registry.MustRegister(m.dispatches, m.duration, m.accessDenied, m.rateLimited, m.sessionActive)
	return m
}

// ObserveDispatch counts rec and records its duration.
func (m *Metrics) ObserveDispatch(_ context.Context, rec dispatch.Record) {
	outcome := "ok"
	if rec.Kind != "" {
		outcome = string(rec.Kind)
	}
	m.dispatches.WithLabelValues(string(rec.Op), outcome).Inc()
	m.duration.WithLabelValues(string(rec.Op)).Observe(rec.Duration.Seconds())
}

// AccessDenied counts one request refused by the access gate.
func (m *Metrics) AccessDenied(string) { m.accessDenied.Inc() }

// RateLimited counts one request refused by the rate limiter.
func (m *Metrics) RateLimited() { m.rateLimited.Inc() }

// SetSessionActive updates the session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	if active {
		m.sessionActive.Set(1)
	} else {
		m.sessionActive.Set(0)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
