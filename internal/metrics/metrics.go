// Package metrics is the Prometheus collector the reactor reports
// through, implementing reactor.Metrics. Same registry-per-instance,
// typed-vector shape the teacher used for its pool metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgfixture and implements
// reactor.Metrics.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive         prometheus.Gauge
	sessionDuration        prometheus.Histogram
	framesTotal            *prometheus.CounterVec
	authAttemptsTotal      *prometheus.CounterVec
	cancelRequestsTotal    *prometheus.CounterVec
	protocolErrorsTotal    *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom
// registry. Safe to call multiple times (e.g. in tests) since each
// call owns an independent registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgfixture_sessions_active",
			Help: "Number of sessions currently connected",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgfixture_session_duration_seconds",
			Help:    "Lifetime of a session from accept to close",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfixture_frames_total",
				Help: "Wire frames observed by direction and message type",
			},
			[]string{"direction", "type"},
		),
		authAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfixture_auth_attempts_total",
				Help: "Authentication attempts by method and result",
			},
			[]string{"method", "result"},
		),
		cancelRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfixture_cancel_requests_total",
				Help: "CancelRequest outcomes",
			},
			[]string{"result"},
		),
		protocolErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgfixture_protocol_errors_total",
				Help: "Protocol violations raised by SQLSTATE",
			},
			[]string{"sqlstate"},
		),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionDuration,
		c.framesTotal,
		c.authAttemptsTotal,
		c.cancelRequestsTotal,
		c.protocolErrorsTotal,
	)

	return c
}

// SessionOpened implements reactor.Metrics.
func (c *Collector) SessionOpened() {
	c.sessionsActive.Inc()
}

// SessionClosed implements reactor.Metrics.
func (c *Collector) SessionClosed(d time.Duration) {
	c.sessionsActive.Dec()
	c.sessionDuration.Observe(d.Seconds())
}

// FrameObserved implements reactor.Metrics.
func (c *Collector) FrameObserved(direction, msgType string) {
	c.framesTotal.WithLabelValues(direction, msgType).Inc()
}

// AuthAttempt implements reactor.Metrics.
func (c *Collector) AuthAttempt(method, result string) {
	c.authAttemptsTotal.WithLabelValues(method, result).Inc()
}

// CancelRequest implements reactor.Metrics.
func (c *Collector) CancelRequest(result string) {
	c.cancelRequestsTotal.WithLabelValues(result).Inc()
}

// ProtocolError implements reactor.Metrics.
func (c *Collector) ProtocolError(sqlstate string) {
	c.protocolErrorsTotal.WithLabelValues(sqlstate).Inc()
}
