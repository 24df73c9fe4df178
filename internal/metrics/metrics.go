// Package metrics exposes reconnect activity as Prometheus metrics on a
// private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbvlabs/wsfailover/internal/reconnect"
)

const namespace = "wsfailover"

// Metrics records engine events. It is both a reconnect.Recorder and a
// reconnect.Listener.
type Metrics struct {
	registry *prometheus.Registry

	disconnects   *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
	connected     prometheus.Gauge
}

var (
	_ reconnect.Recorder = (*Metrics)(nil)
	_ reconnect.Listener = (*Metrics)(nil)
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		disconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "disconnects_total",
				Help:      "Total number of transport failure signals by kind",
			},
			[]string{"kind"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Total number of successful reconnections by endpoint",
			},
			[]string{"endpoint"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_attempts_total",
				Help:      "Total number of recovery attempts by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of endpoint probes in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "1 while an upstream transport is active, 0 otherwise",
			},
		),
	}

	m.registry.MustRegister(
		m.disconnects,
		m.reconnects,
		m.attempts,
		m.probeDuration,
		m.connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// ObserveAttempt counts every outcome. Probe latency is only recorded for
// attempts that actually probed an endpoint.
func (m *Metrics) ObserveAttempt(endpoint string, outcome reconnect.Outcome, elapsed time.Duration) {
	m.attempts.WithLabelValues(endpoint, outcome.String()).Inc()
	if outcome == reconnect.OutcomeRecovered || outcome == reconnect.OutcomeFailed {
		m.probeDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) OnDisconnect(sig reconnect.Signal) {
	m.disconnects.WithLabelValues(sig.Kind.String()).Inc()
	m.connected.Set(0)
}

func (m *Metrics) OnReconnect(t reconnect.Transport) {
	m.reconnects.WithLabelValues(t.Endpoint()).Inc()
	m.connected.Set(1)
}

// SetConnected records the initial connection state, before any event.
func (m *Metrics) SetConnected(connected bool) {
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
