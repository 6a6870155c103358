// Package metrics exposes the Prometheus instrumentation shared by the
// trading core. All collectors hang off an injected registry so tests
// can run with isolated registries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the core's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced     *prometheus.CounterVec
	OrdersFilled     prometheus.Counter
	OrderLatency     prometheus.Histogram
	BarsProcessed    *prometheus.CounterVec
	ErrorsRecorded   *prometheus.CounterVec
	RecoveriesTotal  *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	ConnectionStatus prometheus.Gauge
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "orders_placed_total",
		Help:      "Orders submitted to the broker, by symbol and side.",
	}, []string{"symbol", "side"})

	m.OrdersFilled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "orders_filled_total",
		Help:      "Orders that reached a fully filled status.",
	})

	m.OrderLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradecore",
		Name:      "order_placement_latency_seconds",
		Help:      "Time from order registration to broker submission.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	m.BarsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "bars_processed_total",
		Help:      "Raw 5-second bars ingested, by symbol.",
	}, []string{"symbol"})

	m.ErrorsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "errors_recorded_total",
		Help:      "Errors recorded in the error registry, by severity.",
	}, []string{"severity"})

	m.RecoveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "connection_recoveries_total",
		Help:      "Connection recovery runs, by outcome.",
	}, []string{"outcome"})

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
	}, []string{"name"})

	m.ConnectionStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "broker_connected",
		Help:      "Whether the broker session is connected (1) or not (0).",
	})

	m.registry.MustRegister(
		m.OrdersPlaced,
		m.OrdersFilled,
		m.OrderLatency,
		m.BarsProcessed,
		m.ErrorsRecorded,
		m.RecoveriesTotal,
		m.BreakerState,
		m.ConnectionStatus,
	)
	return m
}

// Handler serves the collectors over HTTP in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
