package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// RPC metrics
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec
	ParseErrorsTotal   prometheus.Counter

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Identity and messaging metrics
	IdentitiesRegisteredTotal prometheus.Counter
	MessagesEnqueuedTotal     *prometheus.CounterVec

	// Ledger metrics
	LedgerCallsTotal   *prometheus.CounterVec
	LedgerCallDuration *prometheus.HistogramVec

	// Agent metrics
	AgentDecisionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walta_rpc_requests_total",
				Help: "Total number of JSON-RPC requests by method and outcome",
			},
			[]string{"method", "status"},
		),
		RPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walta_rpc_request_duration_seconds",
				Help:    "Duration of JSON-RPC request handling in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ParseErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "walta_rpc_parse_errors_total",
				Help: "Total number of frames that could not be parsed as requests",
			},
		),

		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "walta_connections_active",
				Help: "Number of currently open websocket connections",
			},
		),
		ConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "walta_connections_total",
				Help: "Total number of accepted websocket connections",
			},
		),

		IdentitiesRegisteredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "walta_identities_registered_total",
				Help: "Total number of registered agent identities",
			},
		),
		MessagesEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walta_messages_enqueued_total",
				Help: "Total number of inbox messages by type",
			},
			[]string{"type"},
		),

		LedgerCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walta_ledger_calls_total",
				Help: "Total number of ledger backend calls by operation and outcome",
			},
			[]string{"op", "status"},
		),
		LedgerCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walta_ledger_call_duration_seconds",
				Help:    "Duration of ledger backend calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		AgentDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walta_agent_decisions_total",
				Help: "Total number of agent decisions by type and confidence",
			},
			[]string{"decision_type", "confidence"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.RPCRequestsTotal)
	m.registry.MustRegister(m.RPCRequestDuration)
	m.registry.MustRegister(m.ParseErrorsTotal)

	m.registry.MustRegister(m.ConnectionsActive)
	m.registry.MustRegister(m.ConnectionsTotal)

	m.registry.MustRegister(m.IdentitiesRegisteredTotal)
	m.registry.MustRegister(m.MessagesEnqueuedTotal)

	m.registry.MustRegister(m.LedgerCallsTotal)
	m.registry.MustRegister(m.LedgerCallDuration)

	m.registry.MustRegister(m.AgentDecisionsTotal)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveRPC records one handled request. status is "ok" or the error code name.
func (m *Metrics) ObserveRPC(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveLedgerCall records one ledger backend call
func (m *Metrics) ObserveLedgerCall(op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.LedgerCallsTotal.WithLabelValues(op, status(err)).Inc()
	m.LedgerCallDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
