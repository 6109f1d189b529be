package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensororacle/internal/escrow"
)

// Metrics is created before the orchestrator so its observers can be wired
// into the escrow and fetcher options.
type Metrics struct {
	registry        *prometheus.Registry
	assetRequests   *prometheus.CounterVec
	requestStates   *prometheus.CounterVec
	fetchAttempts   *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	assetTransfers  *prometheus.CounterVec
	adminOperations *prometheus.CounterVec
	dlqDepth        prometheus.Gauge
}

func NewMetrics() *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_oracle_asset_requests_total",
		Help: "Asset purchase requests by HTTP outcome",
	}, []string{"status"})

	states := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_oracle_request_states_total",
		Help: "Escrow state transitions entered",
	}, []string{"state"})

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_oracle_fetch_attempts_total",
		Help: "Generation service fetch attempts by outcome",
	}, []string{"outcome"})

	refunds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_oracle_refunds_total",
		Help: "Compensating refunds by result",
	}, []string{"result"})

	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_oracle_asset_transfers_total",
		Help: "Asset ownership transfers by result",
	}, []string{"result"})

	admin := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sensor_oracle_admin_operations_total",
		Help: "Admin operations by name and result",
	}, []string{"operation", "result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sensor_oracle_dlq_depth",
		Help: "Number of failed refunds awaiting reconciliation",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, states, fetches, refunds, transfers, admin, dlq)

	return &Metrics{
		registry:        r,
		assetRequests:   requests,
		requestStates:   states,
		fetchAttempts:   fetches,
		refunds:         refunds,
		assetTransfers:  transfers,
		adminOperations: admin,
		dlqDepth:        dlq,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveState is an escrow.WithObserver callback.
func (m *Metrics) ObserveState(s escrow.State) {
	m.requestStates.WithLabelValues(s.String()).Inc()
}

// ObserveFetch is a fetcher.WithObserver callback.
func (m *Metrics) ObserveFetch(outcome string) {
	m.fetchAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incRequest(status string) {
	m.assetRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) incRefund(result string) {
	m.refunds.WithLabelValues(result).Inc()
}

func (m *Metrics) incTransfer(result string) {
	m.assetTransfers.WithLabelValues(result).Inc()
}

func (m *Metrics) incAdmin(op, result string) {
	m.adminOperations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
