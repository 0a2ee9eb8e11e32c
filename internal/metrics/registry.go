// Package metrics provides Prometheus metrics for the Modbus gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
// A nil *Registry is valid and records nothing.
type Registry struct {
	// Connection metrics
	Connected         *prometheus.GaugeVec
	ConnectsTotal     *prometheus.CounterVec
	ConnectionLatency prometheus.Histogram

	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	RetriesTotal      *prometheus.CounterVec

	// Circuit breaker
	BreakerState *prometheus.GaugeVec

	// Polling metrics
	PollsTotal   *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec
	PointsRead   *prometheus.CounterVec

	ClientsRegistered prometheus.Gauge
}

// NewRegistry creates the metrics and registers them with reg.
// Passing nil registers with prometheus.DefaultRegisterer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Registry{
		Connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modbus",
			Subsystem: "client",
			Name:      "connected",
			Help:      "Whether the client currently holds a connection (1) or not (0)",
		}, []string{"client_id"}),
		ConnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus",
			Subsystem: "client",
			Name:      "connects_total",
			Help:      "Total number of connection attempts",
		}, []string{"client_id", "status"}),
		ConnectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "modbus",
			Subsystem: "client",
			Name:      "connection_latency_seconds",
			Help:      "Connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus",
			Subsystem: "client",
			Name:      "operations_total",
			Help:      "Total number of read/write operations by outcome",
		}, []string{"client_id", "op", "status"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modbus",
			Subsystem: "client",
			Name:      "operation_duration_seconds",
			Help:      "Duration of read/write operations including retries",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		}, []string{"client_id", "op"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Total number of retried attempts",
		}, []string{"client_id", "op"}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modbus",
			Subsystem: "factory",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per client (0=closed, 1=half-open, 2=open)",
		}, []string{"client_id"}),

		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus",
			Subsystem: "polling",
			Name:      "polls_total",
			Help:      "Total number of poll cycles",
		}, []string{"client_id", "status"}),
		PollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modbus",
			Subsystem: "polling",
			Name:      "poll_duration_seconds",
			Help:      "Duration of a poll cycle",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"client_id"}),
		PointsRead: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus",
			Subsystem: "polling",
			Name:      "points_read_total",
			Help:      "Total number of data points produced by quality",
		}, []string{"client_id", "quality"}),

		ClientsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus",
			Subsystem: "factory",
			Name:      "clients_registered",
			Help:      "Number of named clients held by the factory",
		}),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(clientID string, success bool, latency time.Duration) {
	if r == nil {
		return
	}
	r.ConnectsTotal.WithLabelValues(clientID, status(success)).Inc()
	if success {
		r.ConnectionLatency.Observe(latency.Seconds())
	}
}

// SetConnected updates the connection gauge of a client.
func (r *Registry) SetConnected(clientID string, connected bool) {
	if r == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	r.Connected.WithLabelValues(clientID).Set(v)
}

// RecordOperation records the outcome of a read/write operation.
func (r *Registry) RecordOperation(clientID, op string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	r.OperationsTotal.WithLabelValues(clientID, op, status(err == nil)).Inc()
	r.OperationDuration.WithLabelValues(clientID, op).Observe(duration.Seconds())
}

// RecordRetry records one retried attempt.
func (r *Registry) RecordRetry(clientID, op string) {
	if r == nil {
		return
	}
	r.RetriesTotal.WithLabelValues(clientID, op).Inc()
}

// SetBreakerState records the circuit breaker state of a client.
func (r *Registry) SetBreakerState(clientID string, state int) {
	if r == nil {
		return
	}
	r.BreakerState.WithLabelValues(clientID).Set(float64(state))
}

// RecordPoll records a poll cycle and the qualities of the points it produced.
func (r *Registry) RecordPoll(clientID string, duration time.Duration, qualities map[string]int, err error) {
	if r == nil {
		return
	}
	r.PollsTotal.WithLabelValues(clientID, status(err == nil)).Inc()
	r.PollDuration.WithLabelValues(clientID).Observe(duration.Seconds())
	for q, n := range qualities {
		r.PointsRead.WithLabelValues(clientID, q).Add(float64(n))
	}
}

// UpdateClientCount sets the number of registered clients.
func (r *Registry) UpdateClientCount(n int) {
	if r == nil {
		return
	}
	r.ClientsRegistered.Set(float64(n))
}
