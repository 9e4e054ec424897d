// Package metric collects bridge-level Prometheus metrics.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all bridge-level metrics.
type Metrics struct {
	CommandsSent      *prometheus.CounterVec
	CommandBatches    prometheus.Counter
	HeartbeatPolls    prometheus.Counter
	HeartbeatFailures prometheus.Counter
	ConnectedPeers    prometheus.Gauge
	MachineConnected  prometheus.Gauge
	UploadsReceived   *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all bridge metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		CommandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "machinebridge",
				Subsystem: "commands",
				Name:      "sent_total",
				Help:      "Total command lines sent to the machine",
			},
			[]string{"transport"},
		),
		CommandBatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "machinebridge",
				Subsystem: "commands",
				Name:      "batches_total",
				Help:      "Total command batches drained from the queue",
			},
		),
		HeartbeatPolls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "machinebridge",
				Subsystem: "heartbeat",
				Name:      "polls_total",
				Help:      "Total heartbeat status polls issued",
			},
		),
		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "machinebridge",
				Subsystem: "heartbeat",
				Name:      "failures_total",
				Help:      "Heartbeat polls that failed at the transport level",
			},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "machinebridge",
				Subsystem: "channel",
				Name:      "connected_peers",
				Help:      "Currently connected message channel peers",
			},
		),
		MachineConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "machinebridge",
				Subsystem: "machine",
				Name:      "connected",
				Help:      "Whether a machine session is active (0/1)",
			},
		),
		UploadsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "machinebridge",
				Subsystem: "emulation",
				Name:      "uploads_total",
				Help:      "File uploads received by the emulation servers",
			},
			[]string{"server", "status"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.CommandsSent,
		m.CommandBatches,
		m.HeartbeatPolls,
		m.HeartbeatFailures,
		m.ConnectedPeers,
		m.MachineConnected,
		m.UploadsReceived,
	)
	return m
}

// Handler returns the HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
