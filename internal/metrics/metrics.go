// Package metrics provides Prometheus metrics for the list engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	PeersConnected  prometheus.Gauge
	OpsAppended     *prometheus.CounterVec
	OpsApplied      *prometheus.CounterVec
	OpsDropped      *prometheus.CounterVec
	FlushFailures   prometheus.Counter
	SessionRebuilds prometheus.Counter
	ItemsCurrent    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		PeersConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lista_peers_connected",
				Help: "Number of live replication peer connections.",
			},
		),
		OpsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lista_ops_appended_total",
				Help: "Operations appended to the local writer log by kind.",
			},
			[]string{"kind"},
		),
		OpsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lista_ops_applied_total",
				Help: "Operations folded into the materialized list by kind.",
			},
			[]string{"kind"},
		),
		OpsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lista_ops_dropped_total",
				Help: "Delivered operations dropped by reason.",
			},
			[]string{"reason"},
		),
		FlushFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lista_flush_failures_total",
				Help: "Durability verifications that came back short.",
			},
		),
		SessionRebuilds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lista_session_rebuilds_total",
				Help: "Replication session teardown/rebuild cycles.",
			},
		),
		ItemsCurrent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lista_items_current",
				Help: "Items currently in the materialized list.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.PeersConnected,
		m.OpsAppended,
		m.OpsApplied,
		m.OpsDropped,
		m.FlushFailures,
		m.SessionRebuilds,
		m.ItemsCurrent,
	)

	return m
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
