// SPDX-License-Identifier: MIT

package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for fleet monitoring. The authoritative counters served
// by the control API live in the Registry; these mirror them for scraping.
var (
	ForwardBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_forward_bytes_total",
			Help: "Bytes forwarded, by service, backend and direction (in/out).",
		},
		[]string{"service", "backend", "direction"},
	)

	ListenerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "balancer_listener_restarts_total",
			Help: "Listener rotations per service.",
		},
		[]string{"service"},
	)

	ActiveListeners = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_active_listeners",
			Help: "Number of services with a running listener.",
		},
	)

	ProbeUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "balancer_backend_up",
			Help: "Last probe result per backend (1=UP, 0=DOWN).",
		},
		[]string{"service", "backend"},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "balancer_probe_duration_seconds",
			Help:    "Duration of individual health probes.",
			Buckets: prometheus.DefBuckets,
		},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "balancer_websocket_clients",
			Help: "Connected event-stream clients.",
		},
	)
)
