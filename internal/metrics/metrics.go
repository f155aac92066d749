// Package metrics exposes the gateway's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaygate_devices_connected",
		Help: "Number of devices currently registered and connected.",
	})

	ClientsBound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaygate_clients_bound",
		Help: "Number of automation clients currently connected.",
	})

	FramesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaygate_frames_forwarded_total",
		Help: "CDP frames forwarded through the relay by direction.",
	}, []string{"direction"})

	LocalHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaygate_local_handled_total",
		Help: "CDP commands answered locally by method.",
	}, []string{"method"})

	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaygate_pending_requests",
		Help: "In-flight CDP commands awaiting a device response.",
	})

	PoolInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaygate_pool_instances",
		Help: "Live pooled browser instances.",
	})

	Launches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaygate_launches_total",
		Help: "Browser instance launches performed.",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaygate_evictions_total",
		Help: "Pooled instances closed by the idle sweep.",
	})
)
