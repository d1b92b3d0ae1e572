package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the switch's Prometheus instruments.
type Metrics struct {
	Registry *prometheus.Registry

	SocketsOpen       prometheus.Gauge
	FramesRouted      prometheus.Counter
	FramesDropped     prometheus.Counter
	ControlMessages   prometheus.Counter
	NotificationsSent prometheus.Counter
}

// New builds a Metrics with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		SocketsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_sockets_open",
			Help: "Number of currently open relay sockets.",
		}),
		FramesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_frames_routed_total",
			Help: "Data frames accepted and fanned out to recipients.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_frames_dropped_total",
			Help: "Inbound frames rejected by validation or routing.",
		}),
		ControlMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_control_messages_total",
			Help: "Control-channel messages processed.",
		}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_notifications_sent_total",
			Help: "Outbound member notifications handed to the gateway.",
		}),
	}
}
