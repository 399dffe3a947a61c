package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_gateway_channels",
		Help: "Open sync channels.",
	})
	protocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_gateway_protocol_errors_total",
		Help: "Malformed or unexpected envelopes (logged and ignored).",
	})
	droppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_gateway_dropped_frames_total",
		Help: "Outbound frames dropped because a client send buffer was full.",
	})
)
