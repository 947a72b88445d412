package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sendTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetnotify_channel_send_total",
		Help: "Per-channel send attempts by result.",
	},
	[]string{"channel", "result"},
)
