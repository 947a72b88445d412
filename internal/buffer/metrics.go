package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bufferedGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "fleetnotify_buffer_items",
	Help: "Completion notices waiting for their fleet to turn over.",
})
