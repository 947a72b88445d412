package detector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var detectTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetnotify_detector_candidates_total",
		Help: "Notification candidates produced by the detector.",
	},
	[]string{"status", "reason"},
)
