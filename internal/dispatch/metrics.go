package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetnotify_dispatch_total",
			Help: "Dispatch attempts by result.",
		},
		[]string{"result"},
	)
	dispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetnotify_dispatch_duration_seconds",
			Help:    "Time spent handing one envelope to the dispatcher.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
