package batching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetnotify_batch_sent_total",
			Help: "Messages delivered to the sink by policy and kind.",
		},
		[]string{"policy", "kind"},
	)
	batchFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetnotify_batch_failed_total",
			Help: "Sink send failures by policy.",
		},
		[]string{"policy"},
	)
	batchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetnotify_batch_items",
			Help:    "Items per delivered message.",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12},
		},
		[]string{"policy"},
	)
)
