package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetnotify_queue_enqueue_total",
			Help: "Enqueue attempts by result.",
		},
		[]string{"result"},
	)
	outcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetnotify_queue_outcome_total",
			Help: "Work item outcomes reported back to the queue.",
		},
		[]string{"outcome"},
	)
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetnotify_queue_items",
			Help: "Items currently held by the queue by state.",
		},
		[]string{"state"},
	)
)
