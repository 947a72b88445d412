package maintenance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleetnotify_maintenance_runs_total",
		Help: "Maintenance job runs by job and result.",
	},
	[]string{"job", "result"},
)
