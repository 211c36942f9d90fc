package cronjob

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cronRunsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms",
			Subsystem: "cron",
			Name:      "runs_total",
			Help:      "Cron job runs by job and outcome.",
		},
		[]string{"job", "outcome"},
	)
	cronRunDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comms",
			Subsystem: "cron",
			Name:      "run_duration_seconds",
			Help:      "Duration of cron job runs.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)
