package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduledProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_scheduler",
			Name:      "scheduled_processed_total",
			Help:      "Scheduled communications handled by the poller, by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	recoveredCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_scheduler",
			Name:      "stalled_recovered_total",
			Help:      "Stalled communications handled by the recovery sweep, by prior status and outcome.",
		},
		[]string{"status", "outcome"},
	)
	pollDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "comms_scheduler",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one scheduled-send poll.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
