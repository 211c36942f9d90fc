package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	natsJobsReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_dispatch",
			Name:      "nats_jobs_received_total",
			Help:      "Total dispatch jobs received from NATS.",
		},
		[]string{"job_name"},
	)

	jobsEnqueuedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_dispatch",
			Name:      "jobs_enqueued_total",
			Help:      "Total jobs handed to a dispatch queue.",
		},
		[]string{"queue", "outcome"},
	)

	jobsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_dispatch",
			Name:      "jobs_processed_total",
			Help:      "Total dispatch jobs processed.",
		},
		[]string{"type", "outcome"}, // outcome: sent, failed, retry_scheduled, skipped, dropped, cancelled_in_flight
	)

	jobProcessingDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comms_dispatch",
			Name:      "job_processing_duration_seconds",
			Help:      "Duration of dispatch job processing.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	retriesScheduledCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_dispatch",
			Name:      "retries_scheduled_total",
			Help:      "Total retries armed after a failed send.",
		},
		[]string{"type"},
	)

	recipientsDroppedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_dispatch",
			Name:      "recipients_dropped_total",
			Help:      "Recipients dropped by normalization, by reason.",
		},
		[]string{"type", "reason"}, // reason: invalid, duplicate
	)

	queueDepthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "comms_dispatch",
			Name:      "memory_queue_depth",
			Help:      "Jobs buffered in the in-process queue.",
		},
		[]string{"lane"},
	)
)
