package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	natsMessagesReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_delivery",
			Name:      "nats_messages_received_total",
			Help:      "Raw webhook messages received from NATS.",
		},
		[]string{"provider"},
	)

	webhookEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_delivery",
			Name:      "webhook_events_total",
			Help:      "Delivery events handled by the reconciler, by provider, canonical event and outcome.",
		},
		[]string{"provider", "event", "outcome"},
	)

	eventProcessingDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comms_delivery",
			Name:      "event_processing_duration_seconds",
			Help:      "Duration of reconciling one delivery event.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	statusPollsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_delivery",
			Name:      "status_polls_total",
			Help:      "Provider status lookups by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
)
