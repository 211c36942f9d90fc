package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	providerRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "comms_dispatch",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of requests to delivery providers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_name"},
	)

	smsSegmentsSentCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "comms_dispatch",
			Name:      "sms_segments_sent_total",
			Help:      "Total number of SMS segments sent.",
		},
		[]string{"provider_name"},
	)
)
