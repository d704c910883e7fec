package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SignaturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowgate_signatures_total",
		Help: "The total number of typed-data signing attempts",
	}, []string{"primary_type", "status"})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowgate_verifications_total",
		Help: "The total number of signature verifications",
	}, []string{"primary_type", "result"})

	LatencyBucket = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrowgate_latency_bucket",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	KeyRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowgate_key_rotations_total",
		Help: "Signer key reloads",
	}, []string{"status"})

	EventsStreamed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowgate_escrow_events_total",
		Help: "Escrow contract events delivered to subscribers",
	}, []string{"kind"})
)
