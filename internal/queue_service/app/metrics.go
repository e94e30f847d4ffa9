package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Queue claim attempts by queue and outcome.",
		},
		[]string{"queue", "outcome"}, // outcome: claimed, empty, error
	)
	failuresCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "failures_total",
			Help:      "Failed queue entries by queue and resolution.",
		},
		[]string{"queue", "resolution"}, // resolution: requeued, failed, cancelled
	)
	reclaimedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "reclaimed_total",
			Help:      "Entries returned to the queue after being stuck in processing.",
		},
		[]string{"queue"},
	)
	depthGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "outreach",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queue entries by queue and status, sampled by the sweeper.",
		},
		[]string{"queue", "status"},
	)
)
