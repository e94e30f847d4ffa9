package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "sending",
			Name:      "ticks_total",
			Help:      "Processor ticks by processor and result.",
		},
		// result: sent, failed, requeued, cancelled, gated_credential, gated_window, gated_interval, gated_quota, idle, error
		[]string{"processor", "result"},
	)
	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outreach",
			Subsystem: "sending",
			Name:      "operation_duration_seconds",
			Help:      "Duration of external send operations.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		},
		[]string{"processor"},
	)
	matchesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "connection_checker",
			Name:      "matches_total",
			Help:      "Observed connections by how they matched a prospect.",
		},
		[]string{"by"}, // url, name, none
	)
)
