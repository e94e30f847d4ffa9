package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outreach",
			Subsystem: "orchestrator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of periodic task ticks.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task"},
	)
	tickResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "orchestrator",
			Name:      "ticks_total",
			Help:      "Periodic task ticks by result.",
		},
		[]string{"task", "result"}, // ok, error, panic, skipped
	)
	runningGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "outreach",
			Subsystem: "orchestrator",
			Name:      "running",
			Help:      "1 while the orchestrator has its workers started.",
		},
	)
)
