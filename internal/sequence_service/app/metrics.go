package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scheduledCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "scheduler",
			Name:      "schedule_attempts_total",
			Help:      "ScheduleNext calls by outcome.",
		},
		[]string{"outcome"}, // scheduled, completed, skipped, duplicate, error
	)
	scheduleRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "outreach",
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Duration of one ScheduleAllPending pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	transitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "sequence",
			Name:      "transitions_total",
			Help:      "State transitions applied to sequences and prospect statuses.",
		},
		[]string{"entity", "to"}, // entity: sequence, prospect
	)
)
