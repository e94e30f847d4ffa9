package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "credential",
			Name:      "checks_total",
			Help:      "Credential validity checks by result.",
		},
		[]string{"result"}, // valid, invalid, missing, error, rejected
	)
	transitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outreach",
			Subsystem: "credential",
			Name:      "transitions_total",
			Help:      "Credential validity transitions.",
		},
		[]string{"kind"},
	)
	validGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "outreach",
			Subsystem: "credential",
			Name:      "valid",
			Help:      "1 when the shared credential is currently valid.",
		},
	)
)
