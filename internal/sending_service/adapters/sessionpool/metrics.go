package sessionpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var leasesGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "outreach",
		Subsystem: "session_pool",
		Name:      "leases",
		Help:      "Sessions currently leased, by kind.",
	},
	[]string{"kind"}, // pooled, temporary
)
