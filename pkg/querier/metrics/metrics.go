package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sensorlake_querier_build_info",
			Help: "Build information of the sensorlake query server",
		},
		[]string{"version", "commit", "date"},
	)
)
