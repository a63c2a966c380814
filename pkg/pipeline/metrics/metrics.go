package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sensorlake_pipeline_build_info",
			Help: "Build information of the sensorlake pipeline",
		},
		[]string{"version", "commit", "date"},
	)
)
