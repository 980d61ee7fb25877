package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cycles    *prometheus.CounterVec
	duration  prometheus.Histogram
	running   prometheus.Gauge
	coalesced prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vitals_refresh_cycles_total",
			Help: "Recompute cycles by outcome",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "vitals_refresh_cycle_duration_seconds",
			Help:    "Duration of recompute cycles",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitals_refresh_running",
			Help: "1 while a recompute cycle is running",
		}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "vitals_refresh_coalesced_total",
			Help: "Refresh requests merged into an already pending job",
		}),
	}
}
