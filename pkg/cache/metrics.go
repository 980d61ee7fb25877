package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds Prometheus metrics for the cache manager
type metrics struct {
	l1Hits      prometheus.Counter
	l2Hits      prometheus.Counter
	misses      prometheus.Counter
	l2Retries   prometheus.Counter
	l2Failures  prometheus.Counter
	l1Evictions prometheus.Counter
	l1Entries   prometheus.Gauge
	l1Records   prometheus.Gauge
	keys        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &metrics{
		l1Hits: f.NewCounter(prometheus.CounterOpts{
			Name: "vitals_cache_l1_hits_total",
			Help: "Lookups served from the in-memory tier",
		}),
		l2Hits: f.NewCounter(prometheus.CounterOpts{
			Name: "vitals_cache_l2_hits_total",
			Help: "Lookups served from the durable tier",
		}),
		misses: f.NewCounter(prometheus.CounterOpts{
			Name: "vitals_cache_misses_total",
			Help: "Lookups with no materialized snapshot",
		}),
		l2Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "vitals_cache_l2_retries_total",
			Help: "Durable tier operations retried after a failure",
		}),
		l2Failures: f.NewCounter(prometheus.CounterOpts{
			Name: "vitals_cache_l2_failures_total",
			Help: "Durable tier operations that failed after all retries",
		}),
		l1Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "vitals_cache_l1_evictions_total",
			Help: "Snapshots evicted from the in-memory tier by its bounds",
		}),
		l1Entries: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitals_cache_l1_entries",
			Help: "Snapshots held in the in-memory tier",
		}),
		l1Records: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitals_cache_l1_records",
			Help: "Records held in the in-memory tier",
		}),
		keys: f.NewGauge(prometheus.GaugeOpts{
			Name: "vitals_cache_keys",
			Help: "Metric keys with a current snapshot",
		}),
	}
}
