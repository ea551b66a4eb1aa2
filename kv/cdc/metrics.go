package cdc

import "github.com/prometheus/client_golang/prometheus"

var (
	oldValueCacheCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinycdc",
			Subsystem: "old_value",
			Name:      "cache_ops",
			Help:      "Counter of old value cache accesses and misses.",
		}, []string{"type"})

	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tinycdc",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of incremental scan duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		})

	scanBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinycdc",
			Subsystem: "scan",
			Name:      "bytes_total",
			Help:      "Total bytes read by incremental scans.",
		})

	resolvedTsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinycdc",
			Subsystem: "resolver",
			Name:      "ts",
			Help:      "Min resolved ts and its lag behind the tso in milliseconds.",
		}, []string{"type"})

	captureRegionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinycdc",
			Subsystem: "endpoint",
			Name:      "captured_regions",
			Help:      "Number of regions with at least one downstream.",
		})

	sinkPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinycdc",
			Subsystem: "sink",
			Name:      "pending_events",
			Help:      "Events queued in sinks and not yet received.",
		})
)

func init() {
	prometheus.MustRegister(oldValueCacheCounter)
	prometheus.MustRegister(scanDuration)
	prometheus.MustRegister(scanBytes)
	prometheus.MustRegister(resolvedTsGauge)
	prometheus.MustRegister(captureRegionGauge)
	prometheus.MustRegister(sinkPendingGauge)
}
