package stm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commits       prometheus.Counter
	aborts        *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	minor         prometheus.Counter
	major         prometheus.Counter
	copiedBytes   prometheus.Counter
	liveBytes     prometheus.Gauge
	privatePages  prometheus.Gauge
	stwSeconds    prometheus.Histogram
	majorFreed    prometheus.Counter
	inevitableTxs prometheus.Counter
}

// newMetrics builds the collectors and registers them on reg when it is
// non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		commits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "commits_total",
			Help:      "Committed transactions.",
		}),
		aborts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "aborts_total",
			Help:      "Rolled-back transactions by cause.",
		}, []string{"kind"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "conflicts_total",
			Help:      "Arbitrated conflicts by kind and decision.",
		}, []string{"kind", "decision"}),
		minor: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "minor_collections_total",
			Help:      "Nursery collections.",
		}),
		major: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "major_collections_total",
			Help:      "Old-space collections.",
		}),
		copiedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "minor_copied_bytes_total",
			Help:      "Bytes moved out of nurseries.",
		}),
		liveBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stm",
			Name:      "old_live_bytes",
			Help:      "Allocated old-space bytes after the last major collection.",
		}),
		privatePages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "stm",
			Name:      "private_pages",
			Help:      "Pages privatized across segments, sampled at commit.",
		}),
		stwSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stm",
			Name:      "stop_the_world_wait_seconds",
			Help:      "Time spent waiting for other segments to park.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		majorFreed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "major_freed_bytes_total",
			Help:      "Bytes reclaimed by major collections.",
		}),
		inevitableTxs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stm",
			Name:      "inevitable_total",
			Help:      "Transactions that became inevitable.",
		}),
	}
}
