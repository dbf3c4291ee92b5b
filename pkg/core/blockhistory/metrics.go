package blockhistory

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBlocksSeen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "history",
		Name:      "blocks_seen_total",
		Help:      "Blocks appended to the canonical chain.",
	})
	metricReorgs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "history",
		Name:      "reorgs_total",
		Help:      "Reorganizations observed by the reconcile loop.",
	})
	metricDroppedSubs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "history",
		Name:      "dropped_subscribers_total",
		Help:      "Subscriptions closed because their queue filled up.",
	})
	metricPrunedHeaders = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "history",
		Name:      "pruned_headers_total",
		Help:      "Headers removed by depth-based pruning.",
	})
	metricTipNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainfold",
		Subsystem: "history",
		Name:      "tip_number",
		Help:      "Number of the current canonical tip.",
	})
	metricTickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "history",
		Name:      "tick_failures_total",
		Help:      "Poll ticks abandoned due to adapter errors.",
	})
)
