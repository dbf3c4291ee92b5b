package statefold

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "statefold",
		Name:      "syncs_total",
		Help:      "From-scratch state derivations.",
	})
	metricFolds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "statefold",
		Name:      "folds_total",
		Help:      "Single-block fold steps.",
	})
	metricCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "statefold",
		Name:      "cache_hits_total",
		Help:      "Requests answered from a computed cache entry.",
	})
	metricCacheWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "statefold",
		Name:      "cache_waits_total",
		Help:      "Requests that attached to an in-flight computation.",
	})
	metricCachePruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chainfold",
		Subsystem: "statefold",
		Name:      "cache_pruned_total",
		Help:      "Cache entries removed by depth-based pruning.",
	})
)
