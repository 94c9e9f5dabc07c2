package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "syncd_cache_hits_total",
	Help: "The number of cache lookups served from either tier",
})

var cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "syncd_cache_misses_total",
	Help: "The number of cache lookups that missed both tiers",
})

var cacheDegraded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "syncd_cache_degraded_total",
	Help: "The number of durable-tier failures degraded to a miss",
})

var sweepRemoved = promauto.NewCounter(prometheus.CounterOpts{
	Name: "syncd_cache_sweep_removed_total",
	Help: "The number of expired durable cache entries removed by sweeps",
})
