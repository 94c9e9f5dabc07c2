package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var syncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "syncd_syncs_total",
	Help: "The number of sync runs by terminal status",
}, []string{"status"})

var syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "syncd_sync_duration_seconds",
	Help:    "The duration of sync runs",
	Buckets: prometheus.DefBuckets,
})

var activitiesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "syncd_activities_persisted_total",
	Help: "The number of activity records written by outcome",
}, []string{"outcome"})
