package github

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "syncd_github_requests_total",
	Help: "The number of provider API requests by outcome class",
}, []string{"class"})
