package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowlog_upstream_latency_seconds",
		Help:    "Time spent proxying requests to the flow runtime",
		Buckets: prometheus.DefBuckets,
	})
)
