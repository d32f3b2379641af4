package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowlog_exchanges_total",
		Help: "HTTP exchanges seen by the interception hook",
	}, []string{"outcome"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowlog_request_duration_seconds",
		Help:    "Time from request arrival to response completion",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})
	observerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowlog_observer_panics_total",
		Help: "Observer callbacks that panicked and were recovered",
	})
	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowlog_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)
