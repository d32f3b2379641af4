package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowlog_store_records_written_total",
		Help: "Rows appended to flowlog stores",
	}, []string{"store"})
	recordsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowlog_store_records_dropped_total",
		Help: "Rows lost to I/O failures",
	}, []string{"store"})
	rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowlog_store_rotations_total",
		Help: "Size-triggered file rotations",
	}, []string{"store", "policy"})
	emitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowlog_sink_emit_failures_total",
		Help: "Downstream payloads that could not be delivered",
	})
)
