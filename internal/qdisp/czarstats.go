package qdisp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsDispatched counts jobs submitted for dispatch, by interactive
	// flag. Retried attempts are not counted again.
	JobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qserv_czar_jobs_dispatched_total",
		Help: "Jobs submitted for dispatch, by interactive flag",
	}, []string{"interactive"})

	// JobsCompleted counts terminal job outcomes.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qserv_czar_jobs_completed_total",
		Help: "Jobs reaching a terminal state, by outcome",
	}, []string{"outcome"})

	// DataPullsActive tracks data pulls currently holding buffers.
	DataPullsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qserv_czar_data_pulls_active",
		Help: "Response data pulls currently admitted by the pseudo fifo",
	})

	// ResponseDataBytes counts payload bytes received from workers.
	ResponseDataBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qserv_czar_response_data_bytes_total",
		Help: "Result payload bytes received from workers",
	})

	// MergeSeconds records time spent merging result messages.
	MergeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qserv_czar_merge_seconds",
		Help:    "Latency of single result message merges",
		Buckets: prometheus.DefBuckets,
	})

	// QueriesActive tracks user queries between submit and join.
	QueriesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qserv_czar_queries_active",
		Help: "User queries currently executing",
	})
)
