package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"

	cacheHit  = "hit"
	cacheMiss = "miss"
)

type metrics struct {
	queriesTotal       *prometheus.CounterVec
	queryDuration      prometheus.Histogram
	compileCacheTotal  *prometheus.CounterVec
	cellsEvaluated     prometheus.Counter
	compileCacheLength prometheus.GaugeFunc
}

func newMetrics(r prometheus.Registerer, cacheLen func() int) *metrics {
	return &metrics{
		queriesTotal: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellexpr",
			Name:      "queries_total",
			Help:      "Total number of expression queries by final status.",
		}, []string{"status"}),
		queryDuration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "cellexpr",
			Name:      "query_duration_seconds",
			Help:      "Time spent reading, evaluating and recording a query.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		compileCacheTotal: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellexpr",
			Name:      "compile_cache_total",
			Help:      "Compiled expression cache lookups by result.",
		}, []string{"result"}),
		cellsEvaluated: promauto.With(r).NewCounter(prometheus.CounterOpts{
			Namespace: "cellexpr",
			Name:      "cells_evaluated_total",
			Help:      "Total number of cells produced by successful queries.",
		}),
		compileCacheLength: promauto.With(r).NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cellexpr",
			Name:      "compile_cache_entries",
			Help:      "Number of compiled expressions currently cached.",
		}, func() float64 { return float64(cacheLen()) }),
	}
}
