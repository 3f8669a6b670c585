// Copyright (c) 2024 The cfscan developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package subchain

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusBlocksClean    *prometheus.CounterVec
	prometheusBlocksDirty    *prometheus.CounterVec
	prometheusFilterElements *prometheus.CounterVec
	prometheusRescans        *prometheus.CounterVec
	prometheusBatchDuration  *prometheus.HistogramVec
	prometheusSyncedHeight   *prometheus.GaugeVec

	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	labels := []string{
		"subchain", // derivation path of the scanned subchain
	}

	prometheusBlocksClean = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfscan_blocks_clean_total",
			Help: "Number of blocks whose filter matched no target",
		},
		labels,
	)
	prometheusBlocksDirty = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfscan_blocks_dirty_total",
			Help: "Number of blocks whose filter matched at least one target",
		},
		labels,
	)
	prometheusFilterElements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfscan_filter_elements_total",
			Help: "Number of filter elements tested against",
		},
		labels,
	)
	prometheusRescans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfscan_rescans_total",
			Help: "Number of batches rescanned after the lookahead window grew",
		},
		labels,
	)
	prometheusBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfscan_batch_duration_seconds",
			Help:    "Duration of scan batches",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		labels,
	)
	prometheusSyncedHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cfscan_synced_height",
			Help: "Height of the last committed block",
		},
		labels,
	)
}
