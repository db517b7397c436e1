// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChildLaunches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "inference",
			Name:      "child_launches_total",
			Help:      "Inference subprocesses started",
		},
		[]string{"node"},
	)

	ChildExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "inference",
			Name:      "child_exits_total",
			Help:      "Inference subprocess exits by result",
		},
		[]string{"node", "result"}, // result: success|error|timeout|killed
	)

	ChildStartupWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vid2sub",
			Subsystem: "inference",
			Name:      "child_startup_seconds",
			Help:      "Time from spawn to first stderr line",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
		},
		[]string{"node"},
	)
)

// RecordChildLaunch counts a spawned subprocess for a node.
func RecordChildLaunch(node string) {
	ChildLaunches.WithLabelValues(node).Inc()
}

// RecordChildExit counts a subprocess exit with its result.
func RecordChildExit(node, result string) {
	ChildExits.WithLabelValues(node, result).Inc()
}

// ObserveChildStartup records seconds until the child produced output.
func ObserveChildStartup(node string, seconds float64) {
	ChildStartupWait.WithLabelValues(node).Observe(seconds)
}
