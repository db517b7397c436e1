// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "broker",
			Name:      "tasks_dispatched_total",
			Help:      "Task messages published per capability stream",
		},
		[]string{"capability"},
	)

	TasksConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "broker",
			Name:      "tasks_consumed_total",
			Help:      "Task messages delivered to a consumer",
		},
		[]string{"capability"},
	)

	TasksAcked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "broker",
			Name:      "tasks_acked_total",
			Help:      "Task messages acknowledged after handling",
		},
		[]string{"capability"},
	)

	TasksReclaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "broker",
			Name:      "tasks_reclaimed_total",
			Help:      "Pending messages reclaimed from dead consumers",
		},
		[]string{"capability"},
	)
)

// RecordTaskDispatched counts a published task.
func RecordTaskDispatched(capability string) {
	TasksDispatched.WithLabelValues(capability).Inc()
}

// RecordTaskConsumed counts a delivered task.
func RecordTaskConsumed(capability string) {
	TasksConsumed.WithLabelValues(capability).Inc()
}

// RecordTaskAcked counts an acknowledged task.
func RecordTaskAcked(capability string) {
	TasksAcked.WithLabelValues(capability).Inc()
}

// RecordTaskReclaimed counts a task taken over from a dead consumer.
func RecordTaskReclaimed(capability string) {
	TasksReclaimed.WithLabelValues(capability).Inc()
}
