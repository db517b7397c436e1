// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics holds the process-wide Prometheus instruments. Instruments
// are registered at import time via promauto; callers go through the Record
// helpers so label vocabularies stay in one place.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	WorkflowsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Name:      "workflows_started_total",
			Help:      "Workflow runs accepted by the scheduler",
		},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Name:      "workflows_completed_total",
			Help:      "Workflow runs that reached a terminal status",
		},
		[]string{"status"}, // SUCCESS|FAILED|CANCELLED
	)

	StageExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Name:      "stage_executions_total",
			Help:      "Stage executions by node and result",
		},
		[]string{"node", "result"}, // result: success|failed|skipped|cache_hit
	)

	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Name:      "stage_retries_total",
			Help:      "Stage attempts re-queued after a retryable failure",
		},
		[]string{"node", "kind"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vid2sub",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock stage duration from claim to record",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		},
		[]string{"node"},
	)

	ActiveStages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vid2sub",
			Name:      "active_stages",
			Help:      "Stages currently RUNNING in this process",
		},
	)
)

// RecordWorkflowStarted counts an accepted run.
func RecordWorkflowStarted() {
	WorkflowsStarted.Inc()
}

// RecordWorkflowCompleted counts a terminal run by status.
func RecordWorkflowCompleted(status string) {
	WorkflowsCompleted.WithLabelValues(status).Inc()
}

// RecordStageResult counts one finished stage execution.
func RecordStageResult(node, result string) {
	StageExecutions.WithLabelValues(node, result).Inc()
}

// RecordStageRetry counts a retryable failure that re-queued the stage.
func RecordStageRetry(node, kind string) {
	StageRetries.WithLabelValues(node, kind).Inc()
}

// ObserveStageDuration records a stage's wall-clock seconds.
func ObserveStageDuration(node string, seconds float64) {
	StageDuration.WithLabelValues(node).Observe(seconds)
}

// IncActiveStages marks a stage entering RUNNING in this process.
func IncActiveStages() {
	ActiveStages.Inc()
}

// DecActiveStages marks a stage leaving RUNNING in this process.
func DecActiveStages() {
	ActiveStages.Dec()
}

// GetActiveStages returns the current gauge value (for testing).
func GetActiveStages() float64 {
	var m dto.Metric
	if err := ActiveStages.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
