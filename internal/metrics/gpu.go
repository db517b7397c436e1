// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	LeaseAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "gpu",
			Name:      "lease_acquires_total",
			Help:      "GPU lease acquisition outcomes",
		},
		[]string{"device", "result"}, // result: acquired|timeout|error
	)

	LeaseLost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "gpu",
			Name:      "lease_lost_total",
			Help:      "Leases discovered lost during renew or release",
		},
		[]string{"device", "op"}, // op: renew|release
	)

	LeaseSweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Subsystem: "gpu",
			Name:      "lease_sweeps_total",
			Help:      "Expired leases reclaimed by the sweeper",
		},
		[]string{"device"},
	)

	AcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vid2sub",
			Subsystem: "gpu",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a device lease",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 13), // 50ms to ~3.4min
		},
		[]string{"device"},
	)

	ActiveLeases = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vid2sub",
			Subsystem: "gpu",
			Name:      "active_leases",
			Help:      "Leases currently held by this process",
		},
		[]string{"device"},
	)

	AcquireWaiters = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vid2sub",
			Subsystem: "gpu",
			Name:      "acquire_waiters",
			Help:      "Callers currently blocked waiting for a device lease",
		},
		[]string{"device"},
	)
)

// RecordLeaseAcquire counts an acquisition outcome for a device.
func RecordLeaseAcquire(device, result string) {
	LeaseAcquires.WithLabelValues(device, result).Inc()
}

// RecordLeaseLost counts a lease lost during the given op.
func RecordLeaseLost(device, op string) {
	LeaseLost.WithLabelValues(device, op).Inc()
}

// RecordLeaseSweep counts one expired lease reclaimed on a device.
func RecordLeaseSweep(device string) {
	LeaseSweeps.WithLabelValues(device).Inc()
}

// ObserveAcquireWait records how long an acquire blocked.
func ObserveAcquireWait(device string, seconds float64) {
	AcquireWait.WithLabelValues(device).Observe(seconds)
}

// IncAcquireWaiters marks a caller entering the wait queue for a device.
func IncAcquireWaiters(device string) {
	AcquireWaiters.WithLabelValues(device).Inc()
}

// DecAcquireWaiters marks a caller leaving the wait queue.
func DecAcquireWaiters(device string) {
	AcquireWaiters.WithLabelValues(device).Dec()
}

// IncActiveLeases marks a lease held on a device.
func IncActiveLeases(device string) {
	ActiveLeases.WithLabelValues(device).Inc()
}

// DecActiveLeases marks a lease released on a device.
func DecActiveLeases(device string) {
	ActiveLeases.WithLabelValues(device).Dec()
}

// GetActiveLeases returns the gauge value for a device (for testing).
func GetActiveLeases(device string) float64 {
	var m dto.Metric
	if err := ActiveLeases.WithLabelValues(device).Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
