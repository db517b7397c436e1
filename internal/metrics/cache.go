// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var CacheLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vid2sub",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cache reuse decisions by node and outcome",
	},
	[]string{"node", "outcome"}, // outcome: hit|miss|bypass|rejected
)

// RecordCacheLookup counts one reuse decision.
func RecordCacheLookup(node, outcome string) {
	if outcome == "" {
		outcome = "miss"
	}
	CacheLookups.WithLabelValues(node, outcome).Inc()
}
