// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

var (
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vid2sub",
			Name:      "store_ops_total",
			Help:      "Total context store operations",
		},
		[]string{"backend", "op", "result"}, // result=success/error
	)
	storeLat = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vid2sub",
			Name:      "store_op_seconds",
			Help:      "Context store operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)
)

// instrumentedStore wraps any ContextStore to capture metrics.
type instrumentedStore struct {
	inner   ContextStore
	backend string
}

// NewInstrumentedStore decorates inner with per-op counters and latency
// histograms labeled by backend name.
func NewInstrumentedStore(inner ContextStore, backend string) ContextStore {
	return &instrumentedStore{inner: inner, backend: backend}
}

func (i *instrumentedStore) observe(op string, start time.Time, err error) {
	dur := time.Since(start).Seconds()
	res := "success"
	if err != nil {
		res = "error"
	}
	storeOps.WithLabelValues(i.backend, op, res).Inc()
	storeLat.WithLabelValues(i.backend, op).Observe(dur)
}

func (i *instrumentedStore) Create(ctx context.Context, wf model.WorkflowRecord, stages []model.StageRecord) (err error) {
	start := time.Now()
	defer func() { i.observe("create", start, err) }()
	return i.inner.Create(ctx, wf, stages)
}

func (i *instrumentedStore) Load(ctx context.Context, workflowID string) (snap *model.Snapshot, err error) {
	start := time.Now()
	defer func() { i.observe("load", start, err) }()
	return i.inner.Load(ctx, workflowID)
}

func (i *instrumentedStore) UpdateStage(ctx context.Context, workflowID string, position int, fn func(*model.StageRecord) error) (rec *model.StageRecord, err error) {
	start := time.Now()
	defer func() { i.observe("update_stage", start, err) }()
	return i.inner.UpdateStage(ctx, workflowID, position, fn)
}

func (i *instrumentedStore) UpdateWorkflow(ctx context.Context, workflowID string, fn func(*model.WorkflowRecord) error) (rec *model.WorkflowRecord, err error) {
	start := time.Now()
	defer func() { i.observe("update_workflow", start, err) }()
	return i.inner.UpdateWorkflow(ctx, workflowID, fn)
}

func (i *instrumentedStore) List(ctx context.Context) (list []*model.WorkflowRecord, err error) {
	start := time.Now()
	defer func() { i.observe("list", start, err) }()
	return i.inner.List(ctx)
}

func (i *instrumentedStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) (err error) {
	start := time.Now()
	defer func() { i.observe("put_cache", start, err) }()
	return i.inner.PutCacheEntry(ctx, entry)
}

func (i *instrumentedStore) GetCacheEntry(ctx context.Context, key string) (entry *model.CacheEntry, err error) {
	start := time.Now()
	defer func() { i.observe("get_cache", start, err) }()
	return i.inner.GetCacheEntry(ctx, key)
}

func (i *instrumentedStore) Ping(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { i.observe("ping", start, err) }()
	return i.inner.Ping(ctx)
}

func (i *instrumentedStore) Close() error {
	return i.inner.Close()
}
