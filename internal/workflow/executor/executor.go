// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package executor drives the fixed stage lifecycle: claim, resolve,
// validate, cache check, core logic, output check, record. The claim, the
// cache-hit record and the final record are the only store mutations; core
// logic is the only step with filesystem side effects.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/vid2sub/internal/inference"
	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/metrics"
	"github.com/ManuGH/vid2sub/internal/telemetry"
	"github.com/ManuGH/vid2sub/internal/workflow/cache"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
	"github.com/ManuGH/vid2sub/internal/workflow/resolve"
	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

const (
	defaultDeadline   = 30 * time.Minute
	defaultCancelPoll = 5 * time.Second
)

// Executor runs single stage occurrences on behalf of broker deliveries.
// It is stateless between calls; everything durable lives in the store.
type Executor struct {
	Store    store.ContextStore
	Registry *node.Registry

	// DeadlineDefault bounds stages without their own deadline override.
	DeadlineDefault time.Duration

	// CacheEnabled is the global reuse kill-switch, read per stage so a
	// config reload takes effect without a restart. Nil means enabled.
	CacheEnabled func() bool

	// CancelPoll is how often the workflow's cancellation flag is re-read
	// while core logic runs.
	CancelPoll time.Duration
}

// attempt accumulates what one pass through the lifecycle produced. The
// resolved input is kept even on failure so the record shows what the
// attempt actually saw.
type attempt struct {
	resolved map[string]any
	output   map[string]any
	cacheHit bool
	cacheKey string
}

// Execute runs the stage at position to a terminal attempt outcome and
// returns a fresh snapshot. Failures come back as structured stage errors
// after being recorded; a lost claim race returns a Conflict without
// touching the record.
func (e *Executor) Execute(ctx context.Context, workflowID string, position int) (*model.Snapshot, error) {
	ctx = log.ContextWithWorkflowID(ctx, workflowID)

	// Step 1: claim the slot. Duplicate deliveries lose here and walk away.
	rec, err := store.AcquireStage(ctx, e.Store, workflowID, position)
	if err != nil {
		return nil, claimError(position, err)
	}

	ctx = log.ContextWithStage(ctx, rec.Name)
	logger := log.WithComponentFromContext(ctx, "executor")
	logger.Info().
		Int("position", position).
		Int("attempt", rec.Attempts).
		Int("max_attempts", rec.MaxAttempts).
		Msg("stage claimed")

	tracer := telemetry.Tracer("vid2sub.executor")
	ctx, span := tracer.Start(ctx, "vid2sub.stage.execute")
	span.SetAttributes(telemetry.StageAttributes(workflowID, rec.Name, position, rec.Attempts)...)
	defer span.End()

	metrics.IncActiveStages()
	defer metrics.DecActiveStages()

	start := time.Now()
	att, runErr := e.runSteps(ctx, workflowID, position, rec, logger)
	if runErr != nil {
		return nil, e.fail(ctx, span, workflowID, position, rec, att.resolved, runErr, time.Since(start), logger)
	}

	// Step 7: record the resolved input and the output in one CAS write.
	// This runs on the undecorated context so an expired stage deadline
	// cannot block the write. An identical-output replay means another
	// delivery already recorded this attempt's result.
	_, err = e.Store.UpdateStage(ctx, workflowID, position, func(r *model.StageRecord) error {
		r.Input = model.CloneParams(att.resolved)
		return model.ApplyOutput(r, att.output, time.Since(start), att.cacheHit, time.Now())
	})
	if err != nil && !errors.Is(err, store.ErrIdempotentReplay) {
		return nil, e.fail(ctx, span, workflowID, position, rec, att.resolved, err, time.Since(start), logger)
	}

	result := "success"
	if att.cacheHit {
		result = "cache_hit"
	}
	metrics.RecordStageResult(rec.Name, result)
	metrics.ObserveStageDuration(rec.Name, time.Since(start).Seconds())
	span.SetAttributes(attribute.Bool(telemetry.StageCacheHitKey, att.cacheHit))

	// The reuse index write is best-effort: losing it costs a future cache
	// miss, not correctness.
	if att.cacheKey != "" && !att.cacheHit {
		entry := model.CacheEntry{
			Key:           att.cacheKey,
			NodeName:      rec.Name,
			WorkflowID:    workflowID,
			Position:      position,
			Output:        att.output,
			CreatedAtUnix: time.Now().Unix(),
		}
		if err := e.Store.PutCacheEntry(ctx, entry); err != nil {
			logger.Warn().Err(err).Str("cache_key", att.cacheKey).Msg("cache entry write failed")
		}
	}

	logger.Info().
		Int("position", position).
		Bool("cache_hit", att.cacheHit).
		Dur("duration", time.Since(start)).
		Msg("stage succeeded")
	return e.Store.Load(ctx, workflowID)
}

// runSteps performs lifecycle steps 2 through 6.
func (e *Executor) runSteps(ctx context.Context, workflowID string, position int, rec *model.StageRecord, logger zerolog.Logger) (attempt, error) {
	var att attempt

	// The snapshot is loaded after the claim, so it already shows this
	// stage RUNNING and every prior effect.
	snap, err := e.Store.Load(ctx, workflowID)
	if err != nil {
		return att, err
	}
	if snap.Workflow.CancelRequested {
		return att, model.NewStageError(model.KindCancelled, "cancel requested", context.Canceled)
	}

	impl, ok := e.Registry.Get(rec.Name)
	if !ok {
		return att, model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("no node registered for %q", rec.Name), nil)
	}

	deadline := e.DeadlineDefault
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	if rec.DeadlineSec > 0 {
		deadline = time.Duration(rec.DeadlineSec) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// Step 2: resolve the input template against prior outputs.
	resolved, err := resolve.Input(snap, position)
	if err != nil {
		return att, err
	}
	att.resolved = resolved

	req := node.Request{
		WorkflowID:  workflowID,
		Position:    position,
		Params:      resolved,
		StorageRoot: snap.Workflow.SharedStoragePath,
		DataDir:     node.DataDir(snap.Workflow.SharedStoragePath, rec.Name),
	}

	// Step 3: node-level input validation, before any lookup or side effect.
	if err := impl.Validate(runCtx, req); err != nil {
		if serr, ok := model.AsStageError(err); ok {
			return att, serr
		}
		return att, model.NewStageError(model.KindInvalidInput, err.Error(), err)
	}

	// Step 4: reuse index lookup.
	if e.cacheOn() {
		if key, ok := cache.Key(rec.Name, resolved, impl.CacheKeyFields()); ok {
			att.cacheKey = key
			if out, hit := e.lookupCache(runCtx, key, impl, logger); hit {
				att.output = out
				att.cacheHit = true
				return att, nil
			}
		}
	}

	if err := runCtx.Err(); err != nil {
		return att, model.WrapClassified(err)
	}

	// Step 5: core logic, the only step with side effects. A cancel flag
	// raised mid-run tears the step context down at the next poll.
	flagged := e.watchCancel(runCtx, cancel, workflowID)
	output, err := impl.Run(runCtx, req)
	if err != nil {
		if flagged.Load() {
			return att, model.NewStageError(model.KindCancelled, "cancel requested during execution", context.Canceled)
		}
		return att, model.WrapClassified(err)
	}

	// Step 6: output contract checks.
	if output == nil {
		return att, model.NewStageError(model.KindInvalidOutput, "node returned no output", nil)
	}
	if missing := cache.MissingOutputFields(output, impl.RequiredOutputFields()); len(missing) > 0 {
		return att, model.NewStageError(model.KindInvalidOutput,
			fmt.Sprintf("output missing required fields: %s", strings.Join(missing, ", ")), nil)
	}
	if v, ok := impl.(node.OutputValidator); ok {
		if err := v.ValidateOutput(output); err != nil {
			if serr, ok := model.AsStageError(err); ok {
				return att, serr
			}
			return att, model.NewStageError(model.KindInvalidOutput, err.Error(), err)
		}
	}

	att.output = output
	return att, nil
}

func (e *Executor) cacheOn() bool {
	return e.CacheEnabled == nil || e.CacheEnabled()
}

// lookupCache consults the reuse index. A flaky index degrades to a miss:
// reuse is an optimization, never a correctness dependency.
func (e *Executor) lookupCache(ctx context.Context, key string, impl node.Node, logger zerolog.Logger) (map[string]any, bool) {
	entry, err := e.Store.GetCacheEntry(ctx, key)
	switch {
	case err == nil && cache.ReusableEntry(entry, impl.RequiredOutputFields()):
		metrics.RecordCacheLookup(impl.Name(), "hit")
		logger.Info().
			Str("cache_key", key).
			Str("source_workflow", entry.WorkflowID).
			Msg("cache hit, reusing prior output")
		return model.CloneParams(entry.Output), true
	case err == nil:
		metrics.RecordCacheLookup(impl.Name(), "unusable")
		return nil, false
	case errors.Is(err, store.ErrNotFound):
		metrics.RecordCacheLookup(impl.Name(), "miss")
		return nil, false
	default:
		metrics.RecordCacheLookup(impl.Name(), "error")
		logger.Warn().Err(err).Str("cache_key", key).Msg("cache lookup failed, running uncached")
		return nil, false
	}
}

// watchCancel polls the workflow's cancellation flag while core logic runs
// and cancels the step context when it flips. The returned flag records
// whether cancellation caused the teardown.
func (e *Executor) watchCancel(ctx context.Context, cancel context.CancelFunc, workflowID string) *atomic.Bool {
	flagged := &atomic.Bool{}
	interval := e.CancelPoll
	if interval <= 0 {
		interval = defaultCancelPoll
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := e.Store.Load(ctx, workflowID)
				if err != nil {
					continue
				}
				if snap.Workflow.CancelRequested {
					flagged.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return flagged
}

// fail converts err into its structured form, records it on the stage and
// returns it. Conflicts are the exception: the record belongs to whichever
// racer won, so nothing is written.
func (e *Executor) fail(ctx context.Context, span trace.Span, workflowID string, position int, rec *model.StageRecord, resolved map[string]any, err error, elapsed time.Duration, logger zerolog.Logger) error {
	serr := model.WrapClassified(err)
	retryable := e.retryDecision(rec.Name, serr)

	span.RecordError(serr)
	span.SetStatus(codes.Error, serr.Message)
	span.SetAttributes(telemetry.ErrorAttributes(serr, string(serr.Kind))...)

	result := "failed"
	switch {
	case serr.Kind == model.KindConflict:
		result = "conflict"
	case retryable:
		result = "retry"
	}
	metrics.RecordStageResult(rec.Name, result)
	metrics.ObserveStageDuration(rec.Name, elapsed.Seconds())

	if serr.Kind != model.KindConflict {
		if retryable {
			metrics.RecordStageRetry(rec.Name, string(serr.Kind))
		}
		_, rerr := e.Store.UpdateStage(ctx, workflowID, position, func(r *model.StageRecord) error {
			if resolved != nil {
				r.Input = model.CloneParams(resolved)
			}
			return model.ApplyFailure(r, serr, retryable, time.Now())
		})
		if rerr != nil {
			logger.Error().Err(rerr).Int("position", position).Msg("failure record write failed")
		}
	}

	logger.Warn().
		Int("position", position).
		Str("kind", string(serr.Kind)).
		Bool("retryable", retryable).
		Str("error", serr.Message).
		Msg("stage failed")
	return serr
}

// retryDecision applies the per-kind default, except for execution failures
// where the node's declared retryable child kinds decide.
func (e *Executor) retryDecision(nodeName string, serr *model.StageError) bool {
	if serr.Kind != model.KindInferenceFailed {
		return serr.Kind.Retryable()
	}
	impl, ok := e.Registry.Get(nodeName)
	if !ok {
		return false
	}
	rp, ok := impl.(node.RetryPolicy)
	if !ok {
		return false
	}
	var childErr *inference.ChildError
	if !errors.As(serr, &childErr) {
		return false
	}
	for _, kind := range rp.RetryableChildKinds() {
		if kind == childErr.Kind {
			return true
		}
	}
	return false
}

// claimError shapes a failed step-1 claim. Losing a duplicate delivery race
// is a Conflict; a missing workflow passes through for the caller's lookup
// handling.
func claimError(position int, err error) error {
	if errors.Is(err, model.ErrAlreadyRunning) || errors.Is(err, model.ErrConflict) {
		return model.NewStageError(model.KindConflict, fmt.Sprintf("claim stage %d: %v", position, err), err)
	}
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	return model.WrapClassified(err)
}
