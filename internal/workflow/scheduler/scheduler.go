// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package scheduler drives workflows end to end: walk the stage chain in
// order, graft reusable outputs or dispatch stage tasks through the broker,
// and poll the store until each stage settles. The scheduler itself runs as
// a broker consumer of the workflow.run capability, so any daemon can drive
// any workflow and a crashed driver is replaced by redelivery.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/metrics"
	"github.com/ManuGH/vid2sub/internal/platform/fs"
	"github.com/ManuGH/vid2sub/internal/telemetry"
	"github.com/ManuGH/vid2sub/internal/workflow/broker"
	"github.com/ManuGH/vid2sub/internal/workflow/cache"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
	"github.com/ManuGH/vid2sub/internal/workflow/resolve"
	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

const (
	defaultDeadline     = 30 * time.Minute
	defaultPollInterval = 500 * time.Millisecond
	defaultAwaitGrace   = 30 * time.Second
	defaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 30 * time.Second
)

// errStageSettled aborts a timeout write whose stage produced news first.
var errStageSettled = errors.New("stage settled concurrently")

// Scheduler walks one workflow's stage chain sequentially: stage k+1 is
// dispatched only after 0..k settled. Independent workflows are driven
// concurrently by independent consumers.
type Scheduler struct {
	Store    store.ContextStore
	Broker   broker.Broker
	Registry *node.Registry

	// DeadlineDefault bounds the wait for stages without their own
	// deadline override. Must match what executors enforce.
	DeadlineDefault time.Duration

	// PollInterval is the store polling cadence while a stage is out
	// with a worker.
	PollInterval time.Duration

	// AwaitGrace extends the stage deadline before the scheduler imposes
	// a Timeout failure, covering claim latency and the record write.
	AwaitGrace time.Duration

	// RetryBackoff is the base delay between a retryable failure and the
	// redispatch. StoreUnavailable failures back off exponentially.
	RetryBackoff time.Duration

	// CacheEnabled is the global reuse kill-switch, read per stage so a
	// config reload takes effect without a restart. Nil means enabled.
	CacheEnabled func() bool
}

// Run consumes workflow.run tasks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	return s.Broker.Consume(ctx, broker.RunWorkflowCapability, s.Handle)
}

// Handle drives one delivered workflow. Unknown ids are acked so a deleted
// workflow cannot poison the stream; any other error leaves the delivery
// pending for another consumer.
func (s *Scheduler) Handle(ctx context.Context, task broker.Task) error {
	_, err := s.Drive(ctx, task.WorkflowID)
	if errors.Is(err, store.ErrNotFound) {
		log.WithComponentFromContext(ctx, "scheduler").Warn().
			Str("workflow_id", task.WorkflowID).
			Msg("dropping run task for unknown workflow")
		return nil
	}
	return err
}

// Drive advances the workflow until it reaches a terminal status and
// returns the final snapshot. Stage failures are part of that outcome, not
// an error; a non-nil error means the drive itself could not proceed and
// should be retried by redelivery.
func (s *Scheduler) Drive(ctx context.Context, workflowID string) (*model.Snapshot, error) {
	ctx = log.ContextWithWorkflowID(ctx, workflowID)
	logger := log.WithComponentFromContext(ctx, "scheduler")

	snap, err := s.Store.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if snap.Workflow.Status.IsTerminal() {
		// Duplicate delivery after the run already finished.
		return snap, nil
	}

	tracer := telemetry.Tracer("vid2sub.scheduler")
	ctx, span := tracer.Start(ctx, "vid2sub.workflow.drive")
	span.SetAttributes(
		attribute.String(telemetry.WorkflowIDKey, workflowID),
		attribute.Int("workflow.stages", len(snap.Stages)),
	)
	defer span.End()

	if snap.Workflow.Status == model.WorkflowPending {
		if _, err := store.SetWorkflowStatus(ctx, s.Store, workflowID, model.WorkflowRunning); err != nil {
			return nil, driveError(span, err)
		}
		metrics.RecordWorkflowStarted()
		logger.Info().Int("stages", len(snap.Stages)).Msg("workflow started")
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, driveError(span, err)
		}
		snap, err = s.Store.Load(ctx, workflowID)
		if err != nil {
			return nil, driveError(span, err)
		}
		if snap.Workflow.CancelRequested {
			return s.finish(ctx, span, snap, model.WorkflowCancelled, logger)
		}

		rec := firstUnsettled(snap)
		if rec == nil {
			return s.finish(ctx, span, snap, model.WorkflowSuccess, logger)
		}

		switch rec.Status {
		case model.StageFailed:
			if !rec.Optional {
				logger.Warn().
					Int("position", rec.Position).
					Str("node", rec.Name).
					Msg("stage failed terminally, abandoning workflow")
				return s.finish(ctx, span, snap, model.WorkflowFailed, logger)
			}
			if _, err := store.SkipStage(ctx, s.Store, workflowID, rec.Position); err != nil && !errors.Is(err, store.ErrConflict) {
				return nil, driveError(span, err)
			}
			metrics.RecordStageResult(rec.Name, "skipped")
			logger.Info().
				Int("position", rec.Position).
				Str("node", rec.Name).
				Msg("optional stage failed, skipping")

		case model.StageRunning:
			// Claimed by a worker on behalf of an earlier driver; observe
			// it the same way as a dispatch of our own.
			if err := s.awaitStage(ctx, workflowID, rec, rec.Attempts-1, logger); err != nil {
				return nil, driveError(span, err)
			}

		case model.StagePending:
			grafted, err := s.tryGraft(ctx, snap, rec, logger)
			if err != nil {
				return nil, driveError(span, err)
			}
			if grafted {
				continue
			}
			if err := s.dispatchAndAwait(ctx, workflowID, rec, logger); err != nil {
				return nil, driveError(span, err)
			}
		}
	}
}

// firstUnsettled returns the first stage that is neither SUCCESS nor
// SKIPPED, or nil when the whole chain settled.
func firstUnsettled(snap *model.Snapshot) *model.StageRecord {
	for i := range snap.Stages {
		if !snap.Stages[i].Status.IsTerminal() {
			return &snap.Stages[i]
		}
	}
	return nil
}

// tryGraft resolves the stage input and grafts a reusable prior output onto
// the record, skipping dispatch entirely. Resolution failures are left for
// the executor to turn into structured stage errors; every miss path
// degrades to a normal dispatch. Returns true when the stage needs no
// dispatch anymore.
func (s *Scheduler) tryGraft(ctx context.Context, snap *model.Snapshot, rec *model.StageRecord, logger zerolog.Logger) (bool, error) {
	if s.CacheEnabled != nil && !s.CacheEnabled() {
		return false, nil
	}
	impl, ok := s.Registry.Get(rec.Name)
	if !ok {
		return false, nil
	}
	resolved, err := resolve.Input(snap, rec.Position)
	if err != nil {
		return false, nil
	}
	key, ok := cache.Key(rec.Name, resolved, impl.CacheKeyFields())
	if !ok {
		return false, nil
	}

	entry, err := s.Store.GetCacheEntry(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.RecordCacheLookup(rec.Name, "miss")
		return false, nil
	case err != nil:
		metrics.RecordCacheLookup(rec.Name, "error")
		logger.Warn().Err(err).Str("cache_key", key).Msg("cache lookup failed, dispatching")
		return false, nil
	case !cache.ReusableEntry(entry, impl.RequiredOutputFields()):
		metrics.RecordCacheLookup(rec.Name, "unusable")
		return false, nil
	}

	_, err = s.Store.UpdateStage(ctx, snap.Workflow.WorkflowID, rec.Position, func(r *model.StageRecord) error {
		r.Input = model.CloneParams(resolved)
		return model.ApplyCacheGraft(r, model.CloneParams(entry.Output), time.Now())
	})
	if errors.Is(err, store.ErrConflict) {
		// The stage moved under us; re-observe instead of dispatching.
		return true, nil
	}
	if err != nil && !errors.Is(err, store.ErrIdempotentReplay) {
		return false, err
	}

	metrics.RecordCacheLookup(rec.Name, "graft")
	metrics.RecordStageResult(rec.Name, "cache_hit")
	logger.Info().
		Int("position", rec.Position).
		Str("node", rec.Name).
		Str("source_workflow", entry.WorkflowID).
		Msg("stage output grafted from cache")
	return true, nil
}

// dispatchAndAwait hands one stage occurrence to a capable worker and polls
// until the attempt settles. Attempts after the first are paced by the
// retry backoff.
func (s *Scheduler) dispatchAndAwait(ctx context.Context, workflowID string, rec *model.StageRecord, logger zerolog.Logger) error {
	if rec.Attempts > 0 {
		delay := s.retryDelay(rec)
		logger.Info().
			Int("position", rec.Position).
			Str("node", rec.Name).
			Int("attempt", rec.Attempts).
			Dur("backoff", delay).
			Msg("backing off before redispatch")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	task := broker.Task{Node: rec.Name, WorkflowID: workflowID, Position: rec.Position}
	if err := s.Broker.Dispatch(ctx, task); err != nil {
		return fmt.Errorf("dispatch stage %d (%s): %w", rec.Position, rec.Name, err)
	}
	logger.Info().
		Int("position", rec.Position).
		Str("node", rec.Name).
		Int("attempt", rec.Attempts+1).
		Msg("stage dispatched")

	return s.awaitStage(ctx, workflowID, rec, rec.Attempts, logger)
}

// retryDelay paces redispatches. Store outages back off exponentially so a
// struggling backend is not hammered; other retryable kinds redispatch
// after the base delay.
func (s *Scheduler) retryDelay(rec *model.StageRecord) time.Duration {
	base := s.RetryBackoff
	if base <= 0 {
		base = defaultRetryBackoff
	}
	if rec.Error == nil || rec.Error.Kind != model.KindStoreUnavailable {
		return base
	}
	delay := base
	for i := 1; i < rec.Attempts; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

// awaitStage polls the store until the stage settles: a terminal status, a
// retryable failure re-entering PENDING with a higher attempt count, or a
// cancellation flag on a still-unclaimed stage. sinceAttempts is the
// attempt count that means "no news yet" while the stage shows PENDING.
func (s *Scheduler) awaitStage(ctx context.Context, workflowID string, rec *model.StageRecord, sinceAttempts int, logger zerolog.Logger) error {
	deadline := s.DeadlineDefault
	if deadline <= 0 {
		deadline = defaultDeadline
	}
	if rec.DeadlineSec > 0 {
		deadline = time.Duration(rec.DeadlineSec) * time.Second
	}
	grace := s.AwaitGrace
	if grace <= 0 {
		grace = defaultAwaitGrace
	}
	poll := s.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	overall := time.NewTimer(deadline + grace)
	defer overall.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-overall.C:
			return s.imposeTimeout(ctx, workflowID, rec, sinceAttempts, deadline+grace, logger)
		case <-ticker.C:
			snap, err := s.Store.Load(ctx, workflowID)
			if err != nil {
				// Transient store trouble; the overall timer still bounds
				// the wait.
				continue
			}
			cur := snap.Stage(rec.Position)
			if cur == nil {
				return fmt.Errorf("%w: no stage at position %d", store.ErrNotFound, rec.Position)
			}
			switch {
			case cur.Status == model.StageSuccess,
				cur.Status == model.StageSkipped,
				cur.Status == model.StageFailed:
				return nil
			case cur.Status == model.StagePending && cur.Attempts > sinceAttempts:
				// A retryable failure put the stage back in the queue.
				return nil
			case cur.Status == model.StagePending && snap.Workflow.CancelRequested:
				// Never claimed and the workflow is being cancelled.
				return nil
			}
		}
	}
}

// imposeTimeout records a Timeout failure for a stage whose worker produced
// no terminal record inside the await window. An unclaimed dispatch still
// consumes an attempt, so a capability nobody serves exhausts its budget
// instead of redispatching forever.
func (s *Scheduler) imposeTimeout(ctx context.Context, workflowID string, rec *model.StageRecord, sinceAttempts int, window time.Duration, logger zerolog.Logger) error {
	serr := model.NewStageError(model.KindTimeout,
		fmt.Sprintf("no terminal stage record within %s", window.Round(time.Second)), context.DeadlineExceeded)
	updated, err := s.Store.UpdateStage(ctx, workflowID, rec.Position, func(r *model.StageRecord) error {
		if r.Status == model.StagePending {
			if r.Attempts > sinceAttempts {
				return errStageSettled
			}
			r.Attempts++
		}
		return model.ApplyFailure(r, serr, true, time.Now())
	})
	if errors.Is(err, errStageSettled) || errors.Is(err, store.ErrConflict) {
		// The stage produced news while the timer fired; that news wins.
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RecordStageResult(rec.Name, "timeout")
	if updated.Status == model.StagePending {
		metrics.RecordStageRetry(rec.Name, string(model.KindTimeout))
	}
	logger.Warn().
		Int("position", rec.Position).
		Str("node", rec.Name).
		Str("status", string(updated.Status)).
		Dur("window", window).
		Msg("stage timed out awaiting a terminal record")
	return nil
}

// finish moves the workflow to its terminal status and writes the context
// dump. Cancellation skips whatever never ran; a failed run leaves the tail
// PENDING so the record shows where the chain stopped.
func (s *Scheduler) finish(ctx context.Context, span trace.Span, snap *model.Snapshot, status model.WorkflowStatus, logger zerolog.Logger) (*model.Snapshot, error) {
	workflowID := snap.Workflow.WorkflowID

	if status == model.WorkflowCancelled {
		for i := range snap.Stages {
			st := &snap.Stages[i]
			if st.Status != model.StagePending {
				continue
			}
			if _, err := store.SkipStage(ctx, s.Store, workflowID, st.Position); err != nil && !errors.Is(err, store.ErrConflict) {
				return nil, driveError(span, err)
			}
			metrics.RecordStageResult(st.Name, "skipped")
		}
	}

	if _, err := store.SetWorkflowStatus(ctx, s.Store, workflowID, status); err != nil {
		return nil, driveError(span, err)
	}
	metrics.RecordWorkflowCompleted(string(status))
	span.SetAttributes(attribute.String("workflow.status", string(status)))

	final, err := s.Store.Load(ctx, workflowID)
	if err != nil {
		return nil, driveError(span, err)
	}
	s.dumpContext(final, logger)

	evt := logger.Info()
	if status != model.WorkflowSuccess {
		evt = logger.Warn()
	}
	if failed := final.FirstFailed(); failed != nil && failed.Error != nil {
		evt = evt.
			Str("failed_node", failed.Name).
			Str("error_kind", string(failed.Error.Kind)).
			Str("error", failed.Error.Message)
	}
	evt.Str("status", string(status)).Msg("workflow finished")
	return final, nil
}

// dumpContext writes the debugging snapshot to the workflow root. Losing it
// costs a debugging aid, not correctness.
func (s *Scheduler) dumpContext(snap *model.Snapshot, logger zerolog.Logger) {
	root := snap.Workflow.SharedStoragePath
	if root == "" {
		return
	}
	if err := fs.EnsureDir(root); err != nil {
		logger.Warn().Err(err).Msg("context dump directory unavailable")
		return
	}
	path := node.ContextDumpPath(root)
	if err := fs.WriteJSONAtomic(path, snap); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("context dump failed")
		return
	}
	logger.Debug().Str("path", path).Msg("context dump written")
}

func driveError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Submit validates and persists a new workflow, then enqueues it for any
// scheduler consumer. The spec must carry its workflow id; callers mint one
// when the definition leaves it empty.
func Submit(ctx context.Context, st store.ContextStore, b broker.Broker, spec model.WorkflowSpec, storageRoot string, maxAttemptsDefault int) (*model.WorkflowRecord, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := node.ValidateWorkflowID(spec.WorkflowID); err != nil {
		return nil, err
	}

	storagePath := node.WorkflowStoragePath(storageRoot, spec.WorkflowID)
	wf, stages := model.NewWorkflow(spec.WorkflowID, spec, storagePath, maxAttemptsDefault, time.Now())
	if err := st.Create(ctx, wf, stages); err != nil {
		return nil, err
	}

	task := broker.Task{Node: broker.RunWorkflowCapability, WorkflowID: spec.WorkflowID, Position: 0}
	if err := b.Dispatch(ctx, task); err != nil {
		return nil, fmt.Errorf("workflow %s persisted but not enqueued: %w", spec.WorkflowID, err)
	}

	log.WithComponentFromContext(ctx, "scheduler").Info().
		Str("workflow_id", spec.WorkflowID).
		Int("stages", len(stages)).
		Msg("workflow submitted")
	return &wf, nil
}
