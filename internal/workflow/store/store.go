// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store persists workflow contexts: the shared mutable state every
// worker process reads and writes. All mutation goes through compare-and-set
// closures so status rewinds and lost updates are rejected at this boundary,
// no matter which backend holds the data.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// Sentinels shared by all backends. Aliased from the model package so callers
// only ever import one error vocabulary.
var (
	ErrNotFound         = model.ErrNotFound
	ErrAlreadyExists    = model.ErrAlreadyExists
	ErrConflict         = model.ErrConflict
	ErrIdempotentReplay = model.ErrIdempotentReplay
)

// casRetries bounds the internal reload-and-retry loop on CAS misses before
// the conflict is surfaced to the caller.
const casRetries = 3

// ContextStore is the system-of-record for workflow runs.
//
// Design intent:
// - Ingress (CLI, scheduler) creates workflows; workers mutate stages.
// - Every stage mutation is an atomic read-modify-write with a version token.
// - Rewinds (SUCCESS -> RUNNING and friends) are rejected inside UpdateStage.
type ContextStore interface {
	// Create persists a new workflow with all stages PENDING.
	// Fails with ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, wf model.WorkflowRecord, stages []model.StageRecord) error

	// Load returns a consistent snapshot of the workflow and its stages.
	// Fails with ErrNotFound for unknown ids.
	Load(ctx context.Context, workflowID string) (*model.Snapshot, error)

	// UpdateStage applies fn to a deep copy of the stage record at position and
	// writes it back under CAS. fn returning an error aborts without a write.
	// Illegal transitions fail with ErrConflict.
	UpdateStage(ctx context.Context, workflowID string, position int, fn func(*model.StageRecord) error) (*model.StageRecord, error)

	// UpdateWorkflow is UpdateStage for the workflow-level record.
	UpdateWorkflow(ctx context.Context, workflowID string, fn func(*model.WorkflowRecord) error) (*model.WorkflowRecord, error)

	// List returns the workflow-level records, most recent first.
	List(ctx context.Context) ([]*model.WorkflowRecord, error)

	// PutCacheEntry upserts a row of the cross-run reuse index.
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error

	// GetCacheEntry returns the entry for a cache key, or ErrNotFound.
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// AcquireStage is lifecycle step 1: the atomic PENDING -> RUNNING claim.
// The losing side of a race observes model.ErrAlreadyRunning.
func AcquireStage(ctx context.Context, s ContextStore, workflowID string, position int) (*model.StageRecord, error) {
	return s.UpdateStage(ctx, workflowID, position, func(rec *model.StageRecord) error {
		return model.AcquireStage(rec, time.Now())
	})
}

// RecordOutput finishes a stage as SUCCESS. Identical replays are a no-op and
// return the stored record; conflicting replays fail with ErrConflict.
func RecordOutput(ctx context.Context, s ContextStore, workflowID string, position int, output map[string]any, duration time.Duration, cacheHit bool) (*model.StageRecord, error) {
	rec, err := s.UpdateStage(ctx, workflowID, position, func(rec *model.StageRecord) error {
		return model.ApplyOutput(rec, output, duration, cacheHit, time.Now())
	})
	if errors.Is(err, ErrIdempotentReplay) {
		return loadStage(ctx, s, workflowID, position)
	}
	return rec, err
}

// RecordFailure records a stage failure, re-entering PENDING when the failure
// is retryable and budget remains.
func RecordFailure(ctx context.Context, s ContextStore, workflowID string, position int, serr *model.StageError, retryable bool) (*model.StageRecord, error) {
	return s.UpdateStage(ctx, workflowID, position, func(rec *model.StageRecord) error {
		return model.ApplyFailure(rec, serr, retryable, time.Now())
	})
}

// GraftCachedOutput short-circuits a PENDING stage with a prior run's output.
func GraftCachedOutput(ctx context.Context, s ContextStore, workflowID string, position int, output map[string]any) (*model.StageRecord, error) {
	rec, err := s.UpdateStage(ctx, workflowID, position, func(rec *model.StageRecord) error {
		return model.ApplyCacheGraft(rec, output, time.Now())
	})
	if errors.Is(err, ErrIdempotentReplay) {
		return loadStage(ctx, s, workflowID, position)
	}
	return rec, err
}

// SkipStage marks a stage SKIPPED.
func SkipStage(ctx context.Context, s ContextStore, workflowID string, position int) (*model.StageRecord, error) {
	rec, err := s.UpdateStage(ctx, workflowID, position, func(rec *model.StageRecord) error {
		return model.ApplySkip(rec, time.Now())
	})
	if errors.Is(err, ErrIdempotentReplay) {
		return loadStage(ctx, s, workflowID, position)
	}
	return rec, err
}

// RequestCancel raises the cooperative cancellation flag. Idempotent.
func RequestCancel(ctx context.Context, s ContextStore, workflowID string) error {
	_, err := s.UpdateWorkflow(ctx, workflowID, func(wf *model.WorkflowRecord) error {
		if wf.CancelRequested {
			return ErrIdempotentReplay
		}
		wf.CancelRequested = true
		wf.UpdatedAtUnix = time.Now().Unix()
		return nil
	})
	if errors.Is(err, ErrIdempotentReplay) {
		return nil
	}
	return err
}

// SetWorkflowStatus moves the workflow-level status, tolerating replays.
func SetWorkflowStatus(ctx context.Context, s ContextStore, workflowID string, to model.WorkflowStatus) (*model.WorkflowRecord, error) {
	wf, err := s.UpdateWorkflow(ctx, workflowID, func(wf *model.WorkflowRecord) error {
		if wf.Status == to {
			return ErrIdempotentReplay
		}
		wf.Status = to
		wf.UpdatedAtUnix = time.Now().Unix()
		return nil
	})
	if errors.Is(err, ErrIdempotentReplay) {
		snap, lerr := s.Load(ctx, workflowID)
		if lerr != nil {
			return nil, lerr
		}
		return &snap.Workflow, nil
	}
	return wf, err
}

func loadStage(ctx context.Context, s ContextStore, workflowID string, position int) (*model.StageRecord, error) {
	snap, err := s.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	rec := snap.Stage(position)
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}
