// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"fmt"
	"time"
)

// DefaultMaxAttempts bounds stage retries when neither the stage spec nor the
// runtime configuration says otherwise.
const DefaultMaxAttempts = 3

// NewWorkflow materializes store records from a validated spec. Stage records
// start PENDING with their retry budget and deadline overrides baked in, so
// backends never need runtime configuration to apply transitions.
func NewWorkflow(workflowID string, spec WorkflowSpec, sharedStoragePath string, maxAttemptsDefault int, now time.Time) (WorkflowRecord, []StageRecord) {
	if maxAttemptsDefault <= 0 {
		maxAttemptsDefault = DefaultMaxAttempts
	}
	chain := make([]string, 0, len(spec.Stages))
	stages := make([]StageRecord, 0, len(spec.Stages))
	for i, st := range spec.Stages {
		chain = append(chain, st.Node)
		maxAttempts := st.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = maxAttemptsDefault
		}
		stages = append(stages, StageRecord{
			Position:      i,
			Name:          st.Node,
			Status:        StagePending,
			MaxAttempts:   maxAttempts,
			Optional:      st.Optional,
			DeadlineSec:   st.DeadlineSec,
			InputTemplate: CloneParams(st.Params),
			UpdatedAtUnix: now.Unix(),
			Version:       1,
		})
	}
	wf := WorkflowRecord{
		WorkflowID:        workflowID,
		Name:              spec.Name,
		Status:            WorkflowPending,
		StageChain:        chain,
		InputParams:       CloneParams(spec.InputParams),
		SharedStoragePath: sharedStoragePath,
		CreatedAtUnix:     now.Unix(),
		UpdatedAtUnix:     now.Unix(),
		Version:           1,
	}
	return wf, stages
}

// AcquireStage claims a PENDING stage for execution. The losing side of a
// concurrent claim observes ErrAlreadyRunning; terminal stages reject the
// claim outright.
func AcquireStage(rec *StageRecord, now time.Time) error {
	switch rec.Status {
	case StageRunning:
		return ErrAlreadyRunning
	case StagePending:
		rec.Status = StageRunning
		rec.Attempts++
		rec.StartedAtUnix = now.Unix()
		rec.FinishedAtUnix = 0
		rec.UpdatedAtUnix = now.Unix()
		return nil
	default:
		return fmt.Errorf("%w: cannot acquire stage %d (%s) in status %s", ErrConflict, rec.Position, rec.Name, rec.Status)
	}
}

// ApplyOutput finishes a RUNNING stage as SUCCESS. A replay with an identical
// output yields ErrIdempotentReplay so stores can skip the write; a replay
// with a different output is a Conflict.
func ApplyOutput(rec *StageRecord, output map[string]any, duration time.Duration, cacheHit bool, now time.Time) error {
	if rec.Status == StageSuccess {
		if OutputsEqual(rec.Output, output) {
			return ErrIdempotentReplay
		}
		return fmt.Errorf("%w: stage %d (%s) already succeeded with different output", ErrConflict, rec.Position, rec.Name)
	}
	if rec.Status != StageRunning {
		return fmt.Errorf("%w: cannot record output for stage %d (%s) in status %s", ErrConflict, rec.Position, rec.Name, rec.Status)
	}
	rec.Status = StageSuccess
	rec.Output = CloneParams(output)
	rec.Error = nil
	rec.CacheHit = cacheHit
	rec.FinishedAtUnix = now.Unix()
	rec.DurationMS = duration.Milliseconds()
	rec.UpdatedAtUnix = now.Unix()
	return nil
}

// ApplyCacheGraft short-circuits a PENDING stage with a prior run's output.
// Attempts stay untouched: nothing executed.
func ApplyCacheGraft(rec *StageRecord, output map[string]any, now time.Time) error {
	if rec.Status == StageSuccess {
		if OutputsEqual(rec.Output, output) {
			return ErrIdempotentReplay
		}
		return fmt.Errorf("%w: stage %d (%s) already succeeded with different output", ErrConflict, rec.Position, rec.Name)
	}
	if rec.Status != StagePending {
		return fmt.Errorf("%w: cannot graft cached output onto stage %d (%s) in status %s", ErrConflict, rec.Position, rec.Name, rec.Status)
	}
	rec.Status = StageSuccess
	rec.Output = CloneParams(output)
	rec.Error = nil
	rec.CacheHit = true
	rec.FinishedAtUnix = now.Unix()
	rec.UpdatedAtUnix = now.Unix()
	return nil
}

// ApplyFailure records a failure. When the failure is retryable and the retry
// budget allows another attempt, the stage re-enters PENDING; otherwise it is
// FAILED terminally. The error record is kept either way.
func ApplyFailure(rec *StageRecord, serr *StageError, retryable bool, now time.Time) error {
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot record failure for stage %d (%s) in status %s", ErrConflict, rec.Position, rec.Name, rec.Status)
	}
	if serr == nil {
		serr = NewStageError(KindInferenceFailed, "unspecified failure", nil)
	}
	rec.Error = serr
	rec.UpdatedAtUnix = now.Unix()
	maxAttempts := rec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if retryable && rec.Attempts < maxAttempts {
		rec.Status = StagePending
		return nil
	}
	rec.Status = StageFailed
	rec.FinishedAtUnix = now.Unix()
	return nil
}

// ApplySkip marks an optional stage SKIPPED after its budget ran out, or a
// stage that never ran when the chain is being abandoned.
func ApplySkip(rec *StageRecord, now time.Time) error {
	switch rec.Status {
	case StageSkipped:
		return ErrIdempotentReplay
	case StagePending, StageFailed:
		rec.Status = StageSkipped
		rec.FinishedAtUnix = now.Unix()
		rec.UpdatedAtUnix = now.Unix()
		return nil
	default:
		return fmt.Errorf("%w: cannot skip stage %d (%s) in status %s", ErrConflict, rec.Position, rec.Name, rec.Status)
	}
}

// CheckStagePatch validates a closure-produced record mutation: the status
// move must be legal (no rewinds) and identity fields must be untouched.
func CheckStagePatch(before, after *StageRecord) error {
	if before.Position != after.Position || before.Name != after.Name {
		return fmt.Errorf("%w: stage identity is immutable", ErrConflict)
	}
	if !before.Status.CanTransition(after.Status) {
		return fmt.Errorf("%w: illegal stage transition %s -> %s", ErrConflict, before.Status, after.Status)
	}
	if before.Status == StageSuccess && !OutputsEqual(before.Output, after.Output) {
		return fmt.Errorf("%w: output is immutable after success", ErrConflict)
	}
	return nil
}

// CheckWorkflowPatch validates a closure-produced workflow mutation.
func CheckWorkflowPatch(before, after *WorkflowRecord) error {
	if before.WorkflowID != after.WorkflowID {
		return fmt.Errorf("%w: workflow identity is immutable", ErrConflict)
	}
	if !before.Status.CanTransition(after.Status) {
		return fmt.Errorf("%w: illegal workflow transition %s -> %s", ErrConflict, before.Status, after.Status)
	}
	return nil
}
