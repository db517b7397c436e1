// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

// StageStatus is the lifecycle of one stage occurrence within a workflow.
// Keep these stable: stored records, metrics and the CLI depend on them.
type StageStatus string

const (
	StagePending StageStatus = "PENDING"
	StageRunning StageStatus = "RUNNING"
	StageSuccess StageStatus = "SUCCESS"
	StageFailed  StageStatus = "FAILED"
	StageSkipped StageStatus = "SKIPPED"
)

// IsTerminal returns true if the stage can never run again.
// FAILED is not terminal here: a retryable failure re-enters PENDING.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageSuccess, StageSkipped:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal stage transition.
// Rewinds out of SUCCESS or SKIPPED are never legal.
func (s StageStatus) CanTransition(to StageStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case StagePending:
		return to == StageRunning || to == StageSuccess || to == StageSkipped || to == StageFailed
	case StageRunning:
		return to == StageSuccess || to == StageFailed || to == StagePending
	case StageFailed:
		return to == StagePending || to == StageSkipped
	default:
		return false
	}
}

// WorkflowStatus is the lifecycle of a whole workflow run.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "PENDING"
	WorkflowRunning   WorkflowStatus = "RUNNING"
	WorkflowSuccess   WorkflowStatus = "SUCCESS"
	WorkflowFailed    WorkflowStatus = "FAILED"
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal returns true if the workflow reached a final state.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowSuccess, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal workflow transition.
func (s WorkflowStatus) CanTransition(to WorkflowStatus) bool {
	if s == to {
		return true
	}
	switch s {
	case WorkflowPending:
		return to == WorkflowRunning || to == WorkflowFailed || to == WorkflowCancelled
	case WorkflowRunning:
		return to == WorkflowSuccess || to == WorkflowFailed || to == WorkflowCancelled
	default:
		return false
	}
}

// ErrorKind is the closed classification set for stage failures.
// Metrics and retry policy depend on these values; do not rename.
type ErrorKind string

const (
	KindInvalidInput        ErrorKind = "InvalidInput"
	KindUnresolvedReference ErrorKind = "UnresolvedReference"
	KindMissingField        ErrorKind = "MissingField"
	KindInvalidOutput       ErrorKind = "InvalidOutput"
	KindTimeout             ErrorKind = "Timeout"
	KindLeaseLost           ErrorKind = "LeaseLost"
	KindInferenceFailed     ErrorKind = "InferenceFailed"
	KindStoreUnavailable    ErrorKind = "StoreUnavailable"
	KindCancelled           ErrorKind = "Cancelled"
	KindConflict            ErrorKind = "Conflict"
)

// Valid reports whether k is a member of the closed set.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindInvalidInput, KindUnresolvedReference, KindMissingField,
		KindInvalidOutput, KindTimeout, KindLeaseLost, KindInferenceFailed,
		KindStoreUnavailable, KindCancelled, KindConflict:
		return true
	}
	return false
}

// Retryable is the default retry policy per kind. InferenceFailed defaults to
// false; a node's declared retryable set can override it at execution time.
// Conflict is special: it retries the current step, never the whole stage.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindLeaseLost, KindStoreUnavailable, KindConflict:
		return true
	}
	return false
}
