// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldWorkflowID    = "workflow_id"
	FieldStage         = "stage"
	FieldNode          = "node"
	FieldPosition      = "position"
	FieldCorrelationID = "correlation_id"
	FieldHolder        = "holder"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAttempt   = "attempt"
	FieldBackend   = "backend"

	// GPU fields
	FieldDevice     = "device"
	FieldGeneration = "generation"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Error fields
	FieldErrorKind = "error_kind"

	// Path fields
	FieldPath = "path"
)
