// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the pipeline.
const (
	// Workflow attributes
	WorkflowIDKey   = "workflow.id"
	WorkflowNameKey = "workflow.name"

	// Stage attributes
	StageNameKey     = "stage.node"
	StagePositionKey = "stage.position"
	StageAttemptKey  = "stage.attempt"
	StageCacheHitKey = "stage.cache_hit"

	// GPU attributes
	GPUDeviceKey     = "gpu.device"
	GPUGenerationKey = "gpu.generation"

	// Subprocess attributes
	ChildNodeKey     = "child.node"
	ChildExitCodeKey = "child.exit_code"

	// Error attributes
	ErrorKey     = "error"
	ErrorKindKey = "error.kind"
)

// StageAttributes creates stage-scoped span attributes.
func StageAttributes(workflowID, node string, position, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(WorkflowIDKey, workflowID),
		attribute.String(StageNameKey, node),
		attribute.Int(StagePositionKey, position),
		attribute.Int(StageAttemptKey, attempt),
	}
}

// LeaseAttributes creates GPU lease span attributes.
func LeaseAttributes(device int, generation int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(GPUDeviceKey, device),
		attribute.Int64(GPUGenerationKey, generation),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorKindKey, kind),
	}
}
