// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package node

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Workflow IDs are embedded in storage paths and broker payloads, so their
// shape is restricted up front.
var workflowIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const maxWorkflowIDLen = 128

// ValidateWorkflowID rejects identifiers that cannot be safely embedded in
// filesystem paths.
func ValidateWorkflowID(id string) error {
	if id == "" {
		return fmt.Errorf("workflow id is empty")
	}
	if len(id) > maxWorkflowIDLen {
		return fmt.Errorf("workflow id exceeds %d characters", maxWorkflowIDLen)
	}
	if !workflowIDPattern.MatchString(id) {
		return fmt.Errorf("workflow id %q contains characters outside [A-Za-z0-9._-]", id)
	}
	return nil
}

// WorkflowStoragePath returns the workflow's exclusive directory under the
// configured shared storage root.
func WorkflowStoragePath(sharedRoot, workflowID string) string {
	return filepath.Join(sharedRoot, workflowID)
}

// DataDir returns the stage output directory for one node:
// {storage}/nodes/{node}/data. All artifacts a stage writes live below it.
func DataDir(storagePath, nodeName string) string {
	return filepath.Join(storagePath, "nodes", nodeName, "data")
}

// ArtifactPath returns the conventional absolute location of one artifact:
// {storage}/nodes/{node}/data/{artifact}_{workflowID}{variant}.{ext}.
// Variant is a verbatim suffix ("" for the default artifact).
func ArtifactPath(storagePath, nodeName, artifact, workflowID, variant, ext string) string {
	name := fmt.Sprintf("%s_%s%s.%s", artifact, workflowID, variant, ext)
	return filepath.Join(DataDir(storagePath, nodeName), name)
}

// WorkDir returns the per-stage scratch directory {storage}/nodes/{node}/work.
// The bridge resets it before every attempt, so nothing durable belongs here.
func WorkDir(storagePath, nodeName string) string {
	return filepath.Join(storagePath, "nodes", nodeName, "work")
}

// ResultDocPath returns where a bridge child reports its result document.
// It lives in the scratch dir and is cleared with it.
func ResultDocPath(storagePath, nodeName string) string {
	return filepath.Join(WorkDir(storagePath, nodeName), "result.json")
}

// ContextDumpPath returns the debugging dump location {storage}/context.json.
func ContextDumpPath(storagePath string) string {
	return filepath.Join(storagePath, "context.json")
}
