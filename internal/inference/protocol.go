// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package inference

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// resultEnvelope is the single JSON document a child writes to its result
// path before exiting. A truthful child exits 0 exactly when Success is true.
type resultEnvelope struct {
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result"`
	Error      *envelopeError `json:"error"`
	Statistics map[string]any `json:"statistics"`
}

type envelopeError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// ChildError preserves the failure a child declared in its result document.
// Retry policy matches Kind against the node's retryable set, so the declared
// string survives classification unchanged.
type ChildError struct {
	Kind      string
	Message   string
	Traceback string
}

func (e *ChildError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// stageKind maps a child-declared kind onto the closed error set. Children
// may declare a platform kind directly ("Timeout", "InvalidInput"); anything
// else is an execution failure.
func stageKind(declared string) model.ErrorKind {
	if k := model.ErrorKind(declared); k.Valid() {
		return k
	}
	return model.KindInferenceFailed
}

func readEnvelope(path string) (*resultEnvelope, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is under the attempt's own scratch dir
	if err != nil {
		return nil, err
	}
	var env resultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse result document: %w", err)
	}
	return &env, nil
}
