// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ManuGH/vid2sub/internal/nodes"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// loadWorkflowFile reads a workflow definition. Parsing is strict: unknown
// fields fail loudly, the same policy the config loader applies, so a typo
// in "params" cannot silently submit a half-empty workflow.
func loadWorkflowFile(path string) (model.WorkflowSpec, error) {
	var spec model.WorkflowSpec

	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return spec, fmt.Errorf("unsupported workflow format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- the operator names the workflow file on the command line
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if err == io.EOF {
			return spec, fmt.Errorf("workflow file is empty")
		}
		return spec, fmt.Errorf("parse workflow file: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return spec, fmt.Errorf("workflow file contains multiple documents or trailing content")
	}

	if err := spec.Validate(); err != nil {
		return spec, err
	}
	if err := checkKnownNodes(spec); err != nil {
		return spec, err
	}
	return spec, nil
}

// checkKnownNodes rejects stages naming nodes this build does not ship.
// The daemons would reject them too, but only after the workflow is
// persisted and a run task is burned on it.
func checkKnownNodes(spec model.WorkflowSpec) error {
	known := make(map[string]struct{})
	for _, name := range nodes.KnownNames() {
		known[name] = struct{}{}
	}
	for i, st := range spec.Stages {
		if _, ok := known[st.Node]; !ok {
			return fmt.Errorf("stage %d names unknown node %q (known: %s)",
				i, st.Node, strings.Join(nodes.KnownNames(), ", "))
		}
	}
	return nil
}
