// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package model holds the workflow data model: records, statuses, the error
// taxonomy and the pure transition rules every store backend shares.
package model

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// WorkflowRecord is the store source of truth for one workflow run.
type WorkflowRecord struct {
	WorkflowID        string         `json:"workflowId"`
	Name              string         `json:"name,omitempty"`
	Status            WorkflowStatus `json:"status"`
	StageChain        []string       `json:"stageChain"`
	InputParams       map[string]any `json:"inputParams,omitempty"`
	SharedStoragePath string         `json:"sharedStoragePath"`
	CancelRequested   bool           `json:"cancelRequested,omitempty"`
	CorrelationID     string         `json:"correlationId,omitempty"`
	CreatedAtUnix     int64          `json:"createdAtUnix"`
	UpdatedAtUnix     int64          `json:"updatedAtUnix"`
	Version           int64          `json:"version"`
}

// StageRecord is the store source of truth for one stage occurrence,
// keyed by position so duplicate node names in a chain stay independent.
type StageRecord struct {
	Position       int            `json:"position"`
	Name           string         `json:"name"`
	Status         StageStatus    `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"maxAttempts,omitempty"`
	CacheHit       bool           `json:"cacheHit"`
	Optional       bool           `json:"optional,omitempty"`
	DeadlineSec    int            `json:"deadlineSec,omitempty"`
	InputTemplate  map[string]any `json:"inputTemplate,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Error          *StageError    `json:"error,omitempty"`
	StartedAtUnix  int64          `json:"startedAtUnix,omitempty"`
	FinishedAtUnix int64          `json:"finishedAtUnix,omitempty"`
	UpdatedAtUnix  int64          `json:"updatedAtUnix"`
	DurationMS     int64          `json:"durationMs,omitempty"`
	Version        int64          `json:"version"`
}

// Snapshot is a consistent point-in-time view of a workflow and its stages.
type Snapshot struct {
	Workflow WorkflowRecord `json:"workflow"`
	Stages   []StageRecord  `json:"stages"`
}

// Stage returns the record at position, or nil when out of range.
func (s *Snapshot) Stage(position int) *StageRecord {
	for i := range s.Stages {
		if s.Stages[i].Position == position {
			return &s.Stages[i]
		}
	}
	return nil
}

// LatestSuccessByName returns the nearest preceding SUCCESS occurrence of the
// named stage before the given position. Duplicate names in a chain are
// independent occurrences; references bind backwards, never forwards.
func (s *Snapshot) LatestSuccessByName(name string, before int) *StageRecord {
	var found *StageRecord
	for i := range s.Stages {
		rec := &s.Stages[i]
		if rec.Position >= before {
			continue
		}
		if rec.Name == name && rec.Status == StageSuccess {
			if found == nil || rec.Position > found.Position {
				found = rec
			}
		}
	}
	return found
}

// FirstFailed returns the lowest-position FAILED stage, or nil.
func (s *Snapshot) FirstFailed() *StageRecord {
	for i := range s.Stages {
		if s.Stages[i].Status == StageFailed {
			return &s.Stages[i]
		}
	}
	return nil
}

// WorkflowSpec is the submitted definition of a run: a linear chain of stage
// specs plus the initial input parameters.
type WorkflowSpec struct {
	Name        string         `json:"name,omitempty" yaml:"name"`
	WorkflowID  string         `json:"workflowId,omitempty" yaml:"workflow_id"`
	InputParams map[string]any `json:"inputParams,omitempty" yaml:"input_params"`
	Stages      []StageSpec    `json:"stages" yaml:"stages"`
}

// StageSpec declares one occurrence of a node in the chain.
type StageSpec struct {
	Node        string         `json:"node" yaml:"node"`
	Params      map[string]any `json:"params,omitempty" yaml:"params"`
	Optional    bool           `json:"optional,omitempty" yaml:"optional"`
	DeadlineSec int            `json:"deadlineSec,omitempty" yaml:"deadline_s"`
	MaxAttempts int            `json:"maxAttempts,omitempty" yaml:"max_attempts"`
}

// Validate rejects structurally broken specs before anything is persisted.
func (s *WorkflowSpec) Validate() error {
	if len(s.Stages) == 0 {
		return fmt.Errorf("workflow spec has no stages")
	}
	for i, st := range s.Stages {
		if st.Node == "" {
			return fmt.Errorf("stage %d has no node name", i)
		}
		if st.DeadlineSec < 0 {
			return fmt.Errorf("stage %d (%s) has negative deadline", i, st.Node)
		}
		if st.MaxAttempts < 0 {
			return fmt.Errorf("stage %d (%s) has negative max_attempts", i, st.Node)
		}
	}
	return nil
}

// CacheEntry is one row of the cross-run reuse index, keyed by cache key.
type CacheEntry struct {
	Key           string         `json:"key"`
	NodeName      string         `json:"nodeName"`
	WorkflowID    string         `json:"workflowId"`
	Position      int            `json:"position"`
	Output        map[string]any `json:"output"`
	CreatedAtUnix int64          `json:"createdAtUnix"`
}

// CloneValue deep-copies any JSON-representable value. Records cross store
// boundaries as JSON anyway, so the round trip is also the normal form:
// numbers become float64 on both sides of an equality check.
func CloneValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// CloneParams deep-copies a parameter or output mapping.
func CloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := CloneValue(m).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// Clone returns a deep copy of the stage record.
func (r *StageRecord) Clone() StageRecord {
	out := *r
	out.InputTemplate = CloneParams(r.InputTemplate)
	out.Input = CloneParams(r.Input)
	out.Output = CloneParams(r.Output)
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

// Clone returns a deep copy of the workflow record.
func (r *WorkflowRecord) Clone() WorkflowRecord {
	out := *r
	out.StageChain = append([]string(nil), r.StageChain...)
	out.InputParams = CloneParams(r.InputParams)
	return out
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() Snapshot {
	out := Snapshot{Workflow: s.Workflow.Clone()}
	out.Stages = make([]StageRecord, 0, len(s.Stages))
	for i := range s.Stages {
		out.Stages = append(out.Stages, s.Stages[i].Clone())
	}
	return out
}

// OutputsEqual compares two output mappings in JSON normal form.
func OutputsEqual(a, b map[string]any) bool {
	return reflect.DeepEqual(CloneValue(a), CloneValue(b))
}
