// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package asr hosts the speech-to-text node. The model runs in a Python
// child under a GPU lease; this side owns scheduling, supervision and the
// artifact contract.
package asr

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ManuGH/vid2sub/internal/gpu"
	"github.com/ManuGH/vid2sub/internal/inference"
	"github.com/ManuGH/vid2sub/internal/platform/fs"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
)

const (
	// Name is the capability string workers announce for this node.
	Name = "whisper.transcribe"

	defaultModel = "large-v3"
	scriptFile   = "whisper_transcribe.py"
)

// Config wires the transcribe node into the bridge and the arbiter.
type Config struct {
	Runner  *inference.Runner
	Arbiter gpu.Arbiter
	Lease   inference.LeaseConfig

	PythonBin      string
	ScriptDir      string
	StartupTimeout time.Duration
}

// Transcribe runs Whisper over the extracted audio and writes the segment
// document every later stage consumes.
type Transcribe struct {
	cfg Config
}

func New(cfg Config) *Transcribe {
	return &Transcribe{cfg: cfg}
}

func (t *Transcribe) Name() string { return Name }

func (t *Transcribe) CacheKeyFields() []string {
	return []string{"audio_path", "model", "language"}
}

func (t *Transcribe) RequiredOutputFields() []string {
	return []string{"transcript_path", "language", "segment_count"}
}

// RetryableChildKinds declares the transient failure kinds the Python side
// reports: an OOM can clear once a co-tenant finishes, and model downloads
// flake on network hiccups.
func (t *Transcribe) RetryableChildKinds() []string {
	return []string{"cuda_oom", "model_load_failed"}
}

func (t *Transcribe) Validate(ctx context.Context, req node.Request) error {
	audio, err := node.RequireString(req.Params, "audio_path")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(audio) {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("audio_path %q is not absolute", audio), nil)
	}
	return nil
}

func (t *Transcribe) Run(ctx context.Context, req node.Request) (map[string]any, error) {
	audio, err := node.RequireString(req.Params, "audio_path")
	if err != nil {
		return nil, err
	}
	modelName := node.StringOr(req.Params, "model", defaultModel)
	language := node.StringOr(req.Params, "language", "")

	if err := fs.EnsureDir(req.DataDir); err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed, err.Error(), err)
	}
	out := node.ArtifactPath(req.StorageRoot, Name, "transcribe_data", req.WorkflowID, "", "json")
	resultPath := node.ResultDocPath(req.StorageRoot, Name)

	argv := []string{
		t.cfg.PythonBin,
		filepath.Join(t.cfg.ScriptDir, scriptFile),
		"--audio", audio,
		"--model", modelName,
		"--output", out,
		"--result", resultPath,
	}
	if language != "" {
		argv = append(argv, "--language", language)
	}

	task := inference.Task{
		Node:           Name,
		WorkflowID:     req.WorkflowID,
		Argv:           argv,
		WorkDir:        node.WorkDir(req.StorageRoot, Name),
		ResultPath:     resultPath,
		StartupTimeout: t.cfg.StartupTimeout,
	}

	res, err := inference.RunLeased(ctx, t.cfg.Arbiter, t.cfg.Runner, task, t.cfg.Lease)
	if err != nil {
		return nil, err
	}

	// The child declares language and segment_count in its result document;
	// the parent contributes only the artifact location.
	output := map[string]any{"transcript_path": out}
	for k, v := range res.Result {
		output[k] = v
	}
	return output, nil
}

// ValidateOutput pins the artifact convention.
func (t *Transcribe) ValidateOutput(output map[string]any) error {
	p, _ := output["transcript_path"].(string)
	if !filepath.IsAbs(p) {
		return fmt.Errorf("transcript_path %q is not absolute", p)
	}
	return nil
}
