// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package diarize hosts the speaker-diarization node. Like transcription it
// is a thin shell around a GPU-leased Python child.
package diarize

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ManuGH/vid2sub/internal/gpu"
	"github.com/ManuGH/vid2sub/internal/inference"
	"github.com/ManuGH/vid2sub/internal/platform/fs"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
)

const (
	// Name is the capability string workers announce for this node.
	Name = "pyannote.diarize"

	defaultModel = "pyannote/speaker-diarization-3.1"
	scriptFile   = "pyannote_diarize.py"
)

// Config wires the diarize node into the bridge and the arbiter.
type Config struct {
	Runner  *inference.Runner
	Arbiter gpu.Arbiter
	Lease   inference.LeaseConfig

	PythonBin      string
	ScriptDir      string
	StartupTimeout time.Duration
}

// Diarize segments the audio into speaker turns and writes the turn document
// the text optimizer merges into the transcript.
type Diarize struct {
	cfg Config
}

func New(cfg Config) *Diarize {
	return &Diarize{cfg: cfg}
}

func (d *Diarize) Name() string { return Name }

func (d *Diarize) CacheKeyFields() []string {
	return []string{"audio_path", "model", "min_speakers", "max_speakers"}
}

func (d *Diarize) RequiredOutputFields() []string {
	return []string{"diarization_path", "speaker_count"}
}

func (d *Diarize) RetryableChildKinds() []string {
	return []string{"cuda_oom", "model_load_failed"}
}

func (d *Diarize) Validate(ctx context.Context, req node.Request) error {
	audio, err := node.RequireString(req.Params, "audio_path")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(audio) {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("audio_path %q is not absolute", audio), nil)
	}
	minS := node.IntOr(req.Params, "min_speakers", 0)
	maxS := node.IntOr(req.Params, "max_speakers", 0)
	if minS < 0 || maxS < 0 {
		return model.NewStageError(model.KindInvalidInput, "speaker bounds must be non-negative", nil)
	}
	if minS > 0 && maxS > 0 && minS > maxS {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("min_speakers %d exceeds max_speakers %d", minS, maxS), nil)
	}
	return nil
}

func (d *Diarize) Run(ctx context.Context, req node.Request) (map[string]any, error) {
	audio, err := node.RequireString(req.Params, "audio_path")
	if err != nil {
		return nil, err
	}
	modelName := node.StringOr(req.Params, "model", defaultModel)
	minS := node.IntOr(req.Params, "min_speakers", 0)
	maxS := node.IntOr(req.Params, "max_speakers", 0)

	if err := fs.EnsureDir(req.DataDir); err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed, err.Error(), err)
	}
	out := node.ArtifactPath(req.StorageRoot, Name, "diarize_data", req.WorkflowID, "", "json")
	resultPath := node.ResultDocPath(req.StorageRoot, Name)

	argv := []string{
		d.cfg.PythonBin,
		filepath.Join(d.cfg.ScriptDir, scriptFile),
		"--audio", audio,
		"--model", modelName,
		"--output", out,
		"--result", resultPath,
	}
	if minS > 0 {
		argv = append(argv, "--min-speakers", strconv.Itoa(minS))
	}
	if maxS > 0 {
		argv = append(argv, "--max-speakers", strconv.Itoa(maxS))
	}

	task := inference.Task{
		Node:           Name,
		WorkflowID:     req.WorkflowID,
		Argv:           argv,
		WorkDir:        node.WorkDir(req.StorageRoot, Name),
		ResultPath:     resultPath,
		StartupTimeout: d.cfg.StartupTimeout,
	}

	res, err := inference.RunLeased(ctx, d.cfg.Arbiter, d.cfg.Runner, task, d.cfg.Lease)
	if err != nil {
		return nil, err
	}

	output := map[string]any{"diarization_path": out}
	for k, v := range res.Result {
		output[k] = v
	}
	return output, nil
}

func (d *Diarize) ValidateOutput(output map[string]any) error {
	p, _ := output["diarization_path"].(string)
	if !filepath.IsAbs(p) {
		return fmt.Errorf("diarization_path %q is not absolute", p)
	}
	return nil
}
