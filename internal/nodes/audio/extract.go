// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package audio extracts the mono PCM track inference runs on. ffmpeg does
// the work as a supervised exit-status child; no GPU lease is involved.
package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ManuGH/vid2sub/internal/inference"
	"github.com/ManuGH/vid2sub/internal/platform/fs"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
)

const (
	// Name is the capability string workers announce for this node.
	Name = "ffmpeg.extract_audio"

	defaultSampleRate = 16000
	defaultChannels   = 1
)

// Extract converts the workflow's source video into a 16 kHz mono WAV, the
// input format the downstream speech models expect.
type Extract struct {
	Runner *inference.Runner

	// FFmpegBin overrides the ffmpeg executable; empty means $PATH lookup.
	FFmpegBin string
}

func (e *Extract) Name() string { return Name }

func (e *Extract) CacheKeyFields() []string {
	return []string{"video_path", "sample_rate", "channels"}
}

func (e *Extract) RequiredOutputFields() []string {
	return []string{"audio_path", "sample_rate", "channels"}
}

func (e *Extract) Validate(ctx context.Context, req node.Request) error {
	video, err := node.RequireString(req.Params, "video_path")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(video) {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("video_path %q is not absolute", video), nil)
	}
	if rate := node.IntOr(req.Params, "sample_rate", defaultSampleRate); rate <= 0 {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("sample_rate %d must be positive", rate), nil)
	}
	if ch := node.IntOr(req.Params, "channels", defaultChannels); ch <= 0 {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("channels %d must be positive", ch), nil)
	}
	return nil
}

func (e *Extract) Run(ctx context.Context, req node.Request) (map[string]any, error) {
	video, err := node.RequireString(req.Params, "video_path")
	if err != nil {
		return nil, err
	}
	rate := node.IntOr(req.Params, "sample_rate", defaultSampleRate)
	channels := node.IntOr(req.Params, "channels", defaultChannels)

	if err := fs.EnsureDir(req.DataDir); err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed, err.Error(), err)
	}
	out := node.ArtifactPath(req.StorageRoot, Name, "audio", req.WorkflowID, "", "wav")

	bin := e.FFmpegBin
	if bin == "" {
		bin = "ffmpeg"
	}
	argv := []string{
		bin, "-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", video,
		"-vn", "-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", strconv.Itoa(channels),
		out,
	}

	// No startup window: with -loglevel error a clean run is silent on
	// stderr, so first-output supervision would kill healthy children.
	task := inference.Task{
		Node:       Name,
		WorkflowID: req.WorkflowID,
		Argv:       argv,
		GPUDevice:  -1,
		WorkDir:    node.WorkDir(req.StorageRoot, Name),
	}
	if _, err := e.Runner.RunCommand(ctx, task); err != nil {
		return nil, err
	}

	if _, err := os.Stat(out); err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed,
			fmt.Sprintf("ffmpeg exited 0 but wrote no audio at %s", out), err)
	}

	return map[string]any{
		"audio_path":  out,
		"sample_rate": rate,
		"channels":    channels,
	}, nil
}

// ValidateOutput keeps the path convention honest: downstream stages consume
// audio_path verbatim, so it must be absolute.
func (e *Extract) ValidateOutput(output map[string]any) error {
	p, _ := output["audio_path"].(string)
	if !filepath.IsAbs(p) {
		return fmt.Errorf("audio_path %q is not absolute", p)
	}
	return nil
}
