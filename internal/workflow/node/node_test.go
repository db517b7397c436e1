// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

type stubNode struct {
	name string
}

func (s *stubNode) Name() string                   { return s.name }
func (s *stubNode) CacheKeyFields() []string       { return nil }
func (s *stubNode) RequiredOutputFields() []string { return nil }
func (s *stubNode) Validate(context.Context, Request) error {
	return nil
}
func (s *stubNode) Run(context.Context, Request) (map[string]any, error) {
	return map[string]any{}, nil
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(&stubNode{name: "whisper.transcribe"}))
	require.NoError(t, reg.Register(&stubNode{name: "ffmpeg.extract_audio"}))

	err := reg.Register(&stubNode{name: "whisper.transcribe"})
	require.Error(t, err, "duplicate registration must fail")

	err = reg.Register(&stubNode{name: ""})
	require.Error(t, err)

	n, ok := reg.Get("ffmpeg.extract_audio")
	require.True(t, ok)
	assert.Equal(t, "ffmpeg.extract_audio", n.Name())

	_, ok = reg.Get("unknown")
	assert.False(t, ok)

	assert.Equal(t, []string{"ffmpeg.extract_audio", "whisper.transcribe"}, reg.Names())
}

func TestValidateWorkflowID(t *testing.T) {
	valid := []string{
		"wf-1",
		"9cf3a1e2-0b47-4f7a-9a55-1c6d9e1f2a3b",
		"episode_042.v2",
		"A",
	}
	for _, id := range valid {
		assert.NoError(t, ValidateWorkflowID(id), id)
	}

	invalid := []string{
		"",
		"../escape",
		"a/b",
		`a\b`,
		".hidden",
		"-leading",
		"sp ace",
		"uni\x00code",
		string(make([]byte, 200)),
	}
	for _, id := range invalid {
		assert.Error(t, ValidateWorkflowID(id), "%q should be rejected", id)
	}
}

func TestPathConventions(t *testing.T) {
	storage := "/srv/vid2sub/wf-1"

	assert.Equal(t, "/srv/vid2sub/wf-1",
		WorkflowStoragePath("/srv/vid2sub", "wf-1"))
	assert.Equal(t, "/srv/vid2sub/wf-1/nodes/whisper.transcribe/data",
		DataDir(storage, "whisper.transcribe"))
	assert.Equal(t, "/srv/vid2sub/wf-1/nodes/whisper.transcribe/data/transcribe_data_wf-1.json",
		ArtifactPath(storage, "whisper.transcribe", "transcribe_data", "wf-1", "", "json"))
	assert.Equal(t, "/srv/vid2sub/wf-1/nodes/pyannote.diarize/data/speakers_wf-1_pass2.json",
		ArtifactPath(storage, "pyannote.diarize", "speakers", "wf-1", "_pass2", "json"))
	assert.Equal(t, "/srv/vid2sub/wf-1/context.json", ContextDumpPath(storage))
}

func TestParamHelpers(t *testing.T) {
	params := map[string]any{
		"audio_path": "/srv/a.wav",
		"beam_size":  float64(5),
		"verbose":    true,
		"ratio":      0.5,
		"empty":      "",
		"null":       nil,
	}

	got, err := RequireString(params, "audio_path")
	require.NoError(t, err)
	assert.Equal(t, "/srv/a.wav", got)

	for _, key := range []string{"missing", "empty", "null", "beam_size"} {
		_, err := RequireString(params, key)
		require.Error(t, err, key)
		serr, ok := model.AsStageError(err)
		require.True(t, ok)
		assert.Equal(t, model.KindInvalidInput, serr.Kind)
	}

	assert.Equal(t, "fallback", StringOr(params, "missing", "fallback"))
	assert.Equal(t, "/srv/a.wav", StringOr(params, "audio_path", "fallback"))
	assert.Equal(t, 5, IntOr(params, "beam_size", 1))
	assert.Equal(t, 1, IntOr(params, "missing", 1))
	assert.Equal(t, true, BoolOr(params, "verbose", false))
	assert.Equal(t, false, BoolOr(params, "missing", false))
	assert.Equal(t, 0.5, FloatOr(params, "ratio", 1.0))
	assert.Equal(t, 1.0, FloatOr(params, "missing", 1.0))
}
