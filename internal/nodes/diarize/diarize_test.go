// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package diarize

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vid2sub/internal/gpu"
	"github.com/ManuGH/vid2sub/internal/inference"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake inference scripts use sh, unsupported on windows")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func testConfig(t *testing.T, scriptDir string) Config {
	t.Helper()
	return Config{
		Runner:  inference.NewRunner(time.Second),
		Arbiter: gpu.NewMemoryArbiter(),
		Lease: inference.LeaseConfig{
			Devices:       []int{0},
			Holder:        "worker-test",
			TTL:           time.Second,
			RenewInterval: 100 * time.Millisecond,
			MaxWait:       time.Second,
		},
		PythonBin:      "sh",
		ScriptDir:      scriptDir,
		StartupTimeout: 5 * time.Second,
	}
}

func diarizeRequest(t *testing.T, params map[string]any) node.Request {
	t.Helper()
	storage := filepath.Join(t.TempDir(), "wf-dia")
	return node.Request{
		WorkflowID:  "wf-dia",
		Position:    2,
		Params:      params,
		StorageRoot: storage,
		DataDir:     node.DataDir(storage, Name),
	}
}

func TestDiarizeRunsChildUnderLease(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	script := `out=""; res=""
while [ "$#" -gt 0 ]; do
  case "$1" in
    --output) out="$2"; shift 2 ;;
    --result) res="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "pipeline loaded" >&2
printf '%s' '{"turns":[{"start":0,"end":3.2,"speaker":"SPEAKER_00"}],"speaker_count":1}' > "$out"
printf '%s' '{"success":true,"result":{"speaker_count":1}}' > "$res"`
	require.NoError(t, os.WriteFile(filepath.Join(dir, scriptFile), []byte(script), 0o600))

	n := New(testConfig(t, dir))
	req := diarizeRequest(t, map[string]any{"audio_path": "/media/audio.wav", "max_speakers": 4})
	require.NoError(t, n.Validate(context.Background(), req))

	output, err := n.Run(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, n.ValidateOutput(output))

	diaPath := output["diarization_path"].(string)
	assert.Equal(t, node.ArtifactPath(req.StorageRoot, Name, "diarize_data", "wf-dia", "", "json"), diaPath)
	assert.FileExists(t, diaPath)
	assert.EqualValues(t, 1, output["speaker_count"])
}

func TestDiarizeValidateRejections(t *testing.T) {
	n := New(testConfig(t, t.TempDir()))
	ctx := context.Background()

	cases := []map[string]any{
		{},
		{"audio_path": "relative.wav"},
		{"audio_path": "/media/a.wav", "min_speakers": -1},
		{"audio_path": "/media/a.wav", "min_speakers": 5, "max_speakers": 2},
	}
	for _, params := range cases {
		err := n.Validate(ctx, diarizeRequest(t, params))
		serr, ok := model.AsStageError(err)
		require.True(t, ok, "params %v", params)
		assert.Equal(t, model.KindInvalidInput, serr.Kind, "params %v", params)
	}
}
