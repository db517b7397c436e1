// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

func TestRunDispatch(t *testing.T) {
	assert.Equal(t, exitOK, run(nil), "bare invocation prints usage")
	assert.Equal(t, exitOK, run([]string{"help"}))
	assert.Equal(t, exitOK, run([]string{"version"}))
	assert.Equal(t, exitUserError, run([]string{"destroy"}))
}

func TestExitFor(t *testing.T) {
	assert.Equal(t, exitOK, exitFor(nil))
	assert.Equal(t, exitUserError, exitFor(fmt.Errorf("load: %w", store.ErrNotFound)))
	assert.Equal(t, exitUserError, exitFor(fmt.Errorf("create: %w", store.ErrAlreadyExists)))
	assert.Equal(t, exitUserError, exitFor(context.Canceled))
	assert.Equal(t, exitSystemError, exitFor(errors.New("dial tcp: connection refused")))
}

func TestTerminalExit(t *testing.T) {
	assert.Equal(t, exitOK, terminalExit(model.WorkflowSuccess))
	assert.Equal(t, exitWorkflowFailed, terminalExit(model.WorkflowFailed))
	assert.Equal(t, exitWorkflowFailed, terminalExit(model.WorkflowCancelled))
}

func TestStatusUnknownWorkflowIsUserError(t *testing.T) {
	t.Setenv("V2S_STORE_BACKEND", "memory")
	assert.Equal(t, exitUserError, runStatusCLI([]string{"ghost"}))
}

func TestCancelUnknownWorkflowIsUserError(t *testing.T) {
	t.Setenv("V2S_STORE_BACKEND", "memory")
	assert.Equal(t, exitUserError, runCancelCLI([]string{"ghost"}))
}

func TestListEmptyStoreSucceeds(t *testing.T) {
	t.Setenv("V2S_STORE_BACKEND", "memory")
	assert.Equal(t, exitOK, runListCLI(nil))
}

func TestSubmitWithoutBrokerIsUserError(t *testing.T) {
	t.Setenv("V2S_STORE_BACKEND", "memory")
	t.Setenv("V2S_BROKER_ADDRESS", "")
	path := writeWorkflowFile(t, "workflow.yaml", `
stages:
  - node: whisper.transcribe
`)
	assert.Equal(t, exitUserError, runSubmitCLI([]string{"-f", path}))
}

func TestSubmitRejectsBadArguments(t *testing.T) {
	assert.Equal(t, exitUserError, runSubmitCLI(nil), "missing --file")
	assert.Equal(t, exitUserError, runStatusCLI(nil), "missing workflow id")
	assert.Equal(t, exitUserError, runCancelCLI([]string{"a", "b"}), "too many ids")
	assert.Equal(t, exitUserError, runWatchCLI(nil), "missing workflow id")
	assert.Equal(t, exitUserError, runListCLI([]string{"extra"}), "unexpected argument")
}

// seedWorkflow persists a two-stage workflow directly, the same way Submit
// would, without needing a broker.
func seedWorkflow(t *testing.T, st store.ContextStore, workflowID string) {
	t.Helper()
	spec := model.WorkflowSpec{
		Name:       "seeded",
		WorkflowID: workflowID,
		Stages: []model.StageSpec{
			{Node: "ffmpeg.extract_audio"},
			{Node: "whisper.transcribe"},
		},
	}
	require.NoError(t, spec.Validate())
	wf, recs := model.NewWorkflow(workflowID, spec, t.TempDir(), 0, time.Now())
	require.NoError(t, st.Create(context.Background(), wf, recs))
}

func settleWorkflow(t *testing.T, st store.ContextStore, workflowID string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.SetWorkflowStatus(ctx, st, workflowID, model.WorkflowRunning)
	require.NoError(t, err)
	for pos, output := range []map[string]any{
		{"audio_path": "/a.wav"},
		{"transcript": "hello"},
	} {
		_, err = store.AcquireStage(ctx, st, workflowID, pos)
		require.NoError(t, err)
		_, err = store.RecordOutput(ctx, st, workflowID, pos, output, time.Second, false)
		require.NoError(t, err)
	}
	_, err = store.SetWorkflowStatus(ctx, st, workflowID, model.WorkflowSuccess)
	require.NoError(t, err)
}

func TestFollowWorkflowTerminalImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st, "wf-follow")
	settleWorkflow(t, st, "wf-follow")

	var out bytes.Buffer
	status, err := followWorkflow(context.Background(), st, "wf-follow", 10*time.Millisecond, &out)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowSuccess, status)
	assert.Contains(t, out.String(), "[1/2] ffmpeg.extract_audio")
	assert.Contains(t, out.String(), "[2/2] whisper.transcribe")
	assert.Contains(t, out.String(), "workflow wf-follow: SUCCESS")
}

func TestFollowWorkflowObservesProgress(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st, "wf-live")

	go func() {
		time.Sleep(30 * time.Millisecond)
		settleWorkflow(t, st, "wf-live")
	}()

	var out bytes.Buffer
	status, err := followWorkflow(context.Background(), st, "wf-live", 5*time.Millisecond, &out)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowSuccess, status)
	assert.Contains(t, out.String(), "workflow wf-live: SUCCESS")
}

func TestFollowWorkflowUnknownID(t *testing.T) {
	st := store.NewMemoryStore()
	var out bytes.Buffer
	_, err := followWorkflow(context.Background(), st, "ghost", time.Millisecond, &out)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestFollowWorkflowHonorsContext(t *testing.T) {
	st := store.NewMemoryStore()
	seedWorkflow(t, st, "wf-stuck")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	var out bytes.Buffer
	_, err := followWorkflow(ctx, st, "wf-stuck", 5*time.Millisecond, &out)
	require.ErrorIs(t, err, context.Canceled)
}
