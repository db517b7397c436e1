// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSpec() WorkflowSpec {
	return WorkflowSpec{
		Name: "subs",
		InputParams: map[string]any{
			"video_path": "/share/in/a.mp4",
		},
		Stages: []StageSpec{
			{Node: "extract_audio", Params: map[string]any{"source": "${input_params.video_path}"}},
			{Node: "transcribe", Params: map[string]any{"audio": "${extract_audio.audio_path}"}, MaxAttempts: 2},
		},
	}
}

func TestNewWorkflow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	wf, stages := NewWorkflow("wf-1", testSpec(), "/share/work/wf-1", 3, now)

	assert.Equal(t, "wf-1", wf.WorkflowID)
	assert.Equal(t, WorkflowPending, wf.Status)
	assert.Equal(t, []string{"extract_audio", "transcribe"}, wf.StageChain)
	assert.Equal(t, "/share/work/wf-1", wf.SharedStoragePath)

	require.Len(t, stages, 2)
	assert.Equal(t, 0, stages[0].Position)
	assert.Equal(t, StagePending, stages[0].Status)
	assert.Equal(t, 3, stages[0].MaxAttempts)
	assert.Equal(t, 2, stages[1].MaxAttempts, "per-stage override wins")
	assert.Equal(t, 0, stages[0].Attempts)
}

func TestAcquireStage(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &StageRecord{Position: 0, Name: "transcribe", Status: StagePending, MaxAttempts: 3}

	require.NoError(t, AcquireStage(rec, now))
	assert.Equal(t, StageRunning, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, now.Unix(), rec.StartedAtUnix)

	// Losing racer.
	err := AcquireStage(rec, now)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, rec.Attempts, "losing claim must not consume budget")

	// Terminal stages reject claims.
	rec.Status = StageSuccess
	err = AcquireStage(rec, now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestApplyOutputIdempotence(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &StageRecord{Position: 0, Name: "extract_audio", Status: StageRunning, Attempts: 1}
	out := map[string]any{"audio_path": "/share/work/wf-1/nodes/extract_audio/data/audio_wf-1.wav"}

	require.NoError(t, ApplyOutput(rec, out, 2*time.Second, false, now))
	assert.Equal(t, StageSuccess, rec.Status)
	assert.Equal(t, int64(2000), rec.DurationMS)
	assert.False(t, rec.CacheHit)

	// Identical replay is a no-op.
	err := ApplyOutput(rec, out, 2*time.Second, false, now)
	assert.ErrorIs(t, err, ErrIdempotentReplay)

	// Conflicting replay is rejected and the original output survives.
	err = ApplyOutput(rec, map[string]any{"audio_path": "/elsewhere.wav"}, time.Second, false, now)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, out["audio_path"], rec.Output["audio_path"])
}

func TestApplyOutputRequiresRunning(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &StageRecord{Position: 0, Name: "extract_audio", Status: StagePending}
	err := ApplyOutput(rec, map[string]any{"x": 1}, time.Second, false, now)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestApplyCacheGraft(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &StageRecord{Position: 1, Name: "transcribe", Status: StagePending}
	out := map[string]any{"transcript_path": "/share/t.json", "language": "de"}

	require.NoError(t, ApplyCacheGraft(rec, out, now))
	assert.Equal(t, StageSuccess, rec.Status)
	assert.True(t, rec.CacheHit)
	assert.Equal(t, 0, rec.Attempts, "graft must not consume attempts")

	// Replay tolerated.
	assert.ErrorIs(t, ApplyCacheGraft(rec, out, now), ErrIdempotentReplay)

	// Running stages cannot be grafted over.
	running := &StageRecord{Position: 2, Name: "diarize", Status: StageRunning}
	assert.ErrorIs(t, ApplyCacheGraft(running, out, now), ErrConflict)
}

func TestApplyFailureRetryBudget(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &StageRecord{Position: 0, Name: "transcribe", Status: StageRunning, Attempts: 1, MaxAttempts: 2}
	serr := NewStageError(KindInferenceFailed, "child exited 1", nil)

	// First failure with budget left: back to PENDING, error kept.
	require.NoError(t, ApplyFailure(rec, serr, true, now))
	assert.Equal(t, StagePending, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, KindInferenceFailed, rec.Error.Kind)

	// Second attempt fails: budget exhausted, terminal FAILED.
	require.NoError(t, AcquireStage(rec, now))
	assert.Equal(t, 2, rec.Attempts)
	require.NoError(t, ApplyFailure(rec, serr, true, now))
	assert.Equal(t, StageFailed, rec.Status)

	// Failures never land on terminal stages.
	done := &StageRecord{Position: 1, Name: "x", Status: StageSuccess}
	assert.ErrorIs(t, ApplyFailure(done, serr, true, now), ErrConflict)
}

func TestApplyFailureNonRetryable(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rec := &StageRecord{Position: 0, Name: "b", Status: StageRunning, Attempts: 1, MaxAttempts: 3}
	serr := NewStageError(KindUnresolvedReference, "stage C not finished", nil)

	require.NoError(t, ApplyFailure(rec, serr, false, now))
	assert.Equal(t, StageFailed, rec.Status, "non-retryable failure is terminal regardless of budget")
}

func TestApplySkip(t *testing.T) {
	now := time.Unix(1700000000, 0)

	failed := &StageRecord{Position: 0, Name: "optional_polish", Status: StageFailed, Optional: true}
	require.NoError(t, ApplySkip(failed, now))
	assert.Equal(t, StageSkipped, failed.Status)
	assert.ErrorIs(t, ApplySkip(failed, now), ErrIdempotentReplay)

	running := &StageRecord{Position: 1, Name: "x", Status: StageRunning}
	assert.ErrorIs(t, ApplySkip(running, now), ErrConflict)
}

func TestCheckStagePatch(t *testing.T) {
	before := &StageRecord{Position: 0, Name: "a", Status: StageSuccess, Output: map[string]any{"k": "v"}}

	// Rewind rejected.
	after := before.Clone()
	after.Status = StageRunning
	assert.ErrorIs(t, CheckStagePatch(before, &after), ErrConflict)

	// Output mutation after success rejected.
	after = before.Clone()
	after.Output = map[string]any{"k": "other"}
	assert.ErrorIs(t, CheckStagePatch(before, &after), ErrConflict)

	// Identity is immutable.
	after = before.Clone()
	after.Name = "b"
	assert.ErrorIs(t, CheckStagePatch(before, &after), ErrConflict)

	// No-op patch is fine.
	after = before.Clone()
	assert.NoError(t, CheckStagePatch(before, &after))
}

func TestOutputsEqualNormalizesNumbers(t *testing.T) {
	a := map[string]any{"count": 3, "ok": false, "items": []any{}}
	b := map[string]any{"count": float64(3), "ok": false, "items": []any{}}
	assert.True(t, OutputsEqual(a, b))

	c := map[string]any{"count": 4}
	assert.False(t, OutputsEqual(a, c))
}

func TestSnapshotLatestSuccessByName(t *testing.T) {
	snap := Snapshot{
		Stages: []StageRecord{
			{Position: 0, Name: "transcribe", Status: StageSuccess, Output: map[string]any{"v": 1}},
			{Position: 1, Name: "transcribe", Status: StageSuccess, Output: map[string]any{"v": 2}},
			{Position: 2, Name: "merge", Status: StagePending},
		},
	}

	got := snap.LatestSuccessByName("transcribe", 2)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Position, "nearest preceding occurrence wins")

	assert.Nil(t, snap.LatestSuccessByName("transcribe", 0), "no occurrence before position 0")
	assert.Nil(t, snap.LatestSuccessByName("merge", 3), "non-SUCCESS stages do not resolve")
}
