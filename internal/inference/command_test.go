// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

func TestRunCommandSuccess(t *testing.T) {
	requireSh(t)
	r := NewRunner(time.Second)

	task := shTask(t, `echo "size=  12kB time=00:00:01.00" >&2; exit 0`)
	task.Node = "ffmpeg.extract_audio"

	out, err := r.RunCommand(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Nil(t, out.Result, "exit-status children declare no result document")
	assert.Greater(t, out.Duration, time.Duration(0))
	assert.Contains(t, out.StderrTail, "size=  12kB time=00:00:01.00")
}

func TestRunCommandIgnoresResultDocument(t *testing.T) {
	requireSh(t)
	r := NewRunner(time.Second)

	// A stale success document at the result path must not leak into an
	// exit-status run.
	task := shTask(t, `printf '%s' '{"success":true,"result":{"stale":true}}' > "$RESULT"; exit 0`)
	out, err := r.RunCommand(context.Background(), task)
	require.NoError(t, err)
	assert.Nil(t, out.Result)
}

func TestRunCommandNonzeroExit(t *testing.T) {
	requireSh(t)
	r := NewRunner(time.Second)

	task := shTask(t, `echo "input.mkv: No such file or directory" >&2; exit 1`)
	task.Node = "ffmpeg.extract_audio"

	_, err := r.RunCommand(context.Background(), task)
	serr := requireStageKind(t, err, model.KindInferenceFailed)
	assert.Contains(t, serr.Message, "exited 1")
	assert.Contains(t, serr.Traceback, "No such file or directory")
}

func TestRunCommandCancelled(t *testing.T) {
	requireSh(t)
	r := NewRunner(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	task := shTask(t, `echo started >&2; sleep 30`)
	start := time.Now()
	_, err := r.RunCommand(ctx, task)

	requireStageKind(t, err, model.KindCancelled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCommandRejectsEmptyArgv(t *testing.T) {
	r := NewRunner(time.Second)

	_, err := r.RunCommand(context.Background(), Task{Node: "ffmpeg.extract_audio"})
	requireStageKind(t, err, model.KindInvalidInput)
}
