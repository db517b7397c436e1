// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package inference

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/metrics"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// RunCommand executes a child that reports only through its exit status,
// the way ffmpeg does. Exit zero is success; anything else is an execution
// failure carrying the stderr tail. The result-document protocol does not
// apply, so Task.ResultPath is ignored.
func (r *Runner) RunCommand(ctx context.Context, task Task) (*Outcome, error) {
	if len(task.Argv) == 0 {
		return nil, model.NewStageError(model.KindInvalidInput, "empty child argv", nil)
	}
	task.ResultPath = ""

	logger := log.WithComponentFromContext(ctx, "inference")
	run, err := r.supervise(ctx, task, logger)
	if err != nil {
		return nil, err
	}

	tail := run.ring.LastN(tailLines)
	if run.waitErr != nil {
		exitCode := 1
		var exitErr *exec.ExitError
		if errors.As(run.waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		metrics.RecordChildExit(task.Node, "error")
		logger.Error().
			Str("node", task.Node).
			Int("exit_code", exitCode).
			Strs("stderr", tail).
			Msg("command child failed")
		return nil, failWithTail(fmt.Sprintf("%s exited %d", filepath.Base(task.Argv[0]), exitCode), run.waitErr, tail)
	}

	metrics.RecordChildExit(task.Node, "success")
	logger.Info().
		Str("node", task.Node).
		Dur("duration", run.elapsed).
		Msg("command child succeeded")
	return &Outcome{Duration: run.elapsed, StderrTail: tail}, nil
}
