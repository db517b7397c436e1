// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package inference runs model workloads as supervised subprocesses. The
// parent owns scheduling, GPU leases and retries; the child receives argv
// fully describing one task, streams progress to stderr and reports through
// a JSON result document.
package inference

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/metrics"
	"github.com/ManuGH/vid2sub/internal/platform/fs"
	"github.com/ManuGH/vid2sub/internal/procgroup"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

const (
	defaultKillGrace = 5 * time.Second
	ringCapacity     = 256
	tailLines        = 20
)

// Task describes one child invocation. Argv must fully describe the work;
// the bridge adds only environment pinning and supervision.
type Task struct {
	Node       string
	WorkflowID string
	Argv       []string
	Env        []string // extra KEY=VALUE entries appended to the parent env
	GPUDevice  int      // CUDA index to pin, -1 for none
	WorkDir    string   // recreated empty before spawn
	ResultPath string   // where the child writes its result document

	// StartupTimeout bounds the wait for the first stderr line. Zero
	// disables startup supervision; the context deadline still applies.
	StartupTimeout time.Duration
}

// Outcome is a completed child run that declared success.
type Outcome struct {
	Result     map[string]any
	Statistics map[string]any
	Duration   time.Duration
	StderrTail []string
}

// Runner spawns and supervises inference children. It is stateless across
// runs and safe for concurrent use.
type Runner struct {
	killGrace time.Duration
}

// NewRunner creates a Runner. killGrace is the SIGTERM window before the
// child's process group is SIGKILLed.
func NewRunner(killGrace time.Duration) *Runner {
	if killGrace <= 0 {
		killGrace = defaultKillGrace
	}
	return &Runner{killGrace: killGrace}
}

// Run executes one child to completion. It returns the child-declared result
// on success and a classified stage error otherwise. The caller owns retry
// policy and any GPU lease; the child never talks to the arbiter itself.
func (r *Runner) Run(ctx context.Context, task Task) (*Outcome, error) {
	if len(task.Argv) == 0 {
		return nil, model.NewStageError(model.KindInvalidInput, "empty child argv", nil)
	}
	if task.ResultPath == "" {
		return nil, model.NewStageError(model.KindInvalidInput, "missing child result path", nil)
	}

	logger := log.WithComponentFromContext(ctx, "inference")
	run, err := r.supervise(ctx, task, logger)
	if err != nil {
		return nil, err
	}
	return r.evaluate(task, run.waitErr, run.elapsed, run.ring, logger)
}

// childRun is what supervision hands back once the child exited on its own.
type childRun struct {
	waitErr error
	elapsed time.Duration
	ring    *LineRing
}

// supervise spawns the child and shepherds it to exit: scratch reset, stderr
// capture, GPU pinning, startup window and cancellation teardown. It returns
// an error itself only when the child never exited cleanly under this
// supervisor; exit-status interpretation is the caller's business.
func (r *Runner) supervise(ctx context.Context, task Task, logger zerolog.Logger) (*childRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.WrapClassified(err)
	}

	// Every attempt starts from an empty scratch dir and no stale result,
	// so a crashed predecessor cannot leak a success document into this run.
	if task.WorkDir != "" {
		if err := os.RemoveAll(task.WorkDir); err != nil {
			return nil, model.NewStageError(model.KindInferenceFailed, fmt.Sprintf("reset work dir: %v", err), err)
		}
		if err := fs.EnsureDir(task.WorkDir); err != nil {
			return nil, model.NewStageError(model.KindInferenceFailed, fmt.Sprintf("create work dir: %v", err), err)
		}
	}
	if task.ResultPath != "" {
		if err := os.Remove(task.ResultPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, model.NewStageError(model.KindInferenceFailed, fmt.Sprintf("clear stale result: %v", err), err)
		}
	}

	cmd := exec.Command(task.Argv[0], task.Argv[1:]...) // #nosec G204 -- argv comes from registered node definitions
	procgroup.Set(cmd)
	if task.WorkDir != "" {
		cmd.Dir = task.WorkDir
	}

	env := append(os.Environ(), task.Env...)
	if task.GPUDevice >= 0 {
		env = append(env, fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", task.GPUDevice))
	}
	cmd.Env = env

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed, fmt.Sprintf("stderr pipe: %v", err), err)
	}

	ring := NewLineRing(ringCapacity)
	firstLine := make(chan struct{})

	var ioWg sync.WaitGroup
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		sawOutput := false
		scanner := bufio.NewScanner(stderr)
		// Python tracebacks produce very long lines.
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !sawOutput {
				sawOutput = true
				close(firstLine)
			}
			ring.Add(line)
			logger.Debug().Str("node", task.Node).Str("line", line).Msg("child output")
		}
	}()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed, fmt.Sprintf("start %s: %v", task.Argv[0], err), err)
	}
	metrics.RecordChildLaunch(task.Node)
	logger.Info().
		Str("node", task.Node).
		Str("workflow_id", task.WorkflowID).
		Str("command", cmd.String()).
		Int("gpu", task.GPUDevice).
		Msg("starting inference child")

	waitCh := make(chan error, 1)
	go func() {
		// Drain stderr before collecting the exit status so the ring holds
		// the child's final lines.
		ioWg.Wait()
		waitCh <- cmd.Wait()
	}()

	var startupC <-chan time.Time
	if task.StartupTimeout > 0 {
		startupTimer := time.NewTimer(task.StartupTimeout)
		defer startupTimer.Stop()
		startupC = startupTimer.C
	}

	// Phase 1: first output, early exit, cancellation, or startup expiry.
	running := true
	var waitErr error
	select {
	case <-firstLine:
		metrics.ObserveChildStartup(task.Node, time.Since(start).Seconds())
	case waitErr = <-waitCh:
		running = false
	case <-startupC:
		_ = procgroup.Terminate(cmd, waitCh, r.killGrace)
		metrics.RecordChildExit(task.Node, "timeout")
		logger.Warn().
			Str("node", task.Node).
			Dur("elapsed", time.Since(start)).
			Msg("child produced no output within startup window")
		return nil, model.NewStageError(model.KindTimeout,
			fmt.Sprintf("no child output within %s", task.StartupTimeout), context.DeadlineExceeded)
	case <-ctx.Done():
		return nil, r.killed(ctx, cmd, waitCh, task, start, logger)
	}

	// Phase 2: run to completion under the stage deadline.
	if running {
		select {
		case waitErr = <-waitCh:
		case <-ctx.Done():
			return nil, r.killed(ctx, cmd, waitCh, task, start, logger)
		}
	}

	return &childRun{waitErr: waitErr, elapsed: time.Since(start), ring: ring}, nil
}

// killed tears the process group down after cancellation or deadline expiry
// and builds the matching stage error.
func (r *Runner) killed(ctx context.Context, cmd *exec.Cmd, waitCh <-chan error, task Task, start time.Time, logger zerolog.Logger) error {
	_ = procgroup.Terminate(cmd, waitCh, r.killGrace)

	kind := model.KindCancelled
	result := "killed"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = model.KindTimeout
		result = "timeout"
	}
	metrics.RecordChildExit(task.Node, result)

	elapsed := time.Since(start).Round(time.Millisecond)
	logger.Warn().
		Str("node", task.Node).
		Dur("elapsed", elapsed).
		Str("reason", result).
		Msg("inference child terminated")
	return model.NewStageError(kind, fmt.Sprintf("child terminated after %s: %v", elapsed, ctx.Err()), ctx.Err())
}

// evaluate applies the result protocol to an exited child.
func (r *Runner) evaluate(task Task, waitErr error, elapsed time.Duration, ring *LineRing, logger zerolog.Logger) (*Outcome, error) {
	exitCode := 0
	if waitErr != nil {
		// Wait failures without an exit status (I/O errors) count as crashes.
		exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	tail := ring.LastN(tailLines)

	env, decodeErr := readEnvelope(task.ResultPath)
	switch {
	case decodeErr == nil && env.Success && exitCode == 0:
		metrics.RecordChildExit(task.Node, "success")
		logger.Info().
			Str("node", task.Node).
			Dur("duration", elapsed).
			Interface("statistics", env.Statistics).
			Msg("inference child succeeded")
		return &Outcome{
			Result:     env.Result,
			Statistics: env.Statistics,
			Duration:   elapsed,
			StderrTail: tail,
		}, nil

	case decodeErr == nil && env.Success:
		metrics.RecordChildExit(task.Node, "error")
		return nil, failWithTail(fmt.Sprintf("child declared success but exited %d", exitCode), waitErr, tail)

	case decodeErr == nil && env.Error != nil:
		metrics.RecordChildExit(task.Node, "error")
		cause := &ChildError{Kind: env.Error.Kind, Message: env.Error.Message, Traceback: env.Error.Traceback}
		logger.Warn().
			Str("node", task.Node).
			Str("child_kind", cause.Kind).
			Int("exit_code", exitCode).
			Msg("inference child declared failure")
		serr := model.NewStageError(stageKind(cause.Kind), cause.Error(), cause)
		serr.Traceback = cause.Traceback
		return nil, serr

	case decodeErr == nil:
		metrics.RecordChildExit(task.Node, "error")
		return nil, failWithTail(fmt.Sprintf("child declared failure without detail (exit %d)", exitCode), waitErr, tail)

	default:
		metrics.RecordChildExit(task.Node, "error")
		var msg string
		switch {
		case exitCode != 0:
			msg = fmt.Sprintf("child exited %d without a result document", exitCode)
		case errors.Is(decodeErr, os.ErrNotExist):
			msg = "child exited 0 without writing a result document"
		default:
			msg = fmt.Sprintf("unreadable child result: %v", decodeErr)
		}
		logger.Error().
			Str("node", task.Node).
			Int("exit_code", exitCode).
			Strs("stderr", tail).
			Msg("inference child failed")
		return nil, failWithTail(msg, waitErr, tail)
	}
}

// failWithTail builds an execution failure carrying recent stderr so the
// stage record has something to show post-mortem.
func failWithTail(msg string, cause error, tail []string) *model.StageError {
	serr := model.NewStageError(model.KindInferenceFailed, msg, cause)
	if len(tail) > 0 {
		serr.Traceback = strings.Join(tail, "\n")
	}
	return serr
}
