// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup manages child process trees. Inference children fork
// their own helpers (CUDA compiler daemons, data loader workers), so plain
// Process.Kill would orphan them. Spawning the child as a process group
// leader lets a single signal reach the whole tree.
package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// ErrKillFailed reports a process group that survived SIGKILL within the
// allotted window.
var ErrKillFailed = errors.New("kill operation failed")

// Set configures the command to start in a new process group.
// Mandatory for Kill and KillGroup to reach the child's descendants.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// KillGroup terminates an entire process group tree by pid. The process must
// have been spawned with Set. SIGTERM first, SIGKILL after grace.
func KillGroup(pid int, grace, timeout time.Duration) error {
	return killGroup(pid, grace, timeout)
}

// Terminate gracefully stops a running command's process group. It sends
// SIGTERM, waits up to grace for the exit status on waitCh, then escalates
// to SIGKILL and drains waitCh. The returned error is the wait result, so
// the caller must not call cmd.Wait itself.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// If the child already exited these are harmless ESRCH no-ops.
	_ = Kill(cmd, syscall.SIGTERM)

	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = Kill(cmd, syscall.SIGKILL)

	// SIGKILL frees a blocked child, so the drain terminates.
	return <-waitCh
}
