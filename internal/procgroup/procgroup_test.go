// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build linux

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillGroupReapsChildren(t *testing.T) {
	// A shell that forks a background sleeper plus a foreground one gives a
	// small tree under one group leader.
	cmd := exec.Command("sh", "-c", "sleep 100 & sleep 100")
	Set(cmd)

	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "leader pid should equal pgid")

	err = KillGroup(pid, 100*time.Millisecond, 500*time.Millisecond)
	require.NoError(t, err)

	proc, _ := os.FindProcess(pid)
	err = proc.Signal(syscall.Signal(0))
	require.Error(t, err, "leader should be dead")

	err = syscall.Kill(-pgid, syscall.Signal(0))
	assert.Equal(t, syscall.ESRCH, err, "whole group should be dead")
}

func TestKillGroupAlreadyGone(t *testing.T) {
	err := KillGroup(99999, 10*time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
}

func TestKillSignalsWholeGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 100 & sleep 100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)

	require.NoError(t, Kill(cmd, syscall.SIGKILL))

	err = cmd.Wait()
	require.Error(t, err, "killed command should report a signal exit")
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			assert.True(t, status.Signaled())
			assert.Equal(t, syscall.SIGKILL, status.Signal())
		}
	}

	// Give the kernel a moment to reap before probing the group.
	time.Sleep(50 * time.Millisecond)
	err = syscall.Kill(-pgid, syscall.Signal(0))
	assert.ErrorIs(t, err, syscall.ESRCH)
}

func TestKillNilCommand(t *testing.T) {
	require.NoError(t, Kill(nil, syscall.SIGTERM))
	require.NoError(t, Kill(&exec.Cmd{}, syscall.SIGTERM))
}

func TestTerminateGraceful(t *testing.T) {
	// Exits promptly on SIGTERM.
	cmd := exec.Command("sleep", "100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	start := time.Now()
	err := Terminate(cmd, waitCh, 5*time.Second)
	require.Error(t, err, "sleep killed by SIGTERM exits nonzero")
	assert.Less(t, time.Since(start), 2*time.Second, "should not have needed the grace window")
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// A child that ignores SIGTERM forces the SIGKILL path.
	cmd := exec.Command("sh", "-c", "trap '' TERM; while true; do sleep 1; done")
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	// Let the trap install before signalling.
	time.Sleep(100 * time.Millisecond)

	err := Terminate(cmd, waitCh, 200*time.Millisecond)
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		assert.True(t, status.Signaled())
		assert.Equal(t, syscall.SIGKILL, status.Signal())
	}
}

func TestTerminateNilCommand(t *testing.T) {
	require.NoError(t, Terminate(nil, nil, time.Second))
}
