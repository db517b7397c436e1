// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vid2sub/internal/gpu"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

func leaseConfig(devices ...int) LeaseConfig {
	return LeaseConfig{
		Devices:       devices,
		Holder:        "worker-test",
		TTL:           time.Second,
		RenewInterval: 50 * time.Millisecond,
		MaxWait:       time.Second,
	}
}

func TestRunLeasedPinsDeviceAndReleases(t *testing.T) {
	requireSh(t)
	arb := gpu.NewMemoryArbiter()
	r := NewRunner(time.Second)

	task := shTask(t, `echo up >&2; printf '%s' "{\"success\":true,\"result\":{\"cuda\":\"$CUDA_VISIBLE_DEVICES\"}}" > "$RESULT"`)
	out, err := RunLeased(context.Background(), arb, r, task, leaseConfig(3))
	require.NoError(t, err)
	assert.Equal(t, "3", out.Result["cuda"], "child must see the leased device")

	// The slot must be free again after the run.
	lease, ok, err := arb.TryAcquire(context.Background(), 3, "other", time.Second)
	require.NoError(t, err)
	require.True(t, ok, "slot should have been released")
	require.NoError(t, arb.Release(context.Background(), lease))
}

func TestRunLeasedAcquireTimeout(t *testing.T) {
	arb := gpu.NewMemoryArbiter()
	_, ok, err := arb.TryAcquire(context.Background(), 0, "occupant", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r := NewRunner(time.Second)
	lc := leaseConfig(0)
	lc.MaxWait = 100 * time.Millisecond

	task := Task{Node: "whisper.transcribe", Argv: []string{"sh", "-c", "true"}, ResultPath: "/tmp/unused.json", GPUDevice: -1}
	_, err = RunLeased(context.Background(), arb, r, task, lc)
	serr := requireStageKind(t, err, model.KindTimeout)
	assert.Contains(t, serr.Message, "no gpu slot")
}

func TestRunLeasedNoDevices(t *testing.T) {
	arb := gpu.NewMemoryArbiter()
	r := NewRunner(time.Second)

	_, err := RunLeased(context.Background(), arb, r, Task{Node: "n", Argv: []string{"true"}}, leaseConfig())
	require.Error(t, err)
}

// lossyArbiter drops every renewal, simulating a takeover after the slot
// store expired the lease under a running child.
type lossyArbiter struct {
	*gpu.MemoryArbiter
}

func (a *lossyArbiter) Renew(ctx context.Context, lease *gpu.Lease) (*gpu.Lease, error) {
	return nil, model.NewStageError(model.KindLeaseLost, "lease generation superseded", nil)
}

func TestRunLeasedLostMidRunKillsChild(t *testing.T) {
	requireSh(t)
	arb := &lossyArbiter{MemoryArbiter: gpu.NewMemoryArbiter()}
	r := NewRunner(200 * time.Millisecond)

	task := shTask(t, `echo started >&2; sleep 30`)
	start := time.Now()
	_, err := RunLeased(context.Background(), arb, r, task, leaseConfig(0))
	elapsed := time.Since(start)

	serr := requireStageKind(t, err, model.KindLeaseLost)
	assert.Contains(t, serr.Message, "lease lost mid-run")
	assert.True(t, serr.Kind.Retryable(), "a lost lease must stay retryable")
	assert.Less(t, elapsed, 5*time.Second, "child should be torn down on loss, not awaited")
}

func TestRunLeasedLateLossKeepsResult(t *testing.T) {
	requireSh(t)
	arb := &lossyArbiter{MemoryArbiter: gpu.NewMemoryArbiter()}
	r := NewRunner(time.Second)

	// The child exits before the first renewal, so the loss can only be
	// flagged after the result is already in hand.
	lc := leaseConfig(0)
	lc.RenewInterval = 30 * time.Second

	task := shTask(t, `echo quick >&2; printf '%s' '{"success":true,"result":{"text":"done"}}' > "$RESULT"`)
	out, err := RunLeased(context.Background(), arb, r, task, lc)
	require.NoError(t, err)
	assert.Equal(t, "done", out.Result["text"])
}
