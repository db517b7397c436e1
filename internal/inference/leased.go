// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/vid2sub/internal/gpu"
	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

const releaseTimeout = 5 * time.Second

// LeaseConfig carries the arbitration parameters shared by every GPU stage a
// worker runs. Holder identifies this process in the slot store.
type LeaseConfig struct {
	Devices       []int
	Holder        string
	TTL           time.Duration
	RenewInterval time.Duration
	MaxWait       time.Duration
}

// RunLeased wins a device slot, pins the child to it and renews the lease in
// the background until the child exits. A lease lost mid-run tears the child
// down and surfaces as LeaseLost, not Cancelled, so the stage retries with a
// fresh slot instead of settling terminally.
func RunLeased(ctx context.Context, arb gpu.Arbiter, r *Runner, task Task, lc LeaseConfig) (*Outcome, error) {
	lease, err := gpu.AcquireAny(ctx, arb, lc.Devices, lc.Holder, lc.TTL, lc.MaxWait)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	interval := lc.RenewInterval
	if interval <= 0 {
		interval = lc.TTL / 3
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}

	// stop() waits for the keepalive goroutine, so lostErr is settled before
	// it is read.
	var lostErr error
	stop := gpu.KeepAlive(runCtx, arb, lease, interval, func(err error) {
		lostErr = err
		cancel()
	})

	task.GPUDevice = lease.Device
	out, runErr := r.Run(runCtx, task)
	stop()

	// Release must survive a torn-down run context.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer releaseCancel()
	if err := gpu.Release(releaseCtx, arb, lease); err != nil {
		log.WithComponentFromContext(ctx, "inference").Warn().
			Err(err).
			Int("device", lease.Device).
			Msg("gpu lease release failed")
	}

	switch {
	case runErr != nil && lostErr != nil:
		return nil, model.NewStageError(model.KindLeaseLost,
			fmt.Sprintf("gpu %d lease lost mid-run: %v", lease.Device, lostErr), lostErr)
	case runErr != nil:
		return nil, runErr
	default:
		// A loss flagged after the child already exited cleanly does not
		// invalidate its result.
		return out, nil
	}
}
