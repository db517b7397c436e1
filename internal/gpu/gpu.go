// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package gpu arbitrates exclusive access to GPU device slots across worker
// processes. A slot is FREE, LEASED, or EXPIRED; acquisition is a
// conditional write that only succeeds on FREE or EXPIRED, so at any
// instant at most one holder sees a device as leased to itself. Each fresh
// lease carries a strictly increasing per-device generation, which is how
// stale holders discover a takeover after their lease lapsed.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ManuGH/vid2sub/internal/metrics"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// Lease is a time-bounded, renewable claim on one GPU device slot.
type Lease struct {
	Device     int
	Holder     string
	Generation int64
	TTL        time.Duration
	AcquiredAt time.Time
	ExpiresAt  time.Time

	// held tracks whether this process still counts the lease in its
	// active-lease gauge. Shared across renewals of the same claim.
	held *atomic.Bool
}

// Arbiter is the slot store. TryAcquire is a single conditional write with
// no waiting; the blocking behavior lives in Acquire and AcquireAny.
type Arbiter interface {
	// TryAcquire claims the device for holder iff its slot is FREE or
	// EXPIRED. ok=false means the slot is validly leased to someone else.
	TryAcquire(ctx context.Context, device int, holder string, ttl time.Duration) (*Lease, bool, error)

	// Renew extends the lease by its TTL. Fails with LeaseLost when the
	// slot is gone or its generation no longer matches.
	Renew(ctx context.Context, lease *Lease) (*Lease, error)

	// Release frees the slot. Idempotent: releasing an already-released or
	// expired lease is a no-op. Releasing a slot validly held by someone
	// else fails with LeaseLost.
	Release(ctx context.Context, lease *Lease) error

	// Sweep reaps expired slots and returns how many it reclaimed.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

const (
	acquireBackoffMin = 50 * time.Millisecond
	acquireBackoffMax = 2 * time.Second
)

// Acquire blocks until the device slot is won or maxWait elapses, sleeping
// with doubling jittered backoff between attempts. On expiry it returns a
// Timeout stage error with no side effect. Waiters are visible in the
// acquire-waiters gauge; there is no FIFO promise.
func Acquire(ctx context.Context, arb Arbiter, device int, holder string, ttl, maxWait time.Duration) (*Lease, error) {
	return acquire(ctx, arb, []int{device}, holder, ttl, maxWait)
}

// AcquireAny tries each configured device in turn under one shared wait
// budget and returns the first slot won.
func AcquireAny(ctx context.Context, arb Arbiter, devices []int, holder string, ttl, maxWait time.Duration) (*Lease, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("no gpu devices configured")
	}
	return acquire(ctx, arb, devices, holder, ttl, maxWait)
}

func acquire(ctx context.Context, arb Arbiter, devices []int, holder string, ttl, maxWait time.Duration) (*Lease, error) {
	start := time.Now()
	deadline := start.Add(maxWait)

	// A caller waiting on a device set is queued on every device in it.
	for _, device := range devices {
		metrics.IncAcquireWaiters(strconv.Itoa(device))
	}
	defer func() {
		for _, device := range devices {
			metrics.DecAcquireWaiters(strconv.Itoa(device))
		}
	}()

	backoff := acquireBackoffMin
	for {
		for _, device := range devices {
			dev := strconv.Itoa(device)
			lease, ok, err := arb.TryAcquire(ctx, device, holder, ttl)
			if err != nil {
				metrics.RecordLeaseAcquire(dev, "error")
				return nil, err
			}
			if ok {
				if lease.held == nil {
					lease.held = &atomic.Bool{}
				}
				lease.held.Store(true)
				metrics.RecordLeaseAcquire(dev, "acquired")
				metrics.ObserveAcquireWait(dev, time.Since(start).Seconds())
				metrics.IncActiveLeases(dev)
				return lease, nil
			}
		}

		sleep := backoff + jitter(backoff)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.RecordLeaseAcquire(strconv.Itoa(devices[0]), "timeout")
			return nil, model.NewStageError(model.KindTimeout,
				fmt.Sprintf("no gpu slot within %s (devices %v)", maxWait, devices),
				context.DeadlineExceeded)
		}
		if sleep > remaining {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > acquireBackoffMax {
			backoff = acquireBackoffMax
		}
	}
}

// jitter returns a random offset in [-d/4, +d/4] so contending workers
// spread out instead of retrying in lockstep.
func jitter(d time.Duration) time.Duration {
	quarter := int64(d / 4)
	if quarter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(2*quarter) - quarter)
}

// Renew extends the lease via the arbiter and keeps the process-local
// bookkeeping attached to the renewed lease.
func Renew(ctx context.Context, arb Arbiter, lease *Lease) (*Lease, error) {
	renewed, err := arb.Renew(ctx, lease)
	if err != nil {
		if errors.Is(err, model.KindLeaseLost.Class()) {
			markDropped(lease, "renew")
		}
		return nil, err
	}
	renewed.held = lease.held
	return renewed, nil
}

// Release frees the slot and settles the active-lease gauge exactly once
// per claim, however many times it is called.
func Release(ctx context.Context, arb Arbiter, lease *Lease) error {
	err := arb.Release(ctx, lease)
	if err != nil {
		if errors.Is(err, model.KindLeaseLost.Class()) {
			markDropped(lease, "release")
		}
		return err
	}
	dropHeld(lease)
	return nil
}

func markDropped(lease *Lease, op string) {
	dev := strconv.Itoa(lease.Device)
	metrics.RecordLeaseLost(dev, op)
	dropHeld(lease)
}

func dropHeld(lease *Lease) {
	if lease.held != nil && lease.held.CompareAndSwap(true, false) {
		metrics.DecActiveLeases(strconv.Itoa(lease.Device))
	}
}

// KeepAlive renews the lease every interval until stop is called or the
// lease is lost. On loss, onLost runs once with the error and the loop
// exits; the caller is expected to cancel its work and start over.
func KeepAlive(ctx context.Context, arb Arbiter, lease *Lease, interval time.Duration, onLost func(error)) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		current := lease
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := Renew(ctx, arb, current)
				if err != nil {
					if ctx.Err() == nil && onLost != nil {
						onLost(err)
					}
					return
				}
				current = renewed
			}
		}
	}()

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
		<-finished
	}
}
