// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package worker runs one vid2sub daemon: broker consumers for every hosted
// node capability, a scheduler consumer driving whole workflows, the GPU
// lease sweeper and the ops HTTP server, all supervised by a single errgroup
// that drains cleanly on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/vid2sub/internal/config"
	"github.com/ManuGH/vid2sub/internal/gpu"
	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/workflow/broker"
	"github.com/ManuGH/vid2sub/internal/workflow/executor"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
	"github.com/ManuGH/vid2sub/internal/workflow/scheduler"
	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

const defaultSweepInterval = 30 * time.Second

// Worker owns the long-lived subsystems of one daemon process. Everything
// durable lives behind Store and Broker; the worker itself can be replaced
// at any time.
type Worker struct {
	Holder   *config.Holder
	Store    store.ContextStore
	Broker   broker.Broker
	Registry *node.Registry
	Arbiter  gpu.Arbiter

	// ID names this process in lease holder ids and broker consumer names.
	ID string

	// EnablePprof exposes /debug/pprof on the ops server.
	EnablePprof bool

	// ReloadSignal triggers a manual config reload; nil disables the
	// listener. The daemon passes syscall.SIGHUP.
	ReloadSignal os.Signal
}

// Run starts every subsystem and blocks until ctx is cancelled or one of
// them fails fatally. In-flight stage work finishes recording before the
// group returns; unfinished deliveries stay pending for other consumers.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.Holder.Get()
	logger := log.WithComponent("worker")

	// Reads the holder on every stage so a config reload flips cache reuse
	// without a restart.
	cacheOn := func() bool { return w.Holder.Get().CacheReuseEnabled }

	exec := &executor.Executor{
		Store:           w.Store,
		Registry:        w.Registry,
		DeadlineDefault: cfg.StageDeadlineDefault,
		CacheEnabled:    cacheOn,
	}
	sched := &scheduler.Scheduler{
		Store:           w.Store,
		Broker:          w.Broker,
		Registry:        w.Registry,
		DeadlineDefault: cfg.StageDeadlineDefault,
		CacheEnabled:    cacheOn,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: a missing inotify descriptor must not
	// keep the worker from taking tasks.
	if err := w.Holder.StartWatcher(ctx); err != nil {
		logger.Warn().Err(err).Str("event", "config.watcher_start_failed").Msg("failed to start config watcher")
	}

	if w.ReloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, w.ReloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					logger.Info().
						Str("event", "config.reload_signal").
						Str("signal", w.ReloadSignal.String()).
						Msg("received reload signal, reloading config")
					if err := w.Holder.Reload(context.Background()); err != nil {
						logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("config reload failed")
					}
				}
			}
		})
	}

	// One consumer per hosted capability. Handlers always ack: outcomes are
	// recorded in the context store and the scheduler owns redispatch, so a
	// redelivered failure would only lose to the claim anyway.
	capabilities := w.Registry.Names()
	for _, capability := range capabilities {
		g.Go(w.consume(ctx, capability, func(ctx context.Context, task broker.Task) error {
			if _, err := exec.Execute(ctx, task.WorkflowID, task.Position); err != nil {
				logger.Debug().
					Err(err).
					Str("workflow_id", task.WorkflowID).
					Int("position", task.Position).
					Msg("stage attempt settled with error")
			}
			return nil
		}))
	}

	// Every daemon can drive workflows; a crashed driver is replaced by
	// redelivery of its workflow.run entry.
	g.Go(w.consume(ctx, broker.RunWorkflowCapability, sched.Handle))

	g.Go(func() error { return w.sweepLoop(ctx, cfg) })
	g.Go(func() error { return w.serveOps(ctx, cfg) })

	logger.Info().
		Str("worker_id", w.ID).
		Strs("capabilities", capabilities).
		Str("listen", cfg.Listen).
		Msg("worker started")

	err := g.Wait()
	logger.Info().Str("worker_id", w.ID).Msg("worker stopped")
	return err
}

// consume wraps one blocking broker consumer so a clean shutdown does not
// surface as a group failure.
func (w *Worker) consume(ctx context.Context, capability string, handler broker.Handler) func() error {
	return func() error {
		err := w.Broker.Consume(ctx, capability, handler)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("consumer %s: %w", capability, err)
		}
		return nil
	}
}

// sweepLoop reaps expired GPU slots. The startup pass flushes anything a
// crashed predecessor on this host left behind before new work arrives.
func (w *Worker) sweepLoop(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("gpu.sweeper")
	interval := cfg.GPU.LeaseTTL
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	w.sweepOnce(ctx, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweepOnce(ctx, logger)
		}
	}
}

func (w *Worker) sweepOnce(ctx context.Context, logger zerolog.Logger) {
	reclaimed, err := w.Arbiter.Sweep(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Str("event", "gpu.sweep_failed").Msg("gpu lease sweep failed")
		}
		return
	}
	if reclaimed > 0 {
		logger.Info().
			Int("reclaimed", reclaimed).
			Str("event", "gpu.sweep").
			Msg("reclaimed expired gpu leases")
	}
}
