// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// The vid2sub daemon hosts inference nodes on one machine: it consumes
// stage tasks for its capabilities, drives whole workflow chains, arbitrates
// the local GPU slots and serves the ops endpoint. Every daemon in a
// deployment runs this same binary; the store and broker addresses decide
// whether they cooperate or run standalone.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/vid2sub/internal/config"
	"github.com/ManuGH/vid2sub/internal/gpu"
	"github.com/ManuGH/vid2sub/internal/health"
	"github.com/ManuGH/vid2sub/internal/inference"
	v2slog "github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/nodes"
	"github.com/ManuGH/vid2sub/internal/telemetry"
	"github.com/ManuGH/vid2sub/internal/version"
	"github.com/ManuGH/vid2sub/internal/worker"
	"github.com/ManuGH/vid2sub/internal/workflow/broker"
	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

const shutdownGrace = 15 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheckCLI(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	enablePprof := flag.Bool("pprof", false, "expose /debug/pprof on the ops listener")
	workerID := flag.String("worker-id", "", "stable worker identity (default: hostname plus a random suffix)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Configure the logger with safe defaults until config is loaded.
	v2slog.Configure(v2slog.Config{
		Level:   "info",
		Service: "vid2sub",
	})
	logger := v2slog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: --config wins, V2S_CONFIG is the container-friendly way.
	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		effectiveConfigPath = strings.TrimSpace(config.ParseString("V2S_CONFIG", ""))
	}

	loader := config.NewLoader(effectiveConfigPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	v2slog.SetLevel(cfg.LogLevel)

	if effectiveConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", effectiveConfigPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	id := strings.TrimSpace(*workerID)
	if id == "" {
		host, herr := os.Hostname()
		if herr != nil || host == "" {
			host = "worker"
		}
		id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "vid2sub",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("trace exporter shutdown incomplete")
		}
	}()

	contextStore, err := store.Open(ctx, cfg.StoreBackend, cfg.StoreAddress)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "store.open_failed").
			Str("backend", cfg.StoreBackend).
			Msg("failed to open context store")
	}
	defer func() {
		if err := contextStore.Close(); err != nil {
			logger.Warn().Err(err).Msg("context store close failed")
		}
	}()

	taskBroker, err := openBroker(ctx, cfg, id)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "broker.open_failed").
			Str("address", cfg.BrokerAddress).
			Msg("failed to connect task broker")
	}
	defer func() {
		if err := taskBroker.Close(); err != nil {
			logger.Warn().Err(err).Msg("task broker close failed")
		}
	}()

	arbiter, err := openArbiter(ctx, cfg)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "gpu.arbiter_failed").
			Msg("failed to connect gpu arbiter")
	}
	defer func() {
		if err := arbiter.Close(); err != nil {
			logger.Warn().Err(err).Msg("gpu arbiter close failed")
		}
	}()

	runner := inference.NewRunner(0)
	registry, err := nodes.BuildRegistry(&cfg, nodes.Deps{
		Runner:  runner,
		Arbiter: arbiter,
		Holder:  id,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "nodes.registry_failed").
			Msg("failed to build node registry")
	}

	holder := config.NewHolder(cfg, loader, effectiveConfigPath)
	defer holder.Stop()

	w := &worker.Worker{
		Holder:       holder,
		Store:        contextStore,
		Broker:       taskBroker,
		Registry:     registry,
		Arbiter:      arbiter,
		ID:           id,
		EnablePprof:  *enablePprof,
		ReloadSignal: syscall.SIGHUP,
	}

	logger.Info().
		Str("event", "daemon.starting").
		Str("version", cfg.Version).
		Str("worker_id", id).
		Str("store_backend", cfg.StoreBackend).
		Bool("broker_redis", cfg.BrokerAddress != "").
		Ints("gpu_devices", cfg.GPU.Devices).
		Msg("vid2sub daemon starting")

	if err := w.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon exited with error")
	}

	logger.Info().Str("event", "daemon.stopped").Msg("vid2sub daemon stopped")
}

// openBroker connects the Redis task broker, or falls back to the in-process
// broker when no address is configured. Single-binary runs stay useful
// without any Redis: tasks just never leave the process.
func openBroker(ctx context.Context, cfg config.Config, consumer string) (broker.Broker, error) {
	if cfg.BrokerAddress == "" {
		return broker.NewMemoryBroker(), nil
	}
	return broker.NewRedisBroker(ctx, cfg.BrokerAddress, consumer)
}

// openArbiter picks the lease backend to match the broker topology: shared
// Redis when workers cooperate across hosts, in-process otherwise.
func openArbiter(ctx context.Context, cfg config.Config) (gpu.Arbiter, error) {
	if cfg.BrokerAddress == "" {
		return gpu.NewMemoryArbiter(), nil
	}
	return gpu.NewRedisArbiter(ctx, cfg.BrokerAddress)
}
