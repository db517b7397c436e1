// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// vid2subctl is the control-plane CLI: it submits workflow definitions,
// inspects and cancels runs, and watches them to completion. It talks to the
// same context store and task broker the daemons use; there is no
// intermediate API service.
//
// Exit codes: 0 success, 1 user error (bad arguments, bad workflow file,
// unknown workflow id), 2 system error (store or broker unreachable),
// 3 workflow did not succeed.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ManuGH/vid2sub/internal/config"
	v2slog "github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/version"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

const (
	exitOK             = 0
	exitUserError      = 1
	exitSystemError    = 2
	exitWorkflowFailed = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Internal packages log through zerolog; keep the CLI quiet unless the
	// operator asks for more.
	v2slog.Configure(v2slog.Config{
		Level:   config.ParseString("V2S_LOG_LEVEL", "error"),
		Format:  "console",
		Output:  os.Stderr,
		Service: "vid2subctl",
	})

	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return exitOK
	}

	switch args[0] {
	case "submit":
		return runSubmitCLI(args[1:])
	case "status":
		return runStatusCLI(args[1:])
	case "cancel":
		return runCancelCLI(args[1:])
	case "watch":
		return runWatchCLI(args[1:])
	case "list":
		return runListCLI(args[1:])
	case "version", "-version", "--version":
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return exitUserError
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  vid2subctl submit -f workflow.yaml [--id ID] [--wait]")
	fmt.Fprintln(os.Stderr, "  vid2subctl status <workflow-id> [--json]")
	fmt.Fprintln(os.Stderr, "  vid2subctl cancel <workflow-id>")
	fmt.Fprintln(os.Stderr, "  vid2subctl watch <workflow-id> [--interval 2s]")
	fmt.Fprintln(os.Stderr, "  vid2subctl list [--json]")
	fmt.Fprintln(os.Stderr, "  vid2subctl version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Connection settings come from V2S_* environment variables or --config.")
}

// cliContext cancels on SIGINT/SIGTERM so polling commands die cleanly.
func cliContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadCLIConfig resolves the effective configuration: --config beats
// V2S_CONFIG beats pure environment defaults.
func loadCLIConfig(flagPath string) (config.Config, error) {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = strings.TrimSpace(config.ParseString("V2S_CONFIG", ""))
	}
	return config.NewLoader(path, version.Version).Load()
}

// openStore connects the context store named by cfg.
func openStore(ctx context.Context, cfg config.Config) (store.ContextStore, error) {
	return store.Open(ctx, cfg.StoreBackend, cfg.StoreAddress)
}

// exitFor maps an error to the exit-code contract: unknown ids, duplicate
// submissions and an operator interrupt are user-side, everything else is
// infrastructure.
func exitFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, store.ErrNotFound):
		return exitUserError
	case errors.Is(err, store.ErrAlreadyExists):
		return exitUserError
	case errors.Is(err, context.Canceled):
		return exitUserError
	default:
		return exitSystemError
	}
}

// terminalExit maps a terminal workflow status to the exit-code contract.
// Anything short of SUCCESS means the run did not produce its artifacts.
func terminalExit(status model.WorkflowStatus) int {
	if status == model.WorkflowSuccess {
		return exitOK
	}
	return exitWorkflowFailed
}
