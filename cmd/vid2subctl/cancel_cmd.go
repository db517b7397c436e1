// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

func runCancelCLI(args []string) int {
	fs := flag.NewFlagSet("vid2subctl cancel", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configPath string
	fs.StringVar(&configPath, "config", "", "path to config file (YAML)")

	if err := fs.Parse(args); err != nil {
		return exitUserError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "error: cancel takes exactly one workflow id")
		return exitUserError
	}
	workflowID := fs.Arg(0)

	cfg, err := loadCLIConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitUserError
	}

	ctx, stop := cliContext()
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "context store unreachable: %v\n", err)
		return exitSystemError
	}
	defer st.Close()

	// Cancellation is cooperative: the flag is raised here, running stages
	// observe it at their next poll and the driver skips the rest.
	if err := store.RequestCancel(ctx, st, workflowID); err != nil {
		fmt.Fprintf(os.Stderr, "cancel workflow %s: %v\n", workflowID, err)
		return exitFor(err)
	}

	fmt.Printf("cancellation requested for %s\n", workflowID)
	return exitOK
}
