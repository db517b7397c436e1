// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"flag"
	"fmt"
	"os"
)

func runStatusCLI(args []string) int {
	fs := flag.NewFlagSet("vid2subctl status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configPath string
	var asJSON bool
	fs.StringVar(&configPath, "config", "", "path to config file (YAML)")
	fs.BoolVar(&asJSON, "json", false, "emit the raw snapshot as JSON")

	if err := fs.Parse(args); err != nil {
		return exitUserError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "error: status takes exactly one workflow id")
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

	snap, err := st.Load(ctx, workflowID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load workflow %s: %v\n", workflowID, err)
		return exitFor(err)
	}

	if asJSON {
		if err := renderJSON(os.Stdout, snap); err != nil {
			fmt.Fprintf(os.Stderr, "encode snapshot: %v\n", err)
			return exitSystemError
		}
	} else {
		renderSnapshot(os.Stdout, snap)
	}

	// A terminal non-success is visible in the exit code so scripts can
	// branch without parsing output.
	if snap.Workflow.Status.IsTerminal() {
		return terminalExit(snap.Workflow.Status)
	}
	return exitOK
}
