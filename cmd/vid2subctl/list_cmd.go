// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"flag"
	"fmt"
	"os"
)

func runListCLI(args []string) int {
	fs := flag.NewFlagSet("vid2subctl list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configPath string
	var asJSON bool
	fs.StringVar(&configPath, "config", "", "path to config file (YAML)")
	fs.BoolVar(&asJSON, "json", false, "emit the workflow records as JSON")

	if err := fs.Parse(args); err != nil {
		return exitUserError
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "error: list takes no arguments")
		return exitUserError
	}

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

	workflows, err := st.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list workflows: %v\n", err)
		return exitFor(err)
	}

	if asJSON {
		if err := renderJSON(os.Stdout, workflows); err != nil {
			fmt.Fprintf(os.Stderr, "encode workflows: %v\n", err)
			return exitSystemError
		}
		return exitOK
	}
	renderWorkflowList(os.Stdout, workflows)
	return exitOK
}
