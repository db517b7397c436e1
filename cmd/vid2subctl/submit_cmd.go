// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/vid2sub/internal/workflow/broker"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
	"github.com/ManuGH/vid2sub/internal/workflow/scheduler"
)

func runSubmitCLI(args []string) int {
	fs := flag.NewFlagSet("vid2subctl submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var file, id, configPath string
	var wait bool
	var interval time.Duration
	fs.StringVar(&file, "file", "", "path to the workflow YAML definition")
	fs.StringVar(&file, "f", "", "path to the workflow YAML definition (shorthand)")
	fs.StringVar(&id, "id", "", "workflow id (default: generated)")
	fs.StringVar(&configPath, "config", "", "path to config file (YAML)")
	fs.BoolVar(&wait, "wait", false, "block until the workflow is terminal")
	fs.DurationVar(&interval, "interval", 2*time.Second, "poll interval with --wait")

	if err := fs.Parse(args); err != nil {
		return exitUserError
	}
	if strings.TrimSpace(file) == "" {
		fmt.Fprintln(os.Stderr, "error: --file is required")
		return exitUserError
	}

	spec, err := loadWorkflowFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow file %s:\n  %v\n", file, err)
		return exitUserError
	}
	if strings.TrimSpace(id) != "" {
		spec.WorkflowID = strings.TrimSpace(id)
	}
	if spec.WorkflowID == "" {
		spec.WorkflowID = "wf-" + uuid.NewString()
	}
	if err := node.ValidateWorkflowID(spec.WorkflowID); err != nil {
		fmt.Fprintf(os.Stderr, "invalid workflow id: %v\n", err)
		return exitUserError
	}

	cfg, err := loadCLIConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitUserError
	}
	if cfg.BrokerAddress == "" {
		fmt.Fprintln(os.Stderr, "error: submit needs a task broker; set V2S_BROKER_ADDRESS (or broker.address in the config file)")
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

	b, err := broker.NewRedisBroker(ctx, cfg.BrokerAddress, "vid2subctl")
	if err != nil {
		fmt.Fprintf(os.Stderr, "task broker unreachable: %v\n", err)
		return exitSystemError
	}
	defer b.Close()

	wf, err := scheduler.Submit(ctx, st, b, spec, cfg.SharedStorageRoot, cfg.MaxAttemptsPerStage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		return exitFor(err)
	}

	fmt.Println(wf.WorkflowID)

	if !wait {
		return exitOK
	}
	status, err := followWorkflow(ctx, st, wf.WorkflowID, interval, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait aborted: %v\n", err)
		return exitFor(err)
	}
	return terminalExit(status)
}
