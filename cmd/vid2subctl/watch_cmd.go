// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

func runWatchCLI(args []string) int {
	fs := flag.NewFlagSet("vid2subctl watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configPath string
	var interval time.Duration
	fs.StringVar(&configPath, "config", "", "path to config file (YAML)")
	fs.DurationVar(&interval, "interval", 2*time.Second, "poll interval")

	if err := fs.Parse(args); err != nil {
		return exitUserError
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "error: watch takes exactly one workflow id")
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

	status, err := followWorkflow(ctx, st, workflowID, interval, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch aborted: %v\n", err)
		return exitFor(err)
	}
	return terminalExit(status)
}

// followWorkflow polls the store and prints one line per stage transition
// until the workflow is terminal. Transient load errors are tolerated; the
// poll simply tries again.
func followWorkflow(ctx context.Context, st store.ContextStore, workflowID string, interval time.Duration, out io.Writer) (model.WorkflowStatus, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	snap, err := st.Load(ctx, workflowID)
	if err != nil {
		return "", err
	}
	seen := printStages(out, snap, nil)
	if snap.Workflow.Status.IsTerminal() {
		printSummary(out, snap)
		return snap.Workflow.Status, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			snap, err = st.Load(ctx, workflowID)
			if err != nil {
				if cerr := ctx.Err(); cerr != nil {
					return "", cerr
				}
				continue
			}
			seen = printStages(out, snap, seen)
			if snap.Workflow.Status.IsTerminal() {
				printSummary(out, snap)
				return snap.Workflow.Status, nil
			}
		}
	}
}

// stageKey captures what makes a stage line worth reprinting.
type stageKey struct {
	status   model.StageStatus
	attempts int
}

// printStages emits a line for every stage whose state changed since the
// previous poll and returns the new state map.
func printStages(out io.Writer, snap *model.Snapshot, prev map[int]stageKey) map[int]stageKey {
	next := make(map[int]stageKey, len(snap.Stages))
	for i := range snap.Stages {
		rec := &snap.Stages[i]
		key := stageKey{status: rec.Status, attempts: rec.Attempts}
		next[rec.Position] = key
		if prev != nil {
			if old, ok := prev[rec.Position]; ok && old == key {
				continue
			}
		}
		fmt.Fprintln(out, stageLine(rec, len(snap.Stages)))
	}
	return next
}

func stageLine(rec *model.StageRecord, total int) string {
	line := fmt.Sprintf("[%d/%d] %-24s %s", rec.Position+1, total, rec.Name, rec.Status)
	switch {
	case rec.CacheHit:
		line += " (cache hit)"
	case rec.Attempts > 1:
		line += fmt.Sprintf(" (attempt %d)", rec.Attempts)
	}
	if rec.Error != nil && rec.Status == model.StageFailed {
		line += fmt.Sprintf(" %s: %s", rec.Error.Kind, rec.Error.Message)
	}
	return line
}

func printSummary(out io.Writer, snap *model.Snapshot) {
	fmt.Fprintf(out, "workflow %s: %s\n", snap.Workflow.WorkflowID, snap.Workflow.Status)
	if failed := snap.FirstFailed(); failed != nil && failed.Error != nil {
		fmt.Fprintf(out, "  failed at %s: %s: %s\n", failed.Name, failed.Error.Kind, failed.Error.Message)
	}
}
