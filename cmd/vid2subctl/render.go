// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

func renderJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderSnapshot prints one workflow with its stage chain.
func renderSnapshot(out io.Writer, snap *model.Snapshot) {
	wf := snap.Workflow
	fmt.Fprintf(out, "Workflow:  %s\n", wf.WorkflowID)
	if wf.Name != "" {
		fmt.Fprintf(out, "Name:      %s\n", wf.Name)
	}
	fmt.Fprintf(out, "Status:    %s\n", wf.Status)
	if wf.CancelRequested && !wf.Status.IsTerminal() {
		fmt.Fprintf(out, "Cancel:    requested\n")
	}
	fmt.Fprintf(out, "Storage:   %s\n", wf.SharedStoragePath)
	fmt.Fprintf(out, "Created:   %s\n", unixTime(wf.CreatedAtUnix))
	fmt.Fprintf(out, "Updated:   %s\n", unixTime(wf.UpdatedAtUnix))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tNODE\tSTATUS\tATTEMPTS\tDURATION\tNOTE")
	for i := range snap.Stages {
		rec := &snap.Stages[i]
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
			rec.Position, rec.Name, rec.Status, rec.Attempts,
			stageDuration(rec), stageNote(rec))
	}
	_ = w.Flush()
}

// renderWorkflowList prints one row per workflow.
func renderWorkflowList(out io.Writer, workflows []*model.WorkflowRecord) {
	if len(workflows) == 0 {
		fmt.Fprintln(out, "no workflows")
		return
	}
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKFLOW\tNAME\tSTATUS\tSTAGES\tCREATED\tUPDATED")
	for _, wf := range workflows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			wf.WorkflowID, orDash(wf.Name), wf.Status, len(wf.StageChain),
			unixTime(wf.CreatedAtUnix), unixTime(wf.UpdatedAtUnix))
	}
	_ = w.Flush()
}

func stageDuration(rec *model.StageRecord) string {
	if rec.DurationMS <= 0 {
		return "-"
	}
	return (time.Duration(rec.DurationMS) * time.Millisecond).Round(time.Millisecond).String()
}

func stageNote(rec *model.StageRecord) string {
	switch {
	case rec.CacheHit:
		return "cache hit"
	case rec.Error != nil && rec.Status == model.StageFailed:
		return fmt.Sprintf("%s: %s", rec.Error.Kind, rec.Error.Message)
	case rec.Error != nil && rec.Status == model.StageSkipped:
		return fmt.Sprintf("skipped after %s", rec.Error.Kind)
	case rec.Optional:
		return "optional"
	default:
		return "-"
	}
}

func unixTime(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
