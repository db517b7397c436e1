// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package subtitle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/vid2sub/internal/platform/fs"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
)

// BuildName is the capability string of the subtitle-emission node.
const BuildName = "subtitle.build"

// Build renders the optimized transcript into subtitle files. Each requested
// format lands as one atomically written artifact.
type Build struct{}

func NewBuild() *Build { return &Build{} }

func (b *Build) Name() string { return BuildName }

func (b *Build) CacheKeyFields() []string {
	return []string{"optimized_path", "formats", "include_speakers"}
}

func (b *Build) RequiredOutputFields() []string {
	return []string{"subtitle_paths", "segment_count"}
}

func (b *Build) Validate(ctx context.Context, req node.Request) error {
	optimized, err := node.RequireString(req.Params, "optimized_path")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(optimized) {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("optimized_path %q is not absolute", optimized), nil)
	}
	_, err = formatList(req.Params)
	return err
}

func (b *Build) Run(ctx context.Context, req node.Request) (map[string]any, error) {
	optimizedPath, err := node.RequireString(req.Params, "optimized_path")
	if err != nil {
		return nil, err
	}
	formats, err := formatList(req.Params)
	if err != nil {
		return nil, err
	}
	withSpeakers := node.BoolOr(req.Params, "include_speakers", true)

	doc, err := ReadTranscript(optimizedPath)
	if err != nil {
		return nil, model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("optimized transcript not readable: %v", err), err)
	}

	if err := fs.EnsureDir(req.DataDir); err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed, err.Error(), err)
	}

	paths := make(map[string]any, len(formats))
	for _, format := range formats {
		var rendered string
		switch format {
		case "srt":
			rendered = RenderSRT(doc, withSpeakers)
		case "vtt":
			rendered = RenderVTT(doc, withSpeakers)
		}
		path := node.ArtifactPath(req.StorageRoot, BuildName, "subtitle", req.WorkflowID, "", format)
		if err := fs.WriteFileAtomic(path, []byte(rendered), 0o644); err != nil {
			return nil, model.NewStageError(model.KindInferenceFailed, err.Error(), err)
		}
		paths[format] = path
	}

	return map[string]any{
		"subtitle_paths": paths,
		"segment_count":  len(doc.Segments),
	}, nil
}

func (b *Build) ValidateOutput(output map[string]any) error {
	paths, ok := output["subtitle_paths"].(map[string]any)
	if !ok {
		return fmt.Errorf("subtitle_paths must be a format-to-path map, got %T", output["subtitle_paths"])
	}
	for format, v := range paths {
		p, _ := v.(string)
		if !filepath.IsAbs(p) {
			return fmt.Errorf("subtitle path for %q is not absolute: %q", format, p)
		}
	}
	return nil
}

// formatList reads and checks the requested output formats. Absent means
// both; an explicit empty list is a caller mistake, not an opt-out.
func formatList(params map[string]any) ([]string, error) {
	raw, ok := params["formats"]
	if !ok || raw == nil {
		return []string{"srt", "vtt"}, nil
	}

	var list []string
	switch v := raw.(type) {
	case []string:
		list = v
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, model.NewStageError(model.KindInvalidInput,
					fmt.Sprintf("formats entries must be strings, got %T", item), nil)
			}
			list = append(list, s)
		}
	default:
		return nil, model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("formats must be a list of strings, got %T", raw), nil)
	}

	if len(list) == 0 {
		return nil, model.NewStageError(model.KindInvalidInput, "formats is empty", nil)
	}
	seen := make(map[string]bool, len(list))
	out := make([]string, 0, len(list))
	for _, f := range list {
		if f != "srt" && f != "vtt" {
			return nil, model.NewStageError(model.KindInvalidInput,
				fmt.Sprintf("unsupported subtitle format %q", f), nil)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// RenderSRT emits SubRip: one block per segment, comma millisecond
// separator, optional "SPEAKER: " prefix.
func RenderSRT(doc *Transcript, withSpeakers bool) string {
	var sb strings.Builder
	for i, seg := range doc.Segments {
		fmt.Fprintf(&sb, "%d\n%s --> %s\n", i+1, timestamp(seg.Start, ","), timestamp(seg.End, ","))
		if withSpeakers && seg.Speaker != "" {
			sb.WriteString(seg.Speaker)
			sb.WriteString(": ")
		}
		sb.WriteString(seg.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// RenderVTT emits WebVTT with voice spans for speakers.
func RenderVTT(doc *Transcript, withSpeakers bool) string {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n\n")
	for _, seg := range doc.Segments {
		fmt.Fprintf(&sb, "%s --> %s\n", timestamp(seg.Start, "."), timestamp(seg.End, "."))
		if withSpeakers && seg.Speaker != "" {
			fmt.Fprintf(&sb, "<v %s>", seg.Speaker)
		}
		sb.WriteString(seg.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// timestamp renders seconds as HH:MM:SS<sep>mmm. Negative inputs clamp to
// zero rather than producing an invalid cue.
func timestamp(sec float64, msSep string) string {
	if sec < 0 {
		sec = 0
	}
	d := time.Duration(sec * float64(time.Second)).Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	ms := (d - s*time.Second) / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, msSep, ms)
}
