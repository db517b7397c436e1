// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package subtitle

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/ManuGH/vid2sub/internal/platform/fs"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
)

// OptimizeName is the capability string of the text-cleanup node.
const OptimizeName = "subtitle.optimize_text"

// shoutMinLetters is the letter count below which all-caps text is left
// alone, so acronyms like "NASA" survive.
const shoutMinLetters = 6

var punctTightener = strings.NewReplacer(
	" ,", ",", " .", ".", " !", "!", " ?", "?", " :", ":", " ;", ";",
)

// Optimize normalizes segment text and merges diarized speaker turns into
// the transcript. Segments whose text is empty after cleanup are dropped and
// the rest renumbered.
type Optimize struct{}

func NewOptimize() *Optimize { return &Optimize{} }

func (o *Optimize) Name() string { return OptimizeName }

func (o *Optimize) CacheKeyFields() []string {
	return []string{"transcript_path", "diarization_path"}
}

func (o *Optimize) RequiredOutputFields() []string {
	return []string{"optimized_path", "segment_count", "speaker_count"}
}

func (o *Optimize) Validate(ctx context.Context, req node.Request) error {
	transcript, err := node.RequireString(req.Params, "transcript_path")
	if err != nil {
		return err
	}
	if !filepath.IsAbs(transcript) {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("transcript_path %q is not absolute", transcript), nil)
	}
	if d := node.StringOr(req.Params, "diarization_path", ""); d != "" && !filepath.IsAbs(d) {
		return model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("diarization_path %q is not absolute", d), nil)
	}
	return nil
}

func (o *Optimize) Run(ctx context.Context, req node.Request) (map[string]any, error) {
	transcriptPath, err := node.RequireString(req.Params, "transcript_path")
	if err != nil {
		return nil, err
	}
	doc, err := ReadTranscript(transcriptPath)
	if err != nil {
		return nil, model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("transcript not readable: %v", err), err)
	}

	var dia *Diarization
	if diaPath := node.StringOr(req.Params, "diarization_path", ""); diaPath != "" {
		dia, err = ReadDiarization(diaPath)
		if err != nil {
			return nil, model.NewStageError(model.KindInvalidInput,
				fmt.Sprintf("diarization not readable: %v", err), err)
		}
	}

	tag := language.Make(doc.Language)
	out := Transcript{Language: doc.Language}
	for _, seg := range doc.Segments {
		text := CleanText(seg.Text, tag)
		if text == "" {
			continue
		}
		cleaned := Segment{
			Index: len(out.Segments) + 1,
			Start: seg.Start,
			End:   seg.End,
			Text:  text,
		}
		if dia != nil {
			cleaned.Speaker = bestSpeaker(seg, dia.Turns)
		} else {
			cleaned.Speaker = seg.Speaker
		}
		out.Segments = append(out.Segments, cleaned)
	}

	if err := fs.EnsureDir(req.DataDir); err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed, err.Error(), err)
	}
	optimizedPath := node.ArtifactPath(req.StorageRoot, OptimizeName, "optimized_data", req.WorkflowID, "", "json")
	if err := fs.WriteJSONAtomic(optimizedPath, out); err != nil {
		return nil, model.NewStageError(model.KindInferenceFailed, err.Error(), err)
	}

	return map[string]any{
		"optimized_path": optimizedPath,
		"segment_count":  len(out.Segments),
		"speaker_count":  speakerCount(dia),
		"language":       doc.Language,
	}, nil
}

func (o *Optimize) ValidateOutput(output map[string]any) error {
	p, _ := output["optimized_path"].(string)
	if !filepath.IsAbs(p) {
		return fmt.Errorf("optimized_path %q is not absolute", p)
	}
	return nil
}

// CleanText is the per-segment normalization: NFC form, collapsed
// whitespace, no space before punctuation, and shouted segments brought down
// to sentence case.
func CleanText(s string, tag language.Tag) string {
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	s = punctTightener.Replace(s)
	if isShouting(s) {
		s = sentenceCase(s, tag)
	}
	return s
}

// isShouting reports whether the text is all-caps prose rather than a short
// acronym: enough letters, at least one upper, none lower.
func isShouting(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return letters >= shoutMinLetters && upper > 0
}

func sentenceCase(s string, tag language.Tag) string {
	lowered := cases.Lower(tag).String(s)
	r, size := utf8.DecodeRuneInString(lowered)
	if r == utf8.RuneError {
		return lowered
	}
	return string(unicode.ToUpper(r)) + lowered[size:]
}

// bestSpeaker picks the diarized turn with the largest temporal overlap.
// Segments outside every turn keep no speaker.
func bestSpeaker(seg Segment, turns []Turn) string {
	best := ""
	bestOverlap := 0.0
	for _, turn := range turns {
		overlap := math.Min(seg.End, turn.End) - math.Max(seg.Start, turn.Start)
		if overlap > bestOverlap {
			bestOverlap = overlap
			best = turn.Speaker
		}
	}
	return best
}

func speakerCount(dia *Diarization) int {
	if dia == nil {
		return 0
	}
	if dia.SpeakerCount > 0 {
		return dia.SpeakerCount
	}
	seen := make(map[string]struct{})
	for _, turn := range dia.Turns {
		if turn.Speaker != "" {
			seen[turn.Speaker] = struct{}{}
		}
	}
	return len(seen)
}
