// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package subtitle turns transcription and diarization artifacts into
// deliverable subtitle files. Both nodes here are pure Go: no child process,
// no GPU lease.
package subtitle

import (
	"encoding/json"
	"fmt"
	"os"
)

// Segment is one timed utterance. Start and End are seconds from the top of
// the source media.
type Segment struct {
	Index   int     `json:"index"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Transcript is the inter-stage segment document: written by the
// transcription child, rewritten by optimize_text, consumed by build.
type Transcript struct {
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// Turn is one diarized speaker interval.
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Diarization is the turn document the diarization child writes.
type Diarization struct {
	Turns        []Turn `json:"turns"`
	SpeakerCount int    `json:"speaker_count"`
}

// ReadTranscript loads a segment document from shared storage.
func ReadTranscript(path string) (*Transcript, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t Transcript
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("parse transcript %s: %w", path, err)
	}
	return &t, nil
}

// ReadDiarization loads a turn document from shared storage.
func ReadDiarization(path string) (*Diarization, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Diarization
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse diarization %s: %w", path, err)
	}
	return &d, nil
}
