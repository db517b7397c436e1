// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package fs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureDir(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "nodes", "whisper.transcribe", "data")

	if err := EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(nested)
	if err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	// Idempotent.
	if err := EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir second call: %v", err)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "out.srt")

	if err := WriteFileAtomic(path, []byte("1\n00:00:00,000 --> 00:00:01,000\nhello\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "1\n00:00:00,000 --> 00:00:01,000\nhello\n" {
		t.Errorf("unexpected content: %q", got)
	}

	// Overwrite replaces wholesale.
	if err := WriteFileAtomic(path, []byte("replaced"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, _ = os.ReadFile(path)
	if string(got) != "replaced" {
		t.Errorf("overwrite failed: %q", got)
	}
}

func TestWriteStreamAtomic(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "subs.vtt")

	err := WriteStreamAtomic(path, 0o644, func(w io.Writer) error {
		_, err := io.WriteString(w, "WEBVTT\n")
		return err
	})
	if err != nil {
		t.Fatalf("WriteStreamAtomic: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "WEBVTT\n" {
		t.Errorf("unexpected content: %q", got)
	}
}

func TestWriteStreamAtomicAbortLeavesNothing(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "partial.vtt")

	wantErr := errors.New("encode failed")
	err := WriteStreamAtomic(path, 0o644, func(w io.Writer) error {
		_, _ = io.WriteString(w, "half-written")
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped encode error, got %v", err)
	}
	if _, statErr := os.Stat(path); !errors.Is(statErr, os.ErrNotExist) {
		t.Errorf("aborted write left a file behind: %v", statErr)
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "context.json")

	if err := WriteJSONAtomic(path, map[string]any{"workflowId": "wf-1"}); err != nil {
		t.Fatalf("WriteJSONAtomic: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "{\n  \"workflowId\": \"wf-1\"\n}\n"
	if string(got) != want {
		t.Errorf("unexpected JSON: %q", got)
	}
}
