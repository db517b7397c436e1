// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"testing"
	"time"
)

func TestParseString(t *testing.T) {
	t.Setenv("V2S_TEST_STRING", "from-env")
	if got := ParseString("V2S_TEST_STRING", "fallback"); got != "from-env" {
		t.Errorf("got %q, want from-env", got)
	}
	if got := ParseString("V2S_TEST_STRING_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}

	t.Setenv("V2S_TEST_STRING_EMPTY", "")
	if got := ParseString("V2S_TEST_STRING_EMPTY", "fallback"); got != "fallback" {
		t.Errorf("empty env should fall back, got %q", got)
	}
}

func TestParseInt(t *testing.T) {
	t.Setenv("V2S_TEST_INT", "42")
	if got := ParseInt("V2S_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv("V2S_TEST_INT_BAD", "not-a-number")
	if got := ParseInt("V2S_TEST_INT_BAD", 7); got != 7 {
		t.Errorf("invalid int should fall back, got %d", got)
	}

	if got := ParseInt("V2S_TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("missing int should fall back, got %d", got)
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		raw  string
		def  bool
		want bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"false", true, false},
		{"0", true, false},
		{"yes-please", true, true}, // invalid keeps default
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Setenv("V2S_TEST_BOOL", tt.raw)
			if got := ParseBool("V2S_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("ParseBool(%q, %v) = %v, want %v", tt.raw, tt.def, got, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Setenv("V2S_TEST_DUR", "90s")
	if got := ParseDuration("V2S_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("got %s, want 90s", got)
	}

	t.Setenv("V2S_TEST_DUR_BAD", "ninety")
	if got := ParseDuration("V2S_TEST_DUR_BAD", time.Minute); got != time.Minute {
		t.Errorf("invalid duration should fall back, got %s", got)
	}
}

func TestParseStringSlice(t *testing.T) {
	t.Setenv("V2S_TEST_SLICE", "transcribe, diarize ,,extract_audio")
	got := ParseStringSlice("V2S_TEST_SLICE", nil)
	want := []string{"transcribe", "diarize", "extract_audio"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}

	def := []string{"all"}
	if got := ParseStringSlice("V2S_TEST_SLICE_MISSING", def); len(got) != 1 || got[0] != "all" {
		t.Errorf("missing slice should fall back, got %v", got)
	}
}
