// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package net

import "testing"

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"lowercase passthrough", "cache.internal", "cache.internal", false},
		{"uppercase folded", "Cache.Internal", "cache.internal", false},
		{"trailing dot stripped", "cache.internal.", "cache.internal", false},
		{"unicode to punycode", "bücher.example", "xn--bcher-kva.example", false},
		{"ipv4", "10.0.0.5", "10.0.0.5", false},
		{"ipv6 brackets", "[::1]", "::1", false},
		{"empty", "", "", true},
		{"scheme rejected", "redis://host", "", true},
		{"path rejected", "host/db", "", true},
		{"userinfo rejected", "user@host", "", true},
		{"port rejected", "host:6379", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeHost(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeHost(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeHost(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"host port", "localhost:6379", "localhost:6379", false},
		{"folds case", "Cache.Internal:6379", "cache.internal:6379", false},
		{"redis url", "redis://cache.internal:6379/2", "redis://cache.internal:6379/2", false},
		{"rediss url", "rediss://cache.internal:6380", "rediss://cache.internal:6380", false},
		{"ipv6", "[::1]:6379", "[::1]:6379", false},
		{"missing port", "localhost", "", true},
		{"empty", "", "", true},
		{"http scheme", "http://cache.internal:6379", "", true},
		{"bad port", "localhost:port", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeEndpoint(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizeEndpoint(%q) = %q, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeEndpoint(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
