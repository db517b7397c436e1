// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"reflect"
	"testing"
)

func TestParseDeviceList(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []int
		wantErr bool
	}{
		{"empty", "", nil, false},
		{"single", "0", []int{0}, false},
		{"csv", "0,1,2", []int{0, 1, 2}, false},
		{"dots range", "0..3", []int{0, 1, 2, 3}, false},
		{"dash range", "1-3", []int{1, 2, 3}, false},
		{"mixed with dedupe", "0,0..2,1", []int{0, 1, 2}, false},
		{"unsorted input sorted", "3,1", []int{1, 3}, false},
		{"spaces tolerated", " 0 , 2 ", []int{0, 2}, false},
		{"negative", "-1", nil, true},
		{"reversed range", "3..1", nil, true},
		{"garbage", "zero", nil, true},
		{"bad range end", "0..x", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDeviceList(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDeviceList(%q) = %v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDeviceList(%q) unexpected error: %v", tt.raw, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseDeviceList(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
