// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParseDeviceList parses V2S_GPU_DEVICES.
// Supported forms: "0,1,2" and ranges "0..3" or "0-3" (optionally mixed).
func ParseDeviceList(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil // nil => "no devices configured"
	}

	var out []int
	seen := map[int]struct{}{}

	add := func(v int) error {
		if v < 0 {
			return fmt.Errorf("gpu device index must be >= 0 (got %d)", v)
		}
		if _, ok := seen[v]; ok {
			return nil
		}
		seen[v] = struct{}{}
		out = append(out, v)
		return nil
	}

	parts := strings.Split(raw, ",")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		// Range: "a..b"
		if strings.Contains(p, "..") {
			ab := strings.Split(p, "..")
			if len(ab) != 2 {
				return nil, fmt.Errorf("invalid gpu device range: %q", p)
			}
			a, err := strconv.Atoi(strings.TrimSpace(ab[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid gpu device range start %q: %w", ab[0], err)
			}
			b, err := strconv.Atoi(strings.TrimSpace(ab[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid gpu device range end %q: %w", ab[1], err)
			}
			if a > b {
				return nil, fmt.Errorf("invalid gpu device range %q: start > end", p)
			}
			for i := a; i <= b; i++ {
				if err := add(i); err != nil {
					return nil, err
				}
			}
			continue
		}

		// Range: "a-b"
		if strings.Count(p, "-") == 1 && !strings.HasPrefix(p, "-") {
			ab := strings.Split(p, "-")
			a, err := strconv.Atoi(strings.TrimSpace(ab[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid gpu device range start %q: %w", ab[0], err)
			}
			b, err := strconv.Atoi(strings.TrimSpace(ab[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid gpu device range end %q: %w", ab[1], err)
			}
			if a > b {
				return nil, fmt.Errorf("invalid gpu device range %q: start > end", p)
			}
			for i := a; i <= b; i++ {
				if err := add(i); err != nil {
					return nil, err
				}
			}
			continue
		}

		// Single int
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid gpu device %q: %w", p, err)
		}
		if err := add(v); err != nil {
			return nil, err
		}
	}

	sort.Ints(out)
	return out, nil
}
