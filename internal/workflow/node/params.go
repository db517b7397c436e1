// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package node

import (
	"fmt"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// RequireString extracts a non-empty string parameter or fails with
// InvalidInput. Nodes use it for the parameters their Validate step cannot
// live without.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("missing required parameter %q", key), nil)
	}
	s, ok := v.(string)
	if !ok {
		return "", model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("parameter %q must be a string, got %T", key, v), nil)
	}
	if s == "" {
		return "", model.NewStageError(model.KindInvalidInput,
			fmt.Sprintf("parameter %q is empty", key), nil)
	}
	return s, nil
}

// StringOr returns the string parameter under key, or def when absent or
// not a string.
func StringOr(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// IntOr returns the integer parameter under key, or def. Inputs loaded from
// the store carry JSON numbers as float64; both forms are accepted.
func IntOr(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}

// BoolOr returns the boolean parameter under key, or def.
func BoolOr(params map[string]any, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

// FloatOr returns the numeric parameter under key, or def.
func FloatOr(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
