// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package cache decides whether a prior stage output can stand in for
// re-executing a node, and computes the content-addressed keys the reuse
// index is built on.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// Key computes the reuse key "<node>:<hex-digest>" for a resolved input.
// The digest is SHA-256 over the canonical JSON (sorted keys) of the
// projection of cacheKeyFields onto the input. Fields absent from the input
// are omitted from the projection, so inputs differing only in undeclared
// or absent fields share a key.
//
// A node declaring no cache key fields opts out of reuse; Key then reports
// ok=false.
func Key(nodeName string, resolvedInput map[string]any, cacheKeyFields []string) (string, bool) {
	if len(cacheKeyFields) == 0 {
		return "", false
	}
	projection := make(map[string]any, len(cacheKeyFields))
	for _, field := range cacheKeyFields {
		if v, ok := resolvedInput[field]; ok {
			projection[field] = v
		}
	}
	// encoding/json sorts map keys at every nesting level, which is exactly
	// the canonical form the digest is defined over. Resolved inputs are in
	// JSON normal form already, so marshalling cannot fail in practice; if
	// it ever does the stage simply runs uncached.
	raw, err := json.Marshal(projection)
	if err != nil {
		return "", false
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%s", nodeName, hex.EncodeToString(sum[:])), true
}

// CanReuse reports whether a stage record's output may be grafted instead
// of re-executing the node: the record is SUCCESS, its output is non-empty,
// and every required field is usable.
func CanReuse(rec *model.StageRecord, requiredOutputFields []string) bool {
	if rec == nil || rec.Status != model.StageSuccess || len(rec.Output) == 0 {
		return false
	}
	return len(MissingOutputFields(rec.Output, requiredOutputFields)) == 0
}

// ReusableEntry is CanReuse for a row of the reuse index. Entries are only
// written for successful stages, so the status check reduces to the output
// rules.
func ReusableEntry(e *model.CacheEntry, requiredOutputFields []string) bool {
	if e == nil || len(e.Output) == 0 {
		return false
	}
	return len(MissingOutputFields(e.Output, requiredOutputFields)) == 0
}

// MissingOutputFields returns the required field names that are absent or
// unusable in output, in declaration order. A field is unusable when its
// value is null or the empty string; the integer 0, false and an empty list
// all count as usable.
func MissingOutputFields(output map[string]any, required []string) []string {
	var missing []string
	for _, field := range required {
		v, ok := output[field]
		if !ok || v == nil {
			missing = append(missing, field)
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			missing = append(missing, field)
		}
	}
	return missing
}
