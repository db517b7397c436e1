// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package resolve turns a stage's declared input template into a concrete
// input mapping by dereferencing placeholders against the workflow context.
//
// A string leaf is a reference iff the whole string matches
// ${source.path}, where source is either a prior stage name or the literal
// input_params, and path is a dotted traversal into that source. Node names
// may themselves contain dots (ffmpeg.extract_audio), so the source is
// identified as the longest chain name that prefixes the placeholder at a
// dot boundary. Everything else, including non-string leaves, is literal.
// Resolution is single pass: resolved values are never re-scanned.
package resolve

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// refPattern gates what counts as a reference. Partial matches, embedded
// placeholders and whitespace-padded strings are all literals.
var refPattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_.]+)\.(.+)\}$`)

const inputParamsSource = "input_params"

// Input resolves the input template of the stage at position into a fully
// literal mapping with the same shape. Referenced values are deep copies,
// so callers may mutate the result without aliasing prior stage outputs.
//
// A reference to a stage with no completed run before position fails with
// UnresolvedReference; a dotted path that does not exist in its source
// fails with MissingField. Both are non-retryable.
func Input(snap *model.Snapshot, position int) (map[string]any, error) {
	rec := snap.Stage(position)
	if rec == nil {
		return nil, fmt.Errorf("%w: no stage at position %d", model.ErrNotFound, position)
	}

	r := &resolver{
		snap:     snap,
		position: position,
		names:    make(map[string]struct{}, len(snap.Workflow.StageChain)),
	}
	for _, name := range snap.Workflow.StageChain {
		r.names[name] = struct{}{}
	}

	out := make(map[string]any, len(rec.InputTemplate))
	for key, v := range rec.InputTemplate {
		resolved, serr := r.value(v)
		if serr != nil {
			return nil, serr
		}
		out[key] = resolved
	}
	return out, nil
}

type resolver struct {
	snap     *model.Snapshot
	position int
	names    map[string]struct{}
}

// value walks one template leaf or container. Containers are rebuilt so the
// returned mapping never shares structure with the template.
func (r *resolver) value(v any) (any, *model.StageError) {
	switch tv := v.(type) {
	case string:
		return r.leaf(tv)
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, elem := range tv {
			resolved, serr := r.value(elem)
			if serr != nil {
				return nil, serr
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(tv))
		for _, elem := range tv {
			resolved, serr := r.value(elem)
			if serr != nil {
				return nil, serr
			}
			out = append(out, resolved)
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *resolver) leaf(s string) (any, *model.StageError) {
	if !refPattern.MatchString(s) {
		return s, nil
	}
	inner := s[2 : len(s)-1]

	source, path := r.splitSource(inner)
	fields, serr := r.sourceFields(s, source)
	if serr != nil {
		return nil, serr
	}
	resolved, ok := walkPath(fields, path)
	if !ok {
		return nil, model.NewStageError(model.KindMissingField,
			fmt.Sprintf("reference %s: field %q not found in %s", s, path, source), nil)
	}
	return model.CloneValue(resolved), nil
}

// splitSource separates the placeholder body into source and dotted path.
// input_params wins outright, then the longest chain name that prefixes the
// body at a dot boundary. When nothing matches, the first dot splits so the
// unknown-source error names a plausible stage.
func (r *resolver) splitSource(inner string) (source, path string) {
	if rest, ok := strings.CutPrefix(inner, inputParamsSource+"."); ok {
		return inputParamsSource, rest
	}
	best := ""
	for name := range r.names {
		if len(name) <= len(best) {
			continue
		}
		if len(inner) > len(name)+1 && strings.HasPrefix(inner, name) && inner[len(name)] == '.' {
			best = name
		}
	}
	if best != "" {
		return best, inner[len(best)+1:]
	}
	i := strings.IndexByte(inner, '.')
	return inner[:i], inner[i+1:]
}

// sourceFields returns the mapping the dotted path is evaluated against:
// the workflow's input parameters, or the output of the nearest preceding
// completed occurrence of the named stage.
func (r *resolver) sourceFields(raw, source string) (map[string]any, *model.StageError) {
	if source == inputParamsSource {
		return r.snap.Workflow.InputParams, nil
	}
	if _, known := r.names[source]; !known {
		return nil, model.NewStageError(model.KindUnresolvedReference,
			fmt.Sprintf("reference %s: %q is not a stage in this workflow", raw, source), nil)
	}
	rec := r.snap.LatestSuccessByName(source, r.position)
	if rec == nil {
		return nil, model.NewStageError(model.KindUnresolvedReference,
			fmt.Sprintf("reference %s: stage %q has no completed run before position %d", raw, source, r.position), nil)
	}
	return rec.Output, nil
}

// walkPath traverses a dotted path through nested string-keyed mappings.
// Paths address mapping keys only; indexing into lists is not supported.
func walkPath(root map[string]any, path string) (any, bool) {
	cur := any(root)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
