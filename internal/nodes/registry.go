// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package nodes assembles the concrete node implementations a worker can
// host. The registry built here defines the worker's broker capabilities.
package nodes

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ManuGH/vid2sub/internal/config"
	"github.com/ManuGH/vid2sub/internal/gpu"
	"github.com/ManuGH/vid2sub/internal/inference"
	"github.com/ManuGH/vid2sub/internal/nodes/asr"
	"github.com/ManuGH/vid2sub/internal/nodes/audio"
	"github.com/ManuGH/vid2sub/internal/nodes/diarize"
	"github.com/ManuGH/vid2sub/internal/nodes/subtitle"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
)

// Deps carries the shared runtime pieces node constructors need. Holder
// identifies this worker process in the GPU slot store.
type Deps struct {
	Runner  *inference.Runner
	Arbiter gpu.Arbiter
	Holder  string
}

// BuildRegistry constructs every node this build ships and registers the
// ones cfg.Capabilities selects; an empty list selects all of them. Unknown
// capability names fail loudly so a typo cannot silently leave a task stream
// unserved.
func BuildRegistry(cfg *config.Config, deps Deps) (*node.Registry, error) {
	lease := inference.LeaseConfig{
		Devices:       cfg.GPU.Devices,
		Holder:        deps.Holder,
		TTL:           cfg.GPU.LeaseTTL,
		RenewInterval: cfg.GPU.RenewInterval,
		MaxWait:       cfg.GPU.AcquireMaxWait,
	}

	all := []node.Node{
		&audio.Extract{Runner: deps.Runner},
		asr.New(asr.Config{
			Runner:         deps.Runner,
			Arbiter:        deps.Arbiter,
			Lease:          lease,
			PythonBin:      cfg.Inference.PythonBin,
			ScriptDir:      cfg.Inference.ScriptDir,
			StartupTimeout: cfg.Inference.StartupTimeout,
		}),
		diarize.New(diarize.Config{
			Runner:         deps.Runner,
			Arbiter:        deps.Arbiter,
			Lease:          lease,
			PythonBin:      cfg.Inference.PythonBin,
			ScriptDir:      cfg.Inference.ScriptDir,
			StartupTimeout: cfg.Inference.StartupTimeout,
		}),
		subtitle.NewOptimize(),
		subtitle.NewBuild(),
	}

	known := make(map[string]node.Node, len(all))
	for _, n := range all {
		known[n.Name()] = n
	}

	selected := all
	if len(cfg.Capabilities) > 0 {
		selected = make([]node.Node, 0, len(cfg.Capabilities))
		for _, name := range cfg.Capabilities {
			n, ok := known[name]
			if !ok {
				return nil, fmt.Errorf("unknown capability %q (this build ships %s)", name, strings.Join(KnownNames(), ", "))
			}
			selected = append(selected, n)
		}
	}

	reg := node.NewRegistry()
	for _, n := range selected {
		if err := reg.Register(n); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// KnownNames lists every capability this build ships, sorted.
func KnownNames() []string {
	names := []string{
		audio.Name,
		asr.Name,
		diarize.Name,
		subtitle.OptimizeName,
		subtitle.BuildName,
	}
	sort.Strings(names)
	return names
}
