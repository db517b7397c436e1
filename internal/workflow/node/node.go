// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package node defines the contract every worker task implements and the
// shared-storage conventions its artifacts follow. The executor drives the
// lifecycle; nodes contribute validation and core logic only.
package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Request carries everything a node needs to run one stage occurrence. The
// executor resolves Params before the node sees them, so every value is
// literal.
type Request struct {
	WorkflowID  string
	Position    int
	Params      map[string]any
	StorageRoot string
	DataDir     string
}

// Node is one implementable unit of work. Name is unique across the
// system; CacheKeyFields declares which resolved inputs identify a run for
// reuse (empty opts out); RequiredOutputFields declares what a successful
// output must carry.
//
// Validate runs before any cache lookup or side effect and reports
// InvalidInput failures. Run is the only step allowed side effects, and
// only under the request's DataDir.
type Node interface {
	Name() string
	CacheKeyFields() []string
	RequiredOutputFields() []string
	Validate(ctx context.Context, req Request) error
	Run(ctx context.Context, req Request) (map[string]any, error)
}

// OutputValidator is implemented by nodes that check their output beyond
// the required-field rules. The executor calls it after the field check.
type OutputValidator interface {
	ValidateOutput(output map[string]any) error
}

// RetryPolicy is implemented by nodes whose children declare failure kinds
// worth another attempt (transient loads, preemption). Execution failures
// without a matching declared kind stay terminal.
type RetryPolicy interface {
	RetryableChildKinds() []string
}

// Registry maps node names to implementations a worker can host.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Node)}
}

// Register adds a node. Names are unique; a second registration under the
// same name is a wiring bug and fails.
func (r *Registry) Register(n Node) error {
	name := n.Name()
	if name == "" {
		return fmt.Errorf("node has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.nodes[name]; exists {
		return fmt.Errorf("node %q already registered", name)
	}
	r.nodes[name] = n
	return nil
}

// Get returns the node registered under name.
func (r *Registry) Get(name string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

// Names returns all registered node names, sorted. These are the
// capabilities the worker announces to the broker.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
