// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// MemoryStore is an in-memory ContextStore intended for tests and local
// iteration. Not durable; not suitable for production.
type MemoryStore struct {
	mu sync.RWMutex

	workflows map[string]*memoryWorkflow
	cache     map[string]model.CacheEntry
}

type memoryWorkflow struct {
	wf     model.WorkflowRecord
	stages []model.StageRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*memoryWorkflow),
		cache:     make(map[string]model.CacheEntry),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Create(ctx context.Context, wf model.WorkflowRecord, stages []model.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.WorkflowID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, wf.WorkflowID)
	}
	entry := &memoryWorkflow{wf: wf.Clone()}
	entry.stages = make([]model.StageRecord, 0, len(stages))
	for i := range stages {
		entry.stages = append(entry.stages, stages[i].Clone())
	}
	m.workflows[wf.WorkflowID] = entry
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, workflowID string) (*model.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	snap := model.Snapshot{Workflow: entry.wf, Stages: entry.stages}
	out := snap.Clone()
	return &out, nil
}

func (m *MemoryStore) UpdateStage(ctx context.Context, workflowID string, position int, fn func(*model.StageRecord) error) (*model.StageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if position < 0 || position >= len(entry.stages) {
		return nil, fmt.Errorf("%w: %s stage %d", ErrNotFound, workflowID, position)
	}

	before := &entry.stages[position]
	work := before.Clone()
	if err := fn(&work); err != nil {
		return nil, err
	}
	if err := model.CheckStagePatch(before, &work); err != nil {
		return nil, err
	}
	work.Version = before.Version + 1
	entry.stages[position] = work

	out := work.Clone()
	return &out, nil
}

func (m *MemoryStore) UpdateWorkflow(ctx context.Context, workflowID string, fn func(*model.WorkflowRecord) error) (*model.WorkflowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}

	before := &entry.wf
	work := before.Clone()
	if err := fn(&work); err != nil {
		return nil, err
	}
	if err := model.CheckWorkflowPatch(before, &work); err != nil {
		return nil, err
	}
	work.Version = before.Version + 1
	entry.wf = work

	out := work.Clone()
	return &out, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]*model.WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*model.WorkflowRecord, 0, len(m.workflows))
	for _, entry := range m.workflows {
		cp := entry.wf.Clone()
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAtUnix != list[j].CreatedAtUnix {
			return list[i].CreatedAtUnix > list[j].CreatedAtUnix
		}
		return list[i].WorkflowID < list[j].WorkflowID
	})
	return list, nil
}

func (m *MemoryStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := entry
	cp.Output = model.CloneParams(entry.Output)
	m.cache[entry.Key] = cp
	return nil
}

func (m *MemoryStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.cache[key]
	if !ok {
		return nil, fmt.Errorf("%w: cache entry %s", ErrNotFound, key)
	}
	cp := entry
	cp.Output = model.CloneParams(entry.Output)
	return &cp, nil
}
