// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package gpu

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ManuGH/vid2sub/internal/metrics"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

type memorySlot struct {
	holder     string
	generation int64
	expiresAt  time.Time
}

// MemoryArbiter keeps slots in process memory. Single-process development
// and tests only; production uses the redis arbiter.
type MemoryArbiter struct {
	mu    sync.Mutex
	slots map[int]*memorySlot
	gens  map[int]int64

	now func() time.Time
}

func NewMemoryArbiter() *MemoryArbiter {
	return &MemoryArbiter{
		slots: make(map[int]*memorySlot),
		gens:  make(map[int]int64),
		now:   time.Now,
	}
}

func (m *MemoryArbiter) TryAcquire(ctx context.Context, device int, holder string, ttl time.Duration) (*Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		return nil, false, fmt.Errorf("invalid lease ttl %s", ttl)
	}
	if holder == "" {
		return nil, false, fmt.Errorf("empty holder id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if s, ok := m.slots[device]; ok && now.Before(s.expiresAt) {
		// Validly leased, even to the same holder: a second acquire while
		// holding is a caller bug, not a renewal.
		return nil, false, nil
	}

	// FREE, or EXPIRED and being taken over. The generation counter
	// outlives individual slots so takeovers are always observable.
	m.gens[device]++
	gen := m.gens[device]
	exp := now.Add(ttl)
	m.slots[device] = &memorySlot{holder: holder, generation: gen, expiresAt: exp}

	return &Lease{
		Device:     device,
		Holder:     holder,
		Generation: gen,
		TTL:        ttl,
		AcquiredAt: now,
		ExpiresAt:  exp,
	}, true, nil
}

func (m *MemoryArbiter) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s, ok := m.slots[lease.Device]
	if !ok {
		return nil, model.NewStageError(model.KindLeaseLost,
			fmt.Sprintf("device %d: slot is free", lease.Device), nil)
	}
	if s.generation != lease.Generation || s.holder != lease.Holder {
		return nil, model.NewStageError(model.KindLeaseLost,
			fmt.Sprintf("device %d: lease generation %d superseded by %d", lease.Device, lease.Generation, s.generation), nil)
	}
	if !now.Before(s.expiresAt) {
		return nil, model.NewStageError(model.KindLeaseLost,
			fmt.Sprintf("device %d: lease expired before renewal", lease.Device), nil)
	}

	s.expiresAt = now.Add(lease.TTL)
	renewed := *lease
	renewed.ExpiresAt = s.expiresAt
	return &renewed, nil
}

func (m *MemoryArbiter) Release(ctx context.Context, lease *Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[lease.Device]
	if !ok {
		return nil
	}
	if s.generation == lease.Generation && s.holder == lease.Holder {
		delete(m.slots, lease.Device)
		return nil
	}
	if !m.now().Before(s.expiresAt) {
		// Someone else's expired claim; ours is long gone either way.
		return nil
	}
	return model.NewStageError(model.KindLeaseLost,
		fmt.Sprintf("device %d: held by another lease (generation %d)", lease.Device, s.generation), nil)
}

func (m *MemoryArbiter) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	reaped := 0
	for device, s := range m.slots {
		if !now.Before(s.expiresAt) {
			delete(m.slots, device)
			metrics.RecordLeaseSweep(strconv.Itoa(device))
			reaped++
		}
	}
	return reaped, nil
}

func (m *MemoryArbiter) Close() error {
	return nil
}
