// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/metrics"
)

const (
	memoryQueueDepth     = 256
	memoryRedeliverDelay = 10 * time.Millisecond
)

// MemoryBroker is an in-process Broker for tests and single-daemon setups.
// Not durable; delivery survives handler errors but not process death.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan Task
	done   chan struct{}
	closed bool

	redeliverDelay time.Duration
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:         make(map[string]chan Task),
		done:           make(chan struct{}),
		redeliverDelay: memoryRedeliverDelay,
	}
}

func (b *MemoryBroker) queue(capability string) chan Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[capability]
	if !ok {
		q = make(chan Task, memoryQueueDepth)
		b.queues[capability] = q
	}
	return q
}

func (b *MemoryBroker) Dispatch(ctx context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("dispatch %s: broker closed", task.Node)
	}
	injectTrace(ctx, &task)
	select {
	case b.queue(task.Node) <- task:
		metrics.RecordTaskDispatched(task.Node)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch %s: %w", task.Node, ctx.Err())
	case <-b.done:
		return fmt.Errorf("dispatch %s: broker closed", task.Node)
	}
}

func (b *MemoryBroker) Consume(ctx context.Context, capability string, handler Handler) error {
	q := b.queue(capability)
	logger := log.WithComponent("broker")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case task := <-q:
			metrics.RecordTaskConsumed(capability)
			if err := handler(extractTrace(ctx, task), task); err != nil {
				logger.Warn().
					Err(err).
					Str("workflow_id", task.WorkflowID).
					Int("position", task.Position).
					Msg("task handler failed, redelivering")
				timer := time.NewTimer(b.redeliverDelay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
				}
				select {
				case q <- task:
				default:
					logger.Error().
						Str("workflow_id", task.WorkflowID).
						Msg("queue full, dropping failed task")
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			metrics.RecordTaskAcked(capability)
		}
	}
}

func (b *MemoryBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
