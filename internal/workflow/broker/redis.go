// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/vid2sub/internal/log"
	"github.com/ManuGH/vid2sub/internal/metrics"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

const (
	streamPrefix  = "v2s:tasks:"
	consumerGroup = "workers"

	defaultBlock        = 5 * time.Second
	defaultBatch        = 16
	defaultClaimMinIdle = 60 * time.Second
	defaultReclaimEvery = 30 * time.Second
)

// StreamKey returns the stream for one capability.
func StreamKey(capability string) string {
	return streamPrefix + capability
}

// RedisBroker is the production Broker: one stream per capability, a shared
// consumer group, explicit acks, and periodic reclaim of entries left pending
// by crashed consumers.
type RedisBroker struct {
	client   *redis.Client
	consumer string

	block        time.Duration
	batch        int64
	claimMinIdle time.Duration
	reclaim      *rate.Limiter
	warnEvery    rate.Sometimes
}

// NewRedisBroker connects and verifies the server before returning. consumer
// names this daemon inside the consumer group; it must be stable for the
// process lifetime and unique across the fleet.
func NewRedisBroker(ctx context.Context, addr, consumer string) (*RedisBroker, error) {
	opts, err := redisOptions(addr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", model.ErrStoreUnavailable, addr, err)
	}
	return NewRedisBrokerWithClient(client, consumer), nil
}

// NewRedisBrokerWithClient wraps an existing client (tests, shared pools).
func NewRedisBrokerWithClient(client *redis.Client, consumer string) *RedisBroker {
	return &RedisBroker{
		client:       client,
		consumer:     consumer,
		block:        defaultBlock,
		batch:        defaultBatch,
		claimMinIdle: defaultClaimMinIdle,
		reclaim:      rate.NewLimiter(rate.Every(defaultReclaimEvery), 1),
		warnEvery:    rate.Sometimes{Interval: 10 * time.Second},
	}
}

func redisOptions(addr string) (*redis.Options, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	}, nil
}

func (b *RedisBroker) Dispatch(ctx context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	injectTrace(ctx, &task)
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(task.Node),
		Values: task.values(),
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: dispatch %s: %v", model.ErrStoreUnavailable, task.Node, err)
	}
	metrics.RecordTaskDispatched(task.Node)
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context, capability string, handler Handler) error {
	stream := StreamKey(capability)
	if err := b.ensureGroup(ctx, stream); err != nil {
		return err
	}
	logger := log.WithComponent("broker").With().
		Str("capability", capability).
		Str("consumer", b.consumer).
		Logger()
	logger.Info().Msg("consumer started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.reclaimPending(ctx, capability, stream, handler, logger)

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: b.consumer,
			Streams:  []string{stream, ">"},
			Count:    b.batch,
			Block:    b.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.warnEvery.Do(func() {
				logger.Warn().Err(err).Msg("stream read failed, backing off")
			})
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, str := range res {
			for _, msg := range str.Messages {
				b.deliver(ctx, capability, stream, msg, handler, logger)
			}
		}
	}
}

// ensureGroup creates the consumer group at the stream origin so entries
// dispatched before the first consumer appeared are still delivered.
func (b *RedisBroker) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group on %s: %v", model.ErrStoreUnavailable, stream, err)
	}
	return nil
}

func (b *RedisBroker) deliver(ctx context.Context, capability, stream string, msg redis.XMessage, handler Handler, logger zerolog.Logger) {
	task, err := taskFromValues(msg.Values)
	if err != nil {
		// A malformed payload never becomes parseable; ack it so it stops
		// cycling through reclaim.
		logger.Error().Err(err).Str("id", msg.ID).Msg("dropping malformed task")
		b.ack(ctx, capability, stream, msg.ID, logger)
		return
	}
	metrics.RecordTaskConsumed(capability)
	if err := handler(extractTrace(ctx, task), task); err != nil {
		logger.Warn().
			Err(err).
			Str("workflow_id", task.WorkflowID).
			Int("position", task.Position).
			Msg("task handler failed, leaving pending")
		return
	}
	b.ack(ctx, capability, stream, msg.ID, logger)
}

func (b *RedisBroker) ack(ctx context.Context, capability, stream, id string, logger zerolog.Logger) {
	if err := b.client.XAck(ctx, stream, consumerGroup, id).Err(); err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Str("id", id).Msg("ack failed, entry will be redelivered")
		}
		return
	}
	metrics.RecordTaskAcked(capability)
}

// reclaimPending takes over entries whose consumer stopped acking, paced so
// the scan does not compete with live reads.
func (b *RedisBroker) reclaimPending(ctx context.Context, capability, stream string, handler Handler, logger zerolog.Logger) {
	if !b.reclaim.Allow() {
		return
	}
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    consumerGroup,
			Consumer: b.consumer,
			MinIdle:  b.claimMinIdle,
			Start:    start,
			Count:    b.batch,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				b.warnEvery.Do(func() {
					logger.Warn().Err(err).Msg("pending reclaim failed")
				})
			}
			return
		}
		for _, msg := range msgs {
			metrics.RecordTaskReclaimed(capability)
			logger.Info().Str("id", msg.ID).Msg("reclaimed task from stalled consumer")
			b.deliver(ctx, capability, stream, msg, handler, logger)
		}
		if len(msgs) == 0 || next == "0-0" {
			return
		}
		start = next
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

var _ Broker = (*RedisBroker)(nil)
