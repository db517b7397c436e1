// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package gpu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

const keyPrefix = "v2s:gpu:"

func slotKey(device int) string {
	return fmt.Sprintf("%sslot:%d", keyPrefix, device)
}

func genKey(device int) string {
	return fmt.Sprintf("%sgen:%d", keyPrefix, device)
}

// acquireSlot claims the slot iff it does not exist. Expired slots vanish
// through their TTL, so an existing key is always a valid lease. The
// generation counter is a separate non-expiring key, which keeps it
// strictly increasing across takeovers.
//
// KEYS: [slot, generation counter]
// ARGV: [holder, ttl_ms]
var acquireSlot = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {0, 0}
end
local gen = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'generation', gen)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {1, gen}
`)

// renewSlot extends the TTL iff holder and generation still match.
// Returns 1 renewed, 0 slot gone, -1 superseded.
//
// KEYS: [slot]
// ARGV: [holder, generation, ttl_ms]
var renewSlot = redis.NewScript(`
local h = redis.call('HGET', KEYS[1], 'holder')
if not h then
  return 0
end
local g = redis.call('HGET', KEYS[1], 'generation')
if h ~= ARGV[1] or g ~= ARGV[2] then
  return -1
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// releaseSlot deletes the slot iff holder and generation match. A missing
// slot is already free. Returns 1 released-or-free, 0 held by another.
//
// KEYS: [slot]
// ARGV: [holder, generation]
var releaseSlot = redis.NewScript(`
local h = redis.call('HGET', KEYS[1], 'holder')
if not h then
  return 1
end
local g = redis.call('HGET', KEYS[1], 'generation')
if h == ARGV[1] and g == ARGV[2] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisArbiter is the production arbiter: slot writes are Lua scripts, so
// the single-writer invariant holds across every worker in the cluster.
type RedisArbiter struct {
	client *redis.Client
}

// NewRedisArbiter connects and verifies the server before returning.
// addr accepts "host:port" or a redis:// URL.
func NewRedisArbiter(ctx context.Context, addr string) (*RedisArbiter, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:         addr,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     10,
			MinIdleConns: 2,
		}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", model.ErrStoreUnavailable, addr, err)
	}
	return &RedisArbiter{client: client}, nil
}

// NewRedisArbiterWithClient wraps an existing client (tests, shared pools).
func NewRedisArbiterWithClient(client *redis.Client) *RedisArbiter {
	return &RedisArbiter{client: client}
}

func (r *RedisArbiter) TryAcquire(ctx context.Context, device int, holder string, ttl time.Duration) (*Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("invalid lease ttl %s", ttl)
	}
	if holder == "" {
		return nil, false, fmt.Errorf("empty holder id")
	}

	now := time.Now()
	res, err := acquireSlot.Run(ctx, r.client,
		[]string{slotKey(device), genKey(device)},
		holder, ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, false, r.wrap(err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("%w: unexpected acquire reply %v", model.ErrStoreUnavailable, res)
	}
	won, _ := res[0].(int64)
	if won != 1 {
		return nil, false, nil
	}
	gen, _ := res[1].(int64)

	return &Lease{
		Device:     device,
		Holder:     holder,
		Generation: gen,
		TTL:        ttl,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}, true, nil
}

func (r *RedisArbiter) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	now := time.Now()
	res, err := renewSlot.Run(ctx, r.client,
		[]string{slotKey(lease.Device)},
		lease.Holder, strconv.FormatInt(lease.Generation, 10), lease.TTL.Milliseconds()).Int64()
	if err != nil {
		return nil, r.wrap(err)
	}
	switch res {
	case 1:
		renewed := *lease
		renewed.ExpiresAt = now.Add(lease.TTL)
		return &renewed, nil
	case 0:
		return nil, model.NewStageError(model.KindLeaseLost,
			fmt.Sprintf("device %d: slot expired", lease.Device), nil)
	default:
		return nil, model.NewStageError(model.KindLeaseLost,
			fmt.Sprintf("device %d: lease generation %d superseded", lease.Device, lease.Generation), nil)
	}
}

func (r *RedisArbiter) Release(ctx context.Context, lease *Lease) error {
	res, err := releaseSlot.Run(ctx, r.client,
		[]string{slotKey(lease.Device)},
		lease.Holder, strconv.FormatInt(lease.Generation, 10)).Int64()
	if err != nil {
		return r.wrap(err)
	}
	if res != 1 {
		return model.NewStageError(model.KindLeaseLost,
			fmt.Sprintf("device %d: held by another lease", lease.Device), nil)
	}
	return nil
}

// Sweep is a no-op on redis: expired slots are reaped by the server's own
// key expiry the moment their TTL lapses.
func (r *RedisArbiter) Sweep(ctx context.Context) (int, error) {
	return 0, ctx.Err()
}

func (r *RedisArbiter) Close() error {
	return r.client.Close()
}

func (r *RedisArbiter) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
}
