// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

const keyPrefix = "v2s:"

const workflowIndexKey = keyPrefix + "wf:index"

func workflowKey(id string) string {
	return keyPrefix + "wf:" + id
}

func stageRecordKey(id string, position int) string {
	return fmt.Sprintf("%swf:%s:stage:%d", keyPrefix, id, position)
}

func cacheEntryKey(key string) string {
	return keyPrefix + "cache:" + key
}

// createWorkflow writes the workflow hash, all stage hashes and the index
// entry in one atomic step, guarded by an existence check on the workflow key.
//
// KEYS: [wf, stage_0..stage_n-1, index]
// ARGV: [wfJSON, stageJSON_0..stageJSON_n-1, createdAtScore, workflowID]
var createWorkflow = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local n = #KEYS - 2
redis.call('HSET', KEYS[1], 'json', ARGV[1], 'version', '1')
for i = 1, n do
  redis.call('HSET', KEYS[1 + i], 'json', ARGV[1 + i], 'version', '1')
end
redis.call('ZADD', KEYS[#KEYS], ARGV[n + 2], ARGV[n + 3])
return 1
`)

// casUpdate swaps a record hash's JSON iff the version token still matches.
// Returns -1 when the key is gone, 0 on a version mismatch, 1 on success.
var casUpdate = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -1
end
if v ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'json', ARGV[2], 'version', ARGV[3])
return 1
`)

// RedisStore is the production ContextStore: a Redis-compatible server gives
// every worker the same view within a network round trip.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the server before returning.
// addr accepts "host:port" or a redis:// URL.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
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
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client (tests, shared pools).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
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

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
}

func (r *RedisStore) Create(ctx context.Context, wf model.WorkflowRecord, stages []model.StageRecord) error {
	wf.Version = 1
	wfJSON, err := json.Marshal(&wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	keys := make([]string, 0, len(stages)+2)
	keys = append(keys, workflowKey(wf.WorkflowID))
	argv := make([]interface{}, 0, len(stages)+3)
	argv = append(argv, string(wfJSON))
	for i := range stages {
		stages[i].Version = 1
		raw, err := json.Marshal(&stages[i])
		if err != nil {
			return fmt.Errorf("marshal stage %d: %w", stages[i].Position, err)
		}
		keys = append(keys, stageRecordKey(wf.WorkflowID, stages[i].Position))
		argv = append(argv, string(raw))
	}
	keys = append(keys, workflowIndexKey)
	argv = append(argv, wf.CreatedAtUnix, wf.WorkflowID)

	created, err := createWorkflow.Run(ctx, r.client, keys, argv...).Int()
	if err != nil {
		return r.wrap(err)
	}
	if created == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, wf.WorkflowID)
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context, workflowID string) (*model.Snapshot, error) {
	wf, _, err := r.loadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{Workflow: *wf}
	if len(wf.StageChain) == 0 {
		return snap, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(wf.StageChain))
	for pos := range wf.StageChain {
		cmds = append(cmds, pipe.HGet(ctx, stageRecordKey(workflowID, pos), "json"))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, r.wrap(err)
	}
	snap.Stages = make([]model.StageRecord, 0, len(cmds))
	for pos, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %s stage %d", ErrNotFound, workflowID, pos)
		}
		var rec model.StageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode stage %d: %w", pos, err)
		}
		snap.Stages = append(snap.Stages, rec)
	}
	return snap, nil
}

func (r *RedisStore) loadWorkflow(ctx context.Context, workflowID string) (*model.WorkflowRecord, int64, error) {
	vals, err := r.client.HMGet(ctx, workflowKey(workflowID), "json", "version").Result()
	if err != nil {
		return nil, 0, r.wrap(err)
	}
	raw, _ := vals[0].(string)
	if raw == "" {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	var wf model.WorkflowRecord
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		return nil, 0, fmt.Errorf("decode workflow: %w", err)
	}
	version := parseVersion(vals[1])
	return &wf, version, nil
}

func parseVersion(v interface{}) int64 {
	s, _ := v.(string)
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (r *RedisStore) UpdateStage(ctx context.Context, workflowID string, position int, fn func(*model.StageRecord) error) (*model.StageRecord, error) {
	key := stageRecordKey(workflowID, position)
	for attempt := 0; attempt < casRetries; attempt++ {
		vals, err := r.client.HMGet(ctx, key, "json", "version").Result()
		if err != nil {
			return nil, r.wrap(err)
		}
		raw, _ := vals[0].(string)
		if raw == "" {
			return nil, fmt.Errorf("%w: %s stage %d", ErrNotFound, workflowID, position)
		}
		version := parseVersion(vals[1])

		var rec model.StageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode stage %d: %w", position, err)
		}
		before := rec.Clone()
		if err := fn(&rec); err != nil {
			return nil, err
		}
		if err := model.CheckStagePatch(&before, &rec); err != nil {
			return nil, err
		}
		rec.Version = version + 1
		newJSON, err := json.Marshal(&rec)
		if err != nil {
			return nil, fmt.Errorf("marshal stage %d: %w", position, err)
		}

		res, err := casUpdate.Run(ctx, r.client, []string{key},
			strconv.FormatInt(version, 10), string(newJSON), strconv.FormatInt(version+1, 10)).Int()
		if err != nil {
			return nil, r.wrap(err)
		}
		switch res {
		case 1:
			return &rec, nil
		case -1:
			return nil, fmt.Errorf("%w: %s stage %d", ErrNotFound, workflowID, position)
		}
		// Version moved underneath us: reload and retry.
	}
	return nil, fmt.Errorf("%w: stage %d of %s", ErrConflict, position, workflowID)
}

func (r *RedisStore) UpdateWorkflow(ctx context.Context, workflowID string, fn func(*model.WorkflowRecord) error) (*model.WorkflowRecord, error) {
	key := workflowKey(workflowID)
	for attempt := 0; attempt < casRetries; attempt++ {
		wf, version, err := r.loadWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		before := wf.Clone()
		if err := fn(wf); err != nil {
			return nil, err
		}
		if err := model.CheckWorkflowPatch(&before, wf); err != nil {
			return nil, err
		}
		wf.Version = version + 1
		newJSON, err := json.Marshal(wf)
		if err != nil {
			return nil, fmt.Errorf("marshal workflow: %w", err)
		}

		res, err := casUpdate.Run(ctx, r.client, []string{key},
			strconv.FormatInt(version, 10), string(newJSON), strconv.FormatInt(version+1, 10)).Int()
		if err != nil {
			return nil, r.wrap(err)
		}
		switch res {
		case 1:
			return wf, nil
		case -1:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
		}
	}
	return nil, fmt.Errorf("%w: workflow %s", ErrConflict, workflowID)
}

// List returns up to 100 most recently created workflows.
func (r *RedisStore) List(ctx context.Context) ([]*model.WorkflowRecord, error) {
	ids, err := r.client.ZRevRange(ctx, workflowIndexKey, 0, 99).Result()
	if err != nil {
		return nil, r.wrap(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGet(ctx, workflowKey(id), "json"))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, r.wrap(err)
	}
	list := make([]*model.WorkflowRecord, 0, len(cmds))
	for _, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			// Index can outlive a manually purged workflow; skip the hole.
			continue
		}
		var wf model.WorkflowRecord
		if err := json.Unmarshal([]byte(raw), &wf); err != nil {
			continue
		}
		list = append(list, &wf)
	}
	return list, nil
}

func (r *RedisStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	raw, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := r.client.Set(ctx, cacheEntryKey(entry.Key), raw, 0).Err(); err != nil {
		return r.wrap(err)
	}
	return nil
}

func (r *RedisStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	raw, err := r.client.Get(ctx, cacheEntryKey(key)).Result()
	if err != nil {
		return nil, r.wrap(err)
	}
	var entry model.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}
