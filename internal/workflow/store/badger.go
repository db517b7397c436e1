// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

// BadgerStore is the embedded ContextStore for single-binary deployments
// without a Redis or SQLite dependency. Keys:
//   - workflows: "wf:<id>" (JSON)
//   - stages:    "stage:<id>:<position %06d>" (JSON)
//   - cache:     "cache:<key>" (JSON)
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open failed: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("%w: badger database closed", model.ErrStoreUnavailable)
	}
	return nil
}

func workflowBadgerKey(workflowID string) []byte {
	return []byte("wf:" + workflowID)
}

func stageBadgerKey(workflowID string, position int) []byte {
	return []byte(fmt.Sprintf("stage:%s:%06d", workflowID, position))
}

func cacheBadgerKey(key string) []byte {
	return []byte("cache:" + key)
}

func (s *BadgerStore) Create(ctx context.Context, wf model.WorkflowRecord, stages []model.StageRecord) error {
	wfKey := workflowBadgerKey(wf.WorkflowID)
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(wfKey); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, wf.WorkflowID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		wf.Version = 1
		buf, err := json.Marshal(&wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		if err := txn.Set(wfKey, buf); err != nil {
			return err
		}
		for i := range stages {
			stages[i].Version = 1
			raw, err := json.Marshal(&stages[i])
			if err != nil {
				return fmt.Errorf("marshal stage %d: %w", stages[i].Position, err)
			}
			if err := txn.Set(stageBadgerKey(wf.WorkflowID, stages[i].Position), raw); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapBadger(err)
}

func (s *BadgerStore) Load(ctx context.Context, workflowID string) (*model.Snapshot, error) {
	snap := &model.Snapshot{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(workflowBadgerKey(workflowID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap.Workflow)
		}); err != nil {
			return fmt.Errorf("decode workflow: %w", err)
		}

		prefix := []byte("stage:" + workflowID + ":")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec model.StageRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode stage: %w", err)
			}
			snap.Stages = append(snap.Stages, rec)
		}
		return nil
	})
	if err != nil {
		return nil, wrapBadger(err)
	}
	return snap, nil
}

func (s *BadgerStore) UpdateStage(ctx context.Context, workflowID string, position int, fn func(*model.StageRecord) error) (*model.StageRecord, error) {
	key := stageBadgerKey(workflowID, position)
	var out model.StageRecord
	var casErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		casErr = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s stage %d", ErrNotFound, workflowID, position)
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &out)
			}); err != nil {
				return fmt.Errorf("decode stage %d: %w", position, err)
			}
			before := out.Clone()
			if err := fn(&out); err != nil {
				return err
			}
			if err := model.CheckStagePatch(&before, &out); err != nil {
				return err
			}
			out.Version++
			buf, err := json.Marshal(&out)
			if err != nil {
				return fmt.Errorf("marshal stage %d: %w", position, err)
			}
			return txn.Set(key, buf)
		})
		if !errors.Is(casErr, badger.ErrConflict) {
			break
		}
	}
	if casErr != nil {
		return nil, wrapBadger(casErr)
	}
	return &out, nil
}

func (s *BadgerStore) UpdateWorkflow(ctx context.Context, workflowID string, fn func(*model.WorkflowRecord) error) (*model.WorkflowRecord, error) {
	key := workflowBadgerKey(workflowID)
	var out model.WorkflowRecord
	var casErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		casErr = s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, workflowID)
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &out)
			}); err != nil {
				return fmt.Errorf("decode workflow: %w", err)
			}
			before := out.Clone()
			if err := fn(&out); err != nil {
				return err
			}
			if err := model.CheckWorkflowPatch(&before, &out); err != nil {
				return err
			}
			out.Version++
			buf, err := json.Marshal(&out)
			if err != nil {
				return fmt.Errorf("marshal workflow: %w", err)
			}
			return txn.Set(key, buf)
		})
		if !errors.Is(casErr, badger.ErrConflict) {
			break
		}
	}
	if casErr != nil {
		return nil, wrapBadger(casErr)
	}
	return &out, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*model.WorkflowRecord, error) {
	var list []*model.WorkflowRecord
	prefix := []byte("wf:")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var wf model.WorkflowRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &wf)
			}); err != nil {
				continue
			}
			list = append(list, &wf)
		}
		return nil
	})
	if err != nil {
		return nil, wrapBadger(err)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAtUnix != list[j].CreatedAtUnix {
			return list[i].CreatedAtUnix > list[j].CreatedAtUnix
		}
		return list[i].WorkflowID < list[j].WorkflowID
	})
	if len(list) > 100 {
		list = list[:100]
	}
	return list, nil
}

func (s *BadgerStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	buf, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheBadgerKey(entry.Key), buf)
	})
	return wrapBadger(err)
}

func (s *BadgerStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var entry model.CacheEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheBadgerKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: cache entry %s", ErrNotFound, key)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, wrapBadger(err)
	}
	return &entry, nil
}

// wrapBadger converts raw badger failures to StoreUnavailable while passing
// through sentinel and domain errors produced inside the transaction closures.
func wrapBadger(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrConflict) ||
		errors.Is(err, model.ErrAlreadyRunning) || errors.Is(err, model.ErrIdempotentReplay) {
		return err
	}
	var se *model.StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, badger.ErrDBClosed) || errors.Is(err, badger.ErrBlockedWrites) {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return err
}
