// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

const sqliteSchemaVersion = 1

// SQLiteStore is the single-node durable ContextStore. WAL mode keeps
// concurrent workers on one host safe; cross-host deployments use Redis.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// _pragma in the DSN applies to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("context store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		workflow_id TEXT PRIMARY KEY,
		json TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_created ON workflows(created_at);

	CREATE TABLE IF NOT EXISTS stages (
		workflow_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		json TEXT NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (workflow_id, position)
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		json TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, wf model.WorkflowRecord, stages []model.StageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM workflows WHERE workflow_id = ?", wf.WorkflowID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, wf.WorkflowID)
	}

	wf.Version = 1
	wfJSON, err := json.Marshal(&wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO workflows (workflow_id, json, version, created_at) VALUES (?, ?, ?, ?)",
		wf.WorkflowID, string(wfJSON), wf.Version, wf.CreatedAtUnix); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}

	for i := range stages {
		stages[i].Version = 1
		raw, err := json.Marshal(&stages[i])
		if err != nil {
			return fmt.Errorf("marshal stage %d: %w", stages[i].Position, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO stages (workflow_id, position, json, version) VALUES (?, ?, ?, ?)",
			wf.WorkflowID, stages[i].Position, string(raw), stages[i].Version); err != nil {
			return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, workflowID string) (*model.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT json FROM workflows WHERE workflow_id = ?", workflowID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	snap := &model.Snapshot{}
	if err := json.Unmarshal([]byte(raw), &snap.Workflow); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT json FROM stages WHERE workflow_id = ? ORDER BY position", workflowID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var stageJSON string
		if err := rows.Scan(&stageJSON); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
		var rec model.StageRecord
		if err := json.Unmarshal([]byte(stageJSON), &rec); err != nil {
			return nil, fmt.Errorf("decode stage: %w", err)
		}
		snap.Stages = append(snap.Stages, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return snap, nil
}

func (s *SQLiteStore) UpdateStage(ctx context.Context, workflowID string, position int, fn func(*model.StageRecord) error) (*model.StageRecord, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		var raw string
		var version int64
		err := s.db.QueryRowContext(ctx,
			"SELECT json, version FROM stages WHERE workflow_id = ? AND position = ?",
			workflowID, position).Scan(&raw, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s stage %d", ErrNotFound, workflowID, position)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}

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

		res, err := s.db.ExecContext(ctx,
			"UPDATE stages SET json = ?, version = ? WHERE workflow_id = ? AND position = ? AND version = ?",
			string(newJSON), rec.Version, workflowID, position, version)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: stage %d of %s", ErrConflict, position, workflowID)
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, workflowID string, fn func(*model.WorkflowRecord) error) (*model.WorkflowRecord, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		var raw string
		var version int64
		err := s.db.QueryRowContext(ctx,
			"SELECT json, version FROM workflows WHERE workflow_id = ?", workflowID).Scan(&raw, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, workflowID)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}

		var wf model.WorkflowRecord
		if err := json.Unmarshal([]byte(raw), &wf); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		before := wf.Clone()
		if err := fn(&wf); err != nil {
			return nil, err
		}
		if err := model.CheckWorkflowPatch(&before, &wf); err != nil {
			return nil, err
		}
		wf.Version = version + 1
		newJSON, err := json.Marshal(&wf)
		if err != nil {
			return nil, fmt.Errorf("marshal workflow: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			"UPDATE workflows SET json = ?, version = ? WHERE workflow_id = ? AND version = ?",
			string(newJSON), wf.Version, workflowID, version)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return &wf, nil
		}
	}
	return nil, fmt.Errorf("%w: workflow %s", ErrConflict, workflowID)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*model.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT json FROM workflows ORDER BY created_at DESC, workflow_id LIMIT 100")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var list []*model.WorkflowRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
		}
		var wf model.WorkflowRecord
		if err := json.Unmarshal([]byte(raw), &wf); err != nil {
			continue
		}
		list = append(list, &wf)
	}
	return list, rows.Err()
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	raw, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO cache_entries (key, json, created_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET json = excluded.json, created_at = excluded.created_at`,
		entry.Key, string(raw), entry.CreatedAtUnix)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT json FROM cache_entries WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: cache entry %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	var entry model.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}
