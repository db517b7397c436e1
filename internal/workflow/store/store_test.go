// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vid2sub/internal/workflow/model"
)

var backendNames = []string{"memory", "redis", "sqlite", "badger"}

// openBackends starts one instance of every backend so each behavior is
// verified against all of them.
func openBackends(t *testing.T) map[string]ContextStore {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "context.db"))
	require.NoError(t, err)

	badgerStore, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)

	backends := map[string]ContextStore{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStoreWithClient(client),
		"sqlite": sqliteStore,
		"badger": badgerStore,
	}
	t.Cleanup(func() {
		for _, s := range backends {
			_ = s.Close()
		}
	})
	return backends
}

func testSpec() model.WorkflowSpec {
	return model.WorkflowSpec{
		Name: "subtitle-run",
		InputParams: map[string]any{
			"source_video": "/media/input/talk.mp4",
			"language":     "de",
		},
		Stages: []model.StageSpec{
			{Node: "extract_audio"},
			{Node: "transcribe", Params: map[string]any{"audio": "${extract_audio.audio_path}"}},
			{Node: "build_subtitles", Optional: true},
		},
	}
}

func seedWorkflow(t *testing.T, s ContextStore, id string, now time.Time) {
	t.Helper()
	wf, stages := model.NewWorkflow(id, testSpec(), "/srv/vid2sub", 3, now)
	require.NoError(t, s.Create(context.Background(), wf, stages))
}

func TestCreateAndLoad(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			now := time.Unix(1700000000, 0)

			seedWorkflow(t, s, "wf-1", now)

			// Duplicate ids are rejected, the original is untouched.
			wf, stages := model.NewWorkflow("wf-1", testSpec(), "/elsewhere", 3, now)
			err := s.Create(ctx, wf, stages)
			require.ErrorIs(t, err, ErrAlreadyExists)

			snap, err := s.Load(ctx, "wf-1")
			require.NoError(t, err)
			assert.Equal(t, "wf-1", snap.Workflow.WorkflowID)
			assert.Equal(t, model.WorkflowPending, snap.Workflow.Status)
			assert.Equal(t, "/srv/vid2sub", snap.Workflow.SharedStoragePath)
			assert.Equal(t, []string{"extract_audio", "transcribe", "build_subtitles"}, snap.Workflow.StageChain)
			require.Len(t, snap.Stages, 3)
			assert.Equal(t, model.StagePending, snap.Stages[0].Status)
			assert.Equal(t, 3, snap.Stages[1].MaxAttempts)
			assert.True(t, snap.Stages[2].Optional)

			_, err = s.Load(ctx, "no-such-workflow")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAcquireStage(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-acq", time.Now())

			rec, err := AcquireStage(ctx, s, "wf-acq", 0)
			require.NoError(t, err)
			assert.Equal(t, model.StageRunning, rec.Status)
			assert.Equal(t, 1, rec.Attempts)
			assert.NotZero(t, rec.StartedAtUnix)

			// A second claim while RUNNING loses.
			_, err = AcquireStage(ctx, s, "wf-acq", 0)
			require.ErrorIs(t, err, model.ErrAlreadyRunning)

			// Unknown positions and workflows are NotFound.
			_, err = AcquireStage(ctx, s, "wf-acq", 9)
			require.ErrorIs(t, err, ErrNotFound)
			_, err = AcquireStage(ctx, s, "nope", 0)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestAcquireStageRace(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-race", time.Now())

			const claimers = 8
			var wg sync.WaitGroup
			errs := make([]error, claimers)
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func(slot int) {
					defer wg.Done()
					_, errs[slot] = AcquireStage(ctx, s, "wf-race", 1)
				}(i)
			}
			wg.Wait()

			winners := 0
			for _, err := range errs {
				if err == nil {
					winners++
					continue
				}
				if !errors.Is(err, model.ErrAlreadyRunning) && !errors.Is(err, ErrConflict) {
					t.Fatalf("unexpected loser error: %v", err)
				}
			}
			assert.Equal(t, 1, winners, "exactly one claimer may win")

			snap, err := s.Load(ctx, "wf-race")
			require.NoError(t, err)
			assert.Equal(t, model.StageRunning, snap.Stages[1].Status)
			assert.Equal(t, 1, snap.Stages[1].Attempts)
		})
	}
}

func TestRecordOutputIdempotent(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-out", time.Now())

			_, err := AcquireStage(ctx, s, "wf-out", 0)
			require.NoError(t, err)

			output := map[string]any{"audio_path": "/srv/a.wav", "duration_s": 12.5}
			rec, err := RecordOutput(ctx, s, "wf-out", 0, output, 3*time.Second, false)
			require.NoError(t, err)
			assert.Equal(t, model.StageSuccess, rec.Status)
			assert.Equal(t, "/srv/a.wav", rec.Output["audio_path"])
			assert.False(t, rec.CacheHit)

			// Same payload again: no error, stage unchanged.
			again, err := RecordOutput(ctx, s, "wf-out", 0, map[string]any{"audio_path": "/srv/a.wav", "duration_s": 12.5}, 5*time.Second, false)
			require.NoError(t, err)
			assert.Equal(t, model.StageSuccess, again.Status)
			assert.Equal(t, rec.Output, again.Output)

			// A different payload is a real conflict.
			_, err = RecordOutput(ctx, s, "wf-out", 0, map[string]any{"audio_path": "/srv/b.wav"}, time.Second, false)
			require.ErrorIs(t, err, ErrConflict)

			// The stored output survived both replays.
			snap, err := s.Load(ctx, "wf-out")
			require.NoError(t, err)
			assert.Equal(t, "/srv/a.wav", snap.Stages[0].Output["audio_path"])
		})
	}
}

func TestRecordFailureRetryBudget(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-retry", time.Now())

			serr := model.NewStageError(model.KindTimeout, "gpu queue exhausted", "")

			// Attempts 1 and 2 fail retryable: back to PENDING.
			for want := 1; want <= 2; want++ {
				rec, err := AcquireStage(ctx, s, "wf-retry", 0)
				require.NoError(t, err)
				assert.Equal(t, want, rec.Attempts)

				rec, err = RecordFailure(ctx, s, "wf-retry", 0, serr, true)
				require.NoError(t, err)
				assert.Equal(t, model.StagePending, rec.Status, "budget remains after attempt %d", want)
				require.NotNil(t, rec.Error)
				assert.Equal(t, model.KindTimeout, rec.Error.Kind)
			}

			// Attempt 3 exhausts the budget.
			_, err := AcquireStage(ctx, s, "wf-retry", 0)
			require.NoError(t, err)
			rec, err := RecordFailure(ctx, s, "wf-retry", 0, serr, true)
			require.NoError(t, err)
			assert.Equal(t, model.StageFailed, rec.Status)
			assert.Equal(t, 3, rec.Attempts)
		})
	}
}

func TestRecordFailureNonRetryable(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-fatal", time.Now())

			_, err := AcquireStage(ctx, s, "wf-fatal", 0)
			require.NoError(t, err)

			serr := model.NewStageError(model.KindInvalidInput, "source_video missing", "")
			rec, err := RecordFailure(ctx, s, "wf-fatal", 0, serr, false)
			require.NoError(t, err)
			assert.Equal(t, model.StageFailed, rec.Status)
			assert.Equal(t, 1, rec.Attempts, "non-retryable failures do not re-enter the queue")
		})
	}
}

func TestGraftCachedOutput(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-graft", time.Now())

			output := map[string]any{"transcript_path": "/srv/t.json", "segment_count": float64(42)}
			rec, err := GraftCachedOutput(ctx, s, "wf-graft", 1, output)
			require.NoError(t, err)
			assert.Equal(t, model.StageSuccess, rec.Status)
			assert.True(t, rec.CacheHit)
			assert.Zero(t, rec.Attempts, "grafts consume no attempt")

			// Grafting a terminal stage replays, it does not overwrite.
			again, err := GraftCachedOutput(ctx, s, "wf-graft", 1, output)
			require.NoError(t, err)
			assert.Equal(t, rec.Output, again.Output)
		})
	}
}

func TestNoStatusRewind(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-rewind", time.Now())

			_, err := AcquireStage(ctx, s, "wf-rewind", 0)
			require.NoError(t, err)
			_, err = RecordOutput(ctx, s, "wf-rewind", 0, map[string]any{"audio_path": "/srv/a.wav"}, time.Second, false)
			require.NoError(t, err)

			// Any write that moves SUCCESS backwards is rejected.
			_, err = s.UpdateStage(ctx, "wf-rewind", 0, func(rec *model.StageRecord) error {
				rec.Status = model.StageRunning
				return nil
			})
			require.ErrorIs(t, err, ErrConflict)

			// So is editing a recorded output in place.
			_, err = s.UpdateStage(ctx, "wf-rewind", 0, func(rec *model.StageRecord) error {
				rec.Output["audio_path"] = "/srv/tampered.wav"
				return nil
			})
			require.ErrorIs(t, err, ErrConflict)

			snap, err := s.Load(ctx, "wf-rewind")
			require.NoError(t, err)
			assert.Equal(t, model.StageSuccess, snap.Stages[0].Status)
			assert.Equal(t, "/srv/a.wav", snap.Stages[0].Output["audio_path"])
		})
	}
}

func TestSkipStage(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-skip", time.Now())

			rec, err := SkipStage(ctx, s, "wf-skip", 2)
			require.NoError(t, err)
			assert.Equal(t, model.StageSkipped, rec.Status)

			// Skipping again is a replay.
			rec, err = SkipStage(ctx, s, "wf-skip", 2)
			require.NoError(t, err)
			assert.Equal(t, model.StageSkipped, rec.Status)
		})
	}
}

func TestRequestCancel(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-cancel", time.Now())

			require.NoError(t, RequestCancel(ctx, s, "wf-cancel"))
			require.NoError(t, RequestCancel(ctx, s, "wf-cancel"), "cancel is idempotent")

			snap, err := s.Load(ctx, "wf-cancel")
			require.NoError(t, err)
			assert.True(t, snap.Workflow.CancelRequested)

			require.ErrorIs(t, RequestCancel(ctx, s, "missing"), ErrNotFound)
		})
	}
}

func TestSetWorkflowStatus(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()
			seedWorkflow(t, s, "wf-status", time.Now())

			wf, err := SetWorkflowStatus(ctx, s, "wf-status", model.WorkflowRunning)
			require.NoError(t, err)
			assert.Equal(t, model.WorkflowRunning, wf.Status)

			// Replaying the same status is a no-op.
			wf, err = SetWorkflowStatus(ctx, s, "wf-status", model.WorkflowRunning)
			require.NoError(t, err)
			assert.Equal(t, model.WorkflowRunning, wf.Status)

			wf, err = SetWorkflowStatus(ctx, s, "wf-status", model.WorkflowSuccess)
			require.NoError(t, err)
			assert.Equal(t, model.WorkflowSuccess, wf.Status)
		})
	}
}

func TestCacheEntries(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]
			ctx := context.Background()

			entry := model.CacheEntry{
				Key:           "transcribe:ab12cd34",
				NodeName:      "transcribe",
				WorkflowID:    "wf-cache",
				Position:      1,
				Output:        map[string]any{"transcript_path": "/srv/t.json"},
				CreatedAtUnix: 1700000000,
			}
			require.NoError(t, s.PutCacheEntry(ctx, entry))

			got, err := s.GetCacheEntry(ctx, "transcribe:ab12cd34")
			require.NoError(t, err)
			assert.Equal(t, entry.NodeName, got.NodeName)
			assert.Equal(t, entry.Output, got.Output)

			_, err = s.GetCacheEntry(ctx, "transcribe:unknown")
			require.ErrorIs(t, err, ErrNotFound)

			// Upserts replace in place.
			entry.Output = map[string]any{"transcript_path": "/srv/t2.json"}
			require.NoError(t, s.PutCacheEntry(ctx, entry))
			got, err = s.GetCacheEntry(ctx, "transcribe:ab12cd34")
			require.NoError(t, err)
			assert.Equal(t, "/srv/t2.json", got.Output["transcript_path"])
		})
	}
}

func TestListNewestFirst(t *testing.T) {
	for _, name := range backendNames {
		t.Run(name, func(t *testing.T) {
			s := openBackends(t)[name]

			seedWorkflow(t, s, "wf-old", time.Unix(1700000000, 0))
			seedWorkflow(t, s, "wf-new", time.Unix(1700000600, 0))

			list, err := s.List(context.Background())
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "wf-new", list[0].WorkflowID)
			assert.Equal(t, "wf-old", list[1].WorkflowID)
		})
	}
}

func TestInstrumentedStoreDelegates(t *testing.T) {
	s := NewInstrumentedStore(NewMemoryStore(), "memory")
	ctx := context.Background()

	seedWorkflow(t, s, "wf-instr", time.Now())
	snap, err := s.Load(ctx, "wf-instr")
	require.NoError(t, err)
	assert.Equal(t, "wf-instr", snap.Workflow.WorkflowID)

	_, err = s.Load(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}

func TestOpenFactory(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := Open(ctx, "memory", "")
		require.NoError(t, err)
		require.NoError(t, s.Ping(ctx))
		_ = s.Close()
	})

	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "ctx.db"))
		require.NoError(t, err)
		require.NoError(t, s.Ping(ctx))
		_ = s.Close()
	})

	t.Run("sqlite requires path", func(t *testing.T) {
		_, err := Open(ctx, "sqlite", "")
		require.Error(t, err)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(ctx, "postgres", "")
		require.Error(t, err)
	})
}
