// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/vid2sub/internal/inference"
	"github.com/ManuGH/vid2sub/internal/workflow/broker"
	"github.com/ManuGH/vid2sub/internal/workflow/cache"
	"github.com/ManuGH/vid2sub/internal/workflow/executor"
	"github.com/ManuGH/vid2sub/internal/workflow/model"
	"github.com/ManuGH/vid2sub/internal/workflow/node"
	"github.com/ManuGH/vid2sub/internal/workflow/store"
)

type stubNode struct {
	name           string
	cacheFields    []string
	requiredFields []string
	run            func(ctx context.Context, req node.Request) (map[string]any, error)
	runCalls       atomic.Int32
}

func (n *stubNode) Name() string                   { return n.name }
func (n *stubNode) CacheKeyFields() []string       { return n.cacheFields }
func (n *stubNode) RequiredOutputFields() []string { return n.requiredFields }

func (n *stubNode) Validate(_ context.Context, _ node.Request) error { return nil }

func (n *stubNode) Run(ctx context.Context, req node.Request) (map[string]any, error) {
	n.runCalls.Add(1)
	if n.run != nil {
		return n.run(ctx, req)
	}
	return map[string]any{}, nil
}

type retryableNode struct {
	stubNode
	childKinds []string
}

func (n *retryableNode) RetryableChildKinds() []string { return n.childKinds }

type fixture struct {
	sched *Scheduler
	store *store.MemoryStore
	brk   *broker.MemoryBroker
	reg   *node.Registry
	exec  *executor.Executor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	brk := broker.NewMemoryBroker()
	t.Cleanup(func() {
		_ = brk.Close()
		_ = st.Close()
	})
	reg := node.NewRegistry()
	return &fixture{
		sched: &Scheduler{
			Store:           st,
			Broker:          brk,
			Registry:        reg,
			DeadlineDefault: 5 * time.Second,
			PollInterval:    5 * time.Millisecond,
			AwaitGrace:      time.Second,
			RetryBackoff:    5 * time.Millisecond,
		},
		store: st,
		brk:   brk,
		reg:   reg,
		exec: &executor.Executor{
			Store:           st,
			Registry:        reg,
			DeadlineDefault: 5 * time.Second,
			CancelPoll:      10 * time.Millisecond,
		},
	}
}

// create persists a workflow the way Submit would, rooted under root.
func (f *fixture) create(t *testing.T, workflowID, root string, input map[string]any, stages ...model.StageSpec) string {
	t.Helper()
	spec := model.WorkflowSpec{WorkflowID: workflowID, InputParams: input, Stages: stages}
	require.NoError(t, spec.Validate())
	storagePath := node.WorkflowStoragePath(root, workflowID)
	wf, recs := model.NewWorkflow(workflowID, spec, storagePath, 0, time.Now())
	require.NoError(t, f.store.Create(context.Background(), wf, recs))
	return storagePath
}

// startWorkers launches one broker consumer per capability, each running
// stage tasks through the executor the way a worker daemon does. Handlers
// always ack: the executor records outcomes in the store and the scheduler
// decides about redispatch.
func (f *fixture) startWorkers(t *testing.T, capabilities ...string) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, capability := range capabilities {
		wg.Add(1)
		go func(capability string) {
			defer wg.Done()
			_ = f.brk.Consume(ctx, capability, func(ctx context.Context, task broker.Task) error {
				_, _ = f.exec.Execute(ctx, task.WorkflowID, task.Position)
				return nil
			})
		}(capability)
	}
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestDriveRunsChainToSuccess(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	extract := &stubNode{
		name:           "ffmpeg.extract_audio",
		requiredFields: []string{"audio_path"},
		run: func(_ context.Context, req node.Request) (map[string]any, error) {
			return map[string]any{"audio_path": req.DataDir + "/audio.wav"}, nil
		},
	}
	transcribe := &stubNode{
		name:           "whisper.transcribe",
		requiredFields: []string{"transcript"},
		run: func(_ context.Context, req node.Request) (map[string]any, error) {
			return map[string]any{"transcript": "hello", "source": req.Params["audio"]}, nil
		},
	}
	require.NoError(t, f.reg.Register(extract))
	require.NoError(t, f.reg.Register(transcribe))

	storagePath := f.create(t, "wf-chain", t.TempDir(), map[string]any{"video": "/media/in.mkv"},
		model.StageSpec{Node: "ffmpeg.extract_audio", Params: map[string]any{"source": "${input_params.video}"}},
		model.StageSpec{Node: "whisper.transcribe", Params: map[string]any{"audio": "${ffmpeg.extract_audio.audio_path}"}},
	)
	stop := f.startWorkers(t, "ffmpeg.extract_audio", "whisper.transcribe")

	snap, err := f.sched.Drive(context.Background(), "wf-chain")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
	for _, st := range snap.Stages {
		assert.Equal(t, model.StageSuccess, st.Status)
		assert.Equal(t, 1, st.Attempts)
	}
	assert.Equal(t, "hello", snap.Stages[1].Output["transcript"])
	assert.EqualValues(t, 1, extract.runCalls.Load())
	assert.EqualValues(t, 1, transcribe.runCalls.Load())

	raw, err := os.ReadFile(node.ContextDumpPath(storagePath))
	require.NoError(t, err)
	var dumped model.Snapshot
	require.NoError(t, json.Unmarshal(raw, &dumped))
	assert.Equal(t, model.WorkflowSuccess, dumped.Workflow.Status)
	assert.Len(t, dumped.Stages, 2)

	stop()
}

func TestDriveGraftsCachedStage(t *testing.T) {
	f := newFixture(t)
	transcribe := &stubNode{
		name:           "transcribe",
		cacheFields:    []string{"audio"},
		requiredFields: []string{"transcript"},
	}
	require.NoError(t, f.reg.Register(transcribe))

	f.create(t, "wf-graft", t.TempDir(), map[string]any{"audio": "/media/audio.wav"},
		model.StageSpec{Node: "transcribe", Params: map[string]any{"audio": "${input_params.audio}"}, DeadlineSec: 1},
	)

	resolved := map[string]any{"audio": "/media/audio.wav"}
	key, ok := cache.Key("transcribe", resolved, transcribe.cacheFields)
	require.True(t, ok)
	require.NoError(t, f.store.PutCacheEntry(context.Background(), model.CacheEntry{
		Key:           key,
		NodeName:      "transcribe",
		WorkflowID:    "wf-earlier",
		Position:      0,
		Output:        map[string]any{"transcript": "cached text"},
		CreatedAtUnix: time.Now().Unix(),
	}))

	// No workers are running; the graft must settle the stage on its own.
	snap, err := f.sched.Drive(context.Background(), "wf-graft")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
	rec := snap.Stage(0)
	require.NotNil(t, rec)
	assert.Equal(t, model.StageSuccess, rec.Status)
	assert.True(t, rec.CacheHit)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, "cached text", rec.Output["transcript"])
	assert.Equal(t, resolved, rec.Input)
	assert.Zero(t, transcribe.runCalls.Load())
}

func TestDriveCacheDisabledDispatches(t *testing.T) {
	f := newFixture(t)
	f.sched.CacheEnabled = func() bool { return false }
	f.exec.CacheEnabled = func() bool { return false }
	transcribe := &stubNode{
		name:           "transcribe",
		cacheFields:    []string{"audio"},
		requiredFields: []string{"transcript"},
		run: func(_ context.Context, _ node.Request) (map[string]any, error) {
			return map[string]any{"transcript": "fresh"}, nil
		},
	}
	require.NoError(t, f.reg.Register(transcribe))

	f.create(t, "wf-nocache", t.TempDir(), map[string]any{"audio": "/media/audio.wav"},
		model.StageSpec{Node: "transcribe", Params: map[string]any{"audio": "${input_params.audio}"}},
	)
	key, ok := cache.Key("transcribe", map[string]any{"audio": "/media/audio.wav"}, transcribe.cacheFields)
	require.True(t, ok)
	require.NoError(t, f.store.PutCacheEntry(context.Background(), model.CacheEntry{
		Key:      key,
		NodeName: "transcribe",
		Output:   map[string]any{"transcript": "stale"},
	}))
	f.startWorkers(t, "transcribe")

	snap, err := f.sched.Drive(context.Background(), "wf-nocache")
	require.NoError(t, err)
	rec := snap.Stage(0)
	assert.Equal(t, model.StageSuccess, rec.Status)
	assert.False(t, rec.CacheHit)
	assert.Equal(t, "fresh", rec.Output["transcript"])
	assert.EqualValues(t, 1, transcribe.runCalls.Load())
}

func TestDriveSkipsOptionalFailedStage(t *testing.T) {
	f := newFixture(t)
	extract := &stubNode{
		name:           "extract",
		requiredFields: []string{"audio_path"},
		run: func(_ context.Context, _ node.Request) (map[string]any, error) {
			return map[string]any{"audio_path": "/a.wav"}, nil
		},
	}
	diarize := &stubNode{
		name: "diarize",
		run: func(_ context.Context, _ node.Request) (map[string]any, error) {
			return nil, errors.New("model load failed")
		},
	}
	subtitle := &stubNode{
		name:           "subtitle",
		requiredFields: []string{"srt_path"},
		run: func(_ context.Context, req node.Request) (map[string]any, error) {
			return map[string]any{"srt_path": "/out.srt", "from": req.Params["audio"]}, nil
		},
	}
	require.NoError(t, f.reg.Register(extract))
	require.NoError(t, f.reg.Register(diarize))
	require.NoError(t, f.reg.Register(subtitle))

	f.create(t, "wf-optional", t.TempDir(), nil,
		model.StageSpec{Node: "extract"},
		model.StageSpec{Node: "diarize", Optional: true},
		model.StageSpec{Node: "subtitle", Params: map[string]any{"audio": "${extract.audio_path}"}},
	)
	f.startWorkers(t, "extract", "diarize", "subtitle")

	snap, err := f.sched.Drive(context.Background(), "wf-optional")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
	assert.Equal(t, model.StageSuccess, snap.Stage(0).Status)

	skipped := snap.Stage(1)
	assert.Equal(t, model.StageSkipped, skipped.Status)
	assert.Equal(t, 1, skipped.Attempts)
	require.NotNil(t, skipped.Error)
	assert.Equal(t, model.KindInferenceFailed, skipped.Error.Kind)

	assert.Equal(t, model.StageSuccess, snap.Stage(2).Status)
	assert.Equal(t, "/a.wav", snap.Stage(2).Output["from"])
}

func TestDriveFailsWorkflowOnTerminalStageFailure(t *testing.T) {
	f := newFixture(t)
	extract := &stubNode{
		name: "extract",
		run: func(_ context.Context, _ node.Request) (map[string]any, error) {
			return nil, errors.New("no audio track")
		},
	}
	transcribe := &stubNode{name: "transcribe"}
	require.NoError(t, f.reg.Register(extract))
	require.NoError(t, f.reg.Register(transcribe))

	storagePath := f.create(t, "wf-fail", t.TempDir(), nil,
		model.StageSpec{Node: "extract"},
		model.StageSpec{Node: "transcribe"},
	)
	f.startWorkers(t, "extract", "transcribe")

	snap, err := f.sched.Drive(context.Background(), "wf-fail")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, snap.Workflow.Status)

	failed := snap.FirstFailed()
	require.NotNil(t, failed)
	assert.Equal(t, "extract", failed.Name)
	require.NotNil(t, failed.Error)
	assert.Equal(t, model.KindInferenceFailed, failed.Error.Kind)
	assert.Contains(t, failed.Error.Message, "no audio track")

	// The tail was never reached and stays PENDING.
	assert.Equal(t, model.StagePending, snap.Stage(1).Status)
	assert.Zero(t, transcribe.runCalls.Load())

	raw, err := os.ReadFile(node.ContextDumpPath(storagePath))
	require.NoError(t, err)
	var dumped model.Snapshot
	require.NoError(t, json.Unmarshal(raw, &dumped))
	assert.Equal(t, model.WorkflowFailed, dumped.Workflow.Status)
}

func TestDriveRetriesRetryableFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	transcribe := &retryableNode{
		stubNode:   stubNode{name: "transcribe", requiredFields: []string{"transcript"}},
		childKinds: []string{"cuda_oom"},
	}
	transcribe.run = func(_ context.Context, _ node.Request) (map[string]any, error) {
		if transcribe.runCalls.Load() == 1 {
			return nil, &inference.ChildError{Kind: "cuda_oom", Message: "out of device memory"}
		}
		return map[string]any{"transcript": "second time lucky"}, nil
	}
	require.NoError(t, f.reg.Register(transcribe))

	f.create(t, "wf-retry", t.TempDir(), nil, model.StageSpec{Node: "transcribe"})
	stop := f.startWorkers(t, "transcribe")

	snap, err := f.sched.Drive(context.Background(), "wf-retry")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
	rec := snap.Stage(0)
	assert.Equal(t, model.StageSuccess, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Nil(t, rec.Error)
	assert.EqualValues(t, 2, transcribe.runCalls.Load())

	stop()
}

func TestDriveTimeoutExhaustsBudget(t *testing.T) {
	f := newFixture(t)
	f.sched.DeadlineDefault = 30 * time.Millisecond
	f.sched.AwaitGrace = 20 * time.Millisecond
	f.sched.RetryBackoff = time.Millisecond
	transcribe := &stubNode{name: "transcribe"}
	require.NoError(t, f.reg.Register(transcribe))

	// No worker consumes the capability; every dispatch times out.
	f.create(t, "wf-timeout", t.TempDir(), nil,
		model.StageSpec{Node: "transcribe", MaxAttempts: 2},
	)

	snap, err := f.sched.Drive(context.Background(), "wf-timeout")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, snap.Workflow.Status)
	rec := snap.Stage(0)
	assert.Equal(t, model.StageFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	require.NotNil(t, rec.Error)
	assert.Equal(t, model.KindTimeout, rec.Error.Kind)
	assert.Contains(t, rec.Error.Message, "no terminal stage record")
	assert.Zero(t, transcribe.runCalls.Load())
}

func TestDriveCancelBeforeStartSkipsEverything(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register(&stubNode{name: "extract"}))
	require.NoError(t, f.reg.Register(&stubNode{name: "transcribe"}))

	f.create(t, "wf-precancel", t.TempDir(), nil,
		model.StageSpec{Node: "extract"},
		model.StageSpec{Node: "transcribe"},
	)
	require.NoError(t, store.RequestCancel(context.Background(), f.store, "wf-precancel"))

	snap, err := f.sched.Drive(context.Background(), "wf-precancel")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCancelled, snap.Workflow.Status)
	for _, st := range snap.Stages {
		assert.Equal(t, model.StageSkipped, st.Status)
		assert.Equal(t, 0, st.Attempts)
	}
}

func TestDriveCancelMidChainSkipsRemaining(t *testing.T) {
	f := newFixture(t)
	extract := &stubNode{
		name:           "extract",
		requiredFields: []string{"audio_path"},
	}
	extract.run = func(ctx context.Context, req node.Request) (map[string]any, error) {
		// The user cancels while the first stage is still running.
		if err := store.RequestCancel(ctx, f.store, req.WorkflowID); err != nil {
			return nil, err
		}
		return map[string]any{"audio_path": "/a.wav"}, nil
	}
	transcribe := &stubNode{name: "transcribe"}
	require.NoError(t, f.reg.Register(extract))
	require.NoError(t, f.reg.Register(transcribe))

	f.create(t, "wf-cancel", t.TempDir(), nil,
		model.StageSpec{Node: "extract"},
		model.StageSpec{Node: "transcribe"},
	)
	f.startWorkers(t, "extract", "transcribe")

	snap, err := f.sched.Drive(context.Background(), "wf-cancel")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowCancelled, snap.Workflow.Status)
	assert.Equal(t, model.StageSuccess, snap.Stage(0).Status)
	assert.Equal(t, model.StageSkipped, snap.Stage(1).Status)
	assert.Zero(t, transcribe.runCalls.Load())
}

func TestDriveCancelWhileAwaitingUnclaimedStage(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	require.NoError(t, f.reg.Register(&stubNode{name: "transcribe"}))
	f.create(t, "wf-await-cancel", t.TempDir(), nil, model.StageSpec{Node: "transcribe"})

	type result struct {
		snap *model.Snapshot
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		snap, err := f.sched.Drive(context.Background(), "wf-await-cancel")
		resCh <- result{snap, err}
	}()

	// Wait for the dispatch, then cancel while nobody claims the stage.
	require.Eventually(t, func() bool {
		snap, err := f.store.Load(context.Background(), "wf-await-cancel")
		return err == nil && snap.Workflow.Status == model.WorkflowRunning
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, store.RequestCancel(context.Background(), f.store, "wf-await-cancel"))

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, model.WorkflowCancelled, res.snap.Workflow.Status)
		rec := res.snap.Stage(0)
		assert.Equal(t, model.StageSkipped, rec.Status)
		assert.Equal(t, 0, rec.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("drive did not observe the cancellation")
	}
}

func TestDriveTerminalWorkflowIsNoOp(t *testing.T) {
	f := newFixture(t)
	transcribe := &stubNode{
		name:           "transcribe",
		requiredFields: []string{"transcript"},
		run: func(_ context.Context, _ node.Request) (map[string]any, error) {
			return map[string]any{"transcript": "done"}, nil
		},
	}
	require.NoError(t, f.reg.Register(transcribe))

	f.create(t, "wf-dup", t.TempDir(), nil, model.StageSpec{Node: "transcribe"})
	stop := f.startWorkers(t, "transcribe")

	snap, err := f.sched.Drive(context.Background(), "wf-dup")
	require.NoError(t, err)
	require.Equal(t, model.WorkflowSuccess, snap.Workflow.Status)
	stop()

	// A duplicate workflow.run delivery finds the terminal record and walks
	// away without touching anything.
	again, err := f.sched.Drive(context.Background(), "wf-dup")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowSuccess, again.Workflow.Status)
	assert.EqualValues(t, 1, transcribe.runCalls.Load())
}

func TestDriveUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	_, err := f.sched.Drive(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleAcksUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	err := f.sched.Handle(context.Background(), broker.Task{
		Node:       broker.RunWorkflowCapability,
		WorkflowID: "ghost",
	})
	assert.NoError(t, err)
}

func TestSubmitRejectsInvalidSpecs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := Submit(ctx, f.store, f.brk, model.WorkflowSpec{WorkflowID: "wf-empty"}, "/srv/vid2sub", 0)
	assert.ErrorContains(t, err, "no stages")

	_, err = Submit(ctx, f.store, f.brk, model.WorkflowSpec{
		WorkflowID: "../escape",
		Stages:     []model.StageSpec{{Node: "transcribe"}},
	}, "/srv/vid2sub", 0)
	assert.ErrorContains(t, err, "workflow id")
}

func TestSubmitThenRunDrivesWorkflow(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	transcribe := &stubNode{
		name:           "transcribe",
		requiredFields: []string{"transcript"},
		run: func(_ context.Context, _ node.Request) (map[string]any, error) {
			return map[string]any{"transcript": "end to end"}, nil
		},
	}
	require.NoError(t, f.reg.Register(transcribe))
	stop := f.startWorkers(t, "transcribe")

	runCtx, cancelRun := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.sched.Run(runCtx) }()

	wf, err := Submit(context.Background(), f.store, f.brk, model.WorkflowSpec{
		Name:        "smoke",
		WorkflowID:  "wf-submit",
		InputParams: map[string]any{"video": "/media/in.mkv"},
		Stages:      []model.StageSpec{{Node: "transcribe"}},
	}, t.TempDir(), 0)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowPending, wf.Status)

	require.Eventually(t, func() bool {
		snap, lerr := f.store.Load(context.Background(), "wf-submit")
		return lerr == nil && snap.Workflow.Status == model.WorkflowSuccess
	}, 5*time.Second, 10*time.Millisecond)

	// Redelivering workflow.run is harmless once the run is terminal.
	require.NoError(t, f.brk.Dispatch(context.Background(), broker.Task{
		Node:       broker.RunWorkflowCapability,
		WorkflowID: "wf-submit",
	}))
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, transcribe.runCalls.Load())

	cancelRun()
	require.ErrorIs(t, <-errCh, context.Canceled)
	stop()
}
