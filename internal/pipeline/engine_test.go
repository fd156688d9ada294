// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

// fakeHandler scripts one step type for engine tests.
type fakeHandler struct {
	BaseHandler
	validate func(map[string]any) error
	execute  func(ctx context.Context, pctx *model.Context, cfg map[string]any, progress ProgressFunc) (*StepOutput, error)
}

func (f *fakeHandler) ValidateConfig(cfg map[string]any) error {
	if f.validate != nil {
		return f.validate(cfg)
	}
	return nil
}

func (f *fakeHandler) Execute(ctx context.Context, pctx *model.Context, cfg map[string]any, progress ProgressFunc) (*StepOutput, error) {
	return f.execute(ctx, pctx, cfg, progress)
}

// runCounter tracks how many times each step name executed.
type runCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRunCounter() *runCounter {
	return &runCounter{counts: map[string]int{}}
}

func (rc *runCounter) bump(name string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.counts[name]++
}

func (rc *runCounter) get(name string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.counts[name]
}

type engineFixture struct {
	engine *Engine
	store  store.StateStore
	reg    *Registry
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	st := store.NewMemoryStore()
	reg := NewRegistry()
	eng := NewEngine(context.Background(), st, reg)
	return &engineFixture{engine: eng, store: st, reg: reg}
}

func (fx *engineFixture) seed(t *testing.T, steps []model.Step) (requestID, templateID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.store.PutRequest(ctx, &model.Request{
		ID: "req-1", Kind: model.MediaMovie, TMDBID: 1, Title: "Arrival", Year: 2016,
		Targets: []string{"library"}, Status: model.RequestPending,
		CreatedAtUnix: time.Now().Unix(),
	}))
	require.NoError(t, fx.store.PutTemplate(ctx, &model.Template{
		ID: "tpl-1", Name: "t", MediaKind: model.MediaMovie, Steps: steps,
	}))
	return "req-1", "tpl-1"
}

func stepsByName(t *testing.T, st store.StateStore, execID string) map[string]*model.StepExecution {
	t.Helper()
	rows, err := st.ListStepExecutions(context.Background(), execID)
	require.NoError(t, err)
	out := make(map[string]*model.StepExecution, len(rows))
	for _, row := range rows {
		out[row.Name] = row
	}
	return out
}

func TestSequentialChainCompletes(t *testing.T) {
	fx := newEngineFixture(t)
	counter := newRunCounter()
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(_ context.Context, _ *model.Context, cfg map[string]any, progress ProgressFunc) (*StepOutput, error) {
			counter.bump(cfg["name"].(string))
			progress(50)
			return &StepOutput{Success: true}, nil
		}}
	})

	steps := []model.Step{{
		Type: model.StepNotification, Name: "a", Required: true,
		Config: map[string]any{"name": "a"},
		Children: []model.Step{{
			Type: model.StepNotification, Name: "b", Required: true,
			Config: map[string]any{"name": "b"},
		}},
	}}
	reqID, tplID := fx.seed(t, steps)

	exec, err := fx.engine.StartExecution(context.Background(), reqID, tplID)
	require.NoError(t, err)
	fx.engine.Wait()

	got, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.NotZero(t, got.CompletedAtUnix)

	rows := stepsByName(t, fx.store, exec.ID)
	assert.Equal(t, model.StepCompleted, rows["a"].Status)
	assert.Equal(t, model.StepCompleted, rows["b"].Status)
	assert.Equal(t, 1, counter.get("a"))
	assert.Equal(t, 1, counter.get("b"))
}

// S4: parallel branches, optional one fails, execution still completes.
func TestParallelOptionalFailure(t *testing.T) {
	fx := newEngineFixture(t)
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(_ context.Context, _ *model.Context, cfg map[string]any, _ ProgressFunc) (*StepOutput, error) {
			if cfg["fail"] == true {
				return &StepOutput{Success: false, Error: "boom"}, nil
			}
			return &StepOutput{Success: true}, nil
		}}
	})

	steps := []model.Step{{
		Type: model.StepNotification, Name: "root", Required: true,
		Children: []model.Step{
			{Type: model.StepNotification, Name: "A", Required: true},
			{Type: model.StepNotification, Name: "B", Required: false, Config: map[string]any{"fail": true}},
		},
	}}
	reqID, tplID := fx.seed(t, steps)

	exec, err := fx.engine.StartExecution(context.Background(), reqID, tplID)
	require.NoError(t, err)
	fx.engine.Wait()

	got, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)

	rows := stepsByName(t, fx.store, exec.ID)
	assert.Equal(t, model.StepCompleted, rows["A"].Status)
	assert.Equal(t, model.StepFailed, rows["B"].Status)
	assert.Equal(t, "boom", rows["B"].Error)
}

func TestRequiredFailureFailsExecution(t *testing.T) {
	fx := newEngineFixture(t)
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(_ context.Context, _ *model.Context, _ map[string]any, _ ProgressFunc) (*StepOutput, error) {
			return &StepOutput{Success: false, Error: "no release"}, nil
		}}
	})

	reqID, tplID := fx.seed(t, []model.Step{{
		Type: model.StepNotification, Name: "a", Required: true,
		Children: []model.Step{{Type: model.StepNotification, Name: "never"}},
	}})

	exec, err := fx.engine.StartExecution(context.Background(), reqID, tplID)
	require.NoError(t, err)
	fx.engine.Wait()

	got, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)
	assert.Contains(t, got.Error, "no release")

	rows := stepsByName(t, fx.store, exec.ID)
	assert.Equal(t, model.StepFailed, rows["a"].Status)
	assert.Equal(t, model.StepPending, rows["never"].Status, "children of a failed step never run")
}

func TestConditionSkipStillRunsChildren(t *testing.T) {
	fx := newEngineFixture(t)
	counter := newRunCounter()
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(_ context.Context, _ *model.Context, cfg map[string]any, _ ProgressFunc) (*StepOutput, error) {
			counter.bump(cfg["name"].(string))
			return &StepOutput{Success: true}, nil
		}}
	})

	reqID, tplID := fx.seed(t, []model.Step{{
		Type: model.StepNotification, Name: "skipped", Required: true,
		Config:    map[string]any{"name": "skipped"},
		Condition: &model.ConditionRule{Field: "kind", Operator: model.OpEq, Value: "tv"},
		Children: []model.Step{{
			Type: model.StepNotification, Name: "child", Required: true,
			Config: map[string]any{"name": "child"},
		}},
	}})

	exec, err := fx.engine.StartExecution(context.Background(), reqID, tplID)
	require.NoError(t, err)
	fx.engine.Wait()

	got, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)

	rows := stepsByName(t, fx.store, exec.ID)
	assert.Equal(t, model.StepSkipped, rows["skipped"].Status)
	assert.Equal(t, model.StepCompleted, rows["child"].Status)
	assert.Zero(t, counter.get("skipped"))
	assert.Equal(t, 1, counter.get("child"))
}

func TestPauseResumeNoRepeatedSteps(t *testing.T) {
	fx := newEngineFixture(t)
	counter := newRunCounter()
	var approved sync.Map
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(_ context.Context, _ *model.Context, cfg map[string]any, _ ProgressFunc) (*StepOutput, error) {
			name := cfg["name"].(string)
			counter.bump(name)
			if cfg["gate"] == true {
				if _, ok := approved.Load("yes"); !ok {
					return &StepOutput{ShouldPause: true, PauseReason: model.PauseAwaitingApproval}, nil
				}
			}
			return &StepOutput{Success: true}, nil
		}}
	})

	reqID, tplID := fx.seed(t, []model.Step{{
		Type: model.StepNotification, Name: "first", Required: true,
		Config: map[string]any{"name": "first"},
		Children: []model.Step{{
			Type: model.StepNotification, Name: "gate", Required: true,
			Config: map[string]any{"name": "gate", "gate": true},
		}},
	}})

	exec, err := fx.engine.StartExecution(context.Background(), reqID, tplID)
	require.NoError(t, err)
	fx.engine.Wait()

	paused, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, model.ExecutionPaused, paused.Status)
	assert.Equal(t, model.PauseAwaitingApproval, paused.PauseReason)

	approved.Store("yes", true)
	require.NoError(t, fx.engine.ResumeExecution(context.Background(), exec.ID))
	fx.engine.Wait()

	done, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, done.Status)
	assert.Empty(t, done.PauseReason)

	assert.Equal(t, 1, counter.get("first"), "completed step must not re-execute on resume")
	assert.Equal(t, 2, counter.get("gate"), "paused step re-executes exactly once")
}

func TestCancelIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t)
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(_ context.Context, _ *model.Context, _ map[string]any, _ ProgressFunc) (*StepOutput, error) {
			return &StepOutput{ShouldPause: true, PauseReason: model.PauseAwaitingApproval}, nil
		}}
	})

	reqID, tplID := fx.seed(t, []model.Step{{Type: model.StepNotification, Name: "a", Required: true}})
	exec, err := fx.engine.StartExecution(context.Background(), reqID, tplID)
	require.NoError(t, err)
	fx.engine.Wait()

	require.NoError(t, fx.engine.CancelExecution(context.Background(), exec.ID))
	require.NoError(t, fx.engine.CancelExecution(context.Background(), exec.ID), "cancel;cancel == cancel")

	got, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCancelled, got.Status)

	assert.Error(t, fx.engine.ResumeExecution(context.Background(), exec.ID),
		"cancelled executions do not resume")
}

func TestSnapshotImmuneToTemplateEdits(t *testing.T) {
	fx := newEngineFixture(t)
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(_ context.Context, pctx *model.Context, cfg map[string]any, _ ProgressFunc) (*StepOutput, error) {
			if cfg["gate"] == true && pctx.Approval == nil {
				return &StepOutput{ShouldPause: true, PauseReason: model.PauseAwaitingApproval}, nil
			}
			return &StepOutput{Success: true}, nil
		}}
	})

	reqID, tplID := fx.seed(t, []model.Step{{
		Type: model.StepNotification, Name: "only", Required: true,
		Config: map[string]any{"gate": true},
	}})

	exec, err := fx.engine.StartExecution(context.Background(), reqID, tplID)
	require.NoError(t, err)
	fx.engine.Wait()

	// Edit the template mid-flight: add a step and rename the old one.
	require.NoError(t, fx.store.PutTemplate(context.Background(), &model.Template{
		ID: tplID, Name: "t", MediaKind: model.MediaMovie,
		Steps: []model.Step{
			{Type: model.StepNotification, Name: "renamed", Required: true},
			{Type: model.StepNotification, Name: "added", Required: true},
		},
	}))

	// Approve via the context and resume.
	_, err = fx.store.UpdateExecution(context.Background(), exec.ID, func(e *model.PipelineExecution) error {
		e.Context.Approval = &model.ApprovalOutput{Approved: true}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, fx.engine.ResumeExecution(context.Background(), exec.ID))
	fx.engine.Wait()

	got, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	require.Len(t, got.Steps, 1, "snapshot keeps the tree it started with")
	assert.Equal(t, "only", got.Steps[0].Name)

	rows, err := fx.store.ListStepExecutions(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStepTimeout(t *testing.T) {
	fx := newEngineFixture(t)
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(ctx context.Context, _ *model.Context, _ map[string]any, _ ProgressFunc) (*StepOutput, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return &StepOutput{Success: true}, nil
			}
		}}
	})

	reqID, tplID := fx.seed(t, []model.Step{{
		Type: model.StepNotification, Name: "slow", Required: true, TimeoutMs: 50,
	}})

	exec, err := fx.engine.StartExecution(context.Background(), reqID, tplID)
	require.NoError(t, err)
	fx.engine.Wait()

	got, err := fx.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionFailed, got.Status)

	rows := stepsByName(t, fx.store, exec.ID)
	assert.Equal(t, model.StepFailed, rows["slow"].Status)
	assert.Contains(t, rows["slow"].Error, "timeout")
}

func TestRecoverRunningResetsStrandedSteps(t *testing.T) {
	fx := newEngineFixture(t)
	counter := newRunCounter()
	fx.reg.MustRegister(model.StepNotification, func() Handler {
		return &fakeHandler{execute: func(_ context.Context, _ *model.Context, cfg map[string]any, _ ProgressFunc) (*StepOutput, error) {
			counter.bump(cfg["name"].(string))
			return &StepOutput{Success: true}, nil
		}}
	})

	ctx := context.Background()
	// Simulate crash leftovers: a RUNNING execution whose step row is RUNNING.
	exec := &model.PipelineExecution{
		ID: "ex-1", RequestID: "req-x", TemplateID: "tpl-x",
		Status: model.ExecutionRunning,
		Steps: []model.Step{{
			Type: model.StepNotification, Name: "a", Required: true,
			Config: map[string]any{"name": "a"},
		}},
		Context:       &model.Context{RequestID: "req-x"},
		StartedAtUnix: time.Now().Unix(),
	}
	require.NoError(t, fx.store.PutRequest(ctx, &model.Request{
		ID: "req-x", Kind: model.MediaMovie, TMDBID: 1, Title: "X",
		Status: model.RequestProcessing, CreatedAtUnix: time.Now().Unix(),
	}))
	require.NoError(t, fx.store.PutExecution(ctx, exec))
	require.NoError(t, fx.store.CreateStepExecutions(ctx, []*model.StepExecution{{
		ID: "se-0", ExecutionID: "ex-1", StepOrder: 0,
		StepType: model.StepNotification, Name: "a", Status: model.StepRunning,
	}}))

	require.NoError(t, fx.engine.RecoverRunning(ctx))
	fx.engine.Wait()

	got, err := fx.store.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionCompleted, got.Status)
	assert.Equal(t, 1, counter.get("a"))
}
