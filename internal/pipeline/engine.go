// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voslund/fetchd/internal/faults"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/metrics"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

// Walk outcomes used internally to unwind the tree.
var (
	errPaused  = errors.New("execution paused")
	errStopped = errors.New("execution no longer running")
	errFailed  = errors.New("execution failed")
)

// Engine instantiates executions from templates and walks their step trees.
// It assumes at most one runner per process; cross-process double-walking is
// guarded by the PENDING -> RUNNING claim on every step row.
type Engine struct {
	Store    store.StateStore
	Registry *Registry

	// MaxParallel bounds concurrently running siblings within one parallel
	// sibling group; it is not a limit across groups or executions.
	MaxParallel int

	baseCtx context.Context
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewEngine builds an engine. baseCtx scopes detached walks and is usually
// the daemon's run context.
func NewEngine(baseCtx context.Context, st store.StateStore, reg *Registry) *Engine {
	return &Engine{
		Store:       st,
		Registry:    reg,
		MaxParallel: 8,
		baseCtx:     baseCtx,
		logger:      log.WithComponent("engine"),
	}
}

// Wait blocks until all detached walkers have returned. Shutdown helper.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// StartExecution snapshots the template and begins walking the tree in the
// background. The returned execution is the persisted RUNNING instance.
func (e *Engine) StartExecution(ctx context.Context, requestID, templateID string) (*model.PipelineExecution, error) {
	req, err := e.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("engine: load request: %w", err)
	}
	tpl, err := e.Store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, fmt.Errorf("engine: load template: %w", err)
	}
	if tpl.MediaKind != req.Kind {
		return nil, fmt.Errorf("engine: template %s is for %s, request is %s", tpl.ID, tpl.MediaKind, req.Kind)
	}

	exec := &model.PipelineExecution{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		TemplateID: tpl.ID,
		Status:     model.ExecutionRunning,
		Steps:      tpl.Steps, // snapshot: template edits never affect this run
		Context: &model.Context{
			RequestID: req.ID,
			Kind:      req.Kind,
			TMDBID:    req.TMDBID,
			Title:     req.Title,
			Year:      req.Year,
			Targets:   req.Targets,
		},
		StartedAtUnix: time.Now().Unix(),
	}
	if err := e.createExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.walkDetached(exec.ID)
	return exec, nil
}

// StartBranchExecution creates a per-episode child execution running the
// given subtree. Branches are first-class executions with their own step rows.
func (e *Engine) StartBranchExecution(ctx context.Context, parent *model.PipelineExecution, item *model.ProcessingItem, steps []model.Step, seed *model.Context) (*model.PipelineExecution, error) {
	branchCtx := seed.Clone()
	branchCtx.ItemID = item.ID
	branchCtx.Season = item.Season
	branchCtx.Episode = item.Episode

	exec := &model.PipelineExecution{
		ID:                uuid.New().String(),
		RequestID:         parent.RequestID,
		TemplateID:        parent.TemplateID,
		Status:            model.ExecutionRunning,
		Steps:             steps,
		Context:           branchCtx,
		ParentExecutionID: parent.ID,
		EpisodeID:         item.ID,
		StartedAtUnix:     time.Now().Unix(),
	}
	if err := e.createExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.walkDetached(exec.ID)
	return exec, nil
}

func (e *Engine) createExecution(ctx context.Context, exec *model.PipelineExecution) error {
	if err := e.Store.PutExecution(ctx, exec); err != nil {
		return fmt.Errorf("engine: persist execution: %w", err)
	}

	// One PENDING row per snapshot step, ordered by DFS pre-order.
	var rows []*model.StepExecution
	_ = model.WalkSteps(exec.Steps, func(order int, s *model.Step) error {
		rows = append(rows, &model.StepExecution{
			ID:          uuid.New().String(),
			ExecutionID: exec.ID,
			StepOrder:   order,
			StepType:    s.Type,
			Name:        s.Name,
			Status:      model.StepPending,
		})
		return nil
	})
	if err := e.Store.CreateStepExecutions(ctx, rows); err != nil {
		return fmt.Errorf("engine: create step rows: %w", err)
	}
	return nil
}

// ResumeExecution clears the pause reason and re-walks the tree. Completed
// steps are skipped by their step rows, so resume is idempotent.
func (e *Engine) ResumeExecution(ctx context.Context, executionID string) error {
	_, err := e.Store.UpdateExecution(ctx, executionID, func(exec *model.PipelineExecution) error {
		if exec.Status == model.ExecutionRunning {
			return nil // already running; re-walk is harmless
		}
		if err := model.ExecutionTransitions.Check(exec.Status, model.ExecutionRunning); err != nil {
			return faults.Wrap(faults.KindValidation, "resume "+executionID, err)
		}
		exec.Status = model.ExecutionRunning
		exec.PauseReason = ""
		return nil
	})
	if err != nil {
		return err
	}
	e.walkDetached(executionID)
	return nil
}

// CancelExecution transitions RUNNING/PAUSED to CANCELLED. A second cancel is
// a no-op. In-flight external operations are not killed; the recovery paths
// disown their artifacts.
func (e *Engine) CancelExecution(ctx context.Context, executionID string) error {
	_, err := e.Store.UpdateExecution(ctx, executionID, func(exec *model.PipelineExecution) error {
		if exec.Status == model.ExecutionCancelled {
			return nil
		}
		if err := model.ExecutionTransitions.Check(exec.Status, model.ExecutionCancelled); err != nil {
			return faults.Wrap(faults.KindValidation, "cancel "+executionID, err)
		}
		exec.Status = model.ExecutionCancelled
		exec.CompletedAtUnix = time.Now().Unix()
		return nil
	})
	if err == nil {
		metrics.ExecutionOutcomeTotal.WithLabelValues(string(model.ExecutionCancelled)).Inc()
	}
	return err
}

// PauseExecution suspends a running execution on operator request.
func (e *Engine) PauseExecution(ctx context.Context, executionID string, reason model.PauseReason) error {
	_, err := e.Store.UpdateExecution(ctx, executionID, func(exec *model.PipelineExecution) error {
		if exec.Status == model.ExecutionPaused {
			return nil
		}
		if err := model.ExecutionTransitions.Check(exec.Status, model.ExecutionPaused); err != nil {
			return faults.Wrap(faults.KindValidation, "pause "+executionID, err)
		}
		exec.Status = model.ExecutionPaused
		exec.PauseReason = reason
		return nil
	})
	return err
}

// ResumeWaiting resumes every paused execution with the given reason whose
// context matches. Used by the download watcher and the encode bridge.
func (e *Engine) ResumeWaiting(ctx context.Context, reason model.PauseReason, match func(*model.Context) bool) {
	execs, err := e.Store.ListExecutions(ctx, "")
	if err != nil {
		e.logger.Error().Err(err).Msg("resume scan failed")
		return
	}
	for _, exec := range execs {
		if exec.Status != model.ExecutionPaused || exec.PauseReason != reason {
			continue
		}
		if match != nil && !match(exec.Context) {
			continue
		}
		if err := e.ResumeExecution(ctx, exec.ID); err != nil && !errors.Is(err, store.ErrConflict) {
			e.logger.Error().Err(err).Str(log.FieldExecutionID, exec.ID).Msg("resume failed")
		}
	}
}

// RecoverRunning restarts the walk of every execution left RUNNING by a
// crash. Step rows stranded in RUNNING revert to PENDING first so the fresh
// walker can claim them; terminal rows are untouched, so completed work is
// never repeated.
func (e *Engine) RecoverRunning(ctx context.Context) error {
	execs, err := e.Store.ListExecutions(ctx, "")
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if exec.Status != model.ExecutionRunning {
			continue
		}
		rows, err := e.Store.ListStepExecutions(ctx, exec.ID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.Status != model.StepRunning {
				continue
			}
			_, err := e.Store.UpdateStepExecution(ctx, exec.ID, row.StepOrder, func(se *model.StepExecution) error {
				if se.Status == model.StepRunning {
					se.Status = model.StepPending
					se.StartedAtUnix = 0
					se.Progress = 0
				}
				return nil
			})
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
		e.logger.Info().Str(log.FieldExecutionID, exec.ID).Msg("recovering in-flight execution")
		e.walkDetached(exec.ID)
	}
	return nil
}

// walkDetached runs the walk on the engine's base context in a goroutine.
func (e *Engine) walkDetached(executionID string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().Interface("panic", r).Str(log.FieldExecutionID, executionID).Msg("walker panicked")
				e.failExecution(e.baseCtx, executionID, fmt.Sprintf("internal panic: %v", r))
			}
		}()
		if err := e.walk(e.baseCtx, executionID); err != nil {
			e.logger.Debug().Err(err).Str(log.FieldExecutionID, executionID).Msg("walk ended early")
		}
	}()
}

// node is one indexed step of the snapshot tree.
type node struct {
	step     *model.Step
	order    int
	children []*node
}

func buildTree(steps []model.Step) []*node {
	order := 0
	var build func(ss []model.Step) []*node
	build = func(ss []model.Step) []*node {
		out := make([]*node, 0, len(ss))
		for i := range ss {
			n := &node{step: &ss[i], order: order}
			order++
			n.children = build(ss[i].Children)
			out = append(out, n)
		}
		return out
	}
	return build(steps)
}

// walker carries the authoritative merged context of one execution walk.
type walker struct {
	engine *Engine
	exec   *model.PipelineExecution
	logger zerolog.Logger

	mu   sync.Mutex
	data *model.Context
}

func (e *Engine) walk(ctx context.Context, executionID string) error {
	exec, err := e.Store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != model.ExecutionRunning {
		return nil
	}

	w := &walker{
		engine: e,
		exec:   exec,
		logger: e.logger.With().Str(log.FieldExecutionID, exec.ID).Str("request_id", exec.RequestID).Logger(),
		data:   exec.Context,
	}
	if w.data == nil {
		w.data = &model.Context{RequestID: exec.RequestID}
	}

	tree := buildTree(exec.Steps)
	err = w.runSiblings(ctx, tree, w.data)

	switch {
	case err == nil:
		return e.completeExecution(ctx, w)
	case errors.Is(err, errPaused), errors.Is(err, errStopped):
		return nil
	case errors.Is(err, errFailed):
		return nil // failExecution already recorded the outcome
	default:
		e.failExecution(ctx, exec.ID, err.Error())
		return err
	}
}

// runSiblings executes a sibling group: sequentially for a single node,
// concurrently on context clones for several. Clones merge back into base in
// completion order (last writer wins per context slice).
func (w *walker) runSiblings(ctx context.Context, nodes []*node, base *model.Context) error {
	switch len(nodes) {
	case 0:
		return nil
	case 1:
		return w.runNode(ctx, nodes[0], base)
	}

	// The limit is per sibling group: a parent waiting on its children never
	// holds a slot a descendant group needs.
	sem := make(chan struct{}, w.engine.MaxParallel)
	var (
		wg      sync.WaitGroup
		mergeMu sync.Mutex
		errs    = make([]error, len(nodes))
	)
	for i, n := range nodes {
		branchCtx := base.Clone()
		wg.Add(1)
		go func(i int, n *node, branch *model.Context) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			errs[i] = w.runNode(ctx, n, branch)

			// Merge in completion order, even for paused branches, so partial
			// outputs (external handles) survive.
			mergeMu.Lock()
			base.Merge(branch)
			mergeMu.Unlock()
		}(i, n, branchCtx)
	}
	wg.Wait()

	w.persistContext(ctx)

	// Failure outranks pause outranks stop.
	var paused, stopped error
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, errFailed):
			return err
		case errors.Is(err, errPaused):
			paused = err
		case errors.Is(err, errStopped):
			stopped = err
		default:
			return err
		}
	}
	if paused != nil {
		return paused
	}
	return stopped
}

func (w *walker) runNode(ctx context.Context, n *node, pctx *model.Context) error {
	// Re-read the execution: pause/cancel from outside stops the walk here.
	exec, err := w.engine.Store.GetExecution(ctx, w.exec.ID)
	if err != nil {
		return err
	}
	if exec.Status != model.ExecutionRunning {
		return errStopped
	}

	row, err := w.stepRow(ctx, n.order)
	if err != nil {
		return err
	}

	// Resume path: terminal rows pass through to their children.
	switch row.Status {
	case model.StepCompleted, model.StepSkipped:
		return w.descend(ctx, n, pctx)
	case model.StepFailed:
		if n.step.Required && !n.step.ContinueOnError {
			return errFailed
		}
		return nil
	case model.StepRunning:
		// Another walker owns this step (resume raced a live walker).
		return errStopped
	}

	ok, err := EvaluateCondition(pctx, n.step.Condition)
	if err != nil {
		return w.handleFailure(ctx, n, pctx, fmt.Sprintf("condition error: %v", err))
	}
	if !ok {
		if err := w.markStep(ctx, n.order, model.StepSkipped, ""); err != nil {
			return err
		}
		metrics.StepOutcomeTotal.WithLabelValues(string(n.step.Type), "skipped").Inc()
		w.logger.Info().Str(log.FieldStep, n.step.Name).Msg("step skipped by condition")
		return w.descend(ctx, n, pctx)
	}

	claimed, err := w.engine.Store.ClaimStep(ctx, w.exec.ID, n.order, time.Now().Unix())
	if err != nil {
		return err
	}
	if !claimed {
		// Lost the claim race; whoever won drives this subtree.
		return errStopped
	}

	w.setCurrentStep(ctx, n.order)

	handler, err := w.engine.Registry.New(n.step.Type)
	if err != nil {
		return w.handleFailure(ctx, n, pctx, err.Error())
	}
	if err := handler.ValidateConfig(n.step.Config); err != nil {
		return w.handleFailure(ctx, n, pctx, fmt.Sprintf("invalid config: %v", err))
	}

	stepCtx := ctx
	var cancel context.CancelFunc
	if t := n.step.Timeout(); t > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	progress := func(pct int) {
		_, _ = w.engine.Store.UpdateStepExecution(ctx, w.exec.ID, n.order, func(se *model.StepExecution) error {
			if se.Status == model.StepRunning {
				se.Progress = pct
			}
			return nil
		})
	}

	started := time.Now()
	out, execErr := handler.Execute(stepCtx, pctx, n.step.Config, progress)
	metrics.StepDuration.WithLabelValues(string(n.step.Type)).Observe(time.Since(started).Seconds())

	if execErr != nil {
		msg := execErr.Error()
		if errors.Is(execErr, context.DeadlineExceeded) && ctx.Err() == nil {
			msg = fmt.Sprintf("step timeout after %s", n.step.Timeout())
		}
		return w.handleFailure(ctx, n, pctx, msg)
	}
	if out == nil {
		return w.handleFailure(ctx, n, pctx, "handler returned no output")
	}

	if out.Data != nil {
		pctx.Merge(out.Data)
	}

	switch {
	case out.ShouldPause:
		return w.pause(ctx, n, pctx, out.PauseReason)
	case out.ShouldSkip:
		if err := w.markStep(ctx, n.order, model.StepSkipped, ""); err != nil {
			return err
		}
		metrics.StepOutcomeTotal.WithLabelValues(string(n.step.Type), "skipped").Inc()
		return w.descend(ctx, n, pctx)
	case !out.Success:
		return w.handleFailure(ctx, n, pctx, out.Error)
	}

	if err := w.completeStep(ctx, n, out); err != nil {
		return err
	}
	metrics.StepOutcomeTotal.WithLabelValues(string(n.step.Type), "completed").Inc()

	if w.maybeSpawnBranches(ctx, n, pctx) {
		// Children run inside the per-episode branch executions.
		return nil
	}
	return w.descend(ctx, n, pctx)
}

// stepRow reads the persisted row for a step order.
func (w *walker) stepRow(ctx context.Context, order int) (*model.StepExecution, error) {
	rows, err := w.engine.Store.ListStepExecutions(ctx, w.exec.ID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.StepOrder == order {
			return row, nil
		}
	}
	return nil, fmt.Errorf("step row %d missing for execution %s", order, w.exec.ID)
}

func (w *walker) descend(ctx context.Context, n *node, pctx *model.Context) error {
	if len(n.children) == 0 {
		return nil
	}
	return w.runSiblings(ctx, n.children, pctx)
}

// handleFailure applies the required/continueOnError policy.
func (w *walker) handleFailure(ctx context.Context, n *node, pctx *model.Context, msg string) error {
	if err := w.stepFailed(ctx, n, pctx, msg); err != nil {
		return err
	}
	if n.step.Required && !n.step.ContinueOnError {
		return errFailed
	}
	w.logger.Warn().
		Str(log.FieldStep, n.step.Name).
		Str("error", msg).
		Msg("optional step failed, continuing")
	return nil
}

func (w *walker) stepFailed(ctx context.Context, n *node, pctx *model.Context, msg string) error {
	if err := w.markStep(ctx, n.order, model.StepFailed, msg); err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}
	metrics.StepOutcomeTotal.WithLabelValues(string(n.step.Type), "failed").Inc()

	if pctx.ItemID != "" {
		FailItem(ctx, w.engine.Store, pctx.ItemID, msg)
	}
	if n.step.Required && !n.step.ContinueOnError {
		w.engine.failExecution(ctx, w.exec.ID, fmt.Sprintf("step %q failed: %s", n.step.Name, msg))
	}
	return nil
}

// pause suspends the execution. The step row returns to PENDING so resume can
// re-claim it; partial output was already merged into the context.
func (w *walker) pause(ctx context.Context, n *node, pctx *model.Context, reason model.PauseReason) error {
	_, err := w.engine.Store.UpdateStepExecution(ctx, w.exec.ID, n.order, func(se *model.StepExecution) error {
		if se.Status == model.StepRunning {
			se.Status = model.StepPending
			se.StartedAtUnix = 0
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}

	w.mergeIntoShared(pctx)
	_, err = w.engine.Store.UpdateExecution(ctx, w.exec.ID, func(exec *model.PipelineExecution) error {
		if exec.Status != model.ExecutionRunning {
			return nil // cancel raced the pause; leave it
		}
		exec.Status = model.ExecutionPaused
		exec.PauseReason = reason
		exec.CurrentStep = n.order
		exec.Context = w.sharedContext()
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return err
	}

	w.logger.Info().
		Str(log.FieldStep, n.step.Name).
		Str(log.FieldReason, string(reason)).
		Msg("execution paused")
	return errPaused
}

func (w *walker) completeStep(ctx context.Context, n *node, out *StepOutput) error {
	var outputJSON string
	if out.Data != nil {
		if b, err := json.Marshal(out.Data); err == nil {
			outputJSON = string(b)
		}
	}
	_, err := w.engine.Store.UpdateStepExecution(ctx, w.exec.ID, n.order, func(se *model.StepExecution) error {
		se.Status = model.StepCompleted
		se.Progress = 100
		se.Output = outputJSON
		se.CompletedAtUnix = time.Now().Unix()
		return nil
	})
	if err != nil {
		return err
	}
	w.persistContext(ctx)
	return nil
}

func (w *walker) markStep(ctx context.Context, order int, status model.StepStatus, errMsg string) error {
	_, err := w.engine.Store.UpdateStepExecution(ctx, w.exec.ID, order, func(se *model.StepExecution) error {
		if se.Status.IsTerminal() {
			return store.ErrConflict
		}
		se.Status = status
		se.Error = errMsg
		if status.IsTerminal() {
			se.CompletedAtUnix = time.Now().Unix()
		}
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

func (w *walker) setCurrentStep(ctx context.Context, order int) {
	_, _ = w.engine.Store.UpdateExecution(ctx, w.exec.ID, func(exec *model.PipelineExecution) error {
		if exec.Status == model.ExecutionRunning {
			exec.CurrentStep = order
		}
		return nil
	})
}

// mergeIntoShared folds a branch context into the walker's shared context.
func (w *walker) mergeIntoShared(pctx *model.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.data != pctx {
		w.data.Merge(pctx)
	}
}

func (w *walker) sharedContext() *model.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data.Clone()
}

func (w *walker) persistContext(ctx context.Context) {
	snapshot := w.sharedContext()
	_, err := w.engine.Store.UpdateExecution(ctx, w.exec.ID, func(exec *model.PipelineExecution) error {
		exec.Context = snapshot
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		w.logger.Error().Err(err).Msg("context persist failed")
	}
}

// completeExecution verifies every step row is terminal and records the
// outcome. An execution is COMPLETED when every step is COMPLETED/SKIPPED or
// FAILED on a step tolerating failure.
func (e *Engine) completeExecution(ctx context.Context, w *walker) error {
	rows, err := e.Store.ListStepExecutions(ctx, w.exec.ID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !row.Status.IsTerminal() {
			// Non-terminal leftovers mean a sibling walker still runs; leave
			// completion to it.
			return nil
		}
	}

	_, err = e.Store.UpdateExecution(ctx, w.exec.ID, func(exec *model.PipelineExecution) error {
		if exec.Status != model.ExecutionRunning {
			return store.ErrConflict
		}
		exec.Status = model.ExecutionCompleted
		exec.Context = w.sharedContext()
		exec.CompletedAtUnix = time.Now().Unix()
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.ExecutionOutcomeTotal.WithLabelValues(string(model.ExecutionCompleted)).Inc()
	w.logger.Info().Msg("execution completed")
	return SyncRequestFromItems(ctx, e.Store, w.exec.RequestID)
}

func (e *Engine) failExecution(ctx context.Context, executionID, reason string) {
	_, err := e.Store.UpdateExecution(ctx, executionID, func(exec *model.PipelineExecution) error {
		if exec.Status.IsTerminal() {
			return store.ErrConflict
		}
		exec.Status = model.ExecutionFailed
		exec.Error = reason
		exec.CompletedAtUnix = time.Now().Unix()
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return
	}
	if err != nil {
		e.logger.Error().Err(err).Str(log.FieldExecutionID, executionID).Msg("fail transition errored")
		return
	}
	metrics.ExecutionOutcomeTotal.WithLabelValues(string(model.ExecutionFailed)).Inc()

	if exec, err := e.Store.GetExecution(ctx, executionID); err == nil {
		_ = SyncRequestFromItems(ctx, e.Store, exec.RequestID)
	}
}
