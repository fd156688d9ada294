// SPDX-License-Identifier: MIT

// Package pipeline contains the workflow engine: the step registry, the typed
// execution context, and the walker that drives template snapshots through
// their step trees.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/voslund/fetchd/internal/model"
)

// ProgressFunc reports step progress in percent; the engine persists it to
// the step execution row.
type ProgressFunc func(pct int)

// StepOutput is the uniform result of one handler invocation.
type StepOutput struct {
	Success bool
	// Data is merged into the execution context on success (and on pause, so
	// partially-produced handles like a download id survive the suspension).
	Data  *model.Context
	Error string
	// ShouldSkip marks the step SKIPPED instead of COMPLETED.
	ShouldSkip bool
	// ShouldPause suspends the execution pending an external event.
	ShouldPause bool
	PauseReason model.PauseReason
}

// Handler is the uniform step contract. Handlers are constructed per
// invocation and must be stateless across invocations.
type Handler interface {
	// ValidateConfig fails fast on malformed template config.
	ValidateConfig(config map[string]any) error
	// EvaluateCondition returns whether the step should execute. A missing
	// condition means true.
	EvaluateCondition(pctx *model.Context, cond *model.ConditionRule) (bool, error)
	// Execute runs the step.
	Execute(ctx context.Context, pctx *model.Context, config map[string]any, progress ProgressFunc) (*StepOutput, error)
}

// BaseHandler supplies the shared condition semantics so concrete handlers
// only implement validation and execution.
type BaseHandler struct{}

func (BaseHandler) EvaluateCondition(pctx *model.Context, cond *model.ConditionRule) (bool, error) {
	return EvaluateCondition(pctx, cond)
}

// Factory constructs a fresh handler for one invocation.
type Factory func() Handler

// Registry maps step kinds to handler factories. One registration per kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.StepType]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[model.StepType]Factory)}
}

// Register installs the factory for a kind; duplicate registration is an error.
func (r *Registry) Register(kind model.StepType, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("registry: duplicate registration for %s", kind)
	}
	r.factories[kind] = f
	return nil
}

// MustRegister panics on duplicate registration; composition-root use only.
func (r *Registry) MustRegister(kind model.StepType, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

// New constructs a handler for the kind.
func (r *Registry) New(kind model.StepType) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: no handler for step type %s", kind)
	}
	return f(), nil
}
