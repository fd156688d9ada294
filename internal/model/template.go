// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"time"
)

// Template is a user-authored pipeline definition. It is immutable at
// execution time: StartExecution snapshots Steps into the execution, so later
// template edits never affect in-flight work.
type Template struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MediaKind     MediaKind `json:"mediaKind"`
	Steps         []Step    `json:"steps"`
	CreatedAtUnix int64     `json:"createdAtUnix"`
	UpdatedAtUnix int64     `json:"updatedAtUnix"`
}

// Step is one node of a template tree. Multiple children run in parallel, a
// single child runs sequentially after the parent completes.
type Step struct {
	Type            StepType       `json:"type"`
	Name            string         `json:"name"`
	Config          map[string]any `json:"config,omitempty"`
	Condition       *ConditionRule `json:"condition,omitempty"`
	Required        bool           `json:"required"`
	Retryable       bool           `json:"retryable"`
	ContinueOnError bool           `json:"continueOnError"`
	TimeoutMs       int64          `json:"timeout,omitempty"`
	Children        []Step         `json:"children,omitempty"`
}

// Timeout returns the step timeout as a duration, zero if unset.
func (s *Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// ConditionOperator enumerates the comparison operators a rule may use.
type ConditionOperator string

const (
	OpEq       ConditionOperator = "=="
	OpNeq      ConditionOperator = "!="
	OpGt       ConditionOperator = ">"
	OpLt       ConditionOperator = "<"
	OpGte      ConditionOperator = ">="
	OpLte      ConditionOperator = "<="
	OpIn       ConditionOperator = "in"
	OpNotIn    ConditionOperator = "not_in"
	OpContains ConditionOperator = "contains"
	OpMatches  ConditionOperator = "matches"
)

// LogicalOp combines nested condition rules.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "AND"
	LogicalOr  LogicalOp = "OR"
)

// ConditionRule gates step execution on a dotted-path context lookup.
// A nil rule always evaluates to true.
type ConditionRule struct {
	Field      string            `json:"field,omitempty"`
	Operator   ConditionOperator `json:"operator,omitempty"`
	Value      any               `json:"value,omitempty"`
	LogicalOp  LogicalOp         `json:"logicalOp,omitempty"`
	Conditions []ConditionRule   `json:"conditions,omitempty"`
}

var validStepTypes = map[StepType]bool{
	StepSearch:       true,
	StepDownload:     true,
	StepEncode:       true,
	StepDeliver:      true,
	StepApproval:     true,
	StepNotification: true,
}

// Validate checks a template's structural invariants before it is persisted.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template: name is required")
	}
	if t.MediaKind != MediaMovie && t.MediaKind != MediaTV {
		return fmt.Errorf("template %q: unknown media kind %q", t.Name, t.MediaKind)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %q: at least one step is required", t.Name)
	}
	for i := range t.Steps {
		if err := validateStep(&t.Steps[i]); err != nil {
			return fmt.Errorf("template %q: %w", t.Name, err)
		}
	}
	return nil
}

func validateStep(s *Step) error {
	if !validStepTypes[s.Type] {
		return fmt.Errorf("step %q: unknown type %q", s.Name, s.Type)
	}
	if s.Name == "" {
		return fmt.Errorf("step of type %s: name is required", s.Type)
	}
	if s.TimeoutMs < 0 {
		return fmt.Errorf("step %q: negative timeout", s.Name)
	}
	if s.Condition != nil {
		if err := validateCondition(s.Condition); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
	}
	for i := range s.Children {
		if err := validateStep(&s.Children[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(c *ConditionRule) error {
	if len(c.Conditions) > 0 {
		if c.LogicalOp != LogicalAnd && c.LogicalOp != LogicalOr {
			return fmt.Errorf("condition group: logicalOp must be AND or OR")
		}
		for i := range c.Conditions {
			if err := validateCondition(&c.Conditions[i]); err != nil {
				return err
			}
		}
		return nil
	}
	if c.Field == "" {
		return fmt.Errorf("condition: field is required")
	}
	switch c.Operator {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpIn, OpNotIn, OpContains, OpMatches:
		return nil
	}
	return fmt.Errorf("condition on %q: unknown operator %q", c.Field, c.Operator)
}

// WalkSteps visits the tree in DFS pre-order, the canonical step order used
// when snapshotting a template into an execution.
func WalkSteps(steps []Step, fn func(order int, s *Step) error) error {
	order := 0
	var walk func(ss []Step) error
	walk = func(ss []Step) error {
		for i := range ss {
			if err := fn(order, &ss[i]); err != nil {
				return err
			}
			order++
			if err := walk(ss[i].Children); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(steps)
}

// CountSteps returns the number of nodes in the tree.
func CountSteps(steps []Step) int {
	n := 0
	_ = WalkSteps(steps, func(int, *Step) error { n++; return nil })
	return n
}
