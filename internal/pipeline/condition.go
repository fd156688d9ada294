// SPDX-License-Identifier: MIT

package pipeline

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/voslund/fetchd/internal/model"
)

// EvaluateCondition resolves a condition rule against the execution context.
// A nil rule is true. Fields are dotted JSON paths into the serialized
// context, e.g. "search.seasonPack" or "download.downloadId".
func EvaluateCondition(pctx *model.Context, cond *model.ConditionRule) (bool, error) {
	if cond == nil {
		return true, nil
	}
	doc, err := contextDoc(pctx)
	if err != nil {
		return false, err
	}
	return evalRule(doc, cond)
}

func contextDoc(pctx *model.Context) (map[string]any, error) {
	b, err := json.Marshal(pctx)
	if err != nil {
		return nil, fmt.Errorf("condition: marshal context: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("condition: unmarshal context: %w", err)
	}
	return doc, nil
}

func evalRule(doc map[string]any, cond *model.ConditionRule) (bool, error) {
	if len(cond.Conditions) > 0 {
		for i := range cond.Conditions {
			ok, err := evalRule(doc, &cond.Conditions[i])
			if err != nil {
				return false, err
			}
			switch cond.LogicalOp {
			case model.LogicalOr:
				if ok {
					return true, nil
				}
			default: // AND
				if !ok {
					return false, nil
				}
			}
		}
		return cond.LogicalOp != model.LogicalOr, nil
	}

	val, found := lookup(doc, cond.Field)
	switch cond.Operator {
	case model.OpEq:
		return found && looseEqual(val, cond.Value), nil
	case model.OpNeq:
		return !found || !looseEqual(val, cond.Value), nil
	case model.OpGt, model.OpLt, model.OpGte, model.OpLte:
		if !found {
			return false, nil
		}
		a, aok := asFloat(val)
		b, bok := asFloat(cond.Value)
		if !aok || !bok {
			return false, fmt.Errorf("condition: %s on non-numeric values", cond.Operator)
		}
		switch cond.Operator {
		case model.OpGt:
			return a > b, nil
		case model.OpLt:
			return a < b, nil
		case model.OpGte:
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case model.OpIn, model.OpNotIn:
		list, ok := cond.Value.([]any)
		if !ok {
			return false, fmt.Errorf("condition: %s requires a list value", cond.Operator)
		}
		contained := false
		for _, item := range list {
			if found && looseEqual(val, item) {
				contained = true
				break
			}
		}
		if cond.Operator == model.OpIn {
			return contained, nil
		}
		return !contained, nil
	case model.OpContains:
		s, ok := val.(string)
		sub, ok2 := cond.Value.(string)
		if !found || !ok || !ok2 {
			return false, nil
		}
		return strings.Contains(s, sub), nil
	case model.OpMatches:
		s, ok := val.(string)
		pattern, ok2 := cond.Value.(string)
		if !found || !ok || !ok2 {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("condition: bad pattern %q: %w", pattern, err)
		}
		return re.MatchString(s), nil
	}
	return false, fmt.Errorf("condition: unknown operator %q", cond.Operator)
}

func lookup(doc map[string]any, dotted string) (any, bool) {
	parts := strings.Split(dotted, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
