// Package condition evaluates condition trees against an execution's
// context. Evaluation is pure: the same tree and context always give the
// same answer, and the context is never modified.
package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// Evaluate returns whether cond holds in ctx. Fields absent from ctx are
// null: every comparison against null is false except is-empty, which is
// true. Unknown operators and type mismatches return a
// CONDITION_EVALUATION_ERROR.
func Evaluate(cond domain.Condition, ctx map[string]any) (bool, error) {
	switch cond.Op {
	case domain.OpAnd, domain.OpOr:
		if len(cond.Conditions) == 0 {
			return false, domain.NewConditionError("%s needs at least one condition", cond.Op)
		}
		// every child is evaluated so a broken operand surfaces even when
		// an earlier one already decided the result
		result := cond.Op == domain.OpAnd
		for _, child := range cond.Conditions {
			ok, err := Evaluate(child, ctx)
			if err != nil {
				return false, err
			}
			if cond.Op == domain.OpAnd {
				result = result && ok
			} else {
				result = result || ok
			}
		}
		return result, nil
	case domain.OpNot:
		if len(cond.Conditions) != 1 {
			return false, domain.NewConditionError("not needs exactly one condition, got %d", len(cond.Conditions))
		}
		ok, err := Evaluate(cond.Conditions[0], ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	if cond.Field == "" {
		if isLeaf(cond.Op) {
			return false, domain.NewConditionError("%s needs a field", cond.Op)
		}
		return false, domain.NewConditionError("unknown operator %q", cond.Op)
	}
	actual, _ := Resolve(ctx, cond.Field)

	switch cond.Op {
	case domain.OpEquals:
		if actual == nil || cond.Value == nil {
			return false, nil
		}
		return equal(actual, cond.Value), nil
	case domain.OpNotEquals:
		if actual == nil || cond.Value == nil {
			return false, nil
		}
		return !equal(actual, cond.Value), nil
	case domain.OpGreaterThan, domain.OpLessThan:
		cmp, ok, err := compare(cond.Field, actual, cond.Value)
		if err != nil || !ok {
			return false, err
		}
		if cond.Op == domain.OpGreaterThan {
			return cmp > 0, nil
		}
		return cmp < 0, nil
	case domain.OpContains:
		return contains(cond.Field, actual, cond.Value)
	case domain.OpIsEmpty:
		expected := true
		if cond.Value != nil {
			b, ok := cond.Value.(bool)
			if !ok {
				return false, domain.NewConditionError("is-empty on %s expects a boolean value, got %T", cond.Field, cond.Value)
			}
			expected = b
		}
		return isEmpty(actual) == expected, nil
	}
	return false, domain.NewConditionError("unknown operator %q", cond.Op)
}

// Validate checks the parts of a tree that do not depend on the context:
// operators, arity and literal types. Definitions are validated with it
// before they are saved.
func Validate(cond domain.Condition) error {
	switch cond.Op {
	case domain.OpAnd, domain.OpOr:
		if len(cond.Conditions) == 0 {
			return domain.NewConditionError("%s needs at least one condition", cond.Op)
		}
		for _, child := range cond.Conditions {
			if err := Validate(child); err != nil {
				return err
			}
		}
		return nil
	case domain.OpNot:
		if len(cond.Conditions) != 1 {
			return domain.NewConditionError("not needs exactly one condition, got %d", len(cond.Conditions))
		}
		return Validate(cond.Conditions[0])
	}
	if !isLeaf(cond.Op) {
		return domain.NewConditionError("unknown operator %q", cond.Op)
	}
	if cond.Field == "" {
		return domain.NewConditionError("%s needs a field", cond.Op)
	}
	if len(cond.Conditions) > 0 {
		return domain.NewConditionError("%s on %s cannot have nested conditions", cond.Op, cond.Field)
	}
	switch cond.Op {
	case domain.OpEquals, domain.OpNotEquals, domain.OpContains:
		if cond.Value == nil {
			return domain.NewConditionError("%s on %s needs a value", cond.Op, cond.Field)
		}
	case domain.OpGreaterThan, domain.OpLessThan:
		if _, ok := toNumber(cond.Value); ok {
			return nil
		}
		if _, ok := toTime(cond.Value); ok {
			return nil
		}
		return domain.NewConditionError("%s on %s needs a numeric or RFC3339 literal, got %v", cond.Op, cond.Field, cond.Value)
	case domain.OpIsEmpty:
		if cond.Value != nil {
			if _, ok := cond.Value.(bool); !ok {
				return domain.NewConditionError("is-empty on %s expects a boolean value, got %T", cond.Field, cond.Value)
			}
		}
	}
	return nil
}

func isLeaf(op domain.ConditionOp) bool {
	switch op {
	case domain.OpEquals, domain.OpNotEquals, domain.OpGreaterThan, domain.OpLessThan, domain.OpContains, domain.OpIsEmpty:
		return true
	}
	return false
}

func equal(actual, expected any) bool {
	if a, ok := toNumber(actual); ok {
		if b, ok := toNumber(expected); ok {
			return a == b
		}
		return false
	}
	switch a := actual.(type) {
	case string:
		b, ok := expected.(string)
		return ok && a == b
	case bool:
		b, ok := expected.(bool)
		return ok && a == b
	}
	return reflect.DeepEqual(normalize(actual), normalize(expected))
}

// compare orders actual against the literal. ok is false when actual is null.
func compare(field string, actual, literal any) (int, bool, error) {
	if lt, isTime := toTime(literal); isTime {
		if actual == nil {
			return 0, false, nil
		}
		at, ok := toTime(actual)
		if !ok {
			return 0, false, domain.NewConditionError("%s is %T, cannot compare with date %v", field, actual, literal)
		}
		return at.Compare(lt), true, nil
	}
	b, ok := toNumber(literal)
	if !ok {
		return 0, false, domain.NewConditionError("cannot order %s against non-numeric literal %v", field, literal)
	}
	if actual == nil {
		return 0, false, nil
	}
	a, ok := toNumber(actual)
	if !ok {
		if s, isString := actual.(string); isString {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				a, ok = parsed, true
			}
		}
	}
	if !ok {
		return 0, false, domain.NewConditionError("%s is %T, cannot compare with %v", field, actual, literal)
	}
	switch {
	case a > b:
		return 1, true, nil
	case a < b:
		return -1, true, nil
	}
	return 0, true, nil
}

func contains(field string, actual, literal any) (bool, error) {
	if literal == nil {
		return false, domain.NewConditionError("contains on %s needs a value", field)
	}
	if actual == nil {
		return false, nil
	}
	switch a := actual.(type) {
	case string:
		s, ok := literal.(string)
		if !ok {
			return false, domain.NewConditionError("%s is a string, contains needs a string literal, got %T", field, literal)
		}
		return strings.Contains(a, s), nil
	case []any:
		for _, item := range a {
			if item != nil && equal(item, literal) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := literal.(string)
		if !ok {
			return false, domain.NewConditionError("%s is an object, contains needs a key, got %T", field, literal)
		}
		_, found := a[key]
		return found, nil
	}
	return false, domain.NewConditionError("contains is not defined for %s of type %T", field, actual)
}

func isEmpty(v any) bool {
	switch a := v.(type) {
	case nil:
		return true
	case string:
		return a == ""
	case []any:
		return len(a) == 0
	case map[string]any:
		return len(a) == 0
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

func normalize(v any) any {
	if n, ok := toNumber(v); ok {
		return n
	}
	return v
}

// Describe renders a tree for logs and step outputs.
func Describe(cond domain.Condition) string {
	switch cond.Op {
	case domain.OpAnd, domain.OpOr:
		parts := make([]string, 0, len(cond.Conditions))
		for _, c := range cond.Conditions {
			parts = append(parts, Describe(c))
		}
		return "(" + strings.Join(parts, " "+string(cond.Op)+" ") + ")"
	case domain.OpNot:
		if len(cond.Conditions) == 1 {
			return "not " + Describe(cond.Conditions[0])
		}
	case domain.OpIsEmpty:
		if cond.Value != nil {
			return fmt.Sprintf("%s is-empty == %v", cond.Field, cond.Value)
		}
		return cond.Field + " is-empty"
	}
	return fmt.Sprintf("%s %s %v", cond.Field, cond.Op, cond.Value)
}
