// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package rule

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cast"
)

// Operator is a generic condition operator evaluated against the flat
// context map.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpRegex    Operator = "regex"
)

// ConditionLogic combines the results of a rule's condition list.
type ConditionLogic string

const (
	LogicAll ConditionLogic = "all"
	LogicAny ConditionLogic = "any"
)

// ParseLogic validates a logic string; empty defaults to "all".
func ParseLogic(s string) (ConditionLogic, error) {
	switch ConditionLogic(strings.ToLower(s)) {
	case LogicAll, "":
		return LogicAll, nil
	case LogicAny:
		return LogicAny, nil
	default:
		return "", fmt.Errorf("unknown condition logic: %s", s)
	}
}

// Condition is one ad-hoc predicate: a context field, an operator and
// an operand. It shares the evaluation contract with the fixed-schema
// matchers, both run against the same flat context.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`

	re *regexp.Regexp // compiled for OpRegex at validation time
}

// compile validates the operator and pre-compiles regex operands so a
// bad pattern is an administration-time error, never an evaluation
// fault.
func (c *Condition) compile() error {
	if c.Field == "" {
		return fmt.Errorf("condition field is empty")
	}
	switch c.Operator {
	case OpEq, OpNe, OpContains, OpIn, OpNotIn, OpGt, OpGte, OpLt, OpLte:
		return nil
	case OpRegex:
		pattern, err := cast.ToStringE(c.Value)
		if err != nil {
			return fmt.Errorf("regex operand must be a string: %w", err)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		c.re = re
		return nil
	default:
		return fmt.Errorf("unsupported operator: %s", c.Operator)
	}
}

// EvalConditions evaluates a condition list against the flat context
// with ALL/ANY logic. An empty list matches. Errors indicate an
// evaluation fault (unsupported operator, uncoercible operand) that
// the caller maps to default-deny for this flow only.
func EvalConditions(conds []Condition, logic ConditionLogic, flat map[string]interface{}) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}
	logic, err := ParseLogic(string(logic))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	for i := range conds {
		ok, err := conds[i].Eval(flat)
		if err != nil {
			return false, err
		}
		if logic == LogicAny && ok {
			return true, nil
		}
		if logic == LogicAll && !ok {
			return false, nil
		}
	}
	return logic == LogicAll, nil
}

// Eval evaluates a single condition against the flat context. A field
// absent from the context compares as the empty string.
func (c *Condition) Eval(flat map[string]interface{}) (bool, error) {
	actual := flat[c.Field]

	switch c.Operator {
	case OpEq:
		return equalFold(actual, c.Value), nil
	case OpNe:
		return !equalFold(actual, c.Value), nil
	case OpContains:
		return contains(actual, c.Value), nil
	case OpIn:
		return member(actual, c.Value), nil
	case OpNotIn:
		return !member(actual, c.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		return c.compare(actual)
	case OpRegex:
		re := c.re
		if re == nil {
			// Condition was built without compile (e.g. loaded raw);
			// fall back to compiling on the spot.
			pattern, err := cast.ToStringE(c.Value)
			if err != nil {
				return false, fmt.Errorf("%w: regex operand: %v", ErrEvaluation, err)
			}
			re, err = regexp.Compile(pattern)
			if err != nil {
				return false, fmt.Errorf("%w: regex: %v", ErrEvaluation, err)
			}
		}
		return re.MatchString(cast.ToString(actual)), nil
	default:
		return false, fmt.Errorf("%w: unsupported operator %s", ErrEvaluation, c.Operator)
	}
}

func (c *Condition) compare(actual interface{}) (bool, error) {
	a, err := cast.ToFloat64E(actual)
	if err != nil {
		return false, fmt.Errorf("%w: field %s is not numeric: %v", ErrEvaluation, c.Field, err)
	}
	b, err := cast.ToFloat64E(c.Value)
	if err != nil {
		return false, fmt.Errorf("%w: operand for %s is not numeric: %v", ErrEvaluation, c.Field, err)
	}
	switch c.Operator {
	case OpGt:
		return a > b, nil
	case OpGte:
		return a >= b, nil
	case OpLt:
		return a < b, nil
	default:
		return a <= b, nil
	}
}

func equalFold(a, b interface{}) bool {
	return strings.EqualFold(cast.ToString(a), cast.ToString(b))
}

// contains matches substrings for scalar fields and membership for
// slice-valued fields (groups, anomalies, restrictions).
func contains(actual, operand interface{}) bool {
	want := cast.ToString(operand)
	if list, err := cast.ToStringSliceE(actual); err == nil && !isScalarString(actual) {
		for _, v := range list {
			if strings.EqualFold(v, want) {
				return true
			}
		}
		return false
	}
	return strings.Contains(
		strings.ToLower(cast.ToString(actual)),
		strings.ToLower(want),
	)
}

// member reports whether the actual value is one of the operand list.
func member(actual, operand interface{}) bool {
	list, err := cast.ToStringSliceE(operand)
	if err != nil {
		return equalFold(actual, operand)
	}
	got := cast.ToString(actual)
	for _, v := range list {
		if strings.EqualFold(v, got) {
			return true
		}
	}
	return false
}

func isScalarString(v interface{}) bool {
	_, ok := v.(string)
	return ok
}
