package objects

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// ExprKind tags the variant of a condition expression node.
type ExprKind string

const (
	ExprEq  ExprKind = "eq"
	ExprNe  ExprKind = "ne"
	ExprIn  ExprKind = "in"
	ExprGt  ExprKind = "gt"
	ExprGte ExprKind = "gte"
	ExprLt  ExprKind = "lt"
	ExprLte ExprKind = "lte"
	ExprAnd ExprKind = "and"
	ExprOr  ExprKind = "or"
	ExprNot ExprKind = "not"
)

// Expr is a tagged-variant condition expression evaluated by a pure
// interpreter. Comparison nodes reference an attribute of the evaluation
// environment and compare it to a literal; and/or/not nodes combine children.
//
//	{kind: gt, attr: amount, value: 1000}
//	{kind: and, args: [{kind: eq, attr: org, value: fin}, {kind: in, attr: region, value: [eu, us]}]}
type Expr struct {
	Kind  ExprKind `json:"kind"            yaml:"kind"`
	Attr  string   `json:"attr,omitempty"  yaml:"attr,omitempty"`
	Value any      `json:"value,omitempty" yaml:"value,omitempty"`
	Args  []*Expr  `json:"args,omitempty"  yaml:"args,omitempty"`
}

// Evaluate interprets the expression against the given environment. Missing
// attributes make comparison nodes false, never an error: conditions gate
// access, so an absent attribute must fail closed.
func (e *Expr) Evaluate(env map[string]any) (bool, error) {
	if e == nil {
		return true, nil
	}

	switch e.Kind {
	case ExprAnd:
		for _, arg := range e.Args {
			ok, err := arg.Evaluate(env)
			if err != nil || !ok {
				return false, err
			}
		}

		return true, nil
	case ExprOr:
		for _, arg := range e.Args {
			ok, err := arg.Evaluate(env)
			if err != nil {
				return false, err
			}

			if ok {
				return true, nil
			}
		}

		return false, nil
	case ExprNot:
		if len(e.Args) != 1 {
			return false, fmt.Errorf("expr: not requires exactly one argument, got %d", len(e.Args))
		}

		ok, err := e.Args[0].Evaluate(env)
		if err != nil {
			return false, err
		}

		return !ok, nil
	case ExprEq, ExprNe:
		actual, exists := env[e.Attr]
		if !exists {
			return false, nil
		}

		equal := looselyEqual(actual, e.Value)
		if e.Kind == ExprNe {
			return !equal, nil
		}

		return equal, nil
	case ExprIn:
		actual, exists := env[e.Attr]
		if !exists {
			return false, nil
		}

		candidates, err := cast.ToSliceE(e.Value)
		if err != nil {
			return false, fmt.Errorf("expr: in requires a list value: %w", err)
		}

		for _, candidate := range candidates {
			if looselyEqual(actual, candidate) {
				return true, nil
			}
		}

		return false, nil
	case ExprGt, ExprGte, ExprLt, ExprLte:
		actual, exists := env[e.Attr]
		if !exists {
			return false, nil
		}

		left, err := toDecimal(actual)
		if err != nil {
			return false, err
		}

		right, err := toDecimal(e.Value)
		if err != nil {
			return false, err
		}

		switch e.Kind {
		case ExprGt:
			return left.GreaterThan(right), nil
		case ExprGte:
			return left.GreaterThanOrEqual(right), nil
		case ExprLt:
			return left.LessThan(right), nil
		default:
			return left.LessThanOrEqual(right), nil
		}
	default:
		return false, fmt.Errorf("expr: unknown kind %q", e.Kind)
	}
}

// Validate checks the expression tree shape without evaluating it.
func (e *Expr) Validate() error {
	if e == nil {
		return nil
	}

	switch e.Kind {
	case ExprAnd, ExprOr:
		if len(e.Args) == 0 {
			return fmt.Errorf("expr: %s requires at least one argument", e.Kind)
		}

		for _, arg := range e.Args {
			if err := arg.Validate(); err != nil {
				return err
			}
		}

		return nil
	case ExprNot:
		if len(e.Args) != 1 {
			return fmt.Errorf("expr: not requires exactly one argument, got %d", len(e.Args))
		}

		return e.Args[0].Validate()
	case ExprEq, ExprNe, ExprIn, ExprGt, ExprGte, ExprLt, ExprLte:
		if e.Attr == "" {
			return fmt.Errorf("expr: %s requires an attr", e.Kind)
		}

		return nil
	default:
		return fmt.Errorf("expr: unknown kind %q", e.Kind)
	}
}

// looselyEqual compares scalars after normalizing numeric and string forms, so
// YAML-sourced config values compare naturally against record attributes.
func looselyEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}

	if da, err := toDecimal(a); err == nil {
		if db, err := toDecimal(b); err == nil {
			return da.Equal(db)
		}
	}

	return strings.EqualFold(cast.ToString(a), cast.ToString(b))
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch value := v.(type) {
	case decimal.Decimal:
		return value, nil
	case string:
		return decimal.NewFromString(value)
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("expr: value %v is not numeric", v)
		}

		return decimal.NewFromFloat(f), nil
	}
}
