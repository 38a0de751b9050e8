package core

import (
	"fmt"
	"math"
)

// ScoringSpec maps a window's aggregate values to a numeric risk score.
// Cases are evaluated in declaration order and the first whose conditions
// all hold determines the score; later, higher-scoring cases are never
// consulted. Default applies when no case matches.
type ScoringSpec struct {
	Cases   []ScoreCase `yaml:"cases,omitempty" json:"cases,omitempty"`
	Default *ScoreExpr  `yaml:"default" json:"default"`
}

// ScoreCase pairs a conjunction of aggregate conditions with a score
// expression.
type ScoreCase struct {
	When []ScoreCond `yaml:"when" json:"when"`
	Then *ScoreExpr  `yaml:"then" json:"then"`
}

// ScoreCond compares one named aggregate against a constant.
type ScoreCond struct {
	Agg   string  `yaml:"agg" json:"agg"`
	Op    string  `yaml:"op" json:"op"` // > >= < <= == !=
	Value float64 `yaml:"value" json:"value"`
}

func (c ScoreCond) eval(aggs map[string]float64) (bool, error) {
	v, ok := aggs[c.Agg]
	if !ok {
		return false, fmt.Errorf("aggregate %q not computed", c.Agg)
	}
	switch c.Op {
	case ">":
		return v > c.Value, nil
	case ">=":
		return v >= c.Value, nil
	case "<":
		return v < c.Value, nil
	case "<=":
		return v <= c.Value, nil
	case "==":
		return v == c.Value, nil
	case "!=":
		return v != c.Value, nil
	}
	return false, fmt.Errorf("unknown condition operator %q", c.Op)
}

// ScoreExpr is a small arithmetic expression tree over aggregate values.
type ScoreExpr struct {
	Op    string     `yaml:"op" json:"op"` // const, agg, add, sub, mul, div, min, max
	Value float64    `yaml:"value,omitempty" json:"value,omitempty"`
	Agg   string     `yaml:"agg,omitempty" json:"agg,omitempty"`
	Left  *ScoreExpr `yaml:"left,omitempty" json:"left,omitempty"`
	Right *ScoreExpr `yaml:"right,omitempty" json:"right,omitempty"`
}

// Eval computes the expression over the aggregate values. Division by zero
// and references to undeclared aggregates are errors, surfaced as
// rule-scoped evaluation failures by the caller.
func (e *ScoreExpr) Eval(aggs map[string]float64) (float64, error) {
	switch e.Op {
	case "const":
		return e.Value, nil
	case "agg":
		v, ok := aggs[e.Agg]
		if !ok {
			return 0, fmt.Errorf("aggregate %q not computed", e.Agg)
		}
		return v, nil
	}

	l, err := e.Left.Eval(aggs)
	if err != nil {
		return 0, err
	}
	r, err := e.Right.Eval(aggs)
	if err != nil {
		return 0, err
	}
	switch e.Op {
	case "add":
		return l + r, nil
	case "sub":
		return l - r, nil
	case "mul":
		return l * r, nil
	case "div":
		if r == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case "min":
		return math.Min(l, r), nil
	case "max":
		return math.Max(l, r), nil
	}
	return 0, fmt.Errorf("unknown expression operator %q", e.Op)
}

// Validate checks structural well-formedness and that every referenced
// aggregate name is declared.
func (e *ScoreExpr) Validate(declared map[string]struct{}) error {
	switch e.Op {
	case "const":
		return nil
	case "agg":
		if _, ok := declared[e.Agg]; !ok {
			return fmt.Errorf("scoring references undeclared aggregate %q", e.Agg)
		}
		return nil
	case "add", "sub", "mul", "div", "min", "max":
		if e.Left == nil || e.Right == nil {
			return fmt.Errorf("operator %q requires left and right operands", e.Op)
		}
		if err := e.Left.Validate(declared); err != nil {
			return err
		}
		return e.Right.Validate(declared)
	}
	return fmt.Errorf("unknown expression operator %q", e.Op)
}

// Score evaluates the cases over the aggregate values, first matching case
// wins.
func (s *ScoringSpec) Score(aggs map[string]float64) (float64, error) {
	for _, sc := range s.Cases {
		matched := true
		for _, cond := range sc.When {
			ok, err := cond.eval(aggs)
			if err != nil {
				return 0, err
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			return sc.Then.Eval(aggs)
		}
	}
	if s.Default == nil {
		return 0, fmt.Errorf("no case matched and no default declared")
	}
	return s.Default.Eval(aggs)
}

// Validate checks cases and default against the declared aggregate names.
func (s *ScoringSpec) Validate(declared map[string]struct{}) error {
	if s.Default == nil && len(s.Cases) == 0 {
		return fmt.Errorf("scoring spec is empty")
	}
	for i, sc := range s.Cases {
		if len(sc.When) == 0 {
			return fmt.Errorf("case %d has no conditions", i)
		}
		if sc.Then == nil {
			return fmt.Errorf("case %d has no score expression", i)
		}
		for _, cond := range sc.When {
			if _, ok := declared[cond.Agg]; !ok {
				return fmt.Errorf("case %d references undeclared aggregate %q", i, cond.Agg)
			}
		}
		if err := sc.Then.Validate(declared); err != nil {
			return fmt.Errorf("case %d: %w", i, err)
		}
	}
	if s.Default != nil {
		if err := s.Default.Validate(declared); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	return nil
}
