package core

import (
	"fmt"
	"strings"
)

// MatchOp is a comparison operator usable in filter predicates.
type MatchOp string

const (
	OpEq       MatchOp = "eq"
	OpNe       MatchOp = "ne"
	OpGt       MatchOp = "gt"
	OpGte      MatchOp = "gte"
	OpLt       MatchOp = "lt"
	OpLte      MatchOp = "lte"
	OpContains MatchOp = "contains"
	OpPrefix   MatchOp = "prefix"
	OpSuffix   MatchOp = "suffix"
	OpIn       MatchOp = "in"
	OpInRef    MatchOp = "in_ref"
	OpExists   MatchOp = "exists"
)

// Predicate is a boolean expression tree over event fields. Exactly one of
// All/Any/Not or a leaf comparison (Field+Op) must be set per node.
type Predicate struct {
	All []*Predicate `yaml:"all,omitempty" json:"all,omitempty"`
	Any []*Predicate `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Predicate   `yaml:"not,omitempty" json:"not,omitempty"`

	Field  string        `yaml:"field,omitempty" json:"field,omitempty"`
	Op     MatchOp       `yaml:"op,omitempty" json:"op,omitempty"`
	Value  interface{}   `yaml:"value,omitempty" json:"value,omitempty"`
	Values []interface{} `yaml:"values,omitempty" json:"values,omitempty"`
	Ref    string        `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// Eval evaluates the predicate against an event. Reference sets back the
// in_ref operator. A type mismatch between operator and field value is an
// error so the caller can skip the event and count it, never crash.
func (p *Predicate) Eval(e *Event, refs ReferenceSets) (bool, error) {
	switch {
	case len(p.All) > 0:
		for _, sub := range p.All {
			ok, err := sub.Eval(e, refs)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(p.Any) > 0:
		for _, sub := range p.Any {
			ok, err := sub.Eval(e, refs)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case p.Not != nil:
		ok, err := p.Not.Eval(e, refs)
		return !ok, err
	}
	return p.evalLeaf(e, refs)
}

func (p *Predicate) evalLeaf(e *Event, refs ReferenceSets) (bool, error) {
	if p.Op == OpExists {
		_, ok := e.Field(p.Field)
		return ok, nil
	}

	switch p.Op {
	case OpGt, OpGte, OpLt, OpLte:
		have, err := e.FieldNumber(p.Field)
		if err != nil {
			// Absent field is a non-match, not an evaluation error.
			if _, ok := e.Field(p.Field); !ok {
				return false, nil
			}
			return false, err
		}
		want, err := toFloat(p.Value)
		if err != nil {
			return false, fmt.Errorf("predicate on %q: %w", p.Field, err)
		}
		switch p.Op {
		case OpGt:
			return have > want, nil
		case OpGte:
			return have >= want, nil
		case OpLt:
			return have < want, nil
		default:
			return have <= want, nil
		}
	}

	have, ok := e.FieldString(p.Field)
	if !ok {
		return false, nil
	}

	switch p.Op {
	case OpEq:
		return have == stringify(p.Value), nil
	case OpNe:
		return have != stringify(p.Value), nil
	case OpContains:
		return strings.Contains(have, stringify(p.Value)), nil
	case OpPrefix:
		return strings.HasPrefix(have, stringify(p.Value)), nil
	case OpSuffix:
		return strings.HasSuffix(have, stringify(p.Value)), nil
	case OpIn:
		for _, v := range p.Values {
			if have == stringify(v) {
				return true, nil
			}
		}
		return false, nil
	case OpInRef:
		set, ok := refs[p.Ref]
		if !ok {
			return false, fmt.Errorf("reference set %q not loaded", p.Ref)
		}
		return set.Contains(have), nil
	}
	return false, fmt.Errorf("unknown operator %q", p.Op)
}

// Fields returns every field name the predicate tree references, for
// validation against the source-type schema.
func (p *Predicate) Fields() []string {
	var out []string
	p.walk(func(leaf *Predicate) {
		if leaf.Field != "" {
			out = append(out, leaf.Field)
		}
	})
	return out
}

// Refs returns every reference-set name the predicate tree uses.
func (p *Predicate) Refs() []string {
	var out []string
	p.walk(func(leaf *Predicate) {
		if leaf.Op == OpInRef && leaf.Ref != "" {
			out = append(out, leaf.Ref)
		}
	})
	return out
}

func (p *Predicate) walk(fn func(*Predicate)) {
	for _, sub := range p.All {
		sub.walk(fn)
	}
	for _, sub := range p.Any {
		sub.walk(fn)
	}
	if p.Not != nil {
		p.Not.walk(fn)
	}
	if len(p.All) == 0 && len(p.Any) == 0 && p.Not == nil {
		fn(p)
	}
}

// Validate checks structural well-formedness of the predicate tree.
func (p *Predicate) Validate() error {
	branches := 0
	if len(p.All) > 0 {
		branches++
	}
	if len(p.Any) > 0 {
		branches++
	}
	if p.Not != nil {
		branches++
	}
	if branches > 1 {
		return fmt.Errorf("predicate node mixes all/any/not")
	}
	if branches == 1 {
		if p.Field != "" || p.Op != "" {
			return fmt.Errorf("predicate node mixes branch and leaf forms")
		}
		for _, sub := range append(append([]*Predicate{}, p.All...), p.Any...) {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
		if p.Not != nil {
			return p.Not.Validate()
		}
		return nil
	}
	if p.Field == "" {
		return fmt.Errorf("predicate leaf missing field")
	}
	switch p.Op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains, OpPrefix, OpSuffix, OpExists:
	case OpIn:
		if len(p.Values) == 0 {
			return fmt.Errorf("predicate %q: in operator requires values", p.Field)
		}
	case OpInRef:
		if p.Ref == "" {
			return fmt.Errorf("predicate %q: in_ref operator requires ref", p.Field)
		}
	default:
		return fmt.Errorf("predicate %q: unknown operator %q", p.Field, p.Op)
	}
	return nil
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	case uint64:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
