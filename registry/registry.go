// Package registry owns the active rule set and its reference sets. Rule
// sets are validated as a whole and swapped atomically: evaluators read a
// copy-on-write snapshot and never observe a half-updated set. A failed load
// leaves the prior set in force.
package registry

import (
	"fmt"
	"sync/atomic"
	"time"

	"argus/core"

	"go.uber.org/zap"
)

// RuleSet is an immutable snapshot of active rules plus reference sets.
type RuleSet struct {
	Version  int64
	LoadedAt time.Time
	Rules    []*core.RuleDefinition
	Refs     core.ReferenceSets

	byID map[string]*core.RuleDefinition
}

// Rule returns the rule with the given ID, or nil.
func (rs *RuleSet) Rule(id string) *core.RuleDefinition { return rs.byID[id] }

// MaxWindow returns the largest window or correlation delta across active
// rules reading the given source type. The ingest buffer derives its
// retention horizon from this.
func (rs *RuleSet) MaxWindow(st core.SourceType) time.Duration {
	var max time.Duration
	for _, r := range rs.Rules {
		if !r.Enabled {
			continue
		}
		span := r.Window.Duration
		if r.Correlation != nil && r.Correlation.MaxDelta > span {
			span = r.Correlation.MaxDelta
		}
		if r.Source == st && span > max {
			max = span
		}
		if r.Correlation != nil && r.Correlation.Source == st && span > max {
			max = span
		}
	}
	return max
}

// Registry holds the active rule set behind an atomic pointer so reloads
// never block evaluators.
type Registry struct {
	active  atomic.Pointer[RuleSet]
	version atomic.Int64
	logger  *zap.SugaredLogger
}

// New creates a registry with an empty active set.
func New(logger *zap.SugaredLogger) *Registry {
	r := &Registry{logger: logger}
	r.active.Store(&RuleSet{
		LoadedAt: time.Now().UTC(),
		Refs:     core.ReferenceSets{},
		byID:     map[string]*core.RuleDefinition{},
	})
	return r
}

// Active returns the current rule set snapshot. Never nil.
func (r *Registry) Active() *RuleSet { return r.active.Load() }

// Load validates the candidate rules and reference sets and, if every rule
// passes, swaps them in as the new active set. On any validation error the
// prior set stays active and the full error list is returned.
func (r *Registry) Load(defs []*core.RuleDefinition, refs core.ReferenceSets) []core.RuleValidationError {
	if refs == nil {
		refs = core.ReferenceSets{}
	}
	for _, rs := range refs {
		rs.Build()
	}

	var errs []core.RuleValidationError
	byID := make(map[string]*core.RuleDefinition, len(defs))
	for _, def := range defs {
		if def.RuleID == "" {
			errs = append(errs, core.RuleValidationError{RuleID: "(unnamed)", Reason: "rule_id is required"})
			continue
		}
		if _, dup := byID[def.RuleID]; dup {
			errs = append(errs, core.RuleValidationError{RuleID: def.RuleID, Reason: "duplicate rule_id"})
			continue
		}
		for _, reason := range validateRule(def, refs) {
			errs = append(errs, core.RuleValidationError{RuleID: def.RuleID, Reason: reason})
		}
		byID[def.RuleID] = def
	}
	if len(errs) > 0 {
		r.logger.Warnw("rule set rejected, keeping prior set",
			"candidates", len(defs), "errors", len(errs))
		return errs
	}

	next := &RuleSet{
		Version:  r.version.Add(1),
		LoadedAt: time.Now().UTC(),
		Rules:    defs,
		Refs:     refs,
		byID:     byID,
	}
	r.active.Store(next)
	r.logger.Infow("rule set activated",
		"version", next.Version, "rules", len(defs), "reference_sets", len(refs))
	return nil
}

// validateRule returns every reason the definition is invalid.
func validateRule(def *core.RuleDefinition, refs core.ReferenceSets) []string {
	var reasons []string
	fail := func(format string, args ...interface{}) {
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	if !def.Source.Valid() {
		fail("unknown source type %q", def.Source)
		return reasons
	}
	if def.Filter == nil {
		fail("filter is required")
	} else {
		if err := def.Filter.Validate(); err != nil {
			fail("filter: %v", err)
		}
		for _, f := range def.Filter.Fields() {
			if !core.KnownField(def.Source, f) {
				fail("filter references unknown field %q for source %s", f, def.Source)
			}
		}
		for _, ref := range def.Filter.Refs() {
			if _, ok := refs[ref]; !ok {
				fail("filter references unloaded reference set %q", ref)
			}
		}
	}

	if len(def.GroupBy) == 0 {
		fail("group_by must name at least one field")
	}
	for _, g := range def.GroupBy {
		if !core.KnownField(def.Source, g) {
			fail("group_by field %q unknown for source %s", g, def.Source)
		}
	}

	switch def.Window.Kind {
	case core.WindowTumbling, core.WindowSliding:
	default:
		fail("window kind %q unknown", def.Window.Kind)
	}
	if def.Window.Duration <= 0 {
		fail("window duration must be positive")
	}

	if len(def.Aggregations) == 0 {
		fail("at least one aggregation is required")
	}
	validateAggs(def.Aggregations, def.Source, fail)

	if c := def.Correlation; c != nil {
		if c.Kind != core.JoinInner && c.Kind != core.JoinLeftOuter {
			fail("correlation kind %q unknown", c.Kind)
		}
		if !c.Source.Valid() {
			fail("correlation source type %q unknown", c.Source)
		} else {
			if c.Filter == nil {
				fail("correlation filter is required")
			} else {
				if err := c.Filter.Validate(); err != nil {
					fail("correlation filter: %v", err)
				}
				for _, f := range c.Filter.Fields() {
					if !core.KnownField(c.Source, f) {
						fail("correlation filter references unknown field %q for source %s", f, c.Source)
					}
				}
				for _, ref := range c.Filter.Refs() {
					if _, ok := refs[ref]; !ok {
						fail("correlation filter references unloaded reference set %q", ref)
					}
				}
			}
			if len(c.JoinKeys) == 0 {
				fail("correlation join_keys must name at least one field")
			}
			for _, k := range c.JoinKeys {
				if !core.KnownField(def.Source, k) {
					fail("join key %q unknown on left source %s", k, def.Source)
				}
				if !core.KnownField(c.Source, k) {
					fail("join key %q unknown on right source %s", k, c.Source)
				}
			}
			validateAggs(c.Aggregations, c.Source, fail)
		}
		if c.MaxDelta <= 0 {
			fail("correlation max_delta must be positive")
		}
	}

	declared := def.AggregationNames()
	if err := def.Scoring.Validate(declared); err != nil {
		fail("scoring: %v", err)
	}
	if err := def.ValidateSeverity(); err != nil {
		fail("severity: %v", err)
	}
	if def.DedupWindow < 0 {
		fail("dedup_window must not be negative")
	}
	return reasons
}

func validateAggs(aggs []core.Aggregation, st core.SourceType, fail func(string, ...interface{})) {
	seen := make(map[string]struct{}, len(aggs))
	for _, a := range aggs {
		if a.Name == "" {
			fail("aggregation missing name")
			continue
		}
		if _, dup := seen[a.Name]; dup {
			fail("duplicate aggregation name %q", a.Name)
		}
		seen[a.Name] = struct{}{}
		switch a.Op {
		case core.AggCount:
			// field is ignored
		case core.AggDCount, core.AggSum, core.AggMax, core.AggMin, core.AggSet, core.AggList:
			if a.Field == "" {
				fail("aggregation %q requires a field", a.Name)
			} else if !core.KnownField(st, a.Field) {
				fail("aggregation %q field %q unknown for source %s", a.Name, a.Field, st)
			}
		default:
			fail("aggregation %q has unknown op %q", a.Name, a.Op)
		}
	}
}
