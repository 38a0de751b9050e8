package core

import (
	"fmt"
	"sort"
	"time"
)

// WindowKind selects the windowing discipline of a rule.
type WindowKind string

const (
	WindowTumbling WindowKind = "tumbling"
	WindowSliding  WindowKind = "sliding"
)

// WindowSpec declares a rule's evaluation window.
type WindowSpec struct {
	Kind     WindowKind    `yaml:"kind" json:"kind"`
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// AggOp is an aggregation operator applied per group key within a window.
type AggOp string

const (
	AggCount  AggOp = "count"
	AggDCount AggOp = "dcount"
	AggSum    AggOp = "sum"
	AggMax    AggOp = "max"
	AggMin    AggOp = "min"
	AggSet    AggOp = "set"
	AggList   AggOp = "list"
)

// Aggregation names one aggregate computed over the window. Field is unused
// for count.
type Aggregation struct {
	Name  string `yaml:"name" json:"name"`
	Op    AggOp  `yaml:"op" json:"op"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
}

// JoinKind selects correlation semantics.
type JoinKind string

const (
	// JoinInner emits only when both sides match within the time delta.
	JoinInner JoinKind = "inner"
	// JoinLeftOuter emits left-only groups with zeroed right aggregates
	// when no right-side event arrives before the left entry expires.
	JoinLeftOuter JoinKind = "leftouter"
)

// CorrelationSpec declares a time-bounded join between the rule's primary
// (left) filtered stream and a second independently filtered (right) stream.
type CorrelationSpec struct {
	Kind         JoinKind      `yaml:"kind" json:"kind"`
	Source       SourceType    `yaml:"source" json:"source"`
	Filter       *Predicate    `yaml:"filter" json:"filter"`
	JoinKeys     []string      `yaml:"join_keys" json:"join_keys"`
	MaxDelta     time.Duration `yaml:"max_delta" json:"max_delta"`
	Aggregations []Aggregation `yaml:"aggregations,omitempty" json:"aggregations,omitempty"`
}

// SeverityBand maps a score lower bound to a severity label. Bands are
// declared ascending by bound and must start at zero so every non-negative
// score lands in exactly one band.
type SeverityBand struct {
	MinScore float64  `yaml:"min_score" json:"min_score"`
	Label    Severity `yaml:"label" json:"label"`
}

// RuleDefinition is a parsed, validated detection rule. Immutable once
// activated; the registry replaces rule sets wholesale on reload.
type RuleDefinition struct {
	RuleID      string `yaml:"rule_id" json:"rule_id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool   `yaml:"enabled" json:"enabled"`

	Source       SourceType       `yaml:"source" json:"source"`
	Filter       *Predicate       `yaml:"filter" json:"filter"`
	GroupBy      []string         `yaml:"group_by" json:"group_by"`
	Window       WindowSpec       `yaml:"window" json:"window"`
	Correlation  *CorrelationSpec `yaml:"correlation,omitempty" json:"correlation,omitempty"`
	Aggregations []Aggregation    `yaml:"aggregations" json:"aggregations"`
	Scoring      ScoringSpec      `yaml:"scoring" json:"scoring"`
	Severity     []SeverityBand   `yaml:"severity" json:"severity"`
	DedupWindow  time.Duration    `yaml:"dedup_window" json:"dedup_window"`

	Tags            []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	MitreTactics    []string `yaml:"mitre_tactics,omitempty" json:"mitre_tactics,omitempty"`
	MitreTechniques []string `yaml:"mitre_techniques,omitempty" json:"mitre_techniques,omitempty"`
}

// Correlated reports whether the rule joins a second stream.
func (r *RuleDefinition) Correlated() bool { return r.Correlation != nil }

// AggregationNames returns the declared aggregate names, left side first,
// then correlation-side aggregates.
func (r *RuleDefinition) AggregationNames() map[string]struct{} {
	names := make(map[string]struct{}, len(r.Aggregations))
	for _, a := range r.Aggregations {
		names[a.Name] = struct{}{}
	}
	if r.Correlation != nil {
		for _, a := range r.Correlation.Aggregations {
			names[a.Name] = struct{}{}
		}
	}
	return names
}

// SeverityFor assigns the severity band for a score: the highest declared
// lower bound that does not exceed the score wins. Assumes ValidateSeverity
// passed, so bands are ascending and start at zero.
func (r *RuleDefinition) SeverityFor(score float64) Severity {
	label := r.Severity[0].Label
	for _, band := range r.Severity {
		if score < band.MinScore {
			break
		}
		label = band.Label
	}
	return label
}

// ValidateSeverity checks that bands are monotonic, exhaustive over scores
// >= 0, and carry known labels in a non-decreasing severity ordering.
func (r *RuleDefinition) ValidateSeverity() error {
	if len(r.Severity) == 0 {
		return fmt.Errorf("no severity bands declared")
	}
	if !sort.SliceIsSorted(r.Severity, func(i, j int) bool {
		return r.Severity[i].MinScore < r.Severity[j].MinScore
	}) {
		return fmt.Errorf("severity bands not ascending by min_score")
	}
	if r.Severity[0].MinScore != 0 {
		return fmt.Errorf("severity bands must start at min_score 0")
	}
	prev := -1
	for _, band := range r.Severity {
		rank, ok := severityRank[band.Label]
		if !ok {
			return fmt.Errorf("unknown severity label %q", band.Label)
		}
		if rank < prev {
			return fmt.Errorf("severity labels must not decrease with score")
		}
		prev = rank
	}
	return nil
}
