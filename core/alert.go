package core

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is a discrete alert severity tier.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of the severity, info lowest.
func (s Severity) Rank() int { return severityRank[s] }

// AggValue is one aggregate value in a snapshot. Number carries
// count/dcount/sum/max/min results; Values carries set/list members.
type AggValue struct {
	Number float64  `json:"number"`
	Values []string `json:"values,omitempty"`
}

// AggregationSnapshot is a frozen copy of a window's aggregate state taken
// at scoring time. Later window mutation never changes an emitted snapshot.
type AggregationSnapshot struct {
	RuleID        string              `json:"rule_id"`
	GroupKey      string              `json:"group_key"`
	GroupFields   map[string]string   `json:"group_fields"`
	Values        map[string]AggValue `json:"values"`
	WindowStart   time.Time           `json:"window_start"`
	WindowEnd     time.Time           `json:"window_end"`
	EventIDs      []string            `json:"event_ids"`
	IsApproximate bool                `json:"is_approximate"`
}

// Numeric returns the scoring view of the snapshot: every aggregate as a
// float64, with set/list aggregates contributing their cardinality.
func (s *AggregationSnapshot) Numeric() map[string]float64 {
	out := make(map[string]float64, len(s.Values))
	for name, v := range s.Values {
		if v.Values != nil {
			out[name] = float64(len(v.Values))
		} else {
			out[name] = v.Number
		}
	}
	return out
}

// Alert is a scored, enriched detection result. Immutable after creation.
type Alert struct {
	AlertID         string              `json:"alert_id"`
	RuleID          string              `json:"rule_id"`
	RuleName        string              `json:"rule_name"`
	GroupKey        string              `json:"group_key"`
	GroupFields     map[string]string   `json:"group_fields"`
	Score           float64             `json:"score"`
	Severity        Severity            `json:"severity"`
	Aggregations    map[string]AggValue `json:"aggregations"`
	GeneratedAt     time.Time           `json:"generated_at"`
	EventIDs        []string            `json:"contributing_event_ids"`
	IsApproximate   bool                `json:"is_approximate"`
	SuppressedCount int64               `json:"suppressed_count"`
	MitreTactics    []string            `json:"mitre_tactics,omitempty"`
	MitreTechniques []string            `json:"mitre_techniques,omitempty"`
}

// NewAlert builds an Alert from a rule and a frozen snapshot.
func NewAlert(rule *RuleDefinition, snap *AggregationSnapshot, score float64) *Alert {
	return &Alert{
		AlertID:         uuid.New().String(),
		RuleID:          rule.RuleID,
		RuleName:        rule.Name,
		GroupKey:        snap.GroupKey,
		GroupFields:     snap.GroupFields,
		Score:           score,
		Severity:        rule.SeverityFor(score),
		Aggregations:    snap.Values,
		GeneratedAt:     time.Now().UTC(),
		EventIDs:        snap.EventIDs,
		IsApproximate:   snap.IsApproximate,
		MitreTactics:    rule.MitreTactics,
		MitreTechniques: rule.MitreTechniques,
	}
}

// GroupKeyString renders an ordered group-key tuple as a stable string for
// map keys and dedup fingerprints.
func GroupKeyString(fields []string, values map[string]string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+"="+values[f])
	}
	if len(fields) == 0 {
		var keys []string
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+values[k])
		}
	}
	return strings.Join(parts, "\x1f")
}
