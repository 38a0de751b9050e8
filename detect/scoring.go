package detect

import (
	"argus/core"
)

// Scorer turns frozen aggregation snapshots into scored alerts. It is a
// pure function of the snapshot: it never touches window state, so an
// emitted alert's aggregation values are stable no matter how the window
// mutates afterwards.
type Scorer struct{}

// NewScorer creates a scorer.
func NewScorer() *Scorer { return &Scorer{} }

// Evaluate computes the rule's score over the snapshot and assigns the
// severity band. Expression failures (division by zero, undeclared
// aggregate) come back as rule-scoped EvaluationErrors.
func (s *Scorer) Evaluate(rule *core.RuleDefinition, snap *core.AggregationSnapshot) (*core.Alert, error) {
	score, err := rule.Scoring.Score(snap.Numeric())
	if err != nil {
		return nil, &core.EvaluationError{
			RuleID:   rule.RuleID,
			GroupKey: snap.GroupKey,
			Err:      err,
		}
	}
	if score < 0 {
		score = 0
	}
	return core.NewAlert(rule, snap, score), nil
}
