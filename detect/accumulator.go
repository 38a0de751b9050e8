package detect

import (
	"fmt"
	"sort"
	"time"

	"argus/core"
)

// Limits bounds per-group accumulator growth. Distinct-value tracking
// degrades to an approximate, flagged result at the cap instead of growing
// without bound on high-cardinality fields.
type Limits struct {
	MaxDistinct int
	MaxList     int
	MaxEventIDs int
}

// DefaultLimits mirror the capped make_set semantics the rule corpus relies
// on.
var DefaultLimits = Limits{MaxDistinct: 10000, MaxList: 100, MaxEventIDs: 20}

// accumulator incrementally folds matching events into the aggregates a
// rule declares. The fold is commutative for every op except list, which is
// an explicitly order-sensitive bounded sample.
type accumulator struct {
	specs  []core.Aggregation
	limits Limits

	count    int64
	sums     map[string]float64
	mins     map[string]float64
	maxs     map[string]float64
	distinct map[string]map[string]struct{}
	lists    map[string][]string

	approximate bool
	eventIDs    []string
	first, last time.Time
}

func newAccumulator(specs []core.Aggregation, limits Limits) *accumulator {
	return &accumulator{
		specs:    specs,
		limits:   limits,
		sums:     make(map[string]float64),
		mins:     make(map[string]float64),
		maxs:     make(map[string]float64),
		distinct: make(map[string]map[string]struct{}),
		lists:    make(map[string][]string),
	}
}

// fold adds one event. A numeric type mismatch aborts the fold for this
// event and reports an error so the caller can count it as skipped; the
// accumulator state is left as if the event never arrived.
func (a *accumulator) fold(e *core.Event) error {
	// Validate numeric fields up front so a mismatch cannot leave a
	// half-applied event behind.
	for _, spec := range a.specs {
		switch spec.Op {
		case core.AggSum, core.AggMax, core.AggMin:
			if _, ok := e.Field(spec.Field); !ok {
				continue
			}
			if _, err := e.FieldNumber(spec.Field); err != nil {
				return fmt.Errorf("aggregation %q: %w", spec.Name, err)
			}
		}
	}

	a.count++
	if a.first.IsZero() || e.Timestamp.Before(a.first) {
		a.first = e.Timestamp
	}
	if e.Timestamp.After(a.last) {
		a.last = e.Timestamp
	}
	if len(a.eventIDs) < a.limits.MaxEventIDs {
		a.eventIDs = append(a.eventIDs, e.EventID)
	}

	for _, spec := range a.specs {
		switch spec.Op {
		case core.AggCount:
			// already counted above
		case core.AggSum, core.AggMax, core.AggMin:
			v, ok := e.Field(spec.Field)
			if !ok || v == nil {
				continue
			}
			n, _ := e.FieldNumber(spec.Field)
			switch spec.Op {
			case core.AggSum:
				a.sums[spec.Name] += n
			case core.AggMax:
				if cur, ok := a.maxs[spec.Name]; !ok || n > cur {
					a.maxs[spec.Name] = n
				}
			case core.AggMin:
				if cur, ok := a.mins[spec.Name]; !ok || n < cur {
					a.mins[spec.Name] = n
				}
			}
		case core.AggDCount, core.AggSet:
			s, ok := e.FieldString(spec.Field)
			if !ok {
				continue
			}
			set := a.distinct[spec.Name]
			if set == nil {
				set = make(map[string]struct{})
				a.distinct[spec.Name] = set
			}
			if _, seen := set[s]; seen {
				continue
			}
			if len(set) >= a.limits.MaxDistinct {
				a.approximate = true
				continue
			}
			set[s] = struct{}{}
		case core.AggList:
			s, ok := e.FieldString(spec.Field)
			if !ok {
				continue
			}
			if len(a.lists[spec.Name]) >= a.limits.MaxList {
				a.approximate = true
				continue
			}
			a.lists[spec.Name] = append(a.lists[spec.Name], s)
		}
	}
	return nil
}

// values renders the aggregate results. Sets are sorted so snapshots are
// deterministic regardless of fold order.
func (a *accumulator) values() map[string]core.AggValue {
	out := make(map[string]core.AggValue, len(a.specs))
	for _, spec := range a.specs {
		switch spec.Op {
		case core.AggCount:
			out[spec.Name] = core.AggValue{Number: float64(a.count)}
		case core.AggSum:
			out[spec.Name] = core.AggValue{Number: a.sums[spec.Name]}
		case core.AggMax:
			out[spec.Name] = core.AggValue{Number: a.maxs[spec.Name]}
		case core.AggMin:
			out[spec.Name] = core.AggValue{Number: a.mins[spec.Name]}
		case core.AggDCount:
			out[spec.Name] = core.AggValue{Number: float64(len(a.distinct[spec.Name]))}
		case core.AggSet:
			members := make([]string, 0, len(a.distinct[spec.Name]))
			for m := range a.distinct[spec.Name] {
				members = append(members, m)
			}
			sort.Strings(members)
			out[spec.Name] = core.AggValue{Number: float64(len(members)), Values: members}
		case core.AggList:
			vals := a.lists[spec.Name]
			if vals == nil {
				vals = []string{}
			}
			out[spec.Name] = core.AggValue{Number: float64(len(vals)), Values: vals}
		}
	}
	return out
}

// zeroValues renders the declared aggregates with zero/empty results, used
// for defaulted right-side aggregates on left-outer correlation.
func zeroValues(specs []core.Aggregation) map[string]core.AggValue {
	out := make(map[string]core.AggValue, len(specs))
	for _, spec := range specs {
		switch spec.Op {
		case core.AggSet, core.AggList:
			out[spec.Name] = core.AggValue{Number: 0, Values: []string{}}
		default:
			out[spec.Name] = core.AggValue{Number: 0}
		}
	}
	return out
}
