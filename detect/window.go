package detect

import (
	"hash/fnv"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

const windowShards = 16

// WindowAggregator maintains per-(rule, group-key) window state and folds
// matching events into each rule's declared aggregates. Access to a single
// group's state is serialized through its shard lock; different shards
// evaluate in parallel.
type WindowAggregator struct {
	shards [windowShards]*windowShard
	grace  time.Duration
	limits Limits
	logger *zap.SugaredLogger
}

type windowShard struct {
	mu     sync.Mutex
	groups map[string]*windowGroup
}

// windowGroup is the mutable WindowState for one (rule, group key). Tumbling
// rules keep incremental accumulators per bucket; sliding rules keep the
// raw contributing events so dcount/set recompute correctly as the window
// slides.
type windowGroup struct {
	rule        *core.RuleDefinition
	groupKey    string
	groupFields map[string]string

	buckets map[int64]*accumulator // tumbling, keyed by bucket start unix
	events  []*core.Event          // sliding deque, ascending arrival order

	lastTouched time.Time
}

// NewWindowAggregator creates an aggregator with the given late-arrival
// grace period and resource limits.
func NewWindowAggregator(grace time.Duration, limits Limits, logger *zap.SugaredLogger) *WindowAggregator {
	wa := &WindowAggregator{grace: grace, limits: limits, logger: logger}
	for i := range wa.shards {
		wa.shards[i] = &windowShard{groups: make(map[string]*windowGroup)}
	}
	return wa
}

func stateKey(ruleID, groupKey string) string { return ruleID + "\x1f" + groupKey }

func (wa *WindowAggregator) shardFor(key string) *windowShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return wa.shards[h.Sum32()%windowShards]
}

// extractGroup computes the group-key tuple for an event. An event missing
// a group field does not form a group and is not aggregated.
func extractGroup(fields []string, e *core.Event) (map[string]string, string, bool) {
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		v, ok := e.FieldString(f)
		if !ok {
			return nil, "", false
		}
		values[f] = v
	}
	return values, core.GroupKeyString(fields, values), true
}

// Observe runs the rule's filter over one event and, on a match, folds it
// into the group's window state. Returns the matched group key so sliding
// rules can schedule a reactive re-evaluation. A malformed event (predicate
// or fold type mismatch) is skipped and counted, never fatal.
func (wa *WindowAggregator) Observe(rule *core.RuleDefinition, refs core.ReferenceSets, e *core.Event) (string, bool) {
	matched, err := rule.Filter.Eval(e, refs)
	if err != nil {
		metrics.EventsSkipped.WithLabelValues(rule.RuleID).Inc()
		wa.logger.Debugw("event skipped on predicate error",
			"rule", rule.RuleID, "event", e.EventID, "error", err)
		return "", false
	}
	if !matched {
		return "", false
	}
	groupFields, groupKey, ok := extractGroup(rule.GroupBy, e)
	if !ok {
		return "", false
	}

	key := stateKey(rule.RuleID, groupKey)
	shard := wa.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	group, exists := shard.groups[key]
	if !exists {
		group = &windowGroup{
			rule:        rule,
			groupKey:    groupKey,
			groupFields: groupFields,
		}
		if rule.Window.Kind == core.WindowTumbling {
			group.buckets = make(map[int64]*accumulator)
		}
		shard.groups[key] = group
		metrics.ActiveWindowStates.WithLabelValues(rule.RuleID).Inc()
	}
	group.rule = rule
	group.lastTouched = time.Now().UTC()

	switch rule.Window.Kind {
	case core.WindowTumbling:
		start := e.Timestamp.Truncate(rule.Window.Duration)
		acc := group.buckets[start.Unix()]
		if acc == nil {
			acc = newAccumulator(rule.Aggregations, wa.limits)
			group.buckets[start.Unix()] = acc
		}
		if err := acc.fold(e); err != nil {
			metrics.EventsSkipped.WithLabelValues(rule.RuleID).Inc()
			wa.logger.Debugw("event skipped on fold error",
				"rule", rule.RuleID, "event", e.EventID, "error", err)
			return "", false
		}
	case core.WindowSliding:
		group.events = append(group.events, e)
	}
	return groupKey, true
}

// CollectClosed finalizes tumbling buckets whose end time plus the grace
// period has passed and returns their frozen snapshots. Finalized buckets
// are removed; an empty group is evicted entirely.
func (wa *WindowAggregator) CollectClosed(rule *core.RuleDefinition, now time.Time) []*core.AggregationSnapshot {
	if rule.Window.Kind != core.WindowTumbling {
		return nil
	}
	var snaps []*core.AggregationSnapshot
	for _, shard := range wa.shards {
		shard.mu.Lock()
		for key, group := range shard.groups {
			if group.rule.RuleID != rule.RuleID {
				continue
			}
			for startUnix, acc := range group.buckets {
				start := time.Unix(startUnix, 0).UTC()
				end := start.Add(rule.Window.Duration)
				if now.Before(end.Add(wa.grace)) {
					continue
				}
				snaps = append(snaps, wa.snapshot(group, acc, start, end))
				delete(group.buckets, startUnix)
			}
			if len(group.buckets) == 0 {
				delete(shard.groups, key)
				metrics.ActiveWindowStates.WithLabelValues(rule.RuleID).Dec()
			}
		}
		shard.mu.Unlock()
	}
	return snaps
}

// SlidingSnapshot recomputes one sliding group's aggregates over events
// still inside the window, evicting older contributions lazily. Returns nil
// if the group has no live state.
func (wa *WindowAggregator) SlidingSnapshot(rule *core.RuleDefinition, groupKey string, now time.Time) *core.AggregationSnapshot {
	key := stateKey(rule.RuleID, groupKey)
	shard := wa.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	group, ok := shard.groups[key]
	if !ok {
		return nil
	}
	wa.evictSlidingLocked(group, now)
	if len(group.events) == 0 {
		delete(shard.groups, key)
		metrics.ActiveWindowStates.WithLabelValues(rule.RuleID).Dec()
		return nil
	}

	acc := newAccumulator(rule.Aggregations, wa.limits)
	for _, e := range group.events {
		if err := acc.fold(e); err != nil {
			metrics.EventsSkipped.WithLabelValues(rule.RuleID).Inc()
		}
	}
	windowStart := now.Add(-rule.Window.Duration)
	return wa.snapshot(group, acc, windowStart, now)
}

// SlidingGroupKeys returns the live group keys for a sliding rule.
func (wa *WindowAggregator) SlidingGroupKeys(rule *core.RuleDefinition) []string {
	var keys []string
	for _, shard := range wa.shards {
		shard.mu.Lock()
		for _, group := range shard.groups {
			if group.rule.RuleID == rule.RuleID {
				keys = append(keys, group.groupKey)
			}
		}
		shard.mu.Unlock()
	}
	return keys
}

func (wa *WindowAggregator) evictSlidingLocked(group *windowGroup, now time.Time) {
	horizon := now.Add(-group.rule.Window.Duration)
	idx := 0
	for idx < len(group.events) && group.events[idx].Timestamp.Before(horizon) {
		idx++
	}
	if idx > 0 {
		group.events = append([]*core.Event(nil), group.events[idx:]...)
	}
}

func (wa *WindowAggregator) snapshot(group *windowGroup, acc *accumulator, start, end time.Time) *core.AggregationSnapshot {
	return &core.AggregationSnapshot{
		RuleID:        group.rule.RuleID,
		GroupKey:      group.groupKey,
		GroupFields:   group.groupFields,
		Values:        acc.values(),
		WindowStart:   start,
		WindowEnd:     end,
		EventIDs:      acc.eventIDs,
		IsApproximate: acc.approximate,
	}
}

// GC evicts state for rules no longer active and sliding groups whose every
// contribution has aged out. A WindowState never outlives its declared
// window plus the grace period beyond this sweep.
func (wa *WindowAggregator) GC(now time.Time, active map[string]*core.RuleDefinition) {
	for _, shard := range wa.shards {
		shard.mu.Lock()
		for key, group := range shard.groups {
			if _, ok := active[group.rule.RuleID]; !ok {
				delete(shard.groups, key)
				metrics.ActiveWindowStates.WithLabelValues(group.rule.RuleID).Dec()
				continue
			}
			if group.rule.Window.Kind == core.WindowSliding {
				wa.evictSlidingLocked(group, now)
				if len(group.events) == 0 && now.Sub(group.lastTouched) > wa.grace {
					delete(shard.groups, key)
					metrics.ActiveWindowStates.WithLabelValues(group.rule.RuleID).Dec()
				}
			}
		}
		shard.mu.Unlock()
	}
}

// ActiveStates counts live window groups for a rule, for the health surface.
func (wa *WindowAggregator) ActiveStates(ruleID string) int {
	n := 0
	for _, shard := range wa.shards {
		shard.mu.Lock()
		for _, group := range shard.groups {
			if group.rule.RuleID == ruleID {
				n++
			}
		}
		shard.mu.Unlock()
	}
	return n
}
