package detect

import (
	"hash/fnv"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

const correlationShards = 16

// CorrelationEngine joins a rule's primary (left) filtered stream with a
// second independently filtered (right) stream on shared key fields within
// a bounded time delta. The left index is sharded by join key so probes on
// different keys proceed in parallel while updates to one key serialize.
type CorrelationEngine struct {
	shards [correlationShards]*corrShard
	limits Limits
	logger *zap.SugaredLogger
}

type corrShard struct {
	mu      sync.Mutex
	entries map[string]*leftEntry
}

// leftEntry indexes recent qualifying left-side activity for one join key.
type leftEntry struct {
	rule       *core.RuleDefinition
	joinKey    string
	joinFields map[string]string

	leftAcc  *accumulator
	rightAcc *accumulator
	matched  bool

	firstLeft time.Time
	lastLeft  time.Time
}

// NewCorrelationEngine creates a correlation engine.
func NewCorrelationEngine(limits Limits, logger *zap.SugaredLogger) *CorrelationEngine {
	ce := &CorrelationEngine{limits: limits, logger: logger}
	for i := range ce.shards {
		ce.shards[i] = &corrShard{entries: make(map[string]*leftEntry)}
	}
	return ce
}

func (ce *CorrelationEngine) shardFor(key string) *corrShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return ce.shards[h.Sum32()%correlationShards]
}

// ObserveLeft folds a primary-stream event into the left index when it
// passes the rule's filter. Malformed events are skipped and counted.
func (ce *CorrelationEngine) ObserveLeft(rule *core.RuleDefinition, refs core.ReferenceSets, e *core.Event) {
	matched, err := rule.Filter.Eval(e, refs)
	if err != nil {
		metrics.EventsSkipped.WithLabelValues(rule.RuleID).Inc()
		return
	}
	if !matched {
		return
	}
	joinFields, joinKey, ok := extractGroup(rule.Correlation.JoinKeys, e)
	if !ok {
		return
	}

	key := stateKey(rule.RuleID, joinKey)
	shard := ce.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, exists := shard.entries[key]
	if !exists {
		entry = &leftEntry{
			rule:       rule,
			joinKey:    joinKey,
			joinFields: joinFields,
			leftAcc:    newAccumulator(rule.Aggregations, ce.limits),
			firstLeft:  e.Timestamp,
		}
		shard.entries[key] = entry
		metrics.CorrelationIndexSize.WithLabelValues(rule.RuleID).Inc()
	}
	entry.rule = rule
	if err := entry.leftAcc.fold(e); err != nil {
		metrics.EventsSkipped.WithLabelValues(rule.RuleID).Inc()
		return
	}
	if e.Timestamp.After(entry.lastLeft) {
		entry.lastLeft = e.Timestamp
	}
}

// ObserveRight probes the left index with a right-stream event. When the
// event passes the correlation filter and a left entry with the same join
// key exists within max_delta, the event folds into the right-side
// aggregates and a combined snapshot is returned for scoring.
func (ce *CorrelationEngine) ObserveRight(rule *core.RuleDefinition, refs core.ReferenceSets, e *core.Event) *core.AggregationSnapshot {
	spec := rule.Correlation
	matched, err := spec.Filter.Eval(e, refs)
	if err != nil {
		metrics.EventsSkipped.WithLabelValues(rule.RuleID).Inc()
		return nil
	}
	if !matched {
		return nil
	}
	_, joinKey, ok := extractGroup(spec.JoinKeys, e)
	if !ok {
		return nil
	}

	key := stateKey(rule.RuleID, joinKey)
	shard := ce.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, exists := shard.entries[key]
	if !exists {
		return nil
	}
	delta := e.Timestamp.Sub(entry.lastLeft)
	if delta < 0 {
		delta = -delta
	}
	if delta > spec.MaxDelta {
		return nil
	}

	if entry.rightAcc == nil {
		entry.rightAcc = newAccumulator(spec.Aggregations, ce.limits)
	}
	if err := entry.rightAcc.fold(e); err != nil {
		metrics.EventsSkipped.WithLabelValues(rule.RuleID).Inc()
		return nil
	}
	entry.matched = true
	return ce.snapshotLocked(entry, time.Now().UTC())
}

// ExpireDue removes left entries whose join window has passed. For
// left-outer rules, an entry that never saw a right-side match still flows
// downstream with right aggregates defaulted to zero/empty.
func (ce *CorrelationEngine) ExpireDue(rule *core.RuleDefinition, now time.Time) []*core.AggregationSnapshot {
	var snaps []*core.AggregationSnapshot
	for _, shard := range ce.shards {
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if entry.rule.RuleID != rule.RuleID {
				continue
			}
			if now.Sub(entry.lastLeft) <= rule.Correlation.MaxDelta {
				continue
			}
			if rule.Correlation.Kind == core.JoinLeftOuter && !entry.matched {
				snaps = append(snaps, ce.snapshotLocked(entry, now))
			}
			delete(shard.entries, key)
			metrics.CorrelationIndexSize.WithLabelValues(rule.RuleID).Dec()
		}
		shard.mu.Unlock()
	}
	return snaps
}

// GC drops entries belonging to rules that are no longer active.
func (ce *CorrelationEngine) GC(active map[string]*core.RuleDefinition) {
	for _, shard := range ce.shards {
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if _, ok := active[entry.rule.RuleID]; !ok {
				delete(shard.entries, key)
				metrics.CorrelationIndexSize.WithLabelValues(entry.rule.RuleID).Dec()
			}
		}
		shard.mu.Unlock()
	}
}

// snapshotLocked merges left and right aggregates into one frozen snapshot.
// Right aggregates default to zero values when no right event has matched.
func (ce *CorrelationEngine) snapshotLocked(entry *leftEntry, now time.Time) *core.AggregationSnapshot {
	values := entry.leftAcc.values()
	approximate := entry.leftAcc.approximate
	eventIDs := append([]string(nil), entry.leftAcc.eventIDs...)

	if entry.rightAcc != nil {
		for name, v := range entry.rightAcc.values() {
			values[name] = v
		}
		approximate = approximate || entry.rightAcc.approximate
		for _, id := range entry.rightAcc.eventIDs {
			if len(eventIDs) >= ce.limits.MaxEventIDs {
				break
			}
			eventIDs = append(eventIDs, id)
		}
	} else {
		for name, v := range zeroValues(entry.rule.Correlation.Aggregations) {
			values[name] = v
		}
	}

	return &core.AggregationSnapshot{
		RuleID:        entry.rule.RuleID,
		GroupKey:      entry.joinKey,
		GroupFields:   entry.joinFields,
		Values:        values,
		WindowStart:   entry.firstLeft,
		WindowEnd:     now,
		EventIDs:      eventIDs,
		IsApproximate: approximate,
	}
}
