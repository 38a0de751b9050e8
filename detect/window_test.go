package detect

import (
	"fmt"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func tumblingRule(id string) *core.RuleDefinition {
	return &core.RuleDefinition{
		RuleID:  id,
		Name:    "Repeated logon failures",
		Enabled: true,
		Source:  core.SourceAuth,
		Filter: &core.Predicate{All: []*core.Predicate{
			{Field: "action", Op: core.OpEq, Value: "logon"},
			{Field: "result", Op: core.OpEq, Value: "failure"},
		}},
		GroupBy: []string{"entity_id"},
		Window:  core.WindowSpec{Kind: core.WindowTumbling, Duration: 10 * time.Minute},
		Aggregations: []core.Aggregation{
			{Name: "failures", Op: core.AggCount},
			{Name: "dcount_ip", Op: core.AggDCount, Field: "source_ip"},
		},
	}
}

func slidingRule(id string) *core.RuleDefinition {
	r := tumblingRule(id)
	r.Window = core.WindowSpec{Kind: core.WindowSliding, Duration: 15 * time.Minute}
	return r
}

func logonFailure(entity, ip string, ts time.Time) *core.Event {
	return &core.Event{
		EventID:    fmt.Sprintf("%s-%s-%d", entity, ip, ts.UnixNano()),
		SourceType: core.SourceAuth,
		Timestamp:  ts,
		EntityID:   entity,
		Fields:     map[string]interface{}{"action": "logon", "result": "failure", "source_ip": ip},
	}
}

func TestTumblingFinalizesAfterGrace(t *testing.T) {
	rule := tumblingRule("r1")
	wa := NewWindowAggregator(5*time.Minute, DefaultLimits, testLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, ok := wa.Observe(rule, nil, logonFailure("alice", ip, base.Add(time.Duration(i)*time.Minute)))
		require.True(t, ok)
	}

	// Bucket [12:00, 12:10) closes at 12:10 but stays open through the
	// grace period for late arrivals.
	assert.Empty(t, wa.CollectClosed(rule, base.Add(12*time.Minute)))

	// A late event inside the grace period still lands in its bucket.
	_, ok := wa.Observe(rule, nil, logonFailure("alice", "10.0.0.4", base.Add(9*time.Minute)))
	require.True(t, ok)

	snaps := wa.CollectClosed(rule, base.Add(16*time.Minute))
	require.Len(t, snaps, 1)
	snap := snaps[0]
	assert.Equal(t, "entity_id=alice", snap.GroupKey)
	assert.Equal(t, float64(4), snap.Values["failures"].Number)
	assert.Equal(t, float64(4), snap.Values["dcount_ip"].Number)
	assert.Equal(t, base, snap.WindowStart)
	assert.Equal(t, base.Add(10*time.Minute), snap.WindowEnd)

	// Finalized buckets are frozen and removed.
	assert.Empty(t, wa.CollectClosed(rule, base.Add(time.Hour)))
	assert.Zero(t, wa.ActiveStates(rule.RuleID))
}

func TestTumblingBucketsAreTemporallyIsolated(t *testing.T) {
	rule := tumblingRule("r1")
	wa := NewWindowAggregator(0, DefaultLimits, testLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.1", base.Add(2*time.Minute)))
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.2", base.Add(11*time.Minute)))

	snaps := wa.CollectClosed(rule, base.Add(30*time.Minute))
	require.Len(t, snaps, 2)
	for _, snap := range snaps {
		assert.Equal(t, float64(1), snap.Values["failures"].Number,
			"events in different buckets must never share state")
	}
}

func TestGroupKeyIsolation(t *testing.T) {
	rule := tumblingRule("r1")
	wa := NewWindowAggregator(0, DefaultLimits, testLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.1", base))
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.2", base.Add(time.Minute)))
	wa.Observe(rule, nil, logonFailure("bob", "10.0.0.1", base.Add(time.Minute)))

	snaps := wa.CollectClosed(rule, base.Add(time.Hour))
	require.Len(t, snaps, 2)
	byGroup := map[string]float64{}
	for _, s := range snaps {
		byGroup[s.GroupKey] = s.Values["failures"].Number
	}
	assert.Equal(t, float64(2), byGroup["entity_id=alice"])
	assert.Equal(t, float64(1), byGroup["entity_id=bob"])
}

func TestObserveSkipsNonMatchesAndMissingGroupFields(t *testing.T) {
	rule := tumblingRule("r1")
	rule.GroupBy = []string{"source_ip"}
	wa := NewWindowAggregator(0, DefaultLimits, testLogger())

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	success := logonFailure("alice", "10.0.0.1", ts)
	success.Fields["result"] = "success"
	_, ok := wa.Observe(rule, nil, success)
	assert.False(t, ok)

	noIP := logonFailure("alice", "", ts)
	delete(noIP.Fields, "source_ip")
	_, ok = wa.Observe(rule, nil, noIP)
	assert.False(t, ok, "event missing a group field forms no group")

	_, ok = wa.Observe(rule, nil, logonFailure("alice", "10.0.0.1", ts))
	assert.True(t, ok)
	assert.Equal(t, 1, wa.ActiveStates(rule.RuleID))
}

func TestSlidingSnapshotEvictsAgedEvents(t *testing.T) {
	rule := slidingRule("r1")
	wa := NewWindowAggregator(time.Minute, DefaultLimits, testLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.1", base))
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.2", base.Add(5*time.Minute)))
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.3", base.Add(10*time.Minute)))

	snap := wa.SlidingSnapshot(rule, "entity_id=alice", base.Add(12*time.Minute))
	require.NotNil(t, snap)
	assert.Equal(t, float64(3), snap.Values["failures"].Number)
	assert.Equal(t, float64(3), snap.Values["dcount_ip"].Number)

	// 18 minutes in, the first event has slid out of the 15-minute window
	// and the distinct count shrinks with it.
	snap = wa.SlidingSnapshot(rule, "entity_id=alice", base.Add(18*time.Minute))
	require.NotNil(t, snap)
	assert.Equal(t, float64(2), snap.Values["failures"].Number)
	assert.Equal(t, float64(2), snap.Values["dcount_ip"].Number)

	// Once everything has aged out the group itself is evicted.
	assert.Nil(t, wa.SlidingSnapshot(rule, "entity_id=alice", base.Add(time.Hour)))
	assert.Zero(t, wa.ActiveStates(rule.RuleID))
}

func TestSlidingGroupKeys(t *testing.T) {
	rule := slidingRule("r1")
	wa := NewWindowAggregator(time.Minute, DefaultLimits, testLogger())
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.1", ts))
	wa.Observe(rule, nil, logonFailure("bob", "10.0.0.1", ts))

	keys := wa.SlidingGroupKeys(rule)
	assert.ElementsMatch(t, []string{"entity_id=alice", "entity_id=bob"}, keys)
}

func TestWindowStateSurvivesIdenticalReload(t *testing.T) {
	wa := NewWindowAggregator(0, DefaultLimits, testLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	wa.Observe(tumblingRule("r1"), nil, logonFailure("alice", "10.0.0.1", base))

	// A reload hands the aggregator a fresh but identical definition; the
	// accumulated state keeps counting under it.
	reloaded := tumblingRule("r1")
	wa.Observe(reloaded, nil, logonFailure("alice", "10.0.0.2", base.Add(time.Minute)))

	snaps := wa.CollectClosed(reloaded, base.Add(time.Hour))
	require.Len(t, snaps, 1)
	assert.Equal(t, float64(2), snaps[0].Values["failures"].Number)
}

func TestWindowGCDropsRemovedRules(t *testing.T) {
	rule := tumblingRule("r1")
	wa := NewWindowAggregator(0, DefaultLimits, testLogger())
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wa.Observe(rule, nil, logonFailure("alice", "10.0.0.1", ts))
	require.Equal(t, 1, wa.ActiveStates(rule.RuleID))

	wa.GC(ts.Add(time.Minute), map[string]*core.RuleDefinition{})
	assert.Zero(t, wa.ActiveStates(rule.RuleID))
}
