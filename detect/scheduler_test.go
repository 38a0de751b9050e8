package detect

import (
	"context"
	"testing"
	"time"

	"argus/core"
	"argus/ingest"
	"argus/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerFixture struct {
	scheduler *Scheduler
	buffer    *ingest.Buffer
	registry  *registry.Registry
	windows   *WindowAggregator
	sink      *captureSink
}

func newSchedulerFixture(t *testing.T, rules ...*core.RuleDefinition) *schedulerFixture {
	t.Helper()
	logger := testLogger()

	reg := registry.New(logger)
	require.Empty(t, reg.Load(rules, nil))

	buf := ingest.NewBuffer(1024, 24*time.Hour, logger)
	dedup, err := NewDeduplicator(128, time.Hour, logger)
	require.NoError(t, err)
	sink := &captureSink{}

	cfg := SchedulerConfig{
		Tick:               time.Second,
		EvalTimeout:        5 * time.Second,
		MinRescoreInterval: 0,
		MaxEventsPerEval:   1000,
		Grace:              time.Minute,
		MaintenanceSpec:    "@every 1m",
	}
	windows := NewWindowAggregator(0, DefaultLimits, logger)
	sched := NewScheduler(cfg,
		reg, buf,
		windows,
		NewCorrelationEngine(DefaultLimits, logger),
		NewScorer(), dedup,
		NewEmitter(sink, 1, time.Millisecond, logger),
		NewWorkerPool(context.Background(), 2, 16, logger),
		logger,
	)
	return &schedulerFixture{scheduler: sched, buffer: buf, registry: reg, windows: windows, sink: sink}
}

// Five failed logons from three IPs for one account inside a window produce
// one medium alert once the window closes.
func TestSchedulerEndToEndBruteForce(t *testing.T) {
	rule := scoringRule()
	rule.DedupWindow = time.Hour
	f := newSchedulerFixture(t, rule)

	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(rule.Window.Duration)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.1", "10.0.0.2"} {
		require.NoError(t, f.buffer.Ingest(logonFailure("alice", ip, base.Add(time.Duration(i)*time.Minute))))
	}
	// A successful logon in the same window never reaches the aggregates.
	ok := logonFailure("alice", "10.0.0.9", base.Add(time.Minute))
	ok.Fields["result"] = "success"
	require.NoError(t, f.buffer.Ingest(ok))

	f.scheduler.RunOnce(context.Background())

	alerts := f.sink.emitted()
	require.Len(t, alerts, 1)
	alert := alerts[0]
	assert.Equal(t, rule.RuleID, alert.RuleID)
	assert.Equal(t, float64(5), alert.Aggregations["failures"].Number)
	assert.Equal(t, float64(3), alert.Aggregations["dcount_ip"].Number)
	assert.Equal(t, float64(45), alert.Score)
	assert.Equal(t, core.SeverityMedium, alert.Severity)

	// Cursors advanced; with no new events the next pass emits nothing.
	f.scheduler.RunOnce(context.Background())
	assert.Len(t, f.sink.emitted(), 1)
}

// A rule whose scoring fails is marked failed for the tick while other
// rules keep evaluating and emitting.
func TestSchedulerFaultIsolation(t *testing.T) {
	healthy := scoringRule()
	broken := scoringRule()
	broken.RuleID = "broken-rule"
	broken.Scoring = core.ScoringSpec{
		Default: &core.ScoreExpr{
			Op:    "div",
			Left:  &core.ScoreExpr{Op: "const", Value: 100},
			Right: &core.ScoreExpr{
				Op:    "sub",
				Left:  &core.ScoreExpr{Op: "agg", Agg: "failures"},
				Right: &core.ScoreExpr{Op: "agg", Agg: "failures"},
			},
		},
	}
	f := newSchedulerFixture(t, healthy, broken)

	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(healthy.Window.Duration)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		require.NoError(t, f.buffer.Ingest(logonFailure("alice", ip, base.Add(time.Duration(i)*time.Minute))))
	}

	f.scheduler.RunOnce(context.Background())

	alerts := f.sink.emitted()
	require.Len(t, alerts, 1, "healthy rule emits despite the broken one")
	assert.Equal(t, healthy.RuleID, alerts[0].RuleID)

	states := map[string]string{}
	for _, info := range f.scheduler.Status() {
		states[info.RuleID] = info.State
	}
	assert.Equal(t, "idle", states[healthy.RuleID])
	assert.Equal(t, "failed", states[broken.RuleID])

	// The failure was tick-scoped: the rule re-enters evaluation next pass.
	f.scheduler.RunOnce(context.Background())
	for _, info := range f.scheduler.Status() {
		if info.RuleID == broken.RuleID {
			assert.Equal(t, "idle", info.State, "no new events, so the next pass succeeds")
		}
	}
}

func TestSchedulerDedupAcrossPasses(t *testing.T) {
	rule := scoringRule()
	rule.DedupWindow = time.Hour
	f := newSchedulerFixture(t, rule)

	base := time.Now().UTC().Add(-3 * time.Hour).Truncate(rule.Window.Duration)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		require.NoError(t, f.buffer.Ingest(logonFailure("alice", ip, base.Add(time.Duration(i)*time.Minute))))
	}
	f.scheduler.RunOnce(context.Background())
	require.Len(t, f.sink.emitted(), 1)

	// The same pattern in the next window is suppressed by the cool-down.
	next := base.Add(rule.Window.Duration)
	for i, ip := range []string{"10.0.0.4", "10.0.0.5", "10.0.0.6"} {
		require.NoError(t, f.buffer.Ingest(logonFailure("alice", ip, next.Add(time.Duration(i)*time.Minute))))
	}
	f.scheduler.RunOnce(context.Background())
	assert.Len(t, f.sink.emitted(), 1, "repeat alert inside the cool-down is suppressed")
}

func TestSchedulerSlidingReactiveEvaluation(t *testing.T) {
	rule := scoringRule()
	rule.Window = core.WindowSpec{Kind: core.WindowSliding, Duration: time.Hour}
	f := newSchedulerFixture(t, rule)

	now := time.Now().UTC()
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		require.NoError(t, f.buffer.Ingest(logonFailure("alice", ip, now.Add(-time.Duration(10-i)*time.Minute))))
	}

	f.scheduler.RunOnce(context.Background())

	alerts := f.sink.emitted()
	require.Len(t, alerts, 1, "sliding rules re-evaluate touched groups immediately")
	assert.Equal(t, float64(3), alerts[0].Aggregations["dcount_ip"].Number)
}

func TestSchedulerCorrelatedRule(t *testing.T) {
	rule := correlatedRule("corr", core.JoinInner)
	rule.Scoring = core.ScoringSpec{Default: &core.ScoreExpr{Op: "const", Value: 80}}
	rule.Severity = []core.SeverityBand{
		{MinScore: 0, Label: core.SeverityInfo},
		{MinScore: 70, Label: core.SeverityHigh},
	}
	f := newSchedulerFixture(t, rule)

	now := time.Now().UTC()
	require.NoError(t, f.buffer.Ingest(auditEvent("alice", "role_activated", now.Add(-10*time.Minute))))
	require.NoError(t, f.buffer.Ingest(cloudEvent("alice", "sharepoint", "download", now.Add(-5*time.Minute))))

	f.scheduler.RunOnce(context.Background())

	alerts := f.sink.emitted()
	require.Len(t, alerts, 1)
	assert.Equal(t, float64(1), alerts[0].Aggregations["activations"].Number)
	assert.Equal(t, float64(1), alerts[0].Aggregations["downloads"].Number)
	assert.Equal(t, core.SeverityHigh, alerts[0].Severity)
}

func TestSchedulerMaintainDropsStaleState(t *testing.T) {
	rule := scoringRule()
	f := newSchedulerFixture(t, rule)

	// A recent event keeps the current bucket open across the pass.
	require.NoError(t, f.buffer.Ingest(logonFailure("alice", "10.0.0.1", time.Now().UTC())))
	f.scheduler.RunOnce(context.Background())
	require.Equal(t, 1, f.windows.ActiveStates(rule.RuleID))

	// Deactivate the rule and sweep: its window state goes away.
	other := scoringRule()
	other.RuleID = "other-rule"
	require.Empty(t, f.registry.Load([]*core.RuleDefinition{other}, nil))
	f.scheduler.Maintain()

	assert.Zero(t, f.windows.ActiveStates(rule.RuleID))
}
