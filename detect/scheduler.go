package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"argus/core"
	"argus/ingest"
	"argus/metrics"
	"argus/registry"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RuleState is the scheduler's per-rule state machine position.
type RuleState int32

const (
	StateIdle RuleState = iota
	StateEvaluating
	StateFailed
)

func (s RuleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// RuleStatusInfo is the health-surface view of one rule's scheduling state.
type RuleStatusInfo struct {
	RuleID        string    `json:"rule_id"`
	State         string    `json:"state"`
	LastError     string    `json:"last_error,omitempty"`
	LastEvaluated time.Time `json:"last_evaluated,omitempty"`
	ActiveGroups  int       `json:"active_groups"`
}

// SchedulerConfig carries the driver's tunables.
type SchedulerConfig struct {
	Tick               time.Duration
	EvalTimeout        time.Duration
	MinRescoreInterval time.Duration
	MaxEventsPerEval   int
	Grace              time.Duration
	MaintenanceSpec    string
}

// Scheduler drives periodic and reactive rule evaluation over a worker
// pool. Each rule moves Idle -> Evaluating -> (Idle | Failed) per tick; a
// failure is scoped to that rule and that tick, and never disturbs other
// rules or the driver.
type Scheduler struct {
	cfg          SchedulerConfig
	registry     *registry.Registry
	buffer       *ingest.Buffer
	windows      *WindowAggregator
	correlations *CorrelationEngine
	scorer       *Scorer
	dedup        *Deduplicator
	emitter      *Emitter
	pool         *WorkerPool
	cron         *cron.Cron
	logger       *zap.SugaredLogger

	mu       sync.Mutex
	cursors  map[string]*ruleCursors
	status   map[string]*ruleStatus
	limiters map[string]*rate.Limiter
}

type ruleCursors struct {
	primary   uint64
	secondary uint64
}

type ruleStatus struct {
	state     RuleState
	lastError string
	lastEval  time.Time
}

// NewScheduler wires the evaluation pipeline together.
func NewScheduler(
	cfg SchedulerConfig,
	reg *registry.Registry,
	buf *ingest.Buffer,
	windows *WindowAggregator,
	correlations *CorrelationEngine,
	scorer *Scorer,
	dedup *Deduplicator,
	emitter *Emitter,
	pool *WorkerPool,
	logger *zap.SugaredLogger,
) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		registry:     reg,
		buffer:       buf,
		windows:      windows,
		correlations: correlations,
		scorer:       scorer,
		dedup:        dedup,
		emitter:      emitter,
		pool:         pool,
		logger:       logger,
		cursors:      make(map[string]*ruleCursors),
		status:       make(map[string]*ruleStatus),
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Run ticks until the context is cancelled. Maintenance sweeps (buffer
// pruning, window and dedup GC) run on their own cron schedule so a slow
// tick never starves them.
func (s *Scheduler) Run(ctx context.Context) error {
	s.pool.Start()
	defer s.pool.Stop()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.MaintenanceSpec, s.Maintain); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", s.cfg.MaintenanceSpec, err)
	}
	s.cron.Start()
	defer s.cron.Stop()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.logger.Infow("scheduler running", "tick", s.cfg.Tick, "eval_timeout", s.cfg.EvalTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick schedules one evaluation pass for every enabled rule. A rule still
// evaluating from the previous tick is skipped; a rule that failed last
// tick re-enters scheduling (the failure was tick-scoped).
func (s *Scheduler) tick(ctx context.Context) {
	rs := s.registry.Active()
	s.applyRetention(rs)

	for _, rule := range rs.Rules {
		if !rule.Enabled {
			continue
		}
		rule := rule
		if !s.transition(rule.RuleID, StateEvaluating) {
			continue
		}
		err := s.pool.Submit(func() {
			s.evaluate(ctx, rs, rule)
		})
		if err != nil {
			s.finish(rule.RuleID, err)
			s.logger.Warnw("evaluation task not scheduled", "rule", rule.RuleID, "error", err)
		}
	}
}

// RunOnce evaluates every enabled rule synchronously. Used by tests and by
// the reload surface to drain state deterministically.
func (s *Scheduler) RunOnce(ctx context.Context) {
	rs := s.registry.Active()
	s.applyRetention(rs)
	for _, rule := range rs.Rules {
		if !rule.Enabled {
			continue
		}
		if !s.transition(rule.RuleID, StateEvaluating) {
			continue
		}
		s.evaluate(ctx, rs, rule)
	}
}

// applyRetention derives each source ring's retention horizon from the
// active rules' windows plus the grace period.
func (s *Scheduler) applyRetention(rs *registry.RuleSet) {
	for _, st := range core.SourceTypes {
		if max := rs.MaxWindow(st); max > 0 {
			s.buffer.SetRetention(st, max+s.cfg.Grace)
		}
	}
}

// evaluate runs one full pipeline pass for one rule: pull new events, fold
// them into window or correlation state, snapshot what is due, score, dedup
// and emit. The per-tick ceiling cancels long scans at group-key
// boundaries; pending snapshots are discarded, committed folds stay.
func (s *Scheduler) evaluate(ctx context.Context, rs *registry.RuleSet, rule *core.RuleDefinition) {
	start := time.Now()
	evalCtx, cancel := context.WithTimeout(ctx, s.cfg.EvalTimeout)
	defer cancel()

	err := s.evaluatePipeline(evalCtx, rs, rule)
	metrics.RuleEvaluationDuration.WithLabelValues(rule.RuleID).Observe(time.Since(start).Seconds())
	s.finish(rule.RuleID, err)
	if err != nil {
		metrics.RuleEvaluationErrors.WithLabelValues(rule.RuleID).Inc()
		s.logger.Errorw("rule evaluation failed for this tick",
			"rule", rule.RuleID, "error", err)
	}
}

func (s *Scheduler) evaluatePipeline(ctx context.Context, rs *registry.RuleSet, rule *core.RuleDefinition) error {
	now := time.Now().UTC()
	cur := s.cursorsFor(rule.RuleID)

	var snaps []*core.AggregationSnapshot
	if rule.Correlated() {
		left, leftCur := s.buffer.EventsSince(rule.Source, cur.primary, s.cfg.MaxEventsPerEval)
		for _, e := range left {
			s.correlations.ObserveLeft(rule, rs.Refs, e)
		}
		right, rightCur := s.buffer.EventsSince(rule.Correlation.Source, cur.secondary, s.cfg.MaxEventsPerEval)
		for _, e := range right {
			if snap := s.correlations.ObserveRight(rule, rs.Refs, e); snap != nil {
				snaps = append(snaps, snap)
			}
		}
		snaps = append(snaps, s.correlations.ExpireDue(rule, now)...)
		s.commitCursors(rule.RuleID, leftCur, rightCur)
	} else {
		events, newCur := s.buffer.EventsSince(rule.Source, cur.primary, s.cfg.MaxEventsPerEval)
		touched := make(map[string]struct{})
		for _, e := range events {
			groupKey, matched := s.windows.Observe(rule, rs.Refs, e)
			if matched && rule.Window.Kind == core.WindowSliding {
				touched[groupKey] = struct{}{}
			}
		}
		s.commitCursors(rule.RuleID, newCur, 0)

		switch rule.Window.Kind {
		case core.WindowTumbling:
			snaps = s.windows.CollectClosed(rule, now)
		case core.WindowSliding:
			for groupKey := range touched {
				if !s.allowRescore(rule.RuleID, groupKey) {
					continue
				}
				if snap := s.windows.SlidingSnapshot(rule, groupKey, now); snap != nil {
					snaps = append(snaps, snap)
				}
			}
		}
	}

	// Scoring stage. Cancellation is checked at every group-key boundary:
	// snapshots not yet scored are discarded, never half-committed.
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("evaluation cancelled: %w", err)
		}
		alert, err := s.scorer.Evaluate(rule, snap)
		if err != nil {
			return err
		}
		if s.dedup.Consider(alert, rule.DedupWindow, now) {
			s.emitter.Emit(ctx, alert)
		}
	}
	return nil
}

// Maintain runs the periodic resource sweeps.
func (s *Scheduler) Maintain() {
	now := time.Now().UTC()
	rs := s.registry.Active()

	active := make(map[string]*core.RuleDefinition, len(rs.Rules))
	var maxDedup time.Duration
	for _, rule := range rs.Rules {
		active[rule.RuleID] = rule
		if rule.DedupWindow > maxDedup {
			maxDedup = rule.DedupWindow
		}
	}

	s.buffer.Prune(now)
	s.windows.GC(now, active)
	s.correlations.GC(active)
	s.dedup.GC(now, maxDedup)

	s.mu.Lock()
	for id := range s.cursors {
		if _, ok := active[id]; !ok {
			delete(s.cursors, id)
		}
	}
	for key := range s.limiters {
		ruleID := key
		if i := strings.IndexByte(key, '\x1f'); i >= 0 {
			ruleID = key[:i]
		}
		if _, ok := active[ruleID]; !ok {
			delete(s.limiters, key)
		}
	}
	s.mu.Unlock()
}

// Status reports every known rule's scheduler state for the health surface.
func (s *Scheduler) Status() []RuleStatusInfo {
	rs := s.registry.Active()
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RuleStatusInfo, 0, len(rs.Rules))
	for _, rule := range rs.Rules {
		info := RuleStatusInfo{
			RuleID:       rule.RuleID,
			State:        StateIdle.String(),
			ActiveGroups: s.windows.ActiveStates(rule.RuleID),
		}
		if st, ok := s.status[rule.RuleID]; ok {
			info.State = st.state.String()
			info.LastError = st.lastError
			info.LastEvaluated = st.lastEval
		}
		out = append(out, info)
	}
	return out
}

func (s *Scheduler) cursorsFor(ruleID string) ruleCursors {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[ruleID]
	if !ok {
		cur = &ruleCursors{}
		s.cursors[ruleID] = cur
	}
	return *cur
}

func (s *Scheduler) commitCursors(ruleID string, primary, secondary uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cursors[ruleID]
	if !ok {
		cur = &ruleCursors{}
		s.cursors[ruleID] = cur
	}
	if primary > cur.primary {
		cur.primary = primary
	}
	if secondary > cur.secondary {
		cur.secondary = secondary
	}
}

// transition moves a rule into Evaluating unless it is already evaluating.
// A rule Failed on the previous tick re-enters here.
func (s *Scheduler) transition(ruleID string, to RuleState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[ruleID]
	if !ok {
		st = &ruleStatus{}
		s.status[ruleID] = st
	}
	if st.state == StateEvaluating {
		return false
	}
	st.state = to
	return true
}

func (s *Scheduler) finish(ruleID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[ruleID]
	if !ok {
		st = &ruleStatus{}
		s.status[ruleID] = st
	}
	st.lastEval = time.Now().UTC()
	if err != nil {
		st.state = StateFailed
		st.lastError = err.Error()
	} else {
		st.state = StateIdle
		st.lastError = ""
	}

	failed := 0
	for _, other := range s.status {
		if other.state == StateFailed {
			failed++
		}
	}
	metrics.RulesFailed.Set(float64(failed))
}

// allowRescore rate-limits reactive re-evaluation per (rule, group key).
func (s *Scheduler) allowRescore(ruleID, groupKey string) bool {
	if s.cfg.MinRescoreInterval <= 0 {
		return true
	}
	key := ruleID + "\x1f" + groupKey
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cfg.MinRescoreInterval), 1)
		s.limiters[key] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}
