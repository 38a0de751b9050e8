// Package ingest owns the bounded, time-ordered event buffers the engine
// evaluates rules against. Buffers are pull-based: consumers read through
// restartable cursors, so ingestion rate and evaluation rate are decoupled.
package ingest

import (
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// Buffer holds one bounded ring per source type. Each ring follows a
// single-writer/multi-reader discipline: Ingest appends under the ring's
// write lock, readers take a snapshot slice under the read lock. Different
// source types never contend with each other.
type Buffer struct {
	rings  map[core.SourceType]*sourceRing
	logger *zap.SugaredLogger
}

// sourceRing is a bounded, arrival-ordered event ring with monotonically
// increasing sequence numbers. Sequence numbers survive eviction so cursors
// stay valid across pruning.
type sourceRing struct {
	mu        sync.RWMutex
	events    []*core.Event
	seqs      []uint64
	nextSeq   uint64
	capacity  int
	retention time.Duration
}

// NewBuffer creates a buffer with one ring per known source type.
func NewBuffer(capacity int, defaultRetention time.Duration, logger *zap.SugaredLogger) *Buffer {
	rings := make(map[core.SourceType]*sourceRing, len(core.SourceTypes))
	for _, st := range core.SourceTypes {
		rings[st] = &sourceRing{
			capacity:  capacity,
			retention: defaultRetention,
			nextSeq:   1,
		}
	}
	return &Buffer{rings: rings, logger: logger}
}

// Ingest validates and appends one event. Returns an IngestError with kind
// ErrSchema when required fields for the source type are absent, or kind
// ErrCapacity when the ring is full of still-retained events (backpressure).
func (b *Buffer) Ingest(e *core.Event) error {
	if e == nil || !e.SourceType.Valid() {
		metrics.EventsRejected.WithLabelValues(string(e.SourceType), "schema").Inc()
		return core.NewSchemaError("unknown source type %q", e.SourceType)
	}
	if missing := core.MissingRequiredFields(e); len(missing) > 0 {
		metrics.EventsRejected.WithLabelValues(string(e.SourceType), "schema").Inc()
		return core.NewSchemaError("source %s missing fields %v", e.SourceType, missing)
	}

	ring := b.rings[e.SourceType]
	ring.mu.Lock()
	defer ring.mu.Unlock()

	if len(ring.events) >= ring.capacity {
		// Try to reclaim space from events past the retention horizon
		// before signalling backpressure.
		ring.pruneLocked(time.Now().UTC())
		if len(ring.events) >= ring.capacity {
			metrics.EventsRejected.WithLabelValues(string(e.SourceType), "capacity").Inc()
			return core.NewCapacityError(e.SourceType)
		}
	}

	ring.events = append(ring.events, e)
	ring.seqs = append(ring.seqs, ring.nextSeq)
	ring.nextSeq++
	metrics.EventsIngested.WithLabelValues(string(e.SourceType)).Inc()
	return nil
}

// EventsSince returns up to max events with sequence numbers greater than
// cursor, in arrival order, together with the advanced cursor. A cursor of
// zero reads from the oldest retained event. The call is restartable: the
// same cursor always yields the same or a later starting point.
func (b *Buffer) EventsSince(st core.SourceType, cursor uint64, max int) ([]*core.Event, uint64) {
	ring, ok := b.rings[st]
	if !ok {
		return nil, cursor
	}
	ring.mu.RLock()
	defer ring.mu.RUnlock()

	// Binary search would be overkill: eviction keeps rings short-lived.
	start := 0
	for start < len(ring.seqs) && ring.seqs[start] <= cursor {
		start++
	}
	if start >= len(ring.events) {
		return nil, cursor
	}
	end := len(ring.events)
	if max > 0 && end-start > max {
		end = start + max
	}
	out := make([]*core.Event, end-start)
	copy(out, ring.events[start:end])
	return out, ring.seqs[end-1]
}

// SetRetention pins the retention horizon for one source type. The registry
// derives this as the max window across active rules referencing the source
// plus the grace period.
func (b *Buffer) SetRetention(st core.SourceType, d time.Duration) {
	ring, ok := b.rings[st]
	if !ok {
		return
	}
	ring.mu.Lock()
	ring.retention = d
	ring.mu.Unlock()
}

// Prune drops events older than each ring's retention horizon. Called from
// the maintenance sweep.
func (b *Buffer) Prune(now time.Time) {
	for st, ring := range b.rings {
		ring.mu.Lock()
		dropped := ring.pruneLocked(now)
		ring.mu.Unlock()
		if dropped > 0 {
			b.logger.Debugw("pruned ingest ring", "source", st, "dropped", dropped)
		}
	}
}

// Depth returns the current number of retained events for a source type.
func (b *Buffer) Depth(st core.SourceType) int {
	ring, ok := b.rings[st]
	if !ok {
		return 0
	}
	ring.mu.RLock()
	defer ring.mu.RUnlock()
	return len(ring.events)
}

func (r *sourceRing) pruneLocked(now time.Time) int {
	horizon := now.Add(-r.retention)
	idx := 0
	for idx < len(r.events) && r.events[idx].Timestamp.Before(horizon) {
		idx++
	}
	if idx == 0 {
		return 0
	}
	r.events = append([]*core.Event(nil), r.events[idx:]...)
	r.seqs = append([]uint64(nil), r.seqs[idx:]...)
	return idx
}
