package detect

import (
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Deduplicator suppresses repeat alerts for the same (rule, group key)
// within the rule's cool-down interval. Suppressed activity is not lost: it
// surfaces as a suppressed count on the next emission for that group. The
// entry table is a bounded LRU, so dedup state can never grow without
// bound; the maintenance sweep additionally drops entries past the longest
// cool-down.
type Deduplicator struct {
	mu            sync.Mutex
	entries       *lru.Cache[string, *dedupEntry]
	defaultWindow time.Duration
	logger        *zap.SugaredLogger
}

type dedupEntry struct {
	lastEmitted time.Time
	suppressed  int64
}

// NewDeduplicator creates a deduplicator with a bounded entry cache.
func NewDeduplicator(cacheSize int, defaultWindow time.Duration, logger *zap.SugaredLogger) (*Deduplicator, error) {
	cache, err := lru.New[string, *dedupEntry](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Deduplicator{
		entries:       cache,
		defaultWindow: defaultWindow,
		logger:        logger,
	}, nil
}

// Consider decides whether the alert passes the cool-down. On emission the
// alert picks up the count of alerts suppressed since the group's previous
// emission and the entry resets.
func (d *Deduplicator) Consider(alert *core.Alert, window time.Duration, now time.Time) bool {
	if window <= 0 {
		window = d.defaultWindow
	}
	key := alert.RuleID + "\x1f" + alert.GroupKey

	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries.Get(key)
	if ok && now.Sub(entry.lastEmitted) < window {
		entry.suppressed++
		metrics.AlertsSuppressed.WithLabelValues(alert.RuleID).Inc()
		return false
	}
	if ok {
		alert.SuppressedCount = entry.suppressed
	}
	d.entries.Add(key, &dedupEntry{lastEmitted: now})
	return true
}

// GC drops entries idle beyond the longest dedup window across active
// rules.
func (d *Deduplicator) GC(now time.Time, maxWindow time.Duration) {
	if maxWindow < d.defaultWindow {
		maxWindow = d.defaultWindow
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range d.entries.Keys() {
		entry, ok := d.entries.Peek(key)
		if ok && now.Sub(entry.lastEmitted) > maxWindow {
			d.entries.Remove(key)
		}
	}
}

// Len returns the live entry count, for the health surface.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries.Len()
}
