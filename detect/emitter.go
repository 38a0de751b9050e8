package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"

	"go.uber.org/zap"
)

// AlertSink receives emitted alerts. Implementations are external
// collaborators (ticketing, notification, storage); the engine's only
// obligation is a one-way handoff that never blocks evaluation
// indefinitely.
type AlertSink interface {
	Emit(ctx context.Context, alert *core.Alert) error
}

// Emitter wraps a sink with bounded exponential backoff. After the retry
// budget is exhausted the alert is logged and dropped; the loss is counted,
// never silent.
type Emitter struct {
	sink     AlertSink
	attempts int
	base     time.Duration
	logger   *zap.SugaredLogger
}

// NewEmitter creates an emitter. attempts is the total number of tries.
func NewEmitter(sink AlertSink, attempts int, base time.Duration, logger *zap.SugaredLogger) *Emitter {
	if attempts <= 0 {
		attempts = 3
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &Emitter{sink: sink, attempts: attempts, base: base, logger: logger}
}

// Emit hands the alert to the sink, retrying transient failures.
func (em *Emitter) Emit(ctx context.Context, alert *core.Alert) {
	var err error
	for attempt := 0; attempt < em.attempts; attempt++ {
		if attempt > 0 {
			metrics.SinkRetries.Inc()
			select {
			case <-ctx.Done():
				err = ctx.Err()
				attempt = em.attempts
			case <-time.After(em.base << (attempt - 1)):
			}
		}
		if err = em.sink.Emit(ctx, alert); err == nil {
			metrics.AlertsEmitted.WithLabelValues(alert.RuleID, string(alert.Severity)).Inc()
			return
		}
	}
	metrics.AlertsDropped.WithLabelValues(alert.RuleID).Inc()
	em.logger.Errorw("alert dropped after sink retries exhausted",
		"rule", alert.RuleID, "group", alert.GroupKey, "error", err)
}

// LogSink writes alerts to the structured log. Default sink.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs the alert as a flat structured record.
func (s *LogSink) Emit(_ context.Context, alert *core.Alert) error {
	s.logger.Infow("alert",
		"alert_id", alert.AlertID,
		"rule_id", alert.RuleID,
		"rule_name", alert.RuleName,
		"severity", alert.Severity,
		"score", alert.Score,
		"group", alert.GroupFields,
		"generated_at", alert.GeneratedAt.Format(time.RFC3339),
		"event_ids", alert.EventIDs,
		"is_approximate", alert.IsApproximate,
		"suppressed_count", alert.SuppressedCount,
	)
	return nil
}

// FileSink appends alerts as JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the output file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening alert sink file: %w", err)
	}
	return &FileSink{file: f}, nil
}

// Emit writes one JSON line per alert.
func (s *FileSink) Emit(_ context.Context, alert *core.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
