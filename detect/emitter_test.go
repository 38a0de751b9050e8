package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records alerts and can fail the first n attempts.
type captureSink struct {
	mu       sync.Mutex
	alerts   []*core.Alert
	failures int
	calls    int
}

func (s *captureSink) Emit(_ context.Context, alert *core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sink unavailable")
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *captureSink) emitted() []*core.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.Alert(nil), s.alerts...)
}

func TestEmitterRetriesTransientFailures(t *testing.T) {
	sink := &captureSink{failures: 2}
	em := NewEmitter(sink, 3, time.Millisecond, testLogger())

	em.Emit(context.Background(), testAlert("r1", "alice"))

	require.Len(t, sink.emitted(), 1)
	assert.Equal(t, 3, sink.calls)
}

func TestEmitterDropsAfterBudgetExhausted(t *testing.T) {
	sink := &captureSink{failures: 10}
	em := NewEmitter(sink, 3, time.Millisecond, testLogger())

	em.Emit(context.Background(), testAlert("r1", "alice"))

	assert.Empty(t, sink.emitted(), "alert is dropped, not retried forever")
	assert.Equal(t, 3, sink.calls)
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	a := testAlert("r1", "entity_id=alice")
	a.Aggregations = map[string]core.AggValue{"failures": {Number: 5}}
	require.NoError(t, sink.Emit(context.Background(), a))
	require.NoError(t, sink.Emit(context.Background(), testAlert("r1", "entity_id=bob")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	require.Len(t, lines, 2)

	var decoded core.Alert
	require.NoError(t, json.Unmarshal(lines[0], &decoded))
	assert.Equal(t, "entity_id=alice", decoded.GroupKey)
	assert.Equal(t, float64(5), decoded.Aggregations["failures"].Number)
}
