package detect

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"argus/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func netEvent(t *testing.T, id string, fields map[string]interface{}) *core.Event {
	t.Helper()
	return &core.Event{
		EventID:    id,
		SourceType: core.SourceNetwork,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EntityID:   "host-1",
		Fields:     fields,
	}
}

func TestAccumulatorEveryOp(t *testing.T) {
	specs := []core.Aggregation{
		{Name: "conns", Op: core.AggCount},
		{Name: "total_bytes", Op: core.AggSum, Field: "bytes_out"},
		{Name: "max_bytes", Op: core.AggMax, Field: "bytes_out"},
		{Name: "min_bytes", Op: core.AggMin, Field: "bytes_out"},
		{Name: "dcount_port", Op: core.AggDCount, Field: "dest_port"},
		{Name: "ports", Op: core.AggSet, Field: "dest_port"},
		{Name: "ips", Op: core.AggList, Field: "dest_ip"},
	}
	acc := newAccumulator(specs, DefaultLimits)
	for i, ev := range []map[string]interface{}{
		{"bytes_out": 100, "dest_port": "443", "dest_ip": "10.0.0.1"},
		{"bytes_out": 50, "dest_port": "22", "dest_ip": "10.0.0.2"},
		{"bytes_out": 300, "dest_port": "443", "dest_ip": "10.0.0.1"},
	} {
		require.NoError(t, acc.fold(netEvent(t, fmt.Sprintf("e%d", i), ev)))
	}

	vals := acc.values()
	assert.Equal(t, float64(3), vals["conns"].Number)
	assert.Equal(t, float64(450), vals["total_bytes"].Number)
	assert.Equal(t, float64(300), vals["max_bytes"].Number)
	assert.Equal(t, float64(50), vals["min_bytes"].Number)
	assert.Equal(t, float64(2), vals["dcount_port"].Number)
	assert.Equal(t, []string{"22", "443"}, vals["ports"].Values)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"}, vals["ips"].Values)
	assert.False(t, acc.approximate)
}

// Fold order must not change any aggregate except list, which is a bounded
// order-sensitive sample.
func TestAccumulatorFoldIsCommutative(t *testing.T) {
	specs := []core.Aggregation{
		{Name: "conns", Op: core.AggCount},
		{Name: "total_bytes", Op: core.AggSum, Field: "bytes_out"},
		{Name: "max_bytes", Op: core.AggMax, Field: "bytes_out"},
		{Name: "min_bytes", Op: core.AggMin, Field: "bytes_out"},
		{Name: "dcount_port", Op: core.AggDCount, Field: "dest_port"},
		{Name: "ports", Op: core.AggSet, Field: "dest_port"},
	}
	events := make([]*core.Event, 0, 40)
	for i := 0; i < 40; i++ {
		events = append(events, netEvent(t, fmt.Sprintf("e%d", i), map[string]interface{}{
			"bytes_out": i * 17 % 900,
			"dest_port": fmt.Sprintf("%d", 1000+i%7),
		}))
	}

	base := newAccumulator(specs, DefaultLimits)
	for _, e := range events {
		require.NoError(t, base.fold(e))
	}
	want := base.values()

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 5; trial++ {
		shuffled := append([]*core.Event(nil), events...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		acc := newAccumulator(specs, DefaultLimits)
		for _, e := range shuffled {
			require.NoError(t, acc.fold(e))
		}
		assert.Equal(t, want, acc.values())
	}
}

func TestAccumulatorDistinctCapFlagsApproximate(t *testing.T) {
	specs := []core.Aggregation{
		{Name: "dcount_ip", Op: core.AggDCount, Field: "dest_ip"},
	}
	acc := newAccumulator(specs, Limits{MaxDistinct: 5, MaxList: 5, MaxEventIDs: 5})
	for i := 0; i < 20; i++ {
		e := netEvent(t, fmt.Sprintf("e%d", i), map[string]interface{}{
			"dest_ip": fmt.Sprintf("10.0.0.%d", i),
		})
		require.NoError(t, acc.fold(e))
	}

	vals := acc.values()
	assert.Equal(t, float64(5), vals["dcount_ip"].Number, "distinct count capped at the limit")
	assert.True(t, acc.approximate)
	assert.Len(t, acc.eventIDs, 5)
}

func TestAccumulatorListCap(t *testing.T) {
	specs := []core.Aggregation{{Name: "ips", Op: core.AggList, Field: "dest_ip"}}
	acc := newAccumulator(specs, Limits{MaxDistinct: 5, MaxList: 3, MaxEventIDs: 5})
	for i := 0; i < 10; i++ {
		e := netEvent(t, fmt.Sprintf("e%d", i), map[string]interface{}{
			"dest_ip": fmt.Sprintf("10.0.0.%d", i),
		})
		require.NoError(t, acc.fold(e))
	}
	vals := acc.values()
	assert.Equal(t, []string{"10.0.0.0", "10.0.0.1", "10.0.0.2"}, vals["ips"].Values)
	assert.True(t, acc.approximate)
}

func TestAccumulatorTypeMismatchLeavesStateUntouched(t *testing.T) {
	specs := []core.Aggregation{
		{Name: "conns", Op: core.AggCount},
		{Name: "total_bytes", Op: core.AggSum, Field: "bytes_out"},
	}
	acc := newAccumulator(specs, DefaultLimits)
	require.NoError(t, acc.fold(netEvent(t, "good", map[string]interface{}{"bytes_out": 10})))

	err := acc.fold(netEvent(t, "bad", map[string]interface{}{"bytes_out": "lots"}))
	require.Error(t, err)

	vals := acc.values()
	assert.Equal(t, float64(1), vals["conns"].Number, "mismatched event must not be half-applied")
	assert.Equal(t, float64(10), vals["total_bytes"].Number)
}

func TestAccumulatorMissingFieldSkipsAggregate(t *testing.T) {
	specs := []core.Aggregation{
		{Name: "conns", Op: core.AggCount},
		{Name: "total_bytes", Op: core.AggSum, Field: "bytes_out"},
	}
	acc := newAccumulator(specs, DefaultLimits)
	require.NoError(t, acc.fold(netEvent(t, "e1", map[string]interface{}{"dest_ip": "10.0.0.1"})))
	require.NoError(t, acc.fold(netEvent(t, "e2", map[string]interface{}{"bytes_out": 7})))

	vals := acc.values()
	assert.Equal(t, float64(2), vals["conns"].Number)
	assert.Equal(t, float64(7), vals["total_bytes"].Number)
}

func TestZeroValues(t *testing.T) {
	specs := []core.Aggregation{
		{Name: "right_ops", Op: core.AggCount},
		{Name: "ops", Op: core.AggSet, Field: "operation"},
	}
	vals := zeroValues(specs)
	assert.Equal(t, float64(0), vals["right_ops"].Number)
	assert.Equal(t, []string{}, vals["ops"].Values)
}
