package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementCounter(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("requests_total", nil, "total requests")
	r.IncrementCounter("requests_total", nil, "total requests")
	r.IncrementCounter("requests_total", nil, "total requests")

	m, ok := r.counters["requests_total"]
	require.True(t, ok)
	assert.Equal(t, 3.0, m.Value)
	assert.Equal(t, Counter, m.Type)
	assert.Equal(t, "total requests", m.Description)
}

func TestAddToCounter(t *testing.T) {
	r := NewRegistry()

	r.AddToCounter("bytes_total", 100, nil, "")
	r.AddToCounter("bytes_total", 50, nil, "")

	m, ok := r.counters["bytes_total"]
	require.True(t, ok)
	assert.Equal(t, 150.0, m.Value)
}

func TestCounterLabelsSeparateSeries(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("queue_items", map[string]string{"queue": "outbox"}, "")
	r.IncrementCounter("queue_items", map[string]string{"queue": "signups"}, "")
	r.IncrementCounter("queue_items", map[string]string{"queue": "outbox"}, "")

	assert.Equal(t, 2.0, r.counters["queue_items_queue:outbox"].Value)
	assert.Equal(t, 1.0, r.counters["queue_items_queue:signups"].Value)
}

func TestMetricKeySortsLabels(t *testing.T) {
	r := NewRegistry()

	key1 := r.metricKey("m", map[string]string{"b": "2", "a": "1"})
	key2 := r.metricKey("m", map[string]string{"a": "1", "b": "2"})

	assert.Equal(t, key1, key2)
	assert.Equal(t, "m_a:1_b:2", key1)
}

func TestCounterCopiesLabels(t *testing.T) {
	r := NewRegistry()

	labels := map[string]string{"queue": "outbox"}
	r.IncrementCounter("queue_items", labels, "")
	labels["queue"] = "mutated"

	assert.Equal(t, "outbox", r.counters["queue_items_queue:outbox"].Labels["queue"])
}

func TestSetGauge(t *testing.T) {
	r := NewRegistry()

	r.SetGauge("queue_depth", 5, map[string]string{"queue": "outbox"}, "depth")
	r.SetGauge("queue_depth", 2, map[string]string{"queue": "outbox"}, "depth")

	m := r.gauges["queue_depth_queue:outbox"]
	require.NotNil(t, m)
	assert.Equal(t, 2.0, m.Value)
	assert.Equal(t, Gauge, m.Type)
}

func TestRecordTimer(t *testing.T) {
	r := NewRegistry()

	r.RecordTimer("tick_duration", 10*time.Millisecond, nil, "")
	r.RecordTimer("tick_duration", 30*time.Millisecond, nil, "")
	r.RecordTimer("tick_duration", 20*time.Millisecond, nil, "")

	timer := r.timers["tick_duration"]
	require.NotNil(t, timer)
	assert.Equal(t, int64(3), timer.Count)
	assert.InDelta(t, 60.0, timer.Sum, 0.001)
	assert.InDelta(t, 10.0, timer.Min, 0.001)
	assert.InDelta(t, 30.0, timer.Max, 0.001)
	assert.InDelta(t, 20.0, timer.Average, 0.001)
}

func TestRecordTimerP95RequiresTenSamples(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < 9; i++ {
		r.RecordTimer("op", time.Millisecond, nil, "")
	}
	assert.Zero(t, r.timers["op"].P95)

	r.RecordTimer("op", 100*time.Millisecond, nil, "")
	assert.Greater(t, r.timers["op"].P95, 0.0)
}

func TestCalculatePercentile(t *testing.T) {
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = float64(i + 1)
	}

	assert.Equal(t, 96.0, calculatePercentile(samples, 0.95))
	assert.Equal(t, 51.0, calculatePercentile(samples, 0.50))
	assert.Equal(t, 0.0, calculatePercentile(nil, 0.95))
}

func TestGetAllMetrics(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter("c", nil, "")
	r.SetGauge("g", 1, nil, "")
	r.RecordTimer("t", time.Millisecond, nil, "")

	all := r.GetAllMetrics()

	counters, ok := all["counters"].(map[string]*Metric)
	require.True(t, ok)
	assert.Len(t, counters, 1)

	timers, ok := all["timers"].(map[string]*TimerMetric)
	require.True(t, ok)
	assert.Len(t, timers, 1)

	gauges, ok := all["gauges"].(map[string]*Metric)
	require.True(t, ok)
	assert.Len(t, gauges, 1)

	assert.Contains(t, all, "uptime_ms")
	assert.Contains(t, all, "timestamp")
}

func TestGlobalRegistryHelpers(t *testing.T) {
	IncrementCounter("global_test_counter", nil, "")
	SetGauge("global_test_gauge", 7, nil, "")

	all := GetAllMetrics()
	counters := all["counters"].(map[string]*Metric)
	gauges := all["gauges"].(map[string]*Metric)

	assert.GreaterOrEqual(t, counters["global_test_counter"].Value, 1.0)
	assert.Equal(t, 7.0, gauges["global_test_gauge"].Value)
}
