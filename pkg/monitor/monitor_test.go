package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPerfMonitor(t *testing.T) *PerfMonitor {
	t.Helper()
	telemetry, err := NewTelemetry(context.Background(), DefaultTelemetryConfig())
	require.NoError(t, err)
	perf, err := NewPerfMonitor(telemetry)
	require.NoError(t, err)
	return perf
}

func TestPerfMonitor_SourceAggregates(t *testing.T) {
	perf := newTestPerfMonitor(t)

	perf.RecordAPICall("espn", 100*time.Millisecond, true)
	perf.RecordAPICall("espn", 300*time.Millisecond, false)
	perf.RecordAPICall("mlb", 50*time.Millisecond, true)

	snapshot := perf.SourceSnapshot()
	require.Contains(t, snapshot, "espn")
	espn := snapshot["espn"]
	assert.Equal(t, uint64(2), espn.Calls)
	assert.Equal(t, uint64(1), espn.Failures)
	assert.InDelta(t, 200.0, espn.MeanLatencyMs, 1e-9)
	assert.Equal(t, 300*time.Millisecond, espn.MaxLatency)

	assert.InDelta(t, 0.5, perf.FailureRate("espn"), 1e-9)
	assert.Zero(t, perf.FailureRate("mlb"))
	assert.Zero(t, perf.FailureRate("unknown"))
}

func TestPerfMonitor_ValidationAggregates(t *testing.T) {
	perf := newTestPerfMonitor(t)

	perf.RecordValidationLatency(100 * time.Millisecond)
	perf.RecordValidationLatency(200 * time.Millisecond)

	v := perf.ValidationSnapshot()
	assert.Equal(t, uint64(2), v.Count)
	assert.InDelta(t, 150.0, v.MeanLatencyMs, 1e-9)
	assert.Equal(t, 200*time.Millisecond, v.MaxLatency)
}

func TestHealthMonitor_AggregatesComponentProbes(t *testing.T) {
	h := NewHealthMonitor()
	h.Register("evidence", func(ctx context.Context) error { return nil })
	h.Register("database", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	report := h.Check(context.Background())
	assert.False(t, report.Healthy)
	require.Len(t, report.Components, 2)
	// Sorted by name: database first.
	assert.Equal(t, "database", report.Components[0].Name)
	assert.False(t, report.Components[0].Healthy)
	assert.Contains(t, report.Components[0].Detail, "connection refused")
	assert.True(t, report.Components[1].Healthy)
}

func TestAlerter_RaisesOnThresholdBreaches(t *testing.T) {
	perf := newTestPerfMonitor(t)
	for range 8 {
		perf.RecordAPICall("espn", 50*time.Millisecond, false)
	}
	for range 2 {
		perf.RecordAPICall("espn", 50*time.Millisecond, true)
	}
	perf.RecordValidationLatency(2 * time.Second)

	a := NewAlerter(AlertThresholds{
		MaxSourceFailureRate: 0.5,
		MaxMeanValidationMs:  500,
		MaxQueueDepth:        10,
	}, perf)

	alerts := a.Evaluate(25)
	require.Len(t, alerts, 3)
	rules := []string{alerts[0].Rule, alerts[1].Rule, alerts[2].Rule}
	assert.Contains(t, rules, "source_failure_rate")
	assert.Contains(t, rules, "validation_latency")
	assert.Contains(t, rules, "queue_depth")
}

func TestAlerter_SilentWithinThresholds(t *testing.T) {
	perf := newTestPerfMonitor(t)
	perf.RecordAPICall("espn", 10*time.Millisecond, true)

	a := NewAlerter(AlertThresholds{
		MaxSourceFailureRate: 0.5,
		MaxMeanValidationMs:  500,
		MaxQueueDepth:        10,
	}, perf)
	assert.Empty(t, a.Evaluate(0))
}
