package monitor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SourceStats are per-provider rolling aggregates.
type SourceStats struct {
	Calls         uint64        `json:"calls"`
	Failures      uint64        `json:"failures"`
	MeanLatencyMs float64       `json:"mean_latency_ms"`
	MaxLatency    time.Duration `json:"max_latency_ns"`
	LastSuccess   time.Time     `json:"last_success,omitempty"`
	LastFailure   time.Time     `json:"last_failure,omitempty"`
}

// ValidationStats are rolling aggregates over consensus validations.
type ValidationStats struct {
	Count         uint64        `json:"count"`
	MeanLatencyMs float64       `json:"mean_latency_ms"`
	MaxLatency    time.Duration `json:"max_latency_ns"`
}

// PerfMonitor records API-call and validation latencies both as OTel
// instruments and as in-process aggregates the health endpoint and alert
// rules read directly. Satisfies the provider fetch path's recorder
// contract and the orchestrator's latency sink.
type PerfMonitor struct {
	apiCalls       metric.Int64Counter
	apiLatency     metric.Float64Histogram
	validationTime metric.Float64Histogram

	mu         sync.Mutex
	sources    map[string]*SourceStats
	validation ValidationStats
}

// NewPerfMonitor builds instruments on the telemetry meter.
func NewPerfMonitor(t *Telemetry) (*PerfMonitor, error) {
	meter := t.Meter()

	apiCalls, err := meter.Int64Counter("promogate.api.calls.total",
		metric.WithDescription("Provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}
	apiLatency, err := meter.Float64Histogram("promogate.api.latency",
		metric.WithDescription("Provider API call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, err
	}
	validationTime, err := meter.Float64Histogram("promogate.validation.duration",
		metric.WithDescription("Consensus validation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, err
	}

	return &PerfMonitor{
		apiCalls:       apiCalls,
		apiLatency:     apiLatency,
		validationTime: validationTime,
		sources:        make(map[string]*SourceStats),
	}, nil
}

// RecordAPICall records one provider call outcome.
func (m *PerfMonitor) RecordAPICall(source string, latency time.Duration, success bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", success),
	)
	m.apiCalls.Add(ctx, 1, attrs)
	m.apiLatency.Record(ctx, latency.Seconds(), attrs)

	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.sources[source]
	if !ok {
		stats = &SourceStats{}
		m.sources[source] = stats
	}
	stats.Calls++
	stats.MeanLatencyMs += (float64(latency.Milliseconds()) - stats.MeanLatencyMs) / float64(stats.Calls)
	if latency > stats.MaxLatency {
		stats.MaxLatency = latency
	}
	now := time.Now().UTC()
	if success {
		stats.LastSuccess = now
	} else {
		stats.Failures++
		stats.LastFailure = now
	}
}

// RecordValidationLatency records one consensus validation duration.
func (m *PerfMonitor) RecordValidationLatency(d time.Duration) {
	m.validationTime.Record(context.Background(), d.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.validation.Count++
	m.validation.MeanLatencyMs += (float64(d.Milliseconds()) - m.validation.MeanLatencyMs) / float64(m.validation.Count)
	if d > m.validation.MaxLatency {
		m.validation.MaxLatency = d
	}
}

// SourceSnapshot returns per-source aggregates keyed by source ID.
func (m *PerfMonitor) SourceSnapshot() map[string]SourceStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]SourceStats, len(m.sources))
	for id, stats := range m.sources {
		out[id] = *stats
	}
	return out
}

// ValidationSnapshot returns validation aggregates.
func (m *PerfMonitor) ValidationSnapshot() ValidationStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validation
}

// FailureRate reports a source's failure fraction, zero if never called.
func (m *PerfMonitor) FailureRate(source string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.sources[source]
	if !ok || stats.Calls == 0 {
		return 0
	}
	return float64(stats.Failures) / float64(stats.Calls)
}
