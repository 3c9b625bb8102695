package monitor

import (
	"fmt"
	"log/slog"
	"time"
)

// AlertThresholds bound the aggregates the alerter watches. Zero values
// disable the corresponding rule.
type AlertThresholds struct {
	// MaxSourceFailureRate alerts when a provider's failure fraction
	// exceeds this value.
	MaxSourceFailureRate float64
	// MaxMeanValidationMs alerts on a slow consensus pipeline.
	MaxMeanValidationMs float64
	// MaxQueueDepth alerts when the workflow queue backs up.
	MaxQueueDepth int
}

// Alert is one raised threshold breach.
type Alert struct {
	Rule     string    `json:"rule"`
	Detail   string    `json:"detail"`
	RaisedAt time.Time `json:"raised_at"`
}

// Alerter evaluates threshold rules over performance aggregates.
type Alerter struct {
	thresholds AlertThresholds
	perf       *PerfMonitor
	logger     *slog.Logger
}

func NewAlerter(thresholds AlertThresholds, perf *PerfMonitor) *Alerter {
	return &Alerter{
		thresholds: thresholds,
		perf:       perf,
		logger:     slog.Default().With("component", "alerts"),
	}
}

// Evaluate checks all rules against current aggregates and the given
// queue depth, logging and returning every breach.
func (a *Alerter) Evaluate(queueDepth int) []Alert {
	now := time.Now().UTC()
	var alerts []Alert
	raise := func(rule, detail string) {
		alerts = append(alerts, Alert{Rule: rule, Detail: detail, RaisedAt: now})
		a.logger.Warn("alert raised", "rule", rule, "detail", detail)
	}

	if a.thresholds.MaxSourceFailureRate > 0 {
		for source, stats := range a.perf.SourceSnapshot() {
			if stats.Calls == 0 {
				continue
			}
			if rate := a.perf.FailureRate(source); rate > a.thresholds.MaxSourceFailureRate {
				raise("source_failure_rate", fmt.Sprintf(
					"source %s failing %.0f%% of calls (%d/%d)",
					source, rate*100, stats.Failures, stats.Calls))
			}
		}
	}

	if a.thresholds.MaxMeanValidationMs > 0 {
		if v := a.perf.ValidationSnapshot(); v.Count > 0 && v.MeanLatencyMs > a.thresholds.MaxMeanValidationMs {
			raise("validation_latency", fmt.Sprintf(
				"mean validation latency %.1fms over %.1fms limit",
				v.MeanLatencyMs, a.thresholds.MaxMeanValidationMs))
		}
	}

	if a.thresholds.MaxQueueDepth > 0 && queueDepth > a.thresholds.MaxQueueDepth {
		raise("queue_depth", fmt.Sprintf(
			"%d events queued, limit %d", queueDepth, a.thresholds.MaxQueueDepth))
	}

	return alerts
}
