package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CheckFunc probes one component. A nil return means healthy; the error
// message becomes the reported detail otherwise.
type CheckFunc func(ctx context.Context) error

// ComponentStatus is one component's probe outcome.
type ComponentStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthReport aggregates all component probes.
type HealthReport struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentStatus `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// HealthMonitor runs registered component probes on demand.
type HealthMonitor struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	logger *slog.Logger
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks: make(map[string]CheckFunc),
		logger: slog.Default().With("component", "health"),
	}
}

// Register adds or replaces a component probe.
func (h *HealthMonitor) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check probes every registered component. Probe order is by name so
// reports are stable.
func (h *HealthMonitor) Check(ctx context.Context) HealthReport {
	h.mu.Lock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.Unlock()
	sort.Strings(names)

	report := HealthReport{Healthy: true, CheckedAt: time.Now().UTC()}
	for _, name := range names {
		status := ComponentStatus{Name: name, Healthy: true, CheckedAt: report.CheckedAt}
		if err := checks[name](ctx); err != nil {
			status.Healthy = false
			status.Detail = err.Error()
			report.Healthy = false
			h.logger.Warn("component unhealthy", "name", name, "detail", status.Detail)
		}
		report.Components = append(report.Components, status)
	}
	return report
}
