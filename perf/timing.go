// Package perf provides timing and metrics for the flash pipeline.
package perf

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Broly1/windusb"
)

// Timer tracks operation timing.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{
		name:      name,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Stop ends timing and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Debug("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	fields := logrus.Fields{
		"operation":   t.name,
		"duration_ms": duration.Milliseconds(),
	}
	if t.logger != nil {
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// PipelineMetrics accumulates per-phase timings for one flash job.
type PipelineMetrics struct {
	mu sync.Mutex

	phases map[windusb.Phase]time.Duration
	tools  map[string]time.Duration

	TotalDuration time.Duration
	SettleCount   int
	SettleTime    time.Duration
	BytesFlushed  uint64
	Outcome       string
}

// NewPipelineMetrics creates a new metrics tracker.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		phases: make(map[windusb.Phase]time.Duration),
		tools:  make(map[string]time.Duration),
	}
}

// RecordPhase adds d to a phase's total.
func (m *PipelineMetrics) RecordPhase(phase windusb.Phase, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases[phase] += d
}

// RecordTool adds d to an external tool's total.
func (m *PipelineMetrics) RecordTool(tool string, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools[tool] += d
}

// RecordSettle records the post-partition settle wait.
func (m *PipelineMetrics) RecordSettle(d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SettleTime += d
	m.SettleCount++
}

// Finish stamps the total duration and outcome ("finished", "error",
// "cancelled").
func (m *PipelineMetrics) Finish(total time.Duration, outcome string, flushed uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalDuration = total
	m.Outcome = outcome
	m.BytesFlushed = flushed
}

// Phase returns the recorded time for a phase.
func (m *PipelineMetrics) Phase(phase windusb.Phase) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phases[phase]
}

// Tools returns a copy of the per-tool timings.
func (m *PipelineMetrics) Tools() map[string]time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Duration, len(m.tools))
	for k, v := range m.tools {
		out[k] = v
	}
	return out
}

// Summary returns a formatted summary of the metrics.
func (m *PipelineMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "\n=== Flash Timings ===\n")
	fmt.Fprintf(&b, "Total Duration:        %v (%s)\n\n", m.TotalDuration, m.Outcome)
	fmt.Fprintf(&b, "Phase Durations:\n")
	for _, p := range windusb.Phases {
		d, ok := m.phases[p]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-20s %v\n", p.Title()+":", d)
	}

	var waitPercent float64
	if m.TotalDuration > 0 {
		waitPercent = float64(m.SettleTime) / float64(m.TotalDuration) * 100
	}
	fmt.Fprintf(&b, "\nSettle:                %v (%d waits, %.1f%% of total)\n", m.SettleTime, m.SettleCount, waitPercent)

	if len(m.tools) > 0 {
		names := make([]string, 0, len(m.tools))
		for name := range m.tools {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "\nTool Timings:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %-20s %v\n", name+":", m.tools[name])
		}
	}
	return b.String()
}

type contextKey struct{}

// WithMetrics adds metrics to context.
func WithMetrics(ctx context.Context, m *PipelineMetrics) context.Context {
	return context.WithValue(ctx, contextKey{}, m)
}

// MetricsFromContext retrieves metrics from context. The result may be nil;
// all Record methods accept a nil receiver.
func MetricsFromContext(ctx context.Context) *PipelineMetrics {
	m, _ := ctx.Value(contextKey{}).(*PipelineMetrics)
	return m
}
