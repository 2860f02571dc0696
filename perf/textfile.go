package perf

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors holds the Prometheus view of a PipelineMetrics. It is written
// once per run to a node_exporter textfile, if configured.
type Collectors struct {
	registry *prometheus.Registry
	phase    *prometheus.GaugeVec
	tool     *prometheus.GaugeVec
	total    prometheus.Gauge
	flushed  prometheus.Gauge
	outcome  *prometheus.GaugeVec
}

// NewCollectors registers the flash gauges on a private registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "windusb",
			Name:      "phase_duration_seconds",
			Help:      "Wall time spent in each flash phase during the last run.",
		}, []string{"phase"}),
		tool: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "windusb",
			Name:      "tool_duration_seconds",
			Help:      "Wall time spent in each external tool during the last run.",
		}, []string{"tool"}),
		total: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "windusb",
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		flushed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "windusb",
			Name:      "flushed_bytes",
			Help:      "Writeback backlog drained by the final sync.",
		}),
		outcome: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "windusb",
			Name:      "last_run_outcome",
			Help:      "1 for the outcome of the last run.",
		}, []string{"outcome"}),
	}
	c.registry.MustRegister(c.phase, c.tool, c.total, c.flushed, c.outcome)
	return c
}

// Registry exposes the underlying registry.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// Observe copies m into the gauges.
func (c *Collectors) Observe(m *PipelineMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p, d := range m.phases {
		c.phase.WithLabelValues(p.String()).Set(d.Seconds())
	}
	for name, d := range m.tools {
		c.tool.WithLabelValues(name).Set(d.Seconds())
	}
	c.total.Set(m.TotalDuration.Seconds())
	c.flushed.Set(float64(m.BytesFlushed))
	if m.Outcome != "" {
		c.outcome.WithLabelValues(m.Outcome).Set(1)
	}
}

// WriteTextfile observes m and writes the registry to path.
func (c *Collectors) WriteTextfile(path string, m *PipelineMetrics) error {
	c.Observe(m)
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
