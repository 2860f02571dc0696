// Package estimator infers flash progress from side effects.
//
// Neither 7z nor wimlib-imagex reports progress the pipeline can use, so a
// Monitor samples the destination instead: bytes on the mounted target and
// the kernel's writeback backlog. A Sampler turns one measurement into a
// Reading; the Monitor polls it and pushes readings into a Sink. Samplers
// are swappable without touching the controller.
package estimator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Broly1/windusb"
)

// ErrStop tells a Monitor to stop sampling without reporting anything.
var ErrStop = errors.New("estimator: stop sampling")

// Reading is one progress estimate.
type Reading struct {
	Message  string
	Fraction float64
}

// Sampler produces a Reading from the current state of the world.
type Sampler interface {
	Sample(ctx context.Context) (Reading, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Reading, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (Reading, error) {
	return f(ctx)
}

// Sink receives progress updates.
type Sink interface {
	Update(phase windusb.Phase, message string, fraction float64) bool
}

// Monitor polls a Sampler on its own goroutine until stopped.
type Monitor struct {
	phase    windusb.Phase
	sampler  Sampler
	sink     Sink
	interval time.Duration
	logger   logrus.FieldLogger

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	samples  atomic.Int64
}

// NewMonitor creates a monitor. Call Run to start it and Stop to end it.
func NewMonitor(phase windusb.Phase, sampler Sampler, sink Sink, interval time.Duration, logger logrus.FieldLogger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	m := &Monitor{
		phase:    phase,
		sampler:  sampler,
		sink:     sink,
		interval: interval,
		logger:   logger.WithFields(logrus.Fields{"component": "estimator", "phase": phase.String()}),
		stop:     make(chan struct{}),
	}
	m.running.Store(true)
	return m
}

// Run samples until Stop is called, ctx ends, or the sampler returns
// ErrStop or reports a vanished destination. It always returns nil:
// estimation failures never fail a job.
func (m *Monitor) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stop:
			return nil
		case <-timer.C:
		}
		if !m.running.Load() {
			return nil
		}

		r, err := m.sampler.Sample(ctx)
		switch {
		case errors.Is(err, ErrStop), errors.Is(err, fs.ErrNotExist):
			m.logger.WithError(err).Debug("destination gone, monitor stopping")
			return nil
		case err != nil:
			m.logger.WithError(err).Debug("sample failed")
		case m.running.Load():
			m.samples.Add(1)
			m.sink.Update(m.phase, r.Message, r.Fraction)
		}
		timer.Reset(m.interval)
	}
}

// Stop clears the running flag. No Update is pushed after Stop returns
// unless one was already in flight; callers that need a hard guarantee
// wait for Run to return.
func (m *Monitor) Stop() {
	m.running.Store(false)
	m.stopOnce.Do(func() { close(m.stop) })
}

// Samples returns how many readings reached the sink.
func (m *Monitor) Samples() int64 {
	return m.samples.Load()
}

// DirSize returns the apparent size of every regular file under root, like
// du -sb. Entries that vanish mid-walk are skipped; a missing root is
// reported as fs.ErrNotExist.
func DirSize(root string) (int64, error) {
	if _, err := os.Stat(root); err != nil {
		return 0, err
	}
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
