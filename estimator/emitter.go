package estimator

import (
	"context"
	"math"
	"sync"

	"github.com/Broly1/windusb"
)

// Emitter is the single ordered sink for a job's events. It is shared by
// the controller and a running Monitor.
//
// Updates whose fraction is below the last emitted one are dropped, so a
// noisy sample never moves the bar backwards. Nothing is emitted after the
// first terminal event.
type Emitter struct {
	mu       sync.Mutex
	ctx      context.Context
	out      chan<- windusb.ProgressEvent
	last     float64
	terminal bool
	dropped  int
}

// NewEmitter writes to out until ctx ends.
func NewEmitter(ctx context.Context, out chan<- windusb.ProgressEvent) *Emitter {
	return &Emitter{ctx: ctx, out: out}
}

// Update emits a progress update. It reports whether the event was sent.
func (e *Emitter) Update(phase windusb.Phase, message string, fraction float64) bool {
	fraction = clamp(fraction)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return false
	}
	if fraction < e.last {
		e.dropped++
		return false
	}
	if !e.send(windusb.Update(phase, message, fraction)) {
		return false
	}
	e.last = fraction
	return true
}

// Finish emits the success terminal event.
func (e *Emitter) Finish() bool {
	return e.terminate(windusb.Finished())
}

// Fail emits the error terminal event.
func (e *Emitter) Fail(phase windusb.Phase, message string) bool {
	return e.terminate(windusb.Failed(phase, message))
}

func (e *Emitter) terminate(ev windusb.ProgressEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return false
	}
	e.terminal = true
	return e.send(ev)
}

func (e *Emitter) send(ev windusb.ProgressEvent) bool {
	select {
	case e.out <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// Last returns the last emitted fraction.
func (e *Emitter) Last() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Dropped returns how many updates were discarded as regressions.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func clamp(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}
