// estimator_test.go - Tests for samplers, the monitor loop, and the emitter.

package estimator

import (
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Broly1/windusb"
	"github.com/Broly1/windusb/writeback"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDirSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "bootmgr"), 1000)
	writeFile(t, filepath.Join(root, "efi", "boot", "bootx64.efi"), 2500)
	writeFile(t, filepath.Join(root, "sources", "boot.wim"), 500)

	got, err := DirSize(root)
	if err != nil {
		t.Fatalf("DirSize: %v", err)
	}
	if got != 4000 {
		t.Errorf("DirSize() = %d, want 4000", got)
	}

	if _, err := DirSize(filepath.Join(root, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("DirSize(missing) = %v, want ErrNotExist", err)
	}
}

func TestExtractSampler(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "setup.exe"), 3000)

	tests := []struct {
		name  string
		dirty uint64
		want  float64
	}{
		{name: "nothing buffered", dirty: 0, want: ExtractStart + 0.3*ExtractSpan},
		{name: "partly buffered", dirty: 1000, want: ExtractStart + 0.2*ExtractSpan},
		{name: "all buffered", dirty: 5000, want: ExtractStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &ExtractSampler{
				Dest:   root,
				Dirty:  writeback.ReaderFunc(func() (uint64, error) { return tt.dirty, nil }),
				Budget: 10000,
			}
			r, err := s.Sample(context.Background())
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			if !almostEqual(r.Fraction, tt.want) {
				t.Errorf("Fraction = %v, want %v", r.Fraction, tt.want)
			}
			if r.Message != "Extracting boot files..." {
				t.Errorf("Message = %q", r.Message)
			}
		})
	}

	capped := &ExtractSampler{Dest: root, Budget: 100}
	r, _ := capped.Sample(context.Background())
	if !almostEqual(r.Fraction, ExtractStart+ExtractSpan) {
		t.Errorf("over-budget Fraction = %v, want %v", r.Fraction, ExtractStart+ExtractSpan)
	}
}

func TestSplitSampler(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "boot", "bcd"), 2*mib)

	s := NewSplitSampler(root, "install.wim", 10*mib)
	if s.Baseline != 2*mib {
		t.Fatalf("Baseline = %d, want %d", s.Baseline, 2*mib)
	}

	r, err := s.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if !almostEqual(r.Fraction, SplitStart) {
		t.Errorf("Fraction before split = %v, want %v", r.Fraction, SplitStart)
	}

	writeFile(t, filepath.Join(root, "sources", "install.swm"), 5*mib)
	r, _ = s.Sample(context.Background())
	if !almostEqual(r.Fraction, SplitStart+0.5*SplitSpan) {
		t.Errorf("Fraction mid split = %v", r.Fraction)
	}
	if r.Message != "Splitting install.wim: 5 / 10 MB" {
		t.Errorf("Message = %q", r.Message)
	}

	if got := NewSplitSampler(root, "install.esd", 0).Total; got != DefaultPayloadSize {
		t.Errorf("default Total = %d", got)
	}
}

func TestFlushGauge(t *testing.T) {
	g := NewFlushGauge(100*mib, 10*mib)

	r := g.Reading(100 * mib)
	if !almostEqual(r.Fraction, FlushStart) {
		t.Errorf("Fraction at start = %v, want %v", r.Fraction, FlushStart)
	}
	if r.Message != "Flushing cache: 100.0 MB left" {
		t.Errorf("Message = %q", r.Message)
	}

	r = g.Reading(50 * mib)
	if !almostEqual(r.Fraction, FlushStart+0.5*FlushSpan) {
		t.Errorf("Fraction at half = %v", r.Fraction)
	}

	r = g.Reading(5 * mib)
	if r.Fraction != FlushCeiling || !strings.HasPrefix(r.Message, "Finishing writes... ") {
		t.Errorf("drained reading = %+v", r)
	}
	if !g.Drained(5 * mib) {
		t.Error("Drained() = false under threshold")
	}

	// Backlog grew past the initial sample: never above the ceiling.
	r = g.Reading(500 * mib)
	if r.Fraction > FlushCeiling {
		t.Errorf("Fraction = %v above ceiling", r.Fraction)
	}

	zero := NewFlushGauge(0, 0)
	if !zero.Drained(DefaultDirtyThreshold) {
		t.Error("default threshold not applied")
	}
}

func collect(ch <-chan windusb.ProgressEvent) []windusb.ProgressEvent {
	var events []windusb.ProgressEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestEmitterMonotonicAndTerminal(t *testing.T) {
	ch := make(chan windusb.ProgressEvent, 16)
	e := NewEmitter(context.Background(), ch)

	e.Update(windusb.PhaseExtract, "a", 0.10)
	e.Update(windusb.PhaseExtract, "b", 0.08)
	e.Update(windusb.PhaseExtract, "c", 0.10)
	e.Update(windusb.PhaseExtract, "d", 1.7)
	if !e.Fail(windusb.PhaseExtract, "boom") {
		t.Fatal("Fail() not sent")
	}
	if e.Finish() {
		t.Error("Finish() sent after Fail()")
	}
	if e.Update(windusb.PhaseSplit, "late", 1) {
		t.Error("Update() sent after terminal event")
	}
	close(ch)

	events := collect(ch)
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(events), events)
	}
	if events[2].Fraction != 1 {
		t.Errorf("fraction not clamped: %v", events[2].Fraction)
	}
	if events[3].Kind != windusb.EventError || events[3].Message != "boom" {
		t.Errorf("last event = %+v", events[3])
	}
	if e.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", e.Dropped())
	}
}

func TestEmitterCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEmitter(ctx, make(chan windusb.ProgressEvent))
	if e.Update(windusb.PhaseDetect, "x", 0.1) {
		t.Error("Update() sent on cancelled context with no reader")
	}
}

type sliceSink struct {
	mu     sync.Mutex
	phases []windusb.Phase
	fracs  []float64
}

func (s *sliceSink) Update(phase windusb.Phase, _ string, f float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
	s.fracs = append(s.fracs, f)
	return true
}

func (s *sliceSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fracs)
}

func TestMonitorRunsUntilStopped(t *testing.T) {
	sink := &sliceSink{}
	var n int
	sampler := SamplerFunc(func(context.Context) (Reading, error) {
		n++
		return Reading{Message: "x", Fraction: float64(n) / 100}, nil
	})
	m := NewMonitor(windusb.PhaseExtract, sampler, sink, time.Millisecond, quietLogger())

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for sink.count() < 3 {
		select {
		case <-deadline:
			t.Fatal("monitor produced no samples")
		case <-time.After(time.Millisecond):
		}
	}
	m.Stop()
	m.Stop()
	<-done

	after := sink.count()
	time.Sleep(10 * time.Millisecond)
	if sink.count() != after {
		t.Error("monitor emitted after Run returned")
	}
	if m.Samples() != int64(after) {
		t.Errorf("Samples() = %d, sink saw %d", m.Samples(), after)
	}
	for _, p := range sink.phases {
		if p != windusb.PhaseExtract {
			t.Errorf("update tagged %v", p)
		}
	}
}

func TestMonitorStopsWhenDestinationVanishes(t *testing.T) {
	root := filepath.Join(t.TempDir(), "usb")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	sink := &sliceSink{}
	s := &ExtractSampler{Dest: root, Budget: 1}
	m := NewMonitor(windusb.PhaseExtract, s, sink, time.Millisecond, quietLogger())

	if err := os.Remove(root); err != nil {
		t.Fatalf("remove: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("monitor kept running after destination vanished")
	}
	if sink.count() != 0 {
		t.Errorf("sink got %d updates", sink.count())
	}
}

func TestMonitorErrStop(t *testing.T) {
	sink := &sliceSink{}
	m := NewMonitor(windusb.PhaseSplit, SamplerFunc(func(context.Context) (Reading, error) {
		return Reading{}, ErrStop
	}), sink, time.Millisecond, quietLogger())

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ErrStop did not end the monitor")
	}
}

func TestDefaultFactory(t *testing.T) {
	job := windusb.NewFlashJob("/dev/sdb", "/isos/win.iso", t.TempDir()+"/windusb_")
	job.Payload = windusb.InstallPayload{Path: "sources/install.esd", SplitExt: "esd"}
	f := DefaultFactory{ExtractBudget: 42}

	es, ok := f.ExtractSampler(job).(*ExtractSampler)
	if !ok || es.Dest != job.USBMount || es.Budget != 42 {
		t.Errorf("ExtractSampler = %+v", es)
	}
	ss, ok := f.SplitSampler(job, 1234).(*SplitSampler)
	if !ok || ss.Name != "install.esd" || ss.Total != 1234 {
		t.Errorf("SplitSampler = %+v", ss)
	}
}
