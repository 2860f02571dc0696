// tui_test.go - Tests for the progress model, the plain renderer and Pump.

package tui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Broly1/windusb"
)

func feed(m *ProgressModel, events ...windusb.ProgressEvent) tea.Cmd {
	var cmd tea.Cmd
	for _, ev := range events {
		_, cmd = m.Update(EventMsg{Event: ev})
	}
	return cmd
}

func TestProgressModelTracksPhases(t *testing.T) {
	m := NewProgressModel("/dev/sdb", "/isos/win11.iso", nil)
	feed(m,
		windusb.Update(windusb.PhaseDetect, "Inspecting installer image...", 0),
		windusb.Update(windusb.PhasePrepare, "Formatting drive /dev/sdb...", 0.02),
		windusb.Update(windusb.PhaseExtract, "Extracting boot files...", 0.12),
		windusb.Update(windusb.PhaseExtract, "Extracting boot files...", 0.10),
	)

	if got := m.Phase(windusb.PhasePrepare).Status; got != StatusDone {
		t.Errorf("prepare status = %v, want done", got)
	}
	if got := m.Phase(windusb.PhaseExtract).Status; got != StatusRunning {
		t.Errorf("extract status = %v, want running", got)
	}
	if got := m.Phase(windusb.PhaseSplit).Status; got != StatusPending {
		t.Errorf("split status = %v, want pending", got)
	}
	if m.Fraction() != 0.12 {
		t.Errorf("Fraction() = %v, want 0.12", m.Fraction())
	}
	view := m.View()
	for _, want := range []string{"/dev/sdb", "Extracting boot files...", "Wipe & Partition", "abort"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestProgressModelFinished(t *testing.T) {
	m := NewProgressModel("/dev/sdb", "/isos/win11.iso", nil)
	cmd := feed(m,
		windusb.Update(windusb.PhaseSplit, "Splitting install.wim: 100 / 4000 MB", 0.26),
		windusb.Finished(),
	)
	if cmd == nil {
		t.Fatal("no quit command after terminal event")
	}
	if !m.Done() || m.Aborted() {
		t.Errorf("Done() = %v, Aborted() = %v", m.Done(), m.Aborted())
	}
	final, ok := m.Final()
	if !ok || final.Kind != windusb.EventFinished {
		t.Errorf("Final() = %+v, %v", final, ok)
	}
	for _, p := range windusb.Phases {
		if m.Phase(p).Status != StatusDone {
			t.Errorf("%v not done", p)
		}
	}
	if !strings.Contains(m.View(), windusb.FinishedMessage) {
		t.Error("View() missing finished text")
	}

	// Nothing moves after the terminal event.
	feed(m, windusb.Failed(windusb.PhaseFinalize, "late"))
	if final, _ := m.Final(); final.Kind != windusb.EventFinished {
		t.Error("terminal event replaced")
	}
}

func TestProgressModelError(t *testing.T) {
	m := NewProgressModel("/dev/sdb", "/isos/win11.iso", nil)
	feed(m,
		windusb.Update(windusb.PhaseFormat, "Creating FAT32 filesystem...", 0.03),
		windusb.Failed(windusb.PhaseFormat, "Formatting failed. Drive may have been removed."),
	)
	if m.Phase(windusb.PhaseFormat).Status != StatusFailed {
		t.Errorf("format status = %v", m.Phase(windusb.PhaseFormat).Status)
	}
	if !strings.Contains(m.View(), "Formatting failed") {
		t.Error("View() missing error text")
	}
}

func TestProgressModelQuitRunsAbortOnce(t *testing.T) {
	var aborts int
	m := NewProgressModel("/dev/sdb", "/isos/win11.iso", func() { aborts++ })
	feed(m, windusb.Update(windusb.PhaseExtract, "Extracting boot files...", 0.1))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q did not quit")
	}
	m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if aborts != 1 {
		t.Errorf("onAbort called %d times, want 1", aborts)
	}
	if !m.Aborted() || m.Phase(windusb.PhaseExtract).Status != StatusFailed {
		t.Errorf("aborted = %v, extract = %v", m.Aborted(), m.Phase(windusb.PhaseExtract).Status)
	}
}

func TestProgressModelQuitAfterFinishSkipsAbort(t *testing.T) {
	var aborts int
	m := NewProgressModel("/dev/sdb", "/isos/win11.iso", func() { aborts++ })
	feed(m, windusb.Finished())
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if aborts != 0 {
		t.Errorf("onAbort ran after the job finished")
	}
}

func TestCLIProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewCLIProgress(false, true)
	p.SetWriter(&buf)

	p.PrintHeader("/dev/sdb", "/isos/win11.iso")
	for _, ev := range []windusb.ProgressEvent{
		windusb.Update(windusb.PhaseDetect, "Inspecting installer image...", 0),
		windusb.Update(windusb.PhasePartition, "Partitioning drive...", 0.02),
		windusb.Update(windusb.PhaseFinalize, "Flushing cache: 120.0 MB left", 0.85),
		windusb.Finished(),
	} {
		p.HandleEvent(ev)
	}

	out := buf.String()
	for _, want := range []string{
		"windusb",
		"/isos/win11.iso",
		"→ Detect",
		"Detect done",
		"→ Wipe & Partition",
		"→ Sync",
		windusb.FinishedMessage,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCLIProgressQuiet(t *testing.T) {
	var buf bytes.Buffer
	p := NewCLIProgress(true, true)
	p.SetWriter(&buf)
	p.HandleEvent(windusb.Failed(windusb.PhaseDetect, "Invalid ISO: install.wim/esd not found"))
	p.PrintCancelled()
	if buf.Len() != 0 {
		t.Errorf("quiet renderer wrote %q", buf.String())
	}
}

func TestPump(t *testing.T) {
	ch := make(chan windusb.ProgressEvent, 4)
	ch <- windusb.Update(windusb.PhaseDetect, "a", 0)
	ch <- windusb.Update(windusb.PhasePrepare, "b", 0.02)
	ch <- windusb.Failed(windusb.PhasePrepare, "Drive disconnected before formatting")
	close(ch)

	var seen []string
	ev, ok := Pump(ch, func(ev windusb.ProgressEvent) { seen = append(seen, ev.Message) })
	if !ok || ev.Kind != windusb.EventError {
		t.Fatalf("Pump() = %+v, %v", ev, ok)
	}
	if strings.Join(seen, ",") != "a,b,Drive disconnected before formatting" {
		t.Errorf("callback order = %v", seen)
	}

	empty := make(chan windusb.ProgressEvent)
	close(empty)
	if _, ok := Pump(empty); ok {
		t.Error("Pump() on cancelled stream reported a terminal event")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{850 * time.Millisecond, "850ms"},
		{12300 * time.Millisecond, "12.3s"},
		{4*time.Minute + 5*time.Second, "4m05s"},
		{62 * time.Minute, "1h02m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTraceLine(t *testing.T) {
	var buf bytes.Buffer
	ev := windusb.Update(windusb.PhaseSplit, "Splitting install.wim: 100 / 4000 MB", 0.26)
	ev.Time = time.Date(2026, 10, 16, 9, 30, 5, 250e6, time.UTC)
	traceTo(&buf)(ev)

	want := "09:30:05.250 update   split       26.0% Splitting install.wim: 100 / 4000 MB\n"
	if buf.String() != want {
		t.Errorf("trace = %q, want %q", buf.String(), want)
	}
}
