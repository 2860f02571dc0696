package tui

import (
	"fmt"
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/Broly1/windusb"
)

// ProgressCallback is called with every event of a job.
type ProgressCallback func(event windusb.ProgressEvent)

// Pump drains a job's event stream into callbacks, in order, until the
// stream closes. It returns the terminal event, or false if the stream
// closed without one (the job was cancelled).
func Pump(events <-chan windusb.ProgressEvent, callbacks ...ProgressCallback) (windusb.ProgressEvent, bool) {
	var last windusb.ProgressEvent
	var terminal bool
	for ev := range events {
		if traceEnabled() {
			traceTo(os.Stderr)(ev)
		}
		for _, cb := range callbacks {
			cb(ev)
		}
		if ev.Terminal() {
			last, terminal = ev, true
		}
	}
	return last, terminal
}

// TeaCallback forwards events into a running Bubble Tea program.
func TeaCallback(p *tea.Program) ProgressCallback {
	return func(ev windusb.ProgressEvent) {
		p.Send(EventMsg{Event: ev})
	}
}

// LogCallback records phase changes and terminal events at info or error.
// Other updates are logged at debug.
func LogCallback(logger logrus.FieldLogger) ProgressCallback {
	phase := windusb.Phase(-1)
	return func(ev windusb.ProgressEvent) {
		fields := logrus.Fields{
			"phase":    ev.Phase.String(),
			"fraction": ev.Fraction,
		}
		switch {
		case ev.Kind == windusb.EventError:
			logger.WithFields(fields).Error(ev.Message)
		case ev.Kind == windusb.EventFinished:
			logger.WithFields(fields).Info(ev.Message)
		case ev.Phase != phase:
			logger.WithFields(fields).Info(ev.Message)
		default:
			logger.WithFields(fields).Debug(ev.Message)
		}
		phase = ev.Phase
	}
}

// TraceEnv names the environment variable that turns on an event trace on
// stderr. Useful when the full-screen view hides what the pipeline sent.
const TraceEnv = "WINDUSB_TRACE_EVENTS"

var traceEnabled = sync.OnceValue(func() bool {
	return os.Getenv(TraceEnv) != ""
})

// traceTo writes one line per event: time, kind, phase, percent, message.
func traceTo(w io.Writer) ProgressCallback {
	return func(ev windusb.ProgressEvent) {
		stamp := "--:--:--.---"
		if !ev.Time.IsZero() {
			stamp = ev.Time.Format("15:04:05.000")
		}
		fmt.Fprintf(w, "%s %-8s %-10s %5.1f%% %s\n",
			stamp, ev.Kind, ev.Phase, ev.Fraction*100, ev.Message)
	}
}
