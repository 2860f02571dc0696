package tui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/Broly1/windusb"
)

// barScale is the resolution of the plain progress bar.
const barScale = 1000

// CLIProgress renders a job without the full TUI: one line per phase and a
// single progress bar for the whole pipeline.
type CLIProgress struct {
	mu sync.Mutex
	w  io.Writer

	quiet  bool
	styles *Styles
	bar    *progressbar.ProgressBar

	phase     windusb.Phase
	started   bool
	phaseAt   time.Time
	startTime time.Time
}

// NewCLIProgress creates a plain renderer.
func NewCLIProgress(quiet, noColor bool) *CLIProgress {
	p := &CLIProgress{
		w:         os.Stdout,
		quiet:     quiet,
		styles:    DefaultStyles(),
		startTime: time.Now(),
	}
	if noColor {
		p.styles = PlainStyles()
	}
	return p
}

// SetWriter sets the output writer
func (p *CLIProgress) SetWriter(w io.Writer) {
	p.w = w
}

func (p *CLIProgress) newBar() *progressbar.ProgressBar {
	return progressbar.NewOptions(barScale,
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// HandleEvent renders one event.
func (p *CLIProgress) HandleEvent(ev windusb.ProgressEvent) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started || ev.Phase != p.phase {
		p.closePhase()
		p.phase = ev.Phase
		p.started = true
		p.phaseAt = time.Now()
		fmt.Fprintf(p.w, "%s %s\n", p.styles.Info.Render(SymbolArrow), PhaseLabel(ev.Phase))
	}

	switch ev.Kind {
	case windusb.EventUpdate:
		if p.bar == nil {
			p.bar = p.newBar()
		}
		p.bar.Describe("  " + ev.Message)
		p.bar.Set(int(ev.Fraction * barScale))
	case windusb.EventFinished:
		if p.bar != nil {
			p.bar.Set(barScale)
			p.bar.Finish()
			fmt.Fprintln(p.w)
			p.bar = nil
		}
		fmt.Fprintf(p.w, "%s %s\n", p.styles.Success.Render(SymbolSuccess), ev.Message)
	case windusb.EventError:
		p.dropBar()
		fmt.Fprintf(p.w, "%s %s\n", p.styles.Error.Render(SymbolError), ev.Message)
	}
}

// closePhase ends the previous phase's bar line.
func (p *CLIProgress) closePhase() {
	if !p.started {
		return
	}
	p.dropBar()
	fmt.Fprintf(p.w, "  %s %s done (%s)\n",
		p.styles.Success.Render(SymbolSuccess),
		PhaseLabel(p.phase),
		FormatDuration(time.Since(p.phaseAt)))
}

func (p *CLIProgress) dropBar() {
	if p.bar == nil {
		return
	}
	p.bar.Clear()
	fmt.Fprint(p.w, "\r\033[K")
	p.bar = nil
}

// PrintHeader prints the job header.
func (p *CLIProgress) PrintHeader(drive, image string) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, p.styles.Title.Render("windusb"))
	fmt.Fprintf(p.w, "  %s %s\n", p.styles.Muted.Render("Image:"), image)
	fmt.Fprintf(p.w, "  %s %s\n", p.styles.Muted.Render("Drive:"), drive)
	fmt.Fprintln(p.w)
}

// PrintCancelled reports a job that ended without a terminal event.
func (p *CLIProgress) PrintCancelled() {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropBar()
	fmt.Fprintf(p.w, "%s Cancelled after %s. Helpers stopped and mounts released.\n",
		p.styles.Warning.Render(SymbolWarning),
		FormatDuration(time.Since(p.startTime)))
}

// Callback adapts the renderer for Pump.
func (p *CLIProgress) Callback() ProgressCallback {
	return p.HandleEvent
}
