// Package tui provides the terminal front ends for windusb: a Bubble Tea
// progress view for interactive use and a plain renderer for pipes and logs.
// Both consume the windusb.ProgressEvent stream and nothing else.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Broly1/windusb"
)

// Palette. Adaptive colors keep the view readable on light terminals.
var (
	ColorAccent  = lipgloss.AdaptiveColor{Light: "#0057B8", Dark: "#4CC2FF"}
	ColorGood    = lipgloss.AdaptiveColor{Light: "#107C10", Dark: "#6CCB5F"}
	ColorBad     = lipgloss.AdaptiveColor{Light: "#C42B1C", Dark: "#FF99A4"}
	ColorCaution = lipgloss.AdaptiveColor{Light: "#9D5D00", Dark: "#FCE100"}
	ColorDim     = lipgloss.AdaptiveColor{Light: "#707070", Dark: "#8A8A8A"}
	ColorText    = lipgloss.AdaptiveColor{Light: "#1A1A1A", Dark: "#E6E6E6"}
)

const (
	SymbolSuccess    = "✓"
	SymbolError      = "✗"
	SymbolWarning    = "⚠"
	SymbolInProgress = "⟳"
	SymbolPending    = "○"
	SymbolArrow      = "→"
)

// Styles holds the lipgloss styles shared by both front ends.
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
	Status  lipgloss.Style
	Help    lipgloss.Style
	HelpKey lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() *Styles {
	fg := func(c lipgloss.TerminalColor) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(c)
	}
	return &Styles{
		Title:   fg(ColorAccent).Bold(true).MarginBottom(1),
		Success: fg(ColorGood),
		Error:   fg(ColorBad).Bold(true),
		Warning: fg(ColorCaution).Bold(true),
		Info:    fg(ColorAccent),
		Muted:   fg(ColorDim),
		Status:  fg(ColorText).Italic(true),
		Help:    fg(ColorDim),
		HelpKey: fg(ColorAccent).Bold(true),
	}
}

// PlainStyles renders every style as unadorned text.
func PlainStyles() *Styles {
	plain := lipgloss.NewStyle()
	return &Styles{
		Title: plain, Success: plain, Error: plain, Warning: plain, Info: plain,
		Muted: plain, Status: plain, Help: plain, HelpKey: plain,
	}
}

// PhaseStatus is the display state of one pipeline phase.
type PhaseStatus int

const (
	StatusPending PhaseStatus = iota
	StatusRunning
	StatusDone
	StatusFailed
)

// StatusIcon returns the checklist icon for status.
func (s *Styles) StatusIcon(status PhaseStatus) string {
	switch status {
	case StatusDone:
		return s.Success.Render(SymbolSuccess)
	case StatusFailed:
		return s.Error.Render(SymbolError)
	case StatusRunning:
		return s.Info.Render(SymbolInProgress)
	}
	return s.Muted.Render(SymbolPending)
}

// PhaseLabel is the short label the checklist shows for a phase.
func PhaseLabel(p windusb.Phase) string {
	return p.Title()
}

// FormatDuration renders d compactly: 850ms, 12.3s, 4m05s, 1h02m.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dm%02ds", int(d/time.Minute), int(d%time.Minute/time.Second))
	}
	d = d.Round(time.Minute)
	return fmt.Sprintf("%dh%02dm", int(d/time.Hour), int(d%time.Hour/time.Minute))
}
