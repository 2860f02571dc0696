package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Broly1/windusb"
)

// EventMsg carries one pipeline event into the model.
type EventMsg struct {
	Event windusb.ProgressEvent
}

// StreamClosedMsg is sent when the event stream closed without a terminal
// event.
type StreamClosedMsg struct{}

// PhaseState tracks the display state of each phase.
type PhaseState struct {
	Status      PhaseStatus
	StartedAt   time.Time
	CompletedAt time.Time
}

// ProgressModel is the Bubble Tea model for a flash job.
type ProgressModel struct {
	Drive string
	Image string

	bar  progress.Model
	spin spinner.Model

	phases   map[windusb.Phase]*PhaseState
	current  windusb.Phase
	started  bool
	fraction float64
	status   string

	styles *Styles

	startTime time.Time
	width     int
	done      bool
	aborted   bool
	final     *windusb.ProgressEvent

	// onAbort runs once when the user quits before the job ends.
	onAbort func()
}

// NewProgressModel creates a progress model. onAbort is called when the
// user quits a running job; it should kill helpers and unmount.
func NewProgressModel(drive, image string, onAbort func()) *ProgressModel {
	bar := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(50),
	)

	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(ColorAccent)

	phases := make(map[windusb.Phase]*PhaseState, len(windusb.Phases))
	for _, p := range windusb.Phases {
		phases[p] = &PhaseState{}
	}

	return &ProgressModel{
		Drive:     drive,
		Image:     image,
		bar:       bar,
		spin:      spin,
		phases:    phases,
		status:    "Starting...",
		styles:    DefaultStyles(),
		startTime: time.Now(),
		width:     80,
		onAbort:   onAbort,
	}
}

// Init initializes the model
func (m *ProgressModel) Init() tea.Cmd {
	return m.spin.Tick
}

// Update handles messages
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if !m.done {
				m.abort()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(msg.Width-10, 70)

	case EventMsg:
		m.apply(msg.Event)
		if m.done {
			return m, tea.Quit
		}

	case StreamClosedMsg:
		if !m.done {
			m.done = true
			m.aborted = true
			m.status = "Cancelled."
		}
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *ProgressModel) abort() {
	m.done = true
	m.aborted = true
	m.status = "Cancelled, cleaning up..."
	if st := m.phases[m.current]; m.started && st.Status == StatusRunning {
		st.Status = StatusFailed
		st.CompletedAt = time.Now()
	}
	if m.onAbort != nil {
		m.onAbort()
	}
}

func (m *ProgressModel) apply(ev windusb.ProgressEvent) {
	if m.done {
		return
	}
	now := ev.Time
	if now.IsZero() {
		now = time.Now()
	}

	if !m.started || ev.Phase > m.current {
		for _, p := range windusb.Phases {
			st := m.phases[p]
			if p < ev.Phase && st.Status != StatusDone {
				st.Status = StatusDone
				st.CompletedAt = now
			}
		}
		st := m.phases[ev.Phase]
		st.Status = StatusRunning
		st.StartedAt = now
		m.current = ev.Phase
		m.started = true
	}

	switch ev.Kind {
	case windusb.EventUpdate:
		m.status = ev.Message
		if ev.Fraction > m.fraction {
			m.fraction = ev.Fraction
		}
	case windusb.EventFinished:
		for _, p := range windusb.Phases {
			if st := m.phases[p]; st.Status != StatusDone {
				st.Status = StatusDone
				st.CompletedAt = now
			}
		}
		m.fraction = 1
		m.status = ev.Message
		m.done = true
		m.final = &ev
	case windusb.EventError:
		st := m.phases[ev.Phase]
		st.Status = StatusFailed
		st.CompletedAt = now
		m.status = ev.Message
		m.done = true
		m.final = &ev
	}
}

// View renders the model
func (m *ProgressModel) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("windusb") + "\n")
	b.WriteString(fmt.Sprintf("  %s %s\n", m.styles.Muted.Render("Image:"), m.Image))
	b.WriteString(fmt.Sprintf("  %s %s\n\n", m.styles.Muted.Render("Drive:"), m.Drive))

	for _, p := range windusb.Phases {
		b.WriteString(m.renderPhase(p))
	}

	b.WriteString("\n  " + m.bar.ViewAs(m.fraction) + "\n")
	b.WriteString("  " + m.styles.Status.Render(m.status) + "\n")

	b.WriteString(fmt.Sprintf("\n  %s %s\n",
		m.styles.Muted.Render("Elapsed:"),
		FormatDuration(time.Since(m.startTime))))

	switch {
	case m.final != nil && m.final.Kind == windusb.EventFinished:
		b.WriteString("\n" + m.styles.Success.Render(fmt.Sprintf("  %s %s", SymbolSuccess, m.final.Message)) + "\n")
	case m.final != nil:
		b.WriteString("\n" + m.styles.Error.Render(fmt.Sprintf("  %s %s", SymbolError, m.final.Message)) + "\n")
	case m.aborted:
		b.WriteString("\n" + m.styles.Warning.Render(fmt.Sprintf("  %s %s", SymbolWarning, m.status)) + "\n")
	default:
		b.WriteString(fmt.Sprintf("\n  %s %s\n",
			m.styles.HelpKey.Render("q"),
			m.styles.Help.Render("abort and clean up")))
	}
	return b.String()
}

func (m *ProgressModel) renderPhase(p windusb.Phase) string {
	st := m.phases[p]

	icon := m.styles.StatusIcon(st.Status)
	if st.Status == StatusRunning {
		icon = m.spin.View()
	}

	name := fmt.Sprintf("%-18s", PhaseLabel(p))
	switch st.Status {
	case StatusRunning:
		name = m.styles.Info.Render(name)
	case StatusDone:
		name = m.styles.Success.Render(name)
	case StatusFailed:
		name = m.styles.Error.Render(name)
	default:
		name = m.styles.Muted.Render(name)
	}

	line := fmt.Sprintf("  %s %s", icon, name)
	if st.Status == StatusDone && !st.StartedAt.IsZero() {
		line += m.styles.Muted.Render(fmt.Sprintf("(%s)", FormatDuration(st.CompletedAt.Sub(st.StartedAt))))
	}
	return line + "\n"
}

// Done returns whether the job ended or was aborted.
func (m *ProgressModel) Done() bool {
	return m.done
}

// Aborted reports whether the user quit or the stream was cancelled.
func (m *ProgressModel) Aborted() bool {
	return m.aborted
}

// Final returns the terminal event, if one arrived.
func (m *ProgressModel) Final() (windusb.ProgressEvent, bool) {
	if m.final == nil {
		return windusb.ProgressEvent{}, false
	}
	return *m.final, true
}

// Fraction returns the bar position.
func (m *ProgressModel) Fraction() float64 {
	return m.fraction
}

// Phase returns the state of one phase.
func (m *ProgressModel) Phase(p windusb.Phase) PhaseState {
	return *m.phases[p]
}
