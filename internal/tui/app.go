package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// EventMsg wraps a pipeline event for the program.
type EventMsg struct {
	Event orchestrator.Event
}

// RunDoneMsg is sent when Run returns.
type RunDoneMsg struct {
	Summary *models.RunSummary
	Err     error
}

// logEntry is one line of the activity log.
type logEntry struct {
	Timestamp time.Time
	Kind      string
	Message   string
}

// maxLogs bounds the activity log kept in memory.
const maxLogs = 200

// RunApp is the bubbletea model for the run progress view.
type RunApp struct {
	state   *RunState
	view    *RunView
	spinner spinner.Model
	logs    []logEntry

	// cancel stops the run when the user quits early.
	cancel context.CancelFunc

	width    int
	height   int
	quitting bool
	done     bool
	summary  *models.RunSummary
	err      error

	logTimeStyle lipgloss.Style
	logKindStyle lipgloss.Style
	logStyle     lipgloss.Style
	errorStyle   lipgloss.Style
	doneStyle    lipgloss.Style
	hintStyle    lipgloss.Style
}

// NewRunApp creates the model for request. cancel may be nil.
func NewRunApp(request string, cancel context.CancelFunc) *RunApp {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &RunApp{
		state:   NewRunState(request),
		view:    NewRunView(),
		spinner: sp,
		cancel:  cancel,

		logTimeStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		logKindStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Width(20),
		logStyle:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		doneStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
		hintStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// NewRunProgram creates a bubbletea program for the run view.
func NewRunProgram(request string, cancel context.CancelFunc) (*tea.Program, *RunApp) {
	app := NewRunApp(request, cancel)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}

// Forward relays pipeline events to p until events closes or ctx ends.
func Forward(ctx context.Context, events <-chan orchestrator.Event, p *tea.Program) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Send(EventMsg{Event: ev})
		}
	}
}

// Init implements tea.Model.
func (a *RunApp) Init() tea.Cmd {
	return a.spinner.Tick
}

// Update implements tea.Model.
func (a *RunApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if !a.done && a.cancel != nil {
				a.cancel()
			}
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.view.SetWidth(msg.Width)

	case spinner.TickMsg:
		if a.done {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case EventMsg:
		a.state.Apply(msg.Event)
		if line := describe(msg.Event); line != "" {
			a.addLog(msg.Event.Timestamp, string(msg.Event.Type), line)
		}

	case RunDoneMsg:
		a.done = true
		a.summary = msg.Summary
		a.err = msg.Err
		if msg.Summary != nil {
			a.state.Apply(orchestrator.Event{Type: orchestrator.EventRunDone, Summary: msg.Summary})
		}
		// Keep the final state on screen until the user quits.
	}
	return a, nil
}

func (a *RunApp) addLog(ts time.Time, kind, msg string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	a.logs = append(a.logs, logEntry{Timestamp: ts, Kind: kind, Message: msg})
	if len(a.logs) > maxLogs {
		a.logs = a.logs[len(a.logs)-maxLogs:]
	}
}

// describe renders an event as an activity line. Stage events are shown in
// the header and produce no line.
func describe(ev orchestrator.Event) string {
	switch ev.Type {
	case orchestrator.EventStage:
		return ""
	case orchestrator.EventItemStarted:
		return fmt.Sprintf("%s %s", ev.ItemID, ev.ItemLabel)
	case orchestrator.EventItemReplanned:
		if len(ev.Children) > 0 {
			return fmt.Sprintf("%s split into %s", ev.ItemID, strings.Join(ev.Children, ", "))
		}
		return fmt.Sprintf("%s %s", ev.ItemID, ev.Message)
	case orchestrator.EventRunDone:
		return "run " + ev.Message
	default:
		return fmt.Sprintf("%s %s", ev.ItemID, ev.Message)
	}
}

// Summary returns the run summary once the run finished.
func (a *RunApp) Summary() *models.RunSummary {
	return a.summary
}

// Quit reports whether the user left before the run finished.
func (a *RunApp) Quit() bool {
	return a.quitting && !a.done
}

// View implements tea.Model.
func (a *RunApp) View() string {
	if a.quitting && !a.done {
		return "Run cancelled.\n"
	}

	var b strings.Builder
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Render("=== conductor ===")
	b.WriteString(header)
	b.WriteString("\n\n")

	spin := ""
	if !a.done {
		spin = a.spinner.View()
	}
	b.WriteString(a.view.View(a.state, spin))
	b.WriteString("\n")
	b.WriteString(a.renderLogs())
	b.WriteString("\n")

	switch {
	case a.err != nil:
		b.WriteString(a.errorStyle.Render(fmt.Sprintf("Error: %v", a.err)))
	case a.done && a.summary != nil:
		b.WriteString(RenderSummary(a.summary))
		b.WriteString("\n")
		b.WriteString(a.hintStyle.Render("Press q to exit."))
	default:
		b.WriteString(a.hintStyle.Render("Press q to cancel"))
	}
	b.WriteString("\n")
	return b.String()
}

// renderLogs renders the recent activity, sized to the terminal.
func (a *RunApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}
	show := 8
	if a.height > 30 {
		show = a.height - 22
	}

	var b strings.Builder
	b.WriteString(lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("252")).
		Render("Activity Log"))
	b.WriteString("\n")

	start := 0
	if len(a.logs) > show {
		start = len(a.logs) - show
	}
	for _, entry := range a.logs[start:] {
		fmt.Fprintf(&b, "  %s %s %s\n",
			a.logTimeStyle.Render(entry.Timestamp.Format("15:04:05")),
			a.logKindStyle.Render(entry.Kind),
			a.logStyle.Render(entry.Message))
	}
	return b.String()
}
