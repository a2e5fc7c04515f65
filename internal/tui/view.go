package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/ShayCichocki/conductor/internal/orchestrator"
	"github.com/ShayCichocki/conductor/pkg/models"
)

// ItemRow is the displayed state of one work item.
type ItemRow struct {
	ID       string
	Label    string
	Status   models.ItemStatus
	Attempts int
	Note     string
}

// RunState tracks the progress of one run as seen through its events.
type RunState struct {
	RunID   string
	Request string
	Stage   orchestrator.Stage
	Started time.Time

	// order keeps items in the order they first appeared.
	order []string
	items map[string]*ItemRow

	Rejections int
	Replans    int
}

// NewRunState creates an empty state for request.
func NewRunState(request string) *RunState {
	return &RunState{
		Request: request,
		Started: time.Now(),
		items:   make(map[string]*ItemRow),
	}
}

// Apply folds one pipeline event into the state.
func (s *RunState) Apply(ev orchestrator.Event) {
	if s.RunID == "" {
		s.RunID = ev.RunID
	}
	switch ev.Type {
	case orchestrator.EventStage:
		s.Stage = ev.Stage
	case orchestrator.EventItemStarted:
		row := s.row(ev)
		row.Status = models.ItemStatusInProgress
		row.Note = ""
	case orchestrator.EventItemCompleted:
		row := s.row(ev)
		row.Status = models.ItemStatusCompleted
		row.Note = ev.Message
	case orchestrator.EventItemFailed:
		row := s.row(ev)
		row.Status = models.ItemStatusFailed
		row.Note = ev.Message
	case orchestrator.EventItemReplanned:
		s.Replans++
		row := s.row(ev)
		row.Note = ev.Message
		if len(ev.Children) > 0 {
			row.Status = models.ItemStatusFailed
			for _, id := range ev.Children {
				s.row(orchestrator.Event{ItemID: id})
			}
		}
	case orchestrator.EventValidationRejected:
		s.Rejections++
		s.row(ev).Note = "rejected: " + ev.Message
	case orchestrator.EventRunDone:
		if ev.Summary != nil {
			for _, it := range ev.Summary.Items {
				row := s.row(orchestrator.Event{ItemID: it.ID, ItemLabel: it.Label()})
				row.Status = it.Status
				row.Attempts = it.Attempts
			}
		}
	}
}

func (s *RunState) row(ev orchestrator.Event) *ItemRow {
	row, ok := s.items[ev.ItemID]
	if !ok {
		row = &ItemRow{ID: ev.ItemID, Status: models.ItemStatusPending}
		s.items[ev.ItemID] = row
		s.order = append(s.order, ev.ItemID)
	}
	if ev.ItemLabel != "" {
		row.Label = ev.ItemLabel
	}
	if ev.Attempt > row.Attempts {
		row.Attempts = ev.Attempt
	}
	return row
}

// Items returns the rows in display order.
func (s *RunState) Items() []ItemRow {
	out := make([]ItemRow, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.items[id])
	}
	return out
}

// Counts returns how many items have completed, failed and been seen.
func (s *RunState) Counts() (completed, failed, total int) {
	for _, row := range s.items {
		switch row.Status {
		case models.ItemStatusCompleted:
			completed++
		case models.ItemStatusFailed:
			failed++
		}
	}
	return completed, failed, len(s.items)
}

// RunView renders a RunState.
type RunView struct {
	width int

	headerStyle   lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	stageStyle    lipgloss.Style
	progressFull  lipgloss.Style
	progressEmpty lipgloss.Style
	noteStyle     lipgloss.Style
	statusStyles  map[models.ItemStatus]lipgloss.Style
}

// NewRunView creates a RunView with the default styles.
func NewRunView() *RunView {
	return &RunView{
		width: 80,

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("238")).
			MarginBottom(1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		stageStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true),

		progressFull: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		progressEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		noteStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),

		statusStyles: map[models.ItemStatus]lipgloss.Style{
			models.ItemStatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			models.ItemStatusInProgress: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
			models.ItemStatusCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			models.ItemStatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
			models.ItemStatusBlocked:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

// SetWidth sets the render width.
func (v *RunView) SetWidth(width int) {
	if width > 0 {
		v.width = width
	}
}

// View renders the progress display. spin is drawn next to the stage.
func (v *RunView) View(s *RunState, spin string) string {
	var b strings.Builder

	b.WriteString(v.headerStyle.Render("Run Progress"))
	b.WriteString("\n")

	b.WriteString(v.labelStyle.Render("Request:"))
	b.WriteString(v.valueStyle.Render(truncate(s.Request, v.width-14)))
	b.WriteString("\n")

	stage := string(s.Stage)
	if stage == "" {
		stage = "starting"
	}
	b.WriteString(v.labelStyle.Render("Stage:"))
	if spin != "" {
		b.WriteString(spin + " ")
	}
	b.WriteString(v.stageStyle.Render(stage))
	b.WriteString("\n")

	completed, failed, total := s.Counts()
	pct := float64(0)
	if total > 0 {
		pct = float64(completed+failed) / float64(total) * 100
	}
	b.WriteString(v.labelStyle.Render("Items:"))
	b.WriteString(v.valueStyle.Render(fmt.Sprintf("%d/%d done, %d failed", completed, total, failed)))
	b.WriteString("\n")
	b.WriteString(v.renderProgressBar(pct, 30))
	b.WriteString("\n\n")

	for _, row := range s.Items() {
		style := v.statusStyles[row.Status]
		line := fmt.Sprintf("  %s %-8s %s", style.Render(statusGlyph(row.Status)), row.ID, truncate(row.Label, 48))
		if row.Attempts > 1 {
			line += v.noteStyle.Render(fmt.Sprintf(" (attempt %d)", row.Attempts))
		}
		b.WriteString(line)
		b.WriteString("\n")
		if row.Note != "" && row.Status != models.ItemStatusCompleted {
			b.WriteString("      ")
			b.WriteString(v.noteStyle.Render(truncate(row.Note, v.width-8)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (v *RunView) renderProgressBar(pct float64, width int) string {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	filled := int(pct / 100 * float64(width))
	bar := v.progressFull.Render(strings.Repeat("█", filled)) +
		v.progressEmpty.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("  %s %.0f%%", bar, pct)
}

func statusGlyph(s models.ItemStatus) string {
	switch s {
	case models.ItemStatusCompleted:
		return "✓"
	case models.ItemStatusFailed:
		return "✗"
	case models.ItemStatusInProgress:
		return "▶"
	case models.ItemStatusBlocked:
		return "⏸"
	default:
		return "·"
	}
}

func truncate(s string, n int) string {
	if n < 4 {
		n = 4
	}
	return runewidth.Truncate(s, n, "...")
}
