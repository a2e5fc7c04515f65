package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/conductor/pkg/models"
)

var (
	summaryBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	statusColors = map[models.RunStatus]lipgloss.Color{
		models.RunCompleted: lipgloss.Color("34"),
		models.RunPartial:   lipgloss.Color("214"),
		models.RunAborted:   lipgloss.Color("196"),
	}
)

// RenderSummary renders a finished run as a bordered box: status, counts and
// the reason every failed item failed.
func RenderSummary(s *models.RunSummary) string {
	if s == nil {
		return ""
	}
	color, ok := statusColors[s.Status]
	if !ok {
		color = lipgloss.Color("252")
	}
	statusStyle := lipgloss.NewStyle().Foreground(color).Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n",
		statusStyle.Render(strings.ToUpper(string(s.Status))),
		dim.Render((time.Duration(s.DurationMs) * time.Millisecond).String()))

	if s.Reply != "" {
		b.WriteString(s.Reply)
		b.WriteString("\n")
	}
	if len(s.Items) > 0 {
		fmt.Fprintf(&b, "%d completed, %d failed of %d items\n", s.ItemsCompleted, s.ItemsFailed, len(s.Items))
	}
	if s.AbortReason != "" {
		fmt.Fprintf(&b, "%s %s\n", dim.Render("aborted:"), s.AbortReason)
	}
	for _, it := range s.FailedItems() {
		reason := it.LastError
		if reason == "" {
			reason = it.VerifyReason
		}
		fmt.Fprintf(&b, "  %s %s %s\n", statusStyle.Render("✗"), it.ID, it.Label())
		if reason != "" {
			fmt.Fprintf(&b, "    %s\n", dim.Render(reason))
		}
	}
	return summaryBox.BorderForeground(color).Render(strings.TrimRight(b.String(), "\n"))
}
