package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	succeededStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))
)

// View renders the watch screen
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	elapsed := time.Since(m.started).Round(time.Second)
	header := fmt.Sprintf(" ticketsmith batch %q │ %d/%d done │ %s ",
		m.label, m.done, m.total, elapsed)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRows()))
	b.WriteString("\n")

	b.WriteString(statusBarStyle.Width(m.width).Render(" [q]uit "))

	return b.String()
}

func (m Model) renderRows() string {
	rows := m.sortedRows()
	if len(rows) == 0 {
		return dimmedStyle.Render("waiting for tickets...")
	}

	var b strings.Builder
	for i, row := range rows {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderRow(row))
	}
	return b.String()
}

func (m Model) renderRow(row *TicketRow) string {
	var status string
	switch {
	case row.Outcome == "succeeded":
		status = succeededStyle.Render("✓ " + row.Outcome)
	case row.Outcome != "":
		status = failedStyle.Render("✗ " + row.Outcome)
	default:
		status = runningStyle.Render("▶ " + row.Stage)
	}

	line := fmt.Sprintf("%-10s %s", row.Ticket, status)
	if row.Attempts > 1 {
		line += dimmedStyle.Render(fmt.Sprintf("  attempt %d", row.Attempts))
	}
	if row.Outcome == "" && row.Message != "" {
		line += dimmedStyle.Render("  " + truncate(row.Message, m.width-30))
	}
	return line
}

func truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
