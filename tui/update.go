package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fernwerk/ticketsmith/internal/pipeline"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case EventMsg:
		m.apply(pipeline.Event(msg))
		return m, waitForEvent(m.events)

	case ClosedMsg:
		return m, tea.Quit

	case TickMsg:
		return m, tickCmd()
	}

	return m, nil
}

func (m *Model) apply(ev pipeline.Event) {
	row, ok := m.rows[ev.TicketS]
	if !ok {
		row = &TicketRow{Ticket: ev.TicketS}
		m.rows[ev.TicketS] = row
	}
	row.Updated = ev.Time

	switch ev.Kind {
	case pipeline.EventStage:
		row.Stage = ev.Stage
		row.Message = ev.Message
	case pipeline.EventAttempt:
		row.Attempts++
		row.Message = ev.Message
	case pipeline.EventDone:
		row.Outcome = ev.Message
		m.done++
	}
}
