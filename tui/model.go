// Package tui renders live batch progress in the terminal.
package tui

import (
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fernwerk/ticketsmith/internal/pipeline"
)

// TicketRow is the display state of one ticket in the batch
type TicketRow struct {
	Ticket   string
	Stage    string
	Message  string
	Outcome  string // set once the pipeline finishes
	Attempts int
	Updated  time.Time
}

// Model is the batch watch view. It consumes pipeline events from a
// channel and keeps one row per ticket.
type Model struct {
	label  string
	events <-chan pipeline.Event
	rows   map[string]*TicketRow

	width   int
	height  int
	started time.Time
	done    int
	total   int
}

// NewModel builds a watch model over the given event channel. total is
// the number of tickets the batch selected; the view exits on q or once
// every ticket is done and the channel closes.
func NewModel(label string, total int, events <-chan pipeline.Event) Model {
	return Model{
		label:   label,
		events:  events,
		rows:    make(map[string]*TicketRow),
		total:   total,
		started: time.Now(),
	}
}

// EventMsg wraps a pipeline event for bubbletea
type EventMsg pipeline.Event

// ClosedMsg signals the event channel closed; the batch is over
type ClosedMsg struct{}

// TickMsg redraws the elapsed clock
type TickMsg time.Time

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tickCmd())
}

func waitForEvent(events <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return ClosedMsg{}
		}
		return EventMsg(ev)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// sortedRows returns rows ordered by ticket id for a stable display
func (m Model) sortedRows() []*TicketRow {
	out := make([]*TicketRow, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}
