package pipeline

import (
	"time"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// EventKind categorizes pipeline events
type EventKind string

const (
	EventStage   EventKind = "stage"   // entering a pipeline stage
	EventAttempt EventKind = "attempt" // one agent attempt finished
	EventDone    EventKind = "done"    // pipeline finished
)

// Event is a progress notification emitted while a ticket runs. Events
// feed the TUI and the websocket hub; they carry no pipeline state.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Ticket  domain.TicketID `json:"-"`
	TicketS string          `json:"ticket"`
	Stage   string          `json:"stage,omitempty"`
	Message string          `json:"message,omitempty"`
	Time    time.Time       `json:"time"`
}

// EventFunc receives pipeline events. Implementations must be fast or
// hand off; the pipeline calls them synchronously.
type EventFunc func(Event)

func (o *Orchestrator) emit(kind EventKind, ticket domain.TicketID, stage, message string) {
	if o.OnEvent == nil {
		return
	}
	o.OnEvent(Event{
		Kind:    kind,
		Ticket:  ticket,
		TicketS: ticket.String(),
		Stage:   stage,
		Message: message,
		Time:    time.Now(),
	})
}
