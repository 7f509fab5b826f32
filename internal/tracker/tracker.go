// Package tracker talks to the external ticket tracker.
package tracker

import (
	"context"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// Query filters a ticket search
type Query struct {
	Label   string
	State   domain.TicketState
	Project string
	Limit   int
}

// Tracker is the tracker surface the orchestrator consumes. All calls are
// synchronous; write operations are best-effort unless the pipeline marks
// them fatal.
type Tracker interface {
	// Ticket fetches a single ticket by identifier
	Ticket(ctx context.Context, id domain.TicketID) (*domain.Ticket, error)

	// Search returns tickets matching the query
	Search(ctx context.Context, q Query) ([]*domain.Ticket, error)

	// BlockedBy returns the tickets blocking the given one
	BlockedBy(ctx context.Context, id domain.TicketID) ([]domain.Relation, error)

	// Transition moves a ticket to a workflow state
	Transition(ctx context.Context, id domain.TicketID, state domain.TicketState) error

	// Comment posts a comment on a ticket
	Comment(ctx context.Context, id domain.TicketID, body string) error

	// SetLabels adds and removes labels on a ticket
	SetLabels(ctx context.Context, id domain.TicketID, add, remove []string) error

	// CreateChild creates a sub-ticket under the given parent
	CreateChild(ctx context.Context, parent domain.TicketID, title, body string, labels []string) (domain.TicketID, error)

	// AppendDescription appends text to a ticket's description. Used as a
	// last-resort sink for references that must not be lost.
	AppendDescription(ctx context.Context, id domain.TicketID, text string) error
}
