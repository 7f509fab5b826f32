// Package notify delivers operator-facing notifications.
package notify

import (
	"fmt"
	"log"

	"github.com/fernwerk/ticketsmith/internal/config"
	"github.com/fernwerk/ticketsmith/internal/domain"
)

// Kind classifies a notification
type Kind int

const (
	KindInfo Kind = iota
	KindSuccess
	KindWarning
	KindError
)

// Notification is one message to the operator
type Notification struct {
	Title   string
	Message string
	Kind    Kind
	Ticket  string // optional ticket reference
	URL     string // optional PR or proposal link
}

// Sender delivers a notification over one channel
type Sender interface {
	Send(n Notification) error
}

// Hub fans notifications out over all configured channels. Delivery is
// best-effort; a failing channel is logged, never returned upward.
type Hub struct {
	senders []Sender
}

// NewHub builds a Hub from the notification config
func NewHub(cfg config.NotificationsConfig) *Hub {
	var senders []Sender
	if cfg.Desktop {
		senders = append(senders, &Desktop{})
	}
	if cfg.SlackWebhook != "" {
		senders = append(senders, NewSlack(cfg.SlackWebhook))
	}
	return &Hub{senders: senders}
}

// NewHubWith builds a Hub over explicit senders, for tests
func NewHubWith(senders ...Sender) *Hub {
	return &Hub{senders: senders}
}

func (h *Hub) send(n Notification) {
	for _, s := range h.senders {
		if err := s.Send(n); err != nil {
			log.Printf("warning: sending notification: %v", err)
		}
	}
}

// BatchFinished announces a completed batch run
func (h *Hub) BatchFinished(label string, succeeded, failed int) {
	kind := KindSuccess
	if failed > 0 {
		kind = KindWarning
	}
	h.send(Notification{
		Title:   fmt.Sprintf("Batch %q finished", label),
		Message: fmt.Sprintf("%d succeeded, %d failed", succeeded, failed),
		Kind:    kind,
	})
}

// TicketDone announces a single finished pipeline run
func (h *Hub) TicketDone(res *domain.PipelineResult) {
	if res.Succeeded {
		h.send(Notification{
			Title:   fmt.Sprintf("%s implemented", res.Ticket),
			Message: fmt.Sprintf("PR opened after %d attempt(s)", res.Attempts),
			Kind:    KindSuccess,
			Ticket:  res.Ticket.String(),
			URL:     res.PRURL,
		})
		return
	}
	h.send(Notification{
		Title:   fmt.Sprintf("%s failed", res.Ticket),
		Message: fmt.Sprintf("%v", res.Err),
		Kind:    KindError,
		Ticket:  res.Ticket.String(),
	})
}

// ProposalFiled announces a new capability escalation awaiting a human
func (h *Hub) ProposalFiled(ticket, role string, capabilities []string) {
	h.send(Notification{
		Title:   fmt.Sprintf("%s needs approval", ticket),
		Message: fmt.Sprintf("proposed role %q requesting %v", role, capabilities),
		Kind:    KindWarning,
		Ticket:  ticket,
	})
}
