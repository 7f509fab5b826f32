// Package escalate manages role escalation proposals. When a run fails
// because the agent lacked a capability, the pipeline files a proposal
// here instead of widening any role on its own; a human approves or
// rejects it later.
package escalate

import (
	"time"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// Status of a proposal
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Proposal asks for a widened role for one ticket
type Proposal struct {
	ID       string          `json:"id"`
	TicketID domain.TicketID `json:"ticket_id"`

	// BaseRole is the role the failed run used
	BaseRole string `json:"base_role"`

	// ProposedRole is the name the widened role would get on approval,
	// e.g. default-eng-123
	ProposedRole string `json:"proposed_role"`

	// MissingCapabilities are the normalized capabilities the run was
	// denied, in first-seen order
	MissingCapabilities []string `json:"missing_capabilities"`

	// Evidence is the output line that triggered the classification
	Evidence string `json:"evidence,omitempty"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	DecidedAt *time.Time `json:"decided_at,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Note      string     `json:"note,omitempty"`
}

// Pending reports whether the proposal still awaits a decision
func (p *Proposal) Pending() bool {
	return p.Status == StatusPending
}
