package escalate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fernwerk/ticketsmith/internal/domain"
	"github.com/fernwerk/ticketsmith/internal/roles"
	"github.com/fernwerk/ticketsmith/internal/tracker"
)

// ErrNotPending is returned when deciding a proposal that was already
// decided
var ErrNotPending = errors.New("proposal is not pending")

// RoleRegistry is the role surface the service needs
type RoleRegistry interface {
	Resolve(name string) (roles.Resolved, error)
	Add(name string, def roles.Definition) error
}

// Service files and decides escalation proposals
type Service struct {
	store    *Store
	registry RoleRegistry
	tracker  tracker.Tracker
}

// NewService creates an escalation service. The tracker may be nil; all
// tracker side effects are best-effort.
func NewService(store *Store, registry RoleRegistry, trk tracker.Tracker) *Service {
	return &Service{store: store, registry: registry, tracker: trk}
}

// Store returns the underlying proposal store
func (s *Service) Store() *Store {
	return s.store
}

// FileProposal records a pending proposal for the ticket and marks the
// ticket as waiting for approval. It reports whether the proposal was
// freshly created; re-filing against an existing pending proposal
// returns it without repeating the tracker label and comment.
func (s *Service) FileProposal(ctx context.Context, ticketID domain.TicketID, baseRole string, missing []string, evidence string) (*Proposal, bool, error) {
	p, created, err := s.store.Create(ticketID, baseRole, missing, evidence)
	if err != nil {
		return nil, false, err
	}

	// Tracker updates must not fail the proposal
	if created && s.tracker != nil {
		if err := s.tracker.SetLabels(ctx, ticketID, []string{domain.LabelNeedsApproval}, nil); err != nil {
			log.Printf("warning: labeling %s: %v", ticketID, err)
		}
		body := fmt.Sprintf("Run blocked: the `%s` role lacks capabilities needed for this ticket.\n\nMissing:\n- %s\n\nProposal `%s` is pending approval.",
			baseRole, strings.Join(missing, "\n- "), p.ID)
		if err := s.tracker.Comment(ctx, ticketID, body); err != nil {
			log.Printf("warning: commenting on %s: %v", ticketID, err)
		}
	}

	return p, created, nil
}

// Approve creates the proposed role and marks the proposal approved.
// The role is written first; a proposal is only marked approved once the
// role exists.
func (s *Service) Approve(ctx context.Context, id, approver, note string) (*Proposal, error) {
	p, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !p.Pending() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}

	base, err := s.registry.Resolve(p.BaseRole)
	if err != nil {
		return nil, fmt.Errorf("resolving base role: %w", err)
	}

	def := roles.Definition{
		Description:  fmt.Sprintf("escalated from %s for %s", p.BaseRole, p.TicketID),
		Extends:      p.BaseRole,
		Capabilities: p.MissingCapabilities,
		MaxSteps:     base.MaxSteps,
		MaxSpendUSD:  base.MaxSpendUSD,
		Audit: &roles.Audit{
			CreatedBy: approver,
			Reason:    fmt.Sprintf("proposal %s for %s", p.ID, p.TicketID),
		},
	}
	if err := s.registry.Add(p.ProposedRole, def); err != nil {
		return nil, fmt.Errorf("creating role %s: %w", p.ProposedRole, err)
	}

	now := time.Now().UTC()
	p.Status = StatusApproved
	p.DecidedAt = &now
	p.DecidedBy = approver
	p.Note = note
	if err := s.store.Update(p); err != nil {
		return nil, err
	}

	s.clearApprovalLabel(ctx, p, fmt.Sprintf("Proposal `%s` approved by %s; role `%s` created. The ticket will be retried on the next batch run.", p.ID, approver, p.ProposedRole))
	return p, nil
}

// Reject marks the proposal rejected without touching any role. The
// note is mandatory: the rejection reason is the only record of why
// the ticket stays manual.
func (s *Service) Reject(ctx context.Context, id, approver, note string) (*Proposal, error) {
	if strings.TrimSpace(note) == "" {
		return nil, errors.New("rejecting a proposal requires a reason")
	}

	p, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if !p.Pending() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, p.Status)
	}

	now := time.Now().UTC()
	p.Status = StatusRejected
	p.DecidedAt = &now
	p.DecidedBy = approver
	p.Note = note
	if err := s.store.Update(p); err != nil {
		return nil, err
	}

	s.clearApprovalLabel(ctx, p, fmt.Sprintf("Proposal `%s` rejected by %s. This ticket needs manual implementation.", p.ID, approver))
	return p, nil
}

func (s *Service) clearApprovalLabel(ctx context.Context, p *Proposal, comment string) {
	if s.tracker == nil {
		return
	}
	if err := s.tracker.SetLabels(ctx, p.TicketID, nil, []string{domain.LabelNeedsApproval}); err != nil {
		log.Printf("warning: unlabeling %s: %v", p.TicketID, err)
	}
	if err := s.tracker.Comment(ctx, p.TicketID, comment); err != nil {
		log.Printf("warning: commenting on %s: %v", p.TicketID, err)
	}
}
