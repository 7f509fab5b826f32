package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var ticketIDRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]+)-(\d+)$`)

// TicketID uniquely identifies a tracker ticket as TEAM-123
type TicketID struct {
	Team   string
	Number int
}

// ParseTicketID parses a string like "ENG-042" into a TicketID
func ParseTicketID(s string) (TicketID, error) {
	matches := ticketIDRegex.FindStringSubmatch(strings.TrimSpace(s))
	if matches == nil {
		return TicketID{}, fmt.Errorf("invalid ticket ID format: %q (expected TEAM-123)", s)
	}
	num, _ := strconv.Atoi(matches[2]) // regex guarantees digits
	return TicketID{Team: matches[1], Number: num}, nil
}

// String returns the canonical string representation
func (t TicketID) String() string {
	return fmt.Sprintf("%s-%d", t.Team, t.Number)
}

// TicketState represents the workflow state of a ticket
type TicketState string

const (
	StateBacklog    TicketState = "backlog"
	StateReady      TicketState = "ready"
	StateInProgress TicketState = "in_progress"
	StateInReview   TicketState = "in_review"
	StateDone       TicketState = "done"
	StateCanceled   TicketState = "canceled"
)

// Completed reports whether the state counts as finished for blocking purposes
func (s TicketState) Completed() bool {
	return s == StateDone || s == StateCanceled
}

// Labels the orchestrator reads and writes on tickets
const (
	LabelAutopilot     = "autopilot"
	LabelNeedsApproval = "autopilot:needs-approval"
	LabelFollowup      = "autopilot:followup"
	RoleLabelPrefix    = "role:"
)

// Ticket is a unit of work fetched from the tracker
type Ticket struct {
	ID          TicketID
	InternalID  string // tracker-side UUID, required for mutations
	Title       string
	Description string
	State       TicketState
	Labels      []string
	Project     string
	URL         string
}

// HasLabel reports whether the ticket carries the given label
func (t *Ticket) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// RoleLabel returns the role name from a role:<name> label, or ""
func (t *Ticket) RoleLabel() string {
	for _, l := range t.Labels {
		if strings.HasPrefix(l, RoleLabelPrefix) {
			return strings.TrimPrefix(l, RoleLabelPrefix)
		}
	}
	return ""
}

// Relation is a blocking relation on a ticket
type Relation struct {
	ID    TicketID
	Title string
	State TicketState
}
