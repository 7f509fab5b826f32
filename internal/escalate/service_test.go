package escalate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fernwerk/ticketsmith/internal/domain"
	"github.com/fernwerk/ticketsmith/internal/roles"
	"github.com/fernwerk/ticketsmith/internal/tracker"
)

const testRoleSet = `
roles:
  default:
    capabilities:
      - Read
      - Edit
      - "Bash(go test:*)"
    max_steps: 50
    max_spend_usd: 5.0
`

// recordingTracker records label and comment calls
type recordingTracker struct {
	tracker.Tracker
	added, removed []string
	comments       []string
	fail           bool
}

func (r *recordingTracker) SetLabels(_ context.Context, _ domain.TicketID, add, remove []string) error {
	if r.fail {
		return errors.New("tracker down")
	}
	r.added = append(r.added, add...)
	r.removed = append(r.removed, remove...)
	return nil
}

func (r *recordingTracker) Comment(_ context.Context, _ domain.TicketID, body string) error {
	if r.fail {
		return errors.New("tracker down")
	}
	r.comments = append(r.comments, body)
	return nil
}

func newTestService(t *testing.T) (*Service, *roles.Registry, *recordingTracker) {
	t.Helper()
	rolePath := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(rolePath, []byte(testRoleSet), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := roles.Load(rolePath)
	if err != nil {
		t.Fatal(err)
	}
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	trk := &recordingTracker{}
	return NewService(store, reg, trk), reg, trk
}

func TestFileProposal(t *testing.T) {
	svc, _, trk := newTestService(t)
	id := domain.TicketID{Team: "ENG", Number: 123}

	p, created, err := svc.FileProposal(context.Background(), id, "default", []string{"Bash(docker compose:*)"}, "denied line")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first filing must report a fresh proposal")
	}
	if p.Status != StatusPending {
		t.Errorf("Status = %s, want pending", p.Status)
	}
	if p.ProposedRole != "default-eng-123" {
		t.Errorf("ProposedRole = %q", p.ProposedRole)
	}
	if len(trk.added) != 1 || trk.added[0] != domain.LabelNeedsApproval {
		t.Errorf("labels added = %v", trk.added)
	}
	if len(trk.comments) != 1 {
		t.Errorf("comments = %v", trk.comments)
	}
}

func TestFileProposal_Idempotent(t *testing.T) {
	svc, _, trk := newTestService(t)
	id := domain.TicketID{Team: "ENG", Number: 123}

	p1, created, err := svc.FileProposal(context.Background(), id, "default", []string{"Bash(docker compose:*)"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first filing must create")
	}

	// A later run may be denied a different capability set; the pair
	// (ticket, base role) already has a decision in flight.
	p2, created, err := svc.FileProposal(context.Background(), id, "default",
		[]string{"Bash(docker compose:*)", "Bash(psql:*)"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("re-filing for the same ticket and base role must not create")
	}
	if p1.ID != p2.ID {
		t.Error("repeated filing must return the existing pending proposal")
	}

	pending, err := svc.Store().List(StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Errorf("store holds %d pending proposals, want 1", len(pending))
	}

	// The ticket was labeled and commented exactly once
	if len(trk.added) != 1 {
		t.Errorf("labels added = %v, want one", trk.added)
	}
	if len(trk.comments) != 1 {
		t.Errorf("comments = %d, want 1", len(trk.comments))
	}
}

func TestFileProposal_TrackerFailureIsNotFatal(t *testing.T) {
	svc, _, trk := newTestService(t)
	trk.fail = true

	p, _, err := svc.FileProposal(context.Background(), domain.TicketID{Team: "ENG", Number: 5}, "default", []string{"Edit"}, "")
	if err != nil {
		t.Fatalf("tracker failure must not fail the proposal: %v", err)
	}
	if p.Status != StatusPending {
		t.Errorf("Status = %s", p.Status)
	}
}

func TestApprove_CreatesRole(t *testing.T) {
	svc, reg, trk := newTestService(t)
	id := domain.TicketID{Team: "ENG", Number: 123}

	p, _, err := svc.FileProposal(context.Background(), id, "default", []string{"Bash(docker compose:*)"}, "")
	if err != nil {
		t.Fatal(err)
	}

	approved, err := svc.Approve(context.Background(), p.ID, "alex", "needed for the integration suite")
	if err != nil {
		t.Fatal(err)
	}
	if approved.Status != StatusApproved {
		t.Errorf("Status = %s", approved.Status)
	}

	resolved, err := reg.Resolve("default-eng-123")
	if err != nil {
		t.Fatalf("approved role not in registry: %v", err)
	}
	if !resolved.HasCapability("Bash(docker compose:*)") {
		t.Error("new role is missing the escalated capability")
	}
	if !resolved.HasCapability("Read") {
		t.Error("new role should inherit the base role's capabilities")
	}

	// The approval label must be cleared again
	found := false
	for _, l := range trk.removed {
		if l == domain.LabelNeedsApproval {
			found = true
		}
	}
	if !found {
		t.Error("needs-approval label was not removed")
	}
}

func TestApprove_ForbiddenCapabilityFailsWithoutDeciding(t *testing.T) {
	svc, reg, _ := newTestService(t)
	id := domain.TicketID{Team: "ENG", Number: 123}

	p, _, err := svc.FileProposal(context.Background(), id, "default", []string{"Bash(sudo apt install:*)"}, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Approve(context.Background(), p.ID, "alex", ""); err == nil {
		t.Fatal("forbidden capability must fail approval")
	}
	if reg.Has("default-eng-123") {
		t.Error("rejected role leaked into the registry")
	}

	// The proposal stays pending, so it can be rejected properly
	got, err := svc.Store().Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
}

func TestDecide_TwiceFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := domain.TicketID{Team: "ENG", Number: 123}

	p, _, err := svc.FileProposal(context.Background(), id, "default", []string{"Grep"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reject(context.Background(), p.ID, "alex", "not needed"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Approve(context.Background(), p.ID, "alex", ""); !errors.Is(err, ErrNotPending) {
		t.Errorf("err = %v, want ErrNotPending", err)
	}
}

func TestReject_RequiresReason(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := domain.TicketID{Team: "ENG", Number: 123}

	p, _, err := svc.FileProposal(context.Background(), id, "default", []string{"Grep"}, "")
	if err != nil {
		t.Fatal(err)
	}

	for _, note := range []string{"", "   "} {
		if _, err := svc.Reject(context.Background(), p.ID, "alex", note); err == nil {
			t.Errorf("Reject with note %q must fail", note)
		}
	}

	// The proposal is untouched and can still be decided
	got, err := svc.Store().Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if _, err := svc.Reject(context.Background(), p.ID, "alex", "docker is not allowed in CI"); err != nil {
		t.Errorf("Reject with a reason failed: %v", err)
	}
}

func TestStore_RejectsNonUUIDID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Get("../../etc/passwd")
	if err == nil {
		t.Fatal("path-like id must be rejected")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("invalid id should fail validation, not lookup")
	}
}
