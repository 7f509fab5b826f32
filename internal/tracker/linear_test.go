package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// fakeLinear answers GraphQL requests by matching on the query text
type fakeLinear struct {
	t        *testing.T
	requests []string
}

func (f *fakeLinear) handler(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "test-key" {
		f.t.Errorf("Authorization = %q, want test-key", got)
	}

	var body struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.t.Fatalf("decoding request: %v", err)
	}
	f.requests = append(f.requests, body.Query)

	write := func(data string) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":` + data + `}`))
	}

	switch {
	case strings.Contains(body.Query, "inverseRelations"):
		write(`{"issue":{"inverseRelations":{"nodes":[
			{"type":"blocks","issue":{"identifier":"ENG-7","title":"Schema migration","state":{"name":"In Progress","type":"started"}}},
			{"type":"duplicate","issue":{"identifier":"ENG-8","title":"Dup","state":{"name":"Todo","type":"unstarted"}}}
		]}}}`)
	case strings.Contains(body.Query, "issues(filter"):
		write(`{"issues":{"nodes":[
			{"id":"uuid-1","identifier":"ENG-123","title":"Add retry","description":"","url":"https://linear.app/x/ENG-123",
			 "state":{"name":"Todo","type":"unstarted"},
			 "labels":{"nodes":[{"id":"l1","name":"autopilot"}]},
			 "project":{"name":"Core"}}
		]}}`)
	case strings.Contains(body.Query, "teams(filter"):
		write(`{"teams":{"nodes":[{"id":"team-uuid","states":{"nodes":[
			{"id":"s1","name":"Todo","type":"unstarted"},
			{"id":"s2","name":"In Progress","type":"started"},
			{"id":"s3","name":"In Review","type":"started"},
			{"id":"s4","name":"Done","type":"completed"}
		]}}]}}`)
	case strings.Contains(body.Query, "issueUpdate"):
		write(`{"issueUpdate":{"success":true}}`)
	case strings.Contains(body.Query, "issue(id"):
		write(`{"issue":{"id":"uuid-1","identifier":"ENG-123","title":"Add retry","description":"Retry transient failures.","url":"https://linear.app/x/ENG-123",
			"state":{"name":"In Progress","type":"started"},
			"labels":{"nodes":[{"id":"l1","name":"autopilot"},{"id":"l2","name":"role:integration"}]},
			"project":{"name":"Core"}}}`)
	default:
		f.t.Errorf("unexpected query: %s", body.Query)
		write(`{}`)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeLinear) {
	t.Helper()
	fake := &fakeLinear{t: t}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", "ENG"), fake
}

func TestTicket(t *testing.T) {
	client, _ := newTestClient(t)

	ticket, err := client.Ticket(context.Background(), domain.TicketID{Team: "ENG", Number: 123})
	if err != nil {
		t.Fatal(err)
	}
	if ticket.ID.String() != "ENG-123" {
		t.Errorf("ID = %s, want ENG-123", ticket.ID)
	}
	if ticket.State != domain.StateInProgress {
		t.Errorf("State = %s, want in_progress", ticket.State)
	}
	if ticket.InternalID != "uuid-1" {
		t.Errorf("InternalID = %q", ticket.InternalID)
	}
	if got := ticket.RoleLabel(); got != "integration" {
		t.Errorf("RoleLabel() = %q, want integration", got)
	}
}

func TestSearch(t *testing.T) {
	client, _ := newTestClient(t)

	tickets, err := client.Search(context.Background(), Query{Label: "autopilot", State: domain.StateReady})
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 1 {
		t.Fatalf("got %d tickets, want 1", len(tickets))
	}
	if tickets[0].State != domain.StateReady {
		t.Errorf("State = %s, want ready", tickets[0].State)
	}
}

func TestBlockedBy_FiltersRelationType(t *testing.T) {
	client, _ := newTestClient(t)

	relations, err := client.BlockedBy(context.Background(), domain.TicketID{Team: "ENG", Number: 123})
	if err != nil {
		t.Fatal(err)
	}
	// The duplicate relation must not count as a blocker
	if len(relations) != 1 {
		t.Fatalf("got %d relations, want 1", len(relations))
	}
	if relations[0].ID.String() != "ENG-7" {
		t.Errorf("blocker = %s, want ENG-7", relations[0].ID)
	}
	if relations[0].State != domain.StateInProgress {
		t.Errorf("blocker state = %s", relations[0].State)
	}
}

func TestTransition_ResolvesStateAndIssue(t *testing.T) {
	client, fake := newTestClient(t)

	err := client.Transition(context.Background(), domain.TicketID{Team: "ENG", Number: 123}, domain.StateInReview)
	if err != nil {
		t.Fatal(err)
	}

	var sawUpdate bool
	for _, q := range fake.requests {
		if strings.Contains(q, "issueUpdate") {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Error("expected an issueUpdate mutation")
	}
}

func TestStateFrom(t *testing.T) {
	cases := []struct {
		name, typ string
		want      domain.TicketState
	}{
		{"Backlog", "backlog", domain.StateBacklog},
		{"Todo", "unstarted", domain.StateReady},
		{"In Progress", "started", domain.StateInProgress},
		{"In Review", "started", domain.StateInReview},
		{"Done", "completed", domain.StateDone},
		{"Canceled", "canceled", domain.StateCanceled},
	}
	for _, tc := range cases {
		if got := stateFrom(tc.name, tc.typ); got != tc.want {
			t.Errorf("stateFrom(%q, %q) = %s, want %s", tc.name, tc.typ, got, tc.want)
		}
	}
}
