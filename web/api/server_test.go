package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fernwerk/ticketsmith/internal/domain"
	"github.com/fernwerk/ticketsmith/internal/escalate"
	"github.com/fernwerk/ticketsmith/internal/pipeline"
	"github.com/fernwerk/ticketsmith/internal/roles"
	"github.com/fernwerk/ticketsmith/internal/runstore"
)

type mockRuns struct {
	runs    []*runstore.Run
	batches []*runstore.Batch
}

func (m *mockRuns) ListRuns(opts runstore.ListOptions) ([]*runstore.Run, error) {
	if opts.Outcome == "" {
		return m.runs, nil
	}
	var out []*runstore.Run
	for _, r := range m.runs {
		if r.Outcome == opts.Outcome {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRuns) GetRun(id string) (*runstore.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (m *mockRuns) ListBatches(limit int) ([]*runstore.Batch, error) {
	return m.batches, nil
}

type mockProposals struct {
	proposals []*escalate.Proposal
}

func (m *mockProposals) List(status escalate.Status) ([]*escalate.Proposal, error) {
	if status == "" {
		return m.proposals, nil
	}
	var out []*escalate.Proposal
	for _, p := range m.proposals {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockRoles struct{ list []roles.Resolved }

func (m *mockRoles) List() []roles.Resolved { return m.list }

func testServer() *Server {
	now := time.Now()
	runs := &mockRuns{
		runs: []*runstore.Run{
			{ID: "r1", TicketID: "ENG-1", Outcome: runstore.OutcomeSucceeded, PRURL: "https://github.com/acme/widgets/pull/7", StartedAt: now, FinishedAt: now,
				Attempts: []domain.RunAttempt{{Ordinal: 1, Succeeded: true, Duration: 3 * time.Minute}}},
			{ID: "r2", TicketID: "ENG-2", Outcome: runstore.OutcomeFailed, Error: "validation failed", StartedAt: now, FinishedAt: now},
			{ID: "r3", TicketID: "ENG-3", Outcome: runstore.OutcomeNeedsApproval, StartedAt: now, FinishedAt: now},
		},
	}
	proposals := &mockProposals{
		proposals: []*escalate.Proposal{
			{ID: "11111111-1111-4111-8111-111111111111", TicketID: domain.TicketID{Team: "ENG", Number: 3}, Status: escalate.StatusPending},
		},
	}
	roleSet := &mockRoles{list: []roles.Resolved{
		{Name: "default", Capabilities: []string{"Read", "Edit"}, MaxSteps: 50},
	}}
	return NewServer(runs, proposals, roleSet, "127.0.0.1:0")
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var status StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.Runs != 3 || status.Succeeded != 1 || status.Failed != 1 || status.NeedsApproval != 1 {
		t.Errorf("status = %+v", status)
	}
	if status.Pending != 1 {
		t.Errorf("pending proposals = %d, want 1", status.Pending)
	}
}

func TestListRunsEndpoint_OutcomeFilter(t *testing.T) {
	srv := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/runs?outcome=failed", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var runs []RunResponse
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].TicketID != "ENG-2" {
		t.Errorf("runs = %+v, want just ENG-2", runs)
	}
}

func TestGetRunEndpoint(t *testing.T) {
	srv := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/runs/r1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var run RunResponse
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.TicketID != "ENG-1" || len(run.Attempts) != 1 {
		t.Errorf("run = %+v", run)
	}
}

func TestGetRunEndpoint_NotFound(t *testing.T) {
	srv := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRolesEndpoint(t *testing.T) {
	srv := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/roles", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var list []RoleResponse
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "default" {
		t.Errorf("roles = %+v", list)
	}
}

func TestProposalsEndpoint_StatusFilter(t *testing.T) {
	srv := testServer()
	req := httptest.NewRequest(http.MethodGet, "/api/proposals?status=approved", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %s, want empty list", body)
	}
}

func TestWriteMethodsRejected(t *testing.T) {
	srv := testServer()
	for _, path := range []string{"/api/status", "/api/runs", "/api/roles", "/api/proposals"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, w.Code)
		}
	}
}

func TestEventsStream(t *testing.T) {
	srv := testServer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	// Let the hub register the client before publishing
	time.Sleep(50 * time.Millisecond)

	sink := srv.EventSink()
	sink(pipeline.Event{
		Kind:    pipeline.EventStage,
		TicketS: "ENG-1",
		Stage:   "workspace",
		Time:    time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev pipeline.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Kind != pipeline.EventStage || ev.TicketS != "ENG-1" || ev.Stage != "workspace" {
		t.Errorf("event = %+v", ev)
	}
}
