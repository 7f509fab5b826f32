package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fernwerk/ticketsmith/internal/escalate"
	"github.com/fernwerk/ticketsmith/internal/runstore"
)

// RunResponse is the API shape of one pipeline run
type RunResponse struct {
	ID         string            `json:"id"`
	TicketID   string            `json:"ticket_id"`
	Title      string            `json:"title,omitempty"`
	Role       string            `json:"role"`
	Outcome    string            `json:"outcome"`
	PRURL      string            `json:"pr_url,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  string            `json:"started_at"`
	FinishedAt string            `json:"finished_at"`
	Attempts   []AttemptResponse `json:"attempts,omitempty"`
}

// AttemptResponse is the API shape of one agent attempt
type AttemptResponse struct {
	Ordinal        int    `json:"ordinal"`
	Succeeded      bool   `json:"succeeded"`
	ExitCode       int    `json:"exit_code"`
	Duration       string `json:"duration"`
	Classification string `json:"classification,omitempty"`
}

// StatusResponse summarizes recent pipeline activity
type StatusResponse struct {
	Runs          int `json:"runs"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Blocked       int `json:"blocked"`
	NeedsApproval int `json:"needs_approval"`
	Pending       int `json:"pending_proposals"`
}

// RoleResponse is the API shape of one resolved role
type RoleResponse struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities"`
	MaxSteps     int      `json:"max_steps"`
	MaxSpendUSD  float64  `json:"max_spend_usd"`
}

// BatchResponse is the API shape of one batch
type BatchResponse struct {
	ID         int64  `json:"id"`
	Label      string `json:"label"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Succeeded  int    `json:"tickets_succeeded"`
	Failed     int    `json:"tickets_failed"`
}

func runToResponse(r *runstore.Run) RunResponse {
	resp := RunResponse{
		ID:         r.ID,
		TicketID:   r.TicketID,
		Title:      r.TicketTitle,
		Role:       r.Role,
		Outcome:    r.Outcome,
		PRURL:      r.PRURL,
		Error:      r.Error,
		StartedAt:  r.StartedAt.Format(time.RFC3339),
		FinishedAt: r.FinishedAt.Format(time.RFC3339),
	}
	for _, a := range r.Attempts {
		resp.Attempts = append(resp.Attempts, AttemptResponse{
			Ordinal:        a.Ordinal,
			Succeeded:      a.Succeeded,
			ExitCode:       a.ExitCode,
			Duration:       a.Duration.Round(time.Second).String(),
			Classification: a.Classification,
		})
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not available")
		return
	}

	runs, err := s.runs.ListRuns(runstore.ListOptions{Limit: 200})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var status StatusResponse
	status.Runs = len(runs)
	for _, run := range runs {
		switch run.Outcome {
		case runstore.OutcomeSucceeded:
			status.Succeeded++
		case runstore.OutcomeFailed:
			status.Failed++
		case runstore.OutcomeBlocked:
			status.Blocked++
		case runstore.OutcomeNeedsApproval:
			status.NeedsApproval++
		}
	}

	if s.proposals != nil {
		pending, err := s.proposals.List(escalate.StatusPending)
		if err == nil {
			status.Pending = len(pending)
		}
	}

	writeJSON(w, status)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not available")
		return
	}

	opts := runstore.ListOptions{
		TicketID: r.URL.Query().Get("ticket"),
		Outcome:  r.URL.Query().Get("outcome"),
		Limit:    50,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	runs, err := s.runs.ListRuns(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]RunResponse, len(runs))
	for i, run := range runs {
		resp[i] = runToResponse(run)
	}
	writeJSON(w, resp)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not available")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}

	run, err := s.runs.GetRun(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, runToResponse(run))
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not available")
		return
	}

	batches, err := s.runs.ListBatches(20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]BatchResponse, len(batches))
	for i, b := range batches {
		resp[i] = BatchResponse{
			ID:        b.ID,
			Label:     b.Label,
			StartedAt: b.StartedAt.Format(time.RFC3339),
			Succeeded: b.TicketsSucceeded,
			Failed:    b.TicketsFailed,
		}
		if b.FinishedAt != nil {
			resp[i].FinishedAt = b.FinishedAt.Format(time.RFC3339)
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.roles == nil {
		writeError(w, http.StatusServiceUnavailable, "role registry not available")
		return
	}

	resolved := s.roles.List()
	resp := make([]RoleResponse, len(resolved))
	for i, role := range resolved {
		resp[i] = RoleResponse{
			Name:         role.Name,
			Description:  role.Description,
			Capabilities: role.Capabilities,
			MaxSteps:     role.MaxSteps,
			MaxSpendUSD:  role.MaxSpendUSD,
		}
	}
	writeJSON(w, resp)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.proposals == nil {
		writeError(w, http.StatusServiceUnavailable, "proposal store not available")
		return
	}

	status := escalate.Status(r.URL.Query().Get("status"))
	proposals, err := s.proposals.List(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if proposals == nil {
		proposals = []*escalate.Proposal{}
	}
	writeJSON(w, proposals)
}
