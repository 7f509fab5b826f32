// Package api serves the read-only status API and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernwerk/ticketsmith/internal/escalate"
	"github.com/fernwerk/ticketsmith/internal/pipeline"
	"github.com/fernwerk/ticketsmith/internal/roles"
	"github.com/fernwerk/ticketsmith/internal/runstore"
)

// RunStore is the run history surface the server reads
type RunStore interface {
	ListRuns(opts runstore.ListOptions) ([]*runstore.Run, error)
	GetRun(id string) (*runstore.Run, error)
	ListBatches(limit int) ([]*runstore.Batch, error)
}

// ProposalStore is the escalation surface the server reads
type ProposalStore interface {
	List(status escalate.Status) ([]*escalate.Proposal, error)
}

// RoleLister lists the resolved role set
type RoleLister interface {
	List() []roles.Resolved
}

// Server is the HTTP status server
type Server struct {
	runs      RunStore
	proposals ProposalStore
	roles     RoleLister
	hub       *Hub
	addr      string
	mux       *http.ServeMux
}

// NewServer builds a server over the given stores. Any store may be nil;
// its endpoints then answer 503.
func NewServer(runs RunStore, proposals ProposalStore, roleSet RoleLister, addr string) *Server {
	s := &Server{
		runs:      runs,
		proposals: proposals,
		roles:     roleSet,
		hub:       NewHub(),
		addr:      addr,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/runs", s.handleListRuns)
	s.mux.HandleFunc("/api/runs/", s.handleGetRun)
	s.mux.HandleFunc("/api/batches", s.handleListBatches)
	s.mux.HandleFunc("/api/roles", s.handleListRoles)
	s.mux.HandleFunc("/api/proposals", s.handleListProposals)
	s.mux.HandleFunc("/api/events", s.handleEvents)
	s.mux.Handle("/metrics", promhttp.Handler())
}

// Start serves until ctx is canceled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.mux}
	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler exposes the mux, for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// EventSink returns the function the pipeline calls with live events
func (s *Server) EventSink() pipeline.EventFunc {
	return s.hub.Publish
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
