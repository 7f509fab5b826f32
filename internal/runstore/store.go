// Package runstore provides SQLite-backed run history.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// Store provides SQLite-backed persistence for pipeline runs
type Store struct {
	db *sql.DB
}

// New creates a Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one persisted pipeline run
type Run struct {
	ID          string
	TicketID    string
	TicketTitle string
	Role        string
	Outcome     string
	PRURL       string
	Error       string
	BatchID     *int64
	StartedAt   time.Time
	FinishedAt  time.Time
	Attempts    []domain.RunAttempt
}

// Run outcomes
const (
	OutcomeSucceeded     = "succeeded"
	OutcomeFailed        = "failed"
	OutcomeBlocked       = "blocked"
	OutcomeNeedsApproval = "needs_approval"
)

// OutcomeOf maps a pipeline result to a stored outcome
func OutcomeOf(result *domain.PipelineResult) string {
	if result.Succeeded {
		return OutcomeSucceeded
	}
	switch domain.KindOf(result.Err) {
	case domain.FatalPrecondition:
		return OutcomeBlocked
	case domain.CapabilityDenied:
		return OutcomeNeedsApproval
	default:
		return OutcomeFailed
	}
}

// FromResult builds a Run record from a pipeline result
func FromResult(result *domain.PipelineResult, title, role string, attempts []domain.RunAttempt, batchID *int64) *Run {
	run := &Run{
		ID:          uuid.NewString(),
		TicketID:    result.Ticket.String(),
		TicketTitle: title,
		Role:        role,
		Outcome:     OutcomeOf(result),
		PRURL:       result.PRURL,
		BatchID:     batchID,
		StartedAt:   time.Now().Add(-result.Duration),
		FinishedAt:  time.Now(),
		Attempts:    attempts,
	}
	if result.Err != nil {
		run.Error = result.Err.Error()
	}
	return run
}

// RecordRun persists a run and its attempts in one transaction
func (s *Store) RecordRun(run *Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, ticket_id, ticket_title, role, outcome, pr_url, error, batch_id, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.TicketID, run.TicketTitle, run.Role, run.Outcome,
		run.PRURL, run.Error, run.BatchID, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	for _, a := range run.Attempts {
		_, err = tx.Exec(`
			INSERT INTO attempts (run_id, ordinal, succeeded, exit_code, duration_ms, transcript_path, classification)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			run.ID, a.Ordinal, a.Succeeded, a.ExitCode,
			a.Duration.Milliseconds(), a.TranscriptPath, a.Classification,
		)
		if err != nil {
			return fmt.Errorf("inserting attempt %d: %w", a.Ordinal, err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run with its attempts
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, ticket_id, ticket_title, role, outcome, pr_url, error, batch_id, started_at, finished_at
		FROM runs WHERE id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT ordinal, succeeded, exit_code, duration_ms, transcript_path, classification
		FROM attempts WHERE run_id = ? ORDER BY ordinal
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.RunAttempt
		var durationMS int64
		if err := rows.Scan(&a.Ordinal, &a.Succeeded, &a.ExitCode, &durationMS, &a.TranscriptPath, &a.Classification); err != nil {
			return nil, err
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		run.Attempts = append(run.Attempts, a)
	}

	return run, rows.Err()
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	TicketID string
	Outcome  string
	Limit    int
}

// ListRuns returns runs matching the options, newest first, without
// their attempts
func (s *Store) ListRuns(opts ListOptions) ([]*Run, error) {
	query := `SELECT id, ticket_id, ticket_title, role, outcome, pr_url, error, batch_id, started_at, finished_at FROM runs WHERE 1=1`
	var args []interface{}

	if opts.TicketID != "" {
		query += " AND ticket_id = ?"
		args = append(args, opts.TicketID)
	}
	if opts.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}

	query += " ORDER BY finished_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// Batch is one persisted batch run
type Batch struct {
	ID               int64
	Label            string
	StartedAt        time.Time
	FinishedAt       *time.Time
	TicketsSucceeded int
	TicketsFailed    int
}

// StartBatch records a new batch and returns its id
func (s *Store) StartBatch(label string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO batches (label, started_at) VALUES (?, ?)`,
		label, time.Now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinishBatch records the batch totals
func (s *Store) FinishBatch(id int64, succeeded, failed int) error {
	_, err := s.db.Exec(`
		UPDATE batches SET finished_at = ?, tickets_succeeded = ?, tickets_failed = ? WHERE id = ?
	`, time.Now(), succeeded, failed, id)
	return err
}

// ListBatches returns recent batches, newest first
func (s *Store) ListBatches(limit int) ([]*Batch, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, label, started_at, finished_at, tickets_succeeded, tickets_failed
		FROM batches ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		var b Batch
		var finished sql.NullTime
		if err := rows.Scan(&b.ID, &b.Label, &b.StartedAt, &finished, &b.TicketsSucceeded, &b.TicketsFailed); err != nil {
			return nil, err
		}
		if finished.Valid {
			b.FinishedAt = &finished.Time
		}
		batches = append(batches, &b)
	}

	return batches, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var prURL, errMsg sql.NullString
	var batchID sql.NullInt64
	err := row.Scan(&run.ID, &run.TicketID, &run.TicketTitle, &run.Role, &run.Outcome,
		&prURL, &errMsg, &batchID, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		return nil, err
	}
	run.PRURL = prURL.String
	run.Error = errMsg.String
	if batchID.Valid {
		run.BatchID = &batchID.Int64
	}
	return &run, nil
}
