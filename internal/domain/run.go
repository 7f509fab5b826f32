package domain

import "time"

// RunAttempt records a single agent execution within a pipeline run
type RunAttempt struct {
	Ordinal        int
	Succeeded      bool
	ExitCode       int
	Duration       time.Duration
	TranscriptPath string
	Classification string // failure class, empty on success
}

// ReviewIssue is one finding from the review agent
type ReviewIssue struct {
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Severity string `json:"severity"`
}

// ReviewVerdict is the structured outcome of the review sub-run
type ReviewVerdict struct {
	Approved bool          `json:"approved"`
	Summary  string        `json:"summary"`
	Issues   []ReviewIssue `json:"issues,omitempty"`
}

// PipelineResult is the immutable outcome of one ticket's pipeline run
type PipelineResult struct {
	Ticket    TicketID
	Succeeded bool
	PRURL     string
	Verdict   *ReviewVerdict
	Err       error
	Attempts  int
	Duration  time.Duration
}
