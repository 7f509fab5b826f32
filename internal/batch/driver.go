package batch

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fernwerk/ticketsmith/internal/config"
	"github.com/fernwerk/ticketsmith/internal/domain"
	"github.com/fernwerk/ticketsmith/internal/pipeline"
	"github.com/fernwerk/ticketsmith/internal/pool"
	"github.com/fernwerk/ticketsmith/internal/runstore"
	"github.com/fernwerk/ticketsmith/internal/tracker"
)

// Notifier is told when a batch finishes
type Notifier interface {
	BatchFinished(label string, succeeded, failed int)
}

// Driver selects the working set and fans the pipeline out over it
type Driver struct {
	Tracker  tracker.Tracker
	Store    *runstore.Store // optional
	Notifier Notifier        // optional
	Config   *config.Config

	// RunTicket executes one ticket's pipeline. Tests replace it.
	RunTicket func(ctx context.Context, id domain.TicketID, opts pipeline.Options) *domain.PipelineResult
}

// RunOptions modify one batch invocation
type RunOptions struct {
	Label   string
	Limit   int
	Workers int
	DryRun  bool
	Quiet   bool // suppress the completion notification
}

// Summary aggregates a finished batch
type Summary struct {
	Label     string
	Total     int
	Succeeded int
	Failed    int
	Skipped   int // dropped by the blocking prefilter
	Results   []*domain.PipelineResult
	Duration  time.Duration
}

// Run executes one batch: take the lock, select tickets, prefilter
// blocked ones, run the pipeline concurrently, aggregate.
func (d *Driver) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	start := time.Now()

	label := opts.Label
	if label == "" {
		label = d.Config.Batch.Label
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = d.Config.Batch.Limit
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = d.Config.Batch.Workers
	}

	lock, err := Acquire(d.Config.Batch.LockPath, d.Config.Batch.LockTTL())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("warning: releasing batch lock: %v", err)
		}
	}()

	tickets, err := d.Tracker.Search(ctx, tracker.Query{
		Label:   label,
		State:   domain.StateReady,
		Project: d.Config.Tracker.Project,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("searching tickets: %w", err)
	}

	eligible, skipped := d.prefilterBlocked(ctx, tickets)

	summary := &Summary{Label: label, Total: len(eligible), Skipped: skipped}
	if len(eligible) == 0 {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	var batchID *int64
	if d.Store != nil && !opts.DryRun {
		id, err := d.Store.StartBatch(label)
		if err != nil {
			log.Printf("warning: recording batch start: %v", err)
		} else {
			batchID = &id
		}
	}

	ids := make([]domain.TicketID, len(eligible))
	for i, t := range eligible {
		ids[i] = t.ID
	}

	// Every job catches its own failure inside the pipeline; a slot is
	// only nil if the worker itself died.
	results := pool.Run(ctx, workers, ids, func(ctx context.Context, id domain.TicketID) *domain.PipelineResult {
		return d.RunTicket(ctx, id, pipeline.Options{DryRun: opts.DryRun, BatchID: batchID})
	})

	for i, res := range results {
		if res == nil {
			res = &domain.PipelineResult{Ticket: ids[i], Err: fmt.Errorf("worker died before finishing")}
			results[i] = res
		}
		if res.Succeeded {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	summary.Results = results
	summary.Duration = time.Since(start)

	if batchID != nil {
		if err := d.Store.FinishBatch(*batchID, summary.Succeeded, summary.Failed); err != nil {
			log.Printf("warning: recording batch finish: %v", err)
		}
	}
	if d.Notifier != nil && !opts.DryRun && !opts.Quiet {
		d.Notifier.BatchFinished(label, summary.Succeeded, summary.Failed)
	}

	return summary, nil
}

// prefilterBlocked drops tickets with incomplete blockers before any
// worker is spent on them. Advisory only: the pipeline re-checks per
// ticket, so a tracker error here keeps the ticket in the set.
func (d *Driver) prefilterBlocked(ctx context.Context, tickets []*domain.Ticket) ([]*domain.Ticket, int) {
	blocked := make([]bool, len(tickets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, t := range tickets {
		g.Go(func() error {
			relations, err := d.Tracker.BlockedBy(gctx, t.ID)
			if err != nil {
				log.Printf("warning: checking blockers of %s: %v", t.ID, err)
				return nil
			}
			for _, rel := range relations {
				if !rel.State.Completed() {
					blocked[i] = true
					return nil
				}
			}
			return nil
		})
	}
	g.Wait()

	var eligible []*domain.Ticket
	skipped := 0
	for i, t := range tickets {
		if blocked[i] {
			skipped++
			continue
		}
		eligible = append(eligible, t)
	}
	return eligible, skipped
}
