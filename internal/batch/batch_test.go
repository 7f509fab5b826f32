package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fernwerk/ticketsmith/internal/config"
	"github.com/fernwerk/ticketsmith/internal/domain"
	"github.com/fernwerk/ticketsmith/internal/pipeline"
	"github.com/fernwerk/ticketsmith/internal/tracker"
)

func TestLock_AcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.lock")

	lock, err := Acquire(path, time.Hour)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("lock file not created: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("lock file still exists after release")
	}
}

func TestLock_HeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.lock")

	if _, err := Acquire(path, time.Hour); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	_, err := Acquire(path, time.Hour)
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("second Acquire() error = %v, want ErrLockHeld", err)
	}
}

func TestLock_StaleTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.lock")

	stale := lockInfo{PID: 99999, Host: "dead-host", AcquiredAt: time.Now().Add(-2 * time.Hour)}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path, time.Hour)
	if err != nil {
		t.Fatalf("Acquire() over stale lock error = %v", err)
	}

	holder, err := readLock(path)
	if err != nil {
		t.Fatalf("readLock() error = %v", err)
	}
	if holder.PID != os.Getpid() {
		t.Errorf("lock holder pid = %d, want %d", holder.PID, os.Getpid())
	}
	lock.Release()
}

func TestLock_CorruptFileIsTakenOver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.lock")
	if err := os.WriteFile(path, []byte("{trunca"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := Acquire(path, time.Hour)
	if err != nil {
		t.Fatalf("Acquire() over corrupt lock error = %v", err)
	}
	lock.Release()
}

type fakeTracker struct {
	tracker.Tracker

	tickets   []*domain.Ticket
	blockers  map[string][]domain.Relation
	searchErr error

	mu        sync.Mutex
	lastQuery tracker.Query
}

func (f *fakeTracker) Search(ctx context.Context, q tracker.Query) ([]*domain.Ticket, error) {
	f.mu.Lock()
	f.lastQuery = q
	f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.tickets, nil
}

func (f *fakeTracker) BlockedBy(ctx context.Context, id domain.TicketID) ([]domain.Relation, error) {
	return f.blockers[id.String()], nil
}

func mustID(t *testing.T, s string) domain.TicketID {
	t.Helper()
	id, err := domain.ParseTicketID(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Batch.LockPath = filepath.Join(t.TempDir(), "batch.lock")
	cfg.Batch.Label = "autopilot"
	cfg.Batch.Limit = 10
	cfg.Batch.Workers = 2
	return cfg
}

func TestDriver_RunAggregatesResults(t *testing.T) {
	trk := &fakeTracker{
		tickets: []*domain.Ticket{
			{ID: mustID(t, "ENG-1"), State: domain.StateReady},
			{ID: mustID(t, "ENG-2"), State: domain.StateReady},
			{ID: mustID(t, "ENG-3"), State: domain.StateReady},
		},
	}

	var mu sync.Mutex
	ran := map[string]bool{}
	d := &Driver{
		Tracker: trk,
		Config:  testConfig(t),
		RunTicket: func(ctx context.Context, id domain.TicketID, opts pipeline.Options) *domain.PipelineResult {
			mu.Lock()
			ran[id.String()] = true
			mu.Unlock()
			ok := id.Number != 2
			var err error
			if !ok {
				err = fmt.Errorf("agent gave up")
			}
			return &domain.PipelineResult{Ticket: id, Succeeded: ok, Err: err}
		},
	}

	summary, err := d.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Total != 3 || summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("summary = %d total, %d succeeded, %d failed; want 3/2/1",
			summary.Total, summary.Succeeded, summary.Failed)
	}
	if len(ran) != 3 {
		t.Errorf("ran %d tickets, want 3", len(ran))
	}
	if summary.Results[1].Ticket.String() != "ENG-2" {
		t.Errorf("results not in input order")
	}
}

func TestDriver_PrefiltersBlockedTickets(t *testing.T) {
	trk := &fakeTracker{
		tickets: []*domain.Ticket{
			{ID: mustID(t, "ENG-1"), State: domain.StateReady},
			{ID: mustID(t, "ENG-2"), State: domain.StateReady},
		},
		blockers: map[string][]domain.Relation{
			"ENG-2": {{ID: mustID(t, "ENG-9"), State: domain.StateInProgress}},
		},
	}

	d := &Driver{
		Tracker: trk,
		Config:  testConfig(t),
		RunTicket: func(ctx context.Context, id domain.TicketID, opts pipeline.Options) *domain.PipelineResult {
			if id.String() == "ENG-2" {
				t.Errorf("blocked ticket ENG-2 was run")
			}
			return &domain.PipelineResult{Ticket: id, Succeeded: true}
		},
	}

	summary, err := d.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Total != 1 || summary.Skipped != 1 {
		t.Errorf("summary total = %d, skipped = %d; want 1, 1", summary.Total, summary.Skipped)
	}
}

func TestDriver_CompletedBlockersAreEligible(t *testing.T) {
	trk := &fakeTracker{
		tickets: []*domain.Ticket{{ID: mustID(t, "ENG-1"), State: domain.StateReady}},
		blockers: map[string][]domain.Relation{
			"ENG-1": {{ID: mustID(t, "ENG-9"), State: domain.StateDone}},
		},
	}
	d := &Driver{
		Tracker: trk,
		Config:  testConfig(t),
		RunTicket: func(ctx context.Context, id domain.TicketID, opts pipeline.Options) *domain.PipelineResult {
			return &domain.PipelineResult{Ticket: id, Succeeded: true}
		},
	}

	summary, err := d.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Total != 1 || summary.Skipped != 0 {
		t.Errorf("summary total = %d, skipped = %d; want 1, 0", summary.Total, summary.Skipped)
	}
}

func TestDriver_LockHeldFailsFast(t *testing.T) {
	cfg := testConfig(t)
	if _, err := Acquire(cfg.Batch.LockPath, time.Hour); err != nil {
		t.Fatal(err)
	}

	d := &Driver{Tracker: &fakeTracker{}, Config: cfg}
	_, err := d.Run(context.Background(), RunOptions{})
	if !errors.Is(err, ErrLockHeld) {
		t.Errorf("Run() error = %v, want ErrLockHeld", err)
	}
}

func TestDriver_ReleasesLockAfterRun(t *testing.T) {
	cfg := testConfig(t)
	d := &Driver{Tracker: &fakeTracker{}, Config: cfg}

	if _, err := d.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := Acquire(cfg.Batch.LockPath, time.Hour); err != nil {
		t.Errorf("lock not released after run: %v", err)
	}
}

func TestDriver_SearchUsesConfiguredDefaults(t *testing.T) {
	trk := &fakeTracker{}
	cfg := testConfig(t)
	cfg.Tracker.Project = "widgets"
	d := &Driver{Tracker: trk, Config: cfg}

	if _, err := d.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	q := trk.lastQuery
	if q.Label != "autopilot" || q.State != domain.StateReady || q.Project != "widgets" || q.Limit != 10 {
		t.Errorf("query = %+v, want configured defaults", q)
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNotifier) BatchFinished(label string, succeeded, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s:%d:%d", label, succeeded, failed))
}

func TestDriver_NotifiesOnCompletion(t *testing.T) {
	trk := &fakeTracker{
		tickets: []*domain.Ticket{{ID: mustID(t, "ENG-1"), State: domain.StateReady}},
	}
	n := &fakeNotifier{}
	d := &Driver{
		Tracker:  trk,
		Notifier: n,
		Config:   testConfig(t),
		RunTicket: func(ctx context.Context, id domain.TicketID, opts pipeline.Options) *domain.PipelineResult {
			return &domain.PipelineResult{Ticket: id, Succeeded: true}
		},
	}

	if _, err := d.Run(context.Background(), RunOptions{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(n.calls) != 1 || n.calls[0] != "autopilot:1:0" {
		t.Errorf("notifier calls = %v, want [autopilot:1:0]", n.calls)
	}
}

func TestDriver_DryRunSkipsNotification(t *testing.T) {
	trk := &fakeTracker{
		tickets: []*domain.Ticket{{ID: mustID(t, "ENG-1"), State: domain.StateReady}},
	}
	n := &fakeNotifier{}
	d := &Driver{
		Tracker:  trk,
		Notifier: n,
		Config:   testConfig(t),
		RunTicket: func(ctx context.Context, id domain.TicketID, opts pipeline.Options) *domain.PipelineResult {
			if !opts.DryRun {
				t.Errorf("DryRun not propagated to pipeline options")
			}
			return &domain.PipelineResult{Ticket: id, Succeeded: true}
		},
	}

	if _, err := d.Run(context.Background(), RunOptions{DryRun: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(n.calls) != 0 {
		t.Errorf("notifier called on dry run: %v", n.calls)
	}
}

func TestEntryValidate(t *testing.T) {
	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"valid", Entry{Name: "nightly", Cron: "0 2 * * *", Label: "autopilot"}, false},
		{"missing name", Entry{Cron: "0 2 * * *", Label: "autopilot"}, true},
		{"bad cron", Entry{Name: "nightly", Cron: "not a cron", Label: "autopilot"}, true},
		{"missing label", Entry{Name: "nightly", Cron: "0 2 * * *"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedule.toml")
	content := `
[[entry]]
name = "nightly"
cron = "0 2 * * *"
label = "autopilot"
limit = 20
workers = 4
notify_on_complete = true

[[entry]]
name = "hourly-docs"
cron = "0 * * * *"
label = "autopilot-docs"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("LoadSchedule() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Limit != 20 || entries[0].Workers != 4 || !entries[0].NotifyOnComplete {
		t.Errorf("first entry = %+v, not parsed fully", entries[0])
	}
}

func TestLoadSchedule_MissingFileIsEmpty(t *testing.T) {
	entries, err := LoadSchedule(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadSchedule() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries, want 0", len(entries))
	}
}

func TestScheduler_ShouldRun(t *testing.T) {
	entry := Entry{Name: "hourly", Cron: "0 * * * *", Label: "autopilot"}
	s := NewScheduler(nil, []Entry{entry})

	onTheHour := time.Date(2026, 3, 14, 15, 0, 30, 0, time.UTC)
	if !s.ShouldRun(entry, onTheHour) {
		t.Errorf("ShouldRun() = false at the top of the hour")
	}

	offHour := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	if s.ShouldRun(entry, offHour) {
		t.Errorf("ShouldRun() = true mid-hour")
	}
}

func TestScheduler_RunningEntryIsNotDue(t *testing.T) {
	entry := Entry{Name: "hourly", Cron: "0 * * * *", Label: "autopilot"}
	s := NewScheduler(nil, []Entry{entry})

	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	s.markRunning(entry.Name, now)
	if s.ShouldRun(entry, now.Add(time.Hour)) {
		t.Errorf("ShouldRun() = true while entry is still running")
	}
	s.markComplete(entry.Name)
	if !s.ShouldRun(entry, now.Add(time.Hour)) {
		t.Errorf("ShouldRun() = false after entry completed")
	}
}

func TestScheduler_DoesNotReplayMissedSlots(t *testing.T) {
	entry := Entry{Name: "hourly", Cron: "0 * * * *", Label: "autopilot"}
	s := NewScheduler(nil, []Entry{entry})

	now := time.Date(2026, 3, 14, 15, 0, 10, 0, time.UTC)
	s.markRunning(entry.Name, now)
	s.markComplete(entry.Name)

	// Three hours later (process was suspended): runs once for the
	// current due slot, not three times
	later := time.Date(2026, 3, 14, 18, 0, 10, 0, time.UTC)
	if !s.ShouldRun(entry, later) {
		t.Fatalf("ShouldRun() = false after missed slots")
	}
	s.markRunning(entry.Name, later)
	s.markComplete(entry.Name)
	if s.ShouldRun(entry, later.Add(time.Second)) {
		t.Errorf("ShouldRun() = true again within the same slot")
	}
}
