package batch

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Entry is one scheduled batch in the schedule file
type Entry struct {
	Name             string `toml:"name"`
	Cron             string `toml:"cron"`
	Label            string `toml:"label"`
	Limit            int    `toml:"limit"`
	Workers          int    `toml:"workers"`
	NotifyOnComplete bool   `toml:"notify_on_complete"`
}

// ScheduleFile is the TOML document listing scheduled batches
type ScheduleFile struct {
	Entries []Entry `toml:"entry"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks the entry and fills defaults
func (e *Entry) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("schedule entry has no name")
	}
	if _, err := cronParser.Parse(e.Cron); err != nil {
		return fmt.Errorf("entry %q: invalid cron expression %q: %w", e.Name, e.Cron, err)
	}
	if e.Label == "" {
		return fmt.Errorf("entry %q: no ticket label", e.Name)
	}
	return nil
}

// LoadSchedule reads the schedule file. A missing file means an empty
// schedule, not an error.
func LoadSchedule(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading schedule file: %w", err)
	}

	var file ScheduleFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing schedule file: %w", err)
	}
	for i := range file.Entries {
		if err := file.Entries[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Entries, nil
}

// Scheduler fires batch runs on their cron schedules
type Scheduler struct {
	driver  *Driver
	entries []Entry

	mu      sync.Mutex
	lastRun map[string]time.Time
	running map[string]bool
}

// NewScheduler builds a scheduler over validated entries
func NewScheduler(driver *Driver, entries []Entry) *Scheduler {
	return &Scheduler{
		driver:  driver,
		entries: entries,
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
	}
}

// ShouldRun reports whether the entry is due at now. An entry already
// running never becomes due, however far behind it is.
func (s *Scheduler) ShouldRun(e Entry, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[e.Name] {
		return false
	}
	sched, err := cronParser.Parse(e.Cron)
	if err != nil {
		return false
	}
	last, ok := s.lastRun[e.Name]
	if !ok {
		// First tick after startup: only run if the entry is due within
		// the current minute, never replay missed slots
		last = now.Add(-time.Minute)
	}
	next := sched.Next(last)
	return !next.After(now)
}

// NextRun returns when the entry next fires after now
func (s *Scheduler) NextRun(e Entry, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(e.Cron)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

func (s *Scheduler) markRunning(name string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
	s.lastRun[name] = now
}

func (s *Scheduler) markComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
}

// Start runs the scheduler loop until ctx is canceled. Due entries run
// in their own goroutine so a long batch never delays the tick.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.entries) == 0 {
		return fmt.Errorf("schedule is empty")
	}
	for _, e := range s.entries {
		next, _ := s.NextRun(e, time.Now())
		log.Printf("schedule: %s (%s) next run %s", e.Name, e.Cron, next.Format(time.RFC3339))
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, e := range s.entries {
				if !s.ShouldRun(e, now) {
					continue
				}
				s.markRunning(e.Name, now)
				go func(e Entry) {
					defer s.markComplete(e.Name)
					s.runEntry(ctx, e)
				}(e)
			}
		}
	}
}

func (s *Scheduler) runEntry(ctx context.Context, e Entry) {
	log.Printf("schedule: starting batch %s", e.Name)
	summary, err := s.driver.Run(ctx, RunOptions{
		Label:   e.Label,
		Limit:   e.Limit,
		Workers: e.Workers,
		Quiet:   !e.NotifyOnComplete,
	})
	if err != nil {
		log.Printf("schedule: batch %s failed: %v", e.Name, err)
		return
	}
	log.Printf("schedule: batch %s finished: %d succeeded, %d failed in %s",
		e.Name, summary.Succeeded, summary.Failed, summary.Duration.Round(time.Second))
}
