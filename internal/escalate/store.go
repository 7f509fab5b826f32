package escalate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// ErrNotFound is returned when a proposal id does not exist
var ErrNotFound = errors.New("proposal not found")

// Store persists proposals as one JSON file per proposal
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store rooted at dir
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating proposal dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Create files a new pending proposal. Creation is idempotent: if a
// pending proposal for the same ticket and base role already exists,
// it is returned instead of a duplicate, with created false. A second
// denial on the same pair waits for the human decision already in
// flight.
func (s *Store) Create(ticketID domain.TicketID, baseRole string, missing []string, evidence string) (*Proposal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.findPendingLocked(ticketID, baseRole)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	p := &Proposal{
		ID:                  uuid.NewString(),
		TicketID:            ticketID,
		BaseRole:            baseRole,
		ProposedRole:        fmt.Sprintf("%s-%s", baseRole, strings.ToLower(ticketID.String())),
		MissingCapabilities: missing,
		Evidence:            evidence,
		Status:              StatusPending,
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.writeLocked(p); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// Get returns a proposal by id
func (s *Store) Get(id string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(id)
}

// List returns all proposals, newest first. An empty status matches all.
func (s *Store) List(status Status) ([]*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading proposal dir: %w", err)
	}

	var proposals []*Proposal
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		p, err := s.readLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// Skip files that are not proposals
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		proposals = append(proposals, p)
	}

	sort.Slice(proposals, func(i, j int) bool {
		return proposals[i].CreatedAt.After(proposals[j].CreatedAt)
	})
	return proposals, nil
}

// Update rewrites an existing proposal
func (s *Store) Update(p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readLocked(p.ID); err != nil {
		return err
	}
	return s.writeLocked(p)
}

func (s *Store) findPendingLocked(ticketID domain.TicketID, baseRole string) (*Proposal, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading proposal dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		p, err := s.readLocked(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if p.Status == StatusPending && p.TicketID == ticketID && p.BaseRole == baseRole {
			return p, nil
		}
	}
	return nil, nil
}

// path validates the id before touching the filesystem so a crafted id
// can never escape the store directory
func (s *Store) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid proposal id %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *Store) readLocked(id string) (*Proposal, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding proposal %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) writeLocked(p *Proposal) error {
	path, err := s.path(p.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing proposal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming proposal: %w", err)
	}
	return nil
}
