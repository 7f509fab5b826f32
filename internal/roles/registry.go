package roles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a role name is not in the registry
var ErrNotFound = errors.New("role not found")

// Registry loads, validates and caches the role set. Reads are served from
// the cache; the only mutation path is Add, which persists the file and
// swaps the cache together so readers never observe a partial write.
type Registry struct {
	path string

	mu    sync.RWMutex
	roles map[string]Definition
}

// Load reads and validates the role-set file. Any validation failure is
// fatal: an orchestrator must not start with a role set it cannot trust.
func Load(path string) (*Registry, error) {
	roles, err := readRoleFile(path)
	if err != nil {
		return nil, err
	}
	if err := ValidateSet(roles); err != nil {
		return nil, fmt.Errorf("invalid role set %s: %w", path, err)
	}
	return &Registry{path: path, roles: roles}, nil
}

func readRoleFile(path string) (map[string]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading role set: %w", err)
	}
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing role set %s: %w", path, err)
	}
	if len(file.Roles) == 0 {
		return nil, fmt.Errorf("role set %s defines no roles", path)
	}
	return file.Roles, nil
}

// Reload re-reads the role-set file, replacing the cache only if the new
// set validates. Used by the file watcher to pick up external changes.
func (r *Registry) Reload() error {
	roles, err := readRoleFile(r.path)
	if err != nil {
		return err
	}
	if err := ValidateSet(roles); err != nil {
		return fmt.Errorf("invalid role set %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.roles = roles
	r.mu.Unlock()
	return nil
}

// Resolve returns the role with its parent's capabilities merged in
func (r *Registry) Resolve(name string) (Resolved, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.roles[name]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: %q (available: %v)", ErrNotFound, name, r.namesLocked())
	}
	return resolveDefinition(name, def, r.roles), nil
}

// Has reports whether a role name exists
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[name]
	return ok
}

// List returns all resolved roles, sorted by name
func (r *Registry) List() []Resolved {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Resolved, 0, len(r.roles))
	for name, def := range r.roles {
		out = append(out, resolveDefinition(name, def, r.roles))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add registers a new role, re-validating the whole set including the new
// entry, then persists the file and updates the cache atomically together.
func (r *Registry) Add(name string, def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.roles[name]; exists {
		return fmt.Errorf("role %q already exists", name)
	}

	next := make(map[string]Definition, len(r.roles)+1)
	for k, v := range r.roles {
		next[k] = v
	}
	next[name] = def

	if err := ValidateSet(next); err != nil {
		return fmt.Errorf("adding role %q: %w", name, err)
	}
	if err := writeRoleFile(r.path, next); err != nil {
		return fmt.Errorf("persisting role set: %w", err)
	}
	r.roles = next
	return nil
}

// writeRoleFile persists via temp file + rename so a crash mid-write never
// leaves a truncated role set behind.
func writeRoleFile(path string, roles map[string]Definition) error {
	data, err := yaml.Marshal(File{Roles: roles})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".roles-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveDefinition merges a role with its parent: the deduplicated union
// of parent and own capabilities, parent entries first.
func resolveDefinition(name string, def Definition, all map[string]Definition) Resolved {
	seen := make(map[string]bool)
	var caps []string
	add := func(list []string) {
		for _, c := range list {
			if !seen[c] {
				seen[c] = true
				caps = append(caps, c)
			}
		}
	}
	if def.Extends != "" {
		if parent, ok := all[def.Extends]; ok {
			add(parent.Capabilities)
		}
	}
	add(def.Capabilities)

	return Resolved{
		Name:         name,
		Description:  def.Description,
		Capabilities: caps,
		MaxSteps:     def.MaxSteps,
		MaxSpendUSD:  def.MaxSpendUSD,
	}
}
