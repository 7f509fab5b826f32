package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // checked in priority order, first match wins
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata for templates.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
}

// NewLoader creates a loader with the given override directories.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Project-local: .ticketsmith/prompts/
// 2. User config: ~/.config/ticketsmith/prompts/
func DefaultLoader(projectRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".ticketsmith", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "ticketsmith", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or embedded FS.
func (l *Loader) loadContent(path string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		fullPath := filepath.Join(dir, path)
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "templates/implement.md").
func (l *Loader) LoadTemplate(path string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[path]; ok {
		meta := l.metaCache[path]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}

	tmpl, err := template.New(path).Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = tmpl
	l.metaCache[path] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(path string, data interface{}) (string, error) {
	tmpl, _, err := l.LoadTemplate(path)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", path, err)
	}

	return buf.String(), nil
}

// PriorAttempt summarizes one failed attempt for the retry prompt.
type PriorAttempt struct {
	Ordinal int
	Summary string
}

// ImplementData holds template variables for the implementation prompt.
type ImplementData struct {
	TicketID      string
	Title         string
	Description   string
	ProjectNotes  string
	BaseBranch    string
	TestCommand   string
	LintCommand   string
	BuildCommand  string
	PriorAttempts []PriorAttempt
}

// ReviewData holds template variables for the review prompt.
type ReviewData struct {
	TicketID    string
	Title       string
	Description string
	Diff        string
}

// FollowupData holds template variables for follow-up ticket bodies.
type FollowupData struct {
	TicketID string
	PRURL    string
	Issues   []string
}

// BuildImplementPrompt renders the implementation prompt.
func (l *Loader) BuildImplementPrompt(data ImplementData) (string, error) {
	return l.Execute("templates/implement.md", data)
}

// BuildReviewPrompt renders the read-only review prompt.
func (l *Loader) BuildReviewPrompt(data ReviewData) (string, error) {
	return l.Execute("templates/review.md", data)
}

// BuildFollowupBody renders the body of a follow-up ticket.
func (l *Loader) BuildFollowupBody(data FollowupData) (string, error) {
	return l.Execute("templates/followup.md", data)
}

// ClearCache clears the template cache (useful for tests).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
