// Package codehost opens and annotates pull requests on the code host.
package codehost

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// CodeHost is the code-host surface the pipeline consumes
type CodeHost interface {
	// CreatePR pushes nothing; the branch must already be on origin.
	// Returns the PR number and URL.
	CreatePR(worktreePath, branch, title, body string) (int, string, error)

	// AddLabels adds labels to a PR
	AddLabels(prNumber int, labels []string) error

	// Comment posts a comment on a PR
	Comment(prNumber int, body string) error

	// Diff returns the full diff of a PR
	Diff(prNumber int) (string, error)
}

const prBodyTemplate = `## Summary
%s

## Ticket
[%s](%s)

## Attempts
%d attempt(s), last run %s

---
Automated implementation by ticketsmith
`

// BuildPRBody constructs the PR body for a completed run
func BuildPRBody(ticket *domain.Ticket, summary string, attempts int, duration string) string {
	return fmt.Sprintf(prBodyTemplate,
		summary,
		ticket.ID.String(),
		ticket.URL,
		attempts,
		duration,
	)
}

// PRTitle returns the PR title for a ticket
func PRTitle(ticket *domain.Ticket) string {
	return fmt.Sprintf("%s: %s", ticket.ID.String(), ticket.Title)
}

// GitHub creates PRs via the gh CLI
type GitHub struct {
	repoDir string
}

// NewGitHub creates a GitHub code host rooted at repoDir
func NewGitHub(repoDir string) *GitHub {
	return &GitHub{repoDir: repoDir}
}

// CreatePR creates a pull request using gh
func (g *GitHub) CreatePR(worktreePath, branch, title, body string) (int, string, error) {
	cmd := exec.Command("gh", "pr", "create",
		"--title", title,
		"--body", body,
		"--head", branch,
	)
	cmd.Dir = worktreePath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, "", fmt.Errorf("gh pr create: %s: %w", out, err)
	}

	url := lastLine(string(out))
	prNum := extractPRNumber(url)
	if prNum == 0 {
		return 0, "", fmt.Errorf("gh pr create returned no PR URL: %s", out)
	}
	return prNum, url, nil
}

// AddLabels adds labels to a PR
func (g *GitHub) AddLabels(prNumber int, labels []string) error {
	args := []string{"pr", "edit", fmt.Sprintf("%d", prNumber)}
	for _, label := range labels {
		args = append(args, "--add-label", label)
	}

	cmd := exec.Command("gh", args...)
	cmd.Dir = g.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gh pr edit: %s: %w", out, err)
	}
	return nil
}

// Comment posts a comment on a PR
func (g *GitHub) Comment(prNumber int, body string) error {
	cmd := exec.Command("gh", "pr", "comment", fmt.Sprintf("%d", prNumber),
		"--body", body,
	)
	cmd.Dir = g.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gh pr comment: %s: %w", out, err)
	}
	return nil
}

// Diff returns the full diff of a PR
func (g *GitHub) Diff(prNumber int) (string, error) {
	cmd := exec.Command("gh", "pr", "diff", fmt.Sprintf("%d", prNumber))
	cmd.Dir = g.repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gh pr diff: %w", err)
	}
	return string(out), nil
}

// lastLine returns the last non-empty line; gh prints the PR URL last,
// after any progress output
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

func extractPRNumber(url string) int {
	// URL format: https://github.com/owner/repo/pull/123
	parts := strings.Split(url, "/")
	if len(parts) > 0 {
		var num int
		fmt.Sscanf(parts[len(parts)-1], "%d", &num)
		return num
	}
	return 0
}
