// Package workspace manages isolated git worktrees for agent runs.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// Manager handles git worktree operations for one repository
type Manager struct {
	repoDir     string
	worktreeDir string
}

// NewManager creates a Manager rooted at repoDir, placing worktrees
// under worktreeDir
func NewManager(repoDir, worktreeDir string) *Manager {
	return &Manager{
		repoDir:     repoDir,
		worktreeDir: worktreeDir,
	}
}

// BranchName returns the work branch for a ticket, e.g. autopilot/eng-123
func BranchName(id domain.TicketID) string {
	return "autopilot/" + strings.ToLower(id.String())
}

// Create creates a fresh worktree for a ticket, branched off baseBranch.
// Leftovers from a previous run on the same ticket are cleaned up first.
func (m *Manager) Create(id domain.TicketID, baseBranch string) (string, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}

	branch := BranchName(id)
	if err := m.cleanupExistingBranch(branch); err != nil {
		return "", fmt.Errorf("cleaning up existing branch: %w", err)
	}

	wtPath := filepath.Join(m.worktreeDir, strings.ToLower(id.String()))

	// Fetch latest base first. Ignore error, the remote might not exist
	// in local-only repos.
	fetchCmd := exec.Command("git", "fetch", "origin", baseBranch)
	fetchCmd.Dir = m.repoDir
	fetchCmd.Run()

	// Branch from origin/<base> when it exists, otherwise the local base
	base := "origin/" + baseBranch
	checkCmd := exec.Command("git", "rev-parse", "--verify", base)
	checkCmd.Dir = m.repoDir
	if checkCmd.Run() != nil {
		base = baseBranch
		checkCmd = exec.Command("git", "rev-parse", "--verify", base)
		checkCmd.Dir = m.repoDir
		if checkCmd.Run() != nil {
			base = "HEAD"
		}
	}

	cmd := exec.Command("git", "worktree", "add", "-b", branch, wtPath, base)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}

	return wtPath, nil
}

// cleanupExistingBranch removes any worktree and branch left over from a
// previous run on the same ticket
func (m *Manager) cleanupExistingBranch(branch string) error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.repoDir
	cmd.Run()

	cmd = exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	out, _ := cmd.Output()

	lines := strings.Split(string(out), "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "worktree ") {
			continue
		}
		wtPath := strings.TrimPrefix(line, "worktree ")
		// The branch line follows within the same porcelain stanza
		for j := i + 1; j < len(lines) && j < i+4; j++ {
			if strings.TrimSpace(lines[j]) == "branch refs/heads/"+branch {
				rmCmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
				rmCmd.Dir = m.repoDir
				rmCmd.Run() // ignore error
				break
			}
		}
	}

	// Delete orphan branches from previous runs. Ignore error, the
	// branch might not exist.
	cmd = exec.Command("git", "branch", "-D", branch)
	cmd.Dir = m.repoDir
	cmd.Run()

	return nil
}

// HasNewCommits reports whether the worktree's branch has commits that
// the base branch does not
func (m *Manager) HasNewCommits(wtPath, baseBranch string) (bool, error) {
	base := "origin/" + baseBranch
	checkCmd := exec.Command("git", "rev-parse", "--verify", base)
	checkCmd.Dir = wtPath
	if checkCmd.Run() != nil {
		base = baseBranch
	}

	cmd := exec.Command("git", "rev-list", "--count", base+"..HEAD")
	cmd.Dir = wtPath
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git rev-list: %w", err)
	}
	return strings.TrimSpace(string(out)) != "0", nil
}

// Push pushes the worktree's branch to origin
func (m *Manager) Push(wtPath string) error {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = wtPath
	branchOut, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("resolving branch: %w", err)
	}
	branch := strings.TrimSpace(string(branchOut))

	cmd = exec.Command("git", "push", "--force-with-lease", "-u", "origin", branch)
	cmd.Dir = wtPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push: %s: %w", out, err)
	}
	return nil
}

// Remove removes a worktree and its branch
func (m *Manager) Remove(wtPath string) error {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = wtPath
	branchOut, _ := cmd.Output()
	branch := strings.TrimSpace(string(branchOut))

	cmd = exec.Command("git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %s: %w", out, err)
	}

	if branch != "" && branch != "HEAD" {
		cmd = exec.Command("git", "branch", "-D", branch)
		cmd.Dir = m.repoDir
		cmd.Run() // ignore error if branch doesn't exist
	}

	return nil
}

// DeleteRemoteBranch deletes a branch on origin. Used on failure paths
// only; a successful run's PR still references its branch.
func (m *Manager) DeleteRemoteBranch(branch string) error {
	cmd := exec.Command("git", "push", "origin", "--delete", branch)
	cmd.Dir = m.repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push --delete: %s: %w", out, err)
	}
	return nil
}

// List returns all active worktree paths under the manager's directory
func (m *Manager) List() ([]string, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.repoDir
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(path, m.worktreeDir) {
				paths = append(paths, path)
			}
		}
	}

	return paths, nil
}
