package pipeline

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fernwerk/ticketsmith/internal/config"
)

// validate checks an attempt's output: new commits plus the project's
// configured test, lint and build commands. Returns one finding per
// failed check; empty means valid.
func (o *Orchestrator) validate(ctx context.Context, wtPath string, project *config.ProjectConfig) []string {
	var findings []string

	has, err := o.Workspaces.HasNewCommits(wtPath, project.BaseBranch)
	if err != nil {
		findings = append(findings, "checking commits: "+err.Error())
	} else if !has {
		findings = append(findings, "no new commits on the work branch")
	}

	checks := []struct {
		name    string
		command string
	}{
		{"test", project.TestCommand},
		{"lint", project.LintCommand},
		{"build", project.BuildCommand},
	}
	for _, check := range checks {
		if check.command == "" {
			continue
		}
		out, err := runShell(ctx, wtPath, check.command)
		if err != nil {
			findings = append(findings,
				fmt.Sprintf("%s command `%s` failed: %s", check.name, check.command, bound(tail(out))))
		}
	}

	return findings
}

// runShell runs a project command the way a developer would type it
func runShell(ctx context.Context, dir, command string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// tail keeps the end of command output, where test runners put the
// failure summary
func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return strings.Join(lines, "\n")
}
