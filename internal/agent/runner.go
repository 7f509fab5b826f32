// Package agent runs the coding agent CLI in a workspace with an
// enforced capability allowlist and bounded budgets.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Request describes one agent invocation
type Request struct {
	WorkDir      string
	Prompt       string
	AllowedTools []string
	MaxTurns     int
	Timeout      time.Duration
}

// Result is the outcome of one agent invocation. A non-zero exit code is
// not an error; the caller classifies the output.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration

	// Token usage parsed from the result message, when present
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}

// Runner executes agent requests
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// CLIRunner runs the claude CLI as a subprocess
type CLIRunner struct {
	binary string
}

// NewCLIRunner creates a runner for the given agent binary
func NewCLIRunner(binary string) *CLIRunner {
	if binary == "" {
		binary = "claude"
	}
	return &CLIRunner{binary: binary}
}

// Run invokes the agent once and waits for it to finish. The capability
// allowlist is passed via --allowedTools; permission prompts are never
// skipped, so a denied tool call surfaces in the output for the caller
// to classify.
func (r *CLIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Prompt == "" {
		return nil, errors.New("agent request has no prompt")
	}
	if req.WorkDir == "" {
		return nil, errors.New("agent request has no working directory")
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{
		"--print",
		"--verbose",
		"--output-format", "stream-json",
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	args = append(args, "-p", req.Prompt)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = req.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.binary, err)
	}
	waitErr := cmd.Wait()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		// Make sure the downstream classifier sees the timeout even
		// when the process died without a word.
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += fmt.Sprintf("agent timed out after %s", req.Timeout)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else if !res.TimedOut {
			return nil, fmt.Errorf("waiting for %s: %w", r.binary, waitErr)
		}
		if res.ExitCode == 0 {
			res.ExitCode = 1
		}
	}

	parseUsage(res)
	return res, nil
}

// resultMessage is the final result line of the stream-json output
type resultMessage struct {
	Type  string `json:"type"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// parseUsage scans the stream output for the result message and records
// token usage
func parseUsage(res *Result) {
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		var msg resultMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Type == "result" {
			res.TokensInput = msg.Usage.InputTokens
			res.TokensOutput = msg.Usage.OutputTokens
			res.CostUSD = msg.CostUSD
		}
	}
}
