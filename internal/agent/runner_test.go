package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_RejectsEmptyRequest(t *testing.T) {
	r := NewCLIRunner("claude")

	if _, err := r.Run(context.Background(), Request{WorkDir: "/tmp"}); err == nil {
		t.Error("empty prompt should be rejected")
	}
	if _, err := r.Run(context.Background(), Request{Prompt: "do it"}); err == nil {
		t.Error("empty working directory should be rejected")
	}
}

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	// A stand-in binary that ignores the CLI flags and prints a result line
	r := NewCLIRunner(writeFakeAgent(t, `#!/bin/sh
echo '{"type":"result","usage":{"input_tokens":120,"output_tokens":45},"cost_usd":0.07}'
echo "something went wrong" >&2
exit 3
`))

	res, err := r.Run(context.Background(), Request{
		WorkDir: t.TempDir(),
		Prompt:  "implement the thing",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "something went wrong") {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if res.TokensInput != 120 || res.TokensOutput != 45 {
		t.Errorf("tokens = %d/%d, want 120/45", res.TokensInput, res.TokensOutput)
	}
	if res.CostUSD != 0.07 {
		t.Errorf("CostUSD = %v", res.CostUSD)
	}
	if res.TimedOut {
		t.Error("TimedOut should be false")
	}
}

func TestRun_TimeoutMarksResult(t *testing.T) {
	r := NewCLIRunner(writeFakeAgent(t, "#!/bin/sh\nsleep 10\n"))

	res, err := r.Run(context.Background(), Request{
		WorkDir: t.TempDir(),
		Prompt:  "implement the thing",
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut {
		t.Error("TimedOut should be true")
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("Stderr should carry a timeout marker, got %q", res.Stderr)
	}
	if res.ExitCode == 0 {
		t.Error("timed-out run must not report exit 0")
	}
}

func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSaveTranscript(t *testing.T) {
	dir := t.TempDir()
	res := &Result{Stdout: "did the work", Stderr: "a warning", ExitCode: 0, Duration: 2 * time.Second}

	path, err := SaveTranscript(dir, "ENG-123", 2, res)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "attempt-2.log" {
		t.Errorf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "did the work") || !strings.Contains(content, "a warning") {
		t.Errorf("transcript missing output: %s", content)
	}
	if !strings.Contains(path, "eng-123") {
		t.Errorf("transcript dir should use the lowercased ticket id, got %s", path)
	}
}
