package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SaveTranscript writes the full output of one attempt under
// <dir>/<ticket>/attempt-<ordinal>.log and returns the path. Written via
// temp file and rename so readers never see a partial transcript.
func SaveTranscript(dir, ticket string, ordinal int, res *Result) (string, error) {
	ticketDir := filepath.Join(dir, strings.ToLower(ticket))
	if err := os.MkdirAll(ticketDir, 0755); err != nil {
		return "", fmt.Errorf("creating transcript dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# attempt %d, recorded %s\n", ordinal, time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "# exit %d, duration %s, timed_out %t\n\n", res.ExitCode, res.Duration.Round(time.Second), res.TimedOut)
	b.WriteString(res.Stdout)
	if res.Stderr != "" {
		b.WriteString("\n--- stderr ---\n")
		b.WriteString(res.Stderr)
	}

	path := filepath.Join(ticketDir, fmt.Sprintf("attempt-%d.log", ordinal))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("writing transcript: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("renaming transcript: %w", err)
	}
	return path, nil
}
