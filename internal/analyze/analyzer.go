// Package analyze classifies failed agent runs from their transcripts.
package analyze

import (
	"regexp"
	"strings"
)

// Class is the failure category assigned to a run
type Class string

const (
	ClassCapabilityDenied    Class = "capability-denied"
	ClassBudgetExhausted     Class = "budget-exhausted"
	ClassTimedOut            Class = "timed-out"
	ClassImplementationError Class = "implementation-error"
)

// Analysis is the classification of a failed run
type Analysis struct {
	Class               Class
	MissingCapabilities []string
	Confidence          float64
	Evidence            string
}

const maxEvidenceLen = 300

// Structured denial messages carry the tool or command that was blocked.
// All matches are collected; a run may trip over several capabilities.
var structuredDenialRegexes = []*regexp.Regexp{
	regexp.MustCompile(`requested permissions? to use ([A-Za-z][A-Za-z0-9_]*(?:\([^)]*\))?), but`),
	regexp.MustCompile(`permission to use ([A-Za-z][A-Za-z0-9_]*(?:\([^)]*\))?) (?:was |has been )?denied`),
	regexp.MustCompile(`(?m)operation ['"]?([^'"\n]+?)['"]? is not allowed`),
	regexp.MustCompile(`(?m)^\s*([A-Za-z][A-Za-z0-9_]*\([^)]*\)) is not allowed`),
}

var genericDenialRegex = regexp.MustCompile(`(?i)(permission denied|not allowed|not permitted|denied by policy)`)

var budgetRegex = regexp.MustCompile(`(?i)\b(max turns reached|maximum number of turns|step limit reached|spend limit|cost limit exceeded|budget exhausted)\b`)

// Word-boundary match only: "timeout" appears inside harmless config field
// names like http_timeout_seconds, which must not classify a run.
var timeoutRegex = regexp.MustCompile(`(?i)\b(timed out|timeout|deadline exceeded)\b`)

// Classify inspects a failed run's combined output and assigns a failure class.
// Rules are ordered; the first category with a match wins, except that
// structured capability denials are collected exhaustively first.
func Classify(stdout, stderr string) Analysis {
	text := stdout + "\n" + stderr

	if caps := extractDeniedCapabilities(text); len(caps) > 0 {
		return Analysis{
			Class:               ClassCapabilityDenied,
			MissingCapabilities: caps,
			Confidence:          0.9,
			Evidence:            firstMatchLine(text, structuredDenialRegexes...),
		}
	}

	if loc := genericDenialRegex.FindStringIndex(text); loc != nil {
		return Analysis{
			Class:      ClassCapabilityDenied,
			Confidence: 0.5,
			Evidence:   lineAround(text, loc[0]),
		}
	}

	if loc := budgetRegex.FindStringIndex(text); loc != nil {
		return Analysis{
			Class:      ClassBudgetExhausted,
			Confidence: 0.8,
			Evidence:   lineAround(text, loc[0]),
		}
	}

	if loc := timeoutRegex.FindStringIndex(text); loc != nil {
		return Analysis{
			Class:      ClassTimedOut,
			Confidence: 0.8,
			Evidence:   lineAround(text, loc[0]),
		}
	}

	// Unclassified failures default to the agent's fault, which biases
	// the pipeline toward retrying instead of escalating.
	return Analysis{
		Class:      ClassImplementationError,
		Confidence: 0.3,
		Evidence:   lastLine(text),
	}
}

// extractDeniedCapabilities collects every distinct denied capability,
// normalized into capability-pattern form.
func extractDeniedCapabilities(text string) []string {
	seen := make(map[string]bool)
	var caps []string
	for _, re := range structuredDenialRegexes {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			name := NormalizeCapability(m[1])
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			caps = append(caps, name)
		}
	}
	return caps
}

var toolNameRegex = regexp.MustCompile(`^[A-Z][A-Za-z0-9_]*(\([^)]*\))?$`)

// NormalizeCapability converts a denied operation into capability-pattern
// form. Tool patterns like Bash(git commit:*) pass through; bare shell
// commands like "git fetch" become Bash(git fetch:*).
func NormalizeCapability(name string) string {
	name = strings.Trim(strings.TrimSpace(name), `'"`)
	if name == "" {
		return ""
	}
	if toolNameRegex.MatchString(name) {
		return name
	}
	return "Bash(" + name + ":*)"
}

func firstMatchLine(text string, regexes ...*regexp.Regexp) string {
	best := -1
	for _, re := range regexes {
		if loc := re.FindStringIndex(text); loc != nil && (best == -1 || loc[0] < best) {
			best = loc[0]
		}
	}
	if best == -1 {
		return ""
	}
	return lineAround(text, best)
}

func lineAround(text string, pos int) string {
	start := strings.LastIndexByte(text[:pos], '\n') + 1
	end := strings.IndexByte(text[pos:], '\n')
	if end == -1 {
		end = len(text)
	} else {
		end += pos
	}
	return bound(strings.TrimSpace(text[start:end]))
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return bound(l)
		}
	}
	return ""
}

func bound(s string) string {
	if len(s) > maxEvidenceLen {
		return s[:maxEvidenceLen]
	}
	return s
}
