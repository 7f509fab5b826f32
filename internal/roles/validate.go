package roles

import (
	"fmt"
	"strings"
)

// Capability strings carry the executor's prefix semantics: Bash(git
// commit:*) grants any shell command starting with "git commit". The
// validator must therefore match by prefix too; exact-string comparison
// would be bypassable by appending a suffix to a forbidden pattern.
//
// The forbidden lists are a maintained allowlist of known-dangerous
// prefixes. New executor capabilities are not covered until added here;
// that residual risk is accepted.
var forbiddenShellPrefixes = []string{
	"sudo",
	"rm -rf",
	"git push",
	"curl",
	"wget",
}

var forbiddenToolPrefixes = []string{
	"WebFetch",
	"WebSearch",
}

// ValidateSet checks the whole role set: capability safety on the resolved
// capability list of every role, plus extends constraints. Any violation
// fails the entire set (fail closed).
func ValidateSet(defs map[string]Definition) error {
	for name, def := range defs {
		if def.Extends != "" {
			parent, ok := defs[def.Extends]
			if !ok {
				return fmt.Errorf("role %q extends unknown role %q", name, def.Extends)
			}
			if parent.Extends != "" {
				return fmt.Errorf("role %q extends %q which itself has a parent; extends chains are not allowed", name, def.Extends)
			}
		}
		if def.MaxSteps <= 0 {
			return fmt.Errorf("role %q: max_steps must be positive", name)
		}
		if def.MaxSpendUSD <= 0 {
			return fmt.Errorf("role %q: max_spend_usd must be positive", name)
		}

		resolved := resolveDefinition(name, def, defs)
		for _, c := range resolved.Capabilities {
			if err := validateCapability(c); err != nil {
				return fmt.Errorf("role %q: %w", name, err)
			}
		}
	}
	return nil
}

func validateCapability(capability string) error {
	capability = strings.TrimSpace(capability)
	if capability == "" {
		return fmt.Errorf("empty capability")
	}

	if pattern, ok := shellPattern(capability); ok {
		if pattern == "" || pattern == "*" {
			return fmt.Errorf("capability %q grants unrestricted shell access", capability)
		}
		for _, prefix := range forbiddenShellPrefixes {
			if strings.HasPrefix(pattern, prefix) {
				return fmt.Errorf("capability %q matches forbidden pattern %q", capability, prefix)
			}
		}
		return nil
	}

	if capability == "Bash" {
		return fmt.Errorf("capability %q grants unrestricted shell access", capability)
	}
	for _, prefix := range forbiddenToolPrefixes {
		if strings.HasPrefix(capability, prefix) {
			return fmt.Errorf("capability %q matches forbidden pattern %q", capability, prefix)
		}
	}
	return nil
}

// shellPattern extracts the command pattern from Bash(<pattern>) or
// Bash(<pattern>:*) capabilities. The trailing :* glob is the executor's
// prefix marker and is stripped before prefix checks.
func shellPattern(capability string) (string, bool) {
	if !strings.HasPrefix(capability, "Bash(") || !strings.HasSuffix(capability, ")") {
		return "", false
	}
	pattern := capability[len("Bash(") : len(capability)-1]
	pattern = strings.TrimSuffix(pattern, ":*")
	return strings.TrimSpace(pattern), true
}
