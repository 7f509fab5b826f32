// Package roles holds the tool-access registry: named capability sets with
// step and spend caps that agent runs are sandboxed to.
package roles

import "time"

// Audit records who created a role and why
type Audit struct {
	CreatedBy string    `yaml:"created_by,omitempty"`
	Reason    string    `yaml:"reason,omitempty"`
	CreatedAt time.Time `yaml:"created_at,omitempty"`
}

// Definition is one role as written in the role-set file
type Definition struct {
	Description  string   `yaml:"description,omitempty"`
	Extends      string   `yaml:"extends,omitempty"`
	Capabilities []string `yaml:"capabilities"`
	MaxSteps     int      `yaml:"max_steps"`
	MaxSpendUSD  float64  `yaml:"max_spend_usd"`
	Audit        *Audit   `yaml:"audit,omitempty"`
}

// File is the on-disk role-set format
type File struct {
	Roles map[string]Definition `yaml:"roles"`
}

// Resolved is a role with its parent's capabilities merged in
type Resolved struct {
	Name         string
	Description  string
	Capabilities []string
	MaxSteps     int
	MaxSpendUSD  float64
}

// EffectiveSteps caps a requested step budget at the role's ceiling.
// A zero request means "as much as the role allows".
func (r Resolved) EffectiveSteps(requested int) int {
	if requested <= 0 || requested > r.MaxSteps {
		return r.MaxSteps
	}
	return requested
}

// EffectiveSpend caps a requested spend budget at the role's ceiling
func (r Resolved) EffectiveSpend(requested float64) float64 {
	if requested <= 0 || requested > r.MaxSpendUSD {
		return r.MaxSpendUSD
	}
	return requested
}

// HasCapability reports whether the resolved role grants the exact capability
func (r Resolved) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
