package roles

import (
	"fmt"
	"log"
	"strings"

	"github.com/fernwerk/ticketsmith/internal/domain"
)

// DispatchResult names the role chosen for a run and why
type DispatchResult struct {
	Role   string
	Reason string
}

// Dispatch maps a ticket's labels to a role. A role:<name> label selects
// that role when it exists; anything else falls back to the default role.
// A bad label must never fail the pipeline.
func (r *Registry) Dispatch(labels []string, fallback string) DispatchResult {
	for _, label := range labels {
		if !strings.HasPrefix(label, domain.RoleLabelPrefix) {
			continue
		}
		name := strings.TrimPrefix(label, domain.RoleLabelPrefix)
		if r.Has(name) {
			return DispatchResult{
				Role:   name,
				Reason: fmt.Sprintf("selected by label %q", label),
			}
		}
		log.Printf("warning: label %q names unknown role, falling back to %q", label, fallback)
		return DispatchResult{
			Role:   fallback,
			Reason: fmt.Sprintf("label %q names an unknown role; using fallback %q", label, fallback),
		}
	}
	return DispatchResult{
		Role:   fallback,
		Reason: fmt.Sprintf("no role label; using default %q", fallback),
	}
}
