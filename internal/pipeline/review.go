package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/fernwerk/ticketsmith/internal/agent"
	"github.com/fernwerk/ticketsmith/internal/domain"
	"github.com/fernwerk/ticketsmith/internal/prompts"
)

// review runs the read-only review sub-run against the PR. It never
// fails the pipeline; anything going wrong degrades to "not approved".
func (o *Orchestrator) review(ctx context.Context, ticket *domain.Ticket, wtPath string, prNum int) *domain.ReviewVerdict {
	degrade := func(reason string, err error) *domain.ReviewVerdict {
		if err != nil {
			log.Printf("warning: review of %s: %s: %v", ticket.ID, reason, err)
			reason = fmt.Sprintf("%s: %v", reason, err)
		}
		return &domain.ReviewVerdict{Approved: false, Summary: "review unavailable: " + reason}
	}

	reviewer, err := o.Roles.Resolve(o.Config.General.ReviewerRole)
	if err != nil {
		return degrade("resolving reviewer role", err)
	}

	diff, err := o.Host.Diff(prNum)
	if err != nil {
		return degrade("fetching diff", err)
	}

	prompt, err := o.Prompts.BuildReviewPrompt(prompts.ReviewData{
		TicketID:    ticket.ID.String(),
		Title:       ticket.Title,
		Description: ticket.Description,
		Diff:        diff,
	})
	if err != nil {
		return degrade("building prompt", err)
	}

	res, err := o.Runner.Run(ctx, agent.Request{
		WorkDir:      wtPath,
		Prompt:       prompt,
		AllowedTools: reviewer.Capabilities,
		MaxTurns:     reviewer.MaxSteps,
		Timeout:      o.Config.Agent.ReviewTimeout(),
	})
	if err != nil {
		return degrade("running review agent", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		return degrade(fmt.Sprintf("review agent exited %d", res.ExitCode), nil)
	}

	verdict, err := ParseVerdict(res.Stdout)
	if err != nil {
		return degrade("parsing verdict", err)
	}
	return verdict
}

// ParseVerdict extracts the structured verdict from review output. The
// agent is told to end with a JSON object carrying an "approved" key;
// surrounding prose is tolerated, and the last such object wins.
func ParseVerdict(output string) (*domain.ReviewVerdict, error) {
	for i := len(output) - 1; i >= 0; i-- {
		if output[i] != '{' {
			continue
		}
		end, ok := balancedEnd(output, i)
		if !ok {
			continue
		}
		candidate := output[i : end+1]

		// Require the approved key to be present, not defaulted
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
			continue
		}
		if _, has := probe["approved"]; !has {
			continue
		}

		var verdict domain.ReviewVerdict
		if err := json.Unmarshal([]byte(candidate), &verdict); err != nil {
			continue
		}
		return &verdict, nil
	}
	return nil, fmt.Errorf("no verdict object in review output")
}

// balancedEnd finds the index of the brace closing the object that
// starts at start, respecting strings and escapes
func balancedEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i, true
				}
			}
		}
	}
	return 0, false
}
