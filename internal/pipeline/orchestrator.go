// Package pipeline runs the full per-ticket lifecycle: fetch, guard,
// workspace, agent attempts, validation, PR, review, reconcile.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fernwerk/ticketsmith/internal/agent"
	"github.com/fernwerk/ticketsmith/internal/analyze"
	"github.com/fernwerk/ticketsmith/internal/codehost"
	"github.com/fernwerk/ticketsmith/internal/config"
	"github.com/fernwerk/ticketsmith/internal/domain"
	"github.com/fernwerk/ticketsmith/internal/escalate"
	"github.com/fernwerk/ticketsmith/internal/prompts"
	"github.com/fernwerk/ticketsmith/internal/roles"
	"github.com/fernwerk/ticketsmith/internal/runstore"
	"github.com/fernwerk/ticketsmith/internal/tracker"
	"github.com/fernwerk/ticketsmith/internal/workspace"
)

// WorkspaceManager is the workspace surface the pipeline consumes
type WorkspaceManager interface {
	Create(id domain.TicketID, baseBranch string) (string, error)
	Remove(wtPath string) error
	Push(wtPath string) error
	HasNewCommits(wtPath, baseBranch string) (bool, error)
	DeleteRemoteBranch(branch string) error
}

// RoleRegistry is the role surface the pipeline consumes
type RoleRegistry interface {
	Resolve(name string) (roles.Resolved, error)
	Dispatch(labels []string, fallback string) roles.DispatchResult
}

// Escalator files proposals for capability-denied runs. The bool
// reports whether the proposal was freshly created rather than an
// existing pending one.
type Escalator interface {
	FileProposal(ctx context.Context, ticketID domain.TicketID, baseRole string, missing []string, evidence string) (*escalate.Proposal, bool, error)
}

// RunRecorder persists finished runs
type RunRecorder interface {
	RecordRun(run *runstore.Run) error
}

// Metrics receives pipeline observations
type Metrics interface {
	ObservePipeline(outcome string, d time.Duration)
	ObserveAttempt(classification string)
}

// Orchestrator wires the pipeline's dependencies. Store, Metrics and
// OnEvent are optional.
type Orchestrator struct {
	Tracker     tracker.Tracker
	Roles       RoleRegistry
	Workspaces  WorkspaceManager
	Runner      agent.Runner
	Host        codehost.CodeHost
	Prompts     *prompts.Loader
	Escalations Escalator
	Store       RunRecorder
	Metrics     Metrics
	Config      *config.Config
	OnEvent     EventFunc
}

// Options modify a single pipeline run
type Options struct {
	// DryRun stops after the fetch with zero side effects
	DryRun bool

	// Role overrides label dispatch
	Role string

	// BatchID links the recorded run to a batch
	BatchID *int64
}

const maxCommentErrLen = 500

// RunTicket executes the full pipeline for one ticket and returns its
// immutable result
func (o *Orchestrator) RunTicket(ctx context.Context, id domain.TicketID, opts Options) *domain.PipelineResult {
	start := time.Now()
	result := &domain.PipelineResult{Ticket: id}
	var attempts []domain.RunAttempt
	var roleName string
	var ticket *domain.Ticket

	defer func() {
		result.Duration = time.Since(start)
		result.Attempts = len(attempts)
		outcome := runstore.OutcomeOf(result)
		if o.Store != nil && !opts.DryRun {
			title := ""
			if ticket != nil {
				title = ticket.Title
			}
			if err := o.Store.RecordRun(runstore.FromResult(result, title, roleName, attempts, opts.BatchID)); err != nil {
				log.Printf("warning: recording run for %s: %v", id, err)
			}
		}
		if o.Metrics != nil {
			o.Metrics.ObservePipeline(outcome, result.Duration)
		}
		o.emit(EventDone, id, "", outcome)
	}()

	// Step 1: fetch. Nothing has been mutated, so failures are fatal
	// preconditions.
	o.emit(EventStage, id, "fetch", "")
	ticket, err := o.Tracker.Ticket(ctx, id)
	if err != nil {
		result.Err = perr(domain.FatalPrecondition, "fetch", err)
		return result
	}

	// Step 2: dry run stops here, before any side effect
	if opts.DryRun {
		result.Succeeded = true
		return result
	}

	// Step 3: preconditions
	o.emit(EventStage, id, "preconditions", "")
	project, err := o.preconditions(ctx, ticket)
	if err != nil {
		result.Err = err
		return result
	}

	// Step 4: move to in-progress. Best-effort, but remembered: it
	// gates the rollback at the end.
	transitioned := false
	if err := o.Tracker.Transition(ctx, id, domain.StateInProgress); err != nil {
		log.Printf("warning: transitioning %s to in_progress: %v", id, err)
	} else {
		transitioned = true
	}
	if err := o.Tracker.Comment(ctx, id, "Starting automated implementation."); err != nil {
		log.Printf("warning: commenting on %s: %v", id, err)
	}

	// Step 5: isolated workspace
	o.emit(EventStage, id, "workspace", "")
	wtPath, err := o.Workspaces.Create(id, project.BaseBranch)
	if err != nil {
		result.Err = perr(domain.Infrastructure, "workspace", err)
		o.rollback(id, transitioned, result.Err)
		return result
	}
	branch := workspace.BranchName(id)

	// Steps 14 and 15 have exactly one owner: this deferred teardown
	// runs once no matter which step fails below.
	defer func() {
		o.cleanup(wtPath, branch, result.Succeeded)
		if !result.Succeeded {
			o.rollback(id, transitioned, result.Err)
		}
	}()

	// Step 6: dispatch
	if opts.Role != "" {
		roleName = opts.Role
	} else {
		d := o.Roles.Dispatch(ticket.Labels, o.Config.General.DefaultRole)
		roleName = d.Role
		o.emit(EventStage, id, "dispatch", d.Reason)
	}
	resolved, err := o.Roles.Resolve(roleName)
	if err != nil {
		result.Err = perr(domain.FatalPrecondition, "dispatch", err)
		return result
	}

	// Step 7: attempt loop
	_, rerr := o.attemptLoop(ctx, ticket, project, wtPath, resolved, &attempts)
	if rerr != nil {
		result.Err = rerr
		return result
	}

	// Step 8: commit guard. The validator said the attempt is good,
	// verify there is actually something to push.
	has, err := o.Workspaces.HasNewCommits(wtPath, project.BaseBranch)
	if err != nil {
		result.Err = perr(domain.Infrastructure, "commit-guard", err)
		return result
	}
	if !has {
		result.Err = perr(domain.ValidationFailed, "commit-guard", fmt.Errorf("agent reported success but produced no commits"))
		return result
	}

	// Step 9: push
	o.emit(EventStage, id, "push", "")
	if err := o.Workspaces.Push(wtPath); err != nil {
		result.Err = perr(domain.Infrastructure, "push", err)
		return result
	}

	// Step 10: PR
	o.emit(EventStage, id, "pull-request", "")
	body := codehost.BuildPRBody(ticket,
		fmt.Sprintf("Automated implementation of %s.", id),
		len(attempts), time.Since(start).Round(time.Second).String())
	prNum, prURL, err := o.Host.CreatePR(wtPath, branch, codehost.PRTitle(ticket), body)
	if err != nil {
		result.Err = perr(domain.Infrastructure, "pull-request", err)
		return result
	}
	result.PRURL = prURL

	// Step 11: link the PR on the ticket; the reference must never be
	// silently lost
	o.linkPR(ctx, id, prURL)

	result.Succeeded = true

	// Step 12: read-only review sub-run. Never fatal.
	o.emit(EventStage, id, "review", "")
	verdict := o.review(ctx, ticket, wtPath, prNum)
	result.Verdict = verdict

	// Step 13: act on the verdict, best-effort
	o.actOnVerdict(ctx, ticket, prNum, prURL, verdict)

	return result
}

// preconditions re-checks everything that must hold before any mutation.
// The blocking relations are re-checked here even when a batch filter
// already did, closing the gap between check and use.
func (o *Orchestrator) preconditions(ctx context.Context, ticket *domain.Ticket) (*config.ProjectConfig, error) {
	if ticket.State != domain.StateReady {
		return nil, perr(domain.FatalPrecondition, "preconditions",
			fmt.Errorf("ticket is %s, not %s", ticket.State, domain.StateReady))
	}
	if ticket.HasLabel(domain.LabelNeedsApproval) {
		return nil, perr(domain.FatalPrecondition, "preconditions",
			fmt.Errorf("ticket is waiting for an escalation decision"))
	}

	blockers, err := o.Tracker.BlockedBy(ctx, ticket.ID)
	if err != nil {
		return nil, perr(domain.FatalPrecondition, "preconditions", fmt.Errorf("checking blockers: %w", err))
	}
	for _, rel := range blockers {
		if !rel.State.Completed() {
			return nil, perr(domain.FatalPrecondition, "preconditions",
				fmt.Errorf("blocked by %s (%s)", rel.ID, rel.State))
		}
	}

	project, err := config.LoadProject(o.Config.General.RepoDir)
	if err != nil {
		return nil, perr(domain.FatalPrecondition, "preconditions", fmt.Errorf("project config: %w", err))
	}
	return project, nil
}

// attemptLoop runs the agent up to MaxAttempts times. It returns the
// last attempt's result on success, or a pipeline error when the loop
// is exhausted or short-circuits.
func (o *Orchestrator) attemptLoop(ctx context.Context, ticket *domain.Ticket, project *config.ProjectConfig, wtPath string, role roles.Resolved, attempts *[]domain.RunAttempt) (*agent.Result, error) {
	id := ticket.ID
	maxAttempts := o.Config.General.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var prior []prompts.PriorAttempt
	for ordinal := 1; ordinal <= maxAttempts; ordinal++ {
		prompt, err := o.buildPrompt(ticket, project, prior)
		if err != nil {
			return nil, perr(domain.Infrastructure, "prompt", err)
		}

		o.emit(EventStage, id, "agent", fmt.Sprintf("attempt %d/%d", ordinal, maxAttempts))
		res, err := o.Runner.Run(ctx, agent.Request{
			WorkDir:      wtPath,
			Prompt:       prompt,
			AllowedTools: role.Capabilities,
			MaxTurns:     role.EffectiveSteps(0),
			Timeout:      o.Config.Agent.Timeout(),
		})
		if err != nil {
			return nil, perr(domain.Infrastructure, "agent", err)
		}

		tpath, terr := agent.SaveTranscript(o.Config.General.TranscriptDir, id.String(), ordinal, res)
		if terr != nil {
			log.Printf("warning: saving transcript for %s: %v", id, terr)
		}
		att := domain.RunAttempt{
			Ordinal:        ordinal,
			ExitCode:       res.ExitCode,
			Duration:       res.Duration,
			TranscriptPath: tpath,
		}

		// A run that spent past the role's ceiling fails the attempt
		// even when the agent exited cleanly
		spendCap := role.EffectiveSpend(0)
		overspent := spendCap > 0 && res.CostUSD > spendCap

		if res.ExitCode != 0 || res.TimedOut || overspent {
			analysis := analyze.Classify(res.Stdout, res.Stderr)
			// A capability denial keeps its classification so the
			// proposal below still gets filed
			if overspent && analysis.Class != analyze.ClassCapabilityDenied {
				analysis = analyze.Analysis{
					Class:    analyze.ClassBudgetExhausted,
					Evidence: fmt.Sprintf("run spent $%.2f against the role's $%.2f cap", res.CostUSD, spendCap),
				}
			}
			att.Classification = string(analysis.Class)
			*attempts = append(*attempts, att)
			o.observeAttempt(att.Classification)
			o.emit(EventAttempt, id, "agent", fmt.Sprintf("attempt %d failed: %s", ordinal, analysis.Class))

			if analysis.Class == analyze.ClassCapabilityDenied {
				// More retries cannot fix a capability gap
				missing := make([]string, len(analysis.MissingCapabilities))
				for i, m := range analysis.MissingCapabilities {
					missing[i] = analyze.NormalizeCapability(m)
				}
				if _, _, perr2 := o.Escalations.FileProposal(ctx, id, role.Name, missing, analysis.Evidence); perr2 != nil {
					log.Printf("warning: filing proposal for %s: %v", id, perr2)
				}
				return nil, perr(domain.CapabilityDenied, "agent",
					fmt.Errorf("run denied capabilities: %s", strings.Join(missing, ", ")))
			}

			if ordinal < maxAttempts {
				prior = append(prior, prompts.PriorAttempt{
					Ordinal: ordinal,
					Summary: fmt.Sprintf("%s: %s", analysis.Class, bound(analysis.Evidence)),
				})
				continue
			}
			err := perr(domain.ExecutionFailed, "agent",
				fmt.Errorf("all %d attempts failed, last: %s", maxAttempts, analysis.Class))
			o.failureComment(ctx, id, err)
			return nil, err
		}

		// Agent reported success, validate the output
		verrs := o.validate(ctx, wtPath, project)
		att.Succeeded = len(verrs) == 0
		if !att.Succeeded {
			att.Classification = "validation-failed"
		}
		*attempts = append(*attempts, att)
		o.observeAttempt(att.Classification)

		if att.Succeeded {
			o.emit(EventAttempt, id, "agent", fmt.Sprintf("attempt %d valid", ordinal))
			return res, nil
		}

		o.emit(EventAttempt, id, "agent", fmt.Sprintf("attempt %d invalid: %d finding(s)", ordinal, len(verrs)))
		if ordinal < maxAttempts {
			prior = append(prior, prompts.PriorAttempt{
				Ordinal: ordinal,
				Summary: "validation failed:\n" + strings.Join(verrs, "\n"),
			})
			continue
		}
		err = perr(domain.ValidationFailed, "validate",
			fmt.Errorf("all %d attempts failed validation, last: %s", maxAttempts, strings.Join(verrs, "; ")))
		o.failureComment(ctx, id, err)
		return nil, err
	}

	// Unreachable, the loop always returns
	return nil, perr(domain.ExecutionFailed, "agent", fmt.Errorf("no attempts executed"))
}

func (o *Orchestrator) buildPrompt(ticket *domain.Ticket, project *config.ProjectConfig, prior []prompts.PriorAttempt) (string, error) {
	return o.Prompts.BuildImplementPrompt(prompts.ImplementData{
		TicketID:      ticket.ID.String(),
		Title:         ticket.Title,
		Description:   ticket.Description,
		ProjectNotes:  project.Notes,
		BaseBranch:    project.BaseBranch,
		TestCommand:   project.TestCommand,
		LintCommand:   project.LintCommand,
		BuildCommand:  project.BuildCommand,
		PriorAttempts: prior,
	})
}

// linkPR comments the PR link on the ticket with a bounded retry and a
// description-append fallback
func (o *Orchestrator) linkPR(ctx context.Context, id domain.TicketID, prURL string) {
	body := "Opened pull request: " + prURL
	var err error
	for i := 0; i < 3; i++ {
		if err = o.Tracker.Comment(ctx, id, body); err == nil {
			return
		}
	}
	log.Printf("warning: commenting PR link on %s: %v", id, err)
	if err := o.Tracker.AppendDescription(ctx, id, "Pull request: "+prURL); err != nil {
		log.Printf("warning: appending PR link to %s: %v", id, err)
	}
}

// actOnVerdict applies the review verdict to tracker and code host.
// Every call in here is best-effort.
func (o *Orchestrator) actOnVerdict(ctx context.Context, ticket *domain.Ticket, prNum int, prURL string, verdict *domain.ReviewVerdict) {
	id := ticket.ID
	if verdict.Approved {
		if err := o.Host.AddLabels(prNum, []string{"autopilot-approved"}); err != nil {
			log.Printf("warning: labeling PR %d: %v", prNum, err)
		}
		if err := o.Tracker.Transition(ctx, id, domain.StateInReview); err != nil {
			log.Printf("warning: transitioning %s to in_review: %v", id, err)
		}
		if err := o.Host.Comment(prNum, "Automated review passed.\n\n"+verdict.Summary); err != nil {
			log.Printf("warning: commenting on PR %d: %v", prNum, err)
		}
		return
	}

	issues := make([]string, len(verdict.Issues))
	for i, issue := range verdict.Issues {
		issues[i] = fmt.Sprintf("[%s] %s: %s", issue.Severity, issue.Title, issue.Detail)
	}
	if len(issues) == 0 {
		issues = []string{"review did not produce a structured verdict"}
	}
	body, err := o.Prompts.BuildFollowupBody(prompts.FollowupData{
		TicketID: id.String(),
		PRURL:    prURL,
		Issues:   issues,
	})
	if err != nil {
		log.Printf("warning: building follow-up body: %v", err)
		body = "Review findings for " + prURL + ":\n- " + strings.Join(issues, "\n- ")
	}

	childID, err := o.Tracker.CreateChild(ctx, id,
		fmt.Sprintf("Review follow-up for %s", id), body,
		[]string{domain.LabelFollowup})
	if err != nil {
		log.Printf("warning: creating follow-up ticket for %s: %v", id, err)
		if err := o.Host.Comment(prNum, "Automated review found issues:\n- "+strings.Join(issues, "\n- ")); err != nil {
			log.Printf("warning: commenting on PR %d: %v", prNum, err)
		}
		return
	}
	if err := o.Host.Comment(prNum, fmt.Sprintf("Automated review found issues; follow-up ticket %s created.", childID)); err != nil {
		log.Printf("warning: commenting on PR %d: %v", prNum, err)
	}
}

// cleanup tears the workspace down. The remote branch is only deleted on
// failure paths; a successful run's PR references it.
func (o *Orchestrator) cleanup(wtPath, branch string, succeeded bool) {
	if err := o.Workspaces.Remove(wtPath); err != nil {
		log.Printf("warning: removing workspace %s: %v", wtPath, err)
	}
	if !succeeded {
		if err := o.Workspaces.DeleteRemoteBranch(branch); err != nil {
			log.Printf("warning: deleting remote branch %s: %v", branch, err)
		}
	}
}

// rollback returns the ticket to ready after a failed run. It uses a
// fresh context so a canceled run still rolls back.
func (o *Orchestrator) rollback(id domain.TicketID, transitioned bool, cause error) {
	if !transitioned {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.Tracker.Transition(ctx, id, domain.StateReady); err != nil {
		log.Printf("warning: rolling back %s to ready: %v", id, err)
	}
	msg := "Automated implementation failed."
	if cause != nil {
		msg += "\n\n" + bound(cause.Error())
	}
	if err := o.Tracker.Comment(ctx, id, msg); err != nil {
		log.Printf("warning: commenting rollback on %s: %v", id, err)
	}
}

func (o *Orchestrator) failureComment(ctx context.Context, id domain.TicketID, cause error) {
	if err := o.Tracker.Comment(ctx, id, "Automated implementation gave up: "+bound(cause.Error())); err != nil {
		log.Printf("warning: commenting failure on %s: %v", id, err)
	}
}

func (o *Orchestrator) observeAttempt(classification string) {
	if o.Metrics != nil {
		o.Metrics.ObserveAttempt(classification)
	}
}

func perr(kind domain.FailureKind, stage string, err error) error {
	return &domain.PipelineError{Kind: kind, Stage: stage, Err: err}
}

func bound(s string) string {
	if len(s) > maxCommentErrLen {
		return s[:maxCommentErrLen] + "..."
	}
	return s
}
