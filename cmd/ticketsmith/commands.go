package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fernwerk/ticketsmith/internal/batch"
	"github.com/fernwerk/ticketsmith/internal/domain"
	"github.com/fernwerk/ticketsmith/internal/escalate"
	"github.com/fernwerk/ticketsmith/internal/metrics"
	"github.com/fernwerk/ticketsmith/internal/notify"
	"github.com/fernwerk/ticketsmith/internal/pipeline"
	"github.com/fernwerk/ticketsmith/internal/roles"
	"github.com/fernwerk/ticketsmith/internal/runstore"
	"github.com/fernwerk/ticketsmith/internal/tracker"
	"github.com/fernwerk/ticketsmith/tui"
	"github.com/fernwerk/ticketsmith/web/api"
)

var (
	runDryRun  bool
	runRole    string
	batchFlags struct {
		label   string
		limit   int
		workers int
		dryRun  bool
		watch   bool
	}
	runsFlags struct {
		ticket  string
		outcome string
		limit   int
	}
	proposalStatus string
	decideNote     string
	decideBy       string
	serveAddr      string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run TICKET",
		Short: "Run the pipeline for one ticket",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "fetch and report, no side effects")
	runCmd.Flags().StringVar(&runRole, "role", "", "override label-based role dispatch")
	rootCmd.AddCommand(runCmd)

	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Run the pipeline over all eligible tickets",
		RunE:  runBatch,
	}
	batchCmd.Flags().StringVar(&batchFlags.label, "label", "", "ticket label (default from config)")
	batchCmd.Flags().IntVar(&batchFlags.limit, "limit", 0, "max tickets (default from config)")
	batchCmd.Flags().IntVar(&batchFlags.workers, "workers", 0, "concurrent pipelines (default from config)")
	batchCmd.Flags().BoolVar(&batchFlags.dryRun, "dry-run", false, "select and report, no side effects")
	batchCmd.Flags().BoolVar(&batchFlags.watch, "watch", false, "show live progress")
	rootCmd.AddCommand(batchCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded pipeline runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsFlags.ticket, "ticket", "", "filter by ticket id")
	runsCmd.Flags().StringVar(&runsFlags.outcome, "outcome", "", "filter by outcome")
	runsCmd.Flags().IntVar(&runsFlags.limit, "limit", 20, "max rows")
	rootCmd.AddCommand(runsCmd)

	rolesCmd := &cobra.Command{
		Use:   "roles",
		Short: "Inspect the tool-access registry",
	}
	rolesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE:  runRolesList,
	})
	rolesCmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Show one resolved role",
		Args:  cobra.ExactArgs(1),
		RunE:  runRolesShow,
	})
	rootCmd.AddCommand(rolesCmd)

	proposalsCmd := &cobra.Command{
		Use:   "proposals",
		Short: "Manage capability escalation proposals",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE:  runProposalsList,
	}
	listCmd.Flags().StringVar(&proposalStatus, "status", "pending", "filter by status, empty for all")
	proposalsCmd.AddCommand(listCmd)

	approveCmd := &cobra.Command{
		Use:   "approve ID",
		Short: "Approve a proposal and register its role",
		Args:  cobra.ExactArgs(1),
		RunE:  runProposalsApprove,
	}
	approveCmd.Flags().StringVar(&decideNote, "note", "", "decision note")
	approveCmd.Flags().StringVar(&decideBy, "by", "", "approver name")
	proposalsCmd.AddCommand(approveCmd)

	rejectCmd := &cobra.Command{
		Use:   "reject ID",
		Short: "Reject a proposal",
		Args:  cobra.ExactArgs(1),
		RunE:  runProposalsReject,
	}
	rejectCmd.Flags().StringVar(&decideNote, "note", "", "rejection reason")
	rejectCmd.Flags().StringVar(&decideBy, "by", "", "decider name")
	rejectCmd.MarkFlagRequired("note")
	proposalsCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(proposalsCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status API server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled batches until interrupted",
		RunE:  runSchedule,
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// notifyingEscalator announces freshly filed proposals on top of the
// wired escalation service
type notifyingEscalator struct {
	inner pipeline.Escalator
	hub   *notify.Hub
}

func (n *notifyingEscalator) FileProposal(ctx context.Context, ticketID domain.TicketID, baseRole string, missing []string, evidence string) (*escalate.Proposal, bool, error) {
	p, created, err := n.inner.FileProposal(ctx, ticketID, baseRole, missing, evidence)
	if err == nil && created {
		n.hub.ProposalFiled(p.TicketID.String(), p.ProposedRole, p.MissingCapabilities)
	}
	return p, created, err
}

func runRun(cmd *cobra.Command, args []string) error {
	id, err := domain.ParseTicketID(args[0])
	if err != nil {
		return err
	}

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	hub := notify.NewHub(a.cfg.Notifications)
	a.orch.Escalations = &notifyingEscalator{inner: a.orch.Escalations, hub: hub}
	a.orch.OnEvent = func(ev pipeline.Event) {
		if ev.Kind == pipeline.EventStage {
			fmt.Printf("%s %s\n", ev.TicketS, ev.Stage)
		}
	}

	res := a.orch.RunTicket(ctx, id, pipeline.Options{DryRun: runDryRun, Role: runRole})
	if runDryRun {
		if res.Err != nil {
			return res.Err
		}
		fmt.Printf("dry run: %s fetched, nothing executed\n", id)
		return nil
	}
	hub.TicketDone(res)
	printResult(res)
	if !res.Succeeded {
		return fmt.Errorf("%s: %v", id, res.Err)
	}
	return nil
}

func printResult(res *domain.PipelineResult) {
	if res.Succeeded {
		fmt.Printf("%s succeeded after %d attempt(s) in %s\n",
			res.Ticket, res.Attempts, res.Duration.Round(time.Second))
		if res.PRURL != "" {
			fmt.Printf("  PR: %s\n", res.PRURL)
		}
		if res.Verdict != nil {
			verdict := "changes requested"
			if res.Verdict.Approved {
				verdict = "approved"
			}
			fmt.Printf("  review: %s\n", verdict)
		}
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	a.orch.Metrics = metrics.NewRecorder()
	hub := notify.NewHub(a.cfg.Notifications)
	a.orch.Escalations = &notifyingEscalator{inner: a.orch.Escalations, hub: hub}

	driver := &batch.Driver{
		Tracker:   a.tracker,
		Store:     a.store,
		Notifier:  hub,
		Config:    a.cfg,
		RunTicket: a.orch.RunTicket,
	}

	opts := batch.RunOptions{
		Label:   batchFlags.label,
		Limit:   batchFlags.limit,
		Workers: batchFlags.workers,
		DryRun:  batchFlags.dryRun,
	}

	ctx, cancel := signalContext()
	defer cancel()

	if batchFlags.watch {
		return runBatchWatch(ctx, a, driver, opts)
	}

	summary, err := driver.Run(ctx, opts)
	if err != nil {
		return err
	}
	printSummary(summary)
	if summary.Failed > 0 {
		return fmt.Errorf("%d ticket(s) failed", summary.Failed)
	}
	return nil
}

func runBatchWatch(ctx context.Context, a *app, driver *batch.Driver, opts batch.RunOptions) error {
	events := make(chan pipeline.Event, 64)
	a.orch.OnEvent = func(ev pipeline.Event) {
		select {
		case events <- ev:
		default:
		}
	}

	label := opts.Label
	if label == "" {
		label = a.cfg.Batch.Label
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = a.cfg.Batch.Limit
	}

	var summary *batch.Summary
	var runErr error
	go func() {
		summary, runErr = driver.Run(ctx, opts)
		close(events)
	}()

	p := tea.NewProgram(tui.NewModel(label, limit, events), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}

	if runErr != nil {
		return runErr
	}
	if summary != nil {
		printSummary(summary)
		if summary.Failed > 0 {
			return fmt.Errorf("%d ticket(s) failed", summary.Failed)
		}
	}
	return nil
}

func printSummary(s *batch.Summary) {
	fmt.Printf("batch %q: %d ticket(s), %d succeeded, %d failed",
		s.Label, s.Total, s.Succeeded, s.Failed)
	if s.Skipped > 0 {
		fmt.Printf(", %d skipped (blocked)", s.Skipped)
	}
	fmt.Printf(" in %s\n", s.Duration.Round(time.Second))

	for _, res := range s.Results {
		if res.Succeeded {
			fmt.Printf("  %s: ok  %s\n", res.Ticket, res.PRURL)
		} else {
			fmt.Printf("  %s: %v\n", res.Ticket, res.Err)
		}
	}
}

func runRuns(cmd *cobra.Command, args []string) error {
	a, err := buildReadOnly()
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.store.ListRuns(runstore.ListOptions{
		TicketID: runsFlags.ticket,
		Outcome:  runsFlags.outcome,
		Limit:    runsFlags.limit,
	})
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"TICKET", "OUTCOME", "ROLE", "PR", "FINISHED", "ERROR"})
	for _, r := range runs {
		errText := r.Error
		if len(errText) > 60 {
			errText = errText[:57] + "..."
		}
		t.AppendRow(table.Row{
			r.TicketID, r.Outcome, r.Role, r.PRURL,
			r.FinishedAt.Format("2006-01-02 15:04"), errText,
		})
	}
	t.Render()
	return nil
}

func runRolesList(cmd *cobra.Command, args []string) error {
	a, err := buildReadOnly()
	if err != nil {
		return err
	}
	defer a.Close()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"NAME", "CAPABILITIES", "MAX STEPS", "MAX SPEND"})
	for _, role := range a.registry.List() {
		t.AppendRow(table.Row{
			role.Name, len(role.Capabilities), role.MaxSteps,
			fmt.Sprintf("$%.2f", role.MaxSpendUSD),
		})
	}
	t.Render()
	return nil
}

func runRolesShow(cmd *cobra.Command, args []string) error {
	a, err := buildReadOnly()
	if err != nil {
		return err
	}
	defer a.Close()

	role, err := a.registry.Resolve(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", role.Name)
	if role.Description != "" {
		fmt.Printf("  %s\n", role.Description)
	}
	fmt.Printf("  max steps: %d, max spend: $%.2f\n", role.MaxSteps, role.MaxSpendUSD)
	fmt.Println("  capabilities:")
	for _, c := range role.Capabilities {
		fmt.Printf("    %s\n", c)
	}
	return nil
}

func runProposalsList(cmd *cobra.Command, args []string) error {
	a, err := buildReadOnly()
	if err != nil {
		return err
	}
	defer a.Close()

	proposals, err := a.proposals.List(escalate.Status(proposalStatus))
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "TICKET", "STATUS", "PROPOSED ROLE", "MISSING", "CREATED"})
	for _, p := range proposals {
		t.AppendRow(table.Row{
			p.ID, p.TicketID, p.Status, p.ProposedRole,
			strings.Join(p.MissingCapabilities, ", "),
			p.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	t.Render()
	return nil
}

// maybeTracker builds a tracker client when credentials are configured.
// Decisions work offline; the tracker side effects are best-effort.
func maybeTracker(a *app) tracker.Tracker {
	if key := a.cfg.Tracker.APIKey(); key != "" {
		return tracker.NewClient(a.cfg.Tracker.Endpoint, key, a.cfg.Tracker.Team)
	}
	return nil
}

func runProposalsApprove(cmd *cobra.Command, args []string) error {
	a, err := buildReadOnly()
	if err != nil {
		return err
	}
	defer a.Close()

	svc := escalate.NewService(a.proposals, a.registry, maybeTracker(a))
	ctx, cancel := signalContext()
	defer cancel()

	p, err := svc.Approve(ctx, args[0], decideBy, decideNote)
	if err != nil {
		return err
	}
	fmt.Printf("approved: role %q registered for %s\n", p.ProposedRole, p.TicketID)
	return nil
}

func runProposalsReject(cmd *cobra.Command, args []string) error {
	a, err := buildReadOnly()
	if err != nil {
		return err
	}
	defer a.Close()

	svc := escalate.NewService(a.proposals, a.registry, maybeTracker(a))
	ctx, cancel := signalContext()
	defer cancel()

	p, err := svc.Reject(ctx, args[0], decideBy, decideNote)
	if err != nil {
		return err
	}
	fmt.Printf("rejected proposal for %s\n", p.TicketID)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildReadOnly()
	if err != nil {
		return err
	}
	defer a.Close()

	// Pick up role changes written by other processes, an approved
	// proposal included
	watcher, err := roles.NewWatcher(a.registry)
	if err != nil {
		return fmt.Errorf("watching role file: %w", err)
	}
	defer watcher.Close()

	addr := serveAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", a.cfg.Web.Host, a.cfg.Web.Port)
	}

	server := api.NewServer(a.store, a.proposals, a.registry, addr)

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("status API listening on http://%s\n", addr)
	return server.Start(ctx)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := batch.LoadSchedule(a.cfg.Batch.SchedulePath)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no schedule entries in %s", a.cfg.Batch.SchedulePath)
	}

	watcher, err := roles.NewWatcher(a.registry)
	if err != nil {
		return fmt.Errorf("watching role file: %w", err)
	}
	defer watcher.Close()

	a.orch.Metrics = metrics.NewRecorder()
	hub := notify.NewHub(a.cfg.Notifications)
	a.orch.Escalations = &notifyingEscalator{inner: a.orch.Escalations, hub: hub}

	driver := &batch.Driver{
		Tracker:   a.tracker,
		Store:     a.store,
		Notifier:  hub,
		Config:    a.cfg,
		RunTicket: a.orch.RunTicket,
	}

	ctx, cancel := signalContext()
	defer cancel()

	err = batch.NewScheduler(driver, entries).Start(ctx)
	if err == context.Canceled {
		return nil
	}
	return err
}
