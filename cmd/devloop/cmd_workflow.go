package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"devloop/internal/engine"
	"devloop/internal/policy"
	"devloop/internal/retention"
	"devloop/internal/runner"
	"devloop/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage development workflow runs",
}

// Flags per subcommand.
var (
	startRepo    string
	startLive    bool
	startDef     string
	startContext []string

	statusJSON bool

	listStatus string
	listJSON   bool

	cleanupDryRun    bool
	cleanupMode      string
	cleanupOlderThan time.Duration
	cleanupStatus    string
	cleanupMax       int

	logsPhase  string
	logsEvents bool
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start [task]",
		Short: "Start a new workflow run and execute it to a terminal state",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWorkflowStart,
	}
	startCmd.Flags().StringVar(&startRepo, "repo", ".", "target repository path")
	startCmd.Flags().BoolVar(&startLive, "live", false, "use a live coding agent instead of the stub")
	startCmd.Flags().StringVar(&startDef, "definition", "dev-cycle", "workflow definition type")
	startCmd.Flags().StringArrayVar(&startContext, "context", nil, "extra context key=value pairs")

	statusCmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show the state of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowStatus,
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw run state as JSON")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		RunE:  runWorkflowList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print runs as JSON")

	resumeCmd := &cobra.Command{
		Use:   "resume [run-id]",
		Short: "Resume a paused or recoverably-failed run",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowResume,
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Cancel a run (idempotent once terminal)",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowCancel,
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete or strip old run directories per retention policy",
		RunE:  runWorkflowCleanup,
	}
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be deleted without deleting")
	cleanupCmd.Flags().StringVar(&cleanupMode, "mode", "full", "cleanup mode: full, artifacts or logs")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "only runs created before now minus this duration")
	cleanupCmd.Flags().StringVar(&cleanupStatus, "status", "", "only runs in this terminal status")
	cleanupCmd.Flags().IntVar(&cleanupMax, "max", 0, "cap the number of runs deleted (0 = no cap)")

	logsCmd := &cobra.Command{
		Use:   "logs [run-id]",
		Short: "Show a run's event log or phase logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflowLogs,
	}
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "show logs for one phase directory (NN-phaseId)")
	logsCmd.Flags().BoolVar(&logsEvents, "events", true, "show the run event log")

	workflowCmd.AddCommand(startCmd, statusCmd, listCmd, resumeCmd, cancelCmd, cleanupCmd, logsCmd)
}

// buildOrchestrator wires the full workflow stack from config: state store,
// definitions, engines, runners and the policy broker.
func buildOrchestrator() (*workflow.Orchestrator, *workflow.StateStore, func(), error) {
	store, err := workflow.NewStateStore(cfg.WorkflowsRoot())
	if err != nil {
		return nil, nil, nil, err
	}

	defs := workflow.NewRegistry()
	defs.Register(workflow.DevCycleDefinition())

	engines := engine.NewRegistry(
		engine.NewPlanner(),
		engine.NewExecutor(),
		engine.NewReviewer(),
		engine.NewFinalizer(),
	)

	pol, err := policy.LoadPolicy(cfg.Workflows.Policy.File)
	if err != nil {
		return nil, nil, nil, err
	}
	polEngine := policy.NewEngine(pol)

	cleanup := func() {}
	if cfg.Workflows.Policy.File != "" {
		watchCtx, stopWatch := context.WithCancel(context.Background())
		if _, err := policy.WatchPolicy(watchCtx, polEngine, cfg.Workflows.Policy.File); err != nil {
			stopWatch()
			return nil, nil, nil, err
		}
		cleanup = stopWatch
	}

	limit := cfg.Workflows.Policy.RateLimitPerMinute
	if limit <= 0 {
		limit = 60
	}
	broker := policy.NewBroker(
		policy.NewApprovalStore(cfg.WorkflowsRoot()),
		policy.NewCLIPrompt(os.Stdin, os.Stderr, cfg.ApprovalTimeout()),
		cfg.ApprovalTimeout(),
		policy.NewRateLimiter(limit, time.Minute),
	)

	orch := workflow.NewOrchestrator(store, defs, engines,
		runner.NewStubRunner(),
		runner.NewLiveRunner(polEngine, broker),
		workflow.Options{
			MaxConcurrent: cfg.Workflows.MaxConcurrent,
			MaxIterations: cfg.Workflows.MaxReviewIterations,
			MaxRetries:    cfg.Workflows.MaxRetries,
		})
	return orch, store, cleanup, nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// printProgress subscribes a human-readable progress line per event.
func printProgress(orch *workflow.Orchestrator) {
	orch.Events().Subscribe(func(ev workflow.Event) {
		switch ev.Type {
		case workflow.EventPhaseStarted:
			fmt.Printf("→ phase %v (iteration %v)\n", ev.Data["phase"], ev.Data["iteration"])
		case workflow.EventPhaseCompleted:
			fmt.Printf("✓ phase %v completed\n", ev.Data["phase"])
		case workflow.EventPhaseFailed:
			fmt.Printf("✗ phase %v failed: %v\n", ev.Data["phase"], ev.Data["error"])
		case workflow.EventWorkflowCompleted:
			fmt.Println("workflow completed")
		case workflow.EventWorkflowFailed:
			fmt.Printf("workflow failed: %v\n", ev.Data["error"])
		case workflow.EventWorkflowCancelled:
			fmt.Println("workflow cancelled")
		}
	})
}

func runWorkflowStart(cmd *cobra.Command, args []string) error {
	orch, _, cleanup, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer cleanup()

	repo, err := filepath.Abs(startRepo)
	if err != nil {
		return workflow.Validationf("invalid repo path %q: %v", startRepo, err)
	}

	input := workflow.RunInput{
		Task:     strings.Join(args, " "),
		RepoPath: repo,
		Live:     startLive,
	}
	if len(startContext) > 0 {
		input.Context = make(map[string]string, len(startContext))
		for _, kv := range startContext {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return workflow.Validationf("invalid --context %q, expected key=value", kv)
			}
			input.Context[k] = v
		}
	}

	run, err := orch.Start(startDef, input, workflow.Workspace{})
	if err != nil {
		return err
	}
	fmt.Printf("started run %s\n", run.ID)

	ctx, stop := signalContext()
	defer stop()
	printProgress(orch)
	return orch.Execute(ctx, run.ID)
}

func runWorkflowStatus(cmd *cobra.Command, args []string) error {
	store, err := workflow.NewStateStore(cfg.WorkflowsRoot())
	if err != nil {
		return err
	}
	run, err := store.LoadRunState(args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return workflow.Validationf("run %s not found", args[0])
	}

	ok, err := store.VerifyChecksum(run.ID)
	if err != nil {
		return err
	}

	if statusJSON {
		return printJSON(run)
	}

	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Definition: %s\n", run.DefinitionType)
	fmt.Printf("Status:     %s\n", run.Status)
	fmt.Printf("Task:       %s\n", run.Input.Task)
	if run.CurrentPhase != "" {
		fmt.Printf("Phase:      %s\n", run.CurrentPhase)
	}
	fmt.Printf("Created:    %s\n", run.CreatedAt.Local().Format(time.RFC3339))
	if run.CompletedAt != nil {
		fmt.Printf("Completed:  %s\n", run.CompletedAt.Local().Format(time.RFC3339))
	}
	if run.Error != nil {
		fmt.Printf("Error:      [%s] %s (recoverable=%v)\n", run.Error.Phase, run.Error.Message, run.Error.Recoverable)
	}
	if !ok {
		fmt.Println("Integrity:  CHECKSUM MISMATCH (run.json was modified outside devloop)")
	}
	if len(run.PhaseHistory) > 0 {
		fmt.Println("Phases:")
		for _, pe := range run.PhaseHistory {
			fmt.Printf("  %02d-%s  %-9s  %dms\n", pe.Iteration, pe.PhaseID, pe.Status, pe.Metrics.DurationMs)
		}
	}
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	store, err := workflow.NewStateStore(cfg.WorkflowsRoot())
	if err != nil {
		return err
	}
	ids, err := store.ListRuns()
	if err != nil {
		return err
	}

	var runs []*workflow.WorkflowRun
	for _, id := range ids {
		run, err := store.LoadRunState(id)
		if err != nil || run == nil {
			continue
		}
		if listStatus != "" && string(run.Status) != listStatus {
			continue
		}
		runs = append(runs, run)
	}

	if listJSON {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return nil
	}
	fmt.Printf("%-32s %-10s %-20s %s\n", "RUN", "STATUS", "CREATED", "TASK")
	for _, run := range runs {
		task := run.Input.Task
		if len(task) > 48 {
			task = task[:45] + "..."
		}
		fmt.Printf("%-32s %-10s %-20s %s\n",
			run.ID, run.Status, run.CreatedAt.Local().Format("2006-01-02 15:04:05"), task)
	}
	return nil
}

func runWorkflowResume(cmd *cobra.Command, args []string) error {
	orch, _, cleanup, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()
	printProgress(orch)
	return orch.Resume(ctx, args[0])
}

func runWorkflowCancel(cmd *cobra.Command, args []string) error {
	orch, _, cleanup, err := buildOrchestrator()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := orch.Cancel(args[0]); err != nil {
		return err
	}
	fmt.Printf("run %s cancelled\n", args[0])
	return nil
}

func runWorkflowCleanup(cmd *cobra.Command, args []string) error {
	store, err := workflow.NewStateStore(cfg.WorkflowsRoot())
	if err != nil {
		return err
	}

	rc := cfg.Workflows.Retention
	cleaner := retention.NewCleaner(store, retention.Policy{
		MaxCompleted:           rc.MaxCompleted,
		MaxDiskPerWorkflowMB:   rc.MaxDiskPerWorkflowMb,
		MaxTotalDiskGB:         rc.MaxTotalDiskGb,
		LogRetentionDays:       rc.LogRetentionDays,
		FailedLogRetentionDays: rc.FailedLogRetentionDays,
		ArtifactRetentionDays:  rc.ArtifactRetentionDays,
	})

	report, err := cleaner.Cleanup(retention.Mode(cleanupMode), retention.Overrides{
		OlderThan: cleanupOlderThan,
		Status:    workflow.RunStatus(cleanupStatus),
		Max:       cleanupMax,
	}, cleanupDryRun)
	if err != nil {
		return err
	}

	verb := "deleted"
	if report.DryRun {
		verb = "would delete"
	}
	fmt.Printf("%s %d runs (%s mode), %.1f MB freed\n",
		verb, report.Deleted, report.Mode, float64(report.FreedBytes)/(1024*1024))
	for _, c := range report.Candidates {
		fmt.Printf("  %s  %-9s  %s\n", c.RunID, c.Status, c.Reason)
	}
	for _, e := range report.Errors {
		fmt.Fprintf(os.Stderr, "  error: %s\n", e)
	}
	return nil
}

func runWorkflowLogs(cmd *cobra.Command, args []string) error {
	store, err := workflow.NewStateStore(cfg.WorkflowsRoot())
	if err != nil {
		return err
	}
	runID := args[0]
	run, err := store.LoadRunState(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return workflow.Validationf("run %s not found", runID)
	}

	if logsPhase != "" {
		dir := filepath.Join(store.RunDir(runID), "phases", logsPhase, "logs")
		entries, err := os.ReadDir(dir)
		if err != nil {
			return workflow.Validationf("no logs for phase %s of run %s", logsPhase, runID)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return err
			}
			fmt.Printf("==> %s <==\n%s\n", e.Name(), data)
		}
		return nil
	}

	events, err := store.ReadEvents(runID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s  %-20s", ev.Timestamp.Local().Format("15:04:05"), ev.Type)
		if phase, ok := ev.Data["phase"]; ok {
			line += fmt.Sprintf("  phase=%v", phase)
		}
		if errMsg, ok := ev.Data["error"]; ok {
			line += fmt.Sprintf("  error=%v", errMsg)
		}
		fmt.Println(line)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
