package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"devloop/internal/facts"
	"devloop/internal/llm"
	"devloop/internal/retrieval"
	"devloop/internal/workflow"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage the persistent memory engine",
}

var factsCmd = &cobra.Command{
	Use:   "facts",
	Short: "Inspect and maintain the facts memory store",
}

// Flags per subcommand.
var (
	cleanupMaxAgeDays    int
	cleanupMinImportance float64

	repairRebuildFTS bool
	repairVacuum     bool

	exportOut    string
	exportRedact bool
	exportRole   string

	importIn   string
	importMode string

	topLimit int

	traceQuery string
	traceLimit int
	traceRole  string
)

func init() {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show memory engine status and schedules",
		RunE:  runFactsStatus,
	}

	factsCleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune expired and stale low-value memories",
		RunE:  runFactsCleanup,
	}
	factsCleanupCmd.Flags().IntVar(&cleanupMaxAgeDays, "max-age-days", 0, "override retention age in days")
	factsCleanupCmd.Flags().Float64Var(&cleanupMinImportance, "min-importance", 0, "override prune importance ceiling")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory counts by type and summary totals",
		RunE:  runFactsStats,
	}

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Check database integrity, optionally rebuild FTS and vacuum",
		RunE:  runFactsRepair,
	}
	repairCmd.Flags().BoolVar(&repairRebuildFTS, "rebuild-fts", false, "rebuild the full-text index")
	repairCmd.Flags().BoolVar(&repairVacuum, "vacuum", false, "reclaim free pages after repair")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories, blocks and summaries as JSONL",
		RunE:  runFactsExport,
	}
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	exportCmd.Flags().BoolVar(&exportRedact, "redact", false, "redact secret-shaped content")
	exportCmd.Flags().StringVar(&exportRole, "role", "", "export as role: admin, user or guest")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a JSONL export",
		RunE:  runFactsImport,
	}
	importCmd.Flags().StringVarP(&importIn, "in", "i", "", "input file (default stdin)")
	importCmd.Flags().StringVar(&importMode, "mode", "merge", "import mode: merge or replace")

	topCmd := &cobra.Command{
		Use:   "top",
		Short: "Show the highest-scored memories",
		RunE:  runFactsTop,
	}
	topCmd.Flags().IntVarP(&topLimit, "limit", "n", 10, "number of memories to show")

	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Explain a retrieval end to end",
		RunE:  runFactsTrace,
	}
	traceCmd.Flags().StringVarP(&traceQuery, "query", "q", "", "retrieval query")
	traceCmd.Flags().IntVarP(&traceLimit, "limit", "n", 10, "result cap")
	traceCmd.Flags().StringVar(&traceRole, "role", "", "evaluate as role: admin, user or guest")
	traceCmd.MarkFlagRequired("query")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Run a health check and print the summary",
		RunE:  runFactsHealth,
	}

	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "List active health alerts",
		RunE:  runFactsAlerts,
	}

	consolidateCmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Run daily consolidation (and weekly, on Sundays) now",
		RunE:  runFactsConsolidate,
	}

	factsCmd.AddCommand(statusCmd, factsCleanupCmd, statsCmd, repairCmd,
		exportCmd, importCmd, topCmd, traceCmd, healthCmd, alertsCmd, consolidateCmd)
	memoryCmd.AddCommand(factsCmd)
}

// openFacts opens the configured store. Callers must Close it.
func openFacts() (*facts.Store, error) {
	if !cfg.FactsMemory.Enabled {
		return nil, workflow.Validationf("facts memory is disabled in configuration")
	}
	store, err := facts.Open(cfg.FactsMemory.DBPath)
	if err != nil {
		return nil, err
	}
	if cfg.FactsMemory.MarkdownPath != "" {
		store.SetMarkdownPath(cfg.FactsMemory.MarkdownPath)
	}
	return store, nil
}

// extractionClient returns the configured LLM client, or nil when extraction
// is disabled (consolidation then falls back to deterministic digests).
func extractionClient() llm.Client {
	ext := cfg.FactsMemory.Extraction
	if !ext.Enabled {
		return nil
	}
	switch ext.Provider {
	case "stub":
		return &llm.StubClient{}
	default:
		return llm.NewAnthropicClient(ext.Model)
	}
}

func pruneOptions() facts.PruneOptions {
	opts := facts.PruneOptions{
		MaxAgeDays:    cfg.FactsMemory.Retention.MaxAgeDays,
		MinImportance: cfg.FactsMemory.Retention.MinImportance,
	}
	if cleanupMaxAgeDays > 0 {
		opts.MaxAgeDays = cleanupMaxAgeDays
	}
	if cleanupMinImportance > 0 {
		opts.MinImportance = cleanupMinImportance
	}
	return opts
}

func buildScheduler(store *facts.Store) *facts.Scheduler {
	consolidator := facts.NewConsolidator(store, extractionClient(), pruneOptions())
	monitor := facts.NewHealthMonitor(store, facts.DefaultThresholds(), cfg.FactsMemory.Alerts.HealthCheckEnabled)
	sc := cfg.FactsMemory.Scheduler
	tz := sc.Timezone
	if tz == "Local" {
		tz = ""
	}
	return facts.NewScheduler(consolidator, monitor, facts.SchedulerConfig{
		DailyEnabled:       sc.DailyEnabled,
		DailyCron:          sc.DailyCron,
		WeeklyEnabled:      sc.WeeklyEnabled,
		WeeklyCron:         sc.WeeklyCron,
		HealthCheckEnabled: cfg.FactsMemory.Alerts.HealthCheckEnabled,
		HealthCheckCron:    cfg.FactsMemory.Alerts.HealthCheckCron,
		Timezone:           tz,
	})
}

func runFactsStatus(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	total, err := store.Count()
	if err != nil {
		return err
	}
	size, err := store.SizeBytes()
	if err != nil {
		return err
	}
	daily, weekly, err := store.SummaryCounts()
	if err != nil {
		return err
	}

	fmt.Printf("Database:   %s\n", store.Path())
	fmt.Printf("Size:       %.2f MB\n", float64(size)/(1024*1024))
	fmt.Printf("Memories:   %d\n", total)
	fmt.Printf("Summaries:  %d daily, %d weekly\n", daily, weekly)
	fmt.Printf("FTS:        %v\n", store.FTSAvailable())

	sched := buildScheduler(store)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()
	fmt.Println("Schedules:")
	for _, job := range sched.Status() {
		next := "disabled"
		if job.NextRun != nil {
			next = job.NextRun.Local().Format(time.RFC3339)
		}
		fmt.Printf("  %-22s %-14s next %s\n", job.Name, job.Spec, next)
	}
	return nil
}

func runFactsCleanup(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := store.PruneMemories(pruneOptions())
	if err != nil {
		return err
	}
	fmt.Printf("pruned %d expired and %d stale memories, %.2f MB freed\n",
		result.Expired, result.Deleted, float64(result.BytesFreed)/(1024*1024))
	return nil
}

func runFactsStats(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Println("Memories by type:")
	total := 0
	for _, t := range facts.ValidTypes {
		memories, err := store.List(facts.ListOptions{Type: t})
		if err != nil {
			return err
		}
		if len(memories) > 0 {
			fmt.Printf("  %-12s %d\n", t, len(memories))
		}
		total += len(memories)
	}
	fmt.Printf("  %-12s %d\n", "total", total)

	daily, weekly, err := store.SummaryCounts()
	if err != nil {
		return err
	}
	fmt.Printf("Summaries: %d daily, %d weekly\n", daily, weekly)

	blocks, err := store.ListBlocks()
	if err != nil {
		return err
	}
	fmt.Printf("Blocks:    %d\n", len(blocks))
	return nil
}

func runFactsRepair(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := store.CheckIntegrity()
	if err != nil {
		return err
	}
	for _, msg := range report.Messages {
		fmt.Printf("integrity: %s\n", msg)
	}

	if repairRebuildFTS {
		n, err := store.RebuildFTS()
		if err != nil {
			return err
		}
		fmt.Printf("FTS rebuilt: %d rows reindexed\n", n)
	}
	if repairVacuum {
		if err := store.Vacuum(); err != nil {
			return err
		}
		fmt.Println("vacuum complete")
	}
	if !report.OK {
		return &workflow.IntegrityError{Msg: "integrity check reported problems"}
	}
	return nil
}

func runFactsExport(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	var w io.Writer = os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return store.Export(w, facts.ExportOptions{
		Redact: exportRedact,
		Role:   facts.Role(exportRole),
	})
}

func runFactsImport(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	var r io.Reader = os.Stdin
	if importIn != "" {
		f, err := os.Open(importIn)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	result, err := store.Import(r, facts.ImportMode(importMode))
	if err != nil {
		return err
	}
	fmt.Printf("imported %d memories, %d blocks, %d summaries (%d skipped, %d malformed)\n",
		result.Memories, result.Blocks, result.Summaries, result.Skipped, result.Malformed)
	return nil
}

func runFactsTop(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := retrieval.GetRelevantContext(store, "", retrieval.QueryOptions{Limit: topLimit})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no memories")
		return nil
	}
	for _, r := range results {
		content := r.Memory.Content
		if len(content) > 72 {
			content = content[:69] + "..."
		}
		fmt.Printf("%.3f  [%-10s]  %s\n", r.Score, r.Memory.Type, content)
	}
	return nil
}

func runFactsTrace(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	trace, err := retrieval.GetRelevantContextWithTrace(store, traceQuery, retrieval.QueryOptions{
		Limit: traceLimit,
		Role:  facts.Role(traceRole),
	})
	if err != nil {
		return err
	}
	return printJSON(trace)
}

func runFactsHealth(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	monitor := facts.NewHealthMonitor(store, facts.DefaultThresholds(), cfg.FactsMemory.Alerts.HealthCheckEnabled)
	if _, err := monitor.RunHealthCheck(); err != nil {
		return err
	}
	summary, err := monitor.GetHealthSummary()
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runFactsAlerts(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	monitor := facts.NewHealthMonitor(store, facts.DefaultThresholds(), cfg.FactsMemory.Alerts.HealthCheckEnabled)
	if _, err := monitor.RunHealthCheck(); err != nil {
		return err
	}
	alerts := monitor.ActiveAlerts()
	if len(alerts) == 0 {
		fmt.Println("no active alerts")
		return nil
	}
	for _, a := range alerts {
		fmt.Printf("%-8s %-20s %s\n", a.Severity, a.Type, a.Message)
	}
	return nil
}

func runFactsConsolidate(cmd *cobra.Command, args []string) error {
	store, err := openFacts()
	if err != nil {
		return err
	}
	defer store.Close()

	consolidator := facts.NewConsolidator(store, extractionClient(), pruneOptions())
	if err := consolidator.RunConsolidation(context.Background(), time.Now()); err != nil {
		return err
	}
	fmt.Println("consolidation complete")
	return nil
}
