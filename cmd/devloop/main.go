// devloop is a local development automation agent: durable multi-phase
// workflows driven by external coding agents, plus a persistent facts memory
// with scheduled consolidation.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"devloop/internal/config"
	"devloop/internal/logging"
	"devloop/internal/workflow"
)

// Exit codes.
const (
	exitOK         = 0
	exitRuntime    = 1
	exitValidation = 2
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "devloop",
	Short: "devloop - local dev-cycle automation with durable workflows and facts memory",
	Long: `devloop orchestrates multi-phase development workflows (plan, execute,
review) driven by external coding agents, with crash-safe state on disk,
policy-gated execution, and a persistent facts memory store.

Run "devloop workflow start" to kick off a run, or "devloop memory facts
status" to inspect the memory engine.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(resolveConfigPath())
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return workflow.Validationf("invalid configuration: %v", err)
		}

		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if logger, err = zc.Build(); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		lo := logging.Options{
			Enabled:    cfg.Logging.Enabled,
			Level:      cfg.Logging.Level,
			Categories: cfg.Logging.Categories,
		}
		if verbose {
			lo.Enabled = true
			lo.Level = "debug"
		}
		if err := logging.Initialize(cfg.Root, lo); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if err := logging.InitAudit(cfg.Root); err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		logging.CloseAudit()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// resolveConfigPath returns --config when given, else <root>/config.yaml with
// the root taken from DEVLOOP_ROOT or the home default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	root := os.Getenv("DEVLOOP_ROOT")
	if root == "" {
		home, _ := os.UserHomeDir()
		root = filepath.Join(home, ".devloop")
	}
	return filepath.Join(root, "config.yaml")
}

// exitCode maps the error taxonomy onto process exit codes: validation and
// precondition failures are 2, everything else 1.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ve *workflow.ValidationError
	var cle *workflow.ConcurrencyLimitError
	var ste *workflow.StateTransitionError
	if errors.As(err, &ve) || errors.As(err, &cle) || errors.As(err, &ste) {
		return exitValidation
	}
	return exitRuntime
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default <root>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(memoryCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
