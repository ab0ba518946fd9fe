// Package logging provides categorized file-based diagnostic logging for
// devloop. Logs are written under <root>/logs/ with one rotating file per
// category. Logging is controlled by the debug settings handed to Initialize;
// when disabled, every call is a silent no-op.
package logging

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot          Category = "boot"          // Startup and wiring
	CategoryWorkflow      Category = "workflow"      // Orchestrator lifecycle
	CategoryPhase         Category = "phase"         // Phase dispatch and transitions
	CategoryEngine        Category = "engine"        // Planner/executor/reviewer engines
	CategoryRunner        Category = "runner"        // Agent runner invocations
	CategoryPolicy        Category = "policy"        // Policy evaluation
	CategoryApproval      Category = "approval"      // Approval prompts and decisions
	CategoryRetention     Category = "retention"     // Cleanup and retention sweeps
	CategoryStore         Category = "store"         // Facts store operations
	CategoryRetrieval     Category = "retrieval"     // Context retrieval
	CategoryConsolidation Category = "consolidation" // Daily/weekly summaries, pruning
	CategoryHealth        Category = "health"        // Health checks and alerts
	CategoryScheduler     Category = "scheduler"     // Cron jobs
	CategoryGuardrails    Category = "guardrails"    // Extraction guardrails
	CategoryExport        Category = "export"        // Export/import/repair
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logger behavior. Zero value disables all logging.
type Options struct {
	Enabled    bool
	Level      string          // debug, info, warn, error
	Categories map[string]bool // nil means all categories enabled
	MaxSizeMB  int             // per-file rotation threshold (default 10)
	MaxBackups int             // rotated files kept per category (default 3)
}

// Logger wraps a standard logger bound to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	sink     *lumberjack.Logger
}

var (
	mu       sync.RWMutex
	loggers  = make(map[Category]*Logger)
	logsDir  string
	opts     Options
	logLevel int
)

// Initialize sets up the logging directory. Should be called once at startup
// with the devloop root path. A disabled Options keeps everything a no-op.
func Initialize(root string, o Options) error {
	if root == "" {
		return fmt.Errorf("logging root path required")
	}

	mu.Lock()
	defer mu.Unlock()

	logsDir = filepath.Join(root, "logs")
	opts = o
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}

	switch o.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	loggers = make(map[Category]*Logger)
	return nil
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()

	if !opts.Enabled {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger when logging or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	dir := logsDir
	mu.RUnlock()

	if dir == "" {
		return &Logger{category: category}
	}

	mu.Lock()
	defer mu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	sink := &lumberjack.Logger{
		Filename:   filepath.Join(dir, fmt.Sprintf("%s.log", category)),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   false,
	}

	l := &Logger{
		category: category,
		sink:     sink,
		logger:   log.New(sink, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if the logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log sinks (call at shutdown).
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()

	for _, l := range loggers {
		if l.sink != nil {
			l.sink.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first.
// These are no-ops if the category is disabled.
// =============================================================================

// Workflow logs to the workflow category.
func Workflow(format string, args ...interface{}) {
	Get(CategoryWorkflow).Info(format, args...)
}

// WorkflowDebug logs debug to the workflow category.
func WorkflowDebug(format string, args ...interface{}) {
	Get(CategoryWorkflow).Debug(format, args...)
}

// Phase logs to the phase category.
func Phase(format string, args ...interface{}) {
	Get(CategoryPhase).Info(format, args...)
}

// PhaseDebug logs debug to the phase category.
func PhaseDebug(format string, args ...interface{}) {
	Get(CategoryPhase).Debug(format, args...)
}

// Engine logs to the engine category.
func Engine(format string, args ...interface{}) {
	Get(CategoryEngine).Info(format, args...)
}

// EngineDebug logs debug to the engine category.
func EngineDebug(format string, args ...interface{}) {
	Get(CategoryEngine).Debug(format, args...)
}

// Runner logs to the runner category.
func Runner(format string, args ...interface{}) {
	Get(CategoryRunner).Info(format, args...)
}

// RunnerDebug logs debug to the runner category.
func RunnerDebug(format string, args ...interface{}) {
	Get(CategoryRunner).Debug(format, args...)
}

// Policy logs to the policy category.
func Policy(format string, args ...interface{}) {
	Get(CategoryPolicy).Info(format, args...)
}

// PolicyDebug logs debug to the policy category.
func PolicyDebug(format string, args ...interface{}) {
	Get(CategoryPolicy).Debug(format, args...)
}

// Approval logs to the approval category.
func Approval(format string, args ...interface{}) {
	Get(CategoryApproval).Info(format, args...)
}

// ApprovalDebug logs debug to the approval category.
func ApprovalDebug(format string, args ...interface{}) {
	Get(CategoryApproval).Debug(format, args...)
}

// Retention logs to the retention category.
func Retention(format string, args ...interface{}) {
	Get(CategoryRetention).Info(format, args...)
}

// RetentionDebug logs debug to the retention category.
func RetentionDebug(format string, args ...interface{}) {
	Get(CategoryRetention).Debug(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Retrieval logs to the retrieval category.
func Retrieval(format string, args ...interface{}) {
	Get(CategoryRetrieval).Info(format, args...)
}

// RetrievalDebug logs debug to the retrieval category.
func RetrievalDebug(format string, args ...interface{}) {
	Get(CategoryRetrieval).Debug(format, args...)
}

// Consolidation logs to the consolidation category.
func Consolidation(format string, args ...interface{}) {
	Get(CategoryConsolidation).Info(format, args...)
}

// Health logs to the health category.
func Health(format string, args ...interface{}) {
	Get(CategoryHealth).Info(format, args...)
}

// Scheduler logs to the scheduler category.
func Scheduler(format string, args ...interface{}) {
	Get(CategoryScheduler).Info(format, args...)
}

// Guardrails logs to the guardrails category.
func Guardrails(format string, args ...interface{}) {
	Get(CategoryGuardrails).Info(format, args...)
}

// Export logs to the export category.
func Export(format string, args ...interface{}) {
	Get(CategoryExport).Info(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging.
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
