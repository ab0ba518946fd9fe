// Package engine defines the phase engines that drive a workflow run:
// planner, executor, reviewer and finalizer. Each engine validates its inputs,
// talks to a runner, and writes its declared artifacts into the phase
// directory. Engines never mutate run state; the orchestrator owns that.
package engine

import (
	"context"
	"time"

	"devloop/internal/runner"
)

// PriorPhase summarizes a completed phase execution for downstream engines.
type PriorPhase struct {
	PhaseID      string
	Engine       string
	Iteration    int
	Status       string
	Artifacts    []string
	ArtifactsDir string
}

// ProgressEvent is a lightweight status update emitted during execution.
type ProgressEvent struct {
	Kind     string // "status", "artifact", "task"
	Message  string
	Artifact string
	TaskID   string
}

// ProgressFunc receives progress events. May be nil.
type ProgressFunc func(ProgressEvent)

// Context carries everything an engine needs for one phase execution.
type Context struct {
	RunID     string
	PhaseID   string
	Iteration int // 1-based

	// Task is the natural-language task description from the run input.
	Task          string
	WorkspacePath string

	// ArtifactsDir and LogsDir belong to this phase execution and exist
	// before Execute is called.
	ArtifactsDir string
	LogsDir      string

	// InputArtifacts and OutputArtifacts come from the phase definition.
	InputArtifacts  []string
	OutputArtifacts []string

	Live     bool
	Provider string
	Model    string
	Timeout  time.Duration

	Runner runner.Runner

	// Prior holds completed executions from earlier in the run, oldest first.
	Prior []PriorPhase

	// ExtraContext is the free-form key/value context from the run input.
	ExtraContext map[string]string

	Progress ProgressFunc
}

// Emit sends a progress event if a callback is registered.
func (c *Context) Emit(ev ProgressEvent) {
	if c.Progress != nil {
		c.Progress(ev)
	}
}

// LatestPrior returns the most recent completed prior execution of the named
// phase, or nil.
func (c *Context) LatestPrior(phaseID string) *PriorPhase {
	for i := len(c.Prior) - 1; i >= 0; i-- {
		if c.Prior[i].PhaseID == phaseID {
			return &c.Prior[i]
		}
	}
	return nil
}

// ValidationResult reports input validation.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Invalid builds a failed validation with the given reasons.
func Invalid(reasons ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: reasons}
}

// Valid is the passing validation result.
func Valid() ValidationResult {
	return ValidationResult{Valid: true}
}

// Metrics holds measurements for one phase execution.
type Metrics struct {
	DurationMs int64  `json:"durationMs"`
	Provider   string `json:"provider,omitempty"`
}

// Result is the outcome of one phase execution.
type Result struct {
	Success   bool
	Artifacts []string // file names written under ArtifactsDir
	Output    string
	Error     string
	Metrics   Metrics
}

// Engine executes one kind of phase.
type Engine interface {
	// ID is the engine id referenced by phase definitions.
	ID() string
	// ValidateInputs checks preconditions without side effects.
	ValidateInputs(ctx context.Context, ec *Context) ValidationResult
	// Execute runs the phase. A non-nil error means infrastructure failure
	// (runner aborted, IO); a Result with Success=false means the phase
	// itself failed.
	Execute(ctx context.Context, ec *Context) (*Result, error)
}

// Registry maps engine ids to engines.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a registry from the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.ID()] = e
	}
	return r
}

// Get returns the engine with the given id, or nil.
func (r *Registry) Get(id string) Engine {
	return r.engines[id]
}
