// Package workflow implements the durable dev-cycle orchestrator: run state,
// the phase state machine, atomic persistence, event emission and transition
// evaluation.
//
// A workflow run owns its directory under <workflowsRoot>/<runId>/ and every
// artifact beneath it. State mutations are persisted before or immediately
// after the corresponding event is logged, so a crashed process can resume
// from run.json alone.
package workflow

import (
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusPaused    RunStatus = "paused"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether a status can never change again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PhaseStatus is the lifecycle state of one phase execution.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// WorkspaceMode controls how the run touches the target repository.
type WorkspaceMode string

const (
	WorkspaceInPlace  WorkspaceMode = "in-place"
	WorkspaceWorktree WorkspaceMode = "worktree"
	WorkspaceCopy     WorkspaceMode = "copy"
)

// RunInput is the caller-supplied input, snapshotted to input.json.
type RunInput struct {
	Task     string            `json:"task"`
	RepoPath string            `json:"repoPath"`
	Context  map[string]string `json:"context,omitempty"`
	Live     bool              `json:"live"`
}

// Workspace describes where and how the run operates on the repository.
type Workspace struct {
	Mode       WorkspaceMode `json:"mode"`
	TargetRepo string        `json:"targetRepo"`
	Branch     string        `json:"branch,omitempty"`
	BaseBranch string        `json:"baseBranch,omitempty"`
}

// RunError captures a run failure for run.json.
type RunError struct {
	Phase       string `json:"phase"`
	Message     string `json:"message"`
	Stack       string `json:"stack,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// PhaseMetrics holds execution measurements for a phase.
type PhaseMetrics struct {
	DurationMs int64 `json:"durationMs"`
}

// PhaseExecution is one immutable entry in the run's phase history.
type PhaseExecution struct {
	PhaseID   string       `json:"phaseId"`
	Iteration int          `json:"iteration"` // 1-based per phase
	Status    PhaseStatus  `json:"status"`
	Artifacts []string     `json:"artifacts,omitempty"`
	Metrics   PhaseMetrics `json:"metrics"`
	LogPath   string       `json:"logPath,omitempty"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   time.Time    `json:"endedAt,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// WorkflowRun is the canonical durable state of one run (run.json).
type WorkflowRun struct {
	ID             string           `json:"id"`
	DefinitionType string           `json:"definitionType"`
	Status         RunStatus        `json:"status"`
	Input          RunInput         `json:"input"`
	Workspace      Workspace        `json:"workspace"`
	CurrentPhase   string           `json:"currentPhase,omitempty"`
	PhaseHistory   []PhaseExecution `json:"phaseHistory,omitempty"`
	IterationCount map[string]int   `json:"iterationCount,omitempty"` // per phase id
	RetryCount     int              `json:"retryCount"`
	MaxRetries     int              `json:"maxRetries"`
	CreatedAt      time.Time        `json:"createdAt"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	ResumedAt      *time.Time       `json:"resumedAt,omitempty"`
	Error          *RunError        `json:"error,omitempty"`
}

// LatestExecution returns the most recent execution of the given phase, or nil.
func (r *WorkflowRun) LatestExecution(phaseID string) *PhaseExecution {
	for i := len(r.PhaseHistory) - 1; i >= 0; i-- {
		if r.PhaseHistory[i].PhaseID == phaseID {
			return &r.PhaseHistory[i]
		}
	}
	return nil
}

// RunningExecution returns the currently running execution, or nil.
// The data model allows at most one.
func (r *WorkflowRun) RunningExecution() *PhaseExecution {
	for i := range r.PhaseHistory {
		if r.PhaseHistory[i].Status == PhaseRunning {
			return &r.PhaseHistory[i]
		}
	}
	return nil
}

// PhaseSettings bounds a phase's execution.
type PhaseSettings struct {
	TimeoutMs int `yaml:"timeoutMs" json:"timeoutMs"`
	Retries   int `yaml:"retries" json:"retries"`
}

// TransitionRule routes control after a phase completes. The first rule whose
// condition matches wins; no match advances to the next phase in order.
type TransitionRule struct {
	// When is a condition over the completed phase's JSON artifacts, e.g.
	// "review.approved == false". Artifact file names are normalized
	// kebab-case to camelCase ("plan-review.json" -> planReview).
	When string `yaml:"when" json:"when"`
	// To is a phase id, or the sentinel "complete" / "fail".
	To string `yaml:"to" json:"to"`
}

// AgentConfig selects the external agent for a phase.
type AgentConfig struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
}

// PhaseDefinition is the static description of a phase within a definition.
type PhaseDefinition struct {
	ID              string           `yaml:"id" json:"id"`
	Engine          string           `yaml:"engine" json:"engine"` // planner, executor, reviewer, finalizer
	Agent           AgentConfig      `yaml:"agent" json:"agent"`
	InputArtifacts  []string         `yaml:"inputArtifacts,omitempty" json:"inputArtifacts,omitempty"`
	OutputArtifacts []string         `yaml:"outputArtifacts,omitempty" json:"outputArtifacts,omitempty"`
	Settings        PhaseSettings    `yaml:"settings" json:"settings"`
	Transitions     []TransitionRule `yaml:"transitions,omitempty" json:"transitions,omitempty"`
}

// WorkflowDefinition is an ordered sequence of phases.
type WorkflowDefinition struct {
	Type   string            `yaml:"type" json:"type"`
	Phases []PhaseDefinition `yaml:"phases" json:"phases"`
}

// PhaseByID returns the definition of the named phase, or nil.
func (d *WorkflowDefinition) PhaseByID(id string) *PhaseDefinition {
	for i := range d.Phases {
		if d.Phases[i].ID == id {
			return &d.Phases[i]
		}
	}
	return nil
}

// NextPhase returns the phase following the given one in definition order,
// or nil when it is the last.
func (d *WorkflowDefinition) NextPhase(id string) *PhaseDefinition {
	for i := range d.Phases {
		if d.Phases[i].ID == id && i+1 < len(d.Phases) {
			return &d.Phases[i+1]
		}
	}
	return nil
}
