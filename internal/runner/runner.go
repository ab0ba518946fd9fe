// Package runner abstracts the external code-generation agent. Engines hand
// a prompt to a Runner and get text back; whether that text came from a live
// agent subprocess or a deterministic stub is invisible to them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAborted is the canonical cancellation error. A runner that observes its
// context being cancelled must return an error wrapping ErrAborted and must
// not partially update artifacts.
var ErrAborted = errors.New("runner aborted")

// Request describes one agent invocation.
type Request struct {
	// SessionID correlates the invocation; format wf-{runId}-{phaseId}-{iteration}.
	SessionID string
	// RunID and PhaseID identify the owning run and phase. Run ids contain
	// dashes, so they are carried explicitly rather than parsed back out of
	// the session id.
	RunID         string
	PhaseID       string
	Prompt        string
	WorkspacePath string
	Timeout       time.Duration
	Provider      string
	Model         string
	// OnProgress receives streamed status lines. Optional.
	OnProgress func(line string)
}

// Metrics holds measurements for one invocation.
type Metrics struct {
	DurationMs int64  `json:"durationMs"`
	Provider   string `json:"provider"`
}

// Result is the outcome of one invocation.
type Result struct {
	Success bool    `json:"success"`
	Output  string  `json:"output"`
	Error   string  `json:"error,omitempty"`
	Metrics Metrics `json:"metrics"`
}

// Runner invokes an agent. Implementations must honor ctx cancellation by
// returning an error wrapping ErrAborted.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// SessionID builds the canonical session id for a phase iteration.
func SessionID(runID, phaseID string, iteration int) string {
	return fmt.Sprintf("wf-%s-%s-%d", runID, phaseID, iteration)
}
