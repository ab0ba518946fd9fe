package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Finalizer closes out a run with a human-readable summary.md assembled from
// the artifacts the earlier phases produced. It never talks to an agent.
type Finalizer struct{}

func NewFinalizer() *Finalizer { return &Finalizer{} }

func (f *Finalizer) ID() string { return "finalizer" }

func (f *Finalizer) ValidateInputs(_ context.Context, _ *Context) ValidationResult {
	return Valid()
}

func (f *Finalizer) Execute(_ context.Context, ec *Context) (*Result, error) {
	start := time.Now()

	var b strings.Builder
	fmt.Fprintf(&b, "# Summary: %s\n\n", ec.Task)
	fmt.Fprintf(&b, "Run: %s\n\n", ec.RunID)

	b.WriteString("## Phases\n\n")
	for _, pp := range ec.Prior {
		fmt.Fprintf(&b, "- %s (iteration %d): %s", pp.PhaseID, pp.Iteration, pp.Status)
		if len(pp.Artifacts) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(pp.Artifacts, ", "))
		}
		b.WriteString("\n")
	}

	if exec := ec.LatestPrior("execution"); exec != nil {
		if data, err := os.ReadFile(filepath.Join(exec.ArtifactsDir, "execution-report.json")); err == nil {
			var report ExecutionReport
			if json.Unmarshal(data, &report) == nil {
				b.WriteString("\n## Execution\n\n")
				fmt.Fprintf(&b, "- Tasks: %d completed, %d failed, %d skipped of %d\n",
					report.TasksCompleted, report.TasksFailed, report.TasksSkipped, report.TasksTotal)
				if len(report.FilesChanged) > 0 {
					b.WriteString("- Files changed:\n")
					for _, file := range report.FilesChanged {
						fmt.Fprintf(&b, "  - %s\n", file)
					}
				}
			}
		}
	}

	if review := ec.LatestPrior("review"); review != nil {
		if data, err := os.ReadFile(filepath.Join(review.ArtifactsDir, "review.json")); err == nil {
			var rev Review
			if json.Unmarshal(data, &rev) == nil {
				b.WriteString("\n## Review\n\n")
				fmt.Fprintf(&b, "- Approved: %v (score %.1f)\n", rev.Approved, rev.OverallScore)
				for _, rec := range rev.Recommendations {
					fmt.Fprintf(&b, "- %s\n", rec)
				}
			}
		}
	}

	path := filepath.Join(ec.ArtifactsDir, "summary.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write summary.md: %w", err)
	}
	ec.Emit(ProgressEvent{Kind: "artifact", Artifact: "summary.md"})

	return &Result{
		Success:   true,
		Artifacts: []string{"summary.md"},
		Metrics:   Metrics{DurationMs: time.Since(start).Milliseconds()},
	}, nil
}
