package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"devloop/internal/logging"
	"devloop/internal/runner"
)

// ReviewIssue is one reviewer finding.
type ReviewIssue struct {
	Severity string `json:"severity"` // info, warning, error
	File     string `json:"file,omitempty"`
	Message  string `json:"message"`
}

// Review is the review.json artifact.
type Review struct {
	Approved        bool          `json:"approved"`
	OverallScore    float64       `json:"overallScore"` // 0-10
	Issues          []ReviewIssue `json:"issues"`
	Recommendations []string      `json:"recommendations"`
}

// Reviewer judges the executed work and decides whether to replan.
type Reviewer struct{}

func NewReviewer() *Reviewer { return &Reviewer{} }

func (r *Reviewer) ID() string { return "reviewer" }

// ValidateInputs checks for a git repository but never blocks execution: a
// non-git workspace still gets a review, just without diff context.
func (r *Reviewer) ValidateInputs(_ context.Context, ec *Context) ValidationResult {
	if _, err := os.Stat(filepath.Join(ec.WorkspacePath, ".git")); err != nil {
		logging.Engine("reviewer %s: workspace %s is not a git repository, reviewing without diff context",
			ec.RunID, ec.WorkspacePath)
	}
	return Valid()
}

func (r *Reviewer) Execute(ctx context.Context, ec *Context) (*Result, error) {
	start := time.Now()

	var review *Review
	var err error
	if ec.Live {
		review, err = r.reviewLive(ctx, ec)
	} else {
		review = r.reviewStub(ec)
	}
	if err != nil {
		return nil, err
	}

	reviewData, err := json.MarshalIndent(review, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal review: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ec.ArtifactsDir, "review.json"), reviewData, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write review.json: %w", err)
	}
	ec.Emit(ProgressEvent{Kind: "artifact", Artifact: "review.json"})

	recData, err := json.MarshalIndent(map[string]interface{}{
		"recommendations": review.Recommendations,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recommendations: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ec.ArtifactsDir, "recommendations.json"), recData, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write recommendations.json: %w", err)
	}
	ec.Emit(ProgressEvent{Kind: "artifact", Artifact: "recommendations.json"})

	logging.Engine("reviewer %s: approved=%v score=%.1f issues=%d",
		ec.RunID, review.Approved, review.OverallScore, len(review.Issues))
	return &Result{
		Success:   true,
		Artifacts: []string{"review.json", "recommendations.json"},
		Metrics:   Metrics{DurationMs: time.Since(start).Milliseconds()},
	}, nil
}

// reviewStub approves when the latest execution report shows no failures. The
// input context key "reviewRejectFirst" forces rejection for the first N
// review iterations, which exercises the replan loop without a live agent.
func (r *Reviewer) reviewStub(ec *Context) *Review {
	if v, ok := ec.ExtraContext["reviewRejectFirst"]; ok {
		if n, err := strconv.Atoi(v); err == nil && ec.Iteration <= n {
			return &Review{
				Approved:     false,
				OverallScore: 4.0,
				Issues: []ReviewIssue{
					{Severity: "error", Message: "plan does not fully address the task, replan required"},
				},
				Recommendations: []string{"revise the plan to cover the missing scope"},
			}
		}
	}

	review := &Review{
		Approved:        true,
		OverallScore:    8.5,
		Issues:          []ReviewIssue{},
		Recommendations: []string{"consider adding integration coverage"},
	}

	if exec := ec.LatestPrior("execution"); exec != nil {
		if data, err := os.ReadFile(filepath.Join(exec.ArtifactsDir, "execution-report.json")); err == nil {
			var report ExecutionReport
			if json.Unmarshal(data, &report) == nil && report.TasksFailed > 0 {
				review.Approved = false
				review.OverallScore = 3.0
				review.Issues = append(review.Issues, ReviewIssue{
					Severity: "error",
					Message:  fmt.Sprintf("%d of %d tasks failed during execution", report.TasksFailed, report.TasksTotal),
				})
				review.Recommendations = []string{"replan around the failed tasks"}
			}
		}
	}
	return review
}

// reviewLive asks the agent to review and parses review.json strictly.
func (r *Reviewer) reviewLive(ctx context.Context, ec *Context) (*Review, error) {
	prompt := fmt.Sprintf(`Review the changes made in this workspace for the task: %s

Judge correctness, completeness and test coverage. Respond with exactly:
--- BEGIN review.json ---
{"approved": true, "overallScore": 8.0, "issues": [{"severity": "warning", "file": "...", "message": "..."}], "recommendations": ["..."]}
--- END review.json ---
`, ec.Task)

	res, err := ec.Runner.Run(ctx, runner.Request{
		SessionID:     runner.SessionID(ec.RunID, ec.PhaseID, ec.Iteration),
		RunID:         ec.RunID,
		PhaseID:       ec.PhaseID,
		Prompt:        prompt,
		WorkspacePath: ec.WorkspacePath,
		Timeout:       ec.Timeout,
		Provider:      ec.Provider,
		Model:         ec.Model,
		OnProgress: func(line string) {
			ec.Emit(ProgressEvent{Kind: "status", Message: line})
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("reviewer agent failed: %s", res.Error)
	}

	raw, ok := ExtractJSONSection(res.Output, "review.json")
	if !ok {
		return nil, fmt.Errorf("reviewer output missing review.json section")
	}
	var review Review
	if err := json.Unmarshal([]byte(raw), &review); err != nil {
		return nil, fmt.Errorf("reviewer produced invalid review.json: %w", err)
	}
	if review.Issues == nil {
		review.Issues = []ReviewIssue{}
	}
	if review.Recommendations == nil {
		review.Recommendations = []string{}
	}
	return &review, nil
}
