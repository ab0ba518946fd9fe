package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"devloop/internal/logging"
	"devloop/internal/runner"
)

// Planner turns a task description into plan.md and tasks.json.
type Planner struct{}

func NewPlanner() *Planner { return &Planner{} }

func (p *Planner) ID() string { return "planner" }

func (p *Planner) ValidateInputs(_ context.Context, ec *Context) ValidationResult {
	var errs []string
	if strings.TrimSpace(ec.Task) == "" {
		errs = append(errs, "task description is empty")
	}
	if info, err := os.Stat(ec.WorkspacePath); err != nil || !info.IsDir() {
		errs = append(errs, fmt.Sprintf("workspace %s does not exist", ec.WorkspacePath))
	}
	if len(errs) > 0 {
		return Invalid(errs...)
	}
	return Valid()
}

func (p *Planner) Execute(ctx context.Context, ec *Context) (*Result, error) {
	start := time.Now()
	ec.Emit(ProgressEvent{Kind: "status", Message: "analyzing workspace"})
	analysis := AnalyzeWorkspace(ec.WorkspacePath)
	logging.Engine("planner %s: workspace %s (%s/%s)", ec.RunID, analysis.Name, analysis.ProjectType, analysis.Framework)

	var planMD string
	var tasks *TaskList
	var err error
	if ec.Live {
		planMD, tasks, err = p.planLive(ctx, ec, analysis)
	} else {
		planMD, tasks = p.planStub(ec, analysis)
	}
	if err != nil {
		return nil, err
	}

	planPath := filepath.Join(ec.ArtifactsDir, "plan.md")
	if err := os.WriteFile(planPath, []byte(planMD), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write plan.md: %w", err)
	}
	ec.Emit(ProgressEvent{Kind: "artifact", Artifact: "plan.md"})

	if err := SaveTaskList(filepath.Join(ec.ArtifactsDir, "tasks.json"), tasks); err != nil {
		return nil, err
	}
	ec.Emit(ProgressEvent{Kind: "artifact", Artifact: "tasks.json"})

	return &Result{
		Success:   true,
		Artifacts: []string{"plan.md", "tasks.json"},
		Metrics:   Metrics{DurationMs: time.Since(start).Milliseconds()},
	}, nil
}

// planStub produces a deterministic four-task plan.
func (p *Planner) planStub(ec *Context, analysis *WorkspaceAnalysis) (string, *TaskList) {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan: %s\n\n", ec.Task)
	fmt.Fprintf(&b, "Workspace: %s (%s)\n\n", analysis.Name, analysis.ProjectType)
	b.WriteString("## Approach\n\n")
	b.WriteString("1. Survey the existing code paths the change touches.\n")
	b.WriteString("2. Implement the change incrementally.\n")
	b.WriteString("3. Cover the change with tests.\n")
	fmt.Fprintf(&b, "4. Verify with `%s`.\n", analysis.TestCommand)

	tasks := &TaskList{
		Version: 1,
		Tasks: []Task{
			{
				ID:          "task-1",
				Title:       "Survey affected code",
				Description: fmt.Sprintf("Identify the files involved in: %s", ec.Task),
				Status:      TaskPending,
				Priority:    40,
			},
			{
				ID:          "task-2",
				Title:       "Implement the change",
				Description: ec.Task,
				Status:      TaskPending,
				DependsOn:   []string{"task-1"},
				Priority:    30,
			},
			{
				ID:          "task-3",
				Title:       "Add tests",
				Description: "Cover the new behavior with tests",
				Status:      TaskPending,
				DependsOn:   []string{"task-2"},
				Priority:    20,
			},
			{
				ID:          "task-4",
				Title:       "Verify",
				Description: fmt.Sprintf("Run %s and fix regressions", analysis.TestCommand),
				Status:      TaskPending,
				DependsOn:   []string{"task-3"},
				Priority:    10,
			},
		},
	}
	return b.String(), tasks
}

// planLive asks the agent for a plan and parses it strictly. Any failure to
// extract and validate the task list is fatal; there is no silent fallback.
func (p *Planner) planLive(ctx context.Context, ec *Context, analysis *WorkspaceAnalysis) (string, *TaskList, error) {
	prompt := p.buildPrompt(ec, analysis)
	ec.Emit(ProgressEvent{Kind: "status", Message: "requesting plan from agent"})

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
		return "", nil, err
	}
	if !res.Success {
		return "", nil, fmt.Errorf("planner agent failed: %s", res.Error)
	}

	planMD, ok := ExtractSection(res.Output, "plan.md")
	if !ok {
		return "", nil, fmt.Errorf("planner output missing plan.md section")
	}
	tasksJSON, ok := ExtractJSONSection(res.Output, "tasks.json")
	if !ok {
		return "", nil, fmt.Errorf("planner output missing tasks.json section")
	}

	var tasks TaskList
	if err := json.Unmarshal([]byte(tasksJSON), &tasks); err != nil {
		return "", nil, fmt.Errorf("planner produced invalid tasks.json: %w", err)
	}
	if err := ValidateTaskList(&tasks); err != nil {
		return "", nil, fmt.Errorf("planner produced invalid tasks.json: %w", err)
	}
	return planMD, &tasks, nil
}

func (p *Planner) buildPrompt(ec *Context, analysis *WorkspaceAnalysis) string {
	var b strings.Builder
	b.WriteString("You are planning a development task. Produce an implementation plan and an ordered task list.\n\n")
	fmt.Fprintf(&b, "Task: %s\n\n", ec.Task)
	fmt.Fprintf(&b, "Project: %s (type=%s", analysis.Name, analysis.ProjectType)
	if analysis.Framework != "" {
		fmt.Fprintf(&b, ", framework=%s", analysis.Framework)
	}
	b.WriteString(")\n")
	fmt.Fprintf(&b, "Top-level entries: %s\n\n", strings.Join(analysis.TopLevel, ", "))

	// Replans get the rejected review for context.
	if review := ec.LatestPrior("review"); review != nil {
		if data, err := os.ReadFile(filepath.Join(review.ArtifactsDir, "review.json")); err == nil {
			fmt.Fprintf(&b, "A previous plan was rejected. Reviewer feedback:\n%s\n\n", string(data))
		}
	}

	b.WriteString("Respond with exactly these two sections:\n\n")
	b.WriteString("--- BEGIN plan.md ---\n<markdown plan>\n--- END plan.md ---\n\n")
	b.WriteString("--- BEGIN tasks.json ---\n")
	b.WriteString(`{"version": 1, "tasks": [{"id": "task-1", "title": "...", "description": "...", "status": "pending", "dependsOn": [], "priority": 10}]}`)
	b.WriteString("\n--- END tasks.json ---\n")
	return b.String()
}
