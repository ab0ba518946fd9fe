package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"devloop/internal/logging"
	"devloop/internal/runner"
)

// ExecutionReport is the execution phase's summary artifact.
type ExecutionReport struct {
	TasksTotal     int      `json:"tasksTotal"`
	TasksCompleted int      `json:"tasksCompleted"`
	TasksFailed    int      `json:"tasksFailed"`
	TasksSkipped   int      `json:"tasksSkipped"`
	FilesChanged   []string `json:"filesChanged,omitempty"`
	DurationMs     int64    `json:"durationMs"`
}

// Executor works through the planned task list.
type Executor struct {
	// ContinueOnFailure keeps executing remaining tasks after one fails.
	ContinueOnFailure bool
}

func NewExecutor() *Executor {
	return &Executor{ContinueOnFailure: true}
}

func (e *Executor) ID() string { return "executor" }

func (e *Executor) ValidateInputs(_ context.Context, ec *Context) ValidationResult {
	if e.selectPlanningPhase(ec) == nil {
		return Invalid("no completed planning phase with tasks.json found")
	}
	return Valid()
}

// selectPlanningPhase finds the tasks.json source: among completed prior
// phases whose artifacts include tasks.json, prefer those that also produced
// plan.md (planning output, not a prior execution's updated tasks.json), then
// take the highest iteration.
func (e *Executor) selectPlanningPhase(ec *Context) *PriorPhase {
	var best *PriorPhase
	bestHasPlan := false
	for i := range ec.Prior {
		pp := &ec.Prior[i]
		if !hasArtifact(pp, "tasks.json") {
			continue
		}
		hasPlan := hasArtifact(pp, "plan.md")
		switch {
		case best == nil:
			best, bestHasPlan = pp, hasPlan
		case hasPlan && !bestHasPlan:
			best, bestHasPlan = pp, hasPlan
		case hasPlan == bestHasPlan && pp.Iteration >= best.Iteration:
			best = pp
		}
	}
	return best
}

func hasArtifact(pp *PriorPhase, name string) bool {
	for _, a := range pp.Artifacts {
		if a == name {
			return true
		}
	}
	return false
}

func (e *Executor) Execute(ctx context.Context, ec *Context) (*Result, error) {
	start := time.Now()

	source := e.selectPlanningPhase(ec)
	if source == nil {
		return nil, fmt.Errorf("no completed planning phase with tasks.json found")
	}
	logging.Engine("executor %s: using tasks from %s iteration %d", ec.RunID, source.PhaseID, source.Iteration)

	taskList, err := LoadTaskList(filepath.Join(source.ArtifactsDir, "tasks.json"))
	if err != nil {
		return nil, err
	}

	ordered, err := TopoSortTasks(taskList.Tasks)
	if err != nil {
		return nil, err
	}

	report := ExecutionReport{TasksTotal: len(ordered)}
	status := make(map[string]TaskStatus, len(ordered))
	aborted := false

	for i := range ordered {
		task := &ordered[i]
		if aborted {
			task.Status = TaskSkipped
			status[task.ID] = TaskSkipped
			report.TasksSkipped++
			continue
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("executor: %w", runner.ErrAborted)
		}

		if !depsCompleted(task, status) {
			task.Status = TaskSkipped
			status[task.ID] = TaskSkipped
			report.TasksSkipped++
			ec.Emit(ProgressEvent{Kind: "task", TaskID: task.ID, Message: "skipped: dependencies not completed"})
			continue
		}

		ec.Emit(ProgressEvent{Kind: "task", TaskID: task.ID, Message: "starting " + task.Title})
		task.Status = TaskInProgress

		out, err := e.runTask(ctx, ec, task)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			task.Status = TaskFailed
			task.Error = err.Error()
			status[task.ID] = TaskFailed
			report.TasksFailed++
			logging.Get(logging.CategoryEngine).Error("executor %s: task %s failed: %v", ec.RunID, task.ID, err)
			ec.Emit(ProgressEvent{Kind: "error", TaskID: task.ID, Message: err.Error()})
			if !e.ContinueOnFailure {
				aborted = true
			}
			continue
		}

		task.Status = TaskCompleted
		task.FilesChanged = out.FilesChanged
		status[task.ID] = TaskCompleted
		report.TasksCompleted++
		report.FilesChanged = append(report.FilesChanged, out.FilesChanged...)
		ec.Emit(ProgressEvent{Kind: "task", TaskID: task.ID, Message: "completed"})
	}

	report.DurationMs = time.Since(start).Milliseconds()

	updated := &TaskList{Version: taskList.Version, Tasks: ordered}
	if err := SaveTaskList(filepath.Join(ec.ArtifactsDir, "tasks.json"), updated); err != nil {
		return nil, err
	}
	ec.Emit(ProgressEvent{Kind: "artifact", Artifact: "tasks.json"})

	reportData, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution report: %w", err)
	}
	reportPath := filepath.Join(ec.ArtifactsDir, "execution-report.json")
	if err := os.WriteFile(reportPath, reportData, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write execution-report.json: %w", err)
	}
	ec.Emit(ProgressEvent{Kind: "artifact", Artifact: "execution-report.json"})

	res := &Result{
		Success:   report.TasksFailed == 0,
		Artifacts: []string{"tasks.json", "execution-report.json"},
		Metrics:   Metrics{DurationMs: report.DurationMs},
	}
	if !res.Success {
		res.Error = fmt.Sprintf("%d of %d tasks failed", report.TasksFailed, report.TasksTotal)
	}
	return res, nil
}

func depsCompleted(task *Task, status map[string]TaskStatus) bool {
	for _, dep := range task.DependsOn {
		if status[dep] != TaskCompleted {
			return false
		}
	}
	return true
}

// runTask executes one task: through the agent in live mode, synthesized in
// stub mode.
func (e *Executor) runTask(ctx context.Context, ec *Context, task *Task) (*TaskOutput, error) {
	if !ec.Live {
		return &TaskOutput{Summary: "completed (stub)"}, nil
	}

	prompt := fmt.Sprintf(`Implement this task in the workspace.

Task %s: %s
%s

When done, respond with exactly:
--- SUMMARY ---
<one paragraph of what changed>
--- FILES CHANGED ---
<one path per line, or (none)>
--- END ---
`, task.ID, task.Title, task.Description)

	res, err := ec.Runner.Run(ctx, runner.Request{
		SessionID:     runner.SessionID(ec.RunID, ec.PhaseID, ec.Iteration) + "-" + task.ID,
		RunID:         ec.RunID,
		PhaseID:       ec.PhaseID,
		Prompt:        prompt,
		WorkspacePath: ec.WorkspacePath,
		Timeout:       ec.Timeout,
		Provider:      ec.Provider,
		Model:         ec.Model,
		OnProgress: func(line string) {
			ec.Emit(ProgressEvent{Kind: "status", TaskID: task.ID, Message: line})
		},
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("agent failed: %s", res.Error)
	}
	return ParseTaskOutput(res.Output)
}
