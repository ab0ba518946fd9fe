package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// TaskStatus is the lifecycle state of one planned task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// Task is one unit of planned work in tasks.json.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	DependsOn    []string   `json:"dependsOn,omitempty"`
	Priority     int        `json:"priority"`
	FilesChanged []string   `json:"filesChanged,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// TaskList is the tasks.json document.
type TaskList struct {
	Version int    `json:"version"`
	Tasks   []Task `json:"tasks"`
}

// ValidateTaskList enforces the planner output contract: version present,
// non-empty tasks, ids unique and fields filled.
func ValidateTaskList(tl *TaskList) error {
	if tl.Version == 0 {
		return fmt.Errorf("tasks.json missing version")
	}
	if len(tl.Tasks) == 0 {
		return fmt.Errorf("tasks.json has no tasks")
	}
	seen := make(map[string]bool, len(tl.Tasks))
	for i, t := range tl.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task %d has no id", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		if t.Title == "" {
			return fmt.Errorf("task %s has no title", t.ID)
		}
		if t.Status == "" {
			return fmt.Errorf("task %s has no status", t.ID)
		}
	}
	for _, t := range tl.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %s depends on unknown task %q", t.ID, dep)
			}
		}
	}
	return nil
}

// LoadTaskList reads and validates a tasks.json file.
func LoadTaskList(path string) (*TaskList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var tl TaskList
	if err := json.Unmarshal(data, &tl); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := ValidateTaskList(&tl); err != nil {
		return nil, err
	}
	return &tl, nil
}

// SaveTaskList writes a tasks.json file.
func SaveTaskList(path string, tl *TaskList) error {
	data, err := json.MarshalIndent(tl, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task list: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// TopoSortTasks orders tasks so dependencies come before dependents. Higher
// priority breaks ties among ready tasks. Cycles are an error.
func TopoSortTasks(tasks []Task) ([]Task, error) {
	byID := make(map[string]*Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		byID[t.ID] = t
		indegree[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}

	ordered := make([]Task, 0, len(tasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			a, b := byID[ready[i]], byID[ready[j]]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.ID < b.ID
		})
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, *byID[id])
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(tasks) {
		return nil, fmt.Errorf("dependency cycle among tasks")
	}
	return ordered, nil
}
