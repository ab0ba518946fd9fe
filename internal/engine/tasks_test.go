package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTaskList(t *testing.T) {
	valid := func() *TaskList {
		return &TaskList{
			Version: 1,
			Tasks: []Task{
				{ID: "task-1", Title: "scaffold", Status: TaskPending},
				{ID: "task-2", Title: "implement", Status: TaskPending, DependsOn: []string{"task-1"}},
			},
		}
	}

	t.Run("valid list passes", func(t *testing.T) {
		require.NoError(t, ValidateTaskList(valid()))
	})

	tests := []struct {
		name   string
		mutate func(*TaskList)
	}{
		{"missing version", func(tl *TaskList) { tl.Version = 0 }},
		{"no tasks", func(tl *TaskList) { tl.Tasks = nil }},
		{"missing id", func(tl *TaskList) { tl.Tasks[0].ID = "" }},
		{"duplicate id", func(tl *TaskList) { tl.Tasks[1].ID = "task-1" }},
		{"missing title", func(tl *TaskList) { tl.Tasks[0].Title = "" }},
		{"missing status", func(tl *TaskList) { tl.Tasks[0].Status = "" }},
		{"unknown dependency", func(tl *TaskList) { tl.Tasks[1].DependsOn = []string{"ghost"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tl := valid()
			tt.mutate(tl)
			require.Error(t, ValidateTaskList(tl))
		})
	}
}

func TestTaskListSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	tl := &TaskList{
		Version: 1,
		Tasks: []Task{
			{ID: "task-1", Title: "do it", Status: TaskCompleted, FilesChanged: []string{"a.go"}},
		},
	}
	require.NoError(t, SaveTaskList(path, tl))

	loaded, err := LoadTaskList(path)
	require.NoError(t, err)
	assert.Equal(t, tl.Tasks, loaded.Tasks)
}

func TestLoadTaskListRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, SaveTaskList(path, &TaskList{Version: 0}))
	_, err := LoadTaskList(path)
	require.Error(t, err)
}

func TestTopoSortTasks(t *testing.T) {
	t.Run("dependencies come first", func(t *testing.T) {
		tasks := []Task{
			{ID: "c", Title: "c", Status: TaskPending, DependsOn: []string{"b"}},
			{ID: "b", Title: "b", Status: TaskPending, DependsOn: []string{"a"}},
			{ID: "a", Title: "a", Status: TaskPending},
		}
		ordered, err := TopoSortTasks(tasks)
		require.NoError(t, err)
		ids := taskIDs(ordered)
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("priority breaks ties among ready tasks", func(t *testing.T) {
		tasks := []Task{
			{ID: "low", Title: "low", Status: TaskPending, Priority: 1},
			{ID: "high", Title: "high", Status: TaskPending, Priority: 10},
			{ID: "mid", Title: "mid", Status: TaskPending, Priority: 5},
		}
		ordered, err := TopoSortTasks(tasks)
		require.NoError(t, err)
		assert.Equal(t, []string{"high", "mid", "low"}, taskIDs(ordered))
	})

	t.Run("equal priority falls back to id order", func(t *testing.T) {
		tasks := []Task{
			{ID: "zeta", Title: "z", Status: TaskPending},
			{ID: "alpha", Title: "a", Status: TaskPending},
		}
		ordered, err := TopoSortTasks(tasks)
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "zeta"}, taskIDs(ordered))
	})

	t.Run("cycle is an error", func(t *testing.T) {
		tasks := []Task{
			{ID: "a", Title: "a", Status: TaskPending, DependsOn: []string{"b"}},
			{ID: "b", Title: "b", Status: TaskPending, DependsOn: []string{"a"}},
		}
		_, err := TopoSortTasks(tasks)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("empty input", func(t *testing.T) {
		ordered, err := TopoSortTasks(nil)
		require.NoError(t, err)
		assert.Empty(t, ordered)
	})
}

func taskIDs(tasks []Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
