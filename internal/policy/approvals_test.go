package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(runID, phaseID string, action ApprovalAction, decision ApprovalDecision, scope RememberScope) ApprovalRecord {
	remember := scope != RememberOnce
	return ApprovalRecord{
		Request:       NewApprovalRequest(runID, phaseID, "test", action),
		Decision:      decision,
		DecidedAt:     time.Now().UTC(),
		Remember:      remember,
		RememberScope: scope,
	}
}

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		name   string
		action ApprovalAction
		want   string
	}{
		{"path is cleaned", ApprovalAction{TargetPath: "./a/../b/file.go"}, "b/file.go"},
		{"command whitespace collapsed", ApprovalAction{Command: "  ls   -la   src "}, "ls -la src"},
		{"url lowercased and trimmed", ApprovalAction{URL: "https://API.Example.com/v1/"}, "https://api.example.com/v1"},
		{"empty action", ApprovalAction{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeTarget(tt.action))
		})
	}
}

func TestApprovalStoreSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	store := NewApprovalStore(dir)
	action := ApprovalAction{ActionType: ActionCommandExec, Command: "go test ./..."}

	require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberRun)))
	require.NoError(t, store.Save(testRecord("run-1", "execution", action, Denied, RememberOnce)))

	recs, err := store.GetByRun("run-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, Approved, recs[0].Decision)

	t.Run("fresh store reloads from disk", func(t *testing.T) {
		reopened := NewApprovalStore(dir)
		recs, err := reopened.GetByRun("run-1")
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("unknown run is empty", func(t *testing.T) {
		recs, err := store.GetByRun("run-missing")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestApprovalStoreSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	store := NewApprovalStore(dir)
	action := ApprovalAction{ActionType: ActionFileDelete, TargetPath: "tmp/x"}
	require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberRun)))

	path := filepath.Join(dir, "run-1", approvalsFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"request\": torn\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := NewApprovalStore(dir)
	recs, err := reopened.GetByRun("run-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestFindMatching(t *testing.T) {
	action := ApprovalAction{ActionType: ActionCommandExec, Command: "npm install"}

	t.Run("once decisions never match", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		rec := testRecord("run-1", "execution", action, Approved, RememberOnce)
		require.NoError(t, store.Save(rec))

		got, err := store.FindMatching(NewApprovalRequest("run-1", "execution", "", action))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("phase scope matches only the same phase", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberPhase)))

		same, err := store.FindMatching(NewApprovalRequest("run-1", "execution", "", action))
		require.NoError(t, err)
		require.NotNil(t, same)
		assert.Equal(t, Approved, same.Decision)

		other, err := store.FindMatching(NewApprovalRequest("run-1", "review", "", action))
		require.NoError(t, err)
		assert.Nil(t, other)
	})

	t.Run("run scope matches across phases", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberRun)))

		got, err := store.FindMatching(NewApprovalRequest("run-1", "finalize", "", action))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, Approved, got.Decision)
	})

	t.Run("newest remembered decision wins", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberRun)))
		require.NoError(t, store.Save(testRecord("run-1", "execution", action, Denied, RememberRun)))

		got, err := store.FindMatching(NewApprovalRequest("run-1", "execution", "", action))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, Denied, got.Decision)
	})

	t.Run("action type must match", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberRun)))

		other := ApprovalAction{ActionType: ActionFileWrite, Command: "npm install"}
		got, err := store.FindMatching(NewApprovalRequest("run-1", "execution", "", other))
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("targets match after normalization", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberRun)))

		spaced := ApprovalAction{ActionType: ActionCommandExec, Command: "npm   install"}
		got, err := store.FindMatching(NewApprovalRequest("run-1", "execution", "", spaced))
		require.NoError(t, err)
		require.NotNil(t, got)
	})

	t.Run("runs are isolated", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberRun)))

		got, err := store.FindMatching(NewApprovalRequest("run-2", "execution", "", action))
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestClearRun(t *testing.T) {
	dir := t.TempDir()
	store := NewApprovalStore(dir)
	action := ApprovalAction{ActionType: ActionCommandExec, Command: "make"}
	require.NoError(t, store.Save(testRecord("run-1", "execution", action, Approved, RememberRun)))

	require.NoError(t, store.ClearRun("run-1"))
	assert.NoFileExists(t, filepath.Join(dir, "run-1", approvalsFileName))

	recs, err := store.GetByRun("run-1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	t.Run("clearing an absent run is fine", func(t *testing.T) {
		require.NoError(t, store.ClearRun("run-ghost"))
	})
}
