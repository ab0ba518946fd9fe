package workflow

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	store, err := NewStateStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testRun(id string) *WorkflowRun {
	return &WorkflowRun{
		ID:             id,
		DefinitionType: "dev-cycle",
		Status:         StatusPending,
		Input:          RunInput{Task: "add feature", RepoPath: "/tmp/repo"},
		Workspace:      Workspace{Mode: WorkspaceInPlace, TargetRepo: "/tmp/repo"},
		IterationCount: map[string]int{},
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestStateStoreSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	run := testRun("wf-20260101T000000-abc12345")
	require.NoError(t, store.CreateRunDir(run.ID))
	require.NoError(t, store.SaveRunState(run))

	loaded, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	if diff := cmp.Diff(run, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("run state changed across save/load (-saved +loaded):\n%s", diff)
	}
}

func TestStateStoreLoadMissingRun(t *testing.T) {
	store := newTestStore(t)
	run, err := store.LoadRunState("wf-nope")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestStateStoreCorruptRunState(t *testing.T) {
	store := newTestStore(t)
	run := testRun("wf-corrupt")
	require.NoError(t, store.CreateRunDir(run.ID))
	require.NoError(t, os.WriteFile(
		filepath.Join(store.RunDir(run.ID), "run.json"), []byte("{oops"), 0o644))

	_, err := store.LoadRunState(run.ID)
	require.Error(t, err)
	assert.IsType(t, &IntegrityError{}, err)
}

func TestStateStoreAtomicSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	run := testRun("wf-atomic")
	require.NoError(t, store.CreateRunDir(run.ID))

	for i := 0; i < 5; i++ {
		run.RetryCount = i
		require.NoError(t, store.SaveRunState(run))
	}

	entries, err := os.ReadDir(store.RunDir(run.ID))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-", "temp file left behind: %s", e.Name())
	}
}

func TestChecksumRoundTrip(t *testing.T) {
	store := newTestStore(t)
	run := testRun("wf-checksum")
	require.NoError(t, store.CreateRunDir(run.ID))
	require.NoError(t, store.SaveStateWithChecksum(run))

	t.Run("fresh state verifies", func(t *testing.T) {
		ok, err := store.VerifyChecksum(run.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("external edit is detected", func(t *testing.T) {
		run.Status = StatusRunning
		require.NoError(t, store.SaveRunState(run)) // state saved without sidecar update
		ok, err := store.VerifyChecksum(run.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing sidecar verifies true", func(t *testing.T) {
		other := testRun("wf-nosidecar")
		require.NoError(t, store.CreateRunDir(other.ID))
		require.NoError(t, store.SaveRunState(other))
		ok, err := store.VerifyChecksum(other.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestChecksumIsStable(t *testing.T) {
	run := testRun("wf-stable")
	a, err := ComputeChecksum(run)
	require.NoError(t, err)
	b, err := ComputeChecksum(run)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestAppendAndReadEvents(t *testing.T) {
	store := newTestStore(t)
	run := testRun("wf-events")
	require.NoError(t, store.CreateRunDir(run.ID))

	for _, et := range []EventType{EventWorkflowStarted, EventPhaseStarted, EventPhaseCompleted} {
		require.NoError(t, store.AppendEvent(run.ID, Event{
			Type:       et,
			WorkflowID: run.ID,
			Timestamp:  time.Now().UTC(),
			Data:       map[string]interface{}{"phase": "plan"},
		}))
	}

	events, err := store.ReadEvents(run.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventWorkflowStarted, events[0].Type)
	assert.Equal(t, EventPhaseCompleted, events[2].Type)
}

func TestReadEventsSkipsTornTail(t *testing.T) {
	store := newTestStore(t)
	run := testRun("wf-torn")
	require.NoError(t, store.CreateRunDir(run.ID))
	require.NoError(t, store.AppendEvent(run.ID, Event{Type: EventWorkflowStarted, WorkflowID: run.ID}))

	// Simulate a crash mid-append.
	path := filepath.Join(store.RunDir(run.ID), "events.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"phase:sta`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := store.ReadEvents(run.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestListRuns(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"wf-b", "wf-a", "wf-c"} {
		run := testRun(id)
		require.NoError(t, store.CreateRunDir(run.ID))
		require.NoError(t, store.SaveRunState(run))
	}
	// A directory without run.json is not a run.
	require.NoError(t, os.MkdirAll(filepath.Join(store.Root(), "not-a-run"), 0o755))

	ids, err := store.ListRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a", "wf-b", "wf-c"}, ids)
}

func TestDeleteRunAndDiskUsage(t *testing.T) {
	store := newTestStore(t)
	run := testRun("wf-del")
	require.NoError(t, store.CreateRunDir(run.ID))
	require.NoError(t, store.SaveRunState(run))

	usage, err := store.DiskUsage(run.ID)
	require.NoError(t, err)
	assert.Greater(t, usage, int64(0))

	require.NoError(t, store.DeleteRun(run.ID))
	loaded, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestNewRunIDIsSortable(t *testing.T) {
	early := NewRunID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "aaaaaaaa")
	late := NewRunID(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), "bbbbbbbb")
	assert.Less(t, early, late)
}
