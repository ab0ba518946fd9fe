package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"devloop/internal/engine"
	"devloop/internal/runner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestOrchestrator(t *testing.T, opts Options) (*Orchestrator, *StateStore) {
	t.Helper()
	store := newTestStore(t)
	defs := NewRegistry()
	defs.Register(DevCycleDefinition())
	engines := engine.NewRegistry(
		engine.NewPlanner(),
		engine.NewExecutor(),
		engine.NewReviewer(),
		engine.NewFinalizer(),
	)
	return NewOrchestrator(store, defs, engines, runner.NewStubRunner(), nil, opts), store
}

func stubInput(t *testing.T) RunInput {
	t.Helper()
	return RunInput{Task: "add a health endpoint", RepoPath: t.TempDir()}
}

func TestStartValidation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Options{})

	tests := []struct {
		name    string
		defType string
		input   RunInput
	}{
		{"unknown definition", "nope", stubInput(t)},
		{"missing task", "dev-cycle", RunInput{RepoPath: t.TempDir()}},
		{"missing repo", "dev-cycle", RunInput{Task: "x"}},
		{"repo not a directory", "dev-cycle", RunInput{Task: "x", RepoPath: "/nonexistent/repo"}},
		{"live without live runner", "dev-cycle", RunInput{Task: "x", RepoPath: t.TempDir(), Live: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := orch.Start(tt.defType, tt.input, Workspace{})
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
}

func TestStartCreatesPendingRun(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	assert.Equal(t, StatusPending, run.Status)
	assert.Empty(t, run.CurrentPhase)

	loaded, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, StatusPending, loaded.Status)

	input, err := store.LoadInput(run.ID)
	require.NoError(t, err)
	require.NotNil(t, input)
	assert.Equal(t, "add a health endpoint", input.Task)

	ok, err := store.VerifyChecksum(run.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecuteHappyPath(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	require.NoError(t, orch.Execute(context.Background(), run.ID))

	final, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Empty(t, final.CurrentPhase, "currentPhase must be cleared on completion")
	require.NotNil(t, final.CompletedAt)

	var phases []string
	for _, pe := range final.PhaseHistory {
		assert.Equal(t, PhaseCompleted, pe.Status)
		phases = append(phases, pe.PhaseID)
	}
	assert.Equal(t, []string{"planning", "execution", "review", "finalize"}, phases)

	events, err := store.ReadEvents(run.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, EventWorkflowStarted, events[0].Type)
	assert.Equal(t, EventWorkflowCompleted, events[len(events)-1].Type)
}

func TestExecuteReplanLoop(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{MaxIterations: 3})
	input := stubInput(t)
	input.Context = map[string]string{"reviewRejectFirst": "1"}
	run, err := orch.Start("dev-cycle", input, Workspace{})
	require.NoError(t, err)

	require.NoError(t, orch.Execute(context.Background(), run.ID))

	final, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)

	// Rejected review routes back to planning; every phase runs twice except
	// finalize.
	assert.Equal(t, 2, final.IterationCount["planning"])
	assert.Equal(t, 2, final.IterationCount["review"])
	assert.Equal(t, 1, final.IterationCount["finalize"])
}

func TestExecuteMaxIterationsFailsRun(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{MaxIterations: 2})
	input := stubInput(t)
	// Reviewer rejects forever: the replan loop must hit the iteration cap.
	input.Context = map[string]string{"reviewRejectFirst": "99"}
	run, err := orch.Start("dev-cycle", input, Workspace{})
	require.NoError(t, err)

	err = orch.Execute(context.Background(), run.ID)
	var mie *MaxIterationsError
	require.ErrorAs(t, err, &mie)

	final, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.False(t, final.Error.Recoverable)
}

func TestExecuteRejectsTerminalRun(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)
	require.NoError(t, orch.Execute(context.Background(), run.ID))

	err = orch.Execute(context.Background(), run.ID)
	var ste *StateTransitionError
	require.ErrorAs(t, err, &ste)
	assert.Equal(t, StatusCompleted, ste.From)
}

func TestConcurrencyLimit(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{MaxConcurrent: 1})

	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)
	// Force the run into running state without executing.
	run.Status = StatusRunning
	require.NoError(t, store.SaveStateWithChecksum(run))

	_, err = orch.Start("dev-cycle", stubInput(t), Workspace{})
	var cle *ConcurrencyLimitError
	require.ErrorAs(t, err, &cle)
	assert.Equal(t, 1, cle.Active)
	assert.Equal(t, 1, cle.Max)
}

func TestExecuteBatch(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{MaxConcurrent: 2})

	var ids []string
	for i := 0; i < 4; i++ {
		run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	require.NoError(t, orch.ExecuteBatch(context.Background(), ids))

	for _, id := range ids {
		final, err := store.LoadRunState(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, final.Status)
	}
}

func TestCancelIsIdempotentOnTerminalRuns(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)
	require.NoError(t, orch.Execute(context.Background(), run.ID))

	// Cancelling a completed run is a no-op, not an error.
	require.NoError(t, orch.Cancel(run.ID))

	final, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestCancelPendingRun(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(run.ID))

	final, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)

	// Cancelled absorbs further cancels.
	require.NoError(t, orch.Cancel(run.ID))
}

func TestCancelUnknownRun(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Options{})
	err := orch.Cancel("wf-missing")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestPauseRequiresRunningState(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	err = orch.Pause(run.ID)
	var ste *StateTransitionError
	require.ErrorAs(t, err, &ste)
}

func TestResumeRecoverableFailure(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{MaxRetries: 2})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	// Simulate a crash-failed run mid-planning.
	run.Status = StatusFailed
	run.CurrentPhase = "planning"
	run.Error = &RunError{Phase: "planning", Message: "execution interrupted", Recoverable: true}
	require.NoError(t, store.SaveStateWithChecksum(run))

	require.NoError(t, orch.Resume(context.Background(), run.ID))

	final, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	require.NotNil(t, final.ResumedAt)
}

func TestResumeUnrecoverableFailure(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	run.Status = StatusFailed
	run.Error = &RunError{Phase: "planning", Message: "bad definition", Recoverable: false}
	require.NoError(t, store.SaveStateWithChecksum(run))

	err = orch.Resume(context.Background(), run.ID)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestResumeExhaustedRetries(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{MaxRetries: 1})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	run.Status = StatusFailed
	run.RetryCount = 1
	run.Error = &RunError{Phase: "planning", Message: "timeout", Recoverable: true}
	require.NoError(t, store.SaveStateWithChecksum(run))

	err = orch.Resume(context.Background(), run.ID)
	var mre *MaxRetriesError
	require.ErrorAs(t, err, &mre)
}

func TestExecuteContextCancellationLeavesRecoverableFailure(t *testing.T) {
	orch, store := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // dies before the first phase boundary check

	err = orch.Execute(ctx, run.ID)
	require.Error(t, err)
	var re *RunnerError
	if errors.As(err, &re) {
		assert.True(t, re.Recoverable)
	}

	final, err := store.LoadRunState(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.True(t, final.Error.Recoverable)
}

func TestEventBusDeliversLifecycle(t *testing.T) {
	orch, _ := newTestOrchestrator(t, Options{})
	run, err := orch.Start("dev-cycle", stubInput(t), Workspace{})
	require.NoError(t, err)

	var seen []EventType
	orch.Events().Subscribe(func(ev Event) { seen = append(seen, ev.Type) })

	require.NoError(t, orch.Execute(context.Background(), run.ID))

	assert.Contains(t, seen, EventWorkflowStarted)
	assert.Contains(t, seen, EventPhaseStarted)
	assert.Contains(t, seen, EventPhaseCompleted)
	assert.Contains(t, seen, EventArtifactCreated)
	assert.Contains(t, seen, EventWorkflowCompleted)
}

func TestDevCycleDefinitionIsValid(t *testing.T) {
	require.NoError(t, ValidateDefinition(DevCycleDefinition()))
}

func TestValidateDefinitionRejections(t *testing.T) {
	tests := []struct {
		name string
		def  *WorkflowDefinition
	}{
		{"empty type", &WorkflowDefinition{Phases: []PhaseDefinition{{ID: "a", Engine: "planner"}}}},
		{"no phases", &WorkflowDefinition{Type: "t"}},
		{"duplicate phase", &WorkflowDefinition{Type: "t", Phases: []PhaseDefinition{
			{ID: "a", Engine: "planner"}, {ID: "a", Engine: "executor"},
		}}},
		{"unknown engine", &WorkflowDefinition{Type: "t", Phases: []PhaseDefinition{
			{ID: "a", Engine: "wizard"},
		}}},
		{"dangling transition", &WorkflowDefinition{Type: "t", Phases: []PhaseDefinition{
			{ID: "a", Engine: "planner", Transitions: []TransitionRule{{To: "ghost"}}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, ValidateDefinition(tt.def))
		})
	}
}

func TestRunningExecutionInvariant(t *testing.T) {
	run := testRun("wf-inv")
	assert.Nil(t, run.RunningExecution())

	run.PhaseHistory = append(run.PhaseHistory,
		PhaseExecution{PhaseID: "planning", Iteration: 1, Status: PhaseCompleted},
		PhaseExecution{PhaseID: "execution", Iteration: 1, Status: PhaseRunning, StartedAt: time.Now()},
	)
	running := run.RunningExecution()
	require.NotNil(t, running)
	assert.Equal(t, "execution", running.PhaseID)

	latest := run.LatestExecution("planning")
	require.NotNil(t, latest)
	assert.Equal(t, 1, latest.Iteration)
}
