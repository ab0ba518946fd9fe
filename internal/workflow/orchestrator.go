package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"devloop/internal/engine"
	"devloop/internal/logging"
	"devloop/internal/runner"
)

// Options bound orchestrator behavior. Zero values fall back to defaults.
type Options struct {
	// MaxConcurrent caps live (running or paused) runs.
	MaxConcurrent int
	// MaxIterations caps executions of any single phase within a run.
	MaxIterations int
	// MaxRetries caps resume attempts after recoverable failure.
	MaxRetries int
}

func (o *Options) defaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 3
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
}

// Orchestrator drives workflow runs through their phase state machine.
//
// Status transitions it enforces:
//
//	pending -> running | cancelled
//	running -> paused | completed | failed | cancelled
//	paused  -> running | cancelled
//
// Terminal states absorb every further request.
type Orchestrator struct {
	store   *StateStore
	bus     *EventBus
	defs    *Registry
	engines *engine.Registry
	stub    runner.Runner
	live    runner.Runner
	opts    Options

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	pauses  map[string]bool
}

// NewOrchestrator wires an orchestrator. stub is required; live may be nil,
// in which case runs requesting a live agent fail validation.
func NewOrchestrator(store *StateStore, defs *Registry, engines *engine.Registry, stub, live runner.Runner, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		store:   store,
		bus:     NewEventBus(),
		defs:    defs,
		engines: engines,
		stub:    stub,
		live:    live,
		opts:    opts,
		cancels: make(map[string]context.CancelFunc),
		pauses:  make(map[string]bool),
	}
}

// Events exposes the bus for subscribers (CLI progress, audit).
func (o *Orchestrator) Events() *EventBus { return o.bus }

// Start validates input, reserves a run directory and persists the run in
// pending state. It does not begin execution; call Execute for that.
func (o *Orchestrator) Start(defType string, input RunInput, ws Workspace) (*WorkflowRun, error) {
	def := o.defs.Get(defType)
	if def == nil {
		return nil, Validationf("unknown workflow definition %q", defType)
	}
	if input.Task == "" {
		return nil, Validationf("task is required")
	}
	if input.RepoPath == "" {
		return nil, Validationf("repoPath is required")
	}
	if info, err := os.Stat(input.RepoPath); err != nil || !info.IsDir() {
		return nil, Validationf("repoPath %s is not a directory", input.RepoPath)
	}
	if input.Live && o.live == nil {
		return nil, Validationf("live mode requested but no live runner is configured")
	}
	if ws.Mode == "" {
		ws.Mode = WorkspaceInPlace
	}
	if ws.TargetRepo == "" {
		ws.TargetRepo = input.RepoPath
	}

	active, err := o.countLive()
	if err != nil {
		return nil, err
	}
	if active >= o.opts.MaxConcurrent {
		return nil, &ConcurrencyLimitError{Active: active, Max: o.opts.MaxConcurrent}
	}

	now := time.Now().UTC()
	run := &WorkflowRun{
		ID:             NewRunID(now, uuid.NewString()[:8]),
		DefinitionType: defType,
		Status:         StatusPending,
		Input:          input,
		Workspace:      ws,
		IterationCount: make(map[string]int),
		MaxRetries:     o.opts.MaxRetries,
		CreatedAt:      now,
	}

	if err := o.store.CreateRunDir(run.ID); err != nil {
		return nil, err
	}
	if err := o.store.SaveInput(run.ID, input); err != nil {
		return nil, err
	}
	if err := o.store.SaveStateWithChecksum(run); err != nil {
		return nil, err
	}
	logging.Workflow("run %s created (%s) task=%q", run.ID, defType, input.Task)
	return run, nil
}

// countLive counts runs in running or paused state.
func (o *Orchestrator) countLive() (int, error) {
	ids, err := o.store.ListRuns()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		run, err := o.store.LoadRunState(id)
		if err != nil || run == nil {
			continue
		}
		if run.Status == StatusRunning || run.Status == StatusPaused {
			n++
		}
	}
	return n, nil
}

// Execute runs the phase loop to a terminal or paused state. It blocks until
// the run leaves the running state.
func (o *Orchestrator) Execute(ctx context.Context, runID string) error {
	run, err := o.store.LoadRunState(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return Validationf("run %s not found", runID)
	}
	switch run.Status {
	case StatusPending:
		// first execution
	case StatusRunning:
		// crash recovery: the process died mid-run; pick up at currentPhase
		logging.Workflow("run %s recovered in running state, resuming at %s", runID, run.CurrentPhase)
	default:
		return &StateTransitionError{RunID: runID, From: run.Status, To: StatusRunning}
	}

	def := o.defs.Get(run.DefinitionType)
	if def == nil {
		return Validationf("run %s references unknown definition %q", runID, run.DefinitionType)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, runID)
		delete(o.pauses, runID)
		o.mu.Unlock()
	}()

	if run.Status == StatusPending {
		now := time.Now().UTC()
		run.Status = StatusRunning
		run.StartedAt = &now
		if err := o.emit(run, EventWorkflowStarted, map[string]interface{}{
			"definitionType": run.DefinitionType,
		}); err != nil {
			return err
		}
	}

	return o.loop(runCtx, run, def)
}

// loop advances phases until the run reaches a terminal or paused state.
func (o *Orchestrator) loop(ctx context.Context, run *WorkflowRun, def *WorkflowDefinition) error {
	phaseID := run.CurrentPhase
	if phaseID == "" {
		phaseID = def.Phases[0].ID
	}
	if run.IterationCount == nil {
		run.IterationCount = make(map[string]int)
	}

	for {
		if cancelled, err := o.checkCancelled(ctx, run); cancelled || err != nil {
			return err
		}
		if o.pauseRequested(run.ID) {
			return o.pause(run)
		}

		phase := def.PhaseByID(phaseID)
		if phase == nil {
			return o.fail(run, phaseID, Validationf("run %s routed to unknown phase %q", run.ID, phaseID), false)
		}

		iteration := run.IterationCount[phaseID] + 1
		if iteration > o.opts.MaxIterations {
			return o.fail(run, phaseID, &MaxIterationsError{
				RunID: run.ID, PhaseID: phaseID, Iterations: iteration, Max: o.opts.MaxIterations,
			}, false)
		}
		run.IterationCount[phaseID] = iteration
		if iteration > 1 {
			o.publish(run, EventIterationStarted, map[string]interface{}{
				"phase": phaseID, "iteration": iteration,
			})
		}

		exec, err := o.runPhase(ctx, run, def, phase, iteration)
		if err != nil {
			if errors.Is(err, runner.ErrAborted) || ctx.Err() != nil {
				if cancelled, cerr := o.checkCancelled(ctx, run); cancelled || cerr != nil {
					return cerr
				}
				return o.fail(run, phaseID, &RunnerError{Msg: err.Error(), Recoverable: true}, true)
			}
			return o.fail(run, phaseID, err, IsRecoverable(err))
		}

		if exec.Status == PhaseFailed {
			return o.fail(run, phaseID, &RunnerError{
				Msg:         fmt.Sprintf("phase %s failed: %s", phaseID, exec.Error),
				Recoverable: true,
			}, true)
		}

		values := LoadArtifactValues(o.store.PhaseDir(run.ID, phaseID, iteration)+"/artifacts", exec.Artifacts)
		target, err := evalTransitions(def, phase, values)
		if err != nil {
			return o.fail(run, phaseID, err, false)
		}
		switch {
		case target.fail:
			return o.fail(run, phaseID, fmt.Errorf("phase %s routed to fail", phaseID), false)
		case target.complete:
			return o.complete(run)
		default:
			phaseID = target.phaseID
			run.CurrentPhase = phaseID
			if err := o.store.SaveStateWithChecksum(run); err != nil {
				return err
			}
		}
	}
}

// runPhase executes one phase iteration including per-phase retries, and
// appends the resulting PhaseExecution to history.
func (o *Orchestrator) runPhase(ctx context.Context, run *WorkflowRun, def *WorkflowDefinition, phase *PhaseDefinition, iteration int) (*PhaseExecution, error) {
	eng := o.engines.Get(phase.Engine)
	if eng == nil {
		return nil, Validationf("phase %s references unregistered engine %q", phase.ID, phase.Engine)
	}

	phaseDir := o.store.PhaseDir(run.ID, phase.ID, iteration)
	artifactsDir := filepath.Join(phaseDir, "artifacts")
	logsDir := filepath.Join(phaseDir, "logs")
	for _, d := range []string{artifactsDir, logsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, &IOError{Op: "mkdir", Path: d, Err: err}
		}
	}

	run.CurrentPhase = phase.ID
	run.PhaseHistory = append(run.PhaseHistory, PhaseExecution{
		PhaseID:   phase.ID,
		Iteration: iteration,
		Status:    PhaseRunning,
		StartedAt: time.Now().UTC(),
	})
	exec := &run.PhaseHistory[len(run.PhaseHistory)-1]
	if err := o.emit(run, EventPhaseStarted, map[string]interface{}{
		"phase": phase.ID, "iteration": iteration,
	}); err != nil {
		return nil, err
	}

	ec := o.engineContext(run, phase, iteration, artifactsDir, logsDir)

	timer := logging.StartTimer(logging.CategoryPhase, fmt.Sprintf("%s/%s#%d", run.ID, phase.ID, iteration))
	result, err := o.executeWithRetries(ctx, eng, ec, phase.Settings.Retries)
	timer.Stop()

	exec.EndedAt = time.Now().UTC()
	exec.Metrics.DurationMs = exec.EndedAt.Sub(exec.StartedAt).Milliseconds()
	exec.LogPath = logsDir

	if err != nil {
		exec.Status = PhaseFailed
		exec.Error = err.Error()
		if emitErr := o.emit(run, EventPhaseFailed, map[string]interface{}{
			"phase": phase.ID, "iteration": iteration, "error": err.Error(),
		}); emitErr != nil {
			logging.Get(logging.CategoryWorkflow).Error("failed to persist phase failure: %v", emitErr)
		}
		return exec, err
	}

	exec.Artifacts = result.Artifacts
	if result.Success {
		exec.Status = PhaseCompleted
	} else {
		exec.Status = PhaseFailed
		exec.Error = result.Error
	}

	for _, name := range result.Artifacts {
		o.publish(run, EventArtifactCreated, map[string]interface{}{
			"phase": phase.ID, "iteration": iteration, "artifact": name,
		})
	}

	evType := EventPhaseCompleted
	if exec.Status == PhaseFailed {
		evType = EventPhaseFailed
	}
	if err := o.emit(run, evType, map[string]interface{}{
		"phase": phase.ID, "iteration": iteration, "durationMs": exec.Metrics.DurationMs,
	}); err != nil {
		return exec, err
	}
	return exec, nil
}

// executeWithRetries validates then runs the engine, re-running on failure up
// to the phase's retry budget. Infrastructure errors are not retried here.
func (o *Orchestrator) executeWithRetries(ctx context.Context, eng engine.Engine, ec *engine.Context, retries int) (*engine.Result, error) {
	if v := eng.ValidateInputs(ctx, ec); !v.Valid {
		return nil, Validationf("phase %s input validation failed: %v", ec.PhaseID, v.Errors)
	}

	var result *engine.Result
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			logging.Phase("phase %s attempt %d of %d", ec.PhaseID, attempt+1, retries+1)
		}
		result, err = eng.Execute(ctx, ec)
		if err != nil {
			return nil, err
		}
		if result.Success {
			return result, nil
		}
		if ctx.Err() != nil {
			return result, nil
		}
	}
	return result, nil
}

// engineContext assembles the engine-facing view of the run.
func (o *Orchestrator) engineContext(run *WorkflowRun, phase *PhaseDefinition, iteration int, artifactsDir, logsDir string) *engine.Context {
	var prior []engine.PriorPhase
	for i := range run.PhaseHistory {
		pe := &run.PhaseHistory[i]
		if pe.Status != PhaseCompleted {
			continue
		}
		prior = append(prior, engine.PriorPhase{
			PhaseID:      pe.PhaseID,
			Iteration:    pe.Iteration,
			Status:       string(pe.Status),
			Artifacts:    pe.Artifacts,
			ArtifactsDir: filepath.Join(o.store.PhaseDir(run.ID, pe.PhaseID, pe.Iteration), "artifacts"),
		})
	}

	r := o.stub
	if run.Input.Live {
		r = o.live
	}
	return &engine.Context{
		RunID:           run.ID,
		PhaseID:         phase.ID,
		Iteration:       iteration,
		Task:            run.Input.Task,
		WorkspacePath:   run.Workspace.TargetRepo,
		ArtifactsDir:    artifactsDir,
		LogsDir:         logsDir,
		InputArtifacts:  phase.InputArtifacts,
		OutputArtifacts: phase.OutputArtifacts,
		Live:            run.Input.Live,
		Provider:        phase.Agent.Provider,
		Model:           phase.Agent.Model,
		Timeout:         time.Duration(phase.Settings.TimeoutMs) * time.Millisecond,
		Runner:          r,
		Prior:           prior,
		ExtraContext:    run.Input.Context,
		Progress: func(ev engine.ProgressEvent) {
			logging.PhaseDebug("%s/%s: %s %s", run.ID, phase.ID, ev.Kind, ev.Message)
		},
	}
}

// ExecuteBatch executes several runs concurrently, at most MaxConcurrent at a
// time. The first failure cancels the remaining runs; each run still reaches a
// persisted terminal or recoverable state on its own.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, runIDs []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxConcurrent)
	for _, id := range runIDs {
		g.Go(func() error {
			return o.Execute(gctx, id)
		})
	}
	return g.Wait()
}

// Pause requests a pause at the next phase boundary. In-flight phases are not
// interrupted.
func (o *Orchestrator) Pause(runID string) error {
	run, err := o.store.LoadRunState(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return Validationf("run %s not found", runID)
	}
	if run.Status != StatusRunning {
		return &StateTransitionError{RunID: runID, From: run.Status, To: StatusPaused}
	}
	o.mu.Lock()
	o.pauses[runID] = true
	o.mu.Unlock()
	logging.Workflow("run %s pause requested", runID)
	return nil
}

func (o *Orchestrator) pauseRequested(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pauses[runID]
}

func (o *Orchestrator) pause(run *WorkflowRun) error {
	run.Status = StatusPaused
	return o.emit(run, EventWorkflowPaused, map[string]interface{}{
		"phase": run.CurrentPhase,
	})
}

// Resume restarts a paused run, or a recoverably failed run with retry budget
// remaining. It blocks like Execute.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	run, err := o.store.LoadRunState(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return Validationf("run %s not found", runID)
	}

	switch run.Status {
	case StatusPaused:
		// always resumable
	case StatusFailed:
		if run.Error == nil || !run.Error.Recoverable {
			return Validationf("run %s failed unrecoverably and cannot resume", runID)
		}
		if run.RetryCount >= run.MaxRetries {
			return &MaxRetriesError{RunID: runID, Retries: run.RetryCount, Max: run.MaxRetries}
		}
		run.RetryCount++
		run.Error = nil
		run.CompletedAt = nil
	default:
		return &StateTransitionError{RunID: runID, From: run.Status, To: StatusRunning}
	}

	def := o.defs.Get(run.DefinitionType)
	if def == nil {
		return Validationf("run %s references unknown definition %q", runID, run.DefinitionType)
	}

	now := time.Now().UTC()
	run.Status = StatusRunning
	run.ResumedAt = &now
	if err := o.emit(run, EventWorkflowResumed, map[string]interface{}{
		"phase": run.CurrentPhase, "retryCount": run.RetryCount,
	}); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancels[runID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, runID)
		delete(o.pauses, runID)
		o.mu.Unlock()
	}()

	return o.loop(runCtx, run, def)
}

// Cancel moves a run to cancelled. Idempotent: cancelling a terminal run is a
// no-op. An in-flight phase is aborted via its context.
func (o *Orchestrator) Cancel(runID string) error {
	o.mu.Lock()
	cancel := o.cancels[runID]
	o.mu.Unlock()

	run, err := o.store.LoadRunState(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return Validationf("run %s not found", runID)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	run.Status = StatusCancelled
	run.CompletedAt = &now
	if err := o.emit(run, EventWorkflowCancelled, nil); err != nil {
		return err
	}
	if cancel != nil {
		cancel()
	}
	logging.Workflow("run %s cancelled", runID)
	return nil
}

// checkCancelled reloads terminal-cancelled state set by a concurrent Cancel.
func (o *Orchestrator) checkCancelled(ctx context.Context, run *WorkflowRun) (bool, error) {
	if ctx.Err() == nil {
		return false, nil
	}
	persisted, err := o.store.LoadRunState(run.ID)
	if err != nil {
		return true, err
	}
	if persisted != nil && persisted.Status == StatusCancelled {
		*run = *persisted
		return true, nil
	}
	// context died without an explicit Cancel (process shutdown): leave the
	// run recoverable
	return true, o.fail(run, run.CurrentPhase, &RunnerError{Msg: "execution interrupted", Recoverable: true}, true)
}

func (o *Orchestrator) complete(run *WorkflowRun) error {
	now := time.Now().UTC()
	run.Status = StatusCompleted
	run.CurrentPhase = ""
	run.CompletedAt = &now
	if err := o.emit(run, EventWorkflowCompleted, map[string]interface{}{
		"phases": len(run.PhaseHistory),
	}); err != nil {
		return err
	}
	logging.Workflow("run %s completed (%d phase executions)", run.ID, len(run.PhaseHistory))
	return nil
}

// fail moves the run to failed and returns cause for the caller.
func (o *Orchestrator) fail(run *WorkflowRun, phaseID string, cause error, recoverable bool) error {
	now := time.Now().UTC()
	run.Status = StatusFailed
	run.CompletedAt = &now
	run.Error = &RunError{
		Phase:       phaseID,
		Message:     cause.Error(),
		Recoverable: recoverable,
	}
	if err := o.emit(run, EventWorkflowFailed, map[string]interface{}{
		"phase": phaseID, "error": cause.Error(), "recoverable": recoverable,
	}); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("failed to persist run failure: %v", err)
	}
	logging.Get(logging.CategoryWorkflow).Error("run %s failed in %s: %v", run.ID, phaseID, cause)
	return cause
}

// emit publishes the event, appends it to events.jsonl and, for state-bearing
// event types, durably saves run.json first.
func (o *Orchestrator) emit(run *WorkflowRun, evType EventType, data map[string]interface{}) error {
	if persistenceEvents[evType] {
		if err := o.store.SaveStateWithChecksum(run); err != nil {
			return err
		}
	}
	o.publish(run, evType, data)
	return nil
}

// publish records and dispatches without a state save.
func (o *Orchestrator) publish(run *WorkflowRun, evType EventType, data map[string]interface{}) {
	ev := Event{
		Type:       evType,
		WorkflowID: run.ID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
	if err := o.store.AppendEvent(run.ID, ev); err != nil {
		logging.Get(logging.CategoryWorkflow).Error("failed to append event %s: %v", evType, err)
	}
	o.bus.Publish(ev)
}
