package runner

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devloop/internal/policy"
)

func TestSessionID(t *testing.T) {
	assert.Equal(t, "wf-run1-planning-1", SessionID("run1", "planning", 1))
	assert.Equal(t, "wf-abc-execution-3", SessionID("abc", "execution", 3))
}

func TestStubRunner(t *testing.T) {
	t.Run("default output acknowledges", func(t *testing.T) {
		r := NewStubRunner()
		res, err := r.Run(context.Background(), Request{SessionID: "wf-r-p-1"})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "ok", res.Output)
		assert.Equal(t, "stub", res.Metrics.Provider)
	})

	t.Run("responses match by session prefix", func(t *testing.T) {
		r := &StubRunner{Responses: map[string]string{
			"wf-r1-planning": `{"tasks":[]}`,
		}}
		res, err := r.Run(context.Background(), Request{SessionID: "wf-r1-planning-2"})
		require.NoError(t, err)
		assert.Equal(t, `{"tasks":[]}`, res.Output)

		res, err = r.Run(context.Background(), Request{SessionID: "wf-r1-review-1"})
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Output)
	})

	t.Run("fail map forces an unsuccessful result", func(t *testing.T) {
		r := &StubRunner{Fail: map[string]string{
			"wf-r1-execution": "compilation failed",
		}}
		res, err := r.Run(context.Background(), Request{SessionID: "wf-r1-execution-1"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "compilation failed", res.Error)
	})

	t.Run("cancellation aborts a delayed run", func(t *testing.T) {
		r := &StubRunner{Delay: time.Minute}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := r.Run(ctx, Request{SessionID: "wf-r1-planning-1"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAborted))
	})

	t.Run("requests are recorded in order", func(t *testing.T) {
		r := NewStubRunner()
		for _, id := range []string{"wf-a-p-1", "wf-a-p-2"} {
			_, err := r.Run(context.Background(), Request{SessionID: id})
			require.NoError(t, err)
		}
		reqs := r.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, "wf-a-p-1", reqs[0].SessionID)
		assert.Equal(t, "wf-a-p-2", reqs[1].SessionID)
	})

	t.Run("progress callback fires", func(t *testing.T) {
		r := NewStubRunner()
		var lines []string
		_, err := r.Run(context.Background(), Request{
			SessionID:  "wf-a-p-1",
			OnProgress: func(line string) { lines = append(lines, line) },
		})
		require.NoError(t, err)
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0], "wf-a-p-1")
	})
}

func allowExecPolicy(decision policy.Decision) *policy.WorkflowPolicy {
	p := policy.DefaultPolicy()
	p.Rules = []policy.Rule{{
		ID:       "agent-exec",
		Actions:  []policy.ActionType{policy.ActionCommandExec},
		Decision: decision,
		Priority: 90,
		Enabled:  true,
		Reason:   "agent invocations are gated",
	}}
	return p
}

func TestLiveRunner(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		r := NewLiveRunner(nil, nil)
		_, err := r.Run(context.Background(), Request{Provider: "hal9000"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown provider "hal9000"`)
	})

	t.Run("missing agent binary", func(t *testing.T) {
		r := NewLiveRunner(nil, nil)
		r.lookPath = func(string) (string, error) { return "", errors.New("not in PATH") }

		_, err := r.Run(context.Background(), Request{Provider: "claude"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `agent binary "claude" not found`)
	})

	t.Run("policy deny blocks before spawning", func(t *testing.T) {
		engine := policy.NewEngine(allowExecPolicy(policy.DecisionDeny))
		r := NewLiveRunner(engine, nil)
		r.lookPath = func(string) (string, error) { return "/usr/bin/claude", nil }

		_, err := r.Run(context.Background(), Request{Provider: "claude", SessionID: "wf-r1-planning-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "policy denied agent invocation")
	})

	t.Run("prompt decision without a broker fails", func(t *testing.T) {
		engine := policy.NewEngine(allowExecPolicy(policy.DecisionPrompt))
		r := NewLiveRunner(engine, nil)
		r.lookPath = func(string) (string, error) { return "/usr/bin/claude", nil }

		_, err := r.Run(context.Background(), Request{Provider: "claude", SessionID: "wf-r1-planning-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no broker is configured")
	})

	t.Run("broker denial surfaces", func(t *testing.T) {
		engine := policy.NewEngine(allowExecPolicy(policy.DecisionPrompt))
		store := policy.NewApprovalStore(t.TempDir())
		broker := policy.NewBroker(store, &policy.AutoPrompt{Decision: policy.Denied}, time.Second, nil)
		r := NewLiveRunner(engine, broker)
		r.lookPath = func(string) (string, error) { return "/usr/bin/claude", nil }

		_, err := r.Run(context.Background(), Request{Provider: "claude", SessionID: "wf-r1-planning-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "denied by user")
	})

	t.Run("cancelled context aborts without retrying", func(t *testing.T) {
		engine := policy.NewEngine(allowExecPolicy(policy.DecisionAllow))
		r := NewLiveRunner(engine, nil)
		r.lookPath = func(string) (string, error) { return "/usr/bin/claude", nil }
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		_, err := r.Run(ctx, Request{Provider: "claude", SessionID: "wf-r1-planning-1"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAborted))
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestLiveRunnerApprovalIdentity(t *testing.T) {
	engine := policy.NewEngine(allowExecPolicy(policy.DecisionPrompt))
	base := t.TempDir()
	store := policy.NewApprovalStore(base)
	broker := policy.NewBroker(store, &policy.AutoPrompt{
		Decision:      policy.Approved,
		Remember:      true,
		RememberScope: policy.RememberRun,
	}, time.Second, nil)
	r := NewLiveRunner(engine, broker)

	// Run ids contain dashes themselves, so the approval identity must come
	// from the request fields, not from slicing the session id.
	runID := "wf-20260101T120000-ab12cd34"
	first := Request{
		SessionID: SessionID(runID, "planning", 1),
		RunID:     runID,
		PhaseID:   "planning",
	}
	require.NoError(t, r.enforce(context.Background(), first, "claude -p --output-format text"))

	assert.FileExists(t, filepath.Join(base, runID, "approvals.jsonl"))

	// A run-scoped approval from planning carries into a later phase: the
	// second broker has no prompt, so anything short of a cache hit denies.
	silent := NewLiveRunner(engine, policy.NewBroker(store, nil, time.Second, nil))
	later := Request{
		SessionID: SessionID(runID, "execution", 2),
		RunID:     runID,
		PhaseID:   "execution",
	}
	require.NoError(t, silent.enforce(context.Background(), later, "claude -p --output-format text"))

	recs, err := store.GetByRun(runID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "planning", recs[0].Request.PhaseID)
}

func TestProgressPipe(t *testing.T) {
	var lines []string
	var sink bytes.Buffer
	p, w := newProgressPipe(func(line string) { lines = append(lines, line) }, &sink)

	_, err := w.Write([]byte("first line\npartial"))
	require.NoError(t, err)
	_, err = w.Write([]byte(" tail\n\nlast"))
	require.NoError(t, err)
	p.flush()

	assert.Equal(t, []string{"first line", "partial tail", "last"}, lines)
	assert.Equal(t, "first line\npartial tail\n\nlast", sink.String())
}
