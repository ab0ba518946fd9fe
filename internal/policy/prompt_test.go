package policy

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func askCLI(t *testing.T, input string, timeout time.Duration) PromptResponse {
	t.Helper()
	p := NewCLIPrompt(strings.NewReader(input), io.Discard, timeout)
	req := NewApprovalRequest("run-1", "execution", "needs a look", ApprovalAction{
		ActionType: ActionCommandExec,
		Command:    "go generate ./...",
	})
	resp, err := p.Ask(context.Background(), req, AssessRisk(&ActionContext{ActionType: ActionCommandExec}))
	require.NoError(t, err)
	return resp
}

func TestCLIPrompt(t *testing.T) {
	t.Run("approve", func(t *testing.T) {
		resp := askCLI(t, "a\n", time.Second)
		assert.Equal(t, Approved, resp.Decision)
		assert.False(t, resp.Remember)
		assert.Equal(t, RememberOnce, resp.RememberScope)
	})

	t.Run("yes is approve", func(t *testing.T) {
		assert.Equal(t, Approved, askCLI(t, "YES\n", time.Second).Decision)
	})

	t.Run("remember approves for the run", func(t *testing.T) {
		resp := askCLI(t, "r\n", time.Second)
		assert.Equal(t, Approved, resp.Decision)
		assert.True(t, resp.Remember)
		assert.Equal(t, RememberRun, resp.RememberScope)
	})

	t.Run("deny", func(t *testing.T) {
		assert.Equal(t, Denied, askCLI(t, "d\n", time.Second).Decision)
	})

	t.Run("unrecognized input denies", func(t *testing.T) {
		assert.Equal(t, Denied, askCLI(t, "whatever\n", time.Second).Decision)
	})

	t.Run("closed input denies", func(t *testing.T) {
		assert.Equal(t, Denied, askCLI(t, "", time.Second).Decision)
	})

	t.Run("timeout denies", func(t *testing.T) {
		blocked, w := io.Pipe()
		defer w.Close()
		p := NewCLIPrompt(blocked, io.Discard, 20*time.Millisecond)
		req := NewApprovalRequest("run-1", "execution", "", ApprovalAction{ActionType: ActionFileDelete, TargetPath: "x"})
		resp, err := p.Ask(context.Background(), req, RiskAssessment{})
		require.NoError(t, err)
		assert.Equal(t, DecisionTimeout, resp.Decision)
	})

	t.Run("cancelled context denies", func(t *testing.T) {
		blocked, w := io.Pipe()
		defer w.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := NewCLIPrompt(blocked, io.Discard, time.Minute)
		req := NewApprovalRequest("run-1", "execution", "", ApprovalAction{ActionType: ActionFileDelete, TargetPath: "x"})
		resp, err := p.Ask(ctx, req, RiskAssessment{})
		require.NoError(t, err)
		assert.Equal(t, DecisionTimeout, resp.Decision)
	})
}

func TestAutoPrompt(t *testing.T) {
	req := NewApprovalRequest("run-1", "execution", "", ApprovalAction{ActionType: ActionCommandExec, Command: "ls"})

	t.Run("fixed decision with default scope", func(t *testing.T) {
		p := &AutoPrompt{Decision: Approved}
		resp, err := p.Ask(context.Background(), req, RiskAssessment{})
		require.NoError(t, err)
		assert.Equal(t, Approved, resp.Decision)
		assert.Equal(t, RememberOnce, resp.RememberScope)
	})

	t.Run("delay respects cancellation", func(t *testing.T) {
		p := &AutoPrompt{Decision: Approved, Delay: time.Minute}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		resp, err := p.Ask(ctx, req, RiskAssessment{})
		require.NoError(t, err)
		assert.Equal(t, DecisionTimeout, resp.Decision)
	})
}

func TestBrokerRequestApproval(t *testing.T) {
	newReq := func(command string) ApprovalRequest {
		return NewApprovalRequest("run-1", "execution", "policy prompt", ApprovalAction{
			ActionType: ActionCommandExec,
			Command:    command,
		})
	}

	t.Run("prompt decides and the record persists", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		b := NewBroker(store, &AutoPrompt{Decision: Approved}, time.Second, nil)

		dec, err := b.RequestApproval(context.Background(), newReq("go build ./..."))
		require.NoError(t, err)
		assert.Equal(t, Approved, dec)

		recs, err := store.GetByRun("run-1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, RememberOnce, recs[0].RememberScope)
	})

	t.Run("remembered decision short-circuits the prompt", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		b := NewBroker(store, &AutoPrompt{Decision: Approved, Remember: true, RememberScope: RememberRun}, time.Second, nil)

		first, err := b.RequestApproval(context.Background(), newReq("npm install"))
		require.NoError(t, err)
		assert.Equal(t, Approved, first)

		second, err := b.RequestApproval(context.Background(), newReq("npm install"))
		require.NoError(t, err)
		assert.Equal(t, Approved, second)

		// The cached path never writes a second record.
		recs, err := store.GetByRun("run-1")
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("nil prompt auto-denies", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		b := NewBroker(store, nil, time.Second, nil)

		dec, err := b.RequestApproval(context.Background(), newReq("rm -rf /"))
		require.NoError(t, err)
		assert.Equal(t, Denied, dec)

		recs, err := store.GetByRun("run-1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, Denied, recs[0].Decision)
	})

	t.Run("rate limit denies with retry hint", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		limiter := NewRateLimiter(1, time.Minute)
		b := NewBroker(store, &AutoPrompt{Decision: Approved}, time.Second, limiter)

		_, err := b.RequestApproval(context.Background(), newReq("make lint"))
		require.NoError(t, err)

		dec, err := b.RequestApproval(context.Background(), newReq("make test"))
		assert.Equal(t, Denied, dec)
		var rle *RateLimitError
		require.ErrorAs(t, err, &rle)
		assert.Greater(t, rle.RetryAfter, time.Duration(0))
	})

	t.Run("slow prompt times out", func(t *testing.T) {
		store := NewApprovalStore(t.TempDir())
		b := NewBroker(store, &AutoPrompt{Decision: Approved, Delay: time.Minute}, 20*time.Millisecond, nil)

		dec, err := b.RequestApproval(context.Background(), newReq("sleepy"))
		require.NoError(t, err)
		assert.Equal(t, DecisionTimeout, dec)
		assert.False(t, dec.IsApproved())
	})
}

func TestRateLimitErrorMessage(t *testing.T) {
	err := &RateLimitError{RetryAfter: 1500 * time.Millisecond}
	assert.True(t, errors.As(error(err), new(*RateLimitError)))
	assert.Contains(t, err.Error(), "1.5s")
}
