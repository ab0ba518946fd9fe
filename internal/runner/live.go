package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"devloop/internal/logging"
	"devloop/internal/policy"
)

const liveMaxRetries = 3

// providerCommands maps provider names to agent CLI invocations. The prompt
// is piped on stdin; the agent prints its response on stdout.
var providerCommands = map[string][]string{
	"claude": {"claude", "-p", "--output-format", "text"},
	"gemini": {"gemini", "-p"},
	"codex":  {"codex", "exec"},
}

// LiveRunner spawns a provider's agent CLI as a subprocess.
//
// Transient failures (non-zero exit, spawn errors) are retried with
// exponential backoff; context cancellation aborts immediately with
// ErrAborted.
type LiveRunner struct {
	// Policy gates each invocation when set: the spawned command is
	// evaluated as a command execution and may require approval.
	Policy *policy.Engine
	Broker *policy.Broker

	// lookPath is swappable for tests.
	lookPath func(string) (string, error)
}

// NewLiveRunner creates a live runner. engine and broker may be nil to run
// without policy enforcement.
func NewLiveRunner(engine *policy.Engine, broker *policy.Broker) *LiveRunner {
	return &LiveRunner{Policy: engine, Broker: broker, lookPath: exec.LookPath}
}

func (r *LiveRunner) Run(ctx context.Context, req Request) (*Result, error) {
	argv, ok := providerCommands[req.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", req.Provider)
	}
	if _, err := r.lookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("provider %s: agent binary %q not found: %w", req.Provider, argv[0], err)
	}
	if req.Model != "" {
		argv = append(append([]string{}, argv...), "--model", req.Model)
	}

	if err := r.enforce(ctx, req, strings.Join(argv, " ")); err != nil {
		return nil, err
	}

	start := time.Now()
	logging.Audit().RunnerEvent(logging.AuditRunnerStart, req.SessionID, 0, "")

	var lastErr error
	for attempt := 1; attempt <= liveMaxRetries; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<uint(attempt-2)) * time.Second
			logging.Runner("session %s retrying in %s (attempt %d of %d)",
				req.SessionID, backoff, attempt, liveMaxRetries)
			select {
			case <-ctx.Done():
				logging.Audit().RunnerEvent(logging.AuditRunnerAborted, req.SessionID,
					time.Since(start).Milliseconds(), ctx.Err().Error())
				return nil, fmt.Errorf("session %s: %w", req.SessionID, ErrAborted)
			case <-time.After(backoff):
			}
		}

		output, err := r.invoke(ctx, req, argv)
		if err == nil {
			dur := time.Since(start).Milliseconds()
			logging.Audit().RunnerEvent(logging.AuditRunnerComplete, req.SessionID, dur, "")
			logging.Runner("session %s completed in %dms", req.SessionID, dur)
			return &Result{
				Success: true,
				Output:  output,
				Metrics: Metrics{DurationMs: dur, Provider: req.Provider},
			}, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrAborted) {
			logging.Audit().RunnerEvent(logging.AuditRunnerAborted, req.SessionID,
				time.Since(start).Milliseconds(), err.Error())
			return nil, fmt.Errorf("session %s: %w", req.SessionID, ErrAborted)
		}
		lastErr = fmt.Errorf("attempt %d of %d: %w", attempt, liveMaxRetries, err)
		logging.Get(logging.CategoryRunner).Error("session %s failed: %v", req.SessionID, lastErr)
	}

	dur := time.Since(start).Milliseconds()
	logging.Audit().RunnerEvent(logging.AuditRunnerComplete, req.SessionID, dur, lastErr.Error())
	return &Result{
		Success: false,
		Error:   lastErr.Error(),
		Metrics: Metrics{DurationMs: dur, Provider: req.Provider},
	}, nil
}

// enforce runs the policy gate for the agent invocation itself.
func (r *LiveRunner) enforce(ctx context.Context, req Request, command string) error {
	if r.Policy == nil {
		return nil
	}

	res := r.Policy.Evaluate(&policy.ActionContext{
		RunID:         req.RunID,
		PhaseID:       req.PhaseID,
		SessionID:     req.SessionID,
		ActionType:    policy.ActionCommandExec,
		Command:       command,
		WorkspaceRoot: req.WorkspacePath,
	})
	switch res.Decision {
	case policy.DecisionAllow:
		return nil
	case policy.DecisionDeny:
		return fmt.Errorf("policy denied agent invocation: %s", res.Reason)
	}

	if r.Broker == nil {
		return fmt.Errorf("policy requires approval but no broker is configured")
	}
	decision, err := r.Broker.RequestApproval(ctx, policy.NewApprovalRequest(
		req.RunID, req.PhaseID, res.Reason, policy.ApprovalAction{
			ActionType: policy.ActionCommandExec,
			Command:    command,
		}))
	if err != nil {
		return err
	}
	if !decision.IsApproved() {
		return fmt.Errorf("agent invocation %s by user", decision)
	}
	return nil
}

// invoke runs the agent CLI once.
func (r *LiveRunner) invoke(ctx context.Context, req Request, argv []string) (string, error) {
	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = req.WorkspacePath
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr
	if req.OnProgress != nil {
		pr, pw := newProgressPipe(req.OnProgress, &stdout)
		cmd.Stdout = pw
		defer pr.flush()
	} else {
		cmd.Stdout = &stdout
	}

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("timed out after %s", req.Timeout)
		}
		if ctx.Err() != nil {
			return "", ErrAborted
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("agent exited: %s", msg)
	}
	return stdout.String(), nil
}

// progressPipe tees agent stdout line by line to the progress callback.
type progressPipe struct {
	onLine func(string)
	buf    *bytes.Buffer
	line   bytes.Buffer
}

func newProgressPipe(onLine func(string), sink *bytes.Buffer) (*progressPipe, *progressPipe) {
	p := &progressPipe{onLine: onLine, buf: sink}
	return p, p
}

func (p *progressPipe) Write(data []byte) (int, error) {
	p.buf.Write(data)
	p.line.Write(data)
	for {
		idx := bytes.IndexByte(p.line.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(p.line.Next(idx+1)), "\r\n")
		if line != "" {
			p.onLine(line)
		}
	}
	return len(data), nil
}

func (p *progressPipe) flush() {
	if rest := strings.TrimSpace(p.line.String()); rest != "" {
		p.onLine(rest)
	}
}
