package policy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"devloop/internal/logging"
)

// PromptResponse is what a prompt handler returns.
type PromptResponse struct {
	Decision      ApprovalDecision
	Remember      bool
	RememberScope RememberScope
}

// Prompt asks the user (or a stand-in) to decide an approval request.
type Prompt interface {
	Ask(ctx context.Context, req ApprovalRequest, risk RiskAssessment) (PromptResponse, error)
}

// =============================================================================
// CLI PROMPT
// =============================================================================

// CLIPrompt reads a decision from an interactive terminal with a countdown.
// Expiry or cancellation yields a timeout denial.
type CLIPrompt struct {
	In      io.Reader
	Out     io.Writer
	Timeout time.Duration
}

// NewCLIPrompt builds a prompt over the given streams. timeout <= 0 gets the
// 60s default.
func NewCLIPrompt(in io.Reader, out io.Writer, timeout time.Duration) *CLIPrompt {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CLIPrompt{In: in, Out: out, Timeout: timeout}
}

// Ask renders the request and waits for one of {approve, deny, remember}.
func (p *CLIPrompt) Ask(ctx context.Context, req ApprovalRequest, risk RiskAssessment) (PromptResponse, error) {
	fmt.Fprintf(p.Out, "\nApproval required [%s / %s]\n", req.RunID, req.PhaseID)
	fmt.Fprintf(p.Out, "  Action: %s %s\n", req.Action.ActionType, req.Action.Target())
	if req.Reason != "" {
		fmt.Fprintf(p.Out, "  Reason: %s\n", req.Reason)
	}
	fmt.Fprintf(p.Out, "  Risk:   %s (%d/100)\n", risk.Level, risk.Score)
	for _, f := range risk.Factors {
		fmt.Fprintf(p.Out, "    - %s\n", f)
	}
	fmt.Fprintf(p.Out, "  [a]pprove / [d]eny / [r]emember for this run (auto-deny in %s): ", p.Timeout)

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(p.In)
		if scanner.Scan() {
			lines <- strings.ToLower(strings.TrimSpace(scanner.Text()))
			return
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.EOF
	}()

	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.Out, "\ncancelled, denying")
		return PromptResponse{Decision: DecisionTimeout}, nil
	case <-timer.C:
		fmt.Fprintln(p.Out, "\ntimed out, denying")
		return PromptResponse{Decision: DecisionTimeout}, nil
	case err := <-errs:
		logging.ApprovalDebug("prompt input closed: %v", err)
		return PromptResponse{Decision: Denied}, nil
	case line := <-lines:
		switch line {
		case "a", "approve", "y", "yes":
			return PromptResponse{Decision: Approved, RememberScope: RememberOnce}, nil
		case "r", "remember":
			return PromptResponse{Decision: Approved, Remember: true, RememberScope: RememberRun}, nil
		default:
			return PromptResponse{Decision: Denied, RememberScope: RememberOnce}, nil
		}
	}
}

// =============================================================================
// AUTO PROMPT
// =============================================================================

// AutoPrompt returns a fixed decision, optionally after a delay. Used for
// non-interactive runs and tests.
type AutoPrompt struct {
	Decision      ApprovalDecision
	Remember      bool
	RememberScope RememberScope
	Delay         time.Duration
}

func (p *AutoPrompt) Ask(ctx context.Context, req ApprovalRequest, risk RiskAssessment) (PromptResponse, error) {
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return PromptResponse{Decision: DecisionTimeout}, nil
		case <-time.After(p.Delay):
		}
	}
	scope := p.RememberScope
	if scope == "" {
		scope = RememberOnce
	}
	return PromptResponse{Decision: p.Decision, Remember: p.Remember, RememberScope: scope}, nil
}

// =============================================================================
// APPROVAL BROKER
// =============================================================================

// Broker resolves prompt-decisions end to end: remember-cache lookup, prompt
// dispatch, persistence and audit.
type Broker struct {
	store   *ApprovalStore
	prompt  Prompt // nil means auto-deny
	timeout time.Duration
	limiter *RateLimiter
}

// NewBroker wires a broker. prompt may be nil; limiter may be nil.
func NewBroker(store *ApprovalStore, prompt Prompt, timeout time.Duration, limiter *RateLimiter) *Broker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Broker{store: store, prompt: prompt, timeout: timeout, limiter: limiter}
}

// RequestApproval decides one approval request. Cached remembered decisions
// short-circuit; otherwise the prompt decides; no prompt means deny. Every
// fresh decision is persisted.
func (b *Broker) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	if cached, err := b.store.FindMatching(req); err != nil {
		return Denied, err
	} else if cached != nil {
		logging.Approval("cached %s decision for %s on %s", cached.Decision, req.Action.ActionType, req.Action.Target())
		logging.Audit().ApprovalDecision(req.RunID, req.PhaseID, string(req.Action.ActionType),
			req.Action.Target(), string(cached.Decision), 0, true)
		return cached.Decision, nil
	}

	if b.limiter != nil {
		if retryAfter, limited := b.limiter.Check(req.RunID); limited {
			logging.Audit().RateLimited(req.RunID, string(req.Action.ActionType), retryAfter.Milliseconds())
			return Denied, &RateLimitError{RetryAfter: retryAfter}
		}
	}

	risk := AssessRisk(&ActionContext{
		RunID:      req.RunID,
		PhaseID:    req.PhaseID,
		ActionType: req.Action.ActionType,
		TargetPath: req.Action.TargetPath,
		Command:    req.Action.Command,
		URL:        req.Action.URL,
	})

	resp := PromptResponse{Decision: Denied}
	if b.prompt != nil {
		askCtx, cancel := context.WithTimeout(ctx, b.timeout)
		var err error
		resp, err = b.prompt.Ask(askCtx, req, risk)
		cancel()
		if err != nil {
			return Denied, fmt.Errorf("approval prompt failed: %w", err)
		}
	} else {
		logging.Approval("no prompt handler configured, auto-denying %s on %s",
			req.Action.ActionType, req.Action.Target())
	}

	rec := ApprovalRecord{
		Request:       req,
		Decision:      resp.Decision,
		DecidedAt:     time.Now().UTC(),
		Remember:      resp.Remember,
		RememberScope: resp.RememberScope,
	}
	if rec.RememberScope == "" {
		rec.RememberScope = RememberOnce
	}
	if err := b.store.Save(rec); err != nil {
		return Denied, err
	}
	logging.Audit().ApprovalDecision(req.RunID, req.PhaseID, string(req.Action.ActionType),
		req.Action.Target(), string(rec.Decision), risk.Score, false)
	return rec.Decision, nil
}
