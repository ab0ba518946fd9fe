package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"devloop/internal/logging"
)

// StubRunner returns canned output without touching any external agent.
// Deterministic, offline, and fast; the default for non-live runs and tests.
type StubRunner struct {
	// Delay simulates agent latency.
	Delay time.Duration
	// Responses maps session id prefixes to canned output. Unmatched
	// sessions get a generic acknowledgment.
	Responses map[string]string
	// Fail forces failures for matching session id prefixes.
	Fail map[string]string

	mu       sync.Mutex
	requests []Request
}

// NewStubRunner creates an empty stub.
func NewStubRunner() *StubRunner {
	return &StubRunner{}
}

// Requests returns a copy of every request seen, in order.
func (r *StubRunner) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, len(r.requests))
	copy(out, r.requests)
	return out
}

func (r *StubRunner) Run(ctx context.Context, req Request) (*Result, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	start := time.Now()
	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("stub run %s: %w", req.SessionID, ErrAborted)
		case <-time.After(r.Delay):
		}
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("stub run %s: %w", req.SessionID, ErrAborted)
	}

	if req.OnProgress != nil {
		req.OnProgress("stub: processing " + req.SessionID)
	}

	for prefix, msg := range r.Fail {
		if hasPrefix(req.SessionID, prefix) {
			return &Result{
				Success: false,
				Error:   msg,
				Metrics: Metrics{DurationMs: time.Since(start).Milliseconds(), Provider: "stub"},
			}, nil
		}
	}

	output := "ok"
	for prefix, resp := range r.Responses {
		if hasPrefix(req.SessionID, prefix) {
			output = resp
			break
		}
	}

	logging.RunnerDebug("stub run %s completed", req.SessionID)
	return &Result{
		Success: true,
		Output:  output,
		Metrics: Metrics{DurationMs: time.Since(start).Milliseconds(), Provider: "stub"},
	}, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
