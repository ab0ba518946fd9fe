// Package llm wraps the model providers used for fact extraction and
// consolidation summaries behind a minimal completion interface.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Client produces one completion for a prompt.
type Client interface {
	Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
	Provider() string
}

// =============================================================================
// ANTHROPIC
// =============================================================================

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient builds a client. Empty model picks a small default
// suited to extraction workloads. The API key comes from the environment.
func NewAnthropicClient(model string) *AnthropicClient {
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaude3_5HaikuLatest
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithMaxRetries(2)),
		model:  m,
	}
}

func (c *AnthropicClient) Provider() string { return "anthropic" }

func (c *AnthropicClient) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion failed: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// =============================================================================
// STUB
// =============================================================================

// StubClient returns canned completions for offline runs and tests.
type StubClient struct {
	// Response is returned for every prompt unless a Responder is set.
	Response string
	// Responder, when set, computes the response from the prompt.
	Responder func(system, prompt string) string
	// Err forces failures.
	Err error

	mu      sync.Mutex
	prompts []string
}

func (c *StubClient) Provider() string { return "stub" }

// Prompts returns every prompt seen, in order.
func (c *StubClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}

func (c *StubClient) Complete(_ context.Context, system, prompt string, _ int) (string, error) {
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	if c.Responder != nil {
		return c.Responder(system, prompt), nil
	}
	return c.Response, nil
}
