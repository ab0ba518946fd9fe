package facts

import (
	"sync"
	"time"

	"devloop/internal/logging"
)

// GuardrailLimits bound extraction LLM usage.
type GuardrailLimits struct {
	MaxMessages int
	MaxFacts    int
	MaxTokens   int
	Cooldown    time.Duration
}

// DefaultGuardrails mirrors the documented defaults.
func DefaultGuardrails() GuardrailLimits {
	return GuardrailLimits{
		MaxMessages: 25,
		MaxFacts:    50,
		MaxTokens:   1500,
		Cooldown:    30 * time.Second,
	}
}

// GuardrailTelemetry counts skips and caps.
type GuardrailTelemetry struct {
	CooldownSkips  int `json:"cooldownSkips"`
	TokenSkips     int `json:"tokenSkips"`
	MessagesCapped int `json:"messagesCapped"`
	FactsCapped    int `json:"factsCapped"`
	Invocations    int `json:"invocations"`
}

// Guardrails gate extraction per session.
type Guardrails struct {
	limits GuardrailLimits

	mu        sync.Mutex
	lastOK    map[string]time.Time // per session, last successful extraction
	telemetry GuardrailTelemetry
	nowFunc   func() time.Time
}

// NewGuardrails builds guardrails with the given limits.
func NewGuardrails(limits GuardrailLimits) *Guardrails {
	if limits.MaxMessages <= 0 {
		limits.MaxMessages = 25
	}
	if limits.MaxFacts <= 0 {
		limits.MaxFacts = 50
	}
	if limits.MaxTokens <= 0 {
		limits.MaxTokens = 1500
	}
	if limits.Cooldown <= 0 {
		limits.Cooldown = 30 * time.Second
	}
	return &Guardrails{
		limits:  limits,
		lastOK:  make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// EstimateTokens approximates token count as chars/4.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Admit decides whether an extraction may proceed and truncates the message
// batch to the most recent MaxMessages. A nil return with ok=false means the
// batch was skipped entirely.
func (g *Guardrails) Admit(sessionID string, messages []string) (batch []string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFunc()
	if last, seen := g.lastOK[sessionID]; seen && now.Sub(last) < g.limits.Cooldown {
		g.telemetry.CooldownSkips++
		logging.Guardrails("extraction skipped for %s: cooldown (%s remaining)",
			sessionID, (g.limits.Cooldown - now.Sub(last)).Round(time.Second))
		return nil, false
	}

	if len(messages) > g.limits.MaxMessages {
		g.telemetry.MessagesCapped++
		logging.Guardrails("extraction batch for %s truncated %d -> %d messages",
			sessionID, len(messages), g.limits.MaxMessages)
		messages = messages[len(messages)-g.limits.MaxMessages:]
	}

	total := 0
	for _, m := range messages {
		total += EstimateTokens(m)
	}
	if total > g.limits.MaxTokens {
		g.telemetry.TokenSkips++
		logging.Guardrails("extraction skipped for %s: %d estimated tokens exceeds %d",
			sessionID, total, g.limits.MaxTokens)
		return nil, false
	}

	g.telemetry.Invocations++
	return messages, true
}

// CapFacts bounds adopted extraction results to MaxFacts.
func (g *Guardrails) CapFacts(facts []ExtractedFact) []ExtractedFact {
	if len(facts) <= g.limits.MaxFacts {
		return facts
	}
	g.mu.Lock()
	g.telemetry.FactsCapped++
	g.mu.Unlock()
	logging.Guardrails("extraction results capped %d -> %d facts", len(facts), g.limits.MaxFacts)
	return facts[:g.limits.MaxFacts]
}

// RecordSuccess starts the cooldown window for a session.
func (g *Guardrails) RecordSuccess(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastOK[sessionID] = g.nowFunc()
}

// Telemetry returns a copy of the counters.
func (g *Guardrails) Telemetry() GuardrailTelemetry {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.telemetry
}
