package facts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clockedGuardrails(limits GuardrailLimits) (*Guardrails, *time.Time) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	g := NewGuardrails(limits)
	g.nowFunc = func() time.Time { return now }
	return g, &now
}

func TestGuardrailsAdmit(t *testing.T) {
	t.Run("passes a small batch through", func(t *testing.T) {
		g, _ := clockedGuardrails(DefaultGuardrails())
		batch, ok := g.Admit("sess-1", []string{"hello", "world"})
		require.True(t, ok)
		assert.Equal(t, []string{"hello", "world"}, batch)
		assert.Equal(t, 1, g.Telemetry().Invocations)
	})

	t.Run("keeps the most recent messages when over the cap", func(t *testing.T) {
		g, _ := clockedGuardrails(GuardrailLimits{MaxMessages: 2, MaxTokens: 10000})
		batch, ok := g.Admit("sess-1", []string{"oldest", "middle", "newest"})
		require.True(t, ok)
		assert.Equal(t, []string{"middle", "newest"}, batch)
		assert.Equal(t, 1, g.Telemetry().MessagesCapped)
	})

	t.Run("skips when the token estimate is too large", func(t *testing.T) {
		g, _ := clockedGuardrails(GuardrailLimits{MaxTokens: 10})
		batch, ok := g.Admit("sess-1", []string{strings.Repeat("x", 200)})
		assert.False(t, ok)
		assert.Nil(t, batch)
		assert.Equal(t, 1, g.Telemetry().TokenSkips)
	})

	t.Run("cooldown blocks until the window passes", func(t *testing.T) {
		g, now := clockedGuardrails(GuardrailLimits{Cooldown: 30 * time.Second})
		g.RecordSuccess("sess-1")

		*now = now.Add(10 * time.Second)
		_, ok := g.Admit("sess-1", []string{"again"})
		assert.False(t, ok)
		assert.Equal(t, 1, g.Telemetry().CooldownSkips)

		*now = now.Add(25 * time.Second)
		_, ok = g.Admit("sess-1", []string{"again"})
		assert.True(t, ok)
	})

	t.Run("cooldowns are per session", func(t *testing.T) {
		g, _ := clockedGuardrails(DefaultGuardrails())
		g.RecordSuccess("sess-1")

		_, ok := g.Admit("sess-2", []string{"other session"})
		assert.True(t, ok)
	})
}

func TestCapFacts(t *testing.T) {
	g := NewGuardrails(GuardrailLimits{MaxFacts: 2})
	facts := []ExtractedFact{
		{Content: "a"}, {Content: "b"}, {Content: "c"},
	}
	capped := g.CapFacts(facts)
	assert.Len(t, capped, 2)
	assert.Equal(t, 1, g.Telemetry().FactsCapped)

	t.Run("under the cap is untouched", func(t *testing.T) {
		assert.Len(t, g.CapFacts(facts[:1]), 1)
	})
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}

func TestGuardrailDefaults(t *testing.T) {
	g := NewGuardrails(GuardrailLimits{})
	assert.Equal(t, 25, g.limits.MaxMessages)
	assert.Equal(t, 50, g.limits.MaxFacts)
	assert.Equal(t, 1500, g.limits.MaxTokens)
	assert.Equal(t, 30*time.Second, g.limits.Cooldown)
}
