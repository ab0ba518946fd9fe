package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"devloop/internal/llm"
	"devloop/internal/logging"
)

// Consolidator generates daily and weekly summaries and runs pruning. The
// LLM client is optional; without it summaries are deterministic digests.
type Consolidator struct {
	store *Store
	llm   llm.Client // may be nil
	prune PruneOptions
}

// NewConsolidator wires a consolidator.
func NewConsolidator(store *Store, client llm.Client, prune PruneOptions) *Consolidator {
	return &Consolidator{store: store, llm: client, prune: prune}
}

// llmSummary is the parsed model response.
type llmSummary struct {
	Summary           string   `json:"summary"`
	KeyDecisions      []string `json:"keyDecisions,omitempty"`
	MentionedEntities []string `json:"mentionedEntities,omitempty"`
}

// GenerateDailySummary digests memories created on the given date
// (YYYY-MM-DD). Returns (nil, nil) when the day has no memories.
func (c *Consolidator) GenerateDailySummary(ctx context.Context, date string) (*DailySummary, error) {
	timer := logging.StartTimer(logging.CategoryConsolidation, "GenerateDailySummary")
	defer timer.Stop()

	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}
	from := day.UnixMilli()
	to := day.Add(24 * time.Hour).UnixMilli()

	rows, err := c.store.db.Query(`SELECT `+memoryColumns+` FROM memories
		WHERE created_at >= ? AND created_at < ? ORDER BY created_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to select day's memories: %w", err)
	}
	memories, err := scanMemories(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		logging.Consolidation("no memories for %s, skipping daily summary", date)
		return nil, nil
	}

	content := c.summarize(ctx, date, memories)
	if err := c.store.SaveDailySummary(date, content); err != nil {
		return nil, err
	}
	c.mirrorMarkdown(filepath.Join("daily", date+".md"), content)

	logging.Consolidation("daily summary for %s: %d memories, %d chars", date, len(memories), len(content))
	return &DailySummary{Date: date, Content: content, CreatedAt: time.Now().UTC()}, nil
}

// summarize delegates to the LLM when available, else builds a deterministic
// digest.
func (c *Consolidator) summarize(ctx context.Context, date string, memories []Memory) string {
	if c.llm != nil {
		if content, err := c.summarizeLLM(ctx, date, memories); err == nil {
			return content
		} else {
			logging.Get(logging.CategoryConsolidation).Warn(
				"LLM summary for %s failed, falling back to digest: %v", date, err)
		}
	}
	return digest(date, memories)
}

func (c *Consolidator) summarizeLLM(ctx context.Context, date string, memories []Memory) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize these %d memory entries recorded on %s.\n\n", len(memories), date)
	for _, m := range memories {
		fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.Content)
	}
	b.WriteString("\nRespond with JSON only: {\"summary\": \"...\", \"keyDecisions\": [\"...\"], \"mentionedEntities\": [\"...\"]}\n")

	out, err := c.llm.Complete(ctx, "You consolidate an agent's daily memory into a concise digest.", b.String(), 1024)
	if err != nil {
		return "", err
	}

	var parsed llmSummary
	raw := extractJSON(out)
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", fmt.Errorf("unparseable summary response: %w", err)
	}
	if parsed.Summary == "" {
		return "", fmt.Errorf("summary response missing summary field")
	}

	var doc strings.Builder
	doc.WriteString(parsed.Summary)
	if len(parsed.KeyDecisions) > 0 {
		doc.WriteString("\n\nKey decisions:\n")
		for _, d := range parsed.KeyDecisions {
			fmt.Fprintf(&doc, "- %s\n", d)
		}
	}
	if len(parsed.MentionedEntities) > 0 {
		fmt.Fprintf(&doc, "\nEntities: %s\n", strings.Join(parsed.MentionedEntities, ", "))
	}
	return doc.String(), nil
}

// digest is the LLM-free fallback: counts by type plus the highest-importance
// entries verbatim.
func digest(date string, memories []Memory) string {
	counts := make(map[MemoryType]int)
	for _, m := range memories {
		counts[m.Type]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily digest %s: %d entries", date, len(memories))
	var parts []string
	for _, t := range ValidTypes {
		if counts[t] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[t], t))
		}
	}
	if len(parts) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteString("\n\nHighlights:\n")

	shown := 0
	for _, m := range memories {
		if m.Importance < 0.6 {
			continue
		}
		fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.Content)
		shown++
		if shown >= 10 {
			break
		}
	}
	if shown == 0 {
		for i, m := range memories {
			if i >= 5 {
				break
			}
			fmt.Fprintf(&b, "- [%s] %s\n", m.Type, m.Content)
		}
	}
	return b.String()
}

// ISOWeek formats a time as the ISO week key YYYY-Www.
func ISOWeek(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// GenerateWeeklySummary aggregates the last 7 daily summaries into the week
// of the given time. Returns (nil, nil) when there are no daily summaries.
func (c *Consolidator) GenerateWeeklySummary(ctx context.Context, at time.Time) (*WeeklySummary, error) {
	timer := logging.StartTimer(logging.CategoryConsolidation, "GenerateWeeklySummary")
	defer timer.Stop()

	dailies, err := c.store.RecentDailySummaries(7)
	if err != nil {
		return nil, err
	}
	if len(dailies) == 0 {
		logging.Consolidation("no daily summaries, skipping weekly summary")
		return nil, nil
	}

	week := ISOWeek(at)
	var b strings.Builder
	fmt.Fprintf(&b, "Week %s\n\n", week)
	for i := len(dailies) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", dailies[i].Date, dailies[i].Content)
	}
	content := b.String()

	if c.llm != nil {
		prompt := fmt.Sprintf("Condense these daily digests into one weekly summary.\n\n%s\nRespond with JSON only: {\"summary\": \"...\"}", content)
		if out, err := c.llm.Complete(ctx, "You consolidate daily digests into a weekly summary.", prompt, 1024); err == nil {
			var parsed llmSummary
			if json.Unmarshal([]byte(extractJSON(out)), &parsed) == nil && parsed.Summary != "" {
				content = parsed.Summary
			}
		} else {
			logging.Get(logging.CategoryConsolidation).Warn("LLM weekly summary failed, keeping digest: %v", err)
		}
	}

	if err := c.store.SaveWeeklySummary(week, content); err != nil {
		return nil, err
	}
	c.mirrorMarkdown(filepath.Join("weekly", week+".md"), content)
	logging.Consolidation("weekly summary %s saved (%d dailies)", week, len(dailies))
	return &WeeklySummary{Week: week, Content: content, CreatedAt: time.Now().UTC()}, nil
}

// RunConsolidation is the scheduled composite: daily summary for yesterday-
// or-today plus pruning; the weekly summary runs only on Sundays.
func (c *Consolidator) RunConsolidation(ctx context.Context, now time.Time) error {
	date := now.Format("2006-01-02")
	if _, err := c.GenerateDailySummary(ctx, date); err != nil {
		return err
	}
	if _, err := c.store.PruneMemories(c.prune); err != nil {
		return err
	}
	if now.Weekday() == time.Sunday {
		if _, err := c.GenerateWeeklySummary(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

// mirrorMarkdown writes a summary copy under the markdown path; best-effort.
func (c *Consolidator) mirrorMarkdown(rel, content string) {
	if c.store.markdownPath == "" {
		return
	}
	path := filepath.Join(c.store.markdownPath, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("failed to create %s: %v", filepath.Dir(path), err)
		return
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("failed to write %s: %v", path, err)
	}
}

// extractJSON pulls the first JSON object out of a possibly chatty response.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
