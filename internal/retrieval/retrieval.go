// Package retrieval assembles memory context for agent sessions: session
// preambles from blocks and summaries, and query-relevant memory selection
// with scoring traces.
package retrieval

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"devloop/internal/facts"
	"devloop/internal/logging"
)

// importantThreshold is the importance floor for inclusion without an FTS
// match.
const importantThreshold = 0.6

// SessionOptions bound buildSessionContext.
type SessionOptions struct {
	// MaxTokens caps the final text, approximated as chars/4.
	MaxTokens int
	// MemoryLimit caps how many memories are considered.
	MemoryLimit int
}

// score ranks a memory for session context:
// importance * recencyDecay + accessBoost.
func score(m *facts.Memory, now time.Time) float64 {
	ageDays := now.Sub(m.CreatedAt).Hours() / 24
	decay := 1 - ageDays/365
	if decay < 0.1 {
		decay = 0.1
	}
	boost := float64(m.AccessCount) * 0.01
	if boost > 0.2 {
		boost = 0.2
	}
	return m.Importance*decay + boost
}

// BuildSessionContext renders the session preamble: the user_profile block
// when present, then the latest daily summary, then top-scored memories,
// truncated to MaxTokens.
func BuildSessionContext(store *facts.Store, opts SessionOptions) (string, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "BuildSessionContext")
	defer timer.Stop()

	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1500
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = 20
	}
	maxChars := opts.MaxTokens * 4

	var b strings.Builder

	if profile, err := store.GetBlock(facts.BlockUserProfile); err != nil {
		return "", err
	} else if profile != nil {
		b.WriteString("## User profile\n\n")
		b.WriteString(profile.Value)
		b.WriteString("\n\n")
	}

	if daily, err := store.LatestDailySummary(); err != nil {
		return "", err
	} else if daily != nil {
		fmt.Fprintf(&b, "## Last summary (%s)\n\n%s\n\n", daily.Date, daily.Content)
	}

	memories, err := store.List(facts.ListOptions{Limit: opts.MemoryLimit * 4})
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	sort.SliceStable(memories, func(i, j int) bool {
		si, sj := score(&memories[i], now), score(&memories[j], now)
		if si != sj {
			return si > sj
		}
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})

	if len(memories) > 0 {
		b.WriteString("## Memories\n\n")
		count := 0
		for i := range memories {
			if count >= opts.MemoryLimit {
				break
			}
			line := fmt.Sprintf("- [%s] %s\n", memories[i].Type, memories[i].Content)
			if b.Len()+len(line) > maxChars {
				break
			}
			b.WriteString(line)
			count++
		}
	}

	out := b.String()
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	logging.Retrieval("session context: %d chars (~%d tokens)", len(out), len(out)/4)
	return out, nil
}

// =============================================================================
// RELEVANT CONTEXT
// =============================================================================

// QueryOptions bound getRelevantContext.
type QueryOptions struct {
	Limit    int
	MinScore float64
	// Role filters results by role-visible types when set.
	Role facts.Role
}

// ScoredMemory pairs a memory with its retrieval score and provenance.
type ScoredMemory struct {
	Memory facts.Memory `json:"memory"`
	Score  float64      `json:"score"`
	// Sources explain why the memory was selected: fts, importance, recency.
	Sources []string `json:"sources"`
	// FTSScore is set when the memory matched full-text search.
	FTSScore float64 `json:"ftsScore,omitempty"`
}

// RetrievalTrace explains a retrieval end to end. Excluded counts only
// role-filtered memories; score and limit cuts are reported separately.
type RetrievalTrace struct {
	Query         string             `json:"query"`
	FTSAvailable  bool               `json:"ftsAvailable"`
	Results       []ScoredMemory     `json:"results"`
	Excluded      int                `json:"excluded"`
	ExcludedTypes []facts.MemoryType `json:"excludedTypes,omitempty"`
	BelowMinScore int                `json:"belowMinScore,omitempty"`
	Truncated     int                `json:"truncated,omitempty"`
}

// GetRelevantContext returns the memories most relevant to a query.
func GetRelevantContext(store *facts.Store, query string, opts QueryOptions) ([]ScoredMemory, error) {
	trace, err := GetRelevantContextWithTrace(store, query, opts)
	if err != nil {
		return nil, err
	}
	return trace.Results, nil
}

// GetRelevantContextWithTrace merges FTS matches with top-importance
// memories, deduplicates by id, applies MinScore and Limit, and reports a
// full trace. Tie-breaks: score desc, then createdAt desc, then id asc.
func GetRelevantContextWithTrace(store *facts.Store, query string, opts QueryOptions) (*RetrievalTrace, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "GetRelevantContext")
	defer timer.Stop()

	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	trace := &RetrievalTrace{Query: query, FTSAvailable: store.FTSAvailable()}

	candidates := make(map[string]*ScoredMemory)
	now := time.Now().UTC()

	ftsResults, err := store.SearchFTS(query, opts.Limit*3)
	if err != nil {
		return nil, err
	}
	for _, r := range ftsResults {
		m, err := store.Peek(r.ID)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		candidates[m.ID] = &ScoredMemory{
			Memory:   *m,
			Score:    score(m, now) + 0.5, // FTS match bonus
			Sources:  []string{"fts"},
			FTSScore: r.Score,
		}
	}

	important, err := store.List(facts.ListOptions{Limit: opts.Limit * 3})
	if err != nil {
		return nil, err
	}
	for i := range important {
		m := &important[i]
		if m.Importance < importantThreshold {
			continue
		}
		if existing, ok := candidates[m.ID]; ok {
			existing.Sources = append(existing.Sources, "importance")
			continue
		}
		src := "importance"
		if now.Sub(m.CreatedAt) < 24*time.Hour {
			src = "recency"
		}
		candidates[m.ID] = &ScoredMemory{
			Memory:  *m,
			Score:   score(m, now),
			Sources: []string{src},
		}
	}

	var rolePolicy facts.RolePolicy
	filterRole := opts.Role != ""
	if filterRole {
		rolePolicy = facts.PolicyFor(opts.Role)
	}

	excludedTypes := make(map[facts.MemoryType]bool)
	var results []ScoredMemory
	for _, c := range candidates {
		if c.Score < opts.MinScore {
			trace.BelowMinScore++
			continue
		}
		if filterRole && !rolePolicy.TypeAllowed(c.Memory.Type) {
			trace.Excluded++
			excludedTypes[c.Memory.Type] = true
			continue
		}
		results = append(results, *c)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Memory.CreatedAt.Equal(results[j].Memory.CreatedAt) {
			return results[i].Memory.CreatedAt.After(results[j].Memory.CreatedAt)
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > opts.Limit {
		trace.Truncated = len(results) - opts.Limit
		results = results[:opts.Limit]
	}

	for t := range excludedTypes {
		trace.ExcludedTypes = append(trace.ExcludedTypes, t)
	}
	sort.Slice(trace.ExcludedTypes, func(i, j int) bool {
		return trace.ExcludedTypes[i] < trace.ExcludedTypes[j]
	})
	trace.Results = results

	logging.Retrieval("query %q: %d results, %d role-excluded, %d below min score, %d truncated",
		query, len(results), trace.Excluded, trace.BelowMinScore, trace.Truncated)
	return trace, nil
}
