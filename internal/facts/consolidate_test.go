package facts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devloop/internal/llm"
)

func dayMemory(date string, hour int, m Memory) Memory {
	day, _ := time.Parse("2006-01-02", date)
	m.CreatedAt = day.Add(time.Duration(hour) * time.Hour)
	return m
}

func TestGenerateDailySummary(t *testing.T) {
	ctx := context.Background()
	const date = "2026-08-20"

	t.Run("empty day produces nothing", func(t *testing.T) {
		store := newTestStore(t)
		c := NewConsolidator(store, nil, PruneOptions{})

		ds, err := c.GenerateDailySummary(ctx, date)
		require.NoError(t, err)
		assert.Nil(t, ds)

		saved, err := store.GetDailySummary(date)
		require.NoError(t, err)
		assert.Nil(t, saved)
	})

	t.Run("invalid date errors", func(t *testing.T) {
		c := NewConsolidator(newTestStore(t), nil, PruneOptions{})
		_, err := c.GenerateDailySummary(ctx, "20/08/2026")
		require.Error(t, err)
	})

	t.Run("digest fallback without llm", func(t *testing.T) {
		store := newTestStore(t)
		addMemory(t, store, dayMemory(date, 9, Memory{Type: TypeDecision, Content: "adopted the new importer", Importance: 0.8}))
		addMemory(t, store, dayMemory(date, 10, Memory{Type: TypeFact, Content: "build takes 4 minutes", Importance: 0.3}))
		c := NewConsolidator(store, nil, PruneOptions{})

		ds, err := c.GenerateDailySummary(ctx, date)
		require.NoError(t, err)
		require.NotNil(t, ds)
		assert.Contains(t, ds.Content, "2 entries")
		assert.Contains(t, ds.Content, "adopted the new importer")

		saved, err := store.GetDailySummary(date)
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, ds.Content, saved.Content)
	})

	t.Run("llm summary is used when parseable", func(t *testing.T) {
		store := newTestStore(t)
		addMemory(t, store, dayMemory(date, 9, Memory{Type: TypeFact, Content: "x", Importance: 0.5}))
		stub := &llm.StubClient{Response: `{"summary": "A quiet day.", "keyDecisions": ["ship it"]}`}
		c := NewConsolidator(store, stub, PruneOptions{})

		ds, err := c.GenerateDailySummary(ctx, date)
		require.NoError(t, err)
		require.NotNil(t, ds)
		assert.Contains(t, ds.Content, "A quiet day.")
		assert.Contains(t, ds.Content, "ship it")
	})

	t.Run("llm failure falls back to digest", func(t *testing.T) {
		store := newTestStore(t)
		addMemory(t, store, dayMemory(date, 9, Memory{Type: TypeFact, Content: "resilient", Importance: 0.9}))
		stub := &llm.StubClient{Err: errors.New("model unavailable")}
		c := NewConsolidator(store, stub, PruneOptions{})

		ds, err := c.GenerateDailySummary(ctx, date)
		require.NoError(t, err)
		require.NotNil(t, ds)
		assert.Contains(t, ds.Content, "Daily digest")
		assert.Contains(t, ds.Content, "resilient")
	})

	t.Run("markdown mirror is written", func(t *testing.T) {
		store := newTestStore(t)
		md := t.TempDir()
		store.SetMarkdownPath(md)
		addMemory(t, store, dayMemory(date, 9, Memory{Type: TypeFact, Content: "mirrored", Importance: 0.5}))
		c := NewConsolidator(store, nil, PruneOptions{})

		_, err := c.GenerateDailySummary(ctx, date)
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(md, "daily", date+".md"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "mirrored")
	})
}

func TestGenerateWeeklySummary(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	t.Run("no dailies produces nothing", func(t *testing.T) {
		c := NewConsolidator(newTestStore(t), nil, PruneOptions{})
		ws, err := c.GenerateWeeklySummary(ctx, at)
		require.NoError(t, err)
		assert.Nil(t, ws)
	})

	t.Run("aggregates recent dailies oldest first", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.SaveDailySummary("2026-08-18", "first day"))
		require.NoError(t, store.SaveDailySummary("2026-08-19", "second day"))
		c := NewConsolidator(store, nil, PruneOptions{})

		ws, err := c.GenerateWeeklySummary(ctx, at)
		require.NoError(t, err)
		require.NotNil(t, ws)
		assert.Equal(t, ISOWeek(at), ws.Week)
		assert.Contains(t, ws.Content, "first day")
		assert.Contains(t, ws.Content, "second day")
		assert.Less(t,
			strings.Index(ws.Content, "first day"),
			strings.Index(ws.Content, "second day"))

		saved, err := store.GetWeeklySummary(ws.Week)
		require.NoError(t, err)
		require.NotNil(t, saved)
	})

	t.Run("llm condenses the weekly digest", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.SaveDailySummary("2026-08-19", "raw daily text"))
		stub := &llm.StubClient{Response: `{"summary": "One tight paragraph."}`}
		c := NewConsolidator(store, stub, PruneOptions{})

		ws, err := c.GenerateWeeklySummary(ctx, at)
		require.NoError(t, err)
		require.NotNil(t, ws)
		assert.Equal(t, "One tight paragraph.", ws.Content)
	})
}

func TestISOWeek(t *testing.T) {
	assert.Equal(t, "2026-W34", ISOWeek(time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)))
	// Jan 1 can belong to the previous ISO year.
	assert.Equal(t, "2020-W53", ISOWeek(time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRunConsolidation(t *testing.T) {
	ctx := context.Background()

	t.Run("weekday run skips the weekly summary", func(t *testing.T) {
		store := newTestStore(t)
		c := NewConsolidator(store, nil, PruneOptions{})
		wednesday := time.Date(2026, 8, 19, 23, 55, 0, 0, time.UTC)
		addMemory(t, store, dayMemory("2026-08-19", 9, Memory{Type: TypeFact, Content: "midweek", Importance: 0.5}))

		require.NoError(t, c.RunConsolidation(ctx, wednesday))

		ds, err := store.GetDailySummary("2026-08-19")
		require.NoError(t, err)
		assert.NotNil(t, ds)
		_, weekly, err := store.SummaryCounts()
		require.NoError(t, err)
		assert.Zero(t, weekly)
	})

	t.Run("sunday run adds the weekly summary", func(t *testing.T) {
		store := newTestStore(t)
		c := NewConsolidator(store, nil, PruneOptions{})
		sunday := time.Date(2026, 8, 23, 23, 55, 0, 0, time.UTC)
		require.Equal(t, time.Sunday, sunday.Weekday())
		addMemory(t, store, dayMemory("2026-08-23", 9, Memory{Type: TypeFact, Content: "weekend work", Importance: 0.5}))

		require.NoError(t, c.RunConsolidation(ctx, sunday))

		ws, err := store.GetWeeklySummary(ISOWeek(sunday))
		require.NoError(t, err)
		assert.NotNil(t, ws)
	})
}
