package facts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPruneMemories(t *testing.T) {
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -120)
	past := now.Add(-time.Hour)

	t.Run("expired rows are always removed", func(t *testing.T) {
		store := newTestStore(t)
		expired := addMemory(t, store, Memory{
			Type: TypeTodo, Content: "important but expired",
			Importance: 0.95, ExpiresAt: &past,
		})
		kept := addMemory(t, store, Memory{Type: TypeFact, Content: "fresh", Importance: 0.5})

		res, err := store.PruneMemories(PruneOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Expired)
		assert.Equal(t, 0, res.Deleted)

		gone, err := store.Peek(expired.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
		still, err := store.Peek(kept.ID)
		require.NoError(t, err)
		assert.NotNil(t, still)
	})

	t.Run("stale low-value unaccessed rows are removed", func(t *testing.T) {
		store := newTestStore(t)
		stale := addMemory(t, store, Memory{
			Type: TypeFact, Content: "stale trivia",
			Importance: 0.1, CreatedAt: old,
		})

		res, err := store.PruneMemories(PruneOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Deleted)

		gone, err := store.Peek(stale.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("high importance survives regardless of age", func(t *testing.T) {
		store := newTestStore(t)
		precious := addMemory(t, store, Memory{
			Type: TypeDecision, Content: "we standardized on sqlite",
			Importance: 0.8, CreatedAt: old,
		})

		// Even an aggressive floor cannot reach above the protected band.
		res, err := store.PruneMemories(PruneOptions{MinImportance: 0.95})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Deleted)

		still, err := store.Peek(precious.ID)
		require.NoError(t, err)
		assert.NotNil(t, still)
	})

	t.Run("accessed rows survive", func(t *testing.T) {
		store := newTestStore(t)
		used := addMemory(t, store, Memory{
			Type: TypeFact, Content: "old but consulted",
			Importance: 0.1, CreatedAt: old, AccessCount: 3,
		})

		res, err := store.PruneMemories(PruneOptions{})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Deleted)
		still, err := store.Peek(used.ID)
		require.NoError(t, err)
		assert.NotNil(t, still)
	})

	t.Run("superseding rows survive", func(t *testing.T) {
		store := newTestStore(t)
		base := addMemory(t, store, Memory{Type: TypePreference, Content: "used yarn", Importance: 0.1, CreatedAt: old})
		addMemory(t, store, Memory{
			Type: TypePreference, Content: "moved to pnpm",
			Importance: 0.1, CreatedAt: old, Supersedes: base.ID,
		})

		res, err := store.PruneMemories(PruneOptions{})
		require.NoError(t, err)
		// The base row was never accessed and is fair game; the superseding
		// row is pinned by its link.
		assert.Equal(t, 1, res.Deleted)

		gone, err := store.Peek(base.ID)
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("recent rows survive", func(t *testing.T) {
		store := newTestStore(t)
		recent := addMemory(t, store, Memory{Type: TypeFact, Content: "new trivia", Importance: 0.1})

		res, err := store.PruneMemories(PruneOptions{MaxAgeDays: 30})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Deleted)
		still, err := store.Peek(recent.ID)
		require.NoError(t, err)
		assert.NotNil(t, still)
	})
}
