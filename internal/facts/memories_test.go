package facts

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "facts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addMemory(t *testing.T, store *Store, m Memory) *Memory {
	t.Helper()
	require.NoError(t, store.Add(&m))
	return &m
}

func TestAddDefaults(t *testing.T) {
	store := newTestStore(t)

	m := &Memory{Type: TypeFact, Content: "the deploy script lives in scripts/deploy.sh"}
	require.NoError(t, store.Add(m))

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, SourceExplicit, m.Source)
	assert.False(t, m.CreatedAt.IsZero())
	assert.Equal(t, m.CreatedAt, m.LastAccessedAt)
	assert.Equal(t, m.CreatedAt, m.UpdatedAt)
}

func TestAddValidation(t *testing.T) {
	store := newTestStore(t)

	t.Run("content required", func(t *testing.T) {
		err := store.Add(&Memory{Type: TypeFact})
		require.Error(t, err)
	})

	t.Run("type must be known", func(t *testing.T) {
		err := store.Add(&Memory{Type: "hunch", Content: "x"})
		require.Error(t, err)
	})

	t.Run("importance and confidence are clamped", func(t *testing.T) {
		m := &Memory{Type: TypeFact, Content: "clamped", Importance: 3.5, Confidence: -1}
		require.NoError(t, store.Add(m))
		assert.Equal(t, 1.0, m.Importance)
		assert.Equal(t, 0.0, m.Confidence)
	})
}

func TestGetRecordsAccess(t *testing.T) {
	store := newTestStore(t)
	m := addMemory(t, store, Memory{Type: TypePreference, Content: "prefers tabs"})

	got, err := store.Get(m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.AccessCount)

	again, err := store.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, again.AccessCount)

	t.Run("peek does not record access", func(t *testing.T) {
		peeked, err := store.Peek(m.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, peeked.AccessCount)
	})

	t.Run("missing id is nil without error", func(t *testing.T) {
		got, err := store.Get("no-such-id")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestUpdatePatch(t *testing.T) {
	store := newTestStore(t)
	m := addMemory(t, store, Memory{Type: TypeFact, Content: "original", Importance: 0.5})

	newContent := "revised"
	newImportance := 0.9
	require.NoError(t, store.Update(m.ID, MemoryPatch{
		Content:    &newContent,
		Importance: &newImportance,
	}))

	got, err := store.Peek(m.ID)
	require.NoError(t, err)
	assert.Equal(t, "revised", got.Content)
	assert.Equal(t, 0.9, got.Importance)
	assert.Equal(t, m.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	t.Run("empty patch is a no-op", func(t *testing.T) {
		require.NoError(t, store.Update(m.ID, MemoryPatch{}))
	})

	t.Run("unknown id errors", func(t *testing.T) {
		c := "x"
		err := store.Update("ghost", MemoryPatch{Content: &c})
		require.Error(t, err)
	})
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	m := addMemory(t, store, Memory{Type: TypeTodo, Content: "rotate the signing key"})

	removed, err := store.Delete(m.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Delete(m.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListOrderingAndFilters(t *testing.T) {
	store := newTestStore(t)
	addMemory(t, store, Memory{Type: TypeFact, Content: "minor", Importance: 0.2})
	addMemory(t, store, Memory{Type: TypeFact, Content: "major", Importance: 0.9})
	addMemory(t, store, Memory{Type: TypeDecision, Content: "chose sqlite", Importance: 0.6})

	t.Run("importance descending", func(t *testing.T) {
		all, err := store.List(ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "major", all[0].Content)
		assert.Equal(t, "minor", all[2].Content)
	})

	t.Run("type filter", func(t *testing.T) {
		decisions, err := store.List(ListOptions{Type: TypeDecision})
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, "chose sqlite", decisions[0].Content)
	})

	t.Run("limit", func(t *testing.T) {
		top, err := store.List(ListOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, "major", top[0].Content)
	})

	n, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSupersedesLinksBothWays(t *testing.T) {
	store := newTestStore(t)
	old := addMemory(t, store, Memory{Type: TypePreference, Content: "uses npm"})
	addMemory(t, store, Memory{ID: "newer", Type: TypePreference, Content: "switched to pnpm", Supersedes: old.ID})

	got, err := store.Peek(old.ID)
	require.NoError(t, err)
	assert.Equal(t, "newer", got.SupersededBy)
}

func TestTagsRoundTrip(t *testing.T) {
	store := newTestStore(t)
	m := addMemory(t, store, Memory{Type: TypeEvent, Content: "release 1.4 shipped", Tags: []string{"release", "v1.4"}})

	got, err := store.Peek(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"release", "v1.4"}, got.Tags)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	store := newTestStore(t)
	m := addMemory(t, store, Memory{
		Type:      TypeFact,
		Content:   "vectorized note",
		Embedding: []float64{0.25, -0.5, 0.125},
	})
	plain := addMemory(t, store, Memory{Type: TypeFact, Content: "no vector"})

	got, err := store.Peek(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, -0.5, 0.125}, got.Embedding)

	got, err = store.Peek(plain.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Embedding)
}

func TestSearchFTS(t *testing.T) {
	store := newTestStore(t)
	if !store.FTSAvailable() {
		t.Skip("FTS5 not available in this build")
	}
	kept := addMemory(t, store, Memory{Type: TypeFact, Content: "the staging cluster runs kubernetes 1.29"})
	addMemory(t, store, Memory{Type: TypeFact, Content: "lunch preferences are unrelated"})

	results, err := store.SearchFTS("kubernetes staging", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, kept.ID, results[0].ID)
	assert.Greater(t, results[0].Score, 0.0)

	t.Run("blank query returns nothing", func(t *testing.T) {
		results, err := store.SearchFTS("   ", 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("deleted rows leave the index", func(t *testing.T) {
		_, err := store.Delete(kept.ID)
		require.NoError(t, err)
		results, err := store.SearchFTS("kubernetes", 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestSizeBytes(t *testing.T) {
	store := newTestStore(t)
	addMemory(t, store, Memory{Type: TypeFact, Content: "something"})
	size, err := store.SizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestExpiresAtRoundTrip(t *testing.T) {
	store := newTestStore(t)
	exp := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Millisecond)
	m := addMemory(t, store, Memory{Type: TypeTodo, Content: "expires later", ExpiresAt: &exp})

	got, err := store.Peek(m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, exp.UnixMilli(), got.ExpiresAt.UnixMilli())
}
