package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mindloop/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "episodic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storedMemory(id, summary string) types.Memory {
	return types.Memory{
		ID:          id,
		Summary:     summary,
		Content:     "details for " + summary,
		Kind:        "insight",
		Importance:  0.8,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		Tier:        types.MemoryConsolidated,
		ParentCycle: 7,
	}
}

func TestSQLiteStore_AppendAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := storedMemory("m1", "cache eviction tuning")
	eval := &types.ConsolidationEvaluation{MemoryID: "m1", PromotionScore: 0.82, Reason: "promote: led by importance"}
	require.NoError(t, s.Append(ctx, m, eval))

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "cache eviction tuning", got.Summary)
	require.Equal(t, types.MemoryConsolidated, got.Tier)
	require.Equal(t, 7, got.ParentCycle)

	missing, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestSQLiteStore_AppendValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.Error(t, s.Append(ctx, types.Memory{Summary: "no id"}, nil))
	require.Error(t, s.Append(ctx, types.Memory{ID: "m1", Summary: "   "}, nil))

	m := storedMemory("m1", "first")
	require.NoError(t, s.Append(ctx, m, nil))
	require.Error(t, s.Append(ctx, m, nil), "duplicate id must be rejected")
}

func TestSQLiteStore_RecentIsReverseChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		m := storedMemory(id, "memory number "+id)
		m.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Append(ctx, m, nil))
		time.Sleep(5 * time.Millisecond) // distinct appended_at
	}

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "m3", recent[0].ID)
	require.Equal(t, "m2", recent[1].ID)

	none, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestSQLiteStore_SearchSimilar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, storedMemory("m1", "lock free queue design"), nil))
	require.NoError(t, s.Append(ctx, storedMemory("m2", "grocery shopping list"), nil))
	failed := storedMemory("m3", "queue design attempt failed")
	failed.Kind = "error"
	require.NoError(t, s.Append(ctx, failed, nil))

	hits, err := s.SearchSimilar(ctx, "queue design", types.SearchOptions{K: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "m1", hits[0].Memory.ID)
	for _, h := range hits {
		require.NotEqual(t, "m2", h.Memory.ID, "unrelated memory should not match")
		require.Greater(t, h.Score, 0.0)
	}

	// successOnly filters error memories.
	hits, err = s.SearchSimilar(ctx, "queue design", types.SearchOptions{K: 5, SuccessOnly: true})
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, "error", h.Memory.Kind)
	}

	// Hits track access.
	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, got.AccessCount, 2)
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Memories)

	require.NoError(t, s.Append(ctx, storedMemory("m1", "first"), nil))
	require.NoError(t, s.Append(ctx, storedMemory("m2", "second"), nil))

	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Memories)
	require.False(t, stats.NewestAt.IsZero())
	require.Positive(t, stats.TotalBytes)
}
