package cold

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/pkg/types"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"), Options{FuzzyCandidates: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tick := base
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return s
}

func mem(id, content string, importance float64) *types.MemoryItem {
	return &types.MemoryItem{
		ID: id, Content: content, Category: types.CategoryFact,
		Tags:       []string{"t1"},
		Importance: importance, Confidence: 0.7, Tier: types.TierWarm,
		CreatedAt: base, LastAccessedAt: base,
		SourceSpan: &types.SourceSpan{Source: "chat", Start: 3, End: 40},
	}
}

func collect(t *testing.T, s *Store) []*types.MemoryItem {
	t.Helper()
	var out []*types.MemoryItem
	for item, err := range s.LoadAll(context.Background()) {
		require.NoError(t, err)
		out = append(out, item)
	}
	return out
}

func TestArchive_RoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	in := mem("a", "We decided to use Vue3 for the frontend", 0.4)
	res, err := s.Archive(ctx, []*types.MemoryItem{in})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cycle)
	assert.Equal(t, []string{"a"}, res.Archived)
	assert.False(t, res.Interrupted)
	assert.Equal(t, types.TierWarm, in.Tier, "caller's item is not mutated")

	all := collect(t, s)
	require.Len(t, all, 1)
	got := all[0]
	assert.Equal(t, in.Content, got.Content)
	assert.Equal(t, in.Category, got.Category)
	assert.Equal(t, in.Tags, got.Tags)
	assert.InDelta(t, in.Importance, got.Importance, 1e-9)
	assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, in.SourceSpan, got.SourceSpan)
	assert.Equal(t, types.TierCold, got.Tier)
	assert.Nil(t, got.Embedding)
}

func TestArchive_IdempotentPerID(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.Archive(ctx, []*types.MemoryItem{mem("a", "first version", 0.3)})
	require.NoError(t, err)
	res, err := s.Archive(ctx, []*types.MemoryItem{mem("a", "second version", 0.3)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cycle)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "second version", got.Content)

	logged, err := s.LogLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, logged, "log is append-only")

	cycle, err := s.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cycle)
}

func TestArchive_EmptyBatchKeepsCycle(t *testing.T) {
	s := openTest(t)
	res, err := s.Archive(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Cycle)
	assert.Empty(t, res.Archived)
}

func TestArchive_CancelledBetweenItems(t *testing.T) {
	s := openTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cycle allocation needs the context too, so a cancelled archive writes
	// nothing and reports the failure.
	_, err := s.Archive(ctx, []*types.MemoryItem{mem("a", "x content", 0.3)})
	require.Error(t, err)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCheckpoint_KeepsOwnerAndSkipsUnchanged(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	hot := mem("h", "hot item content", 0.9)
	hot.Tier = types.TierHot

	n, err := s.Checkpoint(ctx, []*types.MemoryItem{hot})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Checkpoint(ctx, []*types.MemoryItem{hot})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "unchanged row is not rewritten")

	hot.Touch(0.05, base.Add(time.Hour))
	n, err = s.Checkpoint(ctx, []*types.MemoryItem{hot})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, types.TierHot, got.Tier)
	assert.Equal(t, 1, got.AccessCount)

	coldN, err := s.CountByTier(ctx, types.TierCold)
	require.NoError(t, err)
	assert.Equal(t, 0, coldN)

	hits, err := s.KeywordSearch(ctx, "hot item", 5)
	require.NoError(t, err)
	assert.Empty(t, hits, "checkpoint rows are not cold-owned")
}

func TestKeywordSearch_OverlapOrdering(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	items := []*types.MemoryItem{
		mem("one", "Postgres tuning notes for the billing service", 0.5),
		mem("two", "Billing service uses Postgres with pgbouncer", 0.5),
		mem("none", "Dentist appointment on Tuesday", 0.5),
	}
	_, err := s.Archive(ctx, items)
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, "postgres billing pgbouncer", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "two", hits[0].Item.ID)
	assert.Equal(t, 3, hits[0].Overlap)
	assert.Equal(t, 3, hits[0].Terms)
	assert.Equal(t, "one", hits[1].Item.ID)
	assert.Equal(t, 2, hits[1].Overlap)
}

func TestKeywordSearch_RecencyTieBreak(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	older := mem("older", "kubernetes cluster upgrade", 0.5)
	newer := mem("newer", "kubernetes cluster migration", 0.5)
	newer.LastAccessedAt = base.Add(time.Hour)
	_, err := s.Archive(ctx, []*types.MemoryItem{older, newer})
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, "kubernetes", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "newer", hits[0].Item.ID)
}

func TestKeywordSearch_FuzzyAndOperators(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	_, err := s.Archive(ctx, []*types.MemoryItem{mem("a", "Remember the deployment checklist", 0.5)})
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, "deploymnt", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0, hits[0].Overlap)

	hits, err = s.KeywordSearch(ctx, `checklist AND NEAR("x)`, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].Overlap)

	hits, err = s.KeywordSearch(ctx, "the is", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKeywordSearch_CJK(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	_, err := s.Archive(ctx, []*types.MemoryItem{mem("zh", "我们决定使用Vue3作为前端框架", 0.5)})
	require.NoError(t, err)

	hits, err := s.KeywordSearch(ctx, "前端框架", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "zh", hits[0].Item.ID)
}

func TestSetTierAndTouch(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	_, err := s.Archive(ctx, []*types.MemoryItem{mem("a", "rehydrate me please", 0.5)})
	require.NoError(t, err)

	now := base.Add(48 * time.Hour)
	got, err := s.Touch(ctx, "a", 0.1, now)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got.Importance, 1e-9)
	assert.True(t, now.Equal(got.LastAccessedAt))

	require.NoError(t, s.SetTier(ctx, "a", types.TierHot))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, types.TierHot, got.Tier)

	assert.ErrorIs(t, s.SetTier(ctx, "missing", types.TierHot), storage.ErrNotFound)
	assert.ErrorIs(t, s.SetTier(ctx, "a", types.Tier("lukewarm")), storage.ErrInvalidInput)
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ok, err := s.Has(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLoadAll_PagesAndRestarts(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	var batch []*types.MemoryItem
	for i := 0; i < loadPage+10; i++ {
		batch = append(batch, mem(fmt.Sprintf("i%04d", i), fmt.Sprintf("item %d", i), 0.5))
	}
	_, err := s.Archive(ctx, batch)
	require.NoError(t, err)

	first := collect(t, s)
	require.Len(t, first, loadPage+10)
	for i, it := range first {
		assert.Equal(t, fmt.Sprintf("i%04d", i), it.ID)
	}

	// Consumers may write while ranging; the iterator holds no open rows.
	count := 0
	for item, err := range s.LoadAll(ctx) {
		require.NoError(t, err)
		require.NoError(t, s.SetTier(ctx, item.ID, types.TierCold))
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)

	assert.Len(t, collect(t, s), loadPage+10)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	s, err := Open(path, Options{})
	require.NoError(t, err)
	_, err = s.Archive(context.Background(), []*types.MemoryItem{mem("a", "durable content", 0.5)})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	cycle, err := s.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cycle)
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
