package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/strata/internal/embedding"
	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/internal/storage/cold"
	"github.com/scrypster/strata/internal/storage/hot"
	"github.com/scrypster/strata/internal/storage/warm"
	"github.com/scrypster/strata/pkg/types"
)

const dim = 384

type downEmbedder struct{}

func (downEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("connection refused: embedding unavailable")
}

var at = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func mem(id, content string, category types.Category, importance float64) *types.MemoryItem {
	return &types.MemoryItem{
		ID: id, Content: content, Category: category, Importance: importance,
		CreatedAt: at, LastAccessedAt: at,
	}
}

func hotWith(t *testing.T, items ...*types.MemoryItem) *hot.Store {
	t.Helper()
	h, err := hot.Open("", 100)
	require.NoError(t, err)
	for _, it := range items {
		_, err := h.Put(it)
		require.NoError(t, err)
	}
	return h
}

func warmWith(t *testing.T, items ...*types.MemoryItem) *warm.Store {
	t.Helper()
	w, err := warm.Open(context.Background(), warm.Options{
		Dimension: dim,
		Provider:  embedding.NewHashProvider(dim),
		Index:     warm.NewFlatIndex(),
	})
	require.NoError(t, err)
	for _, it := range items {
		_, err := w.Promote(context.Background(), it)
		require.NoError(t, err)
	}
	return w
}

func coldWith(t *testing.T, items ...*types.MemoryItem) *cold.Store {
	t.Helper()
	c, err := cold.Open(filepath.Join(t.TempDir(), "archive.db"), cold.Options{FuzzyCandidates: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	if len(items) > 0 {
		_, err = c.Archive(context.Background(), items)
		require.NoError(t, err)
	}
	return c
}

func newEngine(t *testing.T, src Sources, cfg Config) *Engine {
	t.Helper()
	e, err := New(src, cfg)
	require.NoError(t, err)
	return e
}

func assertRanked(t *testing.T, hits []Hit) {
	t.Helper()
	seen := make(map[string]bool)
	for i, h := range hits {
		assert.False(t, seen[h.Item.ID], "duplicate id %s", h.Item.ID)
		seen[h.Item.ID] = true
		assert.Greater(t, h.Score, 0.0)
		if i > 0 {
			assert.GreaterOrEqual(t, hits[i-1].Score, h.Score)
		}
	}
}

func TestSearch_HotKeywordMatch(t *testing.T) {
	h := hotWith(t,
		mem("vue", "We decided to use Vue3 for the frontend because of performance", types.CategoryDecision, 0.9),
		mem("dentist", "Dentist appointment on Tuesday", types.CategoryDeadline, 0.8),
	)
	e := newEngine(t, Sources{Hot: h}, Config{})

	res, err := e.Search(context.Background(), "frontend framework", storage.SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "vue", res.Hits[0].Item.ID)
	assert.InDelta(t, 0.30*0.5, res.Hits[0].Score, 1e-9)
	assert.False(t, res.Degraded)
	assert.Empty(t, res.Warnings)
}

func TestSearch_DegradedWhenEmbedderDown(t *testing.T) {
	h := hotWith(t, mem("vue", "We decided to use Vue3 for the frontend because of performance", types.CategoryDecision, 0.9))
	w := warmWith(t, mem("w1", "Warm note about the frontend build", types.CategoryFact, 0.7))
	e := newEngine(t, Sources{Hot: h, Warm: w, Embedder: downEmbedder{}}, Config{})

	res, err := e.Search(context.Background(), "frontend framework", storage.SearchOptions{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "warm")

	var ids []string
	for _, hit := range res.Hits {
		ids = append(ids, hit.Item.ID)
	}
	assert.Contains(t, ids, "vue")
}

func TestSearch_AllPassesFail(t *testing.T) {
	w := warmWith(t)
	e := newEngine(t, Sources{Warm: w, Embedder: downEmbedder{}}, Config{})

	_, err := e.Search(context.Background(), "anything at all", storage.SearchOptions{})
	assert.ErrorIs(t, err, storage.ErrRetrievalUnavailable)
}

func TestSearch_VectorOutranksKeywordOnly(t *testing.T) {
	h := hotWith(t, mem("kw", "The frontend is slow on mobile", types.CategoryFact, 0.9))
	w := warmWith(t, mem("vec", "We use Vue3 for the frontend framework", types.CategoryDecision, 0.7))
	e := newEngine(t, Sources{Hot: h, Warm: w, Embedder: embedding.NewHashProvider(dim)},
		Config{SimilarityThreshold: 0.3})

	res, err := e.Search(context.Background(), "frontend framework", storage.SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assertRanked(t, res.Hits)

	top := res.Hits[0]
	assert.Equal(t, "vec", top.Item.ID)
	assert.Greater(t, top.Vector, 0.3)
	assert.Equal(t, 1.0, top.Keyword)
	assert.Equal(t, "kw", res.Hits[1].Item.ID)
	assert.Equal(t, 0.0, res.Hits[1].Vector)
}

func TestSearch_MergesSameIDAcrossTiers(t *testing.T) {
	shared := mem("shared", "We use Vue3 for the frontend framework", types.CategoryDecision, 0.7)
	h := hotWith(t, shared, mem("other", "frontend tests are flaky", types.CategoryLesson, 0.5))
	w := warmWith(t, shared, mem("w2", "Frontend framework survey notes", types.CategoryFact, 0.4))
	e := newEngine(t, Sources{Hot: h, Warm: w, Embedder: embedding.NewHashProvider(dim)}, Config{})

	res, err := e.Search(context.Background(), "frontend framework", storage.SearchOptions{TopK: 10})
	require.NoError(t, err)
	assertRanked(t, res.Hits)

	for _, hit := range res.Hits {
		if hit.Item.ID == "shared" {
			assert.Greater(t, hit.Vector, 0.0, "vector component from warm")
			assert.Equal(t, 1.0, hit.Keyword, "keyword component kept at its max")
			return
		}
	}
	t.Fatal("shared item missing from results")
}

func TestSearch_DuplicateResolvesToLaterTier(t *testing.T) {
	shared := mem("shared", "We use Vue3 for the frontend framework", types.CategoryDecision, 0.7)
	h := hotWith(t, shared)
	w := warmWith(t, shared)
	e := newEngine(t, Sources{Hot: h, Warm: w, Embedder: embedding.NewHashProvider(dim)}, Config{})

	var reinforced []types.Tier
	e.SetReinforcer(ReinforceFunc(func(_ context.Context, it *types.MemoryItem) (*types.MemoryItem, error) {
		reinforced = append(reinforced, it.Tier)
		return it, nil
	}))

	res, err := e.Search(context.Background(), "frontend framework", storage.SearchOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, types.TierWarm, res.Hits[0].Item.Tier)
	assert.Equal(t, []types.Tier{types.TierWarm}, reinforced, "reinforcement goes to the owning tier")
	assert.Equal(t, 1.0, res.Hits[0].Keyword)
}

func TestSearch_ColdKeywordPass(t *testing.T) {
	c := coldWith(t,
		mem("pg", "Billing service runs on Postgres with pgbouncer", types.CategoryFact, 0.4),
		mem("other", "Dentist appointment on Tuesday", types.CategoryDeadline, 0.4),
	)

	e := newEngine(t, Sources{Cold: c}, Config{ColdKeyword: true, ColdFuzzy: true})
	res, err := e.Search(context.Background(), "postgres billing", storage.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "pg", res.Hits[0].Item.ID)
	assert.Equal(t, types.TierCold, res.Hits[0].Item.Tier)
	assert.InDelta(t, 0.30, res.Hits[0].Score, 1e-9)

	off := newEngine(t, Sources{Cold: c}, Config{})
	res, err = off.Search(context.Background(), "postgres billing", storage.SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Hits, "cold pass disabled")
}

func TestSearch_FiltersAndTopK(t *testing.T) {
	h := hotWith(t,
		mem("d1", "frontend decision one", types.CategoryDecision, 0.9),
		mem("d2", "frontend decision two", types.CategoryDecision, 0.2),
		mem("f1", "frontend fact", types.CategoryFact, 0.9),
	)
	e := newEngine(t, Sources{Hot: h}, Config{})
	ctx := context.Background()

	res, err := e.Search(ctx, "frontend", storage.SearchOptions{Categories: []types.Category{types.CategoryDecision}})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, "d1", res.Hits[0].Item.ID, "importance breaks score ties")

	res, err = e.Search(ctx, "frontend", storage.SearchOptions{MinImportance: 0.5})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	for _, hit := range res.Hits {
		assert.GreaterOrEqual(t, hit.Item.Importance, 0.5)
	}

	res, err = e.Search(ctx, "frontend", storage.SearchOptions{TopK: 1})
	require.NoError(t, err)
	assert.Len(t, res.Hits, 1)

	res, err = e.Search(ctx, "frontend", storage.SearchOptions{Tiers: []types.Tier{types.TierCold}})
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
}

func TestSearch_ReinforcesEveryHit(t *testing.T) {
	h := hotWith(t,
		mem("a", "kubernetes upgrade plan", types.CategoryPlan, 0.5),
		mem("b", "kubernetes cluster costs", types.CategoryFact, 0.5),
	)
	e := newEngine(t, Sources{Hot: h}, Config{})

	calls := 0
	e.SetReinforcer(ReinforceFunc(func(_ context.Context, it *types.MemoryItem) (*types.MemoryItem, error) {
		calls++
		c := it.Clone()
		c.AccessCount++
		return c, nil
	}))

	res, err := e.Search(context.Background(), "kubernetes", storage.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 2)
	assert.Equal(t, 2, calls)
	for _, hit := range res.Hits {
		assert.Equal(t, 1, hit.Item.AccessCount)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	e := newEngine(t, Sources{Hot: hotWith(t)}, Config{})
	_, err := e.Search(context.Background(), "   ", storage.SearchOptions{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Sources{}, Config{Weights: Weights{Vector: 0.2, Keyword: 0.5, Fuzzy: 0.1}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = New(Sources{Warm: warmWith(t)}, Config{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput, "warm without embedder")

	assert.NoError(t, DefaultWeights().Validate())
}
