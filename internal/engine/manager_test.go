package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/strata/internal/config"
	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/pkg/types"
)

const vue3 = "We decided to use Vue3 for the frontend because of performance"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// downProvider simulates an unreachable embedding service.
type downProvider struct{ dim int }

func (d downProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("dial tcp 127.0.0.1:11434: connection refused")
}
func (d downProvider) Dimensions() int { return d.dim }
func (d downProvider) Model() string   { return "down" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace = t.TempDir()
	cfg.Warm.Index = "flat"
	cfg.Tiering.MinDwell = 0
	cfg.Embedding.RatePerSec = 0
	return cfg
}

func openManager(t *testing.T, cfg *config.Config, opts ...Option) *Manager {
	t.Helper()
	m, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCapture_ThenSearchFindsIt(t *testing.T) {
	m := openManager(t, testConfig(t))
	ctx := context.Background()

	res, err := m.Capture(ctx, vue3, "session-1")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, types.TierHot, res.Items[0].Tier)
	assert.Equal(t, types.CategoryDecision, res.Items[0].Category)
	assert.GreaterOrEqual(t, res.Items[0].Confidence, 0.6)

	found, err := m.Search(ctx, "frontend framework", storage.SearchOptions{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, found.Hits)
	assert.Equal(t, res.Items[0].ID, found.Hits[0].Item.ID)
	assert.Greater(t, found.Hits[0].Score, 0.0)
}

func TestCapture_EmptyText(t *testing.T) {
	m := openManager(t, testConfig(t))
	_, err := m.Capture(context.Background(), "  \n ", "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestCapture_DuplicateIsReinforced(t *testing.T) {
	m := openManager(t, testConfig(t))
	ctx := context.Background()

	first, err := m.Capture(ctx, vue3, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 1)

	second, err := m.Capture(ctx, vue3, "")
	require.NoError(t, err)
	assert.Empty(t, second.Items)
	require.Len(t, second.Reinforced, 1)
	assert.Equal(t, first.Items[0].ID, second.Reinforced[0].ID)
	assert.Equal(t, 1, second.Reinforced[0].AccessCount)
	assert.Equal(t, 1, m.hot.Len())
}

func TestStore_Validation(t *testing.T) {
	m := openManager(t, testConfig(t))
	ctx := context.Background()

	for _, bad := range []string{"", "ab", "aaaaaa", "ababab"} {
		_, err := m.Store(ctx, bad, "", 0.5)
		assert.ErrorIs(t, err, storage.ErrInvalidInput, "%q", bad)
	}

	it, err := m.Store(ctx, "abc", types.CategoryFact, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "abc", it.Content)
}

func TestStore_RejectsNonFiniteImportance(t *testing.T) {
	m := openManager(t, testConfig(t))
	ctx := context.Background()

	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := m.Store(ctx, "Billing runs on Postgres", "", bad)
		assert.ErrorIs(t, err, storage.ErrInvalidInput, "%v", bad)
	}
	assert.Zero(t, m.hot.Len())
}

func TestStore_InfersCategoryAndImportance(t *testing.T) {
	m := openManager(t, testConfig(t))

	it, err := m.Store(context.Background(), "I prefer dark mode in every editor", "", 0)
	require.NoError(t, err)
	assert.Equal(t, types.CategoryPreference, it.Category)
	assert.InDelta(t, 0.85, it.Importance, 1e-9)
	assert.Equal(t, 1.0, it.Confidence)
	assert.Equal(t, types.TierHot, it.Tier)

	it, err = m.Store(context.Background(), "Billing runs on Postgres", "Decision", 0.4)
	require.NoError(t, err)
	assert.Equal(t, types.CategoryDecision, it.Category)
	assert.Equal(t, 0.4, it.Importance)
}

func TestCapture_EvictionEvents(t *testing.T) {
	for _, autoArchive := range []bool{false, true} {
		t.Run(fmt.Sprintf("auto_archive=%t", autoArchive), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Hot.MaxEntries = 2
			cfg.Warm.Enabled = false
			cfg.Cold.AutoArchive = autoArchive
			m := openManager(t, cfg)
			ctx := context.Background()

			var evicted []Event
			m.OnEvent(func(ev Event) {
				if ev.Type == EventEvicted {
					evicted = append(evicted, ev)
				}
			})

			low, err := m.Store(ctx, "Lunch order is usually noodles", "", 0.3)
			require.NoError(t, err)
			_, err = m.Store(ctx, "The office wifi password rotates monthly", "", 0.5)
			require.NoError(t, err)
			res, err := m.admit(ctx, []*types.MemoryItem{{
				ID: "third", Content: "Quarterly planning happens in March", Importance: 0.4,
			}})
			require.NoError(t, err)

			require.Len(t, res.Evicted, 1)
			assert.Equal(t, low.ID, res.Evicted[0].Item.ID)
			assert.Equal(t, !autoArchive, res.Evicted[0].Lost)
			assert.Equal(t, 2, m.hot.Len())

			require.Len(t, evicted, 1)
			assert.Equal(t, low.ID, evicted[0].ItemID)

			n, err := m.cold.CountByTier(ctx, types.TierCold)
			require.NoError(t, err)
			if autoArchive {
				assert.Equal(t, 1, n, "archived copy takes ownership")
			} else {
				assert.Equal(t, 0, n)
			}
		})
	}
}

func TestReinforce_RehydratesColdItem(t *testing.T) {
	m := openManager(t, testConfig(t))
	ctx := context.Background()

	archived := &types.MemoryItem{
		ID: "pg", Content: "Billing service runs on Postgres with pgbouncer",
		Category: types.CategoryFact, Importance: 0.58,
		CreatedAt: m.now().Add(-30 * 24 * time.Hour), LastAccessedAt: m.now().Add(-20 * 24 * time.Hour),
	}
	_, err := m.cold.Archive(ctx, []*types.MemoryItem{archived})
	require.NoError(t, err)

	var rehydrated []string
	m.OnEvent(func(ev Event) {
		if ev.Type == EventRehydrated {
			rehydrated = append(rehydrated, ev.ItemID)
		}
	})

	res, err := m.Search(ctx, "postgres billing", storage.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)

	hit := res.Hits[0].Item
	assert.Equal(t, "pg", hit.ID)
	assert.Equal(t, types.TierHot, hit.Tier)
	assert.InDelta(t, 0.63, hit.Importance, 1e-9)
	assert.Empty(t, hit.Embedding, "re-embedded on promotion")
	assert.Equal(t, []string{"pg"}, rehydrated)

	inHot, err := m.hot.Get("pg")
	require.NoError(t, err)
	assert.Equal(t, 1, inHot.AccessCount)

	n, err := m.cold.CountByTier(ctx, types.TierCold)
	require.NoError(t, err)
	assert.Zero(t, n, "archive row now records hot ownership")
}

func TestReinforce_ColdBelowThresholdStaysArchived(t *testing.T) {
	m := openManager(t, testConfig(t))
	ctx := context.Background()

	_, err := m.cold.Archive(ctx, []*types.MemoryItem{{
		ID: "pg", Content: "Billing service runs on Postgres", Importance: 0.2,
		CreatedAt: m.now(), LastAccessedAt: m.now(),
	}})
	require.NoError(t, err)

	res, err := m.Search(ctx, "postgres billing", storage.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, types.TierCold, res.Hits[0].Item.Tier)
	assert.Zero(t, m.hot.Len())
}

func TestSearch_DegradedWhenEmbeddingDown(t *testing.T) {
	cfg := testConfig(t)
	m := openManager(t, cfg, WithProvider(downProvider{dim: cfg.Warm.Dimension}))
	ctx := context.Background()

	var degraded int
	m.OnEvent(func(ev Event) {
		if ev.Type == EventDegraded {
			degraded++
		}
	})

	_, err := m.Capture(ctx, vue3, "")
	require.NoError(t, err)

	res, err := m.Search(ctx, "frontend framework", storage.SearchOptions{TopK: 5})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Warnings)
	require.NotEmpty(t, res.Hits)
	assert.Contains(t, res.Hits[0].Item.Content, "Vue3")
	assert.Equal(t, 1, degraded)
}

func TestStatus(t *testing.T) {
	cfg := testConfig(t)
	m := openManager(t, cfg)
	ctx := context.Background()

	_, err := m.Capture(ctx, vue3, "")
	require.NoError(t, err)

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, st.Health)
	assert.Equal(t, 1, st.Hot.Count)
	assert.Equal(t, cfg.Hot.MaxEntries, st.Hot.Capacity)
	assert.True(t, st.Warm.Enabled)
	assert.Equal(t, "flat", st.Warm.Index)
	assert.Equal(t, 384, st.Warm.Dimension)
	assert.True(t, st.Cold.Enabled)
	assert.Equal(t, "closed", st.Embedding.Breaker)
	assert.Contains(t, st.Markdown(), "| hot | true | 1 | 100 |")
}

func TestStatus_DegradedWhenBreakerOpen(t *testing.T) {
	cfg := testConfig(t)
	cfg.Embedding.BreakerFailures = 2
	m := openManager(t, cfg, WithProvider(downProvider{dim: cfg.Warm.Dimension}))
	ctx := context.Background()

	_, err := m.Capture(ctx, vue3, "")
	require.NoError(t, err)
	for range 3 {
		_, err := m.Search(ctx, "frontend framework", storage.SearchOptions{})
		require.NoError(t, err)
	}

	st, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, HealthDegraded, st.Health)
	assert.Equal(t, "open", st.Embedding.Breaker)
	assert.Contains(t, st.Markdown(), "breaker open")
}

func TestOnEvent_PanickingSubscriber(t *testing.T) {
	m := openManager(t, testConfig(t))

	var got []EventType
	m.OnEvent(func(Event) { panic("boom") })
	m.OnEvent(func(ev Event) { got = append(got, ev.Type) })

	_, err := m.Capture(context.Background(), vue3, "")
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventCaptured}, got)
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Hot.Enabled, cfg.Warm.Enabled, cfg.Cold.Enabled = false, false, false
	_, err := New(context.Background(), cfg)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	cfg = testConfig(t)
	cfg.Retrieval.Weights = config.Weights{Vector: 0.1, Keyword: 0.5, Fuzzy: 0.2}
	_, err = New(context.Background(), cfg)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestManager_PersistsAcrossReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	m, err := New(ctx, cfg)
	require.NoError(t, err)
	res, err := m.Capture(ctx, vue3, "")
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "close is idempotent")

	m2 := openManager(t, cfg)
	got, err := m2.hot.Get(res.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, vue3, got.Content)
}

func holds(m *Manager, id string) bool {
	if _, err := m.hot.Get(id); err == nil {
		return true
	}
	_, err := m.warm.Get(id)
	return err == nil
}

func TestManager_SharedWorkspaceKeepsBothWriters(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a := openManager(t, cfg)
	b, err := New(ctx, cfg)
	require.NoError(t, err)

	x, err := b.Store(ctx, "We decided to host the docs on GitHub Pages", "", 0.6)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	y, err := a.Store(ctx, "Someone mentioned the lunch menu", "", 0.3)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	c := openManager(t, cfg)
	assert.True(t, holds(c, x.ID), "first writer's item survives")
	assert.True(t, holds(c, y.ID), "second writer's item survives")
}

func TestManager_SharedWorkspaceMergesWarmPromotions(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a := openManager(t, cfg)
	b := openManager(t, cfg)

	x, err := a.Store(ctx, "We decided to run billing on Postgres", "", 0.9)
	require.NoError(t, err)
	_, err = a.Maintain(ctx)
	require.NoError(t, err)

	y, err := b.Store(ctx, "We decided to deploy the API on Fly.io", "", 0.9)
	require.NoError(t, err)
	report, err := b.Maintain(ctx)
	require.NoError(t, err)
	assert.Contains(t, report.Promoted, y.ID)

	found, err := a.Search(ctx, y.Content, storage.SearchOptions{TopK: 5})
	require.NoError(t, err)
	var hitIDs []string
	for _, h := range found.Hits {
		hitIDs = append(hitIDs, h.Item.ID)
	}
	assert.Contains(t, hitIDs, y.ID, "search sees the other manager's promotion")

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	c := openManager(t, cfg)
	for _, id := range []string{x.ID, y.ID} {
		got, err := c.warm.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.TierWarm, got.Tier)
	}
}

func TestManager_ConcurrentUse(t *testing.T) {
	m := openManager(t, testConfig(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := range 10 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := m.Store(ctx, fmt.Sprintf("Deployment note number %d for the cluster", i), "", 0.7)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := m.Search(ctx, "deployment cluster", storage.SearchOptions{})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := m.Maintain(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 10, m.hot.Len()+m.warm.Len())
}
