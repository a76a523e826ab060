// Package engine provides the Manager, which owns the three memory tiers and
// coordinates capture, placement, maintenance, retrieval and reinforcement.
//
// Tiers never call each other; every transition between them goes through
// the Manager, writing the destination before removing the source so an
// interruption leaves at most a duplicate, never a loss.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/scrypster/strata/internal/backup"
	"github.com/scrypster/strata/internal/capture"
	"github.com/scrypster/strata/internal/config"
	"github.com/scrypster/strata/internal/embedding"
	"github.com/scrypster/strata/internal/retrieval"
	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/internal/storage/cold"
	"github.com/scrypster/strata/internal/storage/hot"
	"github.com/scrypster/strata/internal/storage/warm"
	"github.com/scrypster/strata/internal/tiering"
	"github.com/scrypster/strata/pkg/types"
)

// duplicateBoost is the importance added when a capture repeats content the
// manager already holds.
const duplicateBoost = 0.1

// Manager owns every tier. A nil tier field means the tier is disabled.
type Manager struct {
	cfg *config.Config

	hot  storage.HotStore
	warm storage.WarmStore
	cold storage.ColdStore

	embedder  *embedding.Guarded
	capture   *capture.Engine
	policy    *tiering.Policy
	retrieval *retrieval.Engine
	snapshots *backup.Snapshotter
	git       *backup.GitVersioner

	// admitMu serialises placement so duplicate detection and eviction
	// handling see a stable hot tier.
	admitMu sync.Mutex

	// maintMu allows one maintenance cycle at a time.
	maintMu sync.Mutex

	subMu       sync.RWMutex
	subscribers []func(Event)

	now    func() time.Time
	closed bool
}

// Option customises New.
type Option func(*options)

type options struct {
	provider embedding.Provider
	now      func() time.Time
}

// WithProvider replaces the configured embedding provider. It is still
// wrapped with the configured timeout, breaker, rate limit and cache.
func WithProvider(p embedding.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithClock sets the time source used for placement and maintenance.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New opens every enabled tier under cfg.DataPath().
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}
	if !cfg.Hot.Enabled && !cfg.Warm.Enabled && !cfg.Cold.Enabled {
		return nil, fmt.Errorf("%w: at least one tier must be enabled", storage.ErrInvalidInput)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataPath(), 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data directory: %w", err)
	}

	m := &Manager{cfg: cfg, now: o.now}
	ok := false
	defer func() {
		if !ok {
			_ = m.Close()
		}
	}()

	var err error
	if o.provider != nil {
		m.embedder, err = embedding.NewGuarded(o.provider, embedding.GuardConfig{
			Dimension:       cfg.Warm.Dimension,
			Timeout:         cfg.Embedding.Timeout,
			CacheSize:       cfg.Embedding.CacheSize,
			RatePerSec:      cfg.Embedding.RatePerSec,
			BreakerFailures: uint32(cfg.Embedding.BreakerFailures),
			BreakerTimeout:  cfg.Embedding.BreakerTimeout,
		})
	} else {
		m.embedder, err = embedding.New(cfg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Hot.Enabled {
		h, err := hot.Open(cfg.SessionPath(), cfg.Hot.MaxEntries)
		if err != nil {
			return nil, err
		}
		m.hot = h
	}

	if cfg.Warm.Enabled {
		idx, err := warm.NewIndex(ctx, cfg.Warm.Index, cfg.Warm.PostgresDSN, cfg.Warm.Dimension)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrIndexUnavailable, err)
		}
		w, err := warm.Open(ctx, warm.Options{
			Path:          cfg.WarmIndexPath(),
			Dimension:     cfg.Warm.Dimension,
			Provider:      m.embedder,
			Index:         idx,
			SearchTimeout: cfg.Warm.SearchTimeout,
		})
		if err != nil {
			_ = idx.Close()
			return nil, err
		}
		m.warm = w
	}

	if cfg.Cold.Enabled {
		c, err := cold.Open(cfg.ArchivePath(), cold.Options{FuzzyCandidates: cfg.Cold.FuzzySearch})
		if err != nil {
			return nil, err
		}
		m.cold = c
		m.snapshots, err = backup.NewSnapshotter(backup.SnapshotConfig{
			DBPath: cfg.ArchivePath(),
			Dir:    cfg.SnapshotPath(),
			Keep:   cfg.Cold.KeepSnapshots,
			Verify: true,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Cold.GitEnabled {
			m.git = backup.NewGitVersioner(cfg.DataPath())
		}
	}

	m.capture = capture.New(capture.Config{
		MinConfidence: cfg.Capture.MinConfidence,
		MaxItems:      cfg.Capture.MaxContextSize,
	})
	m.policy = tiering.New(tiering.Config{
		ImportanceThreshold: cfg.Tiering.ImportanceThreshold,
		MinDwell:            cfg.Tiering.MinDwell,
		WarmIdleAge:         cfg.Tiering.WarmIdleAge,
		HighWater:           cfg.Tiering.HighWater,
		LowWater:            cfg.Tiering.LowWater,
		ReinforceBoost:      cfg.Tiering.ReinforceBoost,
	})

	src := retrieval.Sources{Hot: m.hot, Warm: m.warm, Cold: m.cold}
	if m.warm != nil {
		src.Embedder = m.embedder
	}
	m.retrieval, err = retrieval.New(src, retrieval.Config{
		Weights: retrieval.Weights{
			Vector:  cfg.Retrieval.Weights.Vector,
			Keyword: cfg.Retrieval.Weights.Keyword,
			Fuzzy:   cfg.Retrieval.Weights.Fuzzy,
		},
		DefaultTopK:         cfg.Retrieval.DefaultTopK,
		SimilarityThreshold: cfg.Warm.SimilarityThreshold,
		WarmMaxResults:      cfg.Warm.MaxResults,
		ColdKeyword:         cfg.Cold.KeywordSearch,
		ColdFuzzy:           cfg.Cold.FuzzySearch,
	})
	if err != nil {
		return nil, err
	}
	m.retrieval.SetReinforcer(retrieval.ReinforceFunc(m.Reinforce))

	if m.warm != nil && m.cold != nil && cfg.Warm.RehydrateOnStart && m.warm.Len() == 0 {
		if n, err := m.rehydrateWarm(ctx); err != nil {
			log.Printf("Warning: engine: warm rehydration stopped after %d items: %v", n, err)
		} else if n > 0 {
			log.Printf("engine: rehydrated %d warm items from the archive", n)
		}
	}

	ok = true
	return m, nil
}

// Config returns the configuration the manager was opened with.
func (m *Manager) Config() *config.Config { return m.cfg }

// Close releases every tier. It is safe to call more than once.
func (m *Manager) Close() error {
	m.maintMu.Lock()
	defer m.maintMu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	if m.warm != nil {
		errs = append(errs, m.warm.Close())
	}
	if m.cold != nil {
		errs = append(errs, m.cold.Close())
	}
	if m.embedder != nil {
		errs = append(errs, m.embedder.Close())
	}
	return errors.Join(errs...)
}

// Eviction reports an item pushed out of the hot tier.
type Eviction struct {
	Item *types.MemoryItem `json:"item"`
	Lost bool              `json:"lost"` // no archived copy survives
}

// CaptureResult is the outcome of Capture or Store.
type CaptureResult struct {
	Items       []*types.MemoryItem `json:"items"`
	Reinforced  []*types.MemoryItem `json:"reinforced,omitempty"`
	Evicted     []Eviction          `json:"evicted,omitempty"`
	Maintenance *MaintenanceReport  `json:"maintenance,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
}

func (r *CaptureResult) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("Warning: engine: %s", msg)
	r.Warnings = append(r.Warnings, msg)
}

// Capture extracts memories from text and places them in the hot tier.
// Content the manager already holds is reinforced instead of duplicated.
func (m *Manager) Capture(ctx context.Context, text, source string) (*CaptureResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("engine: empty text: %w", storage.ErrInvalidInput)
	}
	items := m.capture.Capture(text, capture.WithSource(source), capture.WithTime(m.now().UTC()))
	return m.admit(ctx, items)
}

// Store places a single explicitly provided memory. An empty category is
// inferred from the content; importance outside (0,1] is replaced by the
// capture score. NaN or infinite importance is rejected.
func (m *Manager) Store(ctx context.Context, content string, category types.Category, importance float64) (*types.MemoryItem, error) {
	content = strings.TrimSpace(content)
	if err := validateContent(content); err != nil {
		return nil, err
	}

	inferred, score := capture.Score(content)
	if category == "" {
		category = inferred
	}
	if math.IsNaN(importance) || math.IsInf(importance, 0) {
		return nil, fmt.Errorf("engine: importance must be a finite number: %w", storage.ErrInvalidInput)
	}
	if importance <= 0 || importance > 1 {
		importance = score
	}

	now := m.now().UTC()
	item := &types.MemoryItem{
		ID:             uuid.New().String(),
		Content:        content,
		Category:       types.NormalizeCategory(string(category)),
		Tags:           capture.Tags(content),
		Confidence:     1,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	item.SetImportance(importance)

	res, err := m.admit(ctx, []*types.MemoryItem{item})
	if err != nil {
		return nil, err
	}
	switch {
	case len(res.Items) > 0:
		return res.Items[0], nil
	case len(res.Reinforced) > 0:
		return res.Reinforced[0], nil
	}
	return nil, fmt.Errorf("engine: store %s: not placed", item.ID)
}

// validateContent rejects content shorter than three runes or made of fewer
// than three distinct runes.
func validateContent(content string) error {
	if utf8.RuneCountInString(content) < 3 {
		return fmt.Errorf("engine: content must be at least 3 characters: %w", storage.ErrInvalidInput)
	}
	distinct := make(map[rune]struct{})
	for _, r := range content {
		distinct[r] = struct{}{}
	}
	if len(distinct) < 3 {
		return fmt.Errorf("engine: content must contain at least 3 distinct characters: %w", storage.ErrInvalidInput)
	}
	return nil
}

// admit places new items, reinforcing duplicates, then checkpoints and runs
// maintenance when configured to.
func (m *Manager) admit(ctx context.Context, items []*types.MemoryItem) (*CaptureResult, error) {
	res := &CaptureResult{Items: []*types.MemoryItem{}}

	m.admitMu.Lock()
	m.refresh(ctx)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			m.admitMu.Unlock()
			return res, err
		}

		if dup := m.reinforceDuplicate(item.Content); dup != nil {
			res.Reinforced = append(res.Reinforced, dup)
			continue
		}

		placed, evicted, err := m.place(ctx, item)
		if err != nil {
			m.admitMu.Unlock()
			return res, err
		}
		res.Evicted = append(res.Evicted, evicted...)
		if placed != nil {
			res.Items = append(res.Items, placed)
			m.emit(Event{Type: EventCaptured, ItemID: placed.ID, Tier: placed.Tier, Message: placed.Content})
		}
	}

	if m.cold != nil && m.cfg.Cold.AutoArchive && len(res.Items) > 0 {
		if _, err := m.cold.Checkpoint(ctx, m.current(res.Items)); err != nil {
			res.warn("checkpoint skipped: %v", err)
		}
	}
	full := m.hot != nil && m.hot.Len() >= m.hot.Capacity()
	m.admitMu.Unlock()

	if m.cfg.Maintenance.MaintainOnCapture || full {
		report, err := m.Maintain(ctx)
		if err != nil {
			res.warn("maintenance: %v", err)
		}
		res.Maintenance = report
	}
	return res, nil
}

// reinforceDuplicate touches an existing hot or warm item with the same
// content and returns it, or nil when there is none.
func (m *Manager) reinforceDuplicate(content string) *types.MemoryItem {
	now := m.now().UTC()
	if m.hot != nil {
		for _, it := range m.hot.All() {
			if sameContent(it.Content, content) {
				updated, err := m.hot.Touch(it.ID, duplicateBoost, now)
				if err != nil {
					log.Printf("Warning: engine: reinforce duplicate %s: %v", it.ID, err)
					return it
				}
				return updated
			}
		}
	}
	if m.warm != nil {
		for _, it := range m.warm.All() {
			if sameContent(it.Content, content) {
				updated, err := m.warm.Touch(it.ID, duplicateBoost, now)
				if err != nil {
					log.Printf("Warning: engine: reinforce duplicate %s: %v", it.ID, err)
					return it
				}
				return updated
			}
		}
	}
	return nil
}

func sameContent(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// place puts a new item in the first enabled tier, starting from hot.
func (m *Manager) place(ctx context.Context, item *types.MemoryItem) (*types.MemoryItem, []Eviction, error) {
	now := m.now().UTC()
	if err := m.policy.Place(item, now); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	switch {
	case m.hot != nil:
		evicted, err := m.hot.Put(item)
		if err != nil {
			return nil, nil, err
		}
		evictions := m.handleEvictions(ctx, evicted)
		for _, ev := range evictions {
			if ev.Item.ID == item.ID {
				return nil, evictions, nil
			}
		}
		placed, err := m.hot.Get(item.ID)
		if err != nil {
			return nil, evictions, err
		}
		return placed, evictions, nil

	case m.warm != nil:
		placed, err := m.warm.Promote(ctx, item)
		if err != nil {
			return nil, nil, err
		}
		if err := m.warm.Flush(ctx); err != nil {
			if rbErr := m.warm.Remove(ctx, item.ID); rbErr != nil {
				log.Printf("Warning: engine: rollback place %s: %v", item.ID, rbErr)
			}
			return nil, nil, err
		}
		return placed, nil, nil

	default:
		res, err := m.cold.Archive(ctx, []*types.MemoryItem{item})
		if err != nil {
			return nil, nil, err
		}
		if len(res.Archived) == 0 {
			return nil, nil, ctx.Err()
		}
		placed, err := m.cold.Get(ctx, item.ID)
		return placed, nil, err
	}
}

// handleEvictions reports items pushed out of hot. An evicted item with an
// archived copy hands ownership to that copy; one without is lost.
func (m *Manager) handleEvictions(ctx context.Context, evicted []*types.MemoryItem) []Eviction {
	out := make([]Eviction, 0, len(evicted))
	for _, it := range evicted {
		persisted := false
		if m.cold != nil {
			has, err := m.cold.Has(ctx, it.ID)
			if err != nil {
				log.Printf("Warning: engine: eviction lookup %s: %v", it.ID, err)
			}
			if has {
				if err := m.cold.SetTier(ctx, it.ID, types.TierCold); err != nil {
					log.Printf("Warning: engine: hand %s to archive: %v", it.ID, err)
				} else {
					persisted = true
					it.Tier = types.TierCold
				}
			}
		}
		ev := m.policy.ClassifyEviction(it, persisted)
		log.Printf("Warning: engine: %s", ev)
		out = append(out, Eviction{Item: ev.Item, Lost: ev.Lost})
		m.emit(Event{Type: EventEvicted, ItemID: it.ID, Tier: it.Tier, Lost: ev.Lost, Message: ev.String()})
	}
	return out
}

// current re-reads items from their owner so checkpoints see the latest
// state.
func (m *Manager) current(items []*types.MemoryItem) []*types.MemoryItem {
	out := make([]*types.MemoryItem, 0, len(items))
	for _, it := range items {
		var (
			latest *types.MemoryItem
			err    error
		)
		switch {
		case it.Tier == types.TierHot && m.hot != nil:
			latest, err = m.hot.Get(it.ID)
		case it.Tier == types.TierWarm && m.warm != nil:
			latest, err = m.warm.Get(it.ID)
		default:
			continue
		}
		if err == nil {
			out = append(out, latest)
		}
	}
	return out
}

// Search queries every enabled tier. Hits are reinforced in their owner tier.
func (m *Manager) Search(ctx context.Context, query string, opts storage.SearchOptions) (*retrieval.Results, error) {
	m.refresh(ctx)
	res, err := m.retrieval.Search(ctx, query, opts)
	if err != nil {
		if errors.Is(err, storage.ErrRetrievalUnavailable) {
			m.emit(Event{Type: EventDegraded, Message: err.Error()})
		}
		return nil, err
	}
	if res.Degraded {
		m.emit(Event{Type: EventDegraded, Message: strings.Join(res.Warnings, "; ")})
	}
	return res, nil
}

// Reinforce records a retrieval hit in the item's owner tier. A cold item
// pushed past the importance threshold is rehydrated into hot.
func (m *Manager) Reinforce(ctx context.Context, item *types.MemoryItem) (*types.MemoryItem, error) {
	now := m.now().UTC()
	boost := m.policy.Boost()

	switch item.Tier {
	case types.TierHot:
		if m.hot == nil {
			return nil, fmt.Errorf("engine: hot tier disabled: %w", storage.ErrNotFound)
		}
		return m.hot.Touch(item.ID, boost, now)

	case types.TierWarm:
		if m.warm == nil {
			return nil, fmt.Errorf("engine: warm tier disabled: %w", storage.ErrNotFound)
		}
		return m.warm.Touch(item.ID, boost, now)

	case types.TierCold:
		if m.cold == nil {
			return nil, fmt.Errorf("engine: cold tier disabled: %w", storage.ErrNotFound)
		}
		updated, err := m.cold.Touch(ctx, item.ID, boost, now)
		if err != nil {
			return nil, err
		}
		if !m.policy.ShouldRehydrate(updated) {
			return updated, nil
		}
		back, err := m.rehydrate(ctx, updated)
		if err != nil {
			log.Printf("Warning: engine: rehydrate %s: %v", updated.ID, err)
			return updated, nil
		}
		if back == nil {
			return updated, nil
		}
		return back, nil

	default:
		return nil, fmt.Errorf("engine: %s has no owner tier: %w", item.ID, storage.ErrInvalidInput)
	}
}

// rehydrate moves an archived item back into hot. The vector is dropped so
// the item is re-embedded when it is next promoted. It returns nil without
// error when hot is full of more important items.
func (m *Manager) rehydrate(ctx context.Context, item *types.MemoryItem) (*types.MemoryItem, error) {
	if m.hot == nil {
		return nil, nil
	}
	if err := m.policy.CanTransition(item, types.TierHot); err != nil {
		return nil, err
	}

	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	if m.hot.Len() >= m.hot.Capacity() && !m.outranksHot(item) {
		log.Printf("engine: hot tier full; %s stays archived", item.ID)
		return nil, nil
	}

	c := item.Clone()
	c.Embedding = nil
	c.EmbeddingModel = ""
	c.Tier = types.TierHot

	evicted, err := m.hot.Put(c)
	if err != nil {
		return nil, err
	}
	if err := m.cold.SetTier(ctx, c.ID, types.TierHot); err != nil {
		// The archive still owns it; undo the hot copy.
		if rmErr := m.hot.Remove(c.ID); rmErr != nil {
			log.Printf("Warning: engine: rollback rehydrate %s: %v", c.ID, rmErr)
		}
		return nil, err
	}
	m.handleEvictions(ctx, evicted)

	placed, err := m.hot.Get(c.ID)
	if err != nil {
		return nil, err
	}
	m.emit(Event{Type: EventRehydrated, ItemID: placed.ID, Tier: types.TierHot, Message: placed.Content})
	return placed, nil
}

// outranksHot reports whether item is more important than the least
// important hot item, and so would not be evicted straight away.
func (m *Manager) outranksHot(item *types.MemoryItem) bool {
	for _, it := range m.hot.All() {
		if it.Importance < item.Importance {
			return true
		}
	}
	return false
}

// rehydrateWarm re-promotes warm-owned archive rows into an empty warm tier
// and writes them in one flush.
func (m *Manager) rehydrateWarm(ctx context.Context) (n int, err error) {
	defer func() {
		if n > 0 {
			err = errors.Join(err, m.warm.Flush(ctx))
		}
	}()
	for item, err := range m.cold.LoadAll(ctx) {
		if err != nil {
			return n, err
		}
		if item.Tier != types.TierWarm {
			continue
		}
		if _, err := m.warm.Promote(ctx, item); err != nil {
			if errors.Is(err, storage.ErrEmbeddingUnavailable) {
				return n, err
			}
			log.Printf("Warning: engine: rehydrate warm %s: %v", item.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// refresh absorbs tier changes made by other processes sharing the
// workspace. Failures leave the in-memory view as it was.
func (m *Manager) refresh(ctx context.Context) {
	if m.hot != nil {
		if err := m.hot.Refresh(); err != nil {
			log.Printf("Warning: engine: refresh hot tier: %v", err)
		}
	}
	if m.warm != nil {
		if err := m.warm.Refresh(ctx); err != nil {
			log.Printf("Warning: engine: refresh warm tier: %v", err)
		}
	}
}
