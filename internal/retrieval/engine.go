// Package retrieval answers queries across the three tiers.
//
// Each tier has its own query semantics: hot items are scored lexically in
// memory, warm items by vector similarity, cold items through the archive's
// keyword index. Results are merged by id, ranked with a weighted sum of the
// components and reinforced.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/internal/textmatch"
	"github.com/scrypster/strata/pkg/types"
)

// Embedder turns the query into a vector for the warm pass.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reinforcer records a retrieval hit against the item's owner tier and
// returns the updated item.
type Reinforcer interface {
	Reinforce(ctx context.Context, item *types.MemoryItem) (*types.MemoryItem, error)
}

// ReinforceFunc adapts a function to Reinforcer.
type ReinforceFunc func(ctx context.Context, item *types.MemoryItem) (*types.MemoryItem, error)

// Reinforce calls f.
func (f ReinforceFunc) Reinforce(ctx context.Context, item *types.MemoryItem) (*types.MemoryItem, error) {
	return f(ctx, item)
}

// Weights combine the score components. They must keep the order
// vector > keyword > fuzzy.
type Weights struct {
	Vector  float64 `json:"vector"`
	Keyword float64 `json:"keyword"`
	Fuzzy   float64 `json:"fuzzy"`
}

// DefaultWeights returns the standard ranking weights.
func DefaultWeights() Weights {
	return Weights{Vector: 0.55, Keyword: 0.30, Fuzzy: 0.15}
}

// Validate checks the weight ordering.
func (w Weights) Validate() error {
	if w.Fuzzy < 0 || w.Keyword <= w.Fuzzy || w.Vector <= w.Keyword {
		return fmt.Errorf("retrieval: weights must satisfy vector > keyword > fuzzy >= 0, got %.2f/%.2f/%.2f: %w",
			w.Vector, w.Keyword, w.Fuzzy, storage.ErrInvalidInput)
	}
	return nil
}

// Config tunes the passes.
type Config struct {
	Weights             Weights
	DefaultTopK         int     // default: 5
	SimilarityThreshold float64 // warm pass cut-off
	WarmMaxResults      int     // warm candidates per query (default: 10)
	ColdKeyword         bool    // count keyword overlap on cold hits
	ColdFuzzy           bool    // count trigram similarity on cold hits
}

// Sources are the tiers to query. A nil tier is treated as disabled.
type Sources struct {
	Hot      storage.HotStore
	Warm     storage.WarmStore
	Cold     storage.ColdStore
	Embedder Embedder
}

// Hit is one ranked result.
type Hit struct {
	Item    *types.MemoryItem `json:"item"`
	Score   float64           `json:"score"`
	Vector  float64           `json:"vector"`
	Keyword float64           `json:"keyword"`
	Fuzzy   float64           `json:"fuzzy"`
}

// Results is the outcome of a search.
type Results struct {
	Query    string   `json:"query"`
	Hits     []Hit    `json:"hits"`
	Warnings []string `json:"warnings,omitempty"`
	Degraded bool     `json:"degraded"`
}

// Engine runs searches. It holds no state of its own beyond configuration.
type Engine struct {
	src        Sources
	cfg        Config
	reinforcer Reinforcer
}

// New creates a retrieval engine.
func New(src Sources, cfg Config) (*Engine, error) {
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.WarmMaxResults <= 0 {
		cfg.WarmMaxResults = 10
	}
	if src.Warm != nil && src.Embedder == nil {
		return nil, fmt.Errorf("retrieval: warm tier needs an embedder: %w", storage.ErrInvalidInput)
	}
	return &Engine{src: src, cfg: cfg}, nil
}

// SetReinforcer installs the hook called for every returned hit.
func (e *Engine) SetReinforcer(r Reinforcer) { e.reinforcer = r }

// candidate accumulates the best component values seen for one id.
type candidate struct {
	item                   *types.MemoryItem
	vector, keyword, fuzzy float64
}

type merger struct {
	byID  map[string]*candidate
	order []string
}

// add merges a pass result. Passes run hot, warm, cold, so when an id is
// seen twice mid-transition the later copy belongs to the tier that now
// owns it and replaces the earlier one. Component scores keep their max.
func (m *merger) add(item *types.MemoryItem, vector, keyword, fuzzy float64) {
	c, ok := m.byID[item.ID]
	if !ok {
		c = &candidate{}
		m.byID[item.ID] = c
		m.order = append(m.order, item.ID)
	}
	c.item = item
	c.vector = max(c.vector, vector)
	c.keyword = max(c.keyword, keyword)
	c.fuzzy = max(c.fuzzy, fuzzy)
}

// Search queries every enabled tier and returns ranked, reinforced hits.
// Per-tier failures are reported as warnings; only when every attempted
// pass fails is ErrRetrievalUnavailable returned.
func (e *Engine) Search(ctx context.Context, query string, opts storage.SearchOptions) (*Results, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("retrieval: empty query: %w", storage.ErrInvalidInput)
	}
	opts.Normalize(e.cfg.DefaultTopK)

	terms := textmatch.Terms(query)
	res := &Results{Query: query}
	m := &merger{byID: make(map[string]*candidate)}
	attempted, failed := 0, 0
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		log.Printf("Warning: retrieval: %s", msg)
		res.Warnings = append(res.Warnings, msg)
		failed++
	}

	// Hot: lexical scoring over the whole session.
	if e.src.Hot != nil && opts.WantsTier(types.TierHot) {
		attempted++
		for _, it := range e.src.Hot.All() {
			s := textmatch.Match(terms, it.Content)
			if s.Keyword > 0 || s.Fuzzy > 0 {
				m.add(it, 0, s.Keyword, s.Fuzzy)
			}
		}
	}

	// Warm: one query embedding, similarity search.
	if e.src.Warm != nil && opts.WantsTier(types.TierWarm) {
		attempted++
		if err := e.warmPass(ctx, query, terms, opts.TopK, m); err != nil {
			warn("warm tier skipped: %v", err)
		}
	}

	// Cold: archive keyword index.
	if e.src.Cold != nil && opts.WantsTier(types.TierCold) && (e.cfg.ColdKeyword || e.cfg.ColdFuzzy) {
		attempted++
		limit := max(opts.TopK*3, 20)
		hits, err := e.src.Cold.KeywordSearch(ctx, query, limit)
		if err != nil {
			warn("cold tier skipped: %v", err)
		}
		for _, h := range hits {
			s := textmatch.Match(terms, h.Item.Content)
			var kw, fz float64
			if e.cfg.ColdKeyword {
				kw = s.Keyword
			}
			if e.cfg.ColdFuzzy {
				fz = s.Fuzzy
			}
			m.add(h.Item, 0, kw, fz)
		}
	}

	if attempted > 0 && failed == attempted {
		return nil, fmt.Errorf("%w: %s", storage.ErrRetrievalUnavailable, strings.Join(res.Warnings, "; "))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w := e.cfg.Weights
	hits := make([]Hit, 0, len(m.order))
	for _, id := range m.order {
		c := m.byID[id]
		score := w.Vector*c.vector + w.Keyword*c.keyword + w.Fuzzy*c.fuzzy
		if score <= 0 || !opts.Accepts(c.item) {
			continue
		}
		hits = append(hits, Hit{Item: c.item, Score: score, Vector: c.vector, Keyword: c.keyword, Fuzzy: c.fuzzy})
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Item.Importance != b.Item.Importance {
			return a.Item.Importance > b.Item.Importance
		}
		return a.Item.ID < b.Item.ID
	})
	if len(hits) > opts.TopK {
		hits = hits[:opts.TopK]
	}

	if e.reinforcer != nil {
		for i := range hits {
			updated, err := e.reinforcer.Reinforce(ctx, hits[i].Item)
			if err != nil {
				// Reinforcement is best-effort; the hit is still returned.
				if !errors.Is(err, context.Canceled) {
					log.Printf("Warning: retrieval: reinforce %s: %v", hits[i].Item.ID, err)
				}
				continue
			}
			if updated != nil {
				hits[i].Item = updated
			}
		}
	}

	res.Hits = hits
	res.Degraded = len(res.Warnings) > 0
	return res, nil
}

func (e *Engine) warmPass(ctx context.Context, query string, terms []string, topK int, m *merger) error {
	vec, err := e.src.Embedder.Embed(ctx, query)
	if err != nil {
		return err
	}
	hits, err := e.src.Warm.Search(ctx, vec, max(topK, e.cfg.WarmMaxResults), e.cfg.SimilarityThreshold)
	if err != nil {
		return err
	}
	for _, h := range hits {
		s := textmatch.Match(terms, h.Item.Content)
		m.add(h.Item, types.Clamp01(h.Similarity), s.Keyword, s.Fuzzy)
	}
	return nil
}
