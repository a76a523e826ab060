package warm

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/strata/internal/embedding"
)

// Match is a raw index hit.
type Match struct {
	ID         string
	Similarity float64
}

// Index is the approximate-nearest-neighbour capability behind the warm tier.
// Similarity is cosine; higher is closer.
type Index interface {
	Name() string
	Upsert(ctx context.Context, id string, vec []float32) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, vec []float32, k int) ([]Match, error)
	Len() int
	Close() error
}

// NewIndex builds an index by name: "chromem", "flat" or "pgvector".
func NewIndex(ctx context.Context, name, dsn string, dim int) (Index, error) {
	switch name {
	case "", "chromem":
		return NewChromemIndex()
	case "flat":
		return NewFlatIndex(), nil
	case "pgvector":
		return OpenPGVectorIndex(ctx, dsn, dim)
	default:
		return nil, fmt.Errorf("warm: unknown index %q", name)
	}
}

// ChromemIndex keeps vectors in an in-process chromem-go collection.
type ChromemIndex struct {
	col *chromem.Collection
}

// NewChromemIndex creates an empty collection. Embeddings are always
// supplied by the caller, so the collection has no embedding func.
func NewChromemIndex() (*ChromemIndex, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection("warm", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("warm: create collection: %w", err)
	}
	return &ChromemIndex{col: col}, nil
}

func (c *ChromemIndex) Name() string { return "chromem" }

func (c *ChromemIndex) Upsert(ctx context.Context, id string, vec []float32) error {
	return c.col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   id,
		Embedding: append([]float32(nil), vec...),
	})
}

func (c *ChromemIndex) Delete(ctx context.Context, id string) error {
	return c.col.Delete(ctx, nil, nil, id)
}

func (c *ChromemIndex) Query(ctx context.Context, vec []float32, k int) ([]Match, error) {
	// chromem-go rejects nResults larger than the collection.
	if n := c.col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}
	results, err := c.col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("warm: chromem query: %w", err)
	}
	out := make([]Match, len(results))
	for i, r := range results {
		out[i] = Match{ID: r.ID, Similarity: float64(r.Similarity)}
	}
	return out, nil
}

func (c *ChromemIndex) Len() int     { return c.col.Count() }
func (c *ChromemIndex) Close() error { return nil }

// FlatIndex is an exact brute-force cosine scan. It is the reference the
// approximate indexes are tested against and is fine for a few thousand items.
type FlatIndex struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

// NewFlatIndex creates an empty flat index.
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{vecs: make(map[string][]float32)}
}

func (f *FlatIndex) Name() string { return "flat" }

func (f *FlatIndex) Upsert(_ context.Context, id string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vecs[id] = append([]float32(nil), vec...)
	return nil
}

func (f *FlatIndex) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vecs, id)
	return nil
}

func (f *FlatIndex) Query(ctx context.Context, vec []float32, k int) ([]Match, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Match, 0, len(f.vecs))
	for id, v := range f.vecs {
		out = append(out, Match{ID: id, Similarity: embedding.Cosine(vec, v)})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b Match) int {
		if a.Similarity != b.Similarity {
			if a.Similarity > b.Similarity {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vecs)
}

func (f *FlatIndex) Close() error { return nil }
