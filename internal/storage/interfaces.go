// Package storage defines the contracts shared by the three memory tiers.
//
// Each tier is a small interface with its own query semantics: the hot tier
// answers by recency, the warm tier by vector similarity, and the cold tier
// by keyword overlap. Implementations live in the hot, warm and cold
// subpackages.
package storage

import (
	"context"
	"iter"
	"time"

	"github.com/scrypster/strata/pkg/types"
)

// HotStore is the bounded, recency-ordered session store.
type HotStore interface {
	// Put upserts an item and returns whatever had to be evicted to stay
	// within capacity. The new item is itself eligible for eviction.
	Put(item *types.MemoryItem) ([]*types.MemoryItem, error)

	// Get returns a copy of the item or ErrNotFound.
	Get(id string) (*types.MemoryItem, error)

	// GetRecent returns up to n items, most recent first.
	GetRecent(n int) []*types.MemoryItem

	// Touch records an access and moves the item to the most-recent slot.
	Touch(id string, boost float64, now time.Time) (*types.MemoryItem, error)

	// Remove drops an item (the source side of a tier transition).
	Remove(id string) error

	// All returns copies of every item, most recent first.
	All() []*types.MemoryItem

	// Refresh reloads the session document when another process changed it.
	Refresh() error

	Len() int
	Capacity() int
}

// WarmStore is the similarity-searchable tier.
type WarmStore interface {
	// Promote embeds (when needed) and indexes an item.
	// Returns ErrEmbeddingUnavailable or ErrDimensionMismatch on failure.
	Promote(ctx context.Context, item *types.MemoryItem) (*types.MemoryItem, error)

	// Search returns up to k items with similarity >= threshold.
	Search(ctx context.Context, query []float32, k int, threshold float64) ([]VectorHit, error)

	Get(id string) (*types.MemoryItem, error)
	Touch(id string, boost float64, now time.Time) (*types.MemoryItem, error)
	Remove(ctx context.Context, id string) error

	// Flush writes pending Promote and Remove calls, merged with whatever
	// other processes wrote since the last read. Touches are journaled
	// immediately and folded in here.
	Flush(ctx context.Context) error

	// Refresh absorbs changes other processes made to the artifact.
	Refresh(ctx context.Context) error

	All() []*types.MemoryItem
	Len() int
	Dimension() int
	IndexName() string
	Close() error
}

// ColdStore is the append-only archive.
type ColdStore interface {
	// Archive takes ownership of items under a new cycle. Idempotent per id.
	Archive(ctx context.Context, items []*types.MemoryItem) (*ArchiveResult, error)

	// Checkpoint persists durability copies without changing ownership.
	Checkpoint(ctx context.Context, items []*types.MemoryItem) (int, error)

	// LoadAll lazily iterates every archived record. Each range re-queries.
	LoadAll(ctx context.Context) iter.Seq2[*types.MemoryItem, error]

	// KeywordSearch matches cold-owned items by query-term overlap.
	KeywordSearch(ctx context.Context, query string, maxResults int) ([]KeywordHit, error)

	Get(ctx context.Context, id string) (*types.MemoryItem, error)
	Has(ctx context.Context, id string) (bool, error)
	Count(ctx context.Context) (int, error)
	CountByTier(ctx context.Context, tier types.Tier) (int, error)
	SetTier(ctx context.Context, id string, tier types.Tier) error
	Touch(ctx context.Context, id string, boost float64, now time.Time) (*types.MemoryItem, error)
	Cycle(ctx context.Context) (int, error)
	Path() string
	Close() error
}
