package storage

import (
	"errors"

	"github.com/scrypster/strata/pkg/types"
)

var (
	// ErrNotFound indicates that the requested item was not found.
	ErrNotFound = errors.New("item not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCapacityExceeded is raised internally when a bounded tier would
	// exceed its limit. Tiers resolve it by eviction; it never reaches callers
	// of the manager.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrEmbeddingUnavailable indicates the embedding provider failed or
	// timed out. Promotion is postponed and vector search is skipped.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")

	// ErrDimensionMismatch indicates a vector whose length differs from the
	// configured dimension. It is a configuration error.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIndexUnavailable indicates the warm index is corrupt or unreachable.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrArchiveWriteFailure indicates the cold archive could not be written.
	// Items stay in their current tier.
	ErrArchiveWriteFailure = errors.New("archive write failure")

	// ErrRetrievalUnavailable is returned by search only when every enabled
	// tier pass failed.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
)

// VectorHit is a warm-tier similarity match.
type VectorHit struct {
	Item       *types.MemoryItem
	Similarity float64
}

// KeywordHit is a cold-tier keyword match.
type KeywordHit struct {
	Item *types.MemoryItem

	// Overlap is the number of distinct query terms found in the content.
	Overlap int

	// Terms is the number of distinct query terms after stop-word removal.
	Terms int
}

// ArchiveResult reports the outcome of one archive cycle.
type ArchiveResult struct {
	// Cycle is the archive cycle (version) the items were written under.
	Cycle int

	// Archived holds the ids durably written, in input order.
	Archived []string

	// Interrupted is set when the context was cancelled between items.
	Interrupted bool
}

// SearchOptions narrows a retrieval call.
type SearchOptions struct {
	// TopK is the maximum number of results (default: 5, max: 100).
	TopK int

	// Categories restricts results to these categories. Empty means all.
	Categories []types.Category

	// MinImportance drops results below this importance.
	MinImportance float64

	// Tiers restricts which tiers are queried. Empty means all enabled.
	Tiers []types.Tier
}

// Normalize applies defaults and validates the SearchOptions.
func (o *SearchOptions) Normalize(defaultTopK int) {
	if defaultTopK < 1 {
		defaultTopK = 5
	}
	if o.TopK < 1 {
		o.TopK = defaultTopK
	}
	if o.TopK > 100 {
		o.TopK = 100
	}
	o.MinImportance = types.Clamp01(o.MinImportance)
}

// WantsTier reports whether t should be queried.
func (o *SearchOptions) WantsTier(t types.Tier) bool {
	if len(o.Tiers) == 0 {
		return true
	}
	for _, v := range o.Tiers {
		if v == t {
			return true
		}
	}
	return false
}

// Accepts reports whether item passes the category and importance filters.
func (o *SearchOptions) Accepts(item *types.MemoryItem) bool {
	if item.Importance < o.MinImportance {
		return false
	}
	if len(o.Categories) == 0 {
		return true
	}
	for _, c := range o.Categories {
		if c == item.Category {
			return true
		}
	}
	return false
}
