// Package hot implements the session tier: a small, bounded, recency-ordered
// set of items mirrored to a human-readable session document.
package hot

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/internal/storage/atomicfile"
	"github.com/scrypster/strata/pkg/types"
)

// Store is the hot tier. Items are kept oldest-first; the tail is the most
// recently inserted or touched.
//
// Several processes may share one session document. Every mutation re-reads
// the document under its lock file and applies to that state, so writes from
// another process are merged rather than overwritten.
type Store struct {
	mu    sync.RWMutex
	path  string
	max   int
	items []*types.MemoryItem
	rev   string // revision of the document items was read from
}

// Open loads the session document at path (a missing file starts empty).
// An empty path keeps the tier in memory only.
func Open(path string, maxEntries int) (*Store, error) {
	if maxEntries < 1 {
		return nil, fmt.Errorf("hot: max entries must be positive: %w", storage.ErrInvalidInput)
	}
	s := &Store{path: path, max: maxEntries}
	if path == "" {
		return s, nil
	}

	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh reloads the session document when another process changed it.
func (s *Store) Refresh() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload()
}

// reload reads the document unless its revision is the one already held.
func (s *Store) reload() error {
	if s.items != nil && s.rev != "" {
		head, err := atomicfile.Head(s.path, headSize)
		if err != nil {
			return fmt.Errorf("hot: %w", err)
		}
		if sessionRevision(head) == s.rev {
			return nil
		}
	}
	items, rev, err := readSession(s.path)
	if err != nil {
		return err
	}
	if len(items) > s.max {
		log.Printf("Warning: hot: session holds %d items, capacity %d; trimming", len(items), s.max)
		next, evicted := trim(items, s.max)
		for _, e := range evicted {
			log.Printf("Warning: hot: dropped %s on load (importance %.2f)", e.ID, e.Importance)
		}
		items = next
	}
	if items == nil {
		items = []*types.MemoryItem{}
	}
	s.items = items
	s.rev = rev
	return nil
}

// Put upserts item as the most recent entry, evicting the lowest-importance
// items while over capacity. The incoming item is an eviction candidate.
func (s *Store) Put(item *types.MemoryItem) ([]*types.MemoryItem, error) {
	if item == nil || item.ID == "" || item.Content == "" {
		return nil, fmt.Errorf("hot: item requires id and content: %w", storage.ErrInvalidInput)
	}

	c := item.Clone()
	c.Tier = types.TierHot
	c.SetImportance(c.Importance)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.LastAccessedAt.IsZero() {
		c.LastAccessedAt = c.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []*types.MemoryItem
	err := s.mutate(func(items []*types.MemoryItem) ([]*types.MemoryItem, error) {
		next := make([]*types.MemoryItem, 0, len(items)+1)
		for _, it := range items {
			if it.ID != c.ID {
				next = append(next, it)
			}
		}
		next = append(next, c)
		next, evicted = trim(next, s.max)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAll(evicted), nil
}

// Get returns a copy of the item with id.
func (s *Store) Get(id string) (*types.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.find(id); i >= 0 {
		return s.items[i].Clone(), nil
	}
	return nil, fmt.Errorf("hot: %s: %w", id, storage.ErrNotFound)
}

// GetRecent returns up to n items, most recent first.
func (s *Store) GetRecent(n int) []*types.MemoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.items) {
		n = len(s.items)
	}
	out := make([]*types.MemoryItem, 0, n)
	for i := len(s.items) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.items[i].Clone())
	}
	return out
}

// All returns every item, most recent first.
func (s *Store) All() []*types.MemoryItem {
	return s.GetRecent(0)
}

// Touch records an access, bumps importance and moves the item to the
// most-recent slot.
func (s *Store) Touch(id string, boost float64, now time.Time) (*types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c *types.MemoryItem
	err := s.mutate(func(items []*types.MemoryItem) ([]*types.MemoryItem, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, fmt.Errorf("hot: %s: %w", id, storage.ErrNotFound)
		}
		c = items[i].Clone()
		c.Touch(boost, now)

		next := make([]*types.MemoryItem, 0, len(items))
		next = append(next, items[:i]...)
		next = append(next, items[i+1:]...)
		return append(next, c), nil
	})
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

// Remove drops the item with id.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(func(items []*types.MemoryItem) ([]*types.MemoryItem, error) {
		i := indexOf(items, id)
		if i < 0 {
			return nil, fmt.Errorf("hot: %s: %w", id, storage.ErrNotFound)
		}
		next := make([]*types.MemoryItem, 0, len(items)-1)
		next = append(next, items[:i]...)
		return append(next, items[i+1:]...), nil
	})
}

// Len returns the number of items held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Capacity returns max_entries.
func (s *Store) Capacity() int { return s.max }

// Path returns the session document path, empty when memory-only.
func (s *Store) Path() string { return s.path }

func (s *Store) find(id string) int {
	return indexOf(s.items, id)
}

func indexOf(items []*types.MemoryItem, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// mutate applies fn to the current item list and persists the result. With
// a session document, the list is the document's content read under its
// lock, which may include items other processes wrote. Callers hold s.mu.
func (s *Store) mutate(fn func(items []*types.MemoryItem) ([]*types.MemoryItem, error)) error {
	if s.path == "" {
		next, err := fn(s.items)
		if err != nil {
			return err
		}
		s.items = next
		return nil
	}

	var (
		next  []*types.MemoryItem
		fnErr error
		rev   = uuid.New().String()
	)
	err := atomicfile.Update(s.path, 0o644, func(current []byte) ([]byte, error) {
		base := s.items
		if r := sessionRevision(current); r == "" || r != s.rev {
			fresh, err := parseSession(current)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", s.path, err)
			}
			base = fresh
		}
		next, fnErr = fn(base)
		if fnErr != nil {
			return nil, fnErr
		}
		return renderSession(next, time.Now().UTC(), rev)
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		if errors.Is(err, atomicfile.ErrLocked) {
			return fmt.Errorf("hot: session document busy: %w", err)
		}
		return fmt.Errorf("hot: failed to write session document: %w", err)
	}
	s.items = next
	s.rev = rev
	return nil
}

// trim evicts until len(items) <= max, returning survivors in their original
// order and the evicted items in eviction order.
func trim(items []*types.MemoryItem, max int) ([]*types.MemoryItem, []*types.MemoryItem) {
	var evicted []*types.MemoryItem
	for len(items) > max {
		victim := 0
		for i := 1; i < len(items); i++ {
			if evictsBefore(items[i], items[victim]) {
				victim = i
			}
		}
		evicted = append(evicted, items[victim])
		rest := make([]*types.MemoryItem, 0, len(items)-1)
		rest = append(rest, items[:victim]...)
		items = append(rest, items[victim+1:]...)
	}
	return items, evicted
}

// evictsBefore orders eviction candidates: lowest importance first, then
// least recently accessed, then oldest, then smallest id.
func evictsBefore(a, b *types.MemoryItem) bool {
	if a.Importance != b.Importance {
		return a.Importance < b.Importance
	}
	if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
		return a.LastAccessedAt.Before(b.LastAccessedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneAll(items []*types.MemoryItem) []*types.MemoryItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]*types.MemoryItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

var _ storage.HotStore = (*Store)(nil)
