// Package warm implements the similarity tier: every item carries an
// embedding of the configured dimension and is reachable through a vector
// index. The item records themselves are mirrored to a JSON artifact from
// which the index is rebuilt on open.
//
// Several processes may share one artifact. Promote and Remove are buffered
// and written by Flush, which re-reads the artifact under its lock and
// merges before replacing it. Touch appends one line to a journal beside
// the artifact instead of rewriting it; Flush folds the journal in.
package warm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/strata/internal/embedding"
	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/internal/storage/atomicfile"
	"github.com/scrypster/strata/pkg/types"
)

// ArtifactFormat tags the persisted warm index.
const ArtifactFormat = "strata.warm.v1"

// JournalSuffix is appended to the artifact path to name the touch journal.
const JournalSuffix = ".touches"

// Options configures a warm Store.
type Options struct {
	// Path of the JSON artifact. Empty keeps the tier in memory only.
	Path string

	// Dimension every stored embedding must have.
	Dimension int

	// Provider embeds items that arrive without a usable vector.
	Provider embedding.Provider

	// Index is the vector index; defaults to a chromem collection.
	Index Index

	// SearchTimeout bounds a single index query (default: 2s).
	SearchTimeout time.Duration
}

// Store is the warm tier.
type Store struct {
	mu            sync.RWMutex
	items         map[string]*types.MemoryItem
	index         Index
	provider      embedding.Provider
	dim           int
	path          string
	searchTimeout time.Duration

	// rev is the artifact revision items were last synced with.
	rev string
	// dirty holds ids promoted since the last flush; removed holds ids
	// dropped since then.
	dirty   map[string]struct{}
	removed map[string]struct{}
	// held keeps artifact records this process cannot index (wrong
	// dimension, no provider) so a flush does not erase them.
	held map[string]*types.MemoryItem
	// journalOff is how much of the journal has been applied.
	journalOff int64
}

type artifact struct {
	Format    string              `json:"format"`
	Revision  string              `json:"revision"`
	Dimension int                 `json:"dimension"`
	Model     string              `json:"model"`
	UpdatedAt time.Time           `json:"updated_at"`
	Items     []*types.MemoryItem `json:"items"`
}

// touchEntry is one journal line. Values are absolute, so replaying an
// entry twice is harmless.
type touchEntry struct {
	ID             string    `json:"id"`
	Importance     float64   `json:"importance"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int       `json:"access_count"`
}

var revisionRe = regexp.MustCompile(`"revision":"([0-9A-Za-z-]*)"`)

const headSize = 256

func artifactRevision(head []byte) string {
	if len(head) > headSize {
		head = head[:headSize]
	}
	if m := revisionRe.FindSubmatch(head); m != nil {
		return string(m[1])
	}
	return ""
}

// Open loads the artifact at opts.Path (if any), replays the touch journal
// and rebuilds the index. Items whose vectors no longer fit the configured
// model are re-embedded; items that cannot be embedded stay in the artifact
// but are not searchable.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Dimension < 1 {
		return nil, fmt.Errorf("warm: dimension must be positive: %w", storage.ErrInvalidInput)
	}
	if opts.Index == nil {
		idx, err := NewChromemIndex()
		if err != nil {
			return nil, err
		}
		opts.Index = idx
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 2 * time.Second
	}

	s := &Store{
		items:         make(map[string]*types.MemoryItem),
		index:         opts.Index,
		provider:      opts.Provider,
		dim:           opts.Dimension,
		path:          opts.Path,
		searchTimeout: opts.SearchTimeout,
		dirty:         make(map[string]struct{}),
		removed:       make(map[string]struct{}),
		held:          make(map[string]*types.MemoryItem),
	}
	if opts.Path == "" {
		return s, nil
	}

	doc, err := readArtifact(opts.Path)
	if err != nil {
		return nil, err
	}

	// The artifact is authoritative; drop whatever a persistent index holds.
	if r, ok := s.index.(interface{ Reset(context.Context) error }); ok {
		if err := r.Reset(ctx); err != nil {
			return nil, fmt.Errorf("warm: %v: %w", err, storage.ErrIndexUnavailable)
		}
	}

	if doc != nil {
		s.rev = doc.Revision
		for _, it := range doc.Items {
			if it == nil || it.ID == "" {
				continue
			}
			it.Tier = types.TierWarm
			if s.needsEmbedding(it) {
				if err := s.embed(ctx, it); err != nil {
					log.Printf("Warning: warm: keeping %s unindexed: %v", it.ID, err)
					s.held[it.ID] = it
					continue
				}
				s.dirty[it.ID] = struct{}{}
			}
			if err := s.index.Upsert(ctx, it.ID, it.Embedding); err != nil {
				return nil, fmt.Errorf("warm: rebuilding index: %v: %w", err, storage.ErrIndexUnavailable)
			}
			s.items[it.ID] = it
		}
	}

	off, err := s.replayJournalLocked(0)
	if err != nil {
		return nil, err
	}
	s.journalOff = off

	if len(s.dirty) > 0 {
		if err := s.flushLocked(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Promote embeds the item when needed and makes it warm-owned. The caller's
// item is never mutated; the stored copy is returned. The artifact is
// updated by the next Flush.
func (s *Store) Promote(ctx context.Context, item *types.MemoryItem) (*types.MemoryItem, error) {
	if item == nil || item.ID == "" || item.Content == "" {
		return nil, fmt.Errorf("warm: item requires id and content: %w", storage.ErrInvalidInput)
	}

	c := item.Clone()
	if s.needsEmbedding(c) {
		if err := s.embed(ctx, c); err != nil {
			return nil, err
		}
	}
	c.Tier = types.TierWarm
	c.SetImportance(c.Importance)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.Upsert(ctx, c.ID, c.Embedding); err != nil {
		return nil, fmt.Errorf("warm: index upsert %s: %v: %w", c.ID, err, storage.ErrIndexUnavailable)
	}
	s.items[c.ID] = c
	delete(s.held, c.ID)
	delete(s.removed, c.ID)
	s.dirty[c.ID] = struct{}{}
	return c.Clone(), nil
}

// Search returns up to k items with similarity >= threshold, ordered by
// similarity, then importance, then id.
func (s *Store) Search(ctx context.Context, query []float32, k int, threshold float64) ([]storage.VectorHit, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("warm: query has %d dimensions, want %d: %w", len(query), s.dim, storage.ErrDimensionMismatch)
	}
	if k <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.searchTimeout)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Over-fetch so ties at the cut are resolved by our ordering, not the
	// index's.
	fetch := k * 4
	if n := len(s.items); fetch > n {
		fetch = n
	}
	matches, err := s.index.Query(ctx, query, fetch)
	if err != nil {
		return nil, fmt.Errorf("warm: %v: %w", err, storage.ErrIndexUnavailable)
	}

	hits := make([]storage.VectorHit, 0, len(matches))
	for _, m := range matches {
		it, ok := s.items[m.ID]
		if !ok || m.Similarity < threshold {
			continue
		}
		hits = append(hits, storage.VectorHit{Item: it.Clone(), Similarity: m.Similarity})
	}
	slices.SortFunc(hits, func(a, b storage.VectorHit) int {
		if a.Similarity != b.Similarity {
			if a.Similarity > b.Similarity {
				return -1
			}
			return 1
		}
		if a.Item.Importance != b.Item.Importance {
			if a.Item.Importance > b.Item.Importance {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Item.ID, b.Item.ID)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Get returns a copy of the item with id.
func (s *Store) Get(id string) (*types.MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if it, ok := s.items[id]; ok {
		return it.Clone(), nil
	}
	return nil, fmt.Errorf("warm: %s: %w", id, storage.ErrNotFound)
}

// Touch records an access on a warm item and journals it.
func (s *Store) Touch(id string, boost float64, now time.Time) (*types.MemoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("warm: %s: %w", id, storage.ErrNotFound)
	}
	prev := it.Clone()
	it.Touch(boost, now)
	if err := s.appendJournal(touchEntry{
		ID:             id,
		Importance:     it.Importance,
		LastAccessedAt: it.LastAccessedAt,
		AccessCount:    it.AccessCount,
	}); err != nil {
		s.items[id] = prev
		return nil, err
	}
	return it.Clone(), nil
}

// Remove drops an item from the index. The artifact is updated by the
// next Flush.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("warm: %s: %w", id, storage.ErrNotFound)
	}
	if err := s.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("warm: index delete %s: %v: %w", id, err, storage.ErrIndexUnavailable)
	}
	delete(s.items, id)
	delete(s.dirty, id)
	s.removed[id] = struct{}{}
	return nil
}

// Flush writes buffered changes. On failure they stay buffered and the next
// Flush retries them.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// Refresh absorbs artifact and journal changes made by other processes.
// It reads only the artifact header when nothing changed.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}

	head, err := atomicfile.Head(s.path, headSize)
	if err != nil {
		return fmt.Errorf("warm: read artifact: %w", err)
	}
	if rev := artifactRevision(head); rev != "" && rev != s.rev {
		doc, err := readArtifact(s.path)
		if err != nil {
			return err
		}
		s.absorbLocked(ctx, doc)
		s.journalOff = 0
	}
	off, err := s.replayJournalLocked(s.journalOff)
	if err != nil {
		return err
	}
	s.journalOff = off
	return nil
}

// All returns copies of every item ordered by id.
func (s *Store) All() []*types.MemoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.MemoryItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	slices.SortFunc(out, func(a, b *types.MemoryItem) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of warm items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Dimension returns the configured embedding width.
func (s *Store) Dimension() int { return s.dim }

// IndexName names the active index implementation.
func (s *Store) IndexName() string { return s.index.Name() }

// Close flushes buffered changes and releases the index.
func (s *Store) Close() error {
	err := s.Flush(context.Background())
	return errors.Join(err, s.index.Close())
}

func (s *Store) needsEmbedding(it *types.MemoryItem) bool {
	if !it.HasEmbedding(s.dim) {
		return true
	}
	return s.provider != nil && it.EmbeddingModel != "" && it.EmbeddingModel != s.provider.Model()
}

func (s *Store) embed(ctx context.Context, it *types.MemoryItem) error {
	if s.provider == nil {
		return fmt.Errorf("warm: no embedding provider for %s: %w", it.ID, storage.ErrEmbeddingUnavailable)
	}
	vec, err := s.provider.Embed(ctx, it.Content)
	if err != nil {
		if errors.Is(err, storage.ErrDimensionMismatch) || errors.Is(err, storage.ErrEmbeddingUnavailable) {
			return fmt.Errorf("warm: embed %s: %w", it.ID, err)
		}
		return fmt.Errorf("warm: embed %s: %v: %w", it.ID, err, storage.ErrEmbeddingUnavailable)
	}
	if len(vec) != s.dim {
		return fmt.Errorf("warm: embed %s: got %d dimensions, want %d: %w",
			it.ID, len(vec), s.dim, storage.ErrDimensionMismatch)
	}
	it.Embedding = vec
	it.EmbeddingModel = s.provider.Model()
	return nil
}

func (s *Store) flushLocked(ctx context.Context) error {
	if s.path == "" {
		clear(s.dirty)
		clear(s.removed)
		return nil
	}
	journal := s.path + JournalSuffix
	if len(s.dirty) == 0 && len(s.removed) == 0 && !nonEmpty(journal) {
		return nil
	}

	unlock, err := atomicfile.Lock(s.path)
	if err != nil {
		return fmt.Errorf("warm: artifact busy: %w", err)
	}
	defer unlock()

	head, err := atomicfile.Head(s.path, headSize)
	if err != nil {
		return fmt.Errorf("warm: read artifact: %w", err)
	}
	if rev := artifactRevision(head); rev != "" && rev != s.rev {
		doc, err := readArtifact(s.path)
		if err != nil {
			return err
		}
		s.absorbLocked(ctx, doc)
	}
	if _, err := s.replayJournalLocked(0); err != nil {
		return err
	}

	rev := uuid.New().String()
	data, err := s.marshalLocked(rev)
	if err != nil {
		return err
	}
	if err := atomicfile.Replace(s.path, data, 0o644); err != nil {
		return fmt.Errorf("warm: write artifact: %w", err)
	}
	if err := os.Remove(journal); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: warm: failed to truncate touch journal: %v", err)
	}
	s.rev = rev
	s.journalOff = 0
	clear(s.dirty)
	clear(s.removed)
	return nil
}

// absorbLocked merges an artifact written by another process. Our buffered
// promotions and removals win; everything else follows the artifact, so
// records missing from it were removed elsewhere.
func (s *Store) absorbLocked(ctx context.Context, doc *artifact) {
	if doc == nil {
		return
	}
	seen := make(map[string]bool, len(doc.Items))
	for _, it := range doc.Items {
		if it == nil || it.ID == "" {
			continue
		}
		seen[it.ID] = true
		if _, gone := s.removed[it.ID]; gone {
			continue
		}
		if _, mine := s.dirty[it.ID]; mine {
			continue
		}
		it.Tier = types.TierWarm
		prev, indexed := s.items[it.ID]
		if !it.HasEmbedding(s.dim) {
			if indexed {
				delete(s.items, it.ID)
				_ = s.index.Delete(ctx, it.ID)
			}
			s.held[it.ID] = it
			continue
		}
		if !indexed || !slices.Equal(prev.Embedding, it.Embedding) {
			if err := s.index.Upsert(ctx, it.ID, it.Embedding); err != nil {
				log.Printf("Warning: warm: keeping %s unindexed: %v", it.ID, err)
				delete(s.items, it.ID)
				s.held[it.ID] = it
				continue
			}
		}
		delete(s.held, it.ID)
		s.items[it.ID] = it
	}
	for id := range s.items {
		if _, mine := s.dirty[id]; !mine && !seen[id] {
			delete(s.items, id)
			_ = s.index.Delete(ctx, id)
		}
	}
	for id := range s.held {
		if !seen[id] {
			delete(s.held, id)
		}
	}
	s.rev = doc.Revision
}

// replayJournalLocked applies complete journal lines from offset from and
// returns the offset after the last one applied. A truncated journal is
// replayed from the start.
func (s *Store) replayJournalLocked(from int64) (int64, error) {
	if s.path == "" {
		return 0, nil
	}
	f, err := os.Open(s.path + JournalSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return from, fmt.Errorf("warm: open touch journal: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < from {
		from = 0
	}
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return from, fmt.Errorf("warm: seek touch journal: %w", err)
	}

	r := bufio.NewReader(f)
	off := from
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// A partial line is an append in progress.
			return off, nil
		}
		if err != nil {
			return off, fmt.Errorf("warm: read touch journal: %w", err)
		}
		off += int64(len(line))

		var e touchEntry
		if err := json.Unmarshal(bytes.TrimSpace(line), &e); err != nil {
			log.Printf("Warning: warm: skipping malformed journal line: %v", err)
			continue
		}
		s.applyTouch(e)
	}
}

func (s *Store) applyTouch(e touchEntry) {
	it, ok := s.items[e.ID]
	if !ok {
		if it, ok = s.held[e.ID]; !ok {
			return
		}
	}
	newer := e.LastAccessedAt.After(it.LastAccessedAt) ||
		(e.LastAccessedAt.Equal(it.LastAccessedAt) && e.AccessCount > it.AccessCount)
	if !newer {
		return
	}
	it.LastAccessedAt = e.LastAccessedAt
	it.AccessCount = e.AccessCount
	it.SetImportance(e.Importance)
}

func (s *Store) appendJournal(e touchEntry) error {
	if s.path == "" {
		return nil
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("warm: marshal touch: %w", err)
	}
	line = append(line, '\n')

	unlock, err := atomicfile.Lock(s.path)
	if err != nil {
		return fmt.Errorf("warm: artifact busy: %w", err)
	}
	defer unlock()

	f, err := os.OpenFile(s.path+JournalSuffix, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("warm: open touch journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("warm: append touch journal: %w", err)
	}
	return f.Close()
}

func (s *Store) marshalLocked(rev string) ([]byte, error) {
	doc := artifact{
		Format:    ArtifactFormat,
		Revision:  rev,
		Dimension: s.dim,
		UpdatedAt: time.Now().UTC(),
		Items:     make([]*types.MemoryItem, 0, len(s.items)+len(s.held)),
	}
	if s.provider != nil {
		doc.Model = s.provider.Model()
	}
	for _, it := range s.items {
		doc.Items = append(doc.Items, it)
	}
	for _, it := range s.held {
		doc.Items = append(doc.Items, it)
	}
	slices.SortFunc(doc.Items, func(a, b *types.MemoryItem) int { return strings.Compare(a.ID, b.ID) })

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("warm: marshal artifact: %w", err)
	}
	return data, nil
}

func nonEmpty(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func readArtifact(path string) (*artifact, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("warm: read artifact: %w", err)
	}
	var doc artifact
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("warm: corrupt artifact %s: %v: %w", path, err, storage.ErrIndexUnavailable)
	}
	if doc.Format != ArtifactFormat {
		return nil, fmt.Errorf("warm: unsupported artifact format %q: %w", doc.Format, storage.ErrIndexUnavailable)
	}
	return &doc, nil
}

var _ storage.WarmStore = (*Store)(nil)
