// Package cold implements the archive tier on SQLite.
//
// The archive keeps one current row per item id plus an append-only log of
// every write. Rows carry their owner tier: Cold-owned rows are the archive
// proper, while Hot and Warm rows are durability checkpoints that only
// matter after a crash.
package cold

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/internal/textmatch"
	"github.com/scrypster/strata/pkg/types"
)

// Compile-time interface check.
var _ storage.ColdStore = (*Store)(nil)

// tsLayout is fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// loadPage is the LoadAll batch size. Rows are fully read before yielding so
// consumers may call back into the store while ranging.
const loadPage = 256

const columns = `id, content, category, tags, importance, confidence, tier,
    embedding_model, source_span, access_count, created_at, last_accessed_at,
    archived_at, cycle`

// Options tunes keyword search.
type Options struct {
	// FuzzyCandidates widens keyword search with trigram-prefix LIKE patterns
	// when FTS returns fewer rows than requested.
	FuzzyCandidates bool
}

// Store is the SQLite-backed ColdStore.
type Store struct {
	db   *sql.DB
	path string
	opts Options
	now  func() time.Time
}

// Open opens (creating if needed) the archive at path.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: archive path is required", storage.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("cold: create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cold: open archive: %w", err)
	}

	// One connection serialises writers; WAL keeps snapshot readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("cold: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cold: create schema: %w", err)
	}

	return &Store{db: db, path: path, opts: opts, now: time.Now}, nil
}

// Path returns the archive database file.
func (s *Store) Path() string { return s.path }

// Close flushes the WAL and closes the database.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("Warning: cold: wal checkpoint failed: %v", err)
	}
	return s.db.Close()
}

// Cycle returns the most recent archive cycle (0 before the first).
func (s *Store) Cycle(ctx context.Context) (int, error) {
	return currentCycle(ctx, s.db)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentCycle(ctx context.Context, q queryer) (int, error) {
	var v string
	if err := q.QueryRowContext(ctx, `SELECT value FROM archive_meta WHERE key = 'cycle'`).Scan(&v); err != nil {
		return 0, fmt.Errorf("cold: read cycle: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("cold: corrupt cycle %q: %w", v, err)
	}
	return n, nil
}

func (s *Store) nextCycle(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	n, err := currentCycle(ctx, tx)
	if err != nil {
		return 0, err
	}
	n++
	if _, err := tx.ExecContext(ctx, `UPDATE archive_meta SET value = ? WHERE key = 'cycle'`, strconv.Itoa(n)); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// Archive transfers ownership of items to the cold tier under a new cycle.
// Each item is its own transaction, so a failure or cancellation leaves the
// items written so far intact and reported in the result.
func (s *Store) Archive(ctx context.Context, items []*types.MemoryItem) (*storage.ArchiveResult, error) {
	if len(items) == 0 {
		cycle, err := s.Cycle(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrArchiveWriteFailure, err)
		}
		return &storage.ArchiveResult{Cycle: cycle}, nil
	}

	cycle, err := s.nextCycle(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: start cycle: %v", storage.ErrArchiveWriteFailure, err)
	}

	res := &storage.ArchiveResult{Cycle: cycle, Archived: make([]string, 0, len(items))}
	for _, item := range items {
		if ctx.Err() != nil {
			res.Interrupted = true
			return res, nil
		}
		if item == nil || item.ID == "" {
			continue
		}
		rec := item.Clone()
		rec.Tier = types.TierCold
		rec.Embedding = nil
		if _, err := s.write(ctx, rec, cycle, "archive", true); err != nil {
			if ctx.Err() != nil {
				res.Interrupted = true
				return res, nil
			}
			return res, fmt.Errorf("%w: %s: %v", storage.ErrArchiveWriteFailure, item.ID, err)
		}
		res.Archived = append(res.Archived, item.ID)
	}
	return res, nil
}

// Checkpoint writes durability copies of items that keep their current
// owner. Unchanged rows are skipped. It returns the number of rows written.
func (s *Store) Checkpoint(ctx context.Context, items []*types.MemoryItem) (int, error) {
	cycle, err := s.Cycle(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", storage.ErrArchiveWriteFailure, err)
	}

	written := 0
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if item == nil || item.ID == "" {
			continue
		}
		rec := item.Clone()
		rec.Embedding = nil
		if rec.Tier == "" {
			rec.Tier = types.TierHot
		}
		changed, err := s.write(ctx, rec, cycle, "checkpoint", false)
		if err != nil {
			return written, fmt.Errorf("%w: %s: %v", storage.ErrArchiveWriteFailure, item.ID, err)
		}
		if changed {
			written++
		}
	}
	return written, nil
}

// write upserts rec and appends a log row in one transaction. When archive
// is false the row's archive position is kept and no-op updates are skipped.
func (s *Store) write(ctx context.Context, rec *types.MemoryItem, cycle int, op string, archive bool) (bool, error) {
	tags, err := json.Marshal(nonNilTags(rec.Tags))
	if err != nil {
		return false, err
	}
	var span sql.NullString
	if rec.SourceSpan != nil {
		b, err := json.Marshal(rec.SourceSpan)
		if err != nil {
			return false, err
		}
		span = sql.NullString{String: string(b), Valid: true}
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	now := s.now().UTC()

	upsert := `
        INSERT INTO archive (` + columns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            content = excluded.content,
            category = excluded.category,
            tags = excluded.tags,
            importance = excluded.importance,
            confidence = excluded.confidence,
            tier = excluded.tier,
            embedding_model = excluded.embedding_model,
            source_span = excluded.source_span,
            access_count = excluded.access_count,
            last_accessed_at = excluded.last_accessed_at`
	if archive {
		upsert += `,
            archived_at = excluded.archived_at,
            cycle = excluded.cycle`
	} else {
		upsert += `
        WHERE archive.content IS NOT excluded.content
           OR archive.category IS NOT excluded.category
           OR archive.tags IS NOT excluded.tags
           OR archive.importance IS NOT excluded.importance
           OR archive.tier IS NOT excluded.tier
           OR archive.access_count IS NOT excluded.access_count
           OR archive.last_accessed_at IS NOT excluded.last_accessed_at`
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := tx.ExecContext(ctx, upsert,
		rec.ID, rec.Content, string(rec.Category), string(tags),
		types.Clamp01(rec.Importance), rec.Confidence, string(rec.Tier),
		rec.EmbeddingModel, span, rec.AccessCount,
		formatTime(rec.CreatedAt), formatTime(rec.LastAccessedAt),
		formatTime(now), cycle,
	)
	if err != nil {
		return false, err
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO archive_log (cycle, id, op, payload, logged_at) VALUES (?, ?, ?, ?, ?)`,
		cycle, rec.ID, op, string(payload), formatTime(now),
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// LoadAll iterates every archived record ordered by archived_at, id. Each
// range starts a fresh query.
func (s *Store) LoadAll(ctx context.Context) iter.Seq2[*types.MemoryItem, error] {
	return func(yield func(*types.MemoryItem, error) bool) {
		var lastAt, lastID string
		first := true
		for {
			var (
				rows *sql.Rows
				err  error
			)
			if first {
				rows, err = s.db.QueryContext(ctx,
					`SELECT `+columns+` FROM archive ORDER BY archived_at, id LIMIT ?`, loadPage)
			} else {
				rows, err = s.db.QueryContext(ctx,
					`SELECT `+columns+` FROM archive
                     WHERE archived_at > ? OR (archived_at = ? AND id > ?)
                     ORDER BY archived_at, id LIMIT ?`, lastAt, lastAt, lastID, loadPage)
			}
			if err != nil {
				yield(nil, fmt.Errorf("cold: load: %w", err))
				return
			}
			page, err := scanRows(rows)
			if err != nil {
				yield(nil, fmt.Errorf("cold: load: %w", err))
				return
			}
			for _, r := range page {
				if !yield(r.item, nil) {
					return
				}
			}
			if len(page) < loadPage {
				return
			}
			first = false
			lastAt, lastID = page[len(page)-1].archivedAt, page[len(page)-1].item.ID
		}
	}
}

// KeywordSearch matches Cold-owned rows by distinct query-term overlap.
// Results are ordered by overlap desc, last access desc, archive time desc,
// then id.
func (s *Store) KeywordSearch(ctx context.Context, query string, maxResults int) ([]storage.KeywordHit, error) {
	terms := textmatch.Terms(query)
	if len(terms) == 0 || maxResults <= 0 {
		return nil, nil
	}
	limit := maxResults * 10
	if limit < 50 {
		limit = 50
	}

	found := make(map[string]record)
	add := func(recs []record) {
		for _, r := range recs {
			found[r.item.ID] = r
		}
	}

	recs, err := s.ftsCandidates(ctx, textmatch.FTSQuery(query), limit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		log.Printf("Warning: cold: fts query failed, falling back to LIKE scan: %v", err)
		recs, err = s.likeCandidates(ctx, terms, limit)
		if err != nil {
			return nil, err
		}
	}
	add(recs)

	if len(found) < maxResults {
		// CJK text has no token boundaries the FTS tokenizer can use.
		recs, err := s.likeCandidates(ctx, terms, limit)
		if err != nil {
			return nil, err
		}
		add(recs)
	}
	if s.opts.FuzzyCandidates && len(found) < maxResults {
		recs, err := s.likeCandidates(ctx, fuzzyPrefixes(terms), limit)
		if err != nil {
			return nil, err
		}
		add(recs)
	}

	hits := make([]scoredHit, 0, len(found))
	for _, r := range found {
		score := textmatch.Match(terms, r.item.Content)
		if score.Matched == 0 && score.Fuzzy == 0 {
			continue
		}
		hits = append(hits, scoredHit{
			KeywordHit: storage.KeywordHit{Item: r.item, Overlap: score.Matched, Terms: score.Terms},
			fuzzy:      score.Fuzzy,
			archivedAt: r.archivedAt,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Overlap != b.Overlap {
			return a.Overlap > b.Overlap
		}
		if a.fuzzy != b.fuzzy {
			return a.fuzzy > b.fuzzy
		}
		if !a.Item.LastAccessedAt.Equal(b.Item.LastAccessedAt) {
			return a.Item.LastAccessedAt.After(b.Item.LastAccessedAt)
		}
		if a.archivedAt != b.archivedAt {
			return a.archivedAt > b.archivedAt
		}
		return a.Item.ID < b.Item.ID
	})
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	out := make([]storage.KeywordHit, len(hits))
	for i, h := range hits {
		out[i] = h.KeywordHit
	}
	return out, nil
}

type scoredHit struct {
	storage.KeywordHit
	fuzzy      float64
	archivedAt string
}

func (s *Store) ftsCandidates(ctx context.Context, match string, limit int) ([]record, error) {
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+prefixed("a.")+`
        FROM archive_fts f
        JOIN archive a ON a.rowid = f.rowid
        WHERE archive_fts MATCH ? AND a.tier = 'cold'
        LIMIT ?`, match, limit)
	if err != nil {
		return nil, err
	}
	return scanRows(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) likeCandidates(ctx context.Context, terms []string, limit int) ([]record, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	conds := make([]string, len(terms))
	args := make([]any, 0, len(terms)+1)
	for i, t := range terms {
		conds[i] = `content LIKE ? ESCAPE '\'`
		args = append(args, "%"+likeEscaper.Replace(t)+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM archive WHERE tier = 'cold' AND (`+strings.Join(conds, " OR ")+`) LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("cold: like scan: %w", err)
	}
	return scanRows(rows)
}

// fuzzyPrefixes reduces terms to their leading trigram, which a misspelt word
// usually still shares with the stored one.
func fuzzyPrefixes(terms []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range terms {
		r := []rune(t)
		if len(r) < 4 {
			continue
		}
		p := string(r[:3])
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Get returns the record for id regardless of owner tier.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM archive WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("cold: get %s: %w", id, err)
	}
	recs, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("cold: get %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, storage.ErrNotFound
	}
	return recs[0].item, nil
}

// Has reports whether any record exists for id.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("cold: has %s: %w", id, err)
	}
	return n > 0, nil
}

// Count returns the number of records of any owner.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cold: count: %w", err)
	}
	return n, nil
}

// CountByTier returns the number of records owned by tier.
func (s *Store) CountByTier(ctx context.Context, tier types.Tier) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive WHERE tier = ?`, string(tier)).Scan(&n); err != nil {
		return 0, fmt.Errorf("cold: count %s: %w", tier, err)
	}
	return n, nil
}

// SetTier flips the authoritative owner of a record.
func (s *Store) SetTier(ctx context.Context, id string, tier types.Tier) error {
	if !types.IsValidTier(tier) {
		return fmt.Errorf("%w: tier %q", storage.ErrInvalidInput, tier)
	}
	cycle, err := s.Cycle(ctx)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := tx.ExecContext(ctx, `UPDATE archive SET tier = ? WHERE id = ?`, string(tier), id)
	if err != nil {
		return fmt.Errorf("cold: set tier %s: %w", id, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	payload, _ := json.Marshal(map[string]string{"id": id, "tier": string(tier)})
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO archive_log (cycle, id, op, payload, logged_at) VALUES (?, ?, 'set_tier', ?, ?)`,
		cycle, id, string(payload), formatTime(s.now().UTC()),
	); err != nil {
		return fmt.Errorf("cold: log set tier %s: %w", id, err)
	}
	return tx.Commit()
}

// Touch records an access on an archived record.
func (s *Store) Touch(ctx context.Context, id string, boost float64, now time.Time) (*types.MemoryItem, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	item.Touch(boost, now)
	if _, err := s.db.ExecContext(ctx,
		`UPDATE archive SET importance = ?, last_accessed_at = ?, access_count = ? WHERE id = ?`,
		item.Importance, formatTime(item.LastAccessedAt), item.AccessCount, id,
	); err != nil {
		return nil, fmt.Errorf("cold: touch %s: %w", id, err)
	}
	return item, nil
}

// LogLen returns the number of archive_log rows.
func (s *Store) LogLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cold: log count: %w", err)
	}
	return n, nil
}

type record struct {
	item       *types.MemoryItem
	archivedAt string
}

func scanRows(rows *sql.Rows) ([]record, error) {
	defer func() { _ = rows.Close() }()
	var out []record
	for rows.Next() {
		var (
			it                    types.MemoryItem
			category, tags, tier  string
			span                  sql.NullString
			createdAt, lastAccess string
			archivedAt            string
			cycle                 int
		)
		if err := rows.Scan(&it.ID, &it.Content, &category, &tags, &it.Importance, &it.Confidence,
			&tier, &it.EmbeddingModel, &span, &it.AccessCount, &createdAt, &lastAccess, &archivedAt, &cycle); err != nil {
			return nil, err
		}
		it.Category = types.Category(category)
		it.Tier = types.Tier(tier)
		if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", it.ID, err)
		}
		if len(it.Tags) == 0 {
			it.Tags = nil
		}
		if span.Valid {
			it.SourceSpan = &types.SourceSpan{}
			if err := json.Unmarshal([]byte(span.String), it.SourceSpan); err != nil {
				return nil, fmt.Errorf("decode source span for %s: %w", it.ID, err)
			}
		}
		var err error
		if it.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if it.LastAccessedAt, err = parseTime(lastAccess); err != nil {
			return nil, err
		}
		out = append(out, record{item: &it, archivedAt: archivedAt})
	}
	return out, rows.Err()
}

func prefixed(p string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func formatTime(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("cold: parse time %q: %w", s, err)
	}
	return t, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
