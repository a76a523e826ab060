// Package capture extracts memory candidates from conversation text.
//
// Extraction is heuristic: text is segmented into units, each unit is
// matched against a table of category signals, scored, filtered by a
// minimum confidence and deduplicated. Capture never touches a tier.
package capture

import (
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/scrypster/strata/internal/textmatch"
	"github.com/scrypster/strata/pkg/types"
)

// Unit length limits in runes.
const (
	minUnitRunes = 10
	maxUnitRunes = 500
	maxTags      = 5
)

// Config holds capture thresholds.
type Config struct {
	// MinConfidence drops units scoring below it (default: 0.6)
	MinConfidence float64

	// MaxItems caps the number of items returned per call (default: 10)
	MaxItems int
}

// Engine turns text into candidate memory items.
type Engine struct {
	cfg Config
	now func() time.Time
}

// New creates a capture engine.
func New(cfg Config) *Engine {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.6
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10
	}
	return &Engine{cfg: cfg, now: time.Now}
}

// Option adjusts a single Capture call.
type Option func(*options)

type options struct {
	source string
	now    time.Time
}

// WithSource labels the SourceSpan of every captured item.
func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

// WithTime sets the creation time of captured items.
func WithTime(t time.Time) Option {
	return func(o *options) { o.now = t }
}

// Capture extracts items from text, ordered by confidence descending. Each
// call mints fresh ids; items have no tier yet.
func (e *Engine) Capture(text string, opts ...Option) []*types.MemoryItem {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now.IsZero() {
		o.now = e.now()
	}

	type candidate struct {
		unit
		category   types.Category
		confidence float64
	}

	var kept []candidate
	byPrint := make(map[string]int)
	for _, u := range segment(text) {
		category, confidence := Score(u.text)
		if confidence < e.cfg.MinConfidence {
			continue
		}
		c := candidate{unit: u, category: category, confidence: confidence}
		fp := fingerprint(u.text)
		if i, ok := byPrint[fp]; ok {
			if c.confidence > kept[i].confidence {
				kept[i] = c
			}
			continue
		}
		byPrint[fp] = len(kept)
		kept = append(kept, c)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].confidence > kept[j].confidence
	})
	if len(kept) > e.cfg.MaxItems {
		kept = kept[:e.cfg.MaxItems]
	}

	items := make([]*types.MemoryItem, 0, len(kept))
	for _, c := range kept {
		item := &types.MemoryItem{
			ID:             uuid.New().String(),
			Content:        c.text,
			Category:       c.category,
			Tags:           Tags(c.text),
			Confidence:     c.confidence,
			CreatedAt:      o.now,
			LastAccessedAt: o.now,
			SourceSpan:     &types.SourceSpan{Source: o.source, Start: c.start, End: c.end},
		}
		item.SetImportance(c.confidence)
		items = append(items, item)
	}
	return items
}

// Score returns the category and confidence of a single unit. Units without
// any signal score 0.3 and map to fact.
func Score(text string) (types.Category, float64) {
	category := types.CategoryFact
	base := 0.0
	matched := 0
	for _, s := range signals {
		if !s.pattern.MatchString(text) {
			continue
		}
		matched++
		if s.base > base {
			base = s.base
			category = s.category
		}
	}

	marker := memoryMarker.MatchString(text)
	switch {
	case matched == 0 && marker:
		base = 0.7
	case matched == 0:
		base = 0.3
	}

	confidence := base + lengthFactor(utf8.RuneCountInString(text))
	if isSpecific(text) {
		confidence += 0.05
	}
	if matched > 1 {
		confidence += min(float64(matched-1)*0.03, 0.15)
	}
	if marker {
		confidence += 0.15
	} else if isQuestion(text) {
		confidence -= 0.2
	}
	return category, types.Clamp01(confidence)
}

func lengthFactor(n int) float64 {
	switch {
	case n < 15:
		return -0.15
	case n >= 20 && n <= 200:
		return 0.05
	case n > 300:
		return -0.1
	default:
		return 0
	}
}

// isSpecific reports a digit-bearing token or a capitalised word past the
// first one; both usually name something concrete.
func isSpecific(text string) bool {
	for i, word := range strings.Fields(text) {
		hasDigit := false
		for _, r := range word {
			if unicode.IsDigit(r) {
				hasDigit = true
				break
			}
		}
		if hasDigit {
			return true
		}
		if i > 0 {
			if r, _ := utf8.DecodeRuneInString(word); unicode.IsUpper(r) {
				return true
			}
		}
	}
	return false
}

func isQuestion(text string) bool {
	t := strings.TrimSpace(text)
	if strings.HasSuffix(t, "?") || strings.HasSuffix(t, "？") || strings.HasSuffix(t, "吗") {
		return true
	}
	return questionLead.MatchString(t)
}

// fingerprint is the dedup key: lower-cased letters and digits, first 20.
// Very short units fall back to their full text.
func fingerprint(text string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.ToLower(text) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		n++
		if n <= 20 {
			b.WriteRune(r)
		}
	}
	if n < 10 {
		return text
	}
	return b.String()
}

// Tags returns up to five lower-cased keywords in order of appearance.
func Tags(text string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, tok := range textmatch.Tokens(text) {
		if len(tags) == maxTags {
			break
		}
		first, _ := utf8.DecodeRuneInString(tok)
		short := utf8.RuneCountInString(tok) < 3 && !unicode.Is(unicode.Han, first)
		if short || textmatch.IsStopWord(tok) || seen[tok] {
			continue
		}
		seen[tok] = true
		tags = append(tags, tok)
	}
	return tags
}
