package types

import (
	"math"
	"strings"
	"time"
)

// Category is an open tag describing what kind of statement a memory holds.
type Category string

// Well-known categories produced by the capture engine.
const (
	CategoryDecision   Category = "decision"
	CategoryPreference Category = "preference"
	CategoryFact       Category = "fact"
	CategoryDeadline   Category = "deadline"
	CategoryPlan       Category = "plan"
	CategoryLesson     Category = "lesson"
	CategoryWarning    Category = "warning"
	CategoryContact    Category = "contact"
	CategoryGeneral    Category = "general"
)

// NormalizeCategory lower-cases and trims a category, defaulting to fact.
func NormalizeCategory(c string) Category {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return CategoryFact
	}
	return Category(c)
}

// SourceSpan points back at the range of captured text an item came from.
// It never owns the text.
type SourceSpan struct {
	Source string `json:"source,omitempty" yaml:"source,omitempty"` // Caller-supplied label (session id, file name)
	Start  int    `json:"start" yaml:"start"`                       // Byte offset of the first rune
	End    int    `json:"end" yaml:"end"`                           // Byte offset one past the last rune
}

// MemoryItem is the atomic unit of remembered information. Exactly one tier
// owns an item at any time; Tier is the authoritative owner.
type MemoryItem struct {
	// Identity
	ID       string   `json:"id" yaml:"id"`             // UUIDv4, never reused
	Content  string   `json:"content" yaml:"content"`   // Remembered text
	Category Category `json:"category" yaml:"category"` // decision, preference, fact, ...
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Scores
	Importance float64 `json:"importance" yaml:"importance"` // Always within [0,1]
	Confidence float64 `json:"confidence" yaml:"confidence"` // Capture confidence

	// Embedding (required while owned by the warm tier)
	Embedding      []float32 `json:"embedding,omitempty" yaml:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`

	// Ownership and bookkeeping
	Tier           Tier        `json:"tier" yaml:"tier"`
	CreatedAt      time.Time   `json:"created_at" yaml:"created_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at" yaml:"last_accessed_at"`
	AccessCount    int         `json:"access_count" yaml:"access_count"`
	SourceSpan     *SourceSpan `json:"source_span,omitempty" yaml:"source_span,omitempty"`
}

// SetImportance stores v clamped to [0,1].
func (m *MemoryItem) SetImportance(v float64) {
	m.Importance = Clamp01(v)
}

// Touch records an access at now and raises importance by boost.
func (m *MemoryItem) Touch(boost float64, now time.Time) {
	m.LastAccessedAt = now
	m.AccessCount++
	m.SetImportance(m.Importance + boost)
}

// HasEmbedding reports whether the item carries a vector of dimension dim.
func (m *MemoryItem) HasEmbedding(dim int) bool {
	return len(m.Embedding) > 0 && len(m.Embedding) == dim
}

// Clone returns a deep copy so callers can't mutate tier-owned state.
func (m *MemoryItem) Clone() *MemoryItem {
	if m == nil {
		return nil
	}
	c := *m
	if m.Tags != nil {
		c.Tags = append([]string(nil), m.Tags...)
	}
	if m.Embedding != nil {
		c.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.SourceSpan != nil {
		span := *m.SourceSpan
		c.SourceSpan = &span
	}
	return &c
}

// Clamp01 limits v to the closed unit interval. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
