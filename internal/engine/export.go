package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/strata/internal/storage"
	"github.com/scrypster/strata/pkg/types"
)

// ExportFormat is the envelope tag of a JSON or YAML export.
const ExportFormat = "strata.export.v1"

// Export formats.
const (
	FormatJSON     = "json"
	FormatJSONL    = "jsonl"
	FormatYAML     = "yaml"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
)

// Formats lists every supported export format.
var Formats = []string{FormatJSON, FormatJSONL, FormatYAML, FormatCSV, FormatMarkdown}

type exportEnvelope struct {
	Format     string              `json:"format" yaml:"format"`
	ExportedAt time.Time           `json:"exported_at" yaml:"exported_at"`
	Counts     map[types.Tier]int  `json:"counts" yaml:"counts"`
	Items      []*types.MemoryItem `json:"items" yaml:"items"`
}

// Export renders every item the manager holds. Each id appears once: the
// live hot or warm copy wins over an archive checkpoint of it. Vectors are
// not exported.
func (m *Manager) Export(ctx context.Context, format string) ([]byte, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatJSON
	}
	if format == "md" {
		format = FormatMarkdown
	}

	items, err := m.collect(ctx)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(m.envelope(items), "", "  ")
	case FormatYAML:
		return yaml.Marshal(m.envelope(items))
	case FormatJSONL:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, it := range items {
			if err := enc.Encode(it); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	case FormatCSV:
		return exportCSV(items)
	case FormatMarkdown:
		return exportMarkdown(items), nil
	default:
		return nil, fmt.Errorf("engine: unknown export format %q (want one of %s): %w",
			format, strings.Join(Formats, ", "), storage.ErrInvalidInput)
	}
}

// collect gathers items from every tier, deduplicated by id and ordered by
// tier, then creation time, then id.
func (m *Manager) collect(ctx context.Context) ([]*types.MemoryItem, error) {
	m.refresh(ctx)
	seen := make(map[string]bool)
	var items []*types.MemoryItem
	add := func(it *types.MemoryItem) {
		if seen[it.ID] {
			return
		}
		seen[it.ID] = true
		c := it.Clone()
		c.Embedding = nil
		items = append(items, c)
	}

	if m.hot != nil {
		for _, it := range m.hot.All() {
			add(it)
		}
	}
	if m.warm != nil {
		for _, it := range m.warm.All() {
			add(it)
		}
	}
	if m.cold != nil {
		for it, err := range m.cold.LoadAll(ctx) {
			if err != nil {
				return nil, err
			}
			add(it)
		}
	}

	rank := map[types.Tier]int{types.TierHot: 0, types.TierWarm: 1, types.TierCold: 2}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if rank[a.Tier] != rank[b.Tier] {
			return rank[a.Tier] < rank[b.Tier]
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return items, nil
}

func (m *Manager) envelope(items []*types.MemoryItem) exportEnvelope {
	counts := map[types.Tier]int{types.TierHot: 0, types.TierWarm: 0, types.TierCold: 0}
	for _, it := range items {
		counts[it.Tier]++
	}
	return exportEnvelope{
		Format:     ExportFormat,
		ExportedAt: m.now().UTC(),
		Counts:     counts,
		Items:      items,
	}
}

var csvHeader = []string{
	"id", "tier", "category", "importance", "confidence", "access_count",
	"created_at", "last_accessed_at", "tags", "content",
}

func exportCSV(items []*types.MemoryItem) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, it := range items {
		row := []string{
			it.ID,
			string(it.Tier),
			string(it.Category),
			strconv.FormatFloat(it.Importance, 'f', 4, 64),
			strconv.FormatFloat(it.Confidence, 'f', 4, 64),
			strconv.Itoa(it.AccessCount),
			it.CreatedAt.UTC().Format(time.RFC3339Nano),
			it.LastAccessedAt.UTC().Format(time.RFC3339Nano),
			strings.Join(it.Tags, ";"),
			it.Content,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// exportMarkdown is deterministic for a given set of items so that the git
// versioner only commits real changes.
func exportMarkdown(items []*types.MemoryItem) []byte {
	var b strings.Builder
	b.WriteString("# Memory\n")

	for _, tier := range types.ValidTiers {
		var section []*types.MemoryItem
		for _, it := range items {
			if it.Tier == tier {
				section = append(section, it)
			}
		}
		fmt.Fprintf(&b, "\n## %s (%d)\n\n", strings.ToUpper(string(tier[:1]))+string(tier[1:]), len(section))
		if len(section) == 0 {
			b.WriteString("_empty_\n")
			continue
		}
		for _, it := range section {
			fmt.Fprintf(&b, "- **%s** (%.2f) %s", it.Category, it.Importance, oneLine(it.Content))
			if len(it.Tags) > 0 {
				fmt.Fprintf(&b, " _%s_", strings.Join(it.Tags, ", "))
			}
			fmt.Fprintf(&b, " <!-- %s -->\n", it.ID)
		}
	}
	return []byte(b.String())
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
