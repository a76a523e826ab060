package hot

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/strata/pkg/types"
)

// SessionFormat tags the front matter of every session document.
const SessionFormat = "strata.session.v1"

const frontMatterDelim = "---"

// sessionDoc is the YAML front matter. The Markdown body below it is a
// rendering for humans and is ignored on load.
type sessionDoc struct {
	Format    string              `yaml:"format"`
	Revision  string              `yaml:"revision,omitempty"`
	UpdatedAt time.Time           `yaml:"updated_at"`
	Items     []*types.MemoryItem `yaml:"items"`
}

// revisionRe finds the revision line near the top of the front matter.
var revisionRe = regexp.MustCompile(`(?m)^revision: *["']?([0-9A-Za-z-]+)["']?\s*$`)

// headSize covers the format, revision and updated_at lines.
const headSize = 512

// sessionRevision returns the revision written in data's front matter, or ""
// for documents that carry none.
func sessionRevision(data []byte) string {
	if len(data) > headSize {
		data = data[:headSize]
	}
	if m := revisionRe.FindSubmatch(data); m != nil {
		return string(m[1])
	}
	return ""
}

func readSession(path string) ([]*types.MemoryItem, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("hot: failed to read session document: %w", err)
	}
	items, err := parseSession(data)
	if err != nil {
		return nil, "", fmt.Errorf("hot: %s: %w", path, err)
	}
	return items, sessionRevision(data), nil
}

func parseSession(data []byte) ([]*types.MemoryItem, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if !strings.HasPrefix(text, frontMatterDelim+"\n") {
		return nil, errors.New("missing front matter")
	}
	rest := text[len(frontMatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontMatterDelim+"\n")
	if end < 0 {
		if !strings.HasSuffix(rest, "\n"+frontMatterDelim) {
			return nil, errors.New("unterminated front matter")
		}
		end = len(rest) - len(frontMatterDelim) - 1
	}

	var doc sessionDoc
	if err := yaml.Unmarshal([]byte(rest[:end]), &doc); err != nil {
		return nil, fmt.Errorf("invalid front matter: %w", err)
	}
	if doc.Format != "" && doc.Format != SessionFormat {
		return nil, fmt.Errorf("unsupported session format %q", doc.Format)
	}

	// Stored most-recent first; the store keeps oldest first.
	items := make([]*types.MemoryItem, 0, len(doc.Items))
	for i := len(doc.Items) - 1; i >= 0; i-- {
		it := doc.Items[i]
		if it == nil || it.ID == "" {
			continue
		}
		it.Tier = types.TierHot
		it.SetImportance(it.Importance)
		items = append(items, it)
	}
	return items, nil
}

func renderSession(items []*types.MemoryItem, now time.Time, revision string) ([]byte, error) {
	recent := make([]*types.MemoryItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		recent = append(recent, items[i])
	}

	front, err := yaml.Marshal(sessionDoc{Format: SessionFormat, Revision: revision, UpdatedAt: now, Items: recent})
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(front)
	buf.WriteString(frontMatterDelim + "\n\n")
	buf.WriteString("# Session Memory\n\n")
	fmt.Fprintf(&buf, "_%d items, updated %s_\n", len(recent), now.Format(time.RFC3339))

	byCategory := make(map[types.Category][]*types.MemoryItem)
	for _, it := range recent {
		byCategory[it.Category] = append(byCategory[it.Category], it)
	}
	cats := make([]string, 0, len(byCategory))
	for c := range byCategory {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)

	for _, c := range cats {
		fmt.Fprintf(&buf, "\n## %s\n\n", titleCase(c))
		for _, it := range byCategory[types.Category(c)] {
			fmt.Fprintf(&buf, "- %s _(importance %.2f, %s)_\n",
				oneLine(it.Content), it.Importance, it.CreatedAt.Format("2006-01-02 15:04"))
		}
	}
	return buf.Bytes(), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
