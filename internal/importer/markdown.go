package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/strata/pkg/types"
)

// Note is one parsed Markdown file.
type Note struct {
	// RelativePath is the path relative to the import root.
	RelativePath string

	// Title comes from the front matter, the first H1, or the file name.
	Title string

	// Body is the Markdown body with front matter removed and wiki links
	// flattened to plain text.
	Body string

	// Tags merges front matter tags, inline #tags and wiki link targets.
	Tags []string

	// Category and Importance come from front matter. Zero values mean the
	// manager should infer them.
	Category   types.Category
	Importance float64

	// Entries holds the lines of a Strata Markdown export. When present the
	// note is restored entry by entry instead of being captured.
	Entries []Entry

	// Timestamp is from the front matter "date" field, or zero if absent.
	Timestamp time.Time
}

// Entry is one memory line of a Markdown export:
//
//	- **decision** (0.90) Billing runs on Postgres _billing, postgres_ <!-- id -->
type Entry struct {
	ID         string
	Content    string
	Category   types.Category
	Importance float64
	Tier       types.Tier
}

var (
	entryRe   = regexp.MustCompile(`^- \*\*([^*]+)\*\* \((\d+(?:\.\d+)?)\) (.+?)(?: _([^_]+)_)? <!-- (\S+) -->$`)
	sectionRe = regexp.MustCompile(`^## (Hot|Warm|Cold) \(\d+\)$`)
)

// ParseNote parses a single Markdown file's content.
func ParseNote(content []byte, relativePath string) (*Note, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", relativePath, err)
	}

	title := extractString(fm, "title", "")
	if title == "" {
		title = extractH1(body)
	}
	if title == "" {
		title = titleFromPath(relativePath)
	}

	note := &Note{
		RelativePath: relativePath,
		Title:        title,
		Body:         strings.TrimSpace(StripWikiLinks(body)),
		Tags:         mergeTags(mergeTags(extractTags(fm), extractInlineTags(body)), WikiLinkTargets(body)),
		Importance:   extractFloat(fm, "importance"),
		Entries:      parseEntries(body),
		Timestamp:    extractTimestamp(fm),
	}
	if c := extractString(fm, "category", ""); c != "" {
		note.Category = types.NormalizeCategory(c)
	}
	return note, nil
}

// Structured reports whether the front matter pins the note's category or
// importance, in which case the whole note is stored as one memory.
func (n *Note) Structured() bool {
	return n.Category != "" || n.Importance > 0
}

// parseEntries extracts export lines, tracking the tier section each sits in.
func parseEntries(body string) []Entry {
	var entries []Entry
	tier := types.Tier("")
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			tier = types.Tier(strings.ToLower(m[1]))
			continue
		}
		m := entryRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		imp, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			ID:         m[5],
			Content:    strings.TrimSpace(m[3]),
			Category:   types.NormalizeCategory(m[1]),
			Importance: types.Clamp01(imp),
			Tier:       tier,
		})
	}
	return entries
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the Markdown body. Returns empty map and full text when no frontmatter found.
func splitFrontmatter(text string) (map[string]any, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		// no closing delimiter, treat everything as body
		return map[string]any{}, text, nil
	}

	fm := make(map[string]any)
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

// titleFromPath derives a human-readable title from the file name (no extension).
func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return strings.TrimSpace(name)
}

// extractH1 returns the text of the first ATX heading (# ...) found in the body.
func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// extractTags reads tags from frontmatter. Handles both list and string forms.
func extractTags(fm map[string]any) []string {
	switch v := fm["tags"].(type) {
	case []any:
		var tags []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

// extractTimestamp reads a date field from frontmatter and attempts several
// common layouts.
func extractTimestamp(fm map[string]any) time.Time {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"January 2, 2006",
		"Jan 2, 2006",
	}

	for _, key := range []string{"date", "created", "created_at"} {
		raw, ok := fm[key]
		if !ok {
			continue
		}
		var s string
		switch v := raw.(type) {
		case string:
			s = v
		case time.Time:
			return v
		default:
			s = fmt.Sprintf("%v", v)
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// extractString pulls a string value from frontmatter by key with a default.
func extractString(fm map[string]any, key, defaultVal string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return defaultVal
}

// extractFloat reads a number from frontmatter; YAML may decode it as an int.
func extractFloat(fm map[string]any, key string) float64 {
	switch v := fm[key].(type) {
	case float64:
		return types.Clamp01(v)
	case int:
		return types.Clamp01(float64(v))
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return types.Clamp01(f)
		}
	}
	return 0
}

// inlineTagRe finds #hashtag patterns in body text.
var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

func extractInlineTags(body string) []string {
	var tags []string
	seen := make(map[string]bool)
	for _, m := range inlineTagRe.FindAllStringSubmatch(body, -1) {
		tag := strings.TrimSpace(m[1])
		if lower := strings.ToLower(tag); !seen[lower] {
			seen[lower] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// mergeTags combines two tag slices deduplicating by lowercase value.
func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, tag := range append(append([]string(nil), a...), b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			result = append(result, tag)
		}
	}
	return result
}
