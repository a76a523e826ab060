// Package textmatch holds the lexical scoring shared by the hot and cold
// tiers: tokenisation, stop words, keyword overlap, trigram fuzzy matching
// and FTS5 query sanitising.
package textmatch

import (
	"regexp"
	"strings"
	"unicode"
)

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// stopWords carry no discriminative value for memory lookups.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "shall": true, "can": true,
	"to": true, "of": true, "in": true, "on": true, "at": true,
	"by": true, "for": true, "with": true, "from": true, "as": true,
	"about": true, "into": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true,
	"between": true, "out": true, "off": true, "over": true, "under": true,
	"what": true, "how": true, "when": true, "where": true, "why": true,
	"who": true, "which": true,
	"this": true, "that": true, "these": true, "those": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
	"me": true, "my": true, "our": true, "us": true, "your": true,
	"and": true, "or": true, "but": true, "if": true, "not": true,
	"s": true, "t": true,
}

// IsStopWord reports whether w (lower-case) is ignored by matching.
func IsStopWord(w string) bool { return stopWords[w] }

// Tokens splits text into lower-case word tokens. Runs of Han characters
// are emitted as overlapping bigrams since they carry no spaces.
func Tokens(text string) []string {
	raw := wordPattern.FindAllString(strings.ToLower(text), -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if !hasHan(tok) {
			out = append(out, tok)
			continue
		}
		runes := []rune(tok)
		if len(runes) == 1 {
			out = append(out, tok)
			continue
		}
		for i := 0; i+2 <= len(runes); i++ {
			out = append(out, string(runes[i:i+2]))
		}
	}
	return out
}

// Terms returns the distinct, meaningful query terms in first-seen order.
func Terms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, tok := range Tokens(query) {
		if stopWords[tok] || (len([]rune(tok)) < 2 && !hasHan(tok)) || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	return terms
}

// Score is the lexical match of a query against one document.
type Score struct {
	Terms   int     // distinct query terms
	Matched int     // terms found as whole tokens
	Keyword float64 // Matched / Terms
	Fuzzy   float64 // mean best trigram similarity of unmatched terms
}

// fuzzyFloor drops trigram matches too weak to mean anything.
const fuzzyFloor = 0.5

// Match scores content against pre-computed query terms.
func Match(terms []string, content string) Score {
	s := Score{Terms: len(terms)}
	if len(terms) == 0 {
		return s
	}

	tokens := Tokens(content)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}

	var fuzzySum float64
	unmatched := 0
	for _, term := range terms {
		if set[term] {
			s.Matched++
			continue
		}
		unmatched++
		best := 0.0
		for tok := range set {
			if sim := TrigramSimilarity(term, tok); sim > best {
				best = sim
			}
		}
		if best >= fuzzyFloor {
			fuzzySum += best
		}
	}

	s.Keyword = float64(s.Matched) / float64(s.Terms)
	if unmatched > 0 {
		s.Fuzzy = fuzzySum / float64(s.Terms)
	}
	return s
}

// TrigramSimilarity is the Jaccard similarity of the padded character
// trigram sets of a and b.
func TrigramSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for g := range ta {
		if tb[g] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func trigrams(s string) map[string]bool {
	runes := []rune("  " + s + " ")
	out := make(map[string]bool, len(runes))
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = true
	}
	return out
}

// FTSQuery turns free text into a safe FTS5 MATCH expression: special
// characters stripped, stop words dropped, prefix terms joined with OR.
// It returns "" when nothing searchable remains.
func FTSQuery(query string) string {
	terms := Terms(query)
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = `"` + t + `"*`
	}
	return strings.Join(parts, " OR ")
}

func hasHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
