package capture

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// unit is one segmented statement with its byte range in the source text.
type unit struct {
	text       string
	start, end int
}

// segment splits text on sentence and turn boundaries. ASCII terminators
// only split when followed by whitespace or the end of text, so "v1.2" and
// "e.g. this" survive; CJK terminators and newlines always split.
func segment(text string) []unit {
	var units []unit
	start := 0
	emit := func(end int) {
		if u, ok := makeUnit(text, start, end); ok {
			units = append(units, u)
		}
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		next := i + size
		switch r {
		case '\n', '\r', '。', '！', '？', '；':
			emit(next)
			start = next
		case '.', '!', '?', ';':
			if next >= len(text) {
				break
			}
			if nr, _ := utf8.DecodeRuneInString(text[next:]); unicode.IsSpace(nr) {
				emit(next)
				start = next
			}
		}
		i = next
	}
	emit(len(text))
	return units
}

// makeUnit trims text[start:end], strips a speaker prefix and trailing
// separators, then applies the length limits.
func makeUnit(text string, start, end int) (unit, bool) {
	s := text[start:end]

	trimmed := strings.TrimLeftFunc(s, unicode.IsSpace)
	start += len(s) - len(trimmed)
	s = trimmed

	if loc := speakerPrefix.FindStringIndex(s); loc != nil {
		start += loc[1]
		s = s[loc[1]:]
	}

	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ';' || r == '；'
	})
	end = start + len(s)

	n := utf8.RuneCountInString(s)
	if n < minUnitRunes || n > maxUnitRunes {
		return unit{}, false
	}
	return unit{text: s, start: start, end: end}, true
}
