package tracking

import (
	"strings"
	"unicode"
)

// normalizeToken lowercases a token and strips surrounding punctuation.
func normalizeToken(tok string) string {
	return strings.TrimFunc(strings.ToLower(tok), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ExtractKeywords tokenizes text into lowercase keywords, dropping stopwords
// and tokens shorter than three runes. Order of first occurrence is kept.
func (r *Rules) ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsNumber(c) && c != '\''
	})

	seen := make(map[string]struct{}, len(fields))
	var keywords []string
	for _, f := range fields {
		tok := normalizeToken(f)
		if len([]rune(tok)) < 3 {
			continue
		}
		if _, stop := r.stopwords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		keywords = append(keywords, tok)
	}
	return keywords
}

// keywordSet builds a membership set from a keyword slice.
func keywordSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		set[kw] = struct{}{}
	}
	return set
}

// overlapCount counts keywords present in both slices.
func overlapCount(a, b []string) int {
	set := keywordSet(b)
	n := 0
	for _, kw := range a {
		if _, ok := set[kw]; ok {
			n++
		}
	}
	return n
}

// overlapRatio is overlap normalized by the larger of the two sets. Zero when
// either side is empty.
func overlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	larger := len(a)
	if len(b) > larger {
		larger = len(b)
	}
	return float64(overlapCount(a, b)) / float64(larger)
}

// containsWord reports whether text contains the given keyword as a whole
// token (case-insensitive).
func containsWord(text, word string) bool {
	lower := strings.ToLower(text)
	word = strings.ToLower(word)
	idx := 0
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		startOK := start == 0 || !isWordRune(rune(lower[start-1]))
		endOK := end == len(lower) || !isWordRune(rune(lower[end]))
		if startOK && endOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}
