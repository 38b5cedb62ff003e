package novelty

import (
	"strings"
	"unicode"
)

const (
	minKeywordLen = 4
	queryKeywords = 8
	minShared     = 3
)

var stopwords = map[string]bool{
	"about": true, "above": true, "after": true, "again": true, "also": true, "among": true,
	"been": true, "before": true, "being": true, "between": true, "both": true, "does": true,
	"each": true, "from": true, "have": true, "having": true, "here": true, "into": true,
	"just": true, "more": true, "most": true, "much": true, "only": true, "other": true,
	"over": true, "same": true, "such": true, "than": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "these": true, "they": true, "this": true,
	"those": true, "through": true, "under": true, "very": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "while": true, "with": true, "within": true,
	"without": true, "would": true, "your": true, "will": true, "using": true, "used": true,
	"paper": true, "article": true, "present": true, "show": true, "shows": true,
}

// Keywords returns the distinct lowercase content words of text in order of
// first appearance.
func Keywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len([]rune(f)) < minKeywordLen || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Overlap is the overlap coefficient |A∩B| / min(|A|,|B|) of two keyword
// lists. Fewer than three shared words count as no overlap.
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	shared := 0
	counted := make(map[string]bool)
	for _, w := range b {
		if set[w] && !counted[w] {
			counted[w] = true
			shared++
		}
	}
	if shared < minShared {
		return 0
	}
	return float64(shared) / float64(min(len(set), distinct(b)))
}

func distinct(words []string) int {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return len(set)
}

func queryText(keywords []string) string {
	if len(keywords) > queryKeywords {
		keywords = keywords[:queryKeywords]
	}
	return strings.Join(keywords, " ")
}
