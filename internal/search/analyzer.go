package search

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// analyzerCacheSize bounds the classification cache. Queries repeat
// heavily in interactive use; re-analysis is pure waste.
const analyzerCacheSize = 4096

var questionWords = map[string]bool{
	"what": true, "when": true, "where": true, "who": true, "whom": true,
	"which": true, "why": true, "how": true, "is": true, "are": true,
	"can": true, "does": true, "do": true, "tell": true, "explain": true,
	"describe": true, "find": true, "show": true,
}

var analyzerStopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true, "the": true,
	"to": true, "was": true, "with": true, "me": true, "about": true,
}

var (
	booleanOpRe   = regexp.MustCompile(`\b(AND|OR|NOT)\b`)
	numberRe      = regexp.MustCompile(`\d`)
	specialCharRe = regexp.MustCompile(`[^\w\s"*?]`)
	wordRe        = regexp.MustCompile(`[\w']+`)
)

// Analyzer classifies raw queries. Results are cached; analysis is
// deterministic, so the cache never goes stale.
type Analyzer struct {
	cache *lru.Cache[string, *Analysis]
}

// NewAnalyzer creates an analyzer with its classification cache.
func NewAnalyzer() *Analyzer {
	cache, _ := lru.New[string, *Analysis](analyzerCacheSize)
	return &Analyzer{cache: cache}
}

// Analyze extracts features from query and classifies it.
func (a *Analyzer) Analyze(query string) *Analysis {
	key := strings.ToLower(strings.TrimSpace(query))
	// Boolean operators match case-sensitively, so "a AND b" and "a and b"
	// must not share an entry. A trimmed query never starts with "\n".
	if booleanOpRe.MatchString(query) {
		key = "\n" + key
	}
	if cached, ok := a.cache.Get(key); ok {
		return cached
	}

	features := extractFeatures(query)
	qt, confidence := classify(features)
	analysis := &Analysis{
		Query:      query,
		Features:   features,
		Type:       qt,
		Confidence: confidence,
	}
	a.cache.Add(key, analysis)
	return analysis
}

func extractFeatures(query string) Features {
	words := wordRe.FindAllString(query, -1)

	f := Features{
		WordCount:           len(words),
		HasBooleanOperators: booleanOpRe.MatchString(query),
		HasWildcards:        strings.ContainsAny(query, "*?"),
		HasQuotes:           strings.Count(query, `"`) >= 2,
		HasNumbers:          numberRe.MatchString(query),
		HasSpecialChars:     specialCharRe.MatchString(query),
	}

	if len(words) == 0 {
		return f
	}

	totalLen := 0
	stopCount := 0
	for i, w := range words {
		totalLen += len(w)
		lower := strings.ToLower(w)
		if analyzerStopWords[lower] {
			stopCount++
		}
		if i == 0 && questionWords[lower] {
			f.HasQuestionWords = true
		}
	}
	if !f.HasQuestionWords {
		for _, w := range words {
			if questionWords[strings.ToLower(w)] {
				f.HasQuestionWords = true
				break
			}
		}
	}
	f.AvgWordLength = float64(totalLen) / float64(len(words))
	f.StopWordRatio = float64(stopCount) / float64(len(words))
	return f
}

// classify maps features to a query type with a confidence score.
// Precedence mirrors how unambiguous each signal is: quotes and boolean
// operators are explicit syntax, wildcards nearly so; natural-language
// signals are softer.
func classify(f Features) (QueryType, float64) {
	switch {
	case f.WordCount == 0:
		return QueryTypeUnknown, 0
	case f.HasQuotes:
		return QueryTypePhrase, 0.95
	case f.HasBooleanOperators:
		return QueryTypeBoolean, 0.9
	case f.HasWildcards:
		return QueryTypeFuzzy, 0.85
	case f.HasQuestionWords && f.WordCount >= 3:
		return QueryTypeSemantic, 0.85
	case f.WordCount >= 5 && f.StopWordRatio >= 0.3:
		return QueryTypeSemantic, 0.7
	case f.WordCount <= 2:
		return QueryTypeKeyword, 0.75
	case f.StopWordRatio < 0.15 && f.AvgWordLength > 6:
		// Dense technical terms: identifiers, error codes.
		return QueryTypeKeyword, 0.6
	default:
		return QueryTypeUnknown, 0.4
	}
}
