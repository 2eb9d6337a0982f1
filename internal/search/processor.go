package search

import (
	"encoding/json"
	"strings"
)

// Processor applies the post-fusion pipeline: dedup, optional rerank,
// snippets, highlights.
type Processor struct {
	reranker Reranker // nil in the core
}

// NewProcessor creates a processor; reranker may be nil.
func NewProcessor(reranker Reranker) *Processor {
	return &Processor{reranker: reranker}
}

// Process finalizes fused results for one query.
func (p *Processor) Process(query string, results []*Result, snippets SnippetConfig, highlights HighlightConfig) []*Result {
	results = Deduplicate(results)
	if p.reranker != nil {
		results = p.reranker.Rerank(query, results)
	}

	terms := queryTerms(query)
	for _, r := range results {
		r.Snippets = MakeSnippets(r.Content, terms, snippets)
		r.Highlights = MakeHighlights(r.Content, terms, highlights)
	}
	return results
}

// Deduplicate keeps the highest-scoring result per id, preserving order.
func Deduplicate(results []*Result) []*Result {
	best := make(map[string]*Result, len(results))
	for _, r := range results {
		if prev, ok := best[r.ID]; !ok || r.Score > prev.Score {
			best[r.ID] = r
		}
	}
	out := make([]*Result, 0, len(best))
	seen := make(map[string]bool, len(best))
	for _, r := range results {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, best[r.ID])
	}
	return out
}

// queryTerms extracts lowercase match terms, dropping FTS syntax.
func queryTerms(query string) []string {
	words := ftsTokenRe.FindAllString(strings.ToLower(query), -1)
	terms := make([]string, 0, len(words))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		switch w {
		case "and", "or", "not":
			continue
		}
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// MakeSnippets builds up to MaxSnippets windows of ContextWindow tokens
// around matched terms, capped at MaxLength bytes in total, with matches
// wrapped in the highlight tags. The windows are returned as separate
// strings; cfg.Separator is not applied.
func MakeSnippets(content string, terms []string, cfg SnippetConfig) []string {
	if content == "" || len(terms) == 0 {
		return nil
	}
	if cfg.ContextWindow <= 0 {
		cfg = DefaultSnippetConfig()
	}

	tokens := strings.Fields(content)
	if len(tokens) == 0 {
		return nil
	}

	matchIdx := make([]int, 0, 4)
	for i, tok := range tokens {
		if matchesTerm(tok, terms) {
			matchIdx = append(matchIdx, i)
			if len(matchIdx) >= cfg.MaxSnippets {
				break
			}
		}
	}
	if len(matchIdx) == 0 {
		return nil
	}

	var snippets []string
	total := 0
	lastEnd := -1
	for _, idx := range matchIdx {
		start := idx - cfg.ContextWindow
		if start < 0 {
			start = 0
		}
		end := idx + cfg.ContextWindow + 1
		if end > len(tokens) {
			end = len(tokens)
		}
		if start <= lastEnd {
			// A window that overlaps or touches the previous one is
			// skipped, not merged into it.
			continue
		}
		lastEnd = end

		window := make([]string, end-start)
		for i := start; i < end; i++ {
			tok := tokens[i]
			if matchesTerm(tok, terms) {
				tok = cfg.HighlightPre + tok + cfg.HighlightPost
			}
			window[i-start] = tok
		}
		snippet := strings.Join(window, " ")
		if total+len(snippet) > cfg.MaxLength && total > 0 {
			break
		}
		if len(snippet) > cfg.MaxLength {
			snippet = snippet[:cfg.MaxLength]
		}
		total += len(snippet)
		snippets = append(snippets, snippet)
	}
	return snippets
}

// MakeHighlights produces bounded fragments of the original content with
// every matched term wrapped in the highlight tags.
func MakeHighlights(content string, terms []string, cfg HighlightConfig) []string {
	if content == "" || len(terms) == 0 {
		return nil
	}
	if cfg.FragmentSize <= 0 {
		cfg = DefaultHighlightConfig()
	}

	lower := strings.ToLower(content)
	var fragments []string
	used := make([]bool, len(content))

	for _, term := range terms {
		from := 0
		for len(fragments) < cfg.MaxFragments {
			idx := strings.Index(lower[from:], term)
			if idx < 0 {
				break
			}
			idx += from
			from = idx + len(term)

			start := idx - cfg.FragmentSize/2
			if start < 0 {
				start = 0
			}
			end := start + cfg.FragmentSize
			if end > len(content) {
				end = len(content)
			}
			if used[idx] {
				continue
			}
			for i := start; i < end; i++ {
				used[i] = true
			}

			fragment := content[start:end]
			fragments = append(fragments, highlightTerms(fragment, terms, cfg.HighlightPre, cfg.HighlightPost))
		}
		if len(fragments) >= cfg.MaxFragments {
			break
		}
	}
	return fragments
}

// highlightTerms wraps case-insensitive term occurrences in tags.
func highlightTerms(fragment string, terms []string, pre, post string) string {
	lower := strings.ToLower(fragment)
	var b strings.Builder
	i := 0
	for i < len(fragment) {
		matched := false
		for _, term := range terms {
			if strings.HasPrefix(lower[i:], term) {
				b.WriteString(pre)
				b.WriteString(fragment[i : i+len(term)])
				b.WriteString(post)
				i += len(term)
				matched = true
				break
			}
		}
		if !matched {
			b.WriteByte(fragment[i])
			i++
		}
	}
	return b.String()
}

// matchesTerm reports whether a content token starts with any query term.
func matchesTerm(token string, terms []string) bool {
	t := strings.ToLower(strings.Trim(token, `.,;:!?"'()[]{}`))
	for _, term := range terms {
		if strings.HasPrefix(t, term) {
			return true
		}
	}
	return false
}

func decodeMetadata(raw string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
