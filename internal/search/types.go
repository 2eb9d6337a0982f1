// Package search implements the hybrid search pipeline: query analysis,
// strategy selection, parallel FTS and vector execution, rank fusion, and
// result post-processing.
package search

import (
	"time"
)

// Mode selects which indexes a plan touches.
type Mode string

const (
	ModeFTSOnly    Mode = "fts_only"
	ModeVectorOnly Mode = "vector_only"
	ModeHybrid     Mode = "hybrid"
)

// Strategy is the primary execution strategy for a query.
type Strategy string

const (
	StrategyKeyword  Strategy = "keyword"
	StrategyPhrase   Strategy = "phrase"
	StrategyBoolean  Strategy = "boolean"
	StrategyFuzzy    Strategy = "fuzzy"
	StrategySemantic Strategy = "semantic"
	StrategyHybrid   Strategy = "hybrid"
)

// QueryType is the analyzer's classification of a raw query.
type QueryType string

const (
	QueryTypeKeyword  QueryType = "keyword"
	QueryTypePhrase   QueryType = "phrase"
	QueryTypeBoolean  QueryType = "boolean"
	QueryTypeFuzzy    QueryType = "fuzzy"
	QueryTypeSemantic QueryType = "semantic"
	QueryTypeUnknown  QueryType = "unknown"
)

// FusionMethod selects how FTS and vector rankings merge.
type FusionMethod string

const (
	// FusionRRF is reciprocal rank fusion, the default.
	FusionRRF FusionMethod = "rrf"
	// FusionWeighted is a weighted linear combination of normalized
	// raw scores.
	FusionWeighted FusionMethod = "weighted"
)

// Normalization maps raw scores into a comparable range before weighted
// fusion.
type Normalization string

const (
	NormalizationNone    Normalization = "none"
	NormalizationMinMax  Normalization = "minmax"
	NormalizationZScore  Normalization = "zscore"
	NormalizationSigmoid Normalization = "sigmoid"
)

// DefaultRRFConstant is the standard RRF smoothing parameter; k=60 is
// empirically validated across domains.
const DefaultRRFConstant = 60

// Result limits.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Weights set the relative contribution of each signal during fusion.
type Weights struct {
	FTS         float64 `json:"fts"`
	Vector      float64 `json:"vector"`
	ExactMatch  float64 `json:"exact_match,omitempty"`
	PhraseMatch float64 `json:"phrase_match,omitempty"`
	Proximity   float64 `json:"proximity,omitempty"`
	Freshness   float64 `json:"freshness,omitempty"`
	Popularity  float64 `json:"popularity,omitempty"`
}

// DefaultWeights favor the vector signal for mixed queries.
func DefaultWeights() Weights {
	return Weights{FTS: 0.35, Vector: 0.65}
}

// WeightsForQueryType returns predefined weights per classification.
func WeightsForQueryType(qt QueryType) Weights {
	switch qt {
	case QueryTypeKeyword, QueryTypeBoolean, QueryTypePhrase, QueryTypeFuzzy:
		return Weights{FTS: 0.85, Vector: 0.15}
	case QueryTypeSemantic:
		return Weights{FTS: 0.20, Vector: 0.80}
	default:
		return DefaultWeights()
	}
}

// Features are the analyzer's raw signals.
type Features struct {
	WordCount           int     `json:"word_count"`
	HasQuestionWords    bool    `json:"has_question_words"`
	HasBooleanOperators bool    `json:"has_boolean_operators"`
	HasWildcards        bool    `json:"has_wildcards"`
	HasQuotes           bool    `json:"has_quotes"`
	HasNumbers          bool    `json:"has_numbers"`
	HasSpecialChars     bool    `json:"has_special_chars"`
	AvgWordLength       float64 `json:"avg_word_length"`
	StopWordRatio       float64 `json:"stop_word_ratio"`
}

// Analysis is the classified query.
type Analysis struct {
	Query      string    `json:"query"`
	Features   Features  `json:"features"`
	Type       QueryType `json:"type"`
	Confidence float64   `json:"confidence"`
}

// CollectionContext is what the strategy selector knows about the target
// collection.
type CollectionContext struct {
	DocumentCount int64 `json:"document_count"`
	HasFTS        bool  `json:"has_fts"`
	HasVector     bool  `json:"has_vector"`
	HasEmbeddings bool  `json:"has_embeddings"`
}

// FusionConfig selects the merge step.
type FusionConfig struct {
	Method        FusionMethod  `json:"method"`
	K             int           `json:"k"`
	Weights       Weights       `json:"weights"`
	Normalization Normalization `json:"normalization"`
}

// Plan is the selected execution strategy for one query.
type Plan struct {
	Strategy Strategy     `json:"strategy"`
	Mode     Mode         `json:"mode"`
	Fusion   FusionConfig `json:"fusion"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

// Hit is one row produced by a single execution mode, pre-fusion.
type Hit struct {
	RowID    int64          `json:"-"`
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	RawScore float64        `json:"raw_score"`
	Source   string         `json:"source"` // "fts" | "vector"
	Rank     int            `json:"rank"`   // 1-indexed within its source
}

// Result is one fused, post-processed search result.
type Result struct {
	ID         string         `json:"id"`
	Title      string         `json:"title,omitempty"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Score      float64        `json:"score"`
	FTSScore   float64        `json:"fts_score,omitempty"`
	VecScore   float64        `json:"vec_score,omitempty"`
	FTSRank    int            `json:"fts_rank,omitempty"`
	VecRank    int            `json:"vec_rank,omitempty"`
	InBoth     bool           `json:"in_both,omitempty"`
	Snippets   []string       `json:"snippets,omitempty"`
	Highlights []string       `json:"highlights,omitempty"`
}

// Debug carries optional diagnostics back to the caller.
type Debug struct {
	Analysis        *Analysis                `json:"analysis,omitempty"`
	Plan            *Plan                    `json:"plan,omitempty"`
	Timings         map[string]time.Duration `json:"timings,omitempty"`
	Warnings        []string                 `json:"warnings,omitempty"`
	Recommendations []string                 `json:"recommendations,omitempty"`
}

// Response is the full search outcome.
type Response struct {
	Results []*Result `json:"results"`
	Total   int       `json:"total"`
	Debug   *Debug    `json:"debug,omitempty"`
}

// Options tune one search call.
type Options struct {
	Limit         int              `json:"limit,omitempty"`
	Offset        int              `json:"offset,omitempty"`
	Mode          Mode             `json:"mode,omitempty"`     // force a mode
	Strategy      Strategy         `json:"strategy,omitempty"` // force a strategy
	Weights       *Weights         `json:"weights,omitempty"`
	FusionMethod  FusionMethod     `json:"fusion_method,omitempty"`
	Normalization Normalization    `json:"normalization,omitempty"`
	RRFConstant   int              `json:"rrf_constant,omitempty"`
	Snippets      *SnippetConfig   `json:"snippets,omitempty"`
	Highlights    *HighlightConfig `json:"highlights,omitempty"`
	Debug         bool             `json:"debug,omitempty"`
}

// SnippetConfig bounds snippet generation.
type SnippetConfig struct {
	ContextWindow int    `json:"context_window,omitempty"` // tokens around a match
	MaxSnippets   int    `json:"max_snippets,omitempty"`
	MaxLength     int    `json:"max_length,omitempty"` // total bytes
	Separator     string `json:"separator,omitempty"`
	HighlightPre  string `json:"highlight_pre,omitempty"`
	HighlightPost string `json:"highlight_post,omitempty"`
}

// DefaultSnippetConfig returns the standard snippet bounds.
func DefaultSnippetConfig() SnippetConfig {
	return SnippetConfig{
		ContextWindow: 8,
		MaxSnippets:   3,
		MaxLength:     300,
		Separator:     " … ",
		HighlightPre:  "<mark>",
		HighlightPost: "</mark>",
	}
}

// HighlightConfig bounds fragment highlighting.
type HighlightConfig struct {
	FragmentSize  int    `json:"fragment_size,omitempty"`
	MaxFragments  int    `json:"max_fragments,omitempty"`
	HighlightPre  string `json:"highlight_pre,omitempty"`
	HighlightPost string `json:"highlight_post,omitempty"`
}

// DefaultHighlightConfig returns the standard highlight bounds.
func DefaultHighlightConfig() HighlightConfig {
	return HighlightConfig{
		FragmentSize:  120,
		MaxFragments:  3,
		HighlightPre:  "<mark>",
		HighlightPost: "</mark>",
	}
}

// Reranker is the optional post-fusion hook. The core ships none.
type Reranker interface {
	Rerank(query string, results []*Result) []*Result
}
