package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyQueryTypes(t *testing.T) {
	a := NewAnalyzer()

	tests := []struct {
		query string
		want  QueryType
	}{
		{`"exact phrase match"`, QueryTypePhrase},
		{"cats AND dogs", QueryTypeBoolean},
		{"retri* matching", QueryTypeFuzzy},
		{"how does hybrid search work", QueryTypeSemantic},
		{"tell me about cats", QueryTypeSemantic},
		{"sqlite", QueryTypeKeyword},
		{"vector index", QueryTypeKeyword},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			analysis := a.Analyze(tt.query)
			assert.Equal(t, tt.want, analysis.Type)
			assert.Positive(t, analysis.Confidence)
		})
	}
}

func TestAnalyzeFeatures(t *testing.T) {
	a := NewAnalyzer()

	analysis := a.Analyze(`what is the "priority queue" for batch_42?`)
	f := analysis.Features
	assert.Equal(t, 7, f.WordCount)
	assert.True(t, f.HasQuestionWords)
	assert.True(t, f.HasQuotes)
	assert.True(t, f.HasNumbers)
	assert.True(t, f.HasSpecialChars)
	assert.Positive(t, f.AvgWordLength)
	assert.Positive(t, f.StopWordRatio)
}

func TestAnalyzeCachesResults(t *testing.T) {
	a := NewAnalyzer()
	first := a.Analyze("tell me about cats")
	second := a.Analyze("Tell Me About Cats") // case-insensitive cache key
	assert.Same(t, first, second)
}

func TestClassifyPrecedence(t *testing.T) {
	a := NewAnalyzer()

	// Quotes beat boolean operators beat wildcards.
	assert.Equal(t, QueryTypePhrase, a.Analyze(`"cats AND dogs"`).Type)
	assert.Equal(t, QueryTypeBoolean, a.Analyze(`cat* AND dogs`).Type)
}

func TestAnalyzeEmptyish(t *testing.T) {
	a := NewAnalyzer()
	analysis := a.Analyze("...")
	assert.Equal(t, QueryTypeUnknown, analysis.Type)
}
