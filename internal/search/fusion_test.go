package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hits(source string, ids ...string) []*Hit {
	out := make([]*Hit, len(ids))
	for i, id := range ids {
		out[i] = &Hit{
			ID:       id,
			RawScore: float64(len(ids) - i),
			Source:   source,
			Rank:     i + 1,
		}
	}
	return out
}

func defaultFusion() FusionConfig {
	return FusionConfig{Method: FusionRRF, K: DefaultRRFConstant, Weights: DefaultWeights()}
}

func TestRRFBothListsBeatSingleList(t *testing.T) {
	fts := hits(SourceFTS, "a", "b", "c")
	vec := hits(SourceVector, "b", "d")

	results := Fuse(fts, vec, defaultFusion())
	require.NotEmpty(t, results)

	assert.Equal(t, "b", results[0].ID, "a document in both lists should win")
	assert.True(t, results[0].InBoth)
	assert.Equal(t, 2, results[0].FTSRank)
	assert.Equal(t, 1, results[0].VecRank)
}

func TestRRFMissingRankContributesNothing(t *testing.T) {
	cfg := defaultFusion()
	results := Fuse(hits(SourceFTS, "a"), nil, cfg)
	require.Len(t, results, 1)

	expected := cfg.Weights.FTS / float64(cfg.K+1)
	assert.InDelta(t, expected, results[0].Score, 1e-12,
		"absent vector rank adds no contribution")
	assert.Zero(t, results[0].VecRank)
}

func TestRRFPermutationInvariance(t *testing.T) {
	fts := hits(SourceFTS, "a", "b", "c", "d", "e")
	vec := hits(SourceVector, "c", "a", "f", "b")
	cfg := defaultFusion()

	baseline := Fuse(fts, vec, cfg)

	// Map iteration order inside Fuse must never change the outcome.
	for i := 0; i < 10; i++ {
		got := Fuse(append([]*Hit(nil), fts...), append([]*Hit(nil), vec...), cfg)
		require.Len(t, got, len(baseline))
		for j := range got {
			assert.Equal(t, baseline[j].ID, got[j].ID)
			assert.InDelta(t, baseline[j].Score, got[j].Score, 1e-12)
		}
	}
}

func TestRRFDeterministicTieBreak(t *testing.T) {
	// Identical ranks in opposite lists with equal weights tie on score;
	// the FTS-score tie-break puts the lexical hit first, then id decides.
	cfg := defaultFusion()
	cfg.Weights = Weights{FTS: 0.5, Vector: 0.5}

	results := Fuse(hits(SourceFTS, "zeta"), hits(SourceVector, "alpha"), cfg)
	require.Len(t, results, 2)
	assert.Equal(t, "zeta", results[0].ID, "FTS score breaks the tie")

	// With no FTS side at all, list position decides: rank 1 scores above
	// rank 2 even though its id sorts later.
	tie := Fuse(nil, []*Hit{
		{ID: "b", RawScore: 0.5, Rank: 1},
		{ID: "a", RawScore: 0.5, Rank: 2},
	}, cfg)
	require.Len(t, tie, 2)
	assert.Equal(t, "b", tie[0].ID, "rank 1 scores above rank 2")
}

func TestWeightedFusionWithMinMax(t *testing.T) {
	fts := []*Hit{
		{ID: "a", RawScore: 10, Source: SourceFTS},
		{ID: "b", RawScore: 5, Source: SourceFTS},
	}
	vec := []*Hit{
		{ID: "b", RawScore: 0.9, Source: SourceVector},
		{ID: "a", RawScore: 0.1, Source: SourceVector},
	}
	cfg := FusionConfig{
		Method:        FusionWeighted,
		Weights:       Weights{FTS: 0.5, Vector: 0.5},
		Normalization: NormalizationMinMax,
	}

	results := Fuse(fts, vec, cfg)
	require.Len(t, results, 2)

	// a: fts 1.0, vec 0.0 -> 0.5; b: fts 0.0, vec 1.0 -> 0.5; tie broken
	// by InBoth (both) then FTS score: a wins.
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, results[0].Score, results[1].Score, 1e-12)
}

func TestNormalizationFunctions(t *testing.T) {
	scores := []float64{1, 2, 3, 4}

	mm := normalizeScores(scores, NormalizationMinMax)
	assert.Equal(t, 0.0, mm[0])
	assert.Equal(t, 1.0, mm[3])

	z := normalizeScores(scores, NormalizationZScore)
	var sum float64
	for _, v := range z {
		sum += v
	}
	assert.InDelta(t, 0, sum, 1e-9, "z-scores are centered on zero")

	s := normalizeScores(scores, NormalizationSigmoid)
	for _, v := range s {
		assert.Greater(t, v, 0.0)
		assert.Less(t, v, 1.0)
	}
	assert.True(t, sortedAscending(s), "sigmoid preserves order")

	constant := normalizeScores([]float64{7, 7, 7}, NormalizationMinMax)
	for _, v := range constant {
		assert.Equal(t, 1.0, v)
	}
}

func sortedAscending(v []float64) bool {
	for i := 1; i < len(v); i++ {
		if v[i] < v[i-1] {
			return false
		}
	}
	return true
}

func TestFuseEmptyInputs(t *testing.T) {
	results := Fuse(nil, nil, defaultFusion())
	assert.Empty(t, results)
}

func TestRRFScoresAreFinite(t *testing.T) {
	results := Fuse(hits(SourceFTS, "a", "b"), hits(SourceVector, "a"), defaultFusion())
	for _, r := range results {
		assert.False(t, math.IsNaN(r.Score))
		assert.False(t, math.IsInf(r.Score, 0))
	}
}
