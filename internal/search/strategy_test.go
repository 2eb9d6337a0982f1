package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func analysisOf(qt QueryType, words int) *Analysis {
	return &Analysis{
		Type:       qt,
		Confidence: 0.8,
		Features:   Features{WordCount: words},
	}
}

func vectorReady() CollectionContext {
	return CollectionContext{DocumentCount: 100, HasFTS: true, HasVector: true, HasEmbeddings: true}
}

func TestSemanticDemotesWithoutVectors(t *testing.T) {
	cctx := vectorReady()
	cctx.HasEmbeddings = false

	plan := SelectPlan(analysisOf(QueryTypeSemantic, 5), cctx, Options{})
	assert.Equal(t, StrategyKeyword, plan.Strategy)
	assert.Equal(t, ModeFTSOnly, plan.Mode)
	assert.Equal(t, 1.0, plan.Fusion.Weights.FTS)
	assert.Zero(t, plan.Fusion.Weights.Vector)
}

func TestShortSemanticKeepsHybridWithReducedVectorWeight(t *testing.T) {
	plan := SelectPlan(analysisOf(QueryTypeSemantic, 2), vectorReady(), Options{})
	assert.Equal(t, StrategyHybrid, plan.Strategy)
	assert.Equal(t, ModeHybrid, plan.Mode)
	assert.Less(t, plan.Fusion.Weights.Vector, plan.Fusion.Weights.FTS)
}

func TestSemanticGetsVectorHeavyWeights(t *testing.T) {
	plan := SelectPlan(analysisOf(QueryTypeSemantic, 5), vectorReady(), Options{})
	assert.Equal(t, StrategySemantic, plan.Strategy)
	assert.Greater(t, plan.Fusion.Weights.Vector, plan.Fusion.Weights.FTS)
}

func TestDefaultFusionIsRRFWithK60(t *testing.T) {
	plan := SelectPlan(analysisOf(QueryTypeKeyword, 2), vectorReady(), Options{})
	assert.Equal(t, FusionRRF, plan.Fusion.Method)
	assert.Equal(t, DefaultRRFConstant, plan.Fusion.K)
	assert.Equal(t, NormalizationNone, plan.Fusion.Normalization)
}

func TestWeightedFusionDefaultsToMinMax(t *testing.T) {
	plan := SelectPlan(analysisOf(QueryTypeKeyword, 2), vectorReady(),
		Options{FusionMethod: FusionWeighted})
	assert.Equal(t, NormalizationMinMax, plan.Fusion.Normalization)
}

func TestCallerOverridesWin(t *testing.T) {
	opts := Options{
		Mode:        ModeVectorOnly,
		Weights:     &Weights{FTS: 0.1, Vector: 0.9},
		RRFConstant: 30,
	}
	plan := SelectPlan(analysisOf(QueryTypeKeyword, 2), vectorReady(), opts)
	assert.Equal(t, ModeVectorOnly, plan.Mode)
	assert.Equal(t, 0.9, plan.Fusion.Weights.Vector)
	assert.Equal(t, 30, plan.Fusion.K)
}

func TestForcedVectorModeDegradesWithoutVectors(t *testing.T) {
	cctx := vectorReady()
	cctx.HasEmbeddings = false
	plan := SelectPlan(analysisOf(QueryTypeKeyword, 2), cctx, Options{Mode: ModeVectorOnly})
	assert.Equal(t, ModeFTSOnly, plan.Mode)
}

func TestLimitsAreClamped(t *testing.T) {
	plan := SelectPlan(analysisOf(QueryTypeKeyword, 2), vectorReady(), Options{Limit: 5000, Offset: -3})
	assert.Equal(t, MaxLimit, plan.Limit)
	assert.Zero(t, plan.Offset)

	plan = SelectPlan(analysisOf(QueryTypeKeyword, 2), vectorReady(), Options{})
	assert.Equal(t, DefaultLimit, plan.Limit)
}
