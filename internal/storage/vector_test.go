package storage

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localretrieve/localretrieve/internal/errors"
)

func TestEncodeDecodeVector(t *testing.T) {
	in := []float32{0.5, -1.25, 0, 3.75}
	out := DecodeVector(EncodeVector(in))
	assert.Equal(t, in, out)
}

func TestValidateVector(t *testing.T) {
	assert.NoError(t, ValidateVector([]float32{1, 2, 3}, 3))

	err := ValidateVector([]float32{1, 2}, 3)
	require.Error(t, err)
	assert.Equal(t, errors.CodeDimensionMismatch, errors.CodeOf(err))

	err = ValidateVector([]float32{1, float32(math.NaN()), 3}, 3)
	require.Error(t, err)
	assert.Equal(t, errors.CodeVector, errors.CodeOf(err))

	err = ValidateVector([]float32{1, float32(math.Inf(1)), 3}, 3)
	assert.Error(t, err)
}

func TestUpsertRejectsWrongDimensions(t *testing.T) {
	_, docs, vectors := setupDocs(t) // collection kb has 4 dims
	ctx := context.Background()

	rowID, err := docs.Upsert(ctx, "kb", &Document{ID: "d1", Content: "x"})
	require.NoError(t, err)

	err = vectors.Upsert(ctx, "kb", rowID, []float32{1, 0}, 4)
	require.Error(t, err)
	assert.Equal(t, errors.CodeDimensionMismatch, errors.CodeOf(err))

	// The collection stays empty after the rejection.
	n, err := vectors.Count(ctx, "kb")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSearchOrdersByCosineDistance(t *testing.T) {
	_, docs, vectors := setupDocs(t)
	ctx := context.Background()

	ids := map[string][]float32{
		"exact":      {1, 0, 0, 0},
		"close":      {0.9, 0.1, 0, 0},
		"orthogonal": {0, 0, 1, 0},
	}
	rowIDs := make(map[string]int64, len(ids))
	for id, vec := range ids {
		rowID, err := docs.Upsert(ctx, "kb", &Document{ID: id, Content: id})
		require.NoError(t, err)
		require.NoError(t, vectors.Upsert(ctx, "kb", rowID, vec, 4))
		rowIDs[id] = rowID
	}

	matches, err := vectors.Search(ctx, "kb", []float32{1, 0, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, rowIDs["exact"], matches[0].DocRowID)
	assert.Equal(t, rowIDs["close"], matches[1].DocRowID)
	assert.Equal(t, rowIDs["orthogonal"], matches[2].DocRowID)

	// Distances ascend, scores descend, both bounded.
	assert.InDelta(t, 0, float64(matches[0].Distance), 1e-5)
	assert.InDelta(t, 1, matches[0].Score, 1e-5)
	for i := 1; i < len(matches); i++ {
		assert.GreaterOrEqual(t, matches[i].Distance, matches[i-1].Distance)
		assert.LessOrEqual(t, matches[i].Score, matches[i-1].Score)
		assert.GreaterOrEqual(t, matches[i].Score, 0.0)
		assert.LessOrEqual(t, matches[i].Score, 1.0)
	}
}

func TestSearchEmptyCollection(t *testing.T) {
	_, _, vectors := setupDocs(t)
	matches, err := vectors.Search(context.Background(), "kb", []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestUpsertReplacesVector(t *testing.T) {
	_, docs, vectors := setupDocs(t)
	ctx := context.Background()

	rowID, err := docs.Upsert(ctx, "kb", &Document{ID: "d1", Content: "x"})
	require.NoError(t, err)
	require.NoError(t, vectors.Upsert(ctx, "kb", rowID, []float32{1, 0, 0, 0}, 4))
	require.NoError(t, vectors.Upsert(ctx, "kb", rowID, []float32{0, 1, 0, 0}, 4))

	n, err := vectors.Count(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	vec, err := vectors.Get(ctx, "kb", rowID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, vec)
}

func TestDistanceToScoreClamps(t *testing.T) {
	assert.Equal(t, 1.0, distanceToScore(0))
	assert.Equal(t, 0.0, distanceToScore(1))
	assert.Equal(t, 0.0, distanceToScore(1.8), "distances above 1 floor at score 0")
	assert.InDelta(t, 0.5, distanceToScore(0.5), 1e-9)
}
