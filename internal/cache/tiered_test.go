package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localretrieve/localretrieve/internal/storage"
)

func newTiered(t *testing.T) (*Tiered, *MemoryCache, *BoltCache, *SQLCache) {
	t.Helper()

	memory := NewMemoryCache(100, 0, time.Minute, StrategyLRU)

	disk, err := NewBoltCache(filepath.Join(t.TempDir(), "cache.db"), time.Minute)
	require.NoError(t, err)

	m := storage.NewManager()
	require.NoError(t, m.Open(context.Background(), storage.MemoryURI, nil))
	require.NoError(t, storage.NewSchema(m).Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	sqlTier := NewSQLCache(m, time.Minute)

	tiered := NewTiered(memory, disk, sqlTier)
	t.Cleanup(func() { _ = tiered.Close() })
	return tiered, memory, disk, sqlTier
}

func TestTieredWriteFansOutToAllTiers(t *testing.T) {
	tiered, memory, disk, sqlTier := newTiered(t)
	ctx := context.Background()

	require.NoError(t, tiered.Set(ctx, entry("k1", 0), SetOptions{}))

	for _, tier := range []Store{memory, disk, sqlTier} {
		got, err := tier.Get(ctx, "k1")
		require.NoError(t, err)
		assert.NotNil(t, got, tier.Name())
	}
}

func TestTieredSkipTiers(t *testing.T) {
	tiered, memory, disk, _ := newTiered(t)
	ctx := context.Background()

	require.NoError(t, tiered.Set(ctx, entry("k1", 0), SetOptions{SkipTiers: []string{TierDisk}}))

	got, err := memory.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = disk.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTieredColdHitPromotes(t *testing.T) {
	tiered, memory, disk, sqlTier := newTiered(t)
	ctx := context.Background()

	// Plant the entry only in the coldest tier.
	require.NoError(t, sqlTier.Set(ctx, entry("k1", 0), 0))

	res, err := tiered.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, TierDatabase, res.Tier)

	// Promotion monotonicity: the next read hits a warmer tier.
	got, err := memory.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got, "promotion must reach the memory tier")
	got, err = disk.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got, "promotion must reach the disk tier")

	res, err = tiered.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, TierMemory, res.Tier)
}

func TestTieredMissReturnsNil(t *testing.T) {
	tiered, _, _, _ := newTiered(t)
	res, err := tiered.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestTieredInvalidateAppliesEverywhere(t *testing.T) {
	tiered, memory, disk, sqlTier := newTiered(t)
	ctx := context.Background()

	require.NoError(t, tiered.Set(ctx, entry("kb:q1", 0), SetOptions{Tags: []string{"collection:kb"}}))
	require.NoError(t, tiered.Set(ctx, entry("other:q1", 0), SetOptions{}))

	n, err := tiered.Invalidate(ctx, "tag:collection:kb")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "one removal per tier")

	for _, tier := range []Store{memory, disk, sqlTier} {
		got, err := tier.Get(ctx, "kb:q1")
		require.NoError(t, err)
		assert.Nil(t, got, tier.Name())
	}
}

func TestTieredOptimizeSweepsExpired(t *testing.T) {
	tiered, _, _, _ := newTiered(t)
	ctx := context.Background()

	require.NoError(t, tiered.Set(ctx, entry("gone", 0), SetOptions{TTL: 5 * time.Millisecond}))
	time.Sleep(10 * time.Millisecond)

	removed := tiered.Optimize(ctx)
	assert.GreaterOrEqual(t, removed, 3, "each tier drops its expired copy")
}

func TestTieredStats(t *testing.T) {
	tiered, _, _, _ := newTiered(t)
	ctx := context.Background()

	require.NoError(t, tiered.Set(ctx, entry("k1", 0), SetOptions{}))
	_, err := tiered.Get(ctx, "k1")
	require.NoError(t, err)
	_, err = tiered.Get(ctx, "miss")
	require.NoError(t, err)

	stats := tiered.Stats()
	memStats := stats[TierMemory]
	assert.Equal(t, int64(1), memStats.Hits)
	assert.Equal(t, int64(1), memStats.Misses)
	assert.Equal(t, int64(1), memStats.Writes)
	assert.InDelta(t, 0.5, memStats.HitRate(), 1e-9)
}

func TestSQLTierSurvivesViaStorage(t *testing.T) {
	m := storage.NewManager()
	ctx := context.Background()
	require.NoError(t, m.Open(ctx, storage.MemoryURI, nil))
	defer m.Close()
	require.NoError(t, storage.NewSchema(m).Initialize(ctx))

	c := NewSQLCache(m, time.Minute)
	e := entry("k1", 0)
	e.Tags = []string{"collection:kb"}
	require.NoError(t, c.Set(ctx, e, 0))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.Vector, got.Vector)
	assert.Equal(t, e.Tags, got.Tags)

	n, err := c.Invalidate(ctx, "tag:collection:kb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
