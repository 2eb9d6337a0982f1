package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBolt(t *testing.T) *BoltCache {
	t.Helper()
	c, err := NewBoltCache(filepath.Join(t.TempDir(), "cache.db"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBoltRoundTrip(t *testing.T) {
	c := newBolt(t)
	ctx := context.Background()

	e := entry("k1", 0)
	e.Text = "cats"
	require.NoError(t, c.Set(ctx, e, 0))

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.Vector, got.Vector)
	assert.Equal(t, "cats", got.Text)
	assert.Positive(t, got.AccessCount)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := NewBoltCache(path, time.Minute)
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, entry("k1", 0), 0))
	require.NoError(t, c.Close())

	c2, err := NewBoltCache(path, time.Minute)
	require.NoError(t, err)
	defer c2.Close()

	got, err := c2.Get(ctx, "k1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestBoltExpiry(t *testing.T) {
	c := newBolt(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, entry("k1", 0), 5*time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBoltInvalidateWildcardAndTag(t *testing.T) {
	c := newBolt(t)
	ctx := context.Background()

	tagged := entry("kb:q1", 0)
	tagged.Tags = []string{"collection:kb"}
	require.NoError(t, c.Set(ctx, tagged, 0))
	require.NoError(t, c.Set(ctx, entry("kb:q2", 0), 0))
	require.NoError(t, c.Set(ctx, entry("other:q1", 0), 0))

	n, err := c.Invalidate(ctx, "tag:collection:kb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Invalidate(ctx, "kb:*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestBoltSweep(t *testing.T) {
	c := newBolt(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, entry("short", 0), 5*time.Millisecond))
	require.NoError(t, c.Set(ctx, entry("long", 0), time.Hour))
	time.Sleep(10 * time.Millisecond)

	removed, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
