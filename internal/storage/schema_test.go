package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSchema(t *testing.T) (*Manager, *Schema) {
	t.Helper()
	m := openMemory(t)
	s := NewSchema(m)
	require.NoError(t, s.Initialize(context.Background()))
	return m, s
}

func TestInitializeRecordsVersion(t *testing.T) {
	_, s := openSchema(t)
	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)

	// Re-running is a no-op.
	require.NoError(t, s.Initialize(context.Background()))
	v, err = s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestCreateCollectionCreatesTables(t *testing.T) {
	m, s := openSchema(t)
	ctx := context.Background()

	cfg := CollectionConfig{Provider: "local", Model: "minilm", Dimensions: 384}
	require.NoError(t, s.CreateCollection(ctx, "kb", cfg))

	for _, table := range []string{"docs_kb", "fts_kb", "vec_kb_dense"} {
		rs, err := m.Select(ctx,
			`SELECT name FROM sqlite_master WHERE name = ?`, table)
		require.NoError(t, err)
		assert.Len(t, rs.Rows, 1, table)
	}

	got, err := s.GetCollection(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 384, got.Dimensions)
	assert.Equal(t, "local", got.Provider)
}

func TestCreateCollectionSameConfigIsNoOp(t *testing.T) {
	_, s := openSchema(t)
	cfg := CollectionConfig{Provider: "local", Model: "minilm", Dimensions: 384}
	require.NoError(t, s.CreateCollection(context.Background(), "kb", cfg))
	assert.NoError(t, s.CreateCollection(context.Background(), "kb", cfg))
}

func TestCreateCollectionConfigMismatchFails(t *testing.T) {
	_, s := openSchema(t)
	require.NoError(t, s.CreateCollection(context.Background(), "kb",
		CollectionConfig{Provider: "local", Model: "minilm", Dimensions: 384}))
	err := s.CreateCollection(context.Background(), "kb",
		CollectionConfig{Provider: "local", Model: "minilm", Dimensions: 768})
	assert.Error(t, err)
}

func TestCreateCollectionRejectsZeroDimensions(t *testing.T) {
	_, s := openSchema(t)
	err := s.CreateCollection(context.Background(), "kb",
		CollectionConfig{Provider: "local", Model: "minilm"})
	assert.Error(t, err)
}

func TestGetCollectionMissing(t *testing.T) {
	_, s := openSchema(t)
	_, err := s.GetCollection(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestListCollections(t *testing.T) {
	_, s := openSchema(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, "b", CollectionConfig{Provider: "local", Dimensions: 8}))
	require.NoError(t, s.CreateCollection(ctx, "a", CollectionConfig{Provider: "local", Dimensions: 8}))

	names, err := s.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestDropCollectionRemovesEverything(t *testing.T) {
	m, s := openSchema(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCollection(ctx, "kb", CollectionConfig{Provider: "local", Dimensions: 8}))
	require.NoError(t, s.DropCollection(ctx, "kb"))

	_, err := s.GetCollection(ctx, "kb")
	assert.Error(t, err)

	rs, err := m.Select(ctx, `SELECT name FROM sqlite_master WHERE name = 'docs_kb'`)
	require.NoError(t, err)
	assert.Empty(t, rs.Rows)
}

func TestQueueUniqueActiveIndex(t *testing.T) {
	m, _ := openSchema(t)
	ctx := context.Background()

	insert := `INSERT INTO embedding_queue (collection, document_id, text_content, status, created_at)
		VALUES ('kb', 'd1', 'x', ?, 1)`
	require.NoError(t, m.Exec(ctx, insert, "pending"))

	// A second non-terminal row for the same document is rejected.
	err := m.Exec(ctx, insert, "processing")
	assert.Error(t, err)

	// Terminal rows do not collide.
	assert.NoError(t, m.Exec(ctx, insert, "completed"))
	assert.NoError(t, m.Exec(ctx, insert, "failed"))
}
