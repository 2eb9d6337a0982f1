package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localretrieve/localretrieve/internal/errors"
)

func openMemory(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	require.NoError(t, m.Open(context.Background(), MemoryURI, nil))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestOpenIsIdempotent(t *testing.T) {
	m := openMemory(t)
	assert.NoError(t, m.Open(context.Background(), MemoryURI, nil))
}

func TestOpenDifferentURIWhileOpenFails(t *testing.T) {
	m := openMemory(t)
	err := m.Open(context.Background(), filepath.Join(t.TempDir(), "other.db"), nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeDatabase, errors.CodeOf(err))
}

func TestOperationsAfterCloseFailNotOpen(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Open(context.Background(), MemoryURI, nil))
	require.NoError(t, m.Close())

	err := m.Exec(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotOpen, errors.CodeOf(err))

	_, err = m.Select(context.Background(), "SELECT 1")
	assert.Equal(t, errors.CodeNotOpen, errors.CodeOf(err))

	// Close is idempotent.
	assert.NoError(t, m.Close())
}

func TestOpenAppliesPragmas(t *testing.T) {
	m := NewManager()
	err := m.Open(context.Background(), MemoryURI, &Pragmas{
		Synchronous: "NORMAL",
		CacheSize:   -4000,
		TempStore:   "MEMORY",
	})
	require.NoError(t, err)
	defer m.Close()

	rs, err := m.Select(context.Background(), "PRAGMA cache_size")
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, int64(-4000), rs.Rows[0]["cache_size"])
}

func TestSelectReturnsTypedRows(t *testing.T) {
	m := openMemory(t)
	ctx := context.Background()

	require.NoError(t, m.Exec(ctx, `CREATE TABLE t (i INTEGER, f REAL, s TEXT, b BLOB, n TEXT)`))
	require.NoError(t, m.Exec(ctx,
		`INSERT INTO t VALUES (?, ?, ?, ?, NULL)`, 42, 2.5, "hi", []byte{1, 2}))

	rs, err := m.Select(ctx, `SELECT i, f, s, b, n FROM t`)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	row := rs.Rows[0]
	assert.Equal(t, int64(42), row["i"])
	assert.Equal(t, 2.5, row["f"])
	assert.Equal(t, "hi", row["s"])
	assert.Equal(t, []byte{1, 2}, row["b"])
	assert.Nil(t, row["n"])
	assert.Equal(t, []string{"i", "f", "s", "b", "n"}, rs.Columns)
}

func TestBulkInsertIsTransactional(t *testing.T) {
	m := openMemory(t)
	ctx := context.Background()
	require.NoError(t, m.Exec(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`))

	rows := make([]Row, 0, 5)
	for i := 1; i <= 4; i++ {
		rows = append(rows, Row{"id": i, "v": "x"})
	}
	// Duplicate primary key in the final batch poisons the whole insert.
	rows = append(rows, Row{"id": 1, "v": "dup"})

	err := m.BulkInsert(ctx, "t", rows, 2)
	require.Error(t, err)

	rs, err := m.Select(ctx, `SELECT COUNT(*) AS n FROM t`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rs.Rows[0]["n"], "partial batches must roll back")
}

func TestBulkInsertInsertsAllRows(t *testing.T) {
	m := openMemory(t)
	ctx := context.Background()
	require.NoError(t, m.Exec(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`))

	rows := make([]Row, 0, 25)
	for i := 1; i <= 25; i++ {
		rows = append(rows, Row{"id": i, "v": "x"})
	}
	require.NoError(t, m.BulkInsert(ctx, "t", rows, 10))

	rs, err := m.Select(ctx, `SELECT COUNT(*) AS n FROM t`)
	require.NoError(t, err)
	assert.Equal(t, int64(25), rs.Rows[0]["n"])
}

func TestBulkInsertRejectsBadIdentifiers(t *testing.T) {
	m := openMemory(t)
	err := m.BulkInsert(context.Background(), "t; DROP TABLE x", []Row{{"a": 1}}, 0)
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	m := NewManager()
	require.NoError(t, m.Open(ctx, filepath.Join(dir, "rt.db"), nil))
	defer m.Close()

	require.NoError(t, m.Exec(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)`))
	require.NoError(t, m.Exec(ctx, `INSERT INTO t VALUES (1, 'one'), (2, 'two')`))

	data, err := m.ExportBytes(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	require.NoError(t, m.Clear(ctx))
	rs, err := m.Select(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='t'`)
	require.NoError(t, err)
	require.Empty(t, rs.Rows)

	require.NoError(t, m.ImportBytes(ctx, data, true))

	rs, err = m.Select(ctx, `SELECT id, v FROM t ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 2)
	assert.Equal(t, "one", rs.Rows[0]["v"])
	assert.Equal(t, "two", rs.Rows[1]["v"])
}

func TestImportWithoutOverwriteRefusesNonEmpty(t *testing.T) {
	ctx := context.Background()
	m := NewManager()
	require.NoError(t, m.Open(ctx, filepath.Join(t.TempDir(), "x.db"), nil))
	defer m.Close()

	require.NoError(t, m.Exec(ctx, `CREATE TABLE t (id INTEGER)`))
	data, err := m.ExportBytes(ctx)
	require.NoError(t, err)

	err = m.ImportBytes(ctx, data, false)
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.CodeOf(err))
}

func TestFileLockPreventsSecondOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.db")
	ctx := context.Background()

	first := NewManager()
	require.NoError(t, first.Open(ctx, path, nil))
	defer first.Close()

	second := NewManager()
	err := second.Open(ctx, path, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeFile, errors.CodeOf(err))
}
