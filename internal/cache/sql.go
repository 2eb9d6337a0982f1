package cache

import (
	"context"
	"strings"
	"time"

	"github.com/localretrieve/localretrieve/internal/storage"
)

// DefaultSQLTTL is the database tier's entry lifetime.
const DefaultSQLTTL = 7 * 24 * time.Hour

// SQLCache is the cold tier: the embedding_cache table inside the owned
// database, surviving export/import with the rest of the data.
type SQLCache struct {
	m          *storage.Manager
	defaultTTL time.Duration
}

// NewSQLCache wraps the storage manager. The embedding_cache table is
// created by the schema manager.
func NewSQLCache(m *storage.Manager, defaultTTL time.Duration) *SQLCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultSQLTTL
	}
	return &SQLCache{m: m, defaultTTL: defaultTTL}
}

func (c *SQLCache) Name() string { return TierDatabase }

func (c *SQLCache) Get(ctx context.Context, key string) (*Entry, error) {
	rs, err := c.m.Select(ctx,
		`SELECT vector, text, dimensions, created_at, last_accessed, access_count, size_bytes, tags, expires_at
		 FROM embedding_cache WHERE fingerprint = ?`, key)
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, nil
	}
	row := rs.Rows[0]

	e := &Entry{Key: key}
	if blob, ok := row["vector"].([]byte); ok {
		e.Vector = storage.DecodeVector(blob)
	}
	e.Text, _ = row["text"].(string)
	if d, ok := row["dimensions"].(int64); ok {
		e.Dimensions = int(d)
	}
	if ms, ok := row["created_at"].(int64); ok {
		e.CreatedAt = time.UnixMilli(ms)
	}
	if ms, ok := row["last_accessed"].(int64); ok {
		e.LastAccessed = time.UnixMilli(ms)
	}
	e.AccessCount, _ = row["access_count"].(int64)
	e.SizeBytes, _ = row["size_bytes"].(int64)
	if tags, ok := row["tags"].(string); ok && tags != "" {
		e.Tags = strings.Split(tags, ",")
	}
	if ms, ok := row["expires_at"].(int64); ok && ms > 0 {
		e.ExpiresAt = time.UnixMilli(ms)
	}

	if e.Expired(time.Now()) {
		_ = c.Delete(ctx, key)
		return nil, nil
	}

	// Access bookkeeping; best-effort.
	_ = c.m.Exec(ctx,
		`UPDATE embedding_cache SET last_accessed = ?, access_count = access_count + 1 WHERE fingerprint = ?`,
		time.Now().UnixMilli(), key)
	e.AccessCount++
	e.LastAccessed = time.Now()
	return e, nil
}

func (c *SQLCache) Set(ctx context.Context, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := time.Now()
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	size := e.SizeBytes
	if size == 0 {
		size = e.EstimateSize()
	}
	return c.m.Exec(ctx,
		`INSERT INTO embedding_cache
			(fingerprint, vector, text, dimensions, created_at, last_accessed, access_count, size_bytes, tags, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
			vector = excluded.vector,
			text = excluded.text,
			dimensions = excluded.dimensions,
			last_accessed = excluded.last_accessed,
			size_bytes = excluded.size_bytes,
			tags = excluded.tags,
			expires_at = excluded.expires_at`,
		e.Key, storage.EncodeVector(e.Vector), e.Text, e.Dimensions,
		created.UnixMilli(), now.UnixMilli(), e.AccessCount, size,
		strings.Join(e.Tags, ","), now.Add(ttl).UnixMilli())
}

func (c *SQLCache) Delete(ctx context.Context, key string) error {
	return c.m.Exec(ctx, `DELETE FROM embedding_cache WHERE fingerprint = ?`, key)
}

func (c *SQLCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	switch {
	case pattern == "*":
		n, err := c.m.ExecRows(ctx, `DELETE FROM embedding_cache`)
		return int(n), err
	case strings.HasPrefix(pattern, "tag:"):
		// Tags are a comma-joined list; match whole elements only.
		tag := strings.TrimPrefix(pattern, "tag:")
		n, err := c.m.ExecRows(ctx,
			`DELETE FROM embedding_cache WHERE ',' || COALESCE(tags, '') || ',' LIKE ?`,
			"%,"+tag+",%")
		return int(n), err
	case strings.Contains(pattern, "*"):
		like := strings.ReplaceAll(strings.ReplaceAll(strings.ReplaceAll(pattern,
			`\`, `\\`), "%", `\%`), "_", `\_`)
		like = strings.ReplaceAll(like, "*", "%")
		n, err := c.m.ExecRows(ctx,
			`DELETE FROM embedding_cache WHERE fingerprint LIKE ? ESCAPE '\'`, like)
		return int(n), err
	default:
		n, err := c.m.ExecRows(ctx, `DELETE FROM embedding_cache WHERE fingerprint = ?`, pattern)
		return int(n), err
	}
}

func (c *SQLCache) Sweep(ctx context.Context) (int, error) {
	n, err := c.m.ExecRows(ctx,
		`DELETE FROM embedding_cache WHERE expires_at IS NOT NULL AND expires_at > 0 AND expires_at < ?`,
		time.Now().UnixMilli())
	return int(n), err
}

func (c *SQLCache) Count(ctx context.Context) (int, error) {
	rs, err := c.m.Select(ctx, `SELECT COUNT(*) AS n FROM embedding_cache`)
	if err != nil {
		return 0, err
	}
	if len(rs.Rows) == 0 {
		return 0, nil
	}
	n, _ := rs.Rows[0]["n"].(int64)
	return int(n), nil
}

// Close is a no-op; the storage manager owns the handle.
func (c *SQLCache) Close() error { return nil }
