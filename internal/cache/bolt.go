package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// DefaultDiskTTL is the disk tier's entry lifetime.
const DefaultDiskTTL = 24 * time.Hour

var cacheBucket = []byte("cache")

// BoltCache is the middle tier: a local key-value store backed by a bolt
// file, surviving restarts without touching the owned database. Entries
// are JSON; expiry is checked lazily on read and in Sweep.
type BoltCache struct {
	db         *bolt.DB
	defaultTTL time.Duration
}

// NewBoltCache opens (or creates) the disk tier at path.
func NewBoltCache(path string, defaultTTL time.Duration) (*BoltCache, error) {
	if defaultTTL <= 0 {
		defaultTTL = DefaultDiskTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.CacheError("failed to create cache directory", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.CacheError("failed to open disk cache", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.CacheError("failed to create cache bucket", err)
	}
	return &BoltCache{db: db, defaultTTL: defaultTTL}, nil
}

func (c *BoltCache) Name() string { return TierDisk }

func (c *BoltCache) Get(_ context.Context, key string) (*Entry, error) {
	var entry *Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(cacheBucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	if err != nil {
		return nil, errors.CacheError("disk cache read failed", err)
	}
	if entry == nil {
		return nil, nil
	}
	if entry.Expired(time.Now()) {
		_ = c.Delete(context.Background(), key)
		return nil, nil
	}
	entry.LastAccessed = time.Now()
	entry.AccessCount++
	// Access bookkeeping is best-effort; losing it never loses the vector.
	if data, err := json.Marshal(entry); err == nil {
		_ = c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(cacheBucket).Put([]byte(key), data)
		})
	}
	return entry, nil
}

func (c *BoltCache) Set(_ context.Context, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.ExpiresAt = time.Now().Add(ttl)
	if cp.SizeBytes == 0 {
		cp.SizeBytes = cp.EstimateSize()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return errors.CacheError("failed to encode cache entry", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(cp.Key), data)
	})
	if err != nil {
		return errors.CacheError("disk cache write failed", err)
	}
	return nil
}

func (c *BoltCache) Delete(_ context.Context, key string) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Delete([]byte(key))
	})
	if err != nil {
		return errors.CacheError("disk cache delete failed", err)
	}
	return nil
}

// Invalidate scans the full bucket applying the pattern grammar,
// including wildcard and tag forms.
func (c *BoltCache) Invalidate(_ context.Context, pattern string) (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		cur := b.Cursor()
		var stale [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if matches(pattern, string(k), e.Tags) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, errors.CacheError("disk cache invalidation failed", err)
	}
	return removed, nil
}

func (c *BoltCache) Sweep(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cacheBucket)
		cur := b.Cursor()
		var expired [][]byte
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil || e.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, errors.CacheError("disk cache sweep failed", err)
	}
	return removed, nil
}

func (c *BoltCache) Count(_ context.Context) (int, error) {
	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(cacheBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, errors.CacheError("disk cache count failed", err)
	}
	return n, nil
}

func (c *BoltCache) Close() error {
	return c.db.Close()
}
