// Package cache implements the three-tier embedding cache: an in-memory
// LRU, a disk key-value store, and a SQL table, queried warm-to-cold with
// promotion on cold hits.
package cache

import (
	"context"
	"strings"
	"time"
)

// Tier names, warmest first.
const (
	TierMemory   = "memory"
	TierDisk     = "disk"
	TierDatabase = "database"
)

// Entry is one cached embedding.
type Entry struct {
	Key          string    `json:"key"`
	Vector       []float32 `json:"vector"`
	Text         string    `json:"text,omitempty"` // retained for debugging
	Dimensions   int       `json:"dimensions"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
	SizeBytes    int64     `json:"size_bytes"`
	Tags         []string  `json:"tags,omitempty"`
	Priority     int       `json:"priority,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"` // zero means no expiry
}

// Expired reports whether the entry is past its TTL.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// EstimateSize approximates the entry's memory footprint.
func (e *Entry) EstimateSize() int64 {
	return int64(len(e.Vector)*4 + len(e.Text) + len(e.Key) + 64)
}

// Store is one cache tier. Get returns (nil, nil) on miss or expiry.
type Store interface {
	Name() string
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Invalidate removes entries matching pattern and reports how many.
	// Patterns: "*" (all), strings containing "*" (wildcard), "tag:<t>"
	// (by tag), anything else (exact key).
	Invalidate(ctx context.Context, pattern string) (int, error)

	// Sweep deletes expired entries and reports how many.
	Sweep(ctx context.Context) (int, error)

	Count(ctx context.Context) (int, error)
	Close() error
}

// Stats are per-tier counters kept by the coordinator.
type Stats struct {
	Hits         int64         `json:"hits"`
	Misses       int64         `json:"misses"`
	Writes       int64         `json:"writes"`
	WriteErrors  int64         `json:"write_errors"`
	TotalGetTime time.Duration `json:"total_get_time"`
}

// HitRate is hits over lookups.
func (s *Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// matches applies the invalidation pattern grammar to one entry.
func matches(pattern, key string, tags []string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasPrefix(pattern, "tag:"):
		want := strings.TrimPrefix(pattern, "tag:")
		for _, t := range tags {
			if t == want {
				return true
			}
		}
		return false
	case strings.Contains(pattern, "*"):
		return wildcardMatch(pattern, key)
	default:
		return pattern == key
	}
}

// wildcardMatch matches key against pattern where '*' spans any run of
// characters.
func wildcardMatch(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}
