package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// SetOptions tune one write.
type SetOptions struct {
	// TTL overrides each tier's default when positive.
	TTL time.Duration

	// SkipTiers excludes tiers by name from the fan-out.
	SkipTiers []string

	// Tags attach invalidation tags to the entry.
	Tags []string

	// Priority feeds the memory tier's priority/hybrid eviction.
	Priority int
}

// GetResult is a read outcome with its source tier.
type GetResult struct {
	Entry *Entry
	Tier  string
}

// Tiered coordinates the cache tiers, warmest first: read cascade with
// promotion, parallel write fan-out, pattern invalidation everywhere.
type Tiered struct {
	tiers []Store

	mu    sync.Mutex
	stats map[string]*Stats

	cron *cron.Cron
}

// NewTiered composes tiers in lookup order (warmest first). A nil tier is
// skipped, so callers can run without the disk tier.
func NewTiered(tiers ...Store) *Tiered {
	t := &Tiered{stats: make(map[string]*Stats)}
	for _, tier := range tiers {
		if tier == nil {
			continue
		}
		t.tiers = append(t.tiers, tier)
		t.stats[tier.Name()] = &Stats{}
	}
	return t
}

// StartMaintenance schedules periodic Optimize sweeps.
func (t *Tiered) StartMaintenance(interval time.Duration) {
	if t.cron != nil || interval <= 0 {
		return
	}
	t.cron = cron.New()
	_, _ = t.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		removed := t.Optimize(context.Background())
		if removed > 0 {
			slog.Debug("cache maintenance", slog.Int("expired_removed", removed))
		}
	})
	t.cron.Start()
}

// Get walks the tiers warm to cold. A hit in a cold tier is promoted to
// every warmer tier best-effort: a failed promotion logs and continues,
// and never blocks the read.
func (t *Tiered) Get(ctx context.Context, key string) (*GetResult, error) {
	for i, tier := range t.tiers {
		start := time.Now()
		entry, err := tier.Get(ctx, key)
		t.recordGet(tier.Name(), entry != nil, time.Since(start))
		if err != nil {
			// A broken tier must not hide colder copies.
			slog.Warn("cache tier read failed",
				slog.String("tier", tier.Name()), slog.String("error", err.Error()))
			continue
		}
		if entry == nil {
			continue
		}
		for j := 0; j < i; j++ {
			if err := t.tiers[j].Set(ctx, entry, 0); err != nil {
				slog.Warn("cache promotion failed",
					slog.String("tier", t.tiers[j].Name()), slog.String("error", err.Error()))
			}
		}
		return &GetResult{Entry: entry, Tier: tier.Name()}, nil
	}
	return nil, nil
}

// Set fans out to every tier not excluded by opts, in parallel. A single
// tier failure is logged; only total failure returns an error.
func (t *Tiered) Set(ctx context.Context, e *Entry, opts SetOptions) error {
	if len(opts.Tags) > 0 {
		e.Tags = opts.Tags
	}
	e.Priority = opts.Priority

	targets := make([]Store, 0, len(t.tiers))
	for _, tier := range t.tiers {
		if skipTier(opts.SkipTiers, tier.Name()) {
			continue
		}
		targets = append(targets, tier)
	}
	if len(targets) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errsCh := make(chan error, len(targets))
	for _, tier := range targets {
		wg.Add(1)
		go func(tier Store) {
			defer wg.Done()
			err := tier.Set(ctx, e, opts.TTL)
			t.recordSet(tier.Name(), err)
			if err != nil {
				slog.Warn("cache tier write failed",
					slog.String("tier", tier.Name()), slog.String("error", err.Error()))
				errsCh <- fmt.Errorf("%s: %w", tier.Name(), err)
			}
		}(tier)
	}
	wg.Wait()
	close(errsCh)

	var failures []string
	for err := range errsCh {
		failures = append(failures, err.Error())
	}
	if len(failures) == len(targets) {
		return errors.CacheError("all cache tiers failed: "+strings.Join(failures, "; "), nil)
	}
	return nil
}

// Invalidate applies pattern to every tier and reports total removals.
func (t *Tiered) Invalidate(ctx context.Context, pattern string) (int, error) {
	total := 0
	var firstErr error
	for _, tier := range t.tiers {
		n, err := tier.Invalidate(ctx, pattern)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// Optimize deletes expired rows in all tiers.
func (t *Tiered) Optimize(ctx context.Context) int {
	total := 0
	for _, tier := range t.tiers {
		n, err := tier.Sweep(ctx)
		if err != nil {
			slog.Warn("cache sweep failed",
				slog.String("tier", tier.Name()), slog.String("error", err.Error()))
			continue
		}
		total += n
	}
	return total
}

// Stats snapshots per-tier counters keyed by tier name.
func (t *Tiered) Stats() map[string]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Stats, len(t.stats))
	for name, s := range t.stats {
		out[name] = *s
	}
	return out
}

// Close stops maintenance and closes every tier.
func (t *Tiered) Close() error {
	if t.cron != nil {
		t.cron.Stop()
	}
	var firstErr error
	for _, tier := range t.tiers {
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Tiered) recordGet(tier string, hit bool, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats[tier]
	if s == nil {
		return
	}
	if hit {
		s.Hits++
	} else {
		s.Misses++
	}
	s.TotalGetTime += elapsed
}

func (t *Tiered) recordSet(tier string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats[tier]
	if s == nil {
		return
	}
	s.Writes++
	if err != nil {
		s.WriteErrors++
	}
}

func skipTier(skip []string, name string) bool {
	for _, s := range skip {
		if s == name {
			return true
		}
	}
	return false
}
