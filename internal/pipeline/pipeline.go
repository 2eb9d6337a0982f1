package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/localretrieve/localretrieve/internal/cache"
	"github.com/localretrieve/localretrieve/internal/embed"
	"github.com/localretrieve/localretrieve/internal/errors"
	"github.com/localretrieve/localretrieve/internal/storage"
	"github.com/localretrieve/localretrieve/internal/validation"
)

// Result sources.
const (
	SourceFresh    = "provider_fresh"
	SourceMemory   = "cache_memory"
	SourceDisk     = "cache_disk"
	SourceDatabase = "cache_database"
)

// Options tune one generation.
type Options struct {
	// ForceRefresh bypasses the cache read (the write still happens).
	ForceRefresh bool `json:"force_refresh,omitempty"`

	// Tags attach cache invalidation tags to the written entry.
	Tags []string `json:"tags,omitempty"`
}

// Result is a generated (or cached) query embedding with its provenance.
type Result struct {
	Vector         []float32     `json:"vector"`
	Source         string        `json:"source"`
	ProcessingTime time.Duration `json:"processing_time"`
	ModelUsed      string        `json:"model_used"`
	Provider       string        `json:"provider"`
	CacheHit       bool          `json:"cache_hit"`
	Fingerprint    string        `json:"fingerprint"`
}

// BatchRequest is one element of a batch generation.
type BatchRequest struct {
	Collection string  `json:"collection"`
	Query      string  `json:"query"`
	Options    Options `json:"options,omitempty"`
}

// BatchPolicy tunes batch execution.
type BatchPolicy struct {
	Concurrency int                   `json:"concurrency,omitempty"`
	OnProgress  func(done, total int) `json:"-"`
}

// Stats are pipeline-wide counters.
type Stats struct {
	Requests      int64            `json:"requests"`
	CacheHits     int64            `json:"cache_hits"`
	ProviderCalls int64            `json:"provider_calls"`
	Failures      int64            `json:"failures"`
	BySource      map[string]int64 `json:"by_source"`
	TotalTime     time.Duration    `json:"total_time"`
}

// ProviderSource lends out providers per collection; the registry
// implements it.
type ProviderSource interface {
	Acquire(ctx context.Context, collection string) (embed.Provider, func(), error)
}

// Pipeline resolves query embeddings through the cache tiers with
// single-flight deduplication and provider fallback.
type Pipeline struct {
	schema   *storage.Schema
	cache    *cache.Tiered
	registry ProviderSource

	group singleflight.Group

	mu    sync.Mutex
	stats Stats
}

// New wires the pipeline. It borrows the cache and registry; ownership
// stays with the caller.
func New(schema *storage.Schema, tiered *cache.Tiered, registry ProviderSource) *Pipeline {
	return &Pipeline{
		schema:   schema,
		cache:    tiered,
		registry: registry,
		stats:    Stats{BySource: make(map[string]int64)},
	}
}

// Generate produces the embedding for query in collection. Fast when a
// tier has it; otherwise exactly one provider call per fingerprint runs
// at a time, and every concurrent caller shares its outcome. A caller
// deadline abandons the wait but the generation completes and populates
// the cache, so the next attempt is free.
func (p *Pipeline) Generate(ctx context.Context, collection, query string, opts Options) (*Result, error) {
	start := time.Now()
	res, err := p.generate(ctx, collection, query, opts)
	p.record(res, time.Since(start), err)
	if res != nil {
		res.ProcessingTime = time.Since(start)
	}
	return res, err
}

func (p *Pipeline) generate(ctx context.Context, collection, query string, opts Options) (*Result, error) {
	if err := validation.Query(query); err != nil {
		return nil, err
	}
	cfg, err := p.schema.GetCollection(ctx, collection)
	if err != nil {
		return nil, err
	}

	normalized := Normalize(query, cfg.Preprocessing)
	if normalized == "" {
		return nil, errors.ValidationError("query is empty after normalization")
	}
	fp := Fingerprint(normalized, cfg)

	if !opts.ForceRefresh {
		if res := p.tryCache(ctx, fp, cfg); res != nil {
			return res, nil
		}
	}

	// Single-flight per fingerprint. DoChan detaches the generation from
	// this caller's deadline: late callers time out, the work finishes.
	ch := p.group.DoChan(fp, func() (any, error) {
		return p.callProvider(context.WithoutCancel(ctx), collection, cfg, normalized, fp, opts.Tags)
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, errors.Wrap(errors.CodeProvider, r.Err)
		}
		res := r.Val.(*Result)
		cp := *res
		cp.CacheHit = false
		return &cp, nil
	case <-ctx.Done():
		return nil, errors.New(errors.CodeTimeout,
			"embedding wait cancelled; generation continues in the background", ctx.Err())
	}
}

// tryCache walks the tiers; a hit records its source tier.
func (p *Pipeline) tryCache(ctx context.Context, fp string, cfg *storage.CollectionConfig) *Result {
	got, err := p.cache.Get(ctx, fp)
	if err != nil || got == nil {
		return nil
	}
	if got.Entry.Dimensions != cfg.Dimensions {
		// A stale entry from before a migration; drop it.
		_, _ = p.cache.Invalidate(ctx, fp)
		return nil
	}
	return &Result{
		Vector:      got.Entry.Vector,
		Source:      tierSource(got.Tier),
		ModelUsed:   cfg.Model,
		Provider:    cfg.Provider,
		CacheHit:    true,
		Fingerprint: fp,
	}
}

func tierSource(tier string) string {
	switch tier {
	case cache.TierMemory:
		return SourceMemory
	case cache.TierDisk:
		return SourceDisk
	case cache.TierDatabase:
		return SourceDatabase
	default:
		return SourceFresh
	}
}

// callProvider resolves the provider, generates, validates, and fans the
// result out to the cache tiers.
func (p *Pipeline) callProvider(ctx context.Context, collection string, cfg *storage.CollectionConfig, normalized, fp string, tags []string) (*Result, error) {
	provider, release, err := p.registry.Acquire(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer release()

	text := normalized
	if max := provider.MaxTextLength(); len(text) > max {
		text = text[:max]
	}

	deadline := embed.DefaultLocalTimeout
	if cfg.Provider == "openai" {
		deadline = embed.DefaultRemoteTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	vec, err := provider.Embed(callCtx, text)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateVector(vec, cfg.Dimensions); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.stats.ProviderCalls++
	p.mu.Unlock()

	entry := &cache.Entry{
		Key:        fp,
		Vector:     vec,
		Text:       text,
		Dimensions: cfg.Dimensions,
		CreatedAt:  time.Now(),
	}
	if err := p.cache.Set(ctx, entry, cache.SetOptions{Tags: withCollectionTag(tags, collection)}); err != nil {
		// The vector is valid either way; a full cache failure only
		// costs the next lookup.
		slog.Warn("embedding cache write failed", slog.String("error", err.Error()))
	}

	return &Result{
		Vector:      vec,
		Source:      SourceFresh,
		ModelUsed:   cfg.Model,
		Provider:    cfg.Provider,
		Fingerprint: fp,
	}, nil
}

// withCollectionTag ensures every cached embedding carries its collection
// tag so dropping a collection can invalidate by tag.
func withCollectionTag(tags []string, collection string) []string {
	want := "collection:" + collection
	for _, t := range tags {
		if t == want {
			return tags
		}
	}
	return append(append([]string{}, tags...), want)
}

// GenerateBatch resolves many requests, deduplicating by fingerprint and
// running up to policy.Concurrency generations in parallel. Results align
// with the input order; the progress callback fires after each request
// resolves.
func (p *Pipeline) GenerateBatch(ctx context.Context, requests []BatchRequest, policy BatchPolicy) ([]*Result, error) {
	if len(requests) == 0 {
		return []*Result{}, nil
	}
	concurrency := policy.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]*Result, len(requests))
	var done int
	var doneMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range requests {
		i := i
		g.Go(func() error {
			res, err := p.Generate(gctx, requests[i].Collection, requests[i].Query, requests[i].Options)
			if err != nil {
				return err
			}
			results[i] = res
			doneMu.Lock()
			done++
			n := done
			doneMu.Unlock()
			if policy.OnProgress != nil {
				policy.OnProgress(n, len(requests))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Warm ensures every query has a cached vector; an offline precompute.
// Returns how many required a fresh provider call.
func (p *Pipeline) Warm(ctx context.Context, collection string, queries []string) (int, error) {
	fresh := 0
	for _, q := range queries {
		res, err := p.Generate(ctx, collection, q, Options{})
		if err != nil {
			return fresh, err
		}
		if !res.CacheHit {
			fresh++
		}
	}
	return fresh, nil
}

// InvalidateCollection drops every cached embedding for collection.
func (p *Pipeline) InvalidateCollection(ctx context.Context, collection string) (int, error) {
	return p.cache.Invalidate(ctx, "tag:collection:"+collection)
}

// Clear drops every cached embedding.
func (p *Pipeline) Clear(ctx context.Context) (int, error) {
	return p.cache.Invalidate(ctx, "*")
}

// Stats snapshots the pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.BySource = make(map[string]int64, len(p.stats.BySource))
	for k, v := range p.stats.BySource {
		out.BySource[k] = v
	}
	return out
}

// CacheStats exposes the per-tier counters.
func (p *Pipeline) CacheStats() map[string]cache.Stats {
	return p.cache.Stats()
}

func (p *Pipeline) record(res *Result, elapsed time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Requests++
	p.stats.TotalTime += elapsed
	if err != nil {
		p.stats.Failures++
		return
	}
	if res != nil {
		p.stats.BySource[res.Source]++
		if res.CacheHit {
			p.stats.CacheHits++
		}
	}
}
