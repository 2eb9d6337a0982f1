package embed

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// DefaultIdleTimeout evicts provider instances unused for this long.
const DefaultIdleTimeout = 30 * time.Minute

// maxResidentModels bounds how many provider instances stay loaded after
// an OptimizeMemory pass.
const maxResidentModels = 4

// ConfigSource resolves a collection's embedding configuration, typically
// from the collections registry table.
type ConfigSource func(ctx context.Context, collection string) (Config, error)

// ModelStatus describes one cached provider instance.
type ModelStatus struct {
	Collection     string    `json:"collection"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Dimensions     int       `json:"dimensions"`
	Status         string    `json:"status"` // loading | ready | error
	LastUsed       time.Time `json:"last_used"`
	UsageCount     int64     `json:"usage_count"`
	InFlight       int       `json:"in_flight"`
	MemoryEstimate int64     `json:"memory_estimate_bytes"`
}

// entry is one cached provider with lifecycle bookkeeping.
type entry struct {
	provider Provider
	cfg      Config
	status   string
	loadedAt time.Time
	lastUsed time.Time
	usage    int64 // total acquisitions
	inFlight int   // current borrowers; eviction requires zero
}

// Registry owns embedding providers per collection. Concurrent first
// requests share one initialization; idle instances are evicted on a
// schedule, gated on zero in-flight uses.
type Registry struct {
	source      ConfigSource
	idleTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group
	cron    *cron.Cron
	closed  bool
}

// NewRegistry creates a registry resolving configs through source.
// A background sweep evicts idle providers every few minutes.
func NewRegistry(source ConfigSource, idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	r := &Registry{
		source:      source,
		idleTimeout: idleTimeout,
		entries:     make(map[string]*entry),
		cron:        cron.New(),
	}
	_, _ = r.cron.AddFunc("@every 5m", r.sweep)
	r.cron.Start()
	return r
}

// Acquire returns the provider for collection, instantiating and
// initializing it on first use. The release function must be called when
// the borrower is done; a provider with borrowers is never evicted.
func (r *Registry) Acquire(ctx context.Context, collection string) (Provider, func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, errors.New(errors.CodeNotInitialized, "provider registry is disposed", nil)
	}
	e, ok := r.entries[collection]
	if ok && e.status == "ready" {
		e.lastUsed = time.Now()
		e.usage++
		e.inFlight++
		r.mu.Unlock()
		return e.provider, r.releaseFunc(collection), nil
	}
	r.mu.Unlock()

	// Single-flight: concurrent first requests share one initialization.
	v, err, _ := r.group.Do(collection, func() (any, error) {
		return r.load(ctx, collection)
	})
	if err != nil {
		return nil, nil, err
	}
	loaded := v.(*entry)

	r.mu.Lock()
	loaded.lastUsed = time.Now()
	loaded.usage++
	loaded.inFlight++
	r.mu.Unlock()
	return loaded.provider, r.releaseFunc(collection), nil
}

func (r *Registry) releaseFunc(collection string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if e, ok := r.entries[collection]; ok && e.inFlight > 0 {
				e.inFlight--
			}
			r.mu.Unlock()
		})
	}
}

// load instantiates and initializes the provider for collection.
func (r *Registry) load(ctx context.Context, collection string) (*entry, error) {
	cfg, err := r.source(ctx, collection)
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}

	e := &entry{provider: provider, cfg: cfg, status: "loading", loadedAt: time.Now()}
	r.mu.Lock()
	r.entries[collection] = e
	r.mu.Unlock()

	if err := provider.Initialize(ctx); err != nil {
		r.mu.Lock()
		e.status = "error"
		delete(r.entries, collection)
		r.mu.Unlock()
		return nil, errors.Wrap(errors.CodeModelLoad, err)
	}

	r.mu.Lock()
	e.status = "ready"
	r.mu.Unlock()
	slog.Info("provider ready",
		slog.String("collection", collection),
		slog.String("provider", cfg.Provider),
		slog.String("model", cfg.Model))
	return e, nil
}

// newProvider dispatches on the configured variant.
func newProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "local", "":
		return NewLocalProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, errors.Newf(errors.CodeConfig, "unknown embedding provider %q", cfg.Provider)
	}
}

// Remove disposes the cached provider for collection, if any.
func (r *Registry) Remove(collection string) {
	r.mu.Lock()
	e, ok := r.entries[collection]
	if ok {
		delete(r.entries, collection)
	}
	r.mu.Unlock()
	if ok {
		_ = e.provider.Cleanup()
	}
}

// UpdateConfig disposes the cached instance so the next acquisition
// re-reads the collection's configuration.
func (r *Registry) UpdateConfig(collection string) {
	r.Remove(collection)
}

// HealthCheck verifies the provider for collection is usable.
func (r *Registry) HealthCheck(ctx context.Context, collection string) error {
	provider, release, err := r.Acquire(ctx, collection)
	if err != nil {
		return err
	}
	defer release()
	return provider.HealthCheck(ctx)
}

// Preload initializes providers for the given collections ahead of use.
func (r *Registry) Preload(ctx context.Context, collections []string) error {
	var firstErr error
	for _, c := range collections {
		_, release, err := r.Acquire(ctx, c)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		release()
	}
	return firstErr
}

// Status reports every cached provider instance.
func (r *Registry) Status() []ModelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModelStatus, 0, len(r.entries))
	for collection, e := range r.entries {
		out = append(out, ModelStatus{
			Collection:     collection,
			Provider:       e.cfg.Provider,
			Model:          e.cfg.Model,
			Dimensions:     e.provider.Dimensions(),
			Status:         e.status,
			LastUsed:       e.lastUsed,
			UsageCount:     e.usage,
			InFlight:       e.inFlight,
			MemoryEstimate: memoryEstimate(e.cfg),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collection < out[j].Collection })
	return out
}

// memoryEstimate guesses a provider's resident footprint. Local models
// hold hashing tables only; remote providers hold an HTTP client.
func memoryEstimate(cfg Config) int64 {
	if cfg.Provider == "openai" {
		return 1 << 16
	}
	return int64(cfg.Dimensions) * 4 * 1024
}

// OptimizeMemory evicts idle providers until at most maxResidentModels
// remain, dropping the worst-scoring entries first. Entries with
// in-flight borrowers are never evicted.
func (r *Registry) OptimizeMemory() int {
	r.mu.Lock()
	type scored struct {
		collection string
		e          *entry
		score      float64
	}
	candidates := make([]scored, 0, len(r.entries))
	for c, e := range r.entries {
		if e.inFlight > 0 {
			continue
		}
		// Higher score keeps the model: recent use and heavy use win,
		// heavy memory loses.
		metrics := e.provider.Metrics()
		successRate := 1.0
		if metrics.Requests > 0 {
			successRate = 1 - float64(metrics.Failures)/float64(metrics.Requests)
		}
		idle := time.Since(e.lastUsed).Seconds()
		score := -idle + float64(e.usage)*10 + successRate*100 -
			float64(memoryEstimate(e.cfg))/float64(1<<20)
		candidates = append(candidates, scored{collection: c, e: e, score: score})
	}

	evictCount := len(r.entries) - maxResidentModels
	if evictCount <= 0 {
		r.mu.Unlock()
		return 0
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
	if evictCount > len(candidates) {
		evictCount = len(candidates)
	}
	evicted := candidates[:evictCount]
	for _, s := range evicted {
		delete(r.entries, s.collection)
	}
	r.mu.Unlock()

	for _, s := range evicted {
		_ = s.e.provider.Cleanup()
		slog.Info("model evicted for memory", slog.String("collection", s.collection))
	}
	return len(evicted)
}

// sweep evicts providers idle past the timeout with no borrowers.
func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	var evict []*entry
	for c, e := range r.entries {
		if e.inFlight == 0 && now.Sub(e.lastUsed) > r.idleTimeout {
			evict = append(evict, e)
			delete(r.entries, c)
		}
	}
	r.mu.Unlock()
	for _, e := range evict {
		_ = e.provider.Cleanup()
	}
	if len(evict) > 0 {
		slog.Debug("idle providers evicted", slog.Int("count", len(evict)))
	}
}

// Dispose evicts everything and stops the sweep schedule.
func (r *Registry) Dispose() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	r.cron.Stop()
	for _, e := range entries {
		_ = e.provider.Cleanup()
	}
}
