// Package worker is the composition root: it owns the storage manager,
// schema, caches, provider registry, pipeline, queue, and search engine,
// and serves them over the RPC control plane.
package worker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/localretrieve/localretrieve/internal/cache"
	"github.com/localretrieve/localretrieve/internal/config"
	"github.com/localretrieve/localretrieve/internal/embed"
	"github.com/localretrieve/localretrieve/internal/handlers"
	"github.com/localretrieve/localretrieve/internal/llm"
	"github.com/localretrieve/localretrieve/internal/logging"
	"github.com/localretrieve/localretrieve/internal/pipeline"
	"github.com/localretrieve/localretrieve/internal/queue"
	"github.com/localretrieve/localretrieve/internal/rpc"
	"github.com/localretrieve/localretrieve/internal/search"
	"github.com/localretrieve/localretrieve/internal/storage"
)

// Worker owns every component for one database.
type Worker struct {
	cfg *config.Config

	manager  *storage.Manager
	schema   *storage.Schema
	docs     *storage.Documents
	vectors  *storage.VectorIndex
	registry *embed.Registry
	tiered   *cache.Tiered
	pipeline *pipeline.Pipeline
	queue    *queue.Queue
	engine   *search.Engine
	server   *rpc.Server

	cleanup []func()
}

// New wires a worker from cfg. The database opens lazily via the `open`
// method unless cfg.Database.Path is set, in which case it opens now.
func New(ctx context.Context, cfg *config.Config) (*Worker, error) {
	w := &Worker{cfg: cfg}

	w.manager = storage.NewManager()
	w.schema = storage.NewSchema(w.manager)
	w.docs = storage.NewDocuments(w.manager)
	w.vectors = storage.NewVectorIndex(w.manager)

	if cfg.Database.Path != "" {
		pragmas := &storage.Pragmas{
			Synchronous: cfg.Database.Synchronous,
			CacheSize:   cfg.Database.CacheSize,
			TempStore:   cfg.Database.TempStore,
		}
		if err := w.manager.Open(ctx, cfg.Database.Path, pragmas); err != nil {
			return nil, err
		}
		if err := w.schema.Initialize(ctx); err != nil {
			_ = w.manager.Close()
			return nil, err
		}
	}

	w.registry = embed.NewRegistry(w.configSource(), cfg.Providers.IdleTimeout)

	memory := cache.NewMemoryCache(
		cfg.Cache.Memory.MaxEntries,
		cfg.Cache.Memory.MaxBytes,
		cfg.Cache.Memory.TTL,
		cfg.Cache.Memory.Strategy,
	)
	var disk cache.Store
	if cfg.Cache.BoltPath != "" {
		bc, err := cache.NewBoltCache(cfg.Cache.BoltPath, cfg.Cache.BoltTTL)
		if err != nil {
			slog.Warn("disk cache unavailable, continuing without it",
				slog.String("error", err.Error()))
		} else {
			disk = bc
		}
	}
	sqlTier := cache.NewSQLCache(w.manager, cfg.Cache.SQLTTL)
	w.tiered = cache.NewTiered(memory, disk, sqlTier)
	w.tiered.StartMaintenance(cfg.Cache.CleanupInterval)

	w.pipeline = pipeline.New(w.schema, w.tiered, w.registry)
	w.queue = queue.New(w.manager, w.schema, w.docs, w.vectors, w.registry)
	w.engine = search.NewEngine(w.manager, w.schema, w.docs, w.vectors, w.pipeline, nil)

	w.server = rpc.NewServer()
	h := &handlers.Handlers{
		Manager:  w.manager,
		Schema:   w.schema,
		Docs:     w.docs,
		Vectors:  w.vectors,
		Registry: w.registry,
		Cache:    w.tiered,
		Pipeline: w.pipeline,
		Queue:    w.queue,
		Engine:   w.engine,
		LLM: llm.New(llm.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		}),
		Started: time.Now(),
	}
	h.Register(w.server)

	return w, nil
}

// configSource resolves a collection's embedding config from the
// registry table, merging worker-level provider credentials.
func (w *Worker) configSource() embed.ConfigSource {
	return func(ctx context.Context, collection string) (embed.Config, error) {
		cc, err := w.schema.GetCollection(ctx, collection)
		if err != nil {
			return embed.Config{}, err
		}
		cfg := embed.Config{
			Provider:   cc.Provider,
			Model:      cc.Model,
			Dimensions: cc.Dimensions,
		}
		if cc.Provider == "openai" {
			oa := w.cfg.Providers.OpenAI
			cfg.APIKey = oa.APIKey
			cfg.BaseURL = oa.BaseURL
			cfg.RequestsPerMinute = oa.RequestsPerMinute
			cfg.Timeout = oa.Timeout
			cfg.MaxRetries = oa.MaxRetries
		}
		return cfg, nil
	}
}

// SetupLogging installs the worker logger, forwarding records to
// connected hosts as log frames.
func (w *Worker) SetupLogging() error {
	logCfg := w.cfg.Logging
	if logCfg.FilePath == "" && w.cfg.Database.Path != "" && w.cfg.Database.Path != storage.MemoryURI {
		logCfg.FilePath = filepath.Join(filepath.Dir(w.cfg.Database.Path), "worker.log")
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	w.cleanup = append(w.cleanup, cleanup)

	forwarded := logging.NewForwarder(logger.Handler(), func(level slog.Level, msg string, args map[string]any) {
		w.server.BroadcastLog(level.String(), msg, args)
	})
	slog.SetDefault(slog.New(forwarded))
	return nil
}

// Run serves the control plane on the configured unix socket until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	socket := w.cfg.RPC.SocketPath
	if socket == "" {
		socket = filepath.Join(filepath.Dir(w.cfg.Database.Path), "worker.sock")
	}
	defer w.Close()
	return w.server.ListenAndServe(ctx, socket)
}

// ServeConn serves one in-process connection; used when the host embeds
// the worker instead of spawning it.
func (w *Worker) ServeConn(ctx context.Context, conn io.ReadWriteCloser) {
	w.server.ServeConn(ctx, conn)
}

// Server exposes the RPC server for embedding and tests.
func (w *Worker) Server() *rpc.Server { return w.server }

// Close releases every component.
func (w *Worker) Close() {
	w.registry.Dispose()
	if err := w.tiered.Close(); err != nil {
		slog.Warn("cache close failed", slog.String("error", err.Error()))
	}
	if err := w.manager.Close(); err != nil {
		slog.Warn("database close failed", slog.String("error", err.Error()))
	}
	for _, fn := range w.cleanup {
		fn()
	}
}
