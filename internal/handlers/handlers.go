// Package handlers routes RPC methods to the worker's components:
// parameter decoding and validation, dispatch, and error mapping onto the
// boundary codes.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/localretrieve/localretrieve/internal/cache"
	"github.com/localretrieve/localretrieve/internal/embed"
	"github.com/localretrieve/localretrieve/internal/errors"
	"github.com/localretrieve/localretrieve/internal/llm"
	"github.com/localretrieve/localretrieve/internal/pipeline"
	"github.com/localretrieve/localretrieve/internal/queue"
	"github.com/localretrieve/localretrieve/internal/rpc"
	"github.com/localretrieve/localretrieve/internal/search"
	"github.com/localretrieve/localretrieve/internal/storage"
	"github.com/localretrieve/localretrieve/internal/validation"
)

// Version is the engine version reported by getVersion.
const Version = "1.0.0"

// Handlers binds every RPC method to the worker's components.
type Handlers struct {
	Manager  *storage.Manager
	Schema   *storage.Schema
	Docs     *storage.Documents
	Vectors  *storage.VectorIndex
	Registry *embed.Registry
	Cache    *cache.Tiered
	Pipeline *pipeline.Pipeline
	Queue    *queue.Queue
	Engine   *search.Engine
	LLM      *llm.Facade // nil when unconfigured

	Started time.Time
}

// Register installs every method on srv.
func (h *Handlers) Register(srv *rpc.Server) {
	// Storage primitives.
	srv.Register("open", h.open)
	srv.Register("close", h.close)
	srv.Register("exec", h.exec)
	srv.Register("select", h.selectRows)
	srv.Register("bulkInsert", h.bulkInsert)

	// Schema and collections.
	srv.Register("initializeSchema", h.initializeSchema)
	srv.Register("createCollection", h.createCollection)
	srv.Register("getCollectionInfo", h.getCollectionInfo)
	srv.Register("getCollectionEmbeddingStatus", h.getCollectionEmbeddingStatus)

	// Documents.
	srv.Register("insertDocumentWithEmbedding", h.insertDocumentWithEmbedding)

	// Search.
	srv.Register("search", h.search)
	srv.Register("searchText", h.search)
	srv.Register("searchSemantic", h.searchSemantic)
	srv.Register("searchAdvanced", h.searchAdvanced)
	srv.Register("searchGlobal", h.searchGlobal)

	// Document embeddings.
	srv.Register("generateEmbedding", h.generateEmbedding)
	srv.Register("batchGenerateEmbeddings", h.batchGenerateEmbeddings)
	srv.Register("regenerateCollectionEmbeddings", h.regenerateCollectionEmbeddings)

	// Query-embedding pipeline.
	srv.Register("generateQueryEmbedding", h.generateQueryEmbedding)
	srv.Register("batchGenerateQueryEmbeddings", h.batchGenerateQueryEmbeddings)
	srv.Register("warmEmbeddingCache", h.warmEmbeddingCache)
	srv.Register("clearEmbeddingCache", h.clearEmbeddingCache)
	srv.Register("getPipelineStats", h.getPipelineStats)
	srv.Register("getModelStatus", h.getModelStatus)
	srv.Register("preloadModels", h.preloadModels)
	srv.Register("optimizeModelMemory", h.optimizeModelMemory)

	// Durable queue.
	srv.Register("enqueueEmbedding", h.enqueueEmbedding)
	srv.Register("processEmbeddingQueue", h.processEmbeddingQueue)
	srv.Register("getQueueStatus", h.getQueueStatus)
	srv.Register("clearEmbeddingQueue", h.clearEmbeddingQueue)

	// Admin.
	srv.Register("export", h.export)
	srv.Register("import", h.importDB)
	srv.Register("clear", h.clear)
	srv.Register("getVersion", h.getVersion)
	srv.Register("getStats", h.getStats)

	// Optional LLM façade.
	srv.Register("enhanceQuery", h.enhanceQuery)
	srv.Register("summarizeResults", h.summarizeResults)
	srv.Register("callLLM", h.callLLM)
	srv.Register("searchWithLLM", h.searchWithLLM)
}

func decode[T any](params json.RawMessage) (*T, error) {
	var v T
	if len(params) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, errors.New(errors.CodeSerialization, "invalid params: "+err.Error(), err)
	}
	return &v, nil
}

// ---- storage primitives ----

type openParams struct {
	URI     string           `json:"uri"`
	Pragmas *storage.Pragmas `json:"pragmas,omitempty"`
}

func (h *Handlers) open(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[openParams](params)
	if err != nil {
		return nil, err
	}
	if p.URI == "" {
		p.URI = storage.MemoryURI
	}
	if err := h.Manager.Open(ctx, p.URI, p.Pragmas); err != nil {
		return nil, err
	}
	if err := h.Schema.Initialize(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"uri": p.URI}, nil
}

func (h *Handlers) close(_ context.Context, _ json.RawMessage) (any, error) {
	if err := h.Manager.Close(); err != nil {
		return nil, err
	}
	return map[string]any{"closed": true}, nil
}

type sqlParams struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

func (h *Handlers) exec(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[sqlParams](params)
	if err != nil {
		return nil, err
	}
	if p.SQL == "" {
		return nil, errors.ValidationError("sql must not be empty")
	}
	n, err := h.Manager.ExecRows(ctx, p.SQL, p.Params...)
	if err != nil {
		return nil, err
	}
	return map[string]any{"rows_affected": n}, nil
}

func (h *Handlers) selectRows(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[sqlParams](params)
	if err != nil {
		return nil, err
	}
	if p.SQL == "" {
		return nil, errors.ValidationError("sql must not be empty")
	}
	return h.Manager.Select(ctx, p.SQL, p.Params...)
}

type bulkInsertParams struct {
	Table     string        `json:"table"`
	Rows      []storage.Row `json:"rows"`
	BatchSize int           `json:"batch_size,omitempty"`
}

func (h *Handlers) bulkInsert(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[bulkInsertParams](params)
	if err != nil {
		return nil, err
	}
	if err := h.Manager.BulkInsert(ctx, p.Table, p.Rows, p.BatchSize); err != nil {
		return nil, err
	}
	return map[string]any{"inserted": len(p.Rows)}, nil
}

// ---- schema & collections ----

func (h *Handlers) initializeSchema(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := h.Schema.Initialize(ctx); err != nil {
		return nil, err
	}
	version, err := h.Schema.Version(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"schema_version": version}, nil
}

type createCollectionParams struct {
	Name   string                   `json:"name"`
	Config storage.CollectionConfig `json:"config"`
}

func (h *Handlers) createCollection(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[createCollectionParams](params)
	if err != nil {
		return nil, err
	}
	if err := validation.CollectionName(p.Name); err != nil {
		return nil, err
	}
	if p.Config.Provider == "" {
		p.Config.Provider = "local"
	}
	if p.Config.Dimensions == 0 && p.Config.Provider == "local" {
		p.Config.Dimensions = embed.LocalDimensions
	}
	if err := h.Schema.CreateCollection(ctx, p.Name, p.Config); err != nil {
		return nil, err
	}
	return map[string]any{"name": p.Name, "dimensions": p.Config.Dimensions}, nil
}

type collectionParams struct {
	Collection string `json:"collection"`
}

func (h *Handlers) getCollectionInfo(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[collectionParams](params)
	if err != nil {
		return nil, err
	}
	return h.Schema.CollectionInfo(ctx, p.Collection)
}

func (h *Handlers) getCollectionEmbeddingStatus(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[collectionParams](params)
	if err != nil {
		return nil, err
	}
	info, err := h.Schema.CollectionInfo(ctx, p.Collection)
	if err != nil {
		return nil, err
	}
	qs, err := h.Queue.GetStatus(ctx, p.Collection)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"document_count": info.DocumentCount,
		"vector_count":   info.VectorCount,
		"coverage":       coverage(info.VectorCount, info.DocumentCount),
		"queue":          qs,
	}, nil
}

func coverage(vectors, documents int64) float64 {
	if documents == 0 {
		return 0
	}
	return float64(vectors) / float64(documents)
}

// ---- documents ----

type insertDocumentParams struct {
	Collection        string            `json:"collection"`
	Document          *storage.Document `json:"document"`
	GenerateEmbedding bool              `json:"generate_embedding,omitempty"`
	Priority          int               `json:"priority,omitempty"`
}

func (h *Handlers) insertDocumentWithEmbedding(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[insertDocumentParams](params)
	if err != nil {
		return nil, err
	}
	if p.Document == nil {
		return nil, errors.ValidationError("document is required")
	}
	if err := validation.CollectionName(p.Collection); err != nil {
		return nil, err
	}
	if err := validation.DocumentID(p.Document.ID); err != nil {
		return nil, err
	}
	if p.Document.Content == "" {
		return nil, errors.ValidationError("document content must not be empty")
	}

	rowID, err := h.Docs.Upsert(ctx, p.Collection, p.Document)
	if err != nil {
		return nil, err
	}

	embedded := false
	if p.GenerateEmbedding {
		// Synchronous path: embed now instead of queueing.
		if err := h.embedDocument(ctx, p.Collection, p.Document); err != nil {
			return nil, err
		}
		embedded = true
	} else {
		if _, err := h.Queue.Enqueue(ctx, p.Collection, p.Document.ID, p.Document.Content, p.Priority); err != nil {
			return nil, err
		}
	}

	return map[string]any{"rowid": rowID, "embedded": embedded, "queued": !embedded}, nil
}

// embedDocument generates and stores the vector for one document.
func (h *Handlers) embedDocument(ctx context.Context, collection string, doc *storage.Document) error {
	cfg, err := h.Schema.GetCollection(ctx, collection)
	if err != nil {
		return err
	}
	provider, release, err := h.Registry.Acquire(ctx, collection)
	if err != nil {
		return err
	}
	defer release()

	text := doc.Content
	if max := provider.MaxTextLength(); len(text) > max {
		text = text[:max]
	}
	vec, err := provider.Embed(ctx, text)
	if err != nil {
		return err
	}
	return h.Vectors.Upsert(ctx, collection, doc.RowID, vec, cfg.Dimensions)
}

// ---- search ----

type searchParams struct {
	Collection string         `json:"collection"`
	Query      string         `json:"query"`
	Options    search.Options `json:"options,omitempty"`
}

func (h *Handlers) search(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[searchParams](params)
	if err != nil {
		return nil, err
	}
	return h.Engine.SearchText(ctx, p.Collection, p.Query, p.Options)
}

func (h *Handlers) searchSemantic(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[searchParams](params)
	if err != nil {
		return nil, err
	}
	return h.Engine.SearchSemantic(ctx, p.Collection, p.Query, p.Options)
}

func (h *Handlers) searchAdvanced(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[searchParams](params)
	if err != nil {
		return nil, err
	}
	p.Options.Debug = true
	return h.Engine.Search(ctx, p.Collection, p.Query, p.Options)
}

type globalSearchParams struct {
	Query   string         `json:"query"`
	Options search.Options `json:"options,omitempty"`
}

func (h *Handlers) searchGlobal(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[globalSearchParams](params)
	if err != nil {
		return nil, err
	}
	return h.Engine.SearchGlobal(ctx, p.Query, p.Options)
}

// ---- document embeddings ----

type generateEmbeddingParams struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
}

func (h *Handlers) generateEmbedding(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[generateEmbeddingParams](params)
	if err != nil {
		return nil, err
	}
	doc, err := h.Docs.Get(ctx, p.Collection, p.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.Newf(errors.CodeValidation, "document %s not found", p.DocumentID)
	}
	if err := h.embedDocument(ctx, p.Collection, doc); err != nil {
		return nil, err
	}
	return map[string]any{"document_id": p.DocumentID, "embedded": true}, nil
}

type batchGenerateParams struct {
	Collection  string   `json:"collection"`
	DocumentIDs []string `json:"document_ids"`
}

func (h *Handlers) batchGenerateEmbeddings(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[batchGenerateParams](params)
	if err != nil {
		return nil, err
	}
	succeeded, failed := 0, 0
	var failures []string
	for _, id := range p.DocumentIDs {
		doc, err := h.Docs.Get(ctx, p.Collection, id)
		if err != nil || doc == nil {
			failed++
			failures = append(failures, id)
			continue
		}
		if err := h.embedDocument(ctx, p.Collection, doc); err != nil {
			failed++
			failures = append(failures, id)
			continue
		}
		succeeded++
	}
	return map[string]any{"succeeded": succeeded, "failed": failed, "failed_ids": failures}, nil
}

func (h *Handlers) regenerateCollectionEmbeddings(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[collectionParams](params)
	if err != nil {
		return nil, err
	}
	rs, err := h.Manager.Select(ctx,
		"SELECT id, content FROM "+storage.DocsTable(p.Collection))
	if err != nil {
		return nil, err
	}
	// Stale query embeddings for this collection die with the vectors.
	if _, err := h.Pipeline.InvalidateCollection(ctx, p.Collection); err != nil {
		return nil, err
	}
	enqueued := 0
	for _, row := range rs.Rows {
		id, _ := row["id"].(string)
		content, _ := row["content"].(string)
		if _, err := h.Queue.Enqueue(ctx, p.Collection, id, content, 0); err != nil {
			return nil, err
		}
		enqueued++
	}
	return map[string]any{"enqueued": enqueued}, nil
}

// ---- query-embedding pipeline ----

type queryEmbeddingParams struct {
	Collection string           `json:"collection"`
	Query      string           `json:"query"`
	Options    pipeline.Options `json:"options,omitempty"`
}

func (h *Handlers) generateQueryEmbedding(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[queryEmbeddingParams](params)
	if err != nil {
		return nil, err
	}
	return h.Pipeline.Generate(ctx, p.Collection, p.Query, p.Options)
}

type batchQueryEmbeddingParams struct {
	Requests    []pipeline.BatchRequest `json:"requests"`
	Concurrency int                     `json:"concurrency,omitempty"`
}

func (h *Handlers) batchGenerateQueryEmbeddings(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[batchQueryEmbeddingParams](params)
	if err != nil {
		return nil, err
	}
	return h.Pipeline.GenerateBatch(ctx, p.Requests, pipeline.BatchPolicy{Concurrency: p.Concurrency})
}

type warmCacheParams struct {
	Collection string   `json:"collection"`
	Queries    []string `json:"queries"`
}

func (h *Handlers) warmEmbeddingCache(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[warmCacheParams](params)
	if err != nil {
		return nil, err
	}
	fresh, err := h.Pipeline.Warm(ctx, p.Collection, p.Queries)
	if err != nil {
		return nil, err
	}
	return map[string]any{"warmed": len(p.Queries), "generated": fresh}, nil
}

type clearCacheParams struct {
	Pattern string `json:"pattern,omitempty"`
}

func (h *Handlers) clearEmbeddingCache(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[clearCacheParams](params)
	if err != nil {
		return nil, err
	}
	pattern := p.Pattern
	if pattern == "" {
		pattern = "*"
	}
	n, err := h.Cache.Invalidate(ctx, pattern)
	if err != nil {
		return nil, err
	}
	return map[string]any{"invalidated": n}, nil
}

func (h *Handlers) getPipelineStats(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{
		"pipeline": h.Pipeline.Stats(),
		"cache":    h.Pipeline.CacheStats(),
	}, nil
}

func (h *Handlers) getModelStatus(_ context.Context, _ json.RawMessage) (any, error) {
	return h.Registry.Status(), nil
}

type preloadParams struct {
	Collections []string `json:"collections"`
}

func (h *Handlers) preloadModels(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[preloadParams](params)
	if err != nil {
		return nil, err
	}
	if err := h.Registry.Preload(ctx, p.Collections); err != nil {
		return nil, err
	}
	return map[string]any{"preloaded": len(p.Collections)}, nil
}

func (h *Handlers) optimizeModelMemory(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"evicted": h.Registry.OptimizeMemory()}, nil
}

// ---- durable queue ----

type enqueueParams struct {
	Collection  string `json:"collection"`
	DocumentID  string `json:"document_id"`
	TextContent string `json:"text_content,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

func (h *Handlers) enqueueEmbedding(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[enqueueParams](params)
	if err != nil {
		return nil, err
	}
	text := p.TextContent
	if text == "" {
		doc, err := h.Docs.Get(ctx, p.Collection, p.DocumentID)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			text = doc.Content
		}
	}
	id, err := h.Queue.Enqueue(ctx, p.Collection, p.DocumentID, text, p.Priority)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (h *Handlers) processEmbeddingQueue(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[queue.ProcessOptions](params)
	if err != nil {
		return nil, err
	}
	return h.Queue.Process(ctx, *p)
}

func (h *Handlers) getQueueStatus(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[collectionParams](params)
	if err != nil {
		return nil, err
	}
	return h.Queue.GetStatus(ctx, p.Collection)
}

func (h *Handlers) clearEmbeddingQueue(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[queue.ClearOptions](params)
	if err != nil {
		return nil, err
	}
	n, err := h.Queue.Clear(ctx, *p)
	if err != nil {
		return nil, err
	}
	return map[string]any{"cleared": n}, nil
}

// ---- admin ----

func (h *Handlers) export(ctx context.Context, _ json.RawMessage) (any, error) {
	data, err := h.Manager.ExportBytes(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": data, "size": len(data)}, nil
}

type importParams struct {
	Data      []byte `json:"data"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

func (h *Handlers) importDB(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[importParams](params)
	if err != nil {
		return nil, err
	}
	if len(p.Data) == 0 {
		return nil, errors.ValidationError("data must not be empty")
	}
	if err := h.Manager.ImportBytes(ctx, p.Data, p.Overwrite); err != nil {
		return nil, err
	}
	return map[string]any{"imported": len(p.Data)}, nil
}

func (h *Handlers) clear(ctx context.Context, _ json.RawMessage) (any, error) {
	if err := h.Manager.Clear(ctx); err != nil {
		return nil, err
	}
	if err := h.Schema.Initialize(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true}, nil
}

func (h *Handlers) getVersion(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"version": Version}, nil
}

func (h *Handlers) getStats(ctx context.Context, _ json.RawMessage) (any, error) {
	collections, err := h.Schema.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	perCollection := make(map[string]any, len(collections))
	for _, c := range collections {
		if info, err := h.Schema.CollectionInfo(ctx, c); err == nil {
			perCollection[c] = info
		}
	}
	qs, _ := h.Queue.GetStatus(ctx, "")
	return map[string]any{
		"version":     Version,
		"uptime":      time.Since(h.Started).String(),
		"database":    h.Manager.URI(),
		"collections": perCollection,
		"pipeline":    h.Pipeline.Stats(),
		"cache":       h.Pipeline.CacheStats(),
		"queue":       qs,
		"models":      h.Registry.Status(),
	}, nil
}

// ---- optional LLM façade ----

type llmParams struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
}

func (h *Handlers) requireLLM() error {
	if h.LLM == nil {
		return errors.New(errors.CodeConfig, "llm facade is not configured", nil).
			WithRecovery(errors.RecoveryInfo{UserActionRequired: true, SuggestedActions: []string{
				"set llm.api_key in the worker configuration",
			}})
	}
	return nil
}

func (h *Handlers) callLLM(ctx context.Context, params json.RawMessage) (any, error) {
	if err := h.requireLLM(); err != nil {
		return nil, err
	}
	p, err := decode[llmParams](params)
	if err != nil {
		return nil, err
	}
	out, err := h.LLM.Call(ctx, p.System, p.Prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": out}, nil
}

type enhanceParams struct {
	Query string `json:"query"`
}

func (h *Handlers) enhanceQuery(ctx context.Context, params json.RawMessage) (any, error) {
	if err := h.requireLLM(); err != nil {
		return nil, err
	}
	p, err := decode[enhanceParams](params)
	if err != nil {
		return nil, err
	}
	if err := validation.Query(p.Query); err != nil {
		return nil, err
	}
	return map[string]any{"query": h.LLM.EnhanceQuery(ctx, p.Query)}, nil
}

type summarizeParams struct {
	Query   string           `json:"query"`
	Results []*search.Result `json:"results"`
}

func (h *Handlers) summarizeResults(ctx context.Context, params json.RawMessage) (any, error) {
	if err := h.requireLLM(); err != nil {
		return nil, err
	}
	p, err := decode[summarizeParams](params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"summary": h.LLM.SummarizeResults(ctx, p.Query, p.Results)}, nil
}

func (h *Handlers) searchWithLLM(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decode[searchParams](params)
	if err != nil {
		return nil, err
	}

	query := p.Query
	if h.LLM != nil {
		// Enhancement is best-effort; the raw query always works.
		query = h.LLM.EnhanceQuery(ctx, p.Query)
	}
	resp, err := h.Engine.SearchText(ctx, p.Collection, query, p.Options)
	if err != nil {
		return nil, err
	}

	summary := ""
	if h.LLM != nil {
		summary = h.LLM.SummarizeResults(ctx, p.Query, resp.Results)
	}
	return map[string]any{"response": resp, "summary": summary, "rewritten_query": query}, nil
}
