package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/localretrieve/localretrieve/internal/pipeline"
	"github.com/localretrieve/localretrieve/internal/storage"
	"github.com/localretrieve/localretrieve/internal/validation"
)

// Engine orchestrates the full pipeline for one query: analyze, plan,
// execute, fuse, post-process.
type Engine struct {
	m         *storage.Manager
	schema    *storage.Schema
	docs      *storage.Documents
	vectors   *storage.VectorIndex
	analyzer  *Analyzer
	executor  *Executor
	processor *Processor
}

// NewEngine wires the engine over the shared components.
func NewEngine(m *storage.Manager, schema *storage.Schema, docs *storage.Documents, vectors *storage.VectorIndex, p *pipeline.Pipeline, reranker Reranker) *Engine {
	return &Engine{
		m:         m,
		schema:    schema,
		docs:      docs,
		vectors:   vectors,
		analyzer:  NewAnalyzer(),
		executor:  NewExecutor(m, docs, vectors, p),
		processor: NewProcessor(reranker),
	}
}

// Search runs one query against collection.
func (e *Engine) Search(ctx context.Context, collection, query string, opts Options) (*Response, error) {
	if err := validation.Query(query); err != nil {
		return nil, err
	}
	if err := validation.CollectionName(collection); err != nil {
		return nil, err
	}

	timings := make(map[string]time.Duration)
	var warnings []string

	phase := time.Now()
	analysis := e.analyzer.Analyze(query)
	timings["analyze"] = time.Since(phase)

	phase = time.Now()
	cctx, err := e.collectionContext(ctx, collection)
	if err != nil {
		return nil, err
	}
	plan := SelectPlan(analysis, cctx, opts)
	timings["plan"] = time.Since(phase)

	// Fetch enough rows to survive offset slicing after fusion.
	fetch := plan.Limit + plan.Offset

	phase = time.Now()
	var ftsHits, vecHits []*Hit
	switch plan.Mode {
	case ModeFTSOnly:
		ftsHits, err = e.executor.ExecuteFTS(ctx, collection, query, plan.Strategy, fetch)
		if err != nil {
			// An FTS failure in a pure lexical plan yields an empty list
			// for that mode, not a hard error.
			warnings = append(warnings, "fts search failed: "+err.Error())
			ftsHits = []*Hit{}
		}
	case ModeVectorOnly:
		vecHits, err = e.executor.ExecuteVector(ctx, collection, query, fetch)
		if err != nil {
			return nil, err
		}
	default:
		var execWarnings []string
		ftsHits, vecHits, execWarnings, err = e.executor.ExecuteHybrid(ctx, collection, query, plan.Strategy, fetch)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, execWarnings...)
	}
	timings["execute"] = time.Since(phase)

	phase = time.Now()
	fused := Fuse(ftsHits, vecHits, plan.Fusion)
	timings["fuse"] = time.Since(phase)

	// Pagination applies to the fused ranking.
	if plan.Offset >= len(fused) {
		fused = []*Result{}
	} else {
		end := plan.Offset + plan.Limit
		if end > len(fused) {
			end = len(fused)
		}
		fused = fused[plan.Offset:end]
	}

	phase = time.Now()
	snippetCfg := DefaultSnippetConfig()
	if opts.Snippets != nil {
		snippetCfg = *opts.Snippets
	}
	highlightCfg := DefaultHighlightConfig()
	if opts.Highlights != nil {
		highlightCfg = *opts.Highlights
	}
	results := e.processor.Process(query, fused, snippetCfg, highlightCfg)
	timings["process"] = time.Since(phase)

	resp := &Response{Results: results, Total: len(results)}
	if opts.Debug {
		resp.Debug = &Debug{
			Analysis:        analysis,
			Plan:            plan,
			Timings:         timings,
			Warnings:        warnings,
			Recommendations: recommend(analysis, cctx, results),
		}
	}
	return resp, nil
}

// SearchText is the default entry point: automatic analysis, hybrid when
// the collection supports it.
func (e *Engine) SearchText(ctx context.Context, collection, query string, opts Options) (*Response, error) {
	return e.Search(ctx, collection, query, opts)
}

// SearchSemantic forces vector-only execution.
func (e *Engine) SearchSemantic(ctx context.Context, collection, query string, opts Options) (*Response, error) {
	opts.Mode = ModeVectorOnly
	return e.Search(ctx, collection, query, opts)
}

// SearchGlobal fans one query out across every collection and merges the
// per-collection rankings by score.
func (e *Engine) SearchGlobal(ctx context.Context, query string, opts Options) (*Response, error) {
	collections, err := e.schema.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	if len(collections) == 0 {
		return &Response{Results: []*Result{}}, nil
	}

	limit := validation.Limit(opts.Limit, DefaultLimit, MaxLimit)
	var all []*Result
	var warnings []string
	for _, c := range collections {
		perCollection := opts
		perCollection.Debug = false
		resp, err := e.Search(ctx, c, query, perCollection)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("collection %s failed: %v", c, err))
			continue
		}
		for _, r := range resp.Results {
			if r.Metadata == nil {
				r.Metadata = make(map[string]any, 1)
			}
			r.Metadata["collection"] = c
			all = append(all, r)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}

	resp := &Response{Results: all, Total: len(all)}
	if opts.Debug {
		resp.Debug = &Debug{Warnings: warnings}
	}
	return resp, nil
}

// collectionContext gathers what the strategy selector needs to know.
func (e *Engine) collectionContext(ctx context.Context, collection string) (CollectionContext, error) {
	if _, err := e.schema.GetCollection(ctx, collection); err != nil {
		return CollectionContext{}, err
	}
	docCount, err := e.docs.Count(ctx, collection)
	if err != nil {
		return CollectionContext{}, err
	}
	vecCount, err := e.vectors.Count(ctx, collection)
	if err != nil {
		return CollectionContext{}, err
	}
	return CollectionContext{
		DocumentCount: docCount,
		HasFTS:        true,
		HasVector:     true,
		HasEmbeddings: vecCount > 0,
	}, nil
}

// recommend produces caller-facing hints for debug mode.
func recommend(analysis *Analysis, cctx CollectionContext, results []*Result) []string {
	var recs []string
	if !cctx.HasEmbeddings && cctx.DocumentCount > 0 {
		recs = append(recs, "collection has no embeddings; run the embedding queue to enable semantic search")
	}
	if len(results) == 0 && analysis.Type == QueryTypePhrase {
		recs = append(recs, "phrase query returned nothing; retry without quotes for broader matching")
	}
	if analysis.Features.WordCount > 20 {
		recs = append(recs, "long queries dilute keyword scoring; consider a shorter query")
	}
	return recs
}
