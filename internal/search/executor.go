package search

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/localretrieve/localretrieve/internal/pipeline"
	"github.com/localretrieve/localretrieve/internal/storage"
)

// Hit sources.
const (
	SourceFTS    = "fts"
	SourceVector = "vector"
)

var ftsTokenRe = regexp.MustCompile(`[\w']+`)

// Executor runs plans against the storage manager.
type Executor struct {
	m        *storage.Manager
	docs     *storage.Documents
	vectors  *storage.VectorIndex
	pipeline *pipeline.Pipeline
}

// NewExecutor wires the executor over the shared storage components.
func NewExecutor(m *storage.Manager, docs *storage.Documents, vectors *storage.VectorIndex, p *pipeline.Pipeline) *Executor {
	return &Executor{m: m, docs: docs, vectors: vectors, pipeline: p}
}

// TranslateFTSQuery maps a strategy onto FTS5 match syntax: phrase and
// exact queries quote, boolean passes through, fuzzy expands each token
// into a prefix match, everything else passes tokens through.
func TranslateFTSQuery(query string, strategy Strategy) string {
	switch strategy {
	case StrategyPhrase:
		return `"` + strings.ReplaceAll(strings.Trim(query, `"`), `"`, `""`) + `"`
	case StrategyBoolean:
		return query
	case StrategyFuzzy:
		tokens := ftsTokenRe.FindAllString(strings.ReplaceAll(query, "*", " "), -1)
		parts := make([]string, 0, len(tokens))
		for _, t := range tokens {
			parts = append(parts, `"`+t+`"*`)
		}
		return strings.Join(parts, " OR ")
	case StrategySemantic, StrategyHybrid:
		// Natural-language queries: any-term matching, BM25 ranks the
		// overlap. Implicit AND would demand every filler word.
		tokens := ftsTokenRe.FindAllString(query, -1)
		parts := make([]string, 0, len(tokens))
		for _, t := range tokens {
			parts = append(parts, `"`+t+`"`)
		}
		return strings.Join(parts, " OR ")
	default:
		// Tokenized passthrough: implicit AND, no FTS5 syntax surprises
		// from stray punctuation.
		tokens := ftsTokenRe.FindAllString(query, -1)
		parts := make([]string, 0, len(tokens))
		for _, t := range tokens {
			parts = append(parts, `"`+t+`"`)
		}
		return strings.Join(parts, " ")
	}
}

// ExecuteFTS runs the lexical side of a plan. Hits come back ordered by
// BM25 (best first) with RawScore negated so higher is better.
func (e *Executor) ExecuteFTS(ctx context.Context, collection, query string, strategy Strategy, limit int) ([]*Hit, error) {
	match := TranslateFTSQuery(query, strategy)
	if match == "" {
		return []*Hit{}, nil
	}

	fts := storage.FTSTable(collection)
	docs := storage.DocsTable(collection)
	rs, err := e.m.Select(ctx,
		`SELECT d.rowid AS rowid, d.id AS id, d.title AS title, d.content AS content,
			d.metadata AS metadata, bm25(`+fts+`) AS bm25
		 FROM `+fts+`
		 JOIN `+docs+` d ON d.id = `+fts+`.doc_id
		 WHERE `+fts+` MATCH ?
		 ORDER BY bm25 ASC
		 LIMIT ?`,
		match, limit)
	if err != nil {
		return nil, err
	}

	hits := make([]*Hit, 0, len(rs.Rows))
	for i, row := range rs.Rows {
		h := hitFromRow(row)
		if bm25, ok := row["bm25"].(float64); ok {
			// bm25() is smaller-is-better; negate for a descending score.
			h.RawScore = -bm25
		}
		h.Source = SourceFTS
		h.Rank = i + 1
		hits = append(hits, h)
	}
	return hits, nil
}

// ExecuteVector runs the semantic side: query embedding via the
// pipeline, nearest-neighbor search, document join. Hits come back
// ordered by cosine distance ascending with score 1 - min(d, 1).
func (e *Executor) ExecuteVector(ctx context.Context, collection, query string, limit int) ([]*Hit, error) {
	res, err := e.pipeline.Generate(ctx, collection, query, pipeline.Options{})
	if err != nil {
		return nil, err
	}

	matches, err := e.vectors.Search(ctx, collection, res.Vector, limit)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return []*Hit{}, nil
	}

	rowIDs := make([]int64, len(matches))
	for i, m := range matches {
		rowIDs[i] = m.DocRowID
	}
	docsByRow, err := e.docs.GetByRowIDs(ctx, collection, rowIDs)
	if err != nil {
		return nil, err
	}

	hits := make([]*Hit, 0, len(matches))
	for _, m := range matches {
		doc, ok := docsByRow[m.DocRowID]
		if !ok {
			// Vector without a document: skip, consistency repair is a
			// queue concern.
			continue
		}
		hits = append(hits, &Hit{
			RowID:    doc.RowID,
			ID:       doc.ID,
			Title:    doc.Title,
			Content:  doc.Content,
			Metadata: doc.Metadata,
			RawScore: m.Score,
			Source:   SourceVector,
			Rank:     len(hits) + 1,
		})
	}
	return hits, nil
}

// ExecuteHybrid runs both sides in parallel. A vector failure degrades
// to FTS-only with a warning; an FTS failure yields an empty lexical
// list. Only a double failure is an error.
func (e *Executor) ExecuteHybrid(ctx context.Context, collection, query string, strategy Strategy, limit int) (fts, vector []*Hit, warnings []string, err error) {
	var ftsErr, vecErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fts, ftsErr = e.ExecuteFTS(gctx, collection, query, strategy, limit)
		return nil
	})
	g.Go(func() error {
		vector, vecErr = e.ExecuteVector(gctx, collection, query, limit)
		return nil
	})
	_ = g.Wait()

	if ftsErr != nil && vecErr != nil {
		return nil, nil, nil, ftsErr
	}
	if vecErr != nil {
		warnings = append(warnings, "vector search failed, degraded to fts only: "+vecErr.Error())
		vector = []*Hit{}
	}
	if ftsErr != nil {
		warnings = append(warnings, "fts search failed: "+ftsErr.Error())
		fts = []*Hit{}
	}
	return fts, vector, warnings, nil
}

func hitFromRow(row storage.Row) *Hit {
	h := &Hit{}
	h.RowID, _ = row["rowid"].(int64)
	h.ID, _ = row["id"].(string)
	h.Title, _ = row["title"].(string)
	h.Content, _ = row["content"].(string)
	if raw, ok := row["metadata"].(string); ok && raw != "" && raw != "{}" {
		h.Metadata = decodeMetadata(raw)
	}
	return h
}
