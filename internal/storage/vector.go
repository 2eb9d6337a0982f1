package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// hnswThreshold is the collection size at or above which searches go through an
// in-memory HNSW graph instead of a brute-force scan.
const hnswThreshold = 256

// VectorMatch is one nearest-neighbor result.
type VectorMatch struct {
	DocRowID int64   `json:"doc_rowid"`
	Distance float32 `json:"distance"`
	Score    float64 `json:"score"`
}

// VectorIndex reads and writes the per-collection dense-vector tables.
// The SQL rows are authoritative; HNSW graphs are a per-collection
// accelerator rebuilt lazily after writes invalidate them.
type VectorIndex struct {
	m *Manager

	mu     sync.Mutex
	graphs map[string]*collectionGraph
}

type collectionGraph struct {
	graph *hnsw.Graph[int64]
	dims  int
	count int
}

// NewVectorIndex wraps the storage manager.
func NewVectorIndex(m *Manager) *VectorIndex {
	return &VectorIndex{m: m, graphs: make(map[string]*collectionGraph)}
}

// EncodeVector serializes a float32 vector as a little-endian blob.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector deserializes a little-endian blob into a float32 vector.
func DecodeVector(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec
}

// ValidateVector checks dimensions and component finiteness.
func ValidateVector(vec []float32, dims int) error {
	if len(vec) != dims {
		return errors.DimensionMismatch(dims, len(vec))
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return errors.New(errors.CodeVector, "vector contains non-finite components", nil)
		}
	}
	return nil
}

// Upsert writes the vector for docRowID, replacing any prior one.
func (vi *VectorIndex) Upsert(ctx context.Context, collection string, docRowID int64, vec []float32, dims int) error {
	if err := ValidateVector(vec, dims); err != nil {
		return err
	}
	err := vi.m.Exec(ctx,
		"INSERT OR REPLACE INTO "+VecTable(collection)+" (doc_rowid, embedding) VALUES (?, ?)",
		docRowID, EncodeVector(vec))
	if err != nil {
		return err
	}
	vi.invalidate(collection)
	return nil
}

// UpsertTx is Upsert inside a caller-managed transaction. Used by the
// embedding queue so the vector write and the queue-state transition
// commit as one unit.
func (vi *VectorIndex) UpsertTx(ctx context.Context, tx *sql.Tx, collection string, docRowID int64, vec []float32, dims int) error {
	if err := ValidateVector(vec, dims); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO "+VecTable(collection)+" (doc_rowid, embedding) VALUES (?, ?)",
		docRowID, EncodeVector(vec))
	if err != nil {
		return errors.New(errors.CodeVector, "failed to write vector", err)
	}
	vi.invalidate(collection)
	return nil
}

// Delete removes the vector for docRowID.
func (vi *VectorIndex) Delete(ctx context.Context, collection string, docRowID int64) error {
	err := vi.m.Exec(ctx,
		"DELETE FROM "+VecTable(collection)+" WHERE doc_rowid = ?", docRowID)
	if err != nil {
		return err
	}
	vi.invalidate(collection)
	return nil
}

// Get reads one vector, or nil when absent.
func (vi *VectorIndex) Get(ctx context.Context, collection string, docRowID int64) ([]float32, error) {
	rs, err := vi.m.Select(ctx,
		"SELECT embedding FROM "+VecTable(collection)+" WHERE doc_rowid = ?", docRowID)
	if err != nil {
		return nil, err
	}
	if len(rs.Rows) == 0 {
		return nil, nil
	}
	blob, _ := rs.Rows[0]["embedding"].([]byte)
	return DecodeVector(blob), nil
}

// Count reports the number of stored vectors.
func (vi *VectorIndex) Count(ctx context.Context, collection string) (int64, error) {
	rs, err := vi.m.Select(ctx, "SELECT COUNT(*) AS n FROM "+VecTable(collection))
	if err != nil {
		return 0, err
	}
	if len(rs.Rows) == 0 {
		return 0, nil
	}
	n, _ := rs.Rows[0]["n"].(int64)
	return n, nil
}

// Search returns the k nearest vectors to query by cosine distance,
// ascending. The score for each match is 1 - min(distance, 1), clamped
// to [0, 1].
func (vi *VectorIndex) Search(ctx context.Context, collection string, query []float32, k int) ([]VectorMatch, error) {
	if k <= 0 {
		k = 10
	}

	rows, err := vi.loadAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []VectorMatch{}, nil
	}

	dims := len(query)
	for _, r := range rows {
		if len(r.vec) != dims {
			return nil, errors.DimensionMismatch(len(r.vec), dims)
		}
	}

	q := normalize(query)

	if len(rows) >= hnswThreshold {
		if matches, err := vi.searchGraph(collection, rows, q, k); err == nil {
			return matches, nil
		} else {
			slog.Warn("hnsw search failed, falling back to scan",
				slog.String("collection", collection), slog.String("error", err.Error()))
		}
	}
	return bruteForce(rows, q, k), nil
}

type vectorRow struct {
	rowID int64
	vec   []float32
}

func (vi *VectorIndex) loadAll(ctx context.Context, collection string) ([]vectorRow, error) {
	rs, err := vi.m.Select(ctx,
		"SELECT doc_rowid, embedding FROM "+VecTable(collection))
	if err != nil {
		return nil, err
	}
	rows := make([]vectorRow, 0, len(rs.Rows))
	for _, r := range rs.Rows {
		id, _ := r["doc_rowid"].(int64)
		blob, _ := r["embedding"].([]byte)
		rows = append(rows, vectorRow{rowID: id, vec: normalize(DecodeVector(blob))})
	}
	return rows, nil
}

// searchGraph queries the cached HNSW graph, rebuilding it if writes have
// invalidated it since the last search.
func (vi *VectorIndex) searchGraph(collection string, rows []vectorRow, query []float32, k int) ([]VectorMatch, error) {
	vi.mu.Lock()
	cg, ok := vi.graphs[collection]
	if !ok || cg.count != len(rows) || cg.dims != len(query) {
		graph := hnsw.NewGraph[int64]()
		graph.Distance = hnsw.CosineDistance
		graph.M = 16
		graph.EfSearch = 32
		graph.Ml = 0.25
		for _, r := range rows {
			graph.Add(hnsw.MakeNode(r.rowID, r.vec))
		}
		cg = &collectionGraph{graph: graph, dims: len(query), count: len(rows)}
		vi.graphs[collection] = cg
	}
	vi.mu.Unlock()

	nodes := cg.graph.Search(query, k)
	matches := make([]VectorMatch, 0, len(nodes))
	for _, node := range nodes {
		d := cosineDistance(query, node.Value)
		matches = append(matches, VectorMatch{
			DocRowID: node.Key,
			Distance: d,
			Score:    distanceToScore(d),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	return matches, nil
}

// invalidate drops the cached graph so the next search rebuilds it.
func (vi *VectorIndex) invalidate(collection string) {
	vi.mu.Lock()
	delete(vi.graphs, collection)
	vi.mu.Unlock()
}

func bruteForce(rows []vectorRow, query []float32, k int) []VectorMatch {
	matches := make([]VectorMatch, 0, len(rows))
	for _, r := range rows {
		d := cosineDistance(query, r.vec)
		matches = append(matches, VectorMatch{
			DocRowID: r.rowID,
			Distance: d,
			Score:    distanceToScore(d),
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].DocRowID < matches[j].DocRowID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// distanceToScore converts a cosine distance into a [0, 1] similarity.
func distanceToScore(d float32) float64 {
	if d > 1 {
		d = 1
	}
	if d < 0 {
		d = 0
	}
	return float64(1 - d)
}

// cosineDistance assumes both inputs are unit-normalized.
func cosineDistance(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	d := 1 - dot
	if d < 0 {
		return 0
	}
	return float32(d)
}

// normalize returns a unit-length copy of v.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := math.Sqrt(sum)
	if mag == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}
