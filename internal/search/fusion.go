package search

import (
	"math"
	"sort"
)

// Fuse merges per-source hit lists into one ranked result list according
// to cfg. Input order within each source list is its ranking (index 0 is
// rank 1; Hit.Rank is not read). The output does not depend on map
// iteration order: sortResults breaks every score tie deterministically.
func Fuse(fts, vector []*Hit, cfg FusionConfig) []*Result {
	if cfg.Method == FusionWeighted {
		return fuseWeighted(fts, vector, cfg)
	}
	return fuseRRF(fts, vector, cfg)
}

// fuseRRF implements reciprocal rank fusion:
//
//	score(d) = w_fts/(k + rank_fts(d)) + w_vec/(k + rank_vec(d))
//
// with a missing rank contributing nothing.
func fuseRRF(fts, vector []*Hit, cfg FusionConfig) []*Result {
	k := cfg.K
	if k <= 0 {
		k = DefaultRRFConstant
	}

	merged := make(map[string]*Result, len(fts)+len(vector))

	for i, h := range fts {
		r := getOrCreate(merged, h)
		r.FTSScore = h.RawScore
		r.FTSRank = i + 1
		r.Score += cfg.Weights.FTS / float64(k+i+1)
	}
	for i, h := range vector {
		r := getOrCreate(merged, h)
		r.VecScore = h.RawScore
		r.VecRank = i + 1
		r.Score += cfg.Weights.Vector / float64(k+i+1)
		if r.FTSRank > 0 {
			r.InBoth = true
		}
	}

	return sortResults(merged)
}

// fuseWeighted linearly combines normalized raw scores.
func fuseWeighted(fts, vector []*Hit, cfg FusionConfig) []*Result {
	ftsScores := normalizeScores(rawScores(fts), cfg.Normalization)
	vecScores := normalizeScores(rawScores(vector), cfg.Normalization)

	merged := make(map[string]*Result, len(fts)+len(vector))
	for i, h := range fts {
		r := getOrCreate(merged, h)
		r.FTSScore = h.RawScore
		r.FTSRank = i + 1
		r.Score += cfg.Weights.FTS * ftsScores[i]
	}
	for i, h := range vector {
		r := getOrCreate(merged, h)
		r.VecScore = h.RawScore
		r.VecRank = i + 1
		r.Score += cfg.Weights.Vector * vecScores[i]
		if r.FTSRank > 0 {
			r.InBoth = true
		}
	}
	return sortResults(merged)
}

func getOrCreate(m map[string]*Result, h *Hit) *Result {
	if r, ok := m[h.ID]; ok {
		return r
	}
	r := &Result{
		ID:       h.ID,
		Title:    h.Title,
		Content:  h.Content,
		Metadata: h.Metadata,
	}
	m[h.ID] = r
	return r
}

// sortResults orders by score descending with deterministic tie-breaks:
// both-list membership, then FTS score, then id.
func sortResults(m map[string]*Result) []*Result {
	out := make([]*Result, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.InBoth != b.InBoth {
			return a.InBoth
		}
		if a.FTSScore != b.FTSScore {
			return a.FTSScore > b.FTSScore
		}
		return a.ID < b.ID
	})
	return out
}

func rawScores(hits []*Hit) []float64 {
	out := make([]float64, len(hits))
	for i, h := range hits {
		out[i] = h.RawScore
	}
	return out
}

// normalizeScores maps one source's scores into a comparable range.
func normalizeScores(scores []float64, method Normalization) []float64 {
	if len(scores) == 0 {
		return scores
	}
	switch method {
	case NormalizationMinMax:
		return minMax(scores)
	case NormalizationZScore:
		return zScore(scores)
	case NormalizationSigmoid:
		return sigmoid(scores)
	default:
		out := make([]float64, len(scores))
		copy(out, scores)
		return out
	}
}

// minMax maps scores onto [0, 1]. A constant list maps to all ones.
func minMax(scores []float64) []float64 {
	lo, hi := scores[0], scores[0]
	for _, s := range scores {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// zScore centers on the mean with unit variance.
func zScore(scores []float64) []float64 {
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	stddev := math.Sqrt(variance / float64(len(scores)))

	out := make([]float64, len(scores))
	if stddev == 0 {
		return out
	}
	for i, s := range scores {
		out[i] = (s - mean) / stddev
	}
	return out
}

// sigmoid squashes onto (0, 1), centered on the source's median.
func sigmoid(scores []float64) []float64 {
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = 1 / (1 + math.Exp(-(s - median)))
	}
	return out
}
