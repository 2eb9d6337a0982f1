package embed

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// base carries the behavior shared by every provider variant: input
// validation, output checks, and metrics. Variants embed it by
// composition, not inheritance.
type base struct {
	name          string
	dims          int
	maxBatch      int
	maxTextLength int

	mu      sync.Mutex
	ready   bool
	metrics Metrics
}

func newBase(name string, dims, maxBatch, maxTextLength int) base {
	if maxTextLength <= 0 {
		maxTextLength = DefaultMaxTextLength
	}
	return base{name: name, dims: dims, maxBatch: maxBatch, maxTextLength: maxTextLength}
}

func (b *base) Name() string       { return b.name }
func (b *base) Dimensions() int    { return b.dims }
func (b *base) MaxBatchSize() int  { return b.maxBatch }
func (b *base) MaxTextLength() int { return b.maxTextLength }

func (b *base) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

func (b *base) setReady(ready bool) {
	b.mu.Lock()
	b.ready = ready
	b.mu.Unlock()
}

// validateText rejects empty and over-length inputs.
func (b *base) validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.ValidationError("text must not be empty")
	}
	if len(text) > b.maxTextLength {
		return errors.Newf(errors.CodeValidation,
			"text too long for provider %s: %d bytes (max %d)", b.name, len(text), b.maxTextLength)
	}
	return nil
}

// validateBatch rejects empty and oversized batches, then each text.
func (b *base) validateBatch(texts []string) error {
	if len(texts) == 0 {
		return errors.ValidationError("batch must not be empty")
	}
	if len(texts) > b.maxBatch {
		return errors.Newf(errors.CodeValidation,
			"batch too large for provider %s: %d texts (max %d)", b.name, len(texts), b.maxBatch)
	}
	for _, t := range texts {
		if err := b.validateText(t); err != nil {
			return err
		}
	}
	return nil
}

// validateOutput enforces the dimension invariant and finiteness.
func (b *base) validateOutput(vec []float32) error {
	if len(vec) != b.dims {
		return errors.DimensionMismatch(b.dims, len(vec))
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return errors.New(errors.CodeProvider,
				"provider "+b.name+" returned non-finite components", nil)
		}
	}
	return nil
}

// record updates metrics for one call embedding n texts.
func (b *base) record(n int, elapsed time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Requests++
	b.metrics.LastUsed = time.Now()
	if err != nil {
		b.metrics.Failures++
		return
	}
	b.metrics.TextsEmbedded += int64(n)
	b.metrics.TotalLatency += elapsed
	b.metrics.AverageLatency = b.metrics.TotalLatency / time.Duration(b.metrics.Requests)
}

func (b *base) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}
	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
