package embed

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/localretrieve/localretrieve/internal/errors"
)

// Feature weights for the local model's vector construction.
const (
	localTokenWeight = 0.7
	localNgramWeight = 0.3
	localNgramSize   = 3
	localMaxBatch    = 64
)

// englishStopWords are filtered before hashing; they carry no retrieval
// signal and would dominate short documents.
var englishStopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true, "this": true, "but": true, "they": true,
	"have": true, "had": true, "what": true, "when": true, "where": true,
	"who": true, "which": true, "why": true, "how": true,
}

var localTokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// LocalProvider is the in-process embedding model: deterministic
// feature-hashed vectors at a fixed 384 dimensions. It needs no network
// and no model download, and exists so the engine works offline.
type LocalProvider struct {
	base
}

// Compile-time interface check.
var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider creates the in-process provider.
func NewLocalProvider(_ Config) *LocalProvider {
	return &LocalProvider{base: newBase("local", LocalDimensions, localMaxBatch, DefaultMaxTextLength)}
}

// Initialize marks the provider ready. The local model has no weights to
// load, so this is immediate.
func (p *LocalProvider) Initialize(_ context.Context) error {
	p.setReady(true)
	return nil
}

// Embed generates a deterministic embedding for text.
func (p *LocalProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := p.embed(ctx, text)
	p.record(1, time.Since(start), err)
	return vec, err
}

func (p *LocalProvider) embed(ctx context.Context, text string) ([]float32, error) {
	if !p.Ready() {
		return nil, errors.New(errors.CodeNotInitialized, "local provider is not initialized", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeTimeout, "embedding cancelled", err)
	}
	if err := p.validateText(text); err != nil {
		return nil, err
	}

	vec := p.generateVector(strings.TrimSpace(text))
	vec = normalizeVector(vec)
	if err := p.validateOutput(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch maps Embed over texts sequentially; the local model has no
// batch acceleration.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	if err := p.validateBatch(texts); err != nil {
		p.record(0, 0, err)
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.embed(ctx, t)
		if err != nil {
			p.record(i, time.Since(start), err)
			return nil, err
		}
		out[i] = vec
	}
	p.record(len(texts), time.Since(start), nil)
	return out, nil
}

// generateVector hashes word tokens and character trigrams into the
// fixed-dimension space.
func (p *LocalProvider) generateVector(text string) []float32 {
	vec := make([]float32, LocalDimensions)

	for _, token := range localTokenize(text) {
		vec[hashToIndex(token, LocalDimensions)] += localTokenWeight
	}

	compact := compactAlnum(text)
	for i := 0; i+localNgramSize <= len(compact); i++ {
		vec[hashToIndex(compact[i:i+localNgramSize], LocalDimensions)] += localNgramWeight
	}
	return vec
}

// localTokenize lowercases, splits on non-alphanumerics, drops stop words.
func localTokenize(text string) []string {
	words := localTokenRe.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		if !englishStopWords[w] {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// compactAlnum lowercases and strips everything but letters and digits.
func compactAlnum(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// hashToIndex maps a string to a vector index via FNV-64.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// HealthCheck reports readiness.
func (p *LocalProvider) HealthCheck(_ context.Context) error {
	if !p.Ready() {
		return errors.New(errors.CodeNotInitialized, "local provider is not initialized", nil)
	}
	return nil
}

// Cleanup releases the provider.
func (p *LocalProvider) Cleanup() error {
	p.setReady(false)
	return nil
}
