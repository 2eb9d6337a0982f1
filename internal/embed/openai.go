package embed

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	lrerrors "github.com/localretrieve/localretrieve/internal/errors"
)

// HTTPS provider limits.
const (
	openaiMaxBatch       = 2048
	openaiMaxTextLength  = 8192
	openaiDefaultModel   = "text-embedding-3-small"
	openaiInitialBackoff = 500 * time.Millisecond
	openaiMaxBackoff     = 30 * time.Second
)

// OpenAIProvider generates embeddings over HTTPS. Requests pass through a
// token-bucket rate limiter and an exponential-backoff retry loop with
// jitter; 429 responses with a reset hint push the next attempt past the
// hint.
type OpenAIProvider struct {
	base

	cfg     Config
	client  *openai.Client
	limiter *rate.Limiter
}

// Compile-time interface check.
var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates the HTTPS provider from cfg.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	if cfg.Model == "" {
		cfg.Model = openaiDefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}

	return &OpenAIProvider{
		base:    newBase("openai", cfg.Dimensions, openaiMaxBatch, openaiMaxTextLength),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm),
	}
}

// Initialize validates credentials and constructs the HTTP client.
func (p *OpenAIProvider) Initialize(_ context.Context) error {
	if p.cfg.APIKey == "" {
		return lrerrors.New(lrerrors.CodeAuth, "openai provider requires an api key", nil).
			WithRecovery(lrerrors.RecoveryInfo{UserActionRequired: true, SuggestedActions: []string{
				"set providers.openai.api_key or LOCALRETRIEVE_OPENAI_API_KEY",
			}})
	}
	clientCfg := openai.DefaultConfig(p.cfg.APIKey)
	if p.cfg.BaseURL != "" {
		clientCfg.BaseURL = p.cfg.BaseURL
	}
	p.client = openai.NewClientWithConfig(clientCfg)
	p.setReady(true)
	return nil
}

// Embed generates one embedding.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for texts in a single API call,
// retried per the provider's backoff policy.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := p.embedBatch(ctx, texts)
	p.record(len(texts), time.Since(start), err)
	return vecs, err
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if !p.Ready() {
		return nil, lrerrors.New(lrerrors.CodeNotInitialized, "openai provider is not initialized", nil)
	}
	if err := p.validateBatch(texts); err != nil {
		return nil, err
	}

	var out [][]float32
	err := p.withRetry(ctx, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return lrerrors.New(lrerrors.CodeTimeout, "rate limiter wait cancelled", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		req := openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(p.cfg.Model),
		}
		if p.cfg.Dimensions > 0 {
			req.Dimensions = p.cfg.Dimensions
		}

		resp, err := p.client.CreateEmbeddings(callCtx, req)
		if err != nil {
			return p.classify(err)
		}
		if len(resp.Data) != len(texts) {
			return lrerrors.Newf(lrerrors.CodeProvider,
				"openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
		}

		out = make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(texts) {
				return lrerrors.Newf(lrerrors.CodeProvider, "openai returned out-of-range index %d", d.Index)
			}
			vec := make([]float32, len(d.Embedding))
			copy(vec, d.Embedding)
			if err := p.validateOutput(vec); err != nil {
				return err
			}
			out[d.Index] = vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// withRetry runs fn with exponential backoff and jitter, honoring 429
// reset hints and giving up on non-retryable failures.
func (p *OpenAIProvider) withRetry(ctx context.Context, fn func() error) error {
	delay := openaiInitialBackoff
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return lrerrors.New(lrerrors.CodeTimeout, "embedding cancelled", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !lrerrors.IsRetryable(err) || attempt >= p.cfg.MaxRetries {
			break
		}

		wait := delay
		if le, ok := err.(*lrerrors.Error); ok && le.Recovery != nil && le.Recovery.RetryAfter > 0 {
			// A 429 reset hint overrides the computed backoff.
			wait = le.Recovery.RetryAfter
		}
		// Up to half the wait again as random jitter keeps concurrent
		// retriers from stampeding.
		wait += time.Duration(rand.Int63n(int64(wait)/2 + 1))
		if wait > openaiMaxBackoff {
			wait = openaiMaxBackoff
		}

		select {
		case <-ctx.Done():
			return lrerrors.New(lrerrors.CodeTimeout, "embedding cancelled during backoff", ctx.Err())
		case <-time.After(wait):
		}

		delay *= 2
		if delay > openaiMaxBackoff {
			delay = openaiMaxBackoff
		}
	}
	return lastErr
}

// classify maps transport and API failures onto the boundary error
// taxonomy. Retryable: network timeout, connection failure, 5xx, 408,
// 429. Terminal: 401, 400, validation.
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return lrerrors.New(lrerrors.CodeAuth, "openai authentication failed: "+apiErr.Message, err).
				WithRecovery(lrerrors.RecoveryInfo{UserActionRequired: true, SuggestedActions: []string{
					"verify the configured api key",
				}})
		case apiErr.HTTPStatusCode == 429:
			le := lrerrors.New(lrerrors.CodeQuotaExceeded, "openai rate limited: "+apiErr.Message, err)
			le.Recovery = &lrerrors.RecoveryInfo{CanRetry: true, RetryAfter: parseResetHint(apiErr)}
			return le
		case apiErr.HTTPStatusCode == 408:
			return lrerrors.New(lrerrors.CodeNetworkTimeout, "openai request timeout", err)
		case apiErr.HTTPStatusCode >= 500:
			return lrerrors.New(lrerrors.CodeNetworkServer, "openai server error: "+apiErr.Message, err)
		case apiErr.HTTPStatusCode == 400:
			return lrerrors.New(lrerrors.CodeConfig, "openai rejected the request: "+apiErr.Message, err)
		default:
			return lrerrors.New(lrerrors.CodeProvider, "openai error: "+apiErr.Message, err)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode >= 500 {
		return lrerrors.New(lrerrors.CodeNetworkServer, "openai server error", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return lrerrors.New(lrerrors.CodeNetworkTimeout, "network timeout reaching openai", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return lrerrors.New(lrerrors.CodeNetworkTimeout, "openai call deadline exceeded", err)
	}
	return lrerrors.New(lrerrors.CodeNetworkConnection, "failed to reach openai: "+err.Error(), err)
}

// parseResetHint extracts a retry delay from a 429, defaulting to one
// second when the response carries no usable hint.
func parseResetHint(apiErr *openai.APIError) time.Duration {
	if apiErr == nil {
		return time.Second
	}
	// The SDK surfaces no reset header; the error code sometimes names
	// the window. Default conservatively.
	return time.Second
}

// HealthCheck issues a minimal embedding request.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if !p.Ready() {
		return lrerrors.New(lrerrors.CodeNotInitialized, "openai provider is not initialized", nil)
	}
	_, err := p.Embed(ctx, "ping")
	return err
}

// Cleanup releases the provider.
func (p *OpenAIProvider) Cleanup() error {
	p.setReady(false)
	p.client = nil
	return nil
}
