// Package embed provides embedding providers and their per-collection
// registry. Providers turn text into fixed-dimension float32 vectors; the
// registry instantiates, caches, and disposes them.
package embed

import (
	"context"
	"time"
)

// Common embedding constants.
const (
	// LocalDimensions is the fixed dimension of the in-process provider.
	LocalDimensions = 384

	// DefaultLocalTimeout bounds one local generation.
	DefaultLocalTimeout = 10 * time.Second

	// DefaultRemoteTimeout bounds one HTTPS generation.
	DefaultRemoteTimeout = 30 * time.Second

	// DefaultMaxTextLength is the per-text input cap when a provider does
	// not declare its own.
	DefaultMaxTextLength = 8192
)

// Config describes how to construct a provider for a collection.
type Config struct {
	// Provider selects the variant: "local" or "openai".
	Provider string `json:"provider"`

	// Model is the provider-specific model identifier.
	Model string `json:"model"`

	// Dimensions is the expected output dimension.
	Dimensions int `json:"dimensions"`

	// APIKey authenticates HTTPS providers.
	APIKey string `json:"api_key,omitempty"`

	// BaseURL overrides the HTTPS endpoint (for proxies and tests).
	BaseURL string `json:"base_url,omitempty"`

	// RequestsPerMinute bounds the HTTPS provider's request rate.
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`

	// Timeout bounds a single generation call.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxRetries bounds the HTTPS retry loop.
	MaxRetries int `json:"max_retries,omitempty"`
}

// Metrics are per-provider counters.
type Metrics struct {
	Requests       int64         `json:"requests"`
	Failures       int64         `json:"failures"`
	TextsEmbedded  int64         `json:"texts_embedded"`
	TotalLatency   time.Duration `json:"total_latency"`
	AverageLatency time.Duration `json:"average_latency"`
	LastUsed       time.Time     `json:"last_used"`
}

// Provider generates vector embeddings for text.
type Provider interface {
	// Initialize prepares the provider (model load, credential check).
	Initialize(ctx context.Context) error

	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// HealthCheck verifies the provider is usable.
	HealthCheck(ctx context.Context) error

	// Metrics returns a snapshot of the provider's counters.
	Metrics() Metrics

	// Cleanup releases resources.
	Cleanup() error

	// Name returns the provider identifier.
	Name() string

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// MaxBatchSize is the largest accepted batch.
	MaxBatchSize() int

	// MaxTextLength is the longest accepted input, in bytes.
	MaxTextLength() int

	// Ready reports whether Initialize has completed.
	Ready() bool
}
