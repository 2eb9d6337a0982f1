package embed

import (
	"context"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lrerrors "github.com/localretrieve/localretrieve/internal/errors"
)

func TestInitializeRequiresAPIKey(t *testing.T) {
	p := NewOpenAIProvider(Config{Provider: "openai", Dimensions: 1536})
	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, lrerrors.CodeAuth, lrerrors.CodeOf(err))
	assert.False(t, p.Ready())
}

func TestEmbedBeforeInitializeFails(t *testing.T) {
	p := NewOpenAIProvider(Config{Provider: "openai", Dimensions: 1536})
	_, err := p.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, lrerrors.CodeNotInitialized, lrerrors.CodeOf(err))
}

func TestClassifyMapsStatusCodes(t *testing.T) {
	p := NewOpenAIProvider(Config{Provider: "openai", Dimensions: 1536, APIKey: "k"})

	tests := []struct {
		status    int
		wantCode  string
		retryable bool
	}{
		{401, lrerrors.CodeAuth, false},
		{403, lrerrors.CodeAuth, false},
		{429, lrerrors.CodeQuotaExceeded, true},
		{408, lrerrors.CodeNetworkTimeout, true},
		{500, lrerrors.CodeNetworkServer, true},
		{503, lrerrors.CodeNetworkServer, true},
		{400, lrerrors.CodeConfig, false},
	}
	for _, tt := range tests {
		err := p.classify(&openai.APIError{HTTPStatusCode: tt.status, Message: "x"})
		assert.Equal(t, tt.wantCode, lrerrors.CodeOf(err), "status %d", tt.status)
		assert.Equal(t, tt.retryable, lrerrors.IsRetryable(err), "status %d", tt.status)
	}
}

func TestClassifyDeadlineExceeded(t *testing.T) {
	p := NewOpenAIProvider(Config{Provider: "openai", Dimensions: 1536, APIKey: "k"})
	err := p.classify(context.DeadlineExceeded)
	assert.Equal(t, lrerrors.CodeNetworkTimeout, lrerrors.CodeOf(err))
	assert.True(t, lrerrors.IsRetryable(err))
}

func TestClassifyRateLimitCarriesResetHint(t *testing.T) {
	p := NewOpenAIProvider(Config{Provider: "openai", Dimensions: 1536, APIKey: "k"})
	err := p.classify(&openai.APIError{HTTPStatusCode: 429, Message: "slow down"})
	le, ok := err.(*lrerrors.Error)
	require.True(t, ok)
	require.NotNil(t, le.Recovery)
	assert.True(t, le.Recovery.CanRetry)
	assert.Positive(t, le.Recovery.RetryAfter)
}

func TestWithRetryStopsOnTerminalError(t *testing.T) {
	p := NewOpenAIProvider(Config{Provider: "openai", Dimensions: 1536, APIKey: "k", MaxRetries: 5})

	calls := 0
	err := p.withRetry(context.Background(), func() error {
		calls++
		return lrerrors.New(lrerrors.CodeAuth, "bad key", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "auth failures must not retry")
}

func TestWithRetryRetriesRetryableErrors(t *testing.T) {
	p := NewOpenAIProvider(Config{Provider: "openai", Dimensions: 1536, APIKey: "k", MaxRetries: 3})

	calls := 0
	err := p.withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			e := lrerrors.New(lrerrors.CodeNetworkServer, "5xx", nil)
			e.Recovery = &lrerrors.RecoveryInfo{CanRetry: true, RetryAfter: time.Millisecond}
			return e
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDefaults(t *testing.T) {
	p := NewOpenAIProvider(Config{Provider: "openai", Dimensions: 1536})
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, 1536, p.Dimensions())
	assert.Equal(t, openaiMaxBatch, p.MaxBatchSize())
	assert.Equal(t, openaiMaxTextLength, p.MaxTextLength())
}
