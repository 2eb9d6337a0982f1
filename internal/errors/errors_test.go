package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesCategoryAndRetryability(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		retryable bool
	}{
		{CodeDatabase, CategoryDatabase, false},
		{CodeNetworkTimeout, CategoryNetwork, true},
		{CodeNetworkServer, CategoryNetwork, true},
		{CodeAuth, CategoryAuth, false},
		{CodeValidation, CategoryValidation, false},
		{CodeDimensionMismatch, CategoryValidation, false},
		{CodeRateLimit, CategoryTransport, true},
		{CodeQuotaExceeded, CategoryProvider, true},
		{"SOMETHING_NEW", CategoryInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestErrorFormatsCodeAndMessage(t *testing.T) {
	err := New(CodeTimeout, "call expired", nil)
	assert.Equal(t, "[TIMEOUT] call expired", err.Error())
}

func TestWrapPreservesExistingCode(t *testing.T) {
	inner := New(CodeAuth, "bad key", nil)
	wrapped := Wrap(CodeProvider, inner)
	assert.Equal(t, CodeAuth, wrapped.Code)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(CodeDatabase, nil))
}

func TestUnwrapChain(t *testing.T) {
	cause := fmt.Errorf("io failure")
	err := New(CodeDatabase, "select failed", cause)
	assert.True(t, errors.Is(err, cause))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeCache, "a", nil)
	b := New(CodeCache, "b", nil)
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(CodeVector, "c", nil)))
}

func TestDimensionMismatchCarriesRecovery(t *testing.T) {
	err := DimensionMismatch(768, 384)
	require.NotNil(t, err.Recovery)
	assert.True(t, err.Recovery.UserActionRequired)
	assert.Contains(t, err.Message, "768")
	assert.Contains(t, err.Message, "384")
}

func TestCodeOfFallsBackToWorkerError(t *testing.T) {
	assert.Equal(t, CodeWorker, CodeOf(fmt.Errorf("plain")))
	assert.Equal(t, CodeCache, CodeOf(New(CodeCache, "x", nil)))
}

func TestWithDetailChains(t *testing.T) {
	err := New(CodeDatabase, "x", nil).WithDetail("table", "docs_kb").WithDetail("op", "insert")
	assert.Equal(t, "docs_kb", err.Details["table"])
	assert.Equal(t, "insert", err.Details["op"])
}
