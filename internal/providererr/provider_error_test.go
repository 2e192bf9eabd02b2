package providererr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_ErrorMessageFallsBackToCause(t *testing.T) {
	cause := errors.New("socket reset")
	pe := New("anthropic", "stream", 0, KindUnavailable, "", "", true, cause)
	require.Contains(t, pe.Error(), "socket reset")
	require.Contains(t, pe.Error(), "anthropic")
	require.Contains(t, pe.Error(), string(KindUnavailable))
}

func TestError_UnwrapExposesCauseForErrorsIs(t *testing.T) {
	cause := errors.New("rate exceeded")
	pe := New("openai", "stream", 429, KindRateLimited, "rate_limit_exceeded", "", true, cause)
	wrapped := fmt.Errorf("providertransport: %w", pe)
	require.ErrorIs(t, wrapped, cause)
}

func TestAs_FindsWrappedProviderError(t *testing.T) {
	pe := New("bedrock", "stream", 0, KindRateLimited, "ThrottlingException", "", true, errors.New("boom"))
	wrapped := fmt.Errorf("outer: %w", pe)

	found, ok := As(wrapped)
	require.True(t, ok)
	require.Equal(t, "bedrock", found.Provider())
	require.Equal(t, KindRateLimited, found.Kind())
	require.True(t, found.Retryable())
}

func TestAs_FalseWhenNoProviderError(t *testing.T) {
	_, ok := As(errors.New("plain error"))
	require.False(t, ok)
}

func TestNew_DefaultsUnknownKindWhenEmpty(t *testing.T) {
	pe := New("anthropic", "", 0, "", "", "", false, nil)
	require.Equal(t, KindUnknown, pe.Kind())
}
