package providertransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/arcflow-run/activitycore/internal/orchestrator"
)

type fakeRateLimitedProvider struct {
	err   error
	calls int
}

func (f *fakeRateLimitedProvider) OpenStream(ctx context.Context, req orchestrator.StreamRequest) (orchestrator.ProviderStream, error) {
	f.calls++
	return nil, f.err
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := newClusterAdaptiveRateLimiter(context.Background(), nil, "", 60000, 60000)
	initialTPM := limiter.currentTPM

	provider := &fakeRateLimitedProvider{err: ErrTransportRateLimited}
	wrapped := limiter.Wrap(provider)

	_, err := wrapped.OpenStream(context.Background(), orchestrator.StreamRequest{
		Messages: []orchestrator.Message{{Role: "user", Content: "hello"}},
	})
	require.ErrorIs(t, err, ErrTransportRateLimited)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Less(t, limiter.currentTPM, initialTPM)
}

func TestAdaptiveRateLimiter_ProbeOnSuccess(t *testing.T) {
	limiter := newClusterAdaptiveRateLimiter(context.Background(), nil, "", 60000, 120000)
	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	provider := &fakeRateLimitedProvider{}
	wrapped := limiter.Wrap(provider)

	_, err := wrapped.OpenStream(context.Background(), orchestrator.StreamRequest{
		Messages: []orchestrator.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Greater(t, limiter.currentTPM, initialTPM)
}

func TestAdaptiveRateLimiter_RespectsContextWhenQueued(t *testing.T) {
	limiter := newClusterAdaptiveRateLimiter(context.Background(), nil, "", 60, 60)
	limiter.mu.Lock()
	limiter.currentTPM = 60
	// An empty bucket that refills once an hour: the queued request can only
	// end through its context's deadline.
	limiter.limiter = rate.NewLimiter(rate.Every(time.Hour), 1000)
	limiter.limiter.AllowN(time.Now(), 1000)
	limiter.mu.Unlock()

	provider := &fakeRateLimitedProvider{}
	wrapped := limiter.Wrap(provider)

	longText := make([]byte, 600)
	for i := range longText {
		longText[i] = 'a'
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := wrapped.OpenStream(ctx, orchestrator.StreamRequest{
		Messages: []orchestrator.Message{{Role: "user", Content: string(longText)}},
	})
	require.Error(t, err)
	require.Equal(t, 0, provider.calls)
}

func TestEstimateTokens_MonotonicInMessageLength(t *testing.T) {
	small := estimateTokens(orchestrator.StreamRequest{
		Messages: []orchestrator.Message{{Role: "user", Content: "short"}},
	})
	big := estimateTokens(orchestrator.StreamRequest{
		Messages: []orchestrator.Message{{Role: "user", Content: "this is a much longer message"}},
	})

	require.Positive(t, small)
	require.Greater(t, big, small)
}
