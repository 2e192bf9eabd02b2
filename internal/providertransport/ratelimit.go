package providertransport

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/arcflow-run/activitycore/internal/orchestrator"
)

// ErrTransportRateLimited wraps a provider error that AdaptiveRateLimiter's
// backoff logic recognizes, so a ProviderTransport implementation can signal
// "the vendor rate-limited us" distinctly from other stream-open failures.
var ErrTransportRateLimited = errors.New("providertransport: rate limited")

// clusterMap is the subset of *rmap.Map an AdaptiveRateLimiter needs to
// coordinate a shared tokens-per-minute budget across processes, grounded on
// the teacher's internal/modelmiddleware ratelimit.go.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapClusterMap struct{ m *rmap.Map }

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }
func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}
func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}
func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind { return m.m.Subscribe() }

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front of
// a ProviderTransport (spec §12 supplemented feature: per-family backpressure
// so one saturated provider doesn't starve the fanout of every concurrent
// turn). It estimates request cost from message character count, blocks
// OpenStream until capacity is available, and halves its budget whenever the
// wrapped transport reports a rate-limit error, recovering gradually
// otherwise.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM, minTPM, maxTPM, recoveryRate float64

	onBackoff, onProbe func(newTPM float64)
}

// NewAdaptiveRateLimiter constructs a process-local AdaptiveRateLimiter with
// an initial/maximum tokens-per-minute budget.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	return newClusterAdaptiveRateLimiter(context.Background(), nil, "", initialTPM, maxTPM)
}

// NewClusterAdaptiveRateLimiter constructs an AdaptiveRateLimiter that
// coordinates its budget across processes via a Pulse replicated map keyed
// by key, falling back to a process-local limiter if m or key is empty or
// seeding the shared key fails.
func NewClusterAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}

	sharedTPM := initialTPM
	if key != "" && m != nil {
		if _, ok := m.Get(key); !ok {
			if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
				m = nil // seeding failed: degrade to process-local rather than half-initialized
			}
		}
		if m != nil {
			if cur, ok := m.Get(key); ok {
				if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
					sharedTPM = v
				}
			}
		}
	}

	l := &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(sharedTPM/60.0), int(sharedTPM)),
		currentTPM:   sharedTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}

	if key != "" && m != nil {
		l.onBackoff = func(float64) { go globalBackoff(context.Background(), m, key, minTPM) }
		l.onProbe = func(float64) { go globalProbe(context.Background(), m, key, recoveryRate, maxTPM) }

		ch := m.Subscribe()
		go func() {
			for range ch {
				cur, ok := m.Get(key)
				if !ok {
					continue
				}
				if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
					l.replaceTPM(v)
				}
			}
		}()
	}

	return l
}

// Wrap returns a ProviderTransport that enforces the limiter in front of
// next's OpenStream.
func (l *AdaptiveRateLimiter) Wrap(next orchestrator.ProviderTransport) orchestrator.ProviderTransport {
	return &rateLimitedTransport{next: next, limiter: l}
}

type rateLimitedTransport struct {
	next    orchestrator.ProviderTransport
	limiter *AdaptiveRateLimiter
}

func (t *rateLimitedTransport) OpenStream(ctx context.Context, req orchestrator.StreamRequest) (orchestrator.ProviderStream, error) {
	if err := t.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	stream, err := t.next.OpenStream(ctx, req)
	t.limiter.observe(err)
	return stream, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req orchestrator.StreamRequest) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrTransportRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onBackoff
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
	cb := l.onProbe
	l.mu.Unlock()
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.mu.Unlock()
}

// estimateTokens is a cheap heuristic: character count of every message's
// content, converted at ~1 token per 3 characters plus a fixed overhead
// buffer for system prompts and provider framing.
func estimateTokens(req orchestrator.StreamRequest) int {
	charCount := len(req.SystemPrompt)
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	adjustShared(ctx, m, key, func(cur float64) float64 {
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		return next
	})
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	adjustShared(ctx, m, key, func(cur float64) float64 {
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		return next
	})
}

// adjustShared applies adjust to the shared budget at key via optimistic
// compare-and-swap, retrying a bounded number of times against concurrent
// writers before giving up.
func adjustShared(ctx context.Context, m clusterMap, key string, adjust func(cur float64) float64) {
	const maxAttempts = 3
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := adjust(cur)
		if next == cur {
			return
		}
		nextStr := strconv.Itoa(int(next))
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil || prev == curStr {
			return
		}
	}
}
