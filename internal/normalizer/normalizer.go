// Package normalizer implements ProviderNormalizer (spec §4.3): one state
// machine per provider family, translating raw provider stream events into
// the canonical ActivityEvent tagged union. Each file in this package
// covers exactly one family; all share the cross-cutting rules documented
// here.
package normalizer

import (
	"math"
	"time"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/pkg/event"
)

// Normalizer is implemented once per provider family. Handle takes the
// session by exclusive borrow for the duration of one raw event — spec §5
// forbids suspension inside this critical section, so implementations must
// not block.
type Normalizer interface {
	// Family returns the provider family tag this normalizer handles.
	Family() string
	// Handle translates one raw provider event into zero or more canonical
	// events, mutating session in place.
	Handle(session *activitysession.Session, raw any) []event.ActivityEvent
}

func now() int64 { return time.Now().UnixMilli() }

// estimateTokens applies the heuristic token-count estimate used when a
// provider gives no token count for accumulated thinking content (spec
// §4.3: ceil(len(accumulated)/4)).
func estimateTokens(accumulated string) int {
	return int(math.Ceil(float64(len(accumulated)) / 4))
}

// closeOpenThinking emits a synthetic thinking_complete for whatever
// thinking block is currently open, enforcing the "at most one open block"
// invariant (spec §3) whenever content is about to open. Returns nil if no
// thinking block was open.
func closeOpenThinking(s *activitysession.Session, sessionID string, wasHidden bool) *event.ActivityEvent {
	if !s.HasOpenThinking() {
		return nil
	}
	thinkingID := s.CurrentThinkingID
	content, elapsed := s.CloseThinking()
	tokenCount := estimateTokens(content)
	return &event.ActivityEvent{
		Type:       event.TypeThinkingComplete,
		SessionID:  sessionID,
		TS:         now(),
		ThinkingID: thinkingID,
		Content:    content,
		TokenCount: tokenCount,
		DurationMs: elapsed.Milliseconds(),
		WasHidden:  wasHidden,
	}
}
