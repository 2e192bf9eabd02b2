package normalizer

import (
	"strings"

	"github.com/google/uuid"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/pkg/event"
)

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// DeepSeekChunk is the minimal shape this normalizer needs out of a DeepSeek
// chat-completion chunk: an explicit reasoning_content field (DeepSeek's own
// API) and a plain content field, which on some DeepSeek-compatible gateways
// (and local Ollama-served R1 distills) instead carries reasoning inline,
// delimited by <think>...</think> tags.
type DeepSeekChunk struct {
	ReasoningContent string
	Content          string
}

// DeepSeekNormalizer handles both the reasoning_content channel and the
// <think> tag convention (spec §4.3 DeepSeek-family). The two are mutually
// exclusive per deployment but the normalizer tolerates either, since the
// same model id can be served both ways depending on gateway.
type DeepSeekNormalizer struct{}

// NewDeepSeekNormalizer constructs the DeepSeek-family normalizer.
func NewDeepSeekNormalizer() *DeepSeekNormalizer { return &DeepSeekNormalizer{} }

func (DeepSeekNormalizer) Family() string { return "deepseek" }

// Handle expects raw to be a DeepSeekChunk.
func (n *DeepSeekNormalizer) Handle(s *activitysession.Session, raw any) []event.ActivityEvent {
	chunk, ok := raw.(DeepSeekChunk)
	if !ok {
		return nil
	}

	var events []event.ActivityEvent
	if chunk.ReasoningContent != "" {
		events = append(events, n.handleReasoningContent(s, chunk.ReasoningContent)...)
	}
	if chunk.Content != "" {
		events = append(events, n.handleTaggedContent(s, chunk.Content)...)
	}
	return events
}

func (n *DeepSeekNormalizer) handleReasoningContent(s *activitysession.Session, text string) []event.ActivityEvent {
	var events []event.ActivityEvent
	if !s.HasOpenThinking() {
		s.OpenThinking(uuid.NewString())
		events = append(events, event.ActivityEvent{
			Type:       event.TypeThinkingStart,
			SessionID:  s.SessionID,
			TS:         now(),
			ThinkingID: s.CurrentThinkingID,
			Mode:       event.ThinkingModeChainOfThought,
		})
	}
	s.RecordTTFTOnce()
	s.AccumulatedThinking += text
	events = append(events, event.ActivityEvent{
		Type:           event.TypeThinkingDelta,
		SessionID:      s.SessionID,
		TS:             now(),
		ThinkingID:     s.CurrentThinkingID,
		Delta:          text,
		Accumulated:    s.AccumulatedThinking,
		SequenceNumber: s.NextThinkingSeq(),
	})
	return events
}

// handleTaggedContent runs the content field through a two-state <think>
// tag boundary parser: outside the tag, chunks are content; inside, they're
// reasoning. Tag boundaries can split across chunk writes, so partial tag
// prefixes at the end of the buffer are held back rather than emitted.
func (n *DeepSeekNormalizer) handleTaggedContent(s *activitysession.Session, text string) []event.ActivityEvent {
	var events []event.ActivityEvent
	buffer := s.AccumulatedContentBuffer + text
	s.AccumulatedContentBuffer = ""

	for {
		tag := thinkOpenTag
		if s.InsideThinkTag {
			tag = thinkCloseTag
		}

		idx := potentialTagIndex(buffer, tag)
		if idx == -1 {
			events = append(events, n.emit(s, buffer)...)
			break
		}

		if idx > 0 {
			before := buffer[:idx]
			events = append(events, n.emit(s, before)...)
			buffer = buffer[idx:]
		}

		if len(tag) > len(buffer) {
			// Partial tag at the end of the buffer: hold it back for the
			// next chunk rather than guess.
			s.AccumulatedContentBuffer = buffer
			break
		}

		buffer = buffer[len(tag):]
		if !s.InsideThinkTag {
			s.InsideThinkTag = true
			if !s.HasOpenThinking() {
				s.OpenThinking(uuid.NewString())
				events = append(events, event.ActivityEvent{
					Type:       event.TypeThinkingStart,
					SessionID:  s.SessionID,
					TS:         now(),
					ThinkingID: s.CurrentThinkingID,
					Mode:       event.ThinkingModeChainOfThought,
				})
			}
		} else {
			s.InsideThinkTag = false
			if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
				events = append(events, *closed)
			}
		}
	}
	return events
}

func (n *DeepSeekNormalizer) emit(s *activitysession.Session, text string) []event.ActivityEvent {
	if text == "" {
		return nil
	}
	s.RecordTTFTOnce()
	if s.InsideThinkTag {
		s.AccumulatedThinking += text
		return []event.ActivityEvent{{
			Type:           event.TypeThinkingDelta,
			SessionID:      s.SessionID,
			TS:             now(),
			ThinkingID:     s.CurrentThinkingID,
			Delta:          text,
			Accumulated:    s.AccumulatedThinking,
			SequenceNumber: s.NextThinkingSeq(),
		}}
	}
	var events []event.ActivityEvent
	if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
		events = append(events, *closed)
	}
	s.AccumulatedContent += text
	return append(events, event.ActivityEvent{
		Type:           event.TypeContentDelta,
		SessionID:      s.SessionID,
		TS:             now(),
		Delta:          text,
		Accumulated:    s.AccumulatedContent,
		SequenceNumber: s.NextContentSeq(),
	})
}

// potentialTagIndex returns the index at which buffer might start matching
// tag, including a match that's only a prefix so far at the very end of the
// buffer (so the caller holds it back instead of emitting a half tag).
func potentialTagIndex(buffer, tag string) int {
	if idx := strings.Index(buffer, tag); idx != -1 {
		return idx
	}
	maxPrefix := len(tag) - 1
	if maxPrefix > len(buffer) {
		maxPrefix = len(buffer)
	}
	for length := maxPrefix; length > 0; length-- {
		if strings.HasSuffix(buffer, tag[:length]) {
			return len(buffer) - length
		}
	}
	return -1
}
