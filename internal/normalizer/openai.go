package normalizer

import (
	"encoding/json"
	"time"

	"github.com/openai/openai-go/responses"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/pkg/event"
)

// OpenAINormalizer handles the Responses API's response.output_item.*,
// response.*.delta, response.*.done and response.completed events (spec
// §4.3 OpenAI-family). Reasoning items only ever surface a summary, never
// raw chain-of-thought, so thinking blocks are tagged ThinkingModeSummary.
type OpenAINormalizer struct{}

// NewOpenAINormalizer constructs the OpenAI-family normalizer.
func NewOpenAINormalizer() *OpenAINormalizer { return &OpenAINormalizer{} }

func (OpenAINormalizer) Family() string { return "openai" }

// Handle expects raw to be a responses.ResponseStreamEventUnion, the union
// type the openai-go SDK's Responses streaming client decodes each
// server-sent event into.
func (n *OpenAINormalizer) Handle(s *activitysession.Session, raw any) []event.ActivityEvent {
	ev, ok := raw.(responses.ResponseStreamEventUnion)
	if !ok {
		return nil
	}

	switch inner := ev.AsAny().(type) {
	case responses.ResponseOutputItemAddedEvent:
		return n.handleOutputItemAdded(s, int(inner.OutputIndex), inner.Item.AsAny())
	case responses.ResponseTextDeltaEvent:
		return n.handleTextDelta(s, inner.Delta)
	case responses.ResponseReasoningTextDeltaEvent:
		return n.handleReasoningDelta(s, inner.Delta)
	case responses.ResponseReasoningSummaryTextDeltaEvent:
		return n.handleReasoningDelta(s, inner.Delta)
	case responses.ResponseFunctionCallArgumentsDeltaEvent:
		return n.handleToolDelta(s, int(inner.OutputIndex), inner.Delta)
	case responses.ResponseFunctionCallArgumentsDoneEvent:
		return n.handleToolDone(s, int(inner.OutputIndex))
	case responses.ResponseCompletedEvent:
		return n.handleCompleted(s, inner)
	default:
		return nil
	}
}

func (n *OpenAINormalizer) handleOutputItemAdded(s *activitysession.Session, idx int, item any) []event.ActivityEvent {
	switch it := item.(type) {
	case responses.ResponseFunctionToolCall:
		s.Blocks[idx] = activitysession.BlockToolUse
		s.StartToolAtBlock(idx, it.CallID, it.Name)
		return []event.ActivityEvent{{
			Type:       event.TypeToolStart,
			SessionID:  s.SessionID,
			TS:         now(),
			ToolCallID: it.CallID,
			ToolName:   it.Name,
			ToolIndex:  idx,
		}}
	case responses.ResponseReasoningItem:
		s.Blocks[idx] = activitysession.BlockThinking
		s.OpenThinking(it.ID)
		return []event.ActivityEvent{{
			Type:       event.TypeThinkingStart,
			SessionID:  s.SessionID,
			TS:         now(),
			ThinkingID: it.ID,
			Mode:       event.ThinkingModeSummary,
		}}
	case responses.ResponseOutputMessage:
		// Deferred: the text/refusal distinction only becomes known at
		// response.content_part.added, which this family doesn't stream
		// separately here — content arrives via ResponseTextDeltaEvent.
		s.Blocks[idx] = activitysession.BlockText
		return nil
	default:
		return nil
	}
}

func (n *OpenAINormalizer) handleTextDelta(s *activitysession.Session, delta string) []event.ActivityEvent {
	if delta == "" {
		return nil
	}
	s.RecordTTFTOnce()
	var events []event.ActivityEvent
	if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
		events = append(events, *closed)
	}
	s.AccumulatedContent += delta
	events = append(events, event.ActivityEvent{
		Type:           event.TypeContentDelta,
		SessionID:      s.SessionID,
		TS:             now(),
		Delta:          delta,
		Accumulated:    s.AccumulatedContent,
		SequenceNumber: s.NextContentSeq(),
	})
	return events
}

func (n *OpenAINormalizer) handleReasoningDelta(s *activitysession.Session, delta string) []event.ActivityEvent {
	if delta == "" {
		return nil
	}
	s.RecordTTFTOnce()
	s.AccumulatedThinking += delta
	return []event.ActivityEvent{{
		Type:           event.TypeThinkingDelta,
		SessionID:      s.SessionID,
		TS:             now(),
		ThinkingID:     s.CurrentThinkingID,
		Delta:          delta,
		Accumulated:    s.AccumulatedThinking,
		SequenceNumber: s.NextThinkingSeq(),
	}}
}

func (n *OpenAINormalizer) handleToolDelta(s *activitysession.Session, idx int, delta string) []event.ActivityEvent {
	if delta == "" {
		return nil
	}
	callID := s.ToolCallIDForBlock(idx)
	if callID == "" {
		return nil
	}
	accumulated, valid := s.AppendToolJSON(callID, delta)
	return []event.ActivityEvent{{
		Type:           event.TypeToolDelta,
		SessionID:      s.SessionID,
		TS:             now(),
		ToolCallID:     callID,
		Delta:          delta,
		Accumulated:    accumulated,
		SequenceNumber: s.ToolDeltaSeq(callID),
		IsValidJSON:    valid,
	}}
}

func (n *OpenAINormalizer) handleToolDone(s *activitysession.Session, idx int) []event.ActivityEvent {
	callID := s.ToolCallIDForBlock(idx)
	if callID == "" {
		return nil
	}
	raw := s.FinishTool(callID)
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		args = map[string]any{}
	}
	toolName := ""
	var durationMs int64
	if state, ok := s.ActiveTools[callID]; ok {
		toolName = state.Name
		durationMs = time.Since(state.StartTime).Milliseconds()
	}
	return []event.ActivityEvent{{
		Type:         event.TypeToolComplete,
		SessionID:    s.SessionID,
		TS:           now(),
		ToolCallID:   callID,
		ToolName:     toolName,
		Arguments:    args,
		ArgumentsRaw: raw,
		DurationMs:   durationMs,
	}}
}

// handleCompleted closes out any still-open reasoning block and reports
// final usage. When the response reports reasoning tokens but never
// streamed a single thinking_* event (a provider/account combination that
// bills for reasoning but only returns a summary opaquely, or omits it
// entirely), it synthesizes a hidden, contentless thinking_complete so
// reasoningTokens is still attributable to a block (spec §4.3).
func (n *OpenAINormalizer) handleCompleted(s *activitysession.Session, completed responses.ResponseCompletedEvent) []event.ActivityEvent {
	var events []event.ActivityEvent
	if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
		events = append(events, *closed)
	}

	usage := completed.Response.Usage
	reasoningTokens := int(usage.OutputTokensDetails.ReasoningTokens)
	if reasoningTokens > 0 && !s.ThinkingHasStarted {
		events = append(events, event.ActivityEvent{
			Type:       event.TypeThinkingComplete,
			SessionID:  s.SessionID,
			TS:         now(),
			Content:    "",
			TokenCount: reasoningTokens,
			WasHidden:  true,
		})
	}

	events = append(events, event.ActivityEvent{
		Type:      event.TypeMetricsUpdate,
		SessionID: s.SessionID,
		TS:        now(),
		TokensUsage: event.Tokens{
			In:        int(usage.InputTokens),
			Out:       int(usage.OutputTokens),
			Reasoning: reasoningTokens,
			Total:     int(usage.TotalTokens),
		},
	})
	return events
}
