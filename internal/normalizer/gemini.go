package normalizer

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/pkg/event"
)

// GeminiNormalizer handles genai.GenerateContentResponse stream chunks
// (spec §4.3 Gemini-family). Gemini has no standalone delta event type: each
// chunk carries whole Parts, classified by the Thought flag and the
// presence of a FunctionCall. Function call arguments arrive as a single
// parsed object rather than as incremental JSON text, so tool_start and
// tool_complete are emitted back to back for a part with no streamed
// tool_delta in between.
type GeminiNormalizer struct{}

// NewGeminiNormalizer constructs the Gemini-family normalizer.
func NewGeminiNormalizer() *GeminiNormalizer { return &GeminiNormalizer{} }

func (GeminiNormalizer) Family() string { return "gemini" }

// Handle expects raw to be *genai.GenerateContentResponse, one chunk of the
// streaming iterator returned by Models.GenerateContentStream.
func (n *GeminiNormalizer) Handle(s *activitysession.Session, raw any) []event.ActivityEvent {
	resp, ok := raw.(*genai.GenerateContentResponse)
	if !ok || resp == nil {
		return nil
	}

	var events []event.ActivityEvent
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for i, part := range cand.Content.Parts {
			events = append(events, n.handlePart(s, i, part)...)
		}
	}

	if resp.UsageMetadata != nil {
		events = append(events, n.handleUsage(s, resp.UsageMetadata)...)
	}
	return events
}

func (n *GeminiNormalizer) handlePart(s *activitysession.Session, idx int, part *genai.Part) []event.ActivityEvent {
	if part == nil {
		return nil
	}

	switch {
	case part.Thought && part.Text != "":
		return n.handleThoughtText(s, part.Text)
	case part.FunctionCall != nil:
		return n.handleFunctionCall(s, idx, part.FunctionCall)
	case part.Text != "":
		return n.handleContentText(s, part.Text)
	default:
		return nil
	}
}

func (n *GeminiNormalizer) handleThoughtText(s *activitysession.Session, text string) []event.ActivityEvent {
	var events []event.ActivityEvent
	if !s.HasOpenThinking() {
		s.OpenThinking(s.SessionID + "-thought-" + uuid.NewString())
		events = append(events, event.ActivityEvent{
			Type:       event.TypeThinkingStart,
			SessionID:  s.SessionID,
			TS:         now(),
			ThinkingID: s.CurrentThinkingID,
			Mode:       event.ThinkingModeSummary,
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

func (n *GeminiNormalizer) handleContentText(s *activitysession.Session, text string) []event.ActivityEvent {
	s.RecordTTFTOnce()
	var events []event.ActivityEvent
	if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
		events = append(events, *closed)
	}
	s.AccumulatedContent += text
	events = append(events, event.ActivityEvent{
		Type:           event.TypeContentDelta,
		SessionID:      s.SessionID,
		TS:             now(),
		Delta:          text,
		Accumulated:    s.AccumulatedContent,
		SequenceNumber: s.NextContentSeq(),
	})
	return events
}

func (n *GeminiNormalizer) handleFunctionCall(s *activitysession.Session, idx int, fc *genai.FunctionCall) []event.ActivityEvent {
	callID := fc.ID
	if callID == "" {
		callID = s.Model + "-call-" + strconv.Itoa(idx)
	}

	var events []event.ActivityEvent
	if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
		events = append(events, *closed)
	}

	s.StartToolAtBlock(idx, callID, fc.Name)
	events = append(events, event.ActivityEvent{
		Type:       event.TypeToolStart,
		SessionID:  s.SessionID,
		TS:         now(),
		ToolCallID: callID,
		ToolName:   fc.Name,
		ToolIndex:  idx,
	})

	raw, err := json.Marshal(fc.Args)
	args := fc.Args
	if err != nil {
		raw = []byte("{}")
		args = map[string]any{}
	}
	s.AppendToolJSON(callID, string(raw))
	s.FinishTool(callID)
	events = append(events, event.ActivityEvent{
		Type:         event.TypeToolComplete,
		SessionID:    s.SessionID,
		TS:           now(),
		ToolCallID:   callID,
		ToolName:     fc.Name,
		Arguments:    args,
		ArgumentsRaw: string(raw),
	})
	return events
}

func (n *GeminiNormalizer) handleUsage(s *activitysession.Session, usage *genai.GenerateContentResponseUsageMetadata) []event.ActivityEvent {
	reasoning := int(usage.ThoughtsTokenCount)
	s.ReasoningTokens = reasoning
	return []event.ActivityEvent{{
		Type:      event.TypeMetricsUpdate,
		SessionID: s.SessionID,
		TS:        now(),
		TokensUsage: event.Tokens{
			In:        int(usage.PromptTokenCount),
			Out:       int(usage.CandidatesTokenCount),
			Reasoning: reasoning,
			Total:     int(usage.TotalTokenCount),
		},
	}}
}
