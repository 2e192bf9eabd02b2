package normalizer

import (
	"encoding/json"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/pkg/event"
)

// AnthropicNormalizer handles content_block_start/_delta/_stop and
// message_delta events (spec §4.3 Anthropic-family).
type AnthropicNormalizer struct{}

// NewAnthropicNormalizer constructs the Anthropic-family normalizer.
func NewAnthropicNormalizer() *AnthropicNormalizer { return &AnthropicNormalizer{} }

func (AnthropicNormalizer) Family() string { return "anthropic" }

// Handle expects raw to be sdk.MessageStreamEventUnion, the union type the
// Anthropic SDK's SSE stream decodes each server-sent event into.
func (n *AnthropicNormalizer) Handle(s *activitysession.Session, raw any) []event.ActivityEvent {
	ev, ok := raw.(sdk.MessageStreamEventUnion)
	if !ok {
		return nil
	}

	switch inner := ev.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		return n.handleBlockStart(s, int(inner.Index), inner.ContentBlock.AsAny())
	case sdk.ContentBlockDeltaEvent:
		return n.handleBlockDelta(s, int(inner.Index), inner.Delta.AsAny())
	case sdk.ContentBlockStopEvent:
		return n.handleBlockStop(s, int(inner.Index))
	case sdk.MessageDeltaEvent:
		return []event.ActivityEvent{{
			Type:      event.TypeMetricsUpdate,
			SessionID: s.SessionID,
			TS:        now(),
			TokensUsage: event.Tokens{
				In:    int(inner.Usage.InputTokens),
				Out:   int(inner.Usage.OutputTokens),
				Total: int(inner.Usage.InputTokens + inner.Usage.OutputTokens),
			},
		}}
	default:
		return nil
	}
}

func (n *AnthropicNormalizer) handleBlockStart(s *activitysession.Session, idx int, block any) []event.ActivityEvent {
	switch b := block.(type) {
	case sdk.ThinkingBlock:
		s.Blocks[idx] = activitysession.BlockThinking
		s.OpenThinking(uuid.NewString())
		thinkingID := s.CurrentThinkingID
		return []event.ActivityEvent{{
			Type:       event.TypeThinkingStart,
			SessionID:  s.SessionID,
			TS:         now(),
			ThinkingID: thinkingID,
			Mode:       event.ThinkingModeExtended,
		}}
	case sdk.ToolUseBlock:
		s.Blocks[idx] = activitysession.BlockToolUse
		s.StartToolAtBlock(idx, b.ID, b.Name)
		return []event.ActivityEvent{{
			Type:      event.TypeToolStart,
			SessionID: s.SessionID,
			TS:        now(),
			ToolCallID: b.ID,
			ToolName:   b.Name,
			ToolIndex:  idx,
		}}
	case sdk.TextBlock:
		s.Blocks[idx] = activitysession.BlockText
		return nil
	default:
		return nil
	}
}

func (n *AnthropicNormalizer) handleBlockDelta(s *activitysession.Session, idx int, delta any) []event.ActivityEvent {
	switch d := delta.(type) {
	case sdk.TextDelta:
		if d.Text == "" {
			return nil
		}
		s.RecordTTFTOnce()
		// Starting content closes any still-open thinking block (spec §4.3,
		// §3's "at most one open block" invariant).
		var events []event.ActivityEvent
		if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
			events = append(events, *closed)
		}
		s.AccumulatedContent += d.Text
		events = append(events, event.ActivityEvent{
			Type:           event.TypeContentDelta,
			SessionID:      s.SessionID,
			TS:             now(),
			Delta:          d.Text,
			Accumulated:    s.AccumulatedContent,
			SequenceNumber: s.NextContentSeq(),
		})
		return events
	case sdk.ThinkingDelta:
		if d.Thinking == "" {
			return nil
		}
		s.RecordTTFTOnce()
		s.AccumulatedThinking += d.Thinking
		return []event.ActivityEvent{{
			Type:           event.TypeThinkingDelta,
			SessionID:      s.SessionID,
			TS:             now(),
			ThinkingID:     s.CurrentThinkingID,
			Delta:          d.Thinking,
			Accumulated:    s.AccumulatedThinking,
			SequenceNumber: s.NextThinkingSeq(),
		}}
	case sdk.SignatureDelta:
		// Opaque continuity token, captured silently (spec §4.3).
		s.ThinkingSignature = d.Signature
		return nil
	case sdk.InputJSONDelta:
		if d.PartialJSON == "" {
			return nil
		}
		callID := s.ToolCallIDForBlock(idx)
		if callID == "" {
			return nil
		}
		accumulated, valid := s.AppendToolJSON(callID, d.PartialJSON)
		return []event.ActivityEvent{{
			Type:           event.TypeToolDelta,
			SessionID:      s.SessionID,
			TS:             now(),
			ToolCallID:     callID,
			Delta:          d.PartialJSON,
			Accumulated:    accumulated,
			SequenceNumber: s.ToolDeltaSeq(callID),
			IsValidJSON:    valid,
		}}
	default:
		return nil
	}
}

func (n *AnthropicNormalizer) handleBlockStop(s *activitysession.Session, idx int) []event.ActivityEvent {
	kind, ok := s.Blocks[idx]
	if !ok {
		return nil
	}
	delete(s.Blocks, idx)

	switch kind {
	case activitysession.BlockThinking:
		if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
			return []event.ActivityEvent{*closed}
		}
		return nil
	case activitysession.BlockToolUse:
		callID := s.ToolCallIDForBlock(idx)
		if callID == "" {
			return nil
		}
		raw := s.FinishTool(callID)
		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{}
		}
		tool := s.ActiveTools[callID]
		return []event.ActivityEvent{{
			Type:         event.TypeToolComplete,
			SessionID:    s.SessionID,
			TS:           now(),
			ToolCallID:   callID,
			ToolName:     tool.Name,
			Arguments:    args,
			ArgumentsRaw: raw,
			DurationMs:   time.Since(tool.StartTime).Milliseconds(),
		}}
	default:
		return nil
	}
}
