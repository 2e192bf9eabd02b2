package normalizer

import (
	"encoding/json"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/pkg/event"
)

// BedrockNormalizer handles the Converse API's stream event union (spec
// §4.3 Bedrock-family). Blocks are addressed by index exactly like
// Anthropic's stream, since Converse's reasoning/tool-use block shapes
// mirror the Messages API this closely by design; the index-keyed state on
// Session (Blocks, BlockToolCallID) is shared across both normalizers.
type BedrockNormalizer struct{}

// NewBedrockNormalizer constructs the Bedrock-family normalizer.
func NewBedrockNormalizer() *BedrockNormalizer { return &BedrockNormalizer{} }

func (BedrockNormalizer) Family() string { return "bedrock" }

// Handle expects raw to be a brtypes.ConverseStreamOutput, the union type
// the bedrock-runtime SDK's ConverseStream decodes each stream event into.
func (n *BedrockNormalizer) Handle(s *activitysession.Session, raw any) []event.ActivityEvent {
	switch ev := raw.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := int32Value(ev.Value.ContentBlockIndex)
		return n.handleBlockStart(s, idx, ev.Value.Start)
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := int32Value(ev.Value.ContentBlockIndex)
		return n.handleBlockDelta(s, idx, ev.Value.Delta)
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := int32Value(ev.Value.ContentBlockIndex)
		return n.handleBlockStop(s, idx)
	case *brtypes.ConverseStreamOutputMemberMetadata:
		return n.handleMetadata(s, ev.Value)
	default:
		return nil
	}
}

func int32Value(ptr *int32) int {
	if ptr == nil {
		return 0
	}
	return int(*ptr)
}

func (n *BedrockNormalizer) handleBlockStart(s *activitysession.Session, idx int, start brtypes.ContentBlockStart) []event.ActivityEvent {
	toolUse, ok := start.(*brtypes.ContentBlockStartMemberToolUse)
	if !ok {
		return nil
	}
	if toolUse.Value.ToolUseId == nil || toolUse.Value.Name == nil {
		return nil
	}
	callID := *toolUse.Value.ToolUseId
	name := *toolUse.Value.Name

	s.Blocks[idx] = activitysession.BlockToolUse
	s.StartToolAtBlock(idx, callID, name)
	return []event.ActivityEvent{{
		Type:       event.TypeToolStart,
		SessionID:  s.SessionID,
		TS:         now(),
		ToolCallID: callID,
		ToolName:   name,
		ToolIndex:  idx,
	}}
}

func (n *BedrockNormalizer) handleBlockDelta(s *activitysession.Session, idx int, delta brtypes.ContentBlockDelta) []event.ActivityEvent {
	switch d := delta.(type) {
	case *brtypes.ContentBlockDeltaMemberText:
		if d.Value == "" {
			return nil
		}
		s.RecordTTFTOnce()
		var events []event.ActivityEvent
		if closed := closeOpenThinking(s, s.SessionID, false); closed != nil {
			events = append(events, *closed)
		}
		s.Blocks[idx] = activitysession.BlockText
		s.AccumulatedContent += d.Value
		events = append(events, event.ActivityEvent{
			Type:           event.TypeContentDelta,
			SessionID:      s.SessionID,
			TS:             now(),
			Delta:          d.Value,
			Accumulated:    s.AccumulatedContent,
			SequenceNumber: s.NextContentSeq(),
		})
		return events
	case *brtypes.ContentBlockDeltaMemberReasoningContent:
		return n.handleReasoningDelta(s, idx, d.Value)
	case *brtypes.ContentBlockDeltaMemberToolUse:
		if d.Value.Input == nil {
			return nil
		}
		callID := s.ToolCallIDForBlock(idx)
		if callID == "" {
			return nil
		}
		accumulated, valid := s.AppendToolJSON(callID, *d.Value.Input)
		return []event.ActivityEvent{{
			Type:           event.TypeToolDelta,
			SessionID:      s.SessionID,
			TS:             now(),
			ToolCallID:     callID,
			Delta:          *d.Value.Input,
			Accumulated:    accumulated,
			SequenceNumber: s.ToolDeltaSeq(callID),
			IsValidJSON:    valid,
		}}
	default:
		return nil
	}
}

func (n *BedrockNormalizer) handleReasoningDelta(s *activitysession.Session, idx int, delta brtypes.ReasoningContentBlockDelta) []event.ActivityEvent {
	switch v := delta.(type) {
	case *brtypes.ReasoningContentBlockDeltaMemberText:
		if v.Value == "" {
			return nil
		}
		var events []event.ActivityEvent
		if !s.HasOpenThinking() {
			s.Blocks[idx] = activitysession.BlockThinking
			s.OpenThinking(s.SessionID)
			events = append(events, event.ActivityEvent{
				Type:       event.TypeThinkingStart,
				SessionID:  s.SessionID,
				TS:         now(),
				ThinkingID: s.CurrentThinkingID,
				Mode:       event.ThinkingModeExtended,
			})
		}
		s.RecordTTFTOnce()
		s.AccumulatedThinking += v.Value
		events = append(events, event.ActivityEvent{
			Type:           event.TypeThinkingDelta,
			SessionID:      s.SessionID,
			TS:             now(),
			ThinkingID:     s.CurrentThinkingID,
			Delta:          v.Value,
			Accumulated:    s.AccumulatedThinking,
			SequenceNumber: s.NextThinkingSeq(),
		})
		return events
	case *brtypes.ReasoningContentBlockDeltaMemberSignature:
		if v.Value != "" {
			s.ThinkingSignature = v.Value
		}
		return nil
	case *brtypes.ReasoningContentBlockDeltaMemberRedactedContent:
		// Opaque redacted reasoning bytes: not surfaced as thinking text,
		// but still marks a thinking block as open so the eventual stop
		// closes it instead of leaking a dangling block.
		if !s.HasOpenThinking() {
			s.Blocks[idx] = activitysession.BlockThinking
			s.OpenThinking(s.SessionID)
		}
		return nil
	default:
		return nil
	}
}

func (n *BedrockNormalizer) handleBlockStop(s *activitysession.Session, idx int) []event.ActivityEvent {
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
		if raw == "" {
			raw = "{}"
		}
		toolName := ""
		if state, ok := s.ActiveTools[callID]; ok {
			toolName = state.Name
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			args = map[string]any{}
		}
		return []event.ActivityEvent{{
			Type:         event.TypeToolComplete,
			SessionID:    s.SessionID,
			TS:           now(),
			ToolCallID:   callID,
			ToolName:     toolName,
			Arguments:    args,
			ArgumentsRaw: raw,
		}}
	default:
		return nil
	}
}

func (n *BedrockNormalizer) handleMetadata(s *activitysession.Session, meta *brtypes.ConverseStreamMetadataEvent) []event.ActivityEvent {
	if meta.Usage == nil {
		return nil
	}
	in, out, tot := 0, 0, 0
	if meta.Usage.InputTokens != nil {
		in = int(*meta.Usage.InputTokens)
	}
	if meta.Usage.OutputTokens != nil {
		out = int(*meta.Usage.OutputTokens)
	}
	if meta.Usage.TotalTokens != nil {
		tot = int(*meta.Usage.TotalTokens)
	}
	return []event.ActivityEvent{{
		Type:      event.TypeMetricsUpdate,
		SessionID: s.SessionID,
		TS:        now(),
		TokensUsage: event.Tokens{
			In:    in,
			Out:   out,
			Total: tot,
		},
	}}
}
