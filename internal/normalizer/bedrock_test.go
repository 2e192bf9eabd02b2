package normalizer

import (
	"testing"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/pkg/event"
)

func int32Ptr(v int32) *int32    { return &v }
func stringPtr(v string) *string { return &v }

func TestBedrockNormalizer_ReasoningThenTextClosesThinking(t *testing.T) {
	s := activitysession.New("sess-1", "msg-1", "anthropic.claude-3-5-sonnet", "bedrock")
	n := NewBedrockNormalizer()

	reasoningDelta := &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: int32Ptr(0),
			Delta: &brtypes.ContentBlockDeltaMemberReasoningContent{
				Value: &brtypes.ReasoningContentBlockDeltaMemberText{Value: "because X"},
			},
		},
	}
	events := n.Handle(s, reasoningDelta)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeThinkingStart, events[0].Type)
	assert.Equal(t, event.TypeThinkingDelta, events[1].Type)
	assert.Equal(t, "because X", events[1].Delta)

	textDelta := &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: int32Ptr(1),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "the answer"},
		},
	}
	events = n.Handle(s, textDelta)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeThinkingComplete, events[0].Type)
	assert.Equal(t, event.TypeContentDelta, events[1].Type)
	assert.False(t, s.HasOpenThinking())
}

func TestBedrockNormalizer_ToolUseLifecycle(t *testing.T) {
	s := activitysession.New("sess-1", "msg-1", "anthropic.claude-3-5-sonnet", "bedrock")
	n := NewBedrockNormalizer()

	start := &brtypes.ConverseStreamOutputMemberContentBlockStart{
		Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: int32Ptr(0),
			Start: &brtypes.ContentBlockStartMemberToolUse{
				Value: brtypes.ToolUseBlockStart{ToolUseId: stringPtr("t1"), Name: stringPtr("tool_a")},
			},
		},
	}
	events := n.Handle(s, start)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeToolStart, events[0].Type)

	input := "{\"x\":1}"
	delta := &brtypes.ConverseStreamOutputMemberContentBlockDelta{
		Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: int32Ptr(0),
			Delta: &brtypes.ContentBlockDeltaMemberToolUse{
				Value: brtypes.ToolUseBlockDelta{Input: &input},
			},
		},
	}
	events = n.Handle(s, delta)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeToolDelta, events[0].Type)
	assert.True(t, events[0].IsValidJSON)

	stop := &brtypes.ConverseStreamOutputMemberContentBlockStop{
		Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: int32Ptr(0)},
	}
	events = n.Handle(s, stop)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeToolComplete, events[0].Type)
	assert.Equal(t, map[string]any{"x": float64(1)}, events[0].Arguments)
}

func TestBedrockNormalizer_MetadataUsage(t *testing.T) {
	s := activitysession.New("sess-1", "msg-1", "anthropic.claude-3-5-sonnet", "bedrock")
	n := NewBedrockNormalizer()

	meta := &brtypes.ConverseStreamOutputMemberMetadata{
		Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{
				InputTokens:  int32Ptr(12),
				OutputTokens: int32Ptr(8),
				TotalTokens:  int32Ptr(20),
			},
		},
	}
	events := n.Handle(s, meta)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeMetricsUpdate, events[0].Type)
	assert.Equal(t, 12, events[0].TokensUsage.In)
	assert.Equal(t, 20, events[0].TokensUsage.Total)
}
