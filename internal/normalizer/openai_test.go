package normalizer

import (
	"encoding/json"
	"testing"

	"github.com/openai/openai-go/responses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/pkg/event"
)

func mustUnmarshalResponsesEvent(t *testing.T, raw string) responses.ResponseStreamEventUnion {
	t.Helper()
	var ev responses.ResponseStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

func TestOpenAINormalizer_FunctionToolCallLifecycle(t *testing.T) {
	s := activitysession.New("sess-1", "msg-1", "gpt-4o", "openai")
	n := NewOpenAINormalizer()

	added := mustUnmarshalResponsesEvent(t, `{
  "type": "response.output_item.added",
  "output_index": 0,
  "item": {"type": "function_call", "call_id": "call-1", "name": "search", "arguments": ""}
}`)
	events := n.Handle(s, added)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeToolStart, events[0].Type)
	assert.Equal(t, "call-1", events[0].ToolCallID)

	delta := mustUnmarshalResponsesEvent(t, `{
  "type": "response.function_call_arguments.delta",
  "output_index": 0,
  "delta": "{\"q\":\"go\"}"
}`)
	events = n.Handle(s, delta)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeToolDelta, events[0].Type)
	assert.True(t, events[0].IsValidJSON)

	done := mustUnmarshalResponsesEvent(t, `{
  "type": "response.function_call_arguments.done",
  "output_index": 0,
  "arguments": "{\"q\":\"go\"}"
}`)
	events = n.Handle(s, done)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeToolComplete, events[0].Type)
	assert.Equal(t, map[string]any{"q": "go"}, events[0].Arguments)
}

func TestOpenAINormalizer_ReasoningItemThenTextClosesThinking(t *testing.T) {
	s := activitysession.New("sess-1", "msg-1", "o3", "openai")
	n := NewOpenAINormalizer()

	added := mustUnmarshalResponsesEvent(t, `{
  "type": "response.output_item.added",
  "output_index": 0,
  "item": {"type": "reasoning", "id": "r1"}
}`)
	events := n.Handle(s, added)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeThinkingStart, events[0].Type)
	assert.Equal(t, event.ThinkingModeSummary, events[0].Mode)

	summary := mustUnmarshalResponsesEvent(t, `{
  "type": "response.reasoning_summary_text.delta",
  "output_index": 0,
  "delta": "weighing options"
}`)
	events = n.Handle(s, summary)
	require.Len(t, events, 1)
	assert.Equal(t, event.TypeThinkingDelta, events[0].Type)

	text := mustUnmarshalResponsesEvent(t, `{
  "type": "response.output_text.delta",
  "output_index": 1,
  "delta": "final answer"
}`)
	events = n.Handle(s, text)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeThinkingComplete, events[0].Type)
	assert.Equal(t, event.TypeContentDelta, events[1].Type)
}
