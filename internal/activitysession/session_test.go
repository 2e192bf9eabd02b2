package activitysession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentSequenceIncreasesByOne(t *testing.T) {
	s := New("sess-1", "msg-1", "gpt-4o", "openai")
	assert.Equal(t, 1, s.NextContentSeq())
	assert.Equal(t, 2, s.NextContentSeq())
	assert.Equal(t, 3, s.NextContentSeq())
}

func TestThinkingOpenClose(t *testing.T) {
	s := New("sess-1", "msg-1", "claude-opus-4", "anthropic")
	assert.False(t, s.HasOpenThinking())

	s.OpenThinking("think-1")
	assert.True(t, s.HasOpenThinking())
	s.AccumulatedThinking = "reasoning so far"

	content, _ := s.CloseThinking()
	assert.Equal(t, "reasoning so far", content)
	assert.False(t, s.HasOpenThinking())
}

func TestToolJSONAccumulationAndValidity(t *testing.T) {
	s := New("sess-1", "msg-1", "gpt-4o", "openai")
	s.StartTool("call-1", "search")

	acc, valid := s.AppendToolJSON("call-1", `{"query":`)
	assert.Equal(t, `{"query":`, acc)
	assert.False(t, valid)

	acc, valid = s.AppendToolJSON("call-1", `"go"}`)
	assert.Equal(t, `{"query":"go"}`, acc)
	assert.True(t, valid)
}

func TestToolPairingInvariant(t *testing.T) {
	s := New("sess-1", "msg-1", "gpt-4o", "openai")
	s.StartTool("call-1", "search")
	s.StartTool("call-2", "fetch")

	assert.ElementsMatch(t, []string{"call-1", "call-2"}, s.UnresolvedToolCalls())

	s.RecordToolResult("call-1")
	assert.Equal(t, []string{"call-2"}, s.UnresolvedToolCalls())
}

func TestRecordTTFTOnceIsIdempotent(t *testing.T) {
	s := New("sess-1", "msg-1", "gpt-4o", "openai")
	s.RecordTTFTOnce()
	first := s.TTFT
	s.RecordTTFTOnce()
	assert.Same(t, first, s.TTFT)
}

func TestMutationAfterCompletePanics(t *testing.T) {
	s := New("sess-1", "msg-1", "gpt-4o", "openai")
	s.MarkCompleted()
	assert.Panics(t, func() { s.NextContentSeq() })
}
