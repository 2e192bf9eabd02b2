package providertransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/internal/providererr"
)

type fakeAnthropicEventStream struct {
	events []sdk.MessageStreamEventUnion
	idx    int
	err    error
}

func (s *fakeAnthropicEventStream) Next() bool {
	if s.idx >= len(s.events) {
		return false
	}
	s.idx++
	return true
}

func (s *fakeAnthropicEventStream) Current() sdk.MessageStreamEventUnion {
	return s.events[s.idx-1]
}

func (s *fakeAnthropicEventStream) Err() error  { return s.err }
func (s *fakeAnthropicEventStream) Close() error { return nil }

func TestAnthropicTransport_BuildParamsEncodesMessagesAndTools(t *testing.T) {
	transport := NewAnthropicTransport(nil, 2048)

	schema, _ := json.Marshal(map[string]any{"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}})

	req := orchestrator.StreamRequest{
		ModelID:      "claude-test",
		SystemPrompt: "be helpful",
		Messages: []orchestrator.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
			{Role: "tool", ToolCallID: "call-1", Content: `{"result":"ok"}`},
		},
		Tools: []orchestrator.ToolDescriptor{
			{Name: "search", Description: "search the web", InputSchema: schema},
		},
		ThinkingBudget: 512,
	}

	params, err := transport.buildParams(req)
	require.NoError(t, err)
	require.Equal(t, sdk.Model("claude-test"), params.Model)
	require.Len(t, params.Messages, 3)
	require.Len(t, params.System, 1)
	require.Len(t, params.Tools, 1)
	require.NotNil(t, params.Thinking.OfEnabled)
}

func TestAnthropicTransport_BuildParamsRejectsEmptyMessages(t *testing.T) {
	transport := NewAnthropicTransport(nil, 2048)
	_, err := transport.buildParams(orchestrator.StreamRequest{ModelID: "claude-test"})
	require.Error(t, err)
}

func TestAnthropicStream_RecvTranslatesNextCurrentErrToRecvContract(t *testing.T) {
	fs := &fakeAnthropicEventStream{events: []sdk.MessageStreamEventUnion{{}, {}}}
	s := &anthropicStream{stream: fs}

	_, done, err := s.Recv(context.Background())
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = s.Recv(context.Background())
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = s.Recv(context.Background())
	require.NoError(t, err)
	require.True(t, done)
}

func TestAnthropicStream_RecvPropagatesStreamError(t *testing.T) {
	boom := errors.New("boom")
	fs := &fakeAnthropicEventStream{events: nil, err: boom}
	s := &anthropicStream{stream: fs}

	_, _, err := s.Recv(context.Background())
	require.ErrorIs(t, err, boom)
}

type fakeAnthropicClient struct {
	stream AnthropicEventStream
}

func (c fakeAnthropicClient) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) AnthropicEventStream {
	return c.stream
}

func TestAnthropicTransport_OpenStreamClassifiesRateLimit(t *testing.T) {
	apiErr := &sdk.Error{StatusCode: http.StatusTooManyRequests}
	transport := NewAnthropicTransport(fakeAnthropicClient{stream: &fakeAnthropicEventStream{err: apiErr}}, 2048)

	_, err := transport.OpenStream(context.Background(), orchestrator.StreamRequest{
		ModelID:  "claude-test",
		Messages: []orchestrator.Message{{Role: "user", Content: "hello"}},
	})
	require.ErrorIs(t, err, ErrTransportRateLimited)

	pe, ok := providererr.As(err)
	require.True(t, ok)
	require.Equal(t, providererr.KindRateLimited, pe.Kind())
	require.True(t, pe.Retryable())
}
