package providertransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/internal/providererr"
)

type fakeOpenAIEventStream struct {
	events []responses.ResponseStreamEventUnion
	idx    int
	err    error
}

func (s *fakeOpenAIEventStream) Next() bool {
	if s.idx >= len(s.events) {
		return false
	}
	s.idx++
	return true
}

func (s *fakeOpenAIEventStream) Current() responses.ResponseStreamEventUnion {
	return s.events[s.idx-1]
}

func (s *fakeOpenAIEventStream) Err() error   { return s.err }
func (s *fakeOpenAIEventStream) Close() error { return nil }

func TestOpenAITransport_BuildParamsEncodesMessagesAndTools(t *testing.T) {
	transport := NewOpenAITransport(nil, 2048)

	schema, _ := json.Marshal(map[string]any{"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}})

	req := orchestrator.StreamRequest{
		ModelID:      "gpt-test",
		SystemPrompt: "be helpful",
		Messages: []orchestrator.Message{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi there"},
			{Role: "assistant", Content: `{"query":"weather"}`, ToolCallID: "call-1", Name: "search"},
			{Role: "tool", ToolCallID: "call-1", Content: `{"result":"ok"}`},
		},
		Tools: []orchestrator.ToolDescriptor{
			{Name: "search", Description: "search the web", InputSchema: schema},
		},
		ThinkingBudget: 512,
	}

	params, err := transport.buildParams(req)
	require.NoError(t, err)
	require.Equal(t, "gpt-test", string(params.Model))
	require.Len(t, params.Input.OfInputItemList, 5) // system + user + assistant + function_call + function_call_output
	require.Len(t, params.Tools, 1)
	require.Len(t, params.Include, 1)
}

func TestOpenAITransport_BuildParamsRejectsEmptyInput(t *testing.T) {
	transport := NewOpenAITransport(nil, 2048)
	_, err := transport.buildParams(orchestrator.StreamRequest{ModelID: "gpt-test"})
	require.Error(t, err)
}

func TestOpenAITransport_BuildParamsRejectsUnsupportedRole(t *testing.T) {
	transport := NewOpenAITransport(nil, 2048)
	_, err := transport.buildParams(orchestrator.StreamRequest{
		ModelID:  "gpt-test",
		Messages: []orchestrator.Message{{Role: "bogus", Content: "x"}},
	})
	require.Error(t, err)
}

func TestOpenAIStream_RecvTranslatesNextCurrentErrToRecvContract(t *testing.T) {
	fs := &fakeOpenAIEventStream{events: []responses.ResponseStreamEventUnion{{}, {}}}
	s := &openaiStream{stream: fs}

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

func TestOpenAIStream_RecvPropagatesStreamError(t *testing.T) {
	boom := errors.New("boom")
	fs := &fakeOpenAIEventStream{events: nil, err: boom}
	s := &openaiStream{stream: fs}

	_, _, err := s.Recv(context.Background())
	require.ErrorIs(t, err, boom)
}

type fakeOpenAIResponsesClient struct {
	stream OpenAIEventStream
}

func (c fakeOpenAIResponsesClient) NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) OpenAIEventStream {
	return c.stream
}

func TestOpenAITransport_OpenStreamClassifiesRateLimit(t *testing.T) {
	apiErr := &openai.Error{StatusCode: http.StatusTooManyRequests}
	transport := NewOpenAITransport(fakeOpenAIResponsesClient{stream: &fakeOpenAIEventStream{err: apiErr}}, 2048)

	_, err := transport.OpenStream(context.Background(), orchestrator.StreamRequest{
		ModelID:  "gpt-test",
		Messages: []orchestrator.Message{{Role: "user", Content: "hello"}},
	})
	require.ErrorIs(t, err, ErrTransportRateLimited)

	pe, ok := providererr.As(err)
	require.True(t, ok)
	require.Equal(t, providererr.KindRateLimited, pe.Kind())
}
