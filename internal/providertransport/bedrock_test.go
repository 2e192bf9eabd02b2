package providertransport

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/internal/providererr"
)

type fakeBedrockRuntimeClient struct {
	err error
	out *bedrockruntime.ConverseStreamOutput
}

func (c fakeBedrockRuntimeClient) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return c.out, c.err
}

// fakeBedrockEventReader satisfies bedrockruntime's stream Reader interface,
// grounded on the teacher's internal/providerbedrock/client_test.go
// fakeStreamReader, which builds event streams the same way against the real
// AWS SDK's ConverseStreamEventStream.
type fakeBedrockEventReader struct {
	events chan brtypes.ConverseStreamOutput
	err    error
}

func (r *fakeBedrockEventReader) Events() <-chan brtypes.ConverseStreamOutput { return r.events }
func (r *fakeBedrockEventReader) Close() error                               { return nil }
func (r *fakeBedrockEventReader) Err() error                                 { return r.err }

func newFakeBedrockStream(events []brtypes.ConverseStreamOutput, err error) *bedrockruntime.ConverseStreamEventStream {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	reader := &fakeBedrockEventReader{events: ch, err: err}
	return bedrockruntime.NewConverseStreamEventStream(func(es *bedrockruntime.ConverseStreamEventStream) {
		es.Reader = reader
	})
}

func TestBedrockTransport_BuildInputEncodesMessagesAndTools(t *testing.T) {
	transport := NewBedrockTransport(nil, 2048, 1024)

	schema, _ := json.Marshal(map[string]any{"type": "object", "properties": map[string]any{"query": map[string]any{"type": "string"}}})

	req := orchestrator.StreamRequest{
		ModelID:      "anthropic.claude-3-5-sonnet-20241022-v2:0",
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

	input, err := transport.buildInput(req)
	require.NoError(t, err)
	require.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", *input.ModelId)
	require.Len(t, input.Messages, 3)
	require.Len(t, input.System, 1)
	require.NotNil(t, input.ToolConfig)
	require.Len(t, input.ToolConfig.Tools, 1)
	require.NotNil(t, input.AdditionalModelRequestFields)
}

func TestBedrockTransport_BuildInputRejectsEmptyMessages(t *testing.T) {
	transport := NewBedrockTransport(nil, 2048, 1024)
	_, err := transport.buildInput(orchestrator.StreamRequest{ModelID: "m"})
	require.Error(t, err)
}

func TestBedrockStream_RecvYieldsRawEventsThenDone(t *testing.T) {
	events := []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{},
		&brtypes.ConverseStreamOutputMemberMessageStop{},
	}
	stream := &bedrockStream{events: newFakeBedrockStream(events, nil)}

	_, done, err := stream.Recv(context.Background())
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = stream.Recv(context.Background())
	require.NoError(t, err)
	require.False(t, done)

	_, done, err = stream.Recv(context.Background())
	require.NoError(t, err)
	require.True(t, done)
}

func TestBedrockStream_RecvPropagatesStreamError(t *testing.T) {
	boom := errors.New("boom")
	stream := &bedrockStream{events: newFakeBedrockStream(nil, boom)}

	_, _, err := stream.Recv(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestBedrockTransport_OpenStreamClassifiesRateLimit(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"}
	transport := NewBedrockTransport(fakeBedrockRuntimeClient{err: apiErr}, 2048, 1024)

	_, err := transport.OpenStream(context.Background(), orchestrator.StreamRequest{
		ModelID:  "anthropic.claude-3-5-sonnet-20241022-v2:0",
		Messages: []orchestrator.Message{{Role: "user", Content: "hello"}},
	})
	require.ErrorIs(t, err, ErrTransportRateLimited)

	pe, ok := providererr.As(err)
	require.True(t, ok)
	require.Equal(t, providererr.KindRateLimited, pe.Kind())
}
