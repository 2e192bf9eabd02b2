package providertransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/internal/providererr"
)

// OpenAIResponsesClient is the subset of *openai.Client's Responses service
// this adapter calls, narrowed so tests can substitute a fake. Grounded on
// sidedotdev-sidekick's llm/openai_responses_tool_chat.go, the only example
// repo driving the Responses streaming API rather than Chat Completions.
type OpenAIResponsesClient interface {
	NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) OpenAIEventStream
}

// OpenAIEventStream matches the subset of
// *ssestream.Stream[responses.ResponseStreamEventUnion] this adapter
// consumes.
type OpenAIEventStream interface {
	Next() bool
	Current() responses.ResponseStreamEventUnion
	Err() error
	Close() error
}

// OpenAITransport implements orchestrator.ProviderTransport against the
// OpenAI Responses API, the surface internal/normalizer.OpenAINormalizer
// decodes (reasoning summaries, function-call argument deltas). It is a
// deliberate departure from the teacher's internal/provideropenai, which
// wraps sashabaranov/go-openai's Chat Completions API and cannot stream
// reasoning or interleaved tool-call deltas (see DESIGN.md).
type OpenAITransport struct {
	client           OpenAIResponsesClient
	defaultMaxTokens int
}

type realOpenAIResponsesClient struct {
	svc *responses.ResponseService
}

// NewOpenAIResponsesClient builds the production OpenAIResponsesClient.
func NewOpenAIResponsesClient(apiKey string, opts ...option.RequestOption) OpenAIResponsesClient {
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	c := openai.NewClient(all...)
	return realOpenAIResponsesClient{svc: &c.Responses}
}

func (c realOpenAIResponsesClient) NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) OpenAIEventStream {
	return c.svc.NewStreaming(ctx, body, opts...)
}

// NewOpenAITransport constructs a transport bound to client.
func NewOpenAITransport(client OpenAIResponsesClient, defaultMaxTokens int) *OpenAITransport {
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 4096
	}
	return &OpenAITransport{client: client, defaultMaxTokens: defaultMaxTokens}
}

func (t *OpenAITransport) OpenStream(ctx context.Context, req orchestrator.StreamRequest) (orchestrator.ProviderStream, error) {
	params, err := t.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("providertransport: openai build request: %w", err)
	}

	stream := t.client.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if isOpenAIRateLimited(err) {
			pe := providererr.New("openai", "stream", 429, providererr.KindRateLimited, "", "", true, err)
			return nil, fmt.Errorf("providertransport: %w: %w", ErrTransportRateLimited, pe)
		}
		return nil, fmt.Errorf("providertransport: openai open stream: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

// isOpenAIRateLimited reports whether err is the SDK's typed error for an
// HTTP 429 response.
func isOpenAIRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func (t *OpenAITransport) buildParams(req orchestrator.StreamRequest) (responses.ResponseNewParams, error) {
	items, err := t.buildInputItems(req)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}
	if len(items) == 0 {
		return responses.ResponseNewParams{}, fmt.Errorf("providertransport: at least one input item is required")
	}

	params := responses.ResponseNewParams{
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
		Model: openai.ChatModel(req.ModelID),
		Store: openai.Bool(false),
	}

	if req.ThinkingBudget > 0 {
		params.Include = []responses.ResponseIncludable{responses.ResponseIncludableReasoningEncryptedContent}
		params.Reasoning.Summary = shared.ReasoningSummaryAuto
	}

	if len(req.Tools) > 0 {
		tools, err := encodeOpenAITools(req.Tools)
		if err != nil {
			return responses.ResponseNewParams{}, err
		}
		params.Tools = tools
	}

	return params, nil
}

func (t *OpenAITransport) buildInputItems(req orchestrator.StreamRequest) ([]responses.ResponseInputItemUnionParam, error) {
	var items []responses.ResponseInputItemUnionParam
	if req.SystemPrompt != "" {
		items = append(items, responses.ResponseInputItemParamOfMessage(req.SystemPrompt, responses.EasyInputMessageRoleSystem))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleSystem))
			}
		case "user":
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		case "assistant":
			if m.ToolCallID != "" && m.Name != "" {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(m.Content, m.ToolCallID, m.Name))
			} else if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
			}
		case "tool":
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		default:
			return nil, fmt.Errorf("providertransport: unsupported message role %q", m.Role)
		}
	}
	return items, nil
}

func encodeOpenAITools(tools []orchestrator.ToolDescriptor) ([]responses.ToolUnionParam, error) {
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for _, td := range tools {
		params := map[string]any{}
		if len(td.InputSchema) > 0 {
			if err := json.Unmarshal(td.InputSchema, &params); err != nil {
				return nil, fmt.Errorf("providertransport: tool %q schema: %w", td.Name, err)
			}
		}
		out = append(out, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

// openaiStream adapts OpenAIEventStream's pull-style Next/Current/Err API to
// orchestrator.ProviderStream's Recv-style API.
type openaiStream struct {
	stream OpenAIEventStream
}

func (s *openaiStream) Family() string { return "openai" }

func (s *openaiStream) Recv(ctx context.Context) (any, bool, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	return s.stream.Current(), false, nil
}

func (s *openaiStream) Close() error { return s.stream.Close() }
