// Package providertransport implements orchestrator.ProviderTransport per
// provider family (spec §6 "Provider transport contract"), adapting each
// vendor SDK's request/stream shape to the orchestrator's StreamRequest/
// ProviderStream seam and handing raw events to the matching normalizer
// package unchanged. Grounded on the teacher's internal/provideranthropic
// client.go request-encoding helpers, adapted from goa-ai's model.Request to
// orchestrator.StreamRequest.
package providertransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/internal/providererr"
)

// AnthropicMessagesClient is the subset of *sdk.MessageService this adapter
// calls, narrowed so tests can substitute a fake.
type AnthropicMessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) AnthropicEventStream
}

// AnthropicEventStream matches the subset of *ssestream.Stream[sdk.MessageStreamEventUnion]
// this adapter consumes, so a fake can be substituted without depending on
// a live SSE decoder in tests.
type AnthropicEventStream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

// AnthropicTransport implements orchestrator.ProviderTransport against the
// Anthropic Messages API.
type AnthropicTransport struct {
	client           AnthropicMessagesClient
	defaultMaxTokens int
}

// realAnthropicClient adapts *sdk.MessageService's concrete NewStreaming
// return type (*ssestream.Stream[sdk.MessageStreamEventUnion]) to the
// AnthropicMessagesClient seam; the concrete stream type already implements
// Next/Current/Err/Close so no further wrapping is needed.
type realAnthropicClient struct {
	svc *sdk.MessageService
}

// NewAnthropicMessagesClient builds the production AnthropicMessagesClient,
// authenticating with apiKey the way the teacher's NewFromAPIKey does.
func NewAnthropicMessagesClient(apiKey string) AnthropicMessagesClient {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return realAnthropicClient{svc: &c.Messages}
}

func (c realAnthropicClient) NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) AnthropicEventStream {
	return c.svc.NewStreaming(ctx, body, opts...)
}

// NewAnthropicTransport constructs a transport bound to client. Every
// request is sent with defaultMaxTokens as its max_tokens: StreamRequest
// carries no per-model output cap.
func NewAnthropicTransport(client AnthropicMessagesClient, defaultMaxTokens int) *AnthropicTransport {
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 4096
	}
	return &AnthropicTransport{client: client, defaultMaxTokens: defaultMaxTokens}
}

func (t *AnthropicTransport) OpenStream(ctx context.Context, req orchestrator.StreamRequest) (orchestrator.ProviderStream, error) {
	params, err := t.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("providertransport: anthropic build request: %w", err)
	}

	stream := t.client.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if isAnthropicRateLimited(err) {
			pe := providererr.New("anthropic", "stream", 429, providererr.KindRateLimited, "", "", true, err)
			return nil, fmt.Errorf("providertransport: %w: %w", ErrTransportRateLimited, pe)
		}
		return nil, fmt.Errorf("providertransport: anthropic open stream: %w", err)
	}
	return &anthropicStream{stream: stream}, nil
}

// isAnthropicRateLimited reports whether err is the SDK's typed error for an
// HTTP 429 response, grounded on the teacher's internal/provideranthropic
// isRateLimited (there, a dead check against an error that was never
// actually produced by a status-code inspection; here, a real one against
// the SDK's *sdk.Error.StatusCode).
func isAnthropicRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func (t *AnthropicTransport) buildParams(req orchestrator.StreamRequest) (sdk.MessageNewParams, error) {
	maxTokens := t.defaultMaxTokens

	var msgs []sdk.MessageParam
	var system []sdk.TextBlockParam
	if req.SystemPrompt != "" {
		system = append(system, sdk.TextBlockParam{Text: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case "user":
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		case "tool":
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("providertransport: unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, fmt.Errorf("providertransport: at least one user/assistant message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.ModelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		tools, err := encodeAnthropicTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.ThinkingBudget > 0 && req.ThinkingBudget < maxTokens {
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}
	return params, nil
}

func encodeAnthropicTools(tools []orchestrator.ToolDescriptor) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, td := range tools {
		var schema sdk.ToolInputSchemaParam
		if len(td.InputSchema) > 0 {
			var raw json.RawMessage = td.InputSchema
			if err := json.Unmarshal(raw, &schema); err != nil {
				return nil, fmt.Errorf("providertransport: tool %q schema: %w", td.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(schema, td.Name)
		if u.OfTool != nil && td.Description != "" {
			u.OfTool.Description = sdk.String(td.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

// anthropicStream adapts AnthropicEventStream's pull-style Next/Current/Err
// API to orchestrator.ProviderStream's Recv-style API.
type anthropicStream struct {
	stream AnthropicEventStream
}

func (s *anthropicStream) Family() string { return "anthropic" }

func (s *anthropicStream) Recv(ctx context.Context) (any, bool, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}
	return s.stream.Current(), false, nil
}

func (s *anthropicStream) Close() error { return s.stream.Close() }
