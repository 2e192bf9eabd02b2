package providertransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/arcflow-run/activitycore/internal/orchestrator"
	"github.com/arcflow-run/activitycore/internal/providererr"
)

// BedrockRuntimeClient is the subset of *bedrockruntime.Client this adapter
// calls, narrowed so tests can substitute a fake. Grounded on the teacher's
// internal/providerbedrock client.go RuntimeClient seam.
type BedrockRuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockTransport implements orchestrator.ProviderTransport against the AWS
// Bedrock Converse API, handing the raw brtypes.ConverseStreamOutput union
// straight to internal/normalizer.BedrockNormalizer (spec §4.3). Unlike the
// teacher's internal/providerbedrock, which translates Converse events into
// goa-ai's own model.Chunk shape, this adapter does no translation: the
// normalizer already consumes the SDK's union type directly.
type BedrockTransport struct {
	client         BedrockRuntimeClient
	defaultTokens  int
	thinkingBudget int
}

// NewBedrockRuntimeClient loads the default AWS config for region (falling
// back to the SDK's own resolution chain when region is empty) and returns a
// *bedrockruntime.Client, which satisfies BedrockRuntimeClient.
func NewBedrockRuntimeClient(ctx context.Context, region string) (BedrockRuntimeClient, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("providertransport: load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

// NewBedrockTransport constructs a transport bound to client.
func NewBedrockTransport(client BedrockRuntimeClient, defaultMaxTokens, defaultThinkingBudget int) *BedrockTransport {
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 4096
	}
	if defaultThinkingBudget <= 0 {
		defaultThinkingBudget = 16384
	}
	return &BedrockTransport{client: client, defaultTokens: defaultMaxTokens, thinkingBudget: defaultThinkingBudget}
}

func (t *BedrockTransport) OpenStream(ctx context.Context, req orchestrator.StreamRequest) (orchestrator.ProviderStream, error) {
	input, err := t.buildInput(req)
	if err != nil {
		return nil, fmt.Errorf("providertransport: bedrock build request: %w", err)
	}

	out, err := t.client.ConverseStream(ctx, input)
	if err != nil {
		if isBedrockRateLimited(err) {
			pe := providererr.New("bedrock", "stream", 0, providererr.KindRateLimited, "", "", true, err)
			return nil, fmt.Errorf("providertransport: %w: %w", ErrTransportRateLimited, pe)
		}
		return nil, fmt.Errorf("providertransport: bedrock open stream: %w", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, fmt.Errorf("providertransport: bedrock stream output missing event stream")
	}
	return &bedrockStream{events: stream}, nil
}

func (t *BedrockTransport) buildInput(req orchestrator.StreamRequest) (*bedrockruntime.ConverseStreamInput, error) {
	messages, system, err := t.encodeMessages(req)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("providertransport: at least one user/assistant message is required")
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.ModelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if len(req.Tools) > 0 {
		toolConfig, err := encodeBedrockTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolConfig
	}
	if req.ThinkingBudget > 0 {
		budget := req.ThinkingBudget
		fields := map[string]any{"thinking": map[string]any{"type": "enabled", "budget_tokens": budget}}
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	input.InferenceConfig = &brtypes.InferenceConfiguration{MaxTokens: aws.Int32(int32(t.defaultTokens))}
	return input, nil
}

func (t *BedrockTransport) encodeMessages(req orchestrator.StreamRequest) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var messages []brtypes.Message
	var system []brtypes.SystemContentBlock
	if req.SystemPrompt != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
		case "user":
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case "assistant":
			messages = append(messages, brtypes.Message{
				Role:    brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case "tool":
			messages = append(messages, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				}},
			})
		default:
			return nil, nil, fmt.Errorf("providertransport: unsupported message role %q", m.Role)
		}
	}
	return messages, system, nil
}

func encodeBedrockTools(tools []orchestrator.ToolDescriptor) (*brtypes.ToolConfiguration, error) {
	specs := make([]brtypes.Tool, 0, len(tools))
	for _, td := range tools {
		schema := map[string]any{}
		if len(td.InputSchema) > 0 {
			if err := json.Unmarshal(td.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("providertransport: tool %q schema: %w", td.Name, err)
			}
		}
		spec := &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(td.Name),
				Description: aws.String(td.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
		specs = append(specs, spec)
	}
	return &brtypes.ToolConfiguration{Tools: specs}, nil
}

func isBedrockRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	return false
}

// bedrockStream adapts *bedrockruntime.ConverseStreamEventStream's channel
// API to orchestrator.ProviderStream's Recv-style API, handing the raw
// brtypes.ConverseStreamOutput union straight through unchanged.
type bedrockStream struct {
	events *bedrockruntime.ConverseStreamEventStream
}

func (s *bedrockStream) Family() string { return "bedrock" }

func (s *bedrockStream) Recv(ctx context.Context) (any, bool, error) {
	select {
	case ev, ok := <-s.events.Events():
		if !ok {
			if err := s.events.Err(); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		}
		return ev, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *bedrockStream) Close() error { return s.events.Close() }
