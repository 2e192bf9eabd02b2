// Package orchestrator implements ConversationOrchestrator (spec §4.6): the
// per-turn state machine that drives a provider stream through a
// Normalizer, fans out canonical events, executes tool calls in parallel,
// and loops continuation turns until the model produces a final answer.
package orchestrator

import (
	"context"
	"encoding/json"
)

// Message is one entry of the conversation sent to a provider (spec §6
// "Provider transport contract"). Role is "system", "user", "assistant", or "tool".
type Message struct {
	Role       string
	Content    string
	ToolCallID string // set when Role == "tool"
	Name       string // tool name, set when Role == "tool"
}

// ToolDescriptor is a tool's wire-visible shape, handed to the provider so
// it knows what it may call (spec §6 "Tool registry contract").
type ToolDescriptor struct {
	Name            string
	Description     string
	InputSchema     json.RawMessage
	DescriptorFlags []string // fileEdit, longRunning, streamsOutput
}

// StreamRequest describes one provider stream to open, either the turn's
// initial request (S0) or a continuation after tool results (S3).
type StreamRequest struct {
	ModelID        string
	ProviderFamily string
	SystemPrompt   string
	Messages       []Message
	Tools          []ToolDescriptor
	ThinkingBudget int
}

// ProviderStream yields one raw provider event at a time. The concrete raw
// type matches whatever the bound Normalizer for Family expects (spec §4.3:
// sdk.MessageStreamEventUnion for Anthropic, responses.ResponseStreamEventUnion
// for OpenAI, *genai.GenerateContentResponse for Gemini, DeepSeekChunk for
// DeepSeek, brtypes.ConverseStreamOutput for Bedrock).
type ProviderStream interface {
	Family() string
	// Recv returns the next raw event, or done=true once the provider has
	// finished emitting (no more events follow; err is nil in that case).
	Recv(ctx context.Context) (raw any, done bool, err error)
	Close() error
}

// ProviderTransport opens provider streams (spec §6 "Provider transport
// contract (inbound)"). The core models no authentication, retry, or
// request shaping beyond what StreamRequest carries (spec §1 non-goals).
type ProviderTransport interface {
	OpenStream(ctx context.Context, req StreamRequest) (ProviderStream, error)
}
