// Package event defines the canonical ActivityEvent tagged union emitted by
// the orchestration core. Every provider family is normalized to this single
// wire schema before it reaches the SSE client, persistence, or metrics.
package event

// Type identifies the concrete kind of an ActivityEvent. Consumers switch on
// Type rather than performing Go type assertions so the wire contract stays
// stable across transports (SSE framing uses Type verbatim as the `event:`
// line).
type Type string

const (
	TypeActivityStart  Type = "activity_start"
	TypeThinkingStart   Type = "thinking_start"
	TypeThinkingDelta   Type = "thinking_delta"
	TypeThinkingComplete Type = "thinking_complete"
	TypeContentDelta    Type = "content_delta"
	TypeToolStart       Type = "tool_start"
	TypeToolDelta       Type = "tool_delta"
	TypeToolProgress    Type = "tool_progress"
	TypeToolComplete    Type = "tool_complete"
	TypeToolResult      Type = "tool_result"
	TypeTodoUpdate      Type = "todo_update"
	TypeMetricsUpdate   Type = "metrics_update"
	TypeActivityComplete Type = "activity_complete"
	TypeError           Type = "error"
)

// ThinkingMode classifies the provenance of a thinking block.
type ThinkingMode string

const (
	ThinkingModeExtended       ThinkingMode = "extended"
	ThinkingModeChainOfThought ThinkingMode = "chain_of_thought"
	ThinkingModeSummary        ThinkingMode = "summary"
	ThinkingModeHidden         ThinkingMode = "hidden"
)

// StopReason records why a turn/activity stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonError     StopReason = "error"
)

// Tokens reports token accounting for a request or an entire activity.
type Tokens struct {
	In        int `json:"in"`
	Out       int `json:"out"`
	Reasoning int `json:"reasoning"`
	Total     int `json:"total"`
}

// Timing reports wall-clock timing for a request or an entire activity.
type Timing struct {
	// TTFTMs is the time-to-first-token in milliseconds. Zero means unset
	// (not yet observed), so callers must distinguish via a pointer only when
	// they need to tell "unset" apart from "zero latency"; the orchestrator
	// always has a positive value by the time it reports this.
	TTFTMs  int64   `json:"ttftMs,omitempty"`
	Elapsed int64   `json:"elapsedMs"`
	TPS     float64 `json:"tps"`
}

// Todo is a single item in a todo_update payload. The shape is intentionally
// permissive: tool handlers own the semantics, the core only transports it.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// ActivityEvent is the tagged union described in spec §3. Exactly one of the
// per-variant payload fields is meaningful for a given Type; the rest are
// zero. A single struct (rather than an interface with concrete types) keeps
// JSON marshaling for the SSE wire format trivial and keeps the fanout buffer
// a plain value type.
type ActivityEvent struct {
	Type Type `json:"type"`

	SessionID string `json:"sessionId"`
	TS        int64  `json:"ts"`

	// activity_start (also set on the nested pair a handoff opens/closes,
	// spec §4.4 step 2)
	MessageID    string         `json:"messageId,omitempty"`
	Model        string         `json:"model,omitempty"`
	Provider     string         `json:"provider,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	Role         string         `json:"role,omitempty"`
	HandoffCount int            `json:"handoffCount,omitempty"`

	// thinking_*
	ThinkingID   string       `json:"thinkingId,omitempty"`
	Mode         ThinkingMode `json:"mode,omitempty"`
	Content      string       `json:"content,omitempty"`
	TokenCount   int          `json:"tokenCount,omitempty"`
	DurationMs   int64        `json:"durationMs,omitempty"`
	WasHidden    bool         `json:"wasHidden,omitempty"`

	// thinking_delta / content_delta / tool_delta (shared shape)
	Delta         string `json:"delta,omitempty"`
	Accumulated   string `json:"accumulated,omitempty"`
	SequenceNumber int   `json:"sequenceNumber,omitempty"`

	// tool_*
	ToolCallID   string         `json:"toolCallId,omitempty"`
	ToolName     string         `json:"toolName,omitempty"`
	ToolIndex    int            `json:"toolIndex,omitempty"`
	IsValidJSON  bool           `json:"isValidJson,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	ArgumentsRaw string         `json:"argumentsRaw,omitempty"`
	Output       string         `json:"output,omitempty"` // tool_progress

	// tool_result
	Result      any    `json:"result,omitempty"`
	Success     bool   `json:"success,omitempty"`
	Error       string `json:"error,omitempty"`
	ExecutionMs int64  `json:"executionMs,omitempty"`

	// todo_update
	Todos []Todo `json:"todos,omitempty"`

	// metrics_update / activity_complete
	TokensUsage Tokens `json:"tokens,omitempty"`
	Timing      Timing `json:"timing,omitempty"`

	// activity_complete
	HadThinking   bool       `json:"hadThinking,omitempty"`
	ToolCallCount int        `json:"toolCallCount,omitempty"`
	StopReason    StopReason `json:"stopReason,omitempty"`

	// error
	ErrorCode      string `json:"code,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	ErrorRetryable bool   `json:"errorRetryable,omitempty"`
}
