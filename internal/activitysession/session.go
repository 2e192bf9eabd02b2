// Package activitysession implements ActivitySession (spec §3, §4.3): the
// per-request aggregate state a ProviderNormalizer mutates one raw event at
// a time. A session belongs to exactly one orchestrator task for the
// duration of one turn; it is never shared across goroutines.
package activitysession

import (
	"fmt"
	"time"
)

// BlockKind classifies an indexed block for providers (Anthropic, Bedrock)
// that address blocks by index rather than by id.
type BlockKind string

const (
	BlockThinking BlockKind = "thinking"
	BlockText     BlockKind = "text"
	BlockToolUse  BlockKind = "tool_use"
)

// ToolCallState tracks one in-flight tool call's streamed argument buffer.
type ToolCallState struct {
	Name           string
	AccumulatedJSON string
	Sequence       int
	StartTime      time.Time
}

// Session is the ActivitySession described in spec §3. All mutator methods
// assume single-goroutine, single-owner access; there is no internal
// locking.
type Session struct {
	SessionID      string
	MessageID      string
	Model          string
	ProviderFamily string
	StartTime      time.Time

	// Thinking state.
	CurrentThinkingID string
	AccumulatedThinking string
	ThinkingStartTime  time.Time
	ThinkingHasStarted bool
	ThinkingSignature  string
	InsideThinkTag     bool   // DeepSeek/Ollama <think> tag parser state
	AccumulatedContentBuffer string // held-back partial <think> tag bytes

	// Content state.
	AccumulatedContent string
	ContentSequence    int

	// Active tools: toolCallId -> state.
	ActiveTools map[string]*ToolCallState

	// Block-index tracking for indexed-block providers.
	Blocks map[int]BlockKind

	// Metrics.
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	TTFT            *time.Duration

	// Terminal once MarkCompleted is called; further mutation is refused so a
	// caller bug can't violate the "activity_complete is terminal" invariant
	// (spec §3).
	completed bool

	// ToolStarted/ToolFinished track the tool_start/tool_complete+tool_result
	// pairing invariant (spec §3, spec §8 property 4).
	ToolStarted  map[string]bool
	ToolFinished map[string]bool

	// thinkingSeq/toolSeq back the per-session and per-call monotonic
	// sequenceNumber invariant (spec §8 property 2) for thinking_delta and
	// tool_delta events.
	thinkingSeq int
	toolSeq     map[string]int

	// BlockToolCallID maps a provider block index to the tool call id it
	// opened, for indexed-block providers (Anthropic, Bedrock) whose delta
	// events address blocks by index rather than by call id.
	BlockToolCallID map[int]string
}

// New constructs a fresh Session for one turn.
func New(sessionID, messageID, model, providerFamily string) *Session {
	return &Session{
		SessionID:      sessionID,
		MessageID:      messageID,
		Model:          model,
		ProviderFamily: providerFamily,
		StartTime:      time.Now(),
		ActiveTools:    make(map[string]*ToolCallState),
		Blocks:         make(map[int]BlockKind),
		ToolStarted:    make(map[string]bool),
		ToolFinished:   make(map[string]bool),
		toolSeq:        make(map[string]int),
		BlockToolCallID: make(map[int]string),
	}
}

// Completed reports whether activity_complete has already been emitted for
// this session.
func (s *Session) Completed() bool { return s.completed }

// MarkCompleted terminates the session; subsequent calls to NextContentSeq
// or OpenThinking panic, since any caller reaching them after completion
// violates the terminal invariant deterministically rather than silently
// emitting more events (spec §3: "activity_complete is terminal").
func (s *Session) MarkCompleted() {
	s.completed = true
}

// NextContentSeq returns the next 1-based content_delta sequence number,
// enforcing the "increases by exactly 1" invariant (spec §3, §8 property 2).
func (s *Session) NextContentSeq() int {
	s.mustNotBeCompleted()
	s.ContentSequence++
	return s.ContentSequence
}

// OpenThinking starts a new thinking block, closing any open content first
// is the caller's responsibility — Session only tracks state, the
// normalizer decides transition ordering (spec §4.3 cross-cutting rules).
func (s *Session) OpenThinking(thinkingID string) {
	s.mustNotBeCompleted()
	s.CurrentThinkingID = thinkingID
	s.ThinkingStartTime = time.Now()
	s.ThinkingHasStarted = true
	s.AccumulatedThinking = ""
	s.thinkingSeq = 0
}

// CloseThinking clears thinking-open state and returns the accumulated
// content and elapsed duration, for building a thinking_complete event.
func (s *Session) CloseThinking() (content string, elapsed time.Duration) {
	content = s.AccumulatedThinking
	if !s.ThinkingStartTime.IsZero() {
		elapsed = time.Since(s.ThinkingStartTime)
	}
	s.CurrentThinkingID = ""
	s.AccumulatedThinking = ""
	s.ThinkingStartTime = time.Time{}
	return content, elapsed
}

// HasOpenThinking reports whether a thinking block is currently open.
func (s *Session) HasOpenThinking() bool { return s.CurrentThinkingID != "" }

// RecordTTFTOnce records time-to-first-token the first time it's called for
// a session; subsequent calls are no-ops (spec §4.3: "recorded at the first
// content_delta or thinking_delta, whichever comes first").
func (s *Session) RecordTTFTOnce() {
	if s.TTFT != nil {
		return
	}
	d := time.Since(s.StartTime)
	s.TTFT = &d
}

// StartTool registers a new in-flight tool call.
func (s *Session) StartTool(callID, name string) {
	s.mustNotBeCompleted()
	s.ActiveTools[callID] = &ToolCallState{Name: name, StartTime: time.Now()}
	s.ToolStarted[callID] = true
}

// StartToolAtBlock registers a new in-flight tool call and records which
// indexed block opened it, for providers that address deltas by block
// index rather than by call id.
func (s *Session) StartToolAtBlock(blockIndex int, callID, name string) {
	s.StartTool(callID, name)
	s.BlockToolCallID[blockIndex] = callID
}

// ToolCallIDForBlock resolves the tool call id a given block index opened,
// or "" if the block wasn't a tool_use block.
func (s *Session) ToolCallIDForBlock(blockIndex int) string {
	return s.BlockToolCallID[blockIndex]
}

// NextThinkingSeq returns the next 1-based thinking_delta sequence number
// for the session's currently open thinking block.
func (s *Session) NextThinkingSeq() int {
	s.thinkingSeq++
	return s.thinkingSeq
}

// ToolDeltaSeq returns the next 1-based tool_delta sequence number for callID.
func (s *Session) ToolDeltaSeq(callID string) int {
	s.toolSeq[callID]++
	return s.toolSeq[callID]
}

// AppendToolJSON appends a JSON fragment to the named call's accumulator and
// returns the new accumulated string plus whether it currently parses.
func (s *Session) AppendToolJSON(callID, fragment string) (accumulated string, isValidJSON bool) {
	state, ok := s.ActiveTools[callID]
	if !ok {
		state = &ToolCallState{StartTime: time.Now()}
		s.ActiveTools[callID] = state
	}
	state.AccumulatedJSON += fragment
	state.Sequence++
	return state.AccumulatedJSON, isJSON(state.AccumulatedJSON)
}

// FinishTool returns a tool call's final accumulated argument JSON (for
// building tool_complete). It changes no session state; RecordToolResult is
// what closes out the call.
func (s *Session) FinishTool(callID string) string {
	state, ok := s.ActiveTools[callID]
	if !ok {
		return ""
	}
	return state.AccumulatedJSON
}

// RecordToolResult marks that the call's result has been produced, closing
// out the pairing invariant for that call id.
func (s *Session) RecordToolResult(callID string) {
	s.ToolFinished[callID] = true
	delete(s.ActiveTools, callID)
}

// UnresolvedToolCalls returns the ids of tool calls that started but never
// received a tool_result — used by the orchestrator to detect a violated
// invariant before emitting activity_complete (spec §3).
func (s *Session) UnresolvedToolCalls() []string {
	var ids []string
	for id := range s.ToolStarted {
		if !s.ToolFinished[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) mustNotBeCompleted() {
	if s.completed {
		panic(fmt.Sprintf("activitysession: session %s mutated after activity_complete", s.SessionID))
	}
}

// isJSON reports whether s parses as a complete JSON value. It's cheap
// enough to run on every delta (spec §4.3: "isValidJson is
// json.parse(accumulated) succeeds, evaluated cheaply each delta").
func isJSON(s string) bool {
	return isValidJSONString(s)
}
