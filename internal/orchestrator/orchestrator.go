package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arcflow-run/activitycore/internal/activitysession"
	"github.com/arcflow-run/activitycore/internal/capability"
	"github.com/arcflow-run/activitycore/internal/fanout"
	"github.com/arcflow-run/activitycore/internal/normalizer"
	"github.com/arcflow-run/activitycore/internal/promptrouter"
	"github.com/arcflow-run/activitycore/internal/providererr"
	"github.com/arcflow-run/activitycore/internal/store"
	"github.com/arcflow-run/activitycore/internal/telemetry"
	"github.com/arcflow-run/activitycore/internal/toolinvoker"
	"github.com/arcflow-run/activitycore/pkg/event"
)

// DefaultRequestTimeout bounds one full turn (spec §5: "Default request
// deadline: 10 minutes").
const DefaultRequestTimeout = 10 * time.Minute

// DefaultAbortGrace is the default Orchestrator.AbortGrace. Run does not
// read AbortGrace: on caller cancellation the provider stream is closed as
// soon as its Recv returns, with no added wait.
const DefaultAbortGrace = 500 * time.Millisecond

// maxContinuationHops bounds S2→S3→S1 loop re-entries within a single turn
// as a backstop independent of toolinvoker's handoff-role cycle detection:
// a well-behaved model converges in a handful of tool rounds, so a much
// higher bound here only catches a runaway loop, not a normal multi-tool
// turn.
const maxContinuationHops = 32

// ToolRegistry resolves tool names to their wire descriptor, for inclusion
// in a StreamRequest sent to the provider.
type ToolRegistry interface {
	Descriptor(name string) (ToolDescriptor, bool)
	Names() []string
}

// TurnRequest is one inbound user turn (spec §6 SSE wire format POST body).
type TurnRequest struct {
	SessionID    string
	UserID       string
	Groups       []string
	Message      string
	ModelID      string // empty means let PromptRouter/capability defaults choose
	EnabledTools []string
}

// Orchestrator wires together every spec §4 component into the turn loop
// described in spec §4.6.
type Orchestrator struct {
	Capabilities *capability.Registry
	Router       *promptrouter.Router
	Normalizers  map[string]normalizer.Normalizer // keyed by Family()
	Invoker      *toolinvoker.Invoker
	Transport    ProviderTransport
	Tools        ToolRegistry
	Store        store.SessionStore
	Telemetry    telemetry.Bundle

	RequestTimeout time.Duration
	AbortGrace     time.Duration

	// HandoffModels maps a handoff role (spec §4.4 step 2) to the model ID
	// that role resumes the stream on. A role absent from this map is never
	// advertised to the provider as a callable handoff. Wired post-construction,
	// same as RequestTimeout/AbortGrace.
	HandoffModels map[toolinvoker.Role]string
}

// New constructs an Orchestrator with spec-default timeouts; override
// RequestTimeout/AbortGrace afterwards if config says otherwise.
func New(
	caps *capability.Registry,
	router *promptrouter.Router,
	normalizers map[string]normalizer.Normalizer,
	invoker *toolinvoker.Invoker,
	transport ProviderTransport,
	tools ToolRegistry,
	sessionStore store.SessionStore,
	tb telemetry.Bundle,
) *Orchestrator {
	return &Orchestrator{
		Capabilities:   caps,
		Router:         router,
		Normalizers:    normalizers,
		Invoker:        invoker,
		Transport:      transport,
		Tools:          tools,
		Store:          sessionStore,
		Telemetry:      tb,
		RequestTimeout: DefaultRequestTimeout,
		AbortGrace:     DefaultAbortGrace,
	}
}

// pendingCall is one tool_start seen in the current S1 streaming pass,
// awaiting its handler result before the turn can re-enter S1.
type pendingCall struct {
	callID    string
	toolIndex int
	toolName  string
	arguments map[string]any
	// isHandoff and role classify this call per spec §4.4 step 2: a call
	// whose name matches a registered handoff role is resolved by switching
	// models, never dispatched to Invoker.Invoke as an ordinary tool.
	isHandoff bool
	role      toolinvoker.Role
}

// turn carries state that threads through PREPARE→STREAMING→TOOLS_PENDING→
// CONTINUATION→FINALIZE without living on ActivitySession, which only
// tracks per-stream-pass state (spec §3 ActivitySession scope).
type turn struct {
	req     TurnRequest
	caps    capability.Capabilities
	family  string
	model   string
	session *activitysession.Session

	messages     []Message
	visited      []toolinvoker.Role
	hops         int
	toolOrder    []string // call ids in tool_start order, for deterministic re-serialization
	pendingCalls map[string]pendingCall

	// activeRole, roleStartedAt and handoffCount track the currently active
	// handoff (spec §4.4 step 2): activeRole is empty while the turn's
	// primary model is streaming, and non-empty between a handoff's nested
	// activity_start and its matching activity_complete.
	activeRole    toolinvoker.Role
	roleStartedAt time.Time
	handoffCount  int

	inputTokens     int
	outputTokens    int
	reasoningTokens int
	toolCallCount   int
	hadThinking     bool
	inputCost       float64
	outputCost      float64
	startedAt       time.Time
}

// Run executes one full turn of the state machine, publishing every
// canonical event to sink, and persisting the finished turn to Orchestrator.Store.
// Run returns once a terminal activity_complete has been emitted (either
// normal completion, an aborted-by-caller-cancellation completion, or a
// provider/tool fatal error folded into stopReason=error). A failure in S0
// (prepare) is the exception: Run then emits only an error event and returns.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, sink *fanout.Fanout) error {
	reqTimeout := o.RequestTimeout
	if reqTimeout <= 0 {
		reqTimeout = DefaultRequestTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, reqTimeout)
	defer cancel()

	t, err := o.prepare(runCtx, req)
	if err != nil {
		o.emitError(sink, req.SessionID, "prepare_failed", err)
		return err
	}

	o.emitActivityStart(sink, t)

	for {
		toolCalls, stopReason, streamErr := o.stream(runCtx, sink, t)
		if streamErr != nil {
			if isAbort(runCtx, ctx) {
				o.finalizeAborted(sink, t)
				return streamErr
			}
			o.emitError(sink, req.SessionID, "provider_stream_failed", streamErr)
			o.finalize(sink, t, event.StopReasonError)
			return streamErr
		}

		final := make([]pendingCall, len(toolCalls))
		for i, pc := range toolCalls {
			final[i] = t.pendingCalls[pc.callID]
		}
		handoffs, ordinary := splitHandoffCalls(final)

		if len(handoffs) == 0 && len(ordinary) == 0 {
			o.finalize(sink, t, stopReason)
			return nil
		}

		t.hops++
		if t.hops > maxContinuationHops {
			err := fmt.Errorf("orchestrator: exceeded %d continuation hops", maxContinuationHops)
			o.emitError(sink, req.SessionID, "continuation_limit_exceeded", err)
			o.finalize(sink, t, event.StopReasonError)
			return err
		}

		if len(handoffs) > 0 {
			// Only the first handoff call in a pass is honored; a model that
			// opens several in one turn is treating them as alternatives, not
			// a fan-out, since a turn only ever streams on one model at a time.
			if err := o.handleHandoff(sink, t, handoffs[0]); err != nil {
				o.emitError(sink, req.SessionID, "handoff_failed", err)
				o.finalize(sink, t, event.StopReasonError)
				return err
			}
			for _, pc := range handoffs[1:] {
				t.messages = append(t.messages, Message{
					Role:       "tool",
					Content:    `{"status":"superseded_by_handoff"}`,
					ToolCallID: pc.callID,
					Name:       pc.toolName,
				})
			}
		}

		if len(ordinary) > 0 {
			results := o.runToolsPending(runCtx, sink, t, ordinary)
			o.continueWithResults(t, ordinary, results)
		}
	}
}

// splitHandoffCalls separates the calls opened during an S1 pass into
// handoff calls (spec §4.4 step 2, resolved by switching models) and
// ordinary tool calls (resolved by Invoker.Invoke).
func splitHandoffCalls(opened []pendingCall) (handoffs, ordinary []pendingCall) {
	for _, pc := range opened {
		if pc.isHandoff {
			handoffs = append(handoffs, pc)
		} else {
			ordinary = append(ordinary, pc)
		}
	}
	return handoffs, ordinary
}

// prepare is S0: resolve the prompt, pick a model, open the fresh session.
func (o *Orchestrator) prepare(ctx context.Context, req TurnRequest) (*turn, error) {
	resolution, err := o.Router.Resolve(ctx, req.UserID, req.Message, req.Groups)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: resolve prompt: %w", err)
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = o.defaultModelID()
	}
	caps := o.Capabilities.Lookup(modelID)

	if _, ok := o.Normalizers[caps.ProviderFamily]; !ok {
		return nil, fmt.Errorf("orchestrator: no normalizer registered for provider family %q", caps.ProviderFamily)
	}

	messageID := uuid.NewString()
	sess := activitysession.New(req.SessionID, messageID, modelID, caps.ProviderFamily)

	return &turn{
		req:    req,
		caps:   caps,
		family: caps.ProviderFamily,
		model:  modelID,
		session: sess,
		messages: []Message{
			{Role: "system", Content: resolution.Content},
			{Role: "user", Content: req.Message},
		},
		pendingCalls: make(map[string]pendingCall),
		startedAt:    time.Now(),
	}, nil
}

// defaultModelID is the fallback used when a TurnRequest doesn't pin a
// model; a deployment is expected to register at least one pattern/exact
// capability, but the conservative default in capability.Registry.Lookup
// keeps this safe even if none is registered yet.
func (o *Orchestrator) defaultModelID() string { return "default" }

func (o *Orchestrator) emitActivityStart(sink *fanout.Fanout, t *turn) {
	sink.Publish(event.ActivityEvent{
		Type:      event.TypeActivityStart,
		SessionID: t.req.SessionID,
		TS:        nowMillis(),
		MessageID: t.session.MessageID,
		Model:     t.model,
		Provider:  t.family,
		Capabilities: map[string]any{
			"supportsToolUse":  t.caps.SupportsToolUse,
			"thinkingMode":     string(t.caps.ThinkingMode),
			"maxOutputTokens":  t.caps.MaxOutputTokens,
			"maxContextTokens": t.caps.MaxContextTokens,
		},
	})
}

// stream is S1: feed provider events through the bound Normalizer,
// publishing whatever it produces, until the provider stream ends. Returns
// the tool calls that were opened during this pass (empty means the model
// produced a final answer with no tool use) along with the stop reason the
// provider's terminal event carried.
func (o *Orchestrator) stream(ctx context.Context, sink *fanout.Fanout, t *turn) ([]pendingCall, event.StopReason, error) {
	norm, ok := o.Normalizers[t.family]
	if !ok {
		return nil, "", fmt.Errorf("orchestrator: no normalizer for family %q", t.family)
	}

	tools := o.toolDescriptors(t.req.EnabledTools)
	tools = append(tools, o.handoffToolDescriptors(t.visited)...)
	req := StreamRequest{
		ModelID:        t.model,
		ProviderFamily: t.family,
		Messages:       t.messages,
		Tools:          tools,
		ThinkingBudget: t.caps.ThinkingBudgetDefault,
	}
	ps, err := o.Transport.OpenStream(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("orchestrator: open provider stream: %w", err)
	}
	defer ps.Close()

	stopReason := event.StopReasonEndTurn
	var opened []pendingCall

	for {
		raw, done, err := ps.Recv(ctx)
		if err != nil {
			return nil, "", fmt.Errorf("orchestrator: provider stream recv: %w", err)
		}
		if done {
			break
		}

		events := norm.Handle(t.session, raw)
		for _, ev := range events {
			ev.SessionID = t.req.SessionID
			sink.Publish(ev)
			o.observe(t, ev, &opened, &stopReason)
		}
	}

	return opened, stopReason, nil
}

// observe folds one emitted event into turn-level accounting: token/cost
// totals, thinking/tool bookkeeping, and the set of tool calls opened this
// pass (spec §4.6 "Cost & token accounting", "Parallel tool execution").
func (o *Orchestrator) observe(t *turn, ev event.ActivityEvent, opened *[]pendingCall, stopReason *event.StopReason) {
	switch ev.Type {
	case event.TypeThinkingStart:
		t.hadThinking = true
	case event.TypeToolStart:
		role, isHandoff := toolinvoker.RoleFromToolName(ev.ToolName)
		if !isHandoff {
			t.toolCallCount++
			t.toolOrder = append(t.toolOrder, ev.ToolCallID)
		}
		pc := pendingCall{callID: ev.ToolCallID, toolIndex: ev.ToolIndex, toolName: ev.ToolName, isHandoff: isHandoff, role: role}
		*opened = append(*opened, pc)
		t.pendingCalls[ev.ToolCallID] = pc
	case event.TypeToolComplete:
		if pc, ok := t.pendingCalls[ev.ToolCallID]; ok {
			pc.arguments = ev.Arguments
			t.pendingCalls[ev.ToolCallID] = pc
		}
	case event.TypeMetricsUpdate, event.TypeActivityComplete:
		t.inputTokens += ev.TokensUsage.In
		t.outputTokens += ev.TokensUsage.Out
		t.reasoningTokens += ev.TokensUsage.Reasoning
		t.inputCost += float64(ev.TokensUsage.In) / 1000 * t.caps.InputCostPer1K
		t.outputCost += float64(ev.TokensUsage.Out) / 1000 * t.caps.OutputCostPer1K
		if ev.Type == event.TypeActivityComplete {
			*stopReason = ev.StopReason
		}
	}
}

// toolDescriptors resolves the requested tool names against Orchestrator.Tools,
// skipping unknown names rather than failing the turn outright.
func (o *Orchestrator) toolDescriptors(names []string) []ToolDescriptor {
	if o.Tools == nil {
		return nil
	}
	requested := names
	if len(requested) == 0 {
		requested = o.Tools.Names()
	}
	out := make([]ToolDescriptor, 0, len(requested))
	for _, n := range requested {
		if d, ok := o.Tools.Descriptor(n); ok {
			out = append(out, d)
		}
	}
	return out
}

// handoffRoleOrder fixes the order handoff roles are advertised in, for
// deterministic StreamRequest.Tools across passes.
var handoffRoleOrder = []toolinvoker.Role{
	toolinvoker.RoleReasoning,
	toolinvoker.RoleToolExecution,
	toolinvoker.RoleSynthesis,
	toolinvoker.RoleFallback,
}

// handoffToolDescriptors advertises the handoff roles configured via
// Orchestrator.HandoffModels and not yet visited this turn as callable
// tools (spec §4.4 step 2): a model hands the turn off by calling one by
// name rather than by any special wire signal.
func (o *Orchestrator) handoffToolDescriptors(visited []toolinvoker.Role) []ToolDescriptor {
	if len(o.HandoffModels) == 0 {
		return nil
	}
	seen := make(map[toolinvoker.Role]bool, len(visited))
	for _, r := range visited {
		seen[r] = true
	}
	out := make([]ToolDescriptor, 0, len(handoffRoleOrder))
	for _, role := range handoffRoleOrder {
		if seen[role] {
			continue
		}
		if _, ok := o.HandoffModels[role]; !ok {
			continue
		}
		out = append(out, ToolDescriptor{
			Name:        string(role),
			Description: fmt.Sprintf("Hand the rest of this turn off to the %s-role model.", role),
			InputSchema: json.RawMessage(`{"type":"object","properties":{"context":{"type":"string"}},"additionalProperties":false}`),
		})
	}
	return out
}

// toolResult pairs a completed tool call with its execution Result.
type toolResult struct {
	callID string
	result toolinvoker.Result
}

// runToolsPending is S2: execute every call opened during the last S1 pass
// concurrently, waiting for all to finish (or individually time out) before
// returning (spec §4.6 "Parallel tool execution").
func (o *Orchestrator) runToolsPending(ctx context.Context, sink *fanout.Fanout, t *turn, opened []pendingCall) []toolResult {
	// Resolve final accumulated arguments from t.pendingCalls: tool_complete
	// (observed after tool_start) is what fills pc.arguments in, so opened
	// entries captured at tool_start time must be re-read here.
	jobs := make([]pendingCall, len(opened))
	for i, pc := range opened {
		jobs[i] = t.pendingCalls[pc.callID]
	}

	// Ordinary tool calls execute under whichever model is currently active:
	// the turn's primary model (activeRole empty) or the model a handoff
	// switched to, per spec §4.4 step 2.
	activeRole := t.activeRole
	visited := t.visited

	results := make(chan toolResult, len(jobs))
	for _, pc := range jobs {
		pc := pc
		go func() {
			res := o.Invoker.Invoke(ctx, toolinvoker.Call{
				ToolCallID:   pc.callID,
				ToolName:     pc.toolName,
				Arguments:    pc.arguments,
				Role:         activeRole,
				VisitedRoles: visited,
			})
			results <- toolResult{callID: pc.callID, result: res}
		}()
	}

	collected := make([]toolResult, 0, len(jobs))
	for range jobs {
		tr := <-results
		t.session.RecordToolResult(tr.callID)
		o.emitToolResult(sink, t, tr)
		collected = append(collected, tr)
	}
	return collected
}

func (o *Orchestrator) emitToolResult(sink *fanout.Fanout, t *turn, tr toolResult) {
	ev := event.ActivityEvent{
		Type:       event.TypeToolResult,
		SessionID:  t.req.SessionID,
		TS:         nowMillis(),
		ToolCallID: tr.callID,
		Success:    tr.result.Success,
	}
	if tr.result.Success {
		ev.Result = tr.result.Output
	} else if tr.result.Err != nil {
		ev.Error = tr.result.Err.Error()
	}
	ev.ExecutionMs = tr.result.ExecutionMs
	sink.Publish(ev)

	if len(tr.result.Todos) > 0 {
		sink.Publish(event.ActivityEvent{
			Type:      event.TypeTodoUpdate,
			SessionID: t.req.SessionID,
			TS:        nowMillis(),
			Todos:     tr.result.Todos,
		})
	}
}

// continueWithResults is S3: append role=tool messages in deterministic
// toolIndex order and prepare the next S1 pass (spec §5 "Tool-handler
// completions return in arbitrary order; the orchestrator re-serializes
// them into a deterministic toolIndex order").
func (o *Orchestrator) continueWithResults(t *turn, opened []pendingCall, results []toolResult) {
	byCallID := make(map[string]toolResult, len(results))
	for _, r := range results {
		byCallID[r.callID] = r
	}

	// opened is already in tool_start (toolIndex) order for this pass, so
	// appending messages in that order satisfies the deterministic
	// re-serialization rule without needing to re-derive it from t.toolOrder.
	for _, pc := range opened {
		r, ok := byCallID[pc.callID]
		if !ok {
			continue
		}
		content := r.result.OutputJSON
		if !r.result.Success {
			content = fmt.Sprintf(`{"error":%q}`, r.result.Err.Error())
		}
		t.messages = append(t.messages, Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: pc.callID,
			Name:       pc.toolName,
		})
		delete(t.pendingCalls, pc.callID)
	}
}

// handleHandoff resolves one handoff call (spec §4.4 step 2): it validates
// the role against the chain visited so far via the shared Invoker.CheckHandoff,
// closes out the currently active role (if any), switches the turn onto the
// target model, and emits the nested activity_start that opens the new
// role's span. t.messages already carries the accumulated conversation, so
// the next S1 pass resumes the stream on the new model with full context.
func (o *Orchestrator) handleHandoff(sink *fanout.Fanout, t *turn, pc pendingCall) error {
	role := pc.role
	if err := o.Invoker.CheckHandoff(t.visited, role); err != nil {
		return fmt.Errorf("orchestrator: handoff to %q rejected: %w", role, err)
	}
	modelID, ok := o.HandoffModels[role]
	if !ok || modelID == "" {
		return fmt.Errorf("orchestrator: no model configured for handoff role %q", role)
	}
	caps := o.Capabilities.Lookup(modelID)
	if _, ok := o.Normalizers[caps.ProviderFamily]; !ok {
		return fmt.Errorf("orchestrator: no normalizer registered for handoff provider family %q", caps.ProviderFamily)
	}

	o.closeActiveHandoff(sink, t, event.StopReasonToolUse)

	t.visited = append(t.visited, role)
	t.handoffCount++
	t.activeRole = role
	t.roleStartedAt = time.Now()
	t.family = caps.ProviderFamily
	t.model = modelID
	t.caps = caps

	// The handoff call itself still needs a matching tool-role message, the
	// same way an ordinary tool_use/tool_result pair does, so the next
	// request to the provider doesn't carry a dangling call.
	t.messages = append(t.messages, Message{
		Role:       "tool",
		Content:    `{"status":"handoff_accepted"}`,
		ToolCallID: pc.callID,
		Name:       pc.toolName,
	})

	sink.Publish(event.ActivityEvent{
		Type:         event.TypeActivityStart,
		SessionID:    t.req.SessionID,
		TS:           nowMillis(),
		MessageID:    t.session.MessageID,
		Model:        t.model,
		Provider:     t.family,
		Role:         string(role),
		HandoffCount: t.handoffCount,
		Capabilities: map[string]any{
			"supportsToolUse":  t.caps.SupportsToolUse,
			"thinkingMode":     string(t.caps.ThinkingMode),
			"maxOutputTokens":  t.caps.MaxOutputTokens,
			"maxContextTokens": t.caps.MaxContextTokens,
		},
	})
	return nil
}

// closeActiveHandoff emits the activity_complete closing a handoff's nested
// span, if one is open. Called both when a further handoff supersedes the
// current role and when the turn ends with a handoff still active.
func (o *Orchestrator) closeActiveHandoff(sink *fanout.Fanout, t *turn, stopReason event.StopReason) {
	if t.activeRole == "" {
		return
	}
	sink.Publish(event.ActivityEvent{
		Type:         event.TypeActivityComplete,
		SessionID:    t.req.SessionID,
		TS:           nowMillis(),
		MessageID:    t.session.MessageID,
		Role:         string(t.activeRole),
		HandoffCount: t.handoffCount,
		StopReason:   stopReason,
		Timing: event.Timing{
			Elapsed: time.Since(t.roleStartedAt).Milliseconds(),
		},
	})
	t.activeRole = ""
}

// finalize is S4: emit the terminal activity_complete and persist the turn.
func (o *Orchestrator) finalize(sink *fanout.Fanout, t *turn, stopReason event.StopReason) {
	o.closeActiveHandoff(sink, t, stopReason)
	t.session.MarkCompleted()

	total := event.Tokens{
		In:        t.inputTokens,
		Out:       t.outputTokens,
		Reasoning: t.reasoningTokens,
		Total:     t.inputTokens + t.outputTokens + t.reasoningTokens,
	}
	elapsed := time.Since(t.startedAt)

	sink.Publish(event.ActivityEvent{
		Type:          event.TypeActivityComplete,
		SessionID:     t.req.SessionID,
		TS:            nowMillis(),
		MessageID:     t.session.MessageID,
		HadThinking:   t.hadThinking,
		ToolCallCount: t.toolCallCount,
		HandoffCount:  t.handoffCount,
		StopReason:    stopReason,
		TokensUsage:   total,
		Timing: event.Timing{
			Elapsed: elapsed.Milliseconds(),
			TPS:     tokensPerSecond(t.outputTokens, elapsed),
		},
	})

	o.persist(t, stopReason)
}

// finalizeAborted implements spec §4.6 "Abort": emit an assistant fragment
// annotated [Interrupted] followed by a terminal activity_complete with
// stopReason=error.
func (o *Orchestrator) finalizeAborted(sink *fanout.Fanout, t *turn) {
	sink.Publish(event.ActivityEvent{
		Type:      event.TypeContentDelta,
		SessionID: t.req.SessionID,
		TS:        nowMillis(),
		Delta:     "\n[Interrupted]",
	})
	o.finalize(sink, t, event.StopReasonError)
}

func (o *Orchestrator) persist(t *turn, stopReason event.StopReason) {
	if o.Store == nil {
		return
	}
	now := time.Now()
	rec := store.TurnRecord{
		SessionID:       t.req.SessionID,
		MessageID:       t.session.MessageID,
		Model:           t.model,
		ProviderFamily:  t.family,
		StartedAt:       t.startedAt,
		CompletedAt:     now,
		StopReason:      string(stopReason),
		InputTokens:     t.inputTokens,
		OutputTokens:    t.outputTokens,
		ReasoningTokens: t.reasoningTokens,
		ToolCallCount:   t.toolCallCount,
		HandoffCount:    t.handoffCount,
		HadThinking:     t.hadThinking,
		Cost: store.CostLedger{
			InputCost:  t.inputCost,
			OutputCost: t.outputCost,
			TotalCost:  t.inputCost + t.outputCost,
		},
	}
	// Persistence runs best-effort relative to the SSE stream: a store
	// outage must not turn a successfully streamed turn into a client-visible
	// error (spec §1 scope: the core's correctness obligations are about the
	// event stream, not storage durability).
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Store.SaveTurn(ctx, rec); err != nil {
		o.Telemetry.Log.Error(ctx, "orchestrator: persist turn failed", "sessionId", t.req.SessionID, "err", err)
	}
}

func (o *Orchestrator) emitError(sink *fanout.Fanout, sessionID, code string, err error) {
	ev := event.ActivityEvent{
		Type:      event.TypeError,
		SessionID: sessionID,
		TS:        nowMillis(),
		ErrorCode: code,
		Error:     err.Error(),
	}
	if pe, ok := providererr.As(err); ok {
		ev.ErrorKind = string(pe.Kind())
		ev.ErrorRetryable = pe.Retryable()
	}
	sink.Publish(ev)
}

// isAbort reports whether the parent (caller-supplied) context is what
// ended the run, as opposed to the orchestrator's own request-timeout
// context — only a caller-side cancellation gets the grace-period/
// [Interrupted] treatment (spec §4.6 "Abort").
func isAbort(runCtx, parentCtx context.Context) bool {
	return errors.Is(parentCtx.Err(), context.Canceled)
}

func tokensPerSecond(outputTokens int, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(outputTokens) / secs
}

func nowMillis() int64 { return time.Now().UnixMilli() }
