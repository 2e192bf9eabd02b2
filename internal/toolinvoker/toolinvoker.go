// Package toolinvoker implements ToolInvoker (spec §4.4): validating a
// normalized tool call's arguments against its JSON Schema, detecting
// multi-model handoffs (reasoning/tool_execution/synthesis/fallback role
// chains) with cycle prevention, executing the call with a bounded timeout,
// and embedding the result back into the conversation as a role=tool
// message.
package toolinvoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/arcflow-run/activitycore/internal/toolerrors"
	"github.com/arcflow-run/activitycore/pkg/event"
)

// Role classifies a model in a handoff chain (spec §4.4).
type Role string

const (
	RoleReasoning     Role = "reasoning"
	RoleToolExecution Role = "tool_execution"
	RoleSynthesis     Role = "synthesis"
	RoleFallback      Role = "fallback"
)

// DefaultMaxHandoffDepth bounds the number of model handoffs within a single
// turn; CheckHandoff rejects any hop past it.
const DefaultMaxHandoffDepth = 4

// DefaultToolTimeout is applied to a tool call's context when the caller
// does not specify one (spec §6: toolTimeoutMs default 60000).
const DefaultToolTimeout = 60 * time.Second

// ErrHandoffCycle is returned when a handoff chain revisits a role it has
// already visited, or has already reached the invoker's max handoff depth
// (DefaultMaxHandoffDepth unless set with WithMaxHandoffDepth).
var ErrHandoffCycle = errors.New("toolinvoker: handoff cycle or depth exceeded")

// Tool is one invocable tool: a name, its JSON Schema for argument
// validation, and the function that executes it.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Handler     func(ctx context.Context, args map[string]any) (any, error)
	// RateLimitPerMinute, when > 0, caps the number of invocations of this
	// tool per minute across the invoker's lifetime (spec §12 supplemented
	// feature: per-tool rate limiting).
	RateLimitPerMinute float64
	// Tags classify a tool for Policy allow/block filtering (e.g. "trusted",
	// "file_edit", "deprecated"); spec §12 supplemented feature.
	Tags []string
}

// Registry holds the set of tools available for a turn, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	compiled map[string]*jsonschema.Schema
	limiters map[string]*rate.Limiter
	compiler *jsonschema.Compiler
	policy   Policy
}

// NewRegistry constructs an empty tool registry with no policy filtering.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Tool),
		compiled: make(map[string]*jsonschema.Schema),
		limiters: make(map[string]*rate.Limiter),
		compiler: jsonschema.NewCompiler(),
	}
}

// SetPolicy installs p, restricting which tools Names and Descriptor expose
// from this point on (spec §12 supplemented feature). Already-registered
// tools are unaffected in storage; only visibility changes.
func (r *Registry) SetPolicy(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// Register adds a tool, compiling its JSON Schema up front so invocation
// failures happen at call time, not at first use.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return errors.New("toolinvoker: tool name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(t.Schema) > 0 {
		var doc any
		if err := json.Unmarshal(t.Schema, &doc); err != nil {
			return fmt.Errorf("toolinvoker: unmarshal schema for %q: %w", t.Name, err)
		}
		resourceID := "tool:" + t.Name
		if err := r.compiler.AddResource(resourceID, doc); err != nil {
			return fmt.Errorf("toolinvoker: add schema resource for %q: %w", t.Name, err)
		}
		schema, err := r.compiler.Compile(resourceID)
		if err != nil {
			return fmt.Errorf("toolinvoker: compile schema for %q: %w", t.Name, err)
		}
		r.compiled[t.Name] = schema
	}

	r.tools[t.Name] = t
	if t.RateLimitPerMinute > 0 {
		r.limiters[t.Name] = rate.NewLimiter(rate.Limit(t.RateLimitPerMinute/60.0), 1)
	}
	return nil
}

func (r *Registry) get(name string) (*Tool, *jsonschema.Schema, *rate.Limiter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, r.compiled[name], r.limiters[name], ok
}

// ToolDescriptor is the transport-agnostic shape a ProviderTransport needs
// to advertise a tool to a model (name, description, JSON Schema). Defined
// here rather than imported from orchestrator to avoid a package cycle;
// orchestrator.Registry.Descriptor's caller assigns the fields across the
// (identical) orchestrator.ToolDescriptor shape.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Descriptor resolves name to its advertisable shape, satisfying
// orchestrator.ToolRegistry. Returns ok=false for a tool the registry's
// Policy blocks, even if the name is registered.
func (r *Registry) Descriptor(name string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	if !r.policy.isZero() && !r.policy.allowed(t.Name, t.Tags) {
		return ToolDescriptor{}, false
	}
	return ToolDescriptor{Name: t.Name, Description: t.Description, Schema: t.Schema}, true
}

// Names lists every registered tool name the registry's Policy allows,
// satisfying orchestrator.ToolRegistry.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name, t := range r.tools {
		if !r.policy.isZero() && !r.policy.allowed(name, t.Tags) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Call is one resolved, validated tool invocation the orchestrator asks the
// invoker to run.
type Call struct {
	ToolCallID string
	ToolName   string
	Arguments  map[string]any
	// Role is the issuing model's role in the current handoff chain. Empty
	// means this is the turn's primary model (not a handoff).
	Role Role
	// VisitedRoles accumulates the roles seen so far in this turn's handoff
	// chain, for cycle detection on the next hop.
	VisitedRoles []Role
}

// Result is what the orchestrator embeds back into the conversation.
type Result struct {
	ToolCallID  string
	Output      any
	OutputJSON  string
	Success     bool
	Err         error
	ExecutionMs int64
	// Todos carries todowrite/todo_write side-channel updates, surfaced to
	// clients as a todo_update event rather than folded into the tool
	// result (spec §4.4).
	Todos []event.Todo
}

// Invoker validates, rate-limits, and executes tool calls.
type Invoker struct {
	registry    *Registry
	toolTimeout time.Duration
	maxDepth    int
}

// New constructs an Invoker against registry, using DefaultToolTimeout and
// DefaultMaxHandoffDepth unless overridden by the caller afterwards.
func New(registry *Registry) *Invoker {
	return &Invoker{
		registry:    registry,
		toolTimeout: DefaultToolTimeout,
		maxDepth:    DefaultMaxHandoffDepth,
	}
}

// WithToolTimeout overrides the per-call timeout.
func (inv *Invoker) WithToolTimeout(d time.Duration) *Invoker {
	inv.toolTimeout = d
	return inv
}

// WithMaxHandoffDepth overrides the handoff cycle/depth bound.
func (inv *Invoker) WithMaxHandoffDepth(n int) *Invoker {
	inv.maxDepth = n
	return inv
}

// RoleFromToolName reports whether name matches one of the four registered
// multi-model role names (spec §4.4 step 2), and if so, the Role it
// identifies. A tool call whose name matches is a handoff, not an ordinary
// tool invocation.
func RoleFromToolName(name string) (Role, bool) {
	switch Role(name) {
	case RoleReasoning, RoleToolExecution, RoleSynthesis, RoleFallback:
		return Role(name), true
	default:
		return "", false
	}
}

// CheckHandoff validates a proposed next-hop role against the chain visited
// so far, enforcing spec §4.4's cycle-prevention invariant: a role already
// visited this turn, or a chain already at max depth, is rejected with
// ErrHandoffCycle. No synthesis hop is substituted; the orchestrator ends the
// turn with an error.
func (inv *Invoker) CheckHandoff(visited []Role, next Role) error {
	if len(visited) >= inv.maxDepth {
		return fmt.Errorf("%w: depth %d >= max %d", ErrHandoffCycle, len(visited), inv.maxDepth)
	}
	for _, r := range visited {
		if r == next {
			return fmt.Errorf("%w: role %q already visited", ErrHandoffCycle, next)
		}
	}
	return nil
}

// Validate checks call.Arguments against the tool's compiled JSON Schema,
// if one was registered.
func (inv *Invoker) Validate(call Call) error {
	_, schema, _, ok := inv.registry.get(call.ToolName)
	if !ok {
		return toolerrors.Errorf("toolinvoker: unknown tool %q", call.ToolName)
	}
	if schema == nil {
		return nil
	}
	if err := schema.Validate(map[string]any(call.Arguments)); err != nil {
		return toolerrors.NewWithCause(fmt.Sprintf("toolinvoker: arguments for %q failed schema validation", call.ToolName), err)
	}
	return nil
}

// Invoke validates and executes one tool call, embedding a 60s (or
// caller-overridden) default timeout on ctx if the caller hasn't already
// set a tighter deadline.
func (inv *Invoker) Invoke(ctx context.Context, call Call) Result {
	start := time.Now()

	// call.Role/VisitedRoles identify which model in the handoff chain
	// issued this ordinary tool call (spec §4.4 step 2); the chain itself
	// was already validated by CheckHandoff when that role was adopted, so
	// Invoke only needs to refuse dispatching a role name as a tool.
	if _, isRole := RoleFromToolName(call.ToolName); isRole {
		return Result{ToolCallID: call.ToolCallID, Success: false, Err: toolerrors.Errorf("toolinvoker: %q is a handoff role, not an invocable tool", call.ToolName)}
	}

	tool, schema, limiter, ok := inv.registry.get(call.ToolName)
	if !ok {
		return Result{ToolCallID: call.ToolCallID, Success: false, Err: toolerrors.Errorf("toolinvoker: unknown tool %q", call.ToolName)}
	}

	if schema != nil {
		if err := schema.Validate(map[string]any(call.Arguments)); err != nil {
			return Result{
				ToolCallID: call.ToolCallID,
				Success:    false,
				Err:        toolerrors.NewWithCause("toolinvoker: argument validation failed", err),
			}
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return Result{ToolCallID: call.ToolCallID, Success: false, Err: toolerrors.NewWithCause("toolinvoker: rate limit wait", err)}
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.toolTimeout)
		defer cancel()
	}

	out, err := tool.Handler(ctx, call.Arguments)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{ToolCallID: call.ToolCallID, Success: false, Err: toolerrors.FromError(err), ExecutionMs: elapsed}
	}

	todos := extractTodos(call, out)

	outJSON, marshalErr := json.Marshal(out)
	if marshalErr != nil {
		return Result{ToolCallID: call.ToolCallID, Success: false, Err: toolerrors.NewWithCause("toolinvoker: marshal result", marshalErr), ExecutionMs: elapsed}
	}

	return Result{
		ToolCallID:  call.ToolCallID,
		Output:      out,
		OutputJSON:  string(outJSON),
		Success:     true,
		ExecutionMs: elapsed,
		Todos:       todos,
	}
}

// extractTodos recognizes the todowrite/todo_write tool names as a side
// channel for todo_update events rather than an ordinary tool result (spec
// §4.4). Any other tool's output is left untouched.
func extractTodos(call Call, out any) []event.Todo {
	if call.ToolName != "todowrite" && call.ToolName != "todo_write" {
		return nil
	}
	raw, ok := out.(map[string]any)
	if !ok {
		return nil
	}
	items, ok := raw["todos"].([]any)
	if !ok {
		return nil
	}
	todos := make([]event.Todo, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		todos = append(todos, event.Todo{
			ID:       stringField(m, "id"),
			Content:  stringField(m, "content"),
			Status:   stringField(m, "status"),
			Priority: stringField(m, "priority"),
		})
	}
	return todos
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
