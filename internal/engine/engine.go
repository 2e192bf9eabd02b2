// Package engine wraps ConversationOrchestrator's turn loop (spec §4.6) in
// a Temporal workflow, grounded on the teacher's internal/core/engine/temporal
// adapter. Only the turn as a whole runs as a Temporal Activity: the
// orchestrator's side effects (provider streaming, fanout publish) are rich
// and non-idempotent, so replaying individual S1/S2/S3 steps inside
// deterministic workflow code would either re-emit already-delivered SSE
// events or require threading the whole event history through workflow
// state. Durability here means "a crashed worker process gets this turn
// rescheduled to another worker," not "mid-turn replay is exactly once" —
// see DESIGN.md for the tradeoff.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/arcflow-run/activitycore/internal/fanout"
	"github.com/arcflow-run/activitycore/internal/orchestrator"
)

// TaskQueueName is the default Temporal task queue this package's worker
// registers against.
const TaskQueueName = "activitycore-turns"

// WorkflowName identifies TurnWorkflow for client.ExecuteWorkflow callers
// that don't reference the Go function directly (e.g. a CLI resuming a
// session from a different binary).
const WorkflowName = "ConversationTurn"

// activityName identifies Activities.RunTurn for workflow.ExecuteActivity.
const activityName = "RunConversationTurn"

// DefaultActivityTimeout bounds one turn's Activity execution, matching
// Orchestrator's own DefaultRequestTimeout (spec §5: "Default request
// deadline: 10 minutes").
const DefaultActivityTimeout = orchestrator.DefaultRequestTimeout

// TurnWorkflowInput is what a caller (the SSE server) passes to
// client.ExecuteWorkflow. Only the TurnRequest, not any live object, since
// workflow input must be serializable.
type TurnWorkflowInput struct {
	Request orchestrator.TurnRequest
}

// TurnWorkflowResult is returned once the turn's terminal activity_complete
// (or a fatal, non-retryable failure) has been reached.
type TurnWorkflowResult struct {
	Failed bool
}

// TurnWorkflow is the durable turn loop: it delegates to the
// RunConversationTurn activity and does no orchestration logic itself, since
// all of that logic requires non-deterministic I/O (provider streaming,
// concurrent tool execution, fanout) that only an Activity may perform.
func TurnWorkflow(ctx workflow.Context, input TurnWorkflowInput) (TurnWorkflowResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: DefaultActivityTimeout,
		// A single attempt: retrying would re-run a turn whose tool calls
		// and SSE events may have already taken effect and been observed by
		// the client once already (spec §4.6 has no replay/idempotency story
		// for tool side effects).
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var result TurnWorkflowResult
	err := workflow.ExecuteActivity(ctx, activityName, input.Request).Get(ctx, &result)
	if err != nil {
		return TurnWorkflowResult{Failed: true}, err
	}
	return result, nil
}

// SessionRegistry maps a live session id to the in-process Fanout an SSE
// handler subscribed to before starting the workflow. Activities run in the
// same worker process as the HTTP server in this deployment shape (spec §12:
// "local/CLI mode" and a single-process platform deployment both colocate
// the worker), so this in-memory map is sufficient; a multi-worker
// deployment would need sticky task-queue routing to the worker holding the
// session's Fanout, which is out of scope here.
type SessionRegistry struct {
	mu    sync.RWMutex
	sinks map[string]*fanout.Fanout
}

// NewSessionRegistry constructs an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sinks: make(map[string]*fanout.Fanout)}
}

// Register associates sessionID with f, overwriting any prior registration.
func (r *SessionRegistry) Register(sessionID string, f *fanout.Fanout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[sessionID] = f
}

// Unregister removes sessionID, e.g. once its turn has finalized.
func (r *SessionRegistry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, sessionID)
}

// Get resolves sessionID's Fanout.
func (r *SessionRegistry) Get(sessionID string) (*fanout.Fanout, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.sinks[sessionID]
	return f, ok
}

// Activities holds the live, non-serializable dependencies a Temporal
// worker needs to execute RunConversationTurn: the shared Orchestrator and
// the SessionRegistry the HTTP layer populates per request.
type Activities struct {
	Orchestrator *orchestrator.Orchestrator
	Sessions     *SessionRegistry
}

// NewActivities constructs an Activities bound to orch and sessions.
func NewActivities(orch *orchestrator.Orchestrator, sessions *SessionRegistry) *Activities {
	return &Activities{Orchestrator: orch, Sessions: sessions}
}

// RunTurn is the Temporal Activity implementation: it looks up the calling
// session's Fanout and runs the orchestrator's turn loop against it.
func (a *Activities) RunTurn(ctx context.Context, req orchestrator.TurnRequest) (TurnWorkflowResult, error) {
	fo, ok := a.Sessions.Get(req.SessionID)
	if !ok {
		return TurnWorkflowResult{Failed: true}, fmt.Errorf("engine: no registered fanout for session %q", req.SessionID)
	}

	if err := a.Orchestrator.Run(ctx, req, fo); err != nil {
		return TurnWorkflowResult{Failed: true}, err
	}
	return TurnWorkflowResult{Failed: false}, nil
}
