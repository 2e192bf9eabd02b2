package toolinvoker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	err := reg.Register(&Tool{
		Name:   "search",
		Schema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"result": "ok:" + args["query"].(string)}, nil
		},
	})
	require.NoError(t, err)
	return reg
}

func TestInvoke_ValidArgumentsSucceed(t *testing.T) {
	inv := New(newTestRegistry(t))
	result := inv.Invoke(context.Background(), Call{
		ToolCallID: "c1",
		ToolName:   "search",
		Arguments:  map[string]any{"query": "go"},
	})
	assert.True(t, result.Success)
	assert.Contains(t, result.OutputJSON, "ok:go")
}

func TestInvoke_InvalidArgumentsFailSchemaValidation(t *testing.T) {
	inv := New(newTestRegistry(t))
	result := inv.Invoke(context.Background(), Call{
		ToolCallID: "c1",
		ToolName:   "search",
		Arguments:  map[string]any{},
	})
	assert.False(t, result.Success)
	require.Error(t, result.Err)
}

func TestInvoke_UnknownToolFails(t *testing.T) {
	inv := New(newTestRegistry(t))
	result := inv.Invoke(context.Background(), Call{ToolCallID: "c1", ToolName: "missing"})
	assert.False(t, result.Success)
}

func TestInvoke_HandoffRoleNameIsNotAnInvocableTool(t *testing.T) {
	inv := New(newTestRegistry(t))
	result := inv.Invoke(context.Background(), Call{ToolCallID: "c1", ToolName: string(RoleReasoning)})
	assert.False(t, result.Success)
	require.Error(t, result.Err)
}

func TestInvoke_OrdinaryCallSucceedsUnderAnActiveHandoffRole(t *testing.T) {
	inv := New(newTestRegistry(t))
	result := inv.Invoke(context.Background(), Call{
		ToolCallID:   "c1",
		ToolName:     "search",
		Arguments:    map[string]any{"query": "go"},
		Role:         RoleReasoning,
		VisitedRoles: []Role{RoleReasoning},
	})
	assert.True(t, result.Success, "Role/VisitedRoles only label which model issued the call; the chain itself was already validated when the role was adopted")
}

func TestRoleFromToolName_MatchesRegisteredRoles(t *testing.T) {
	for _, name := range []string{"reasoning", "tool_execution", "synthesis", "fallback"} {
		role, ok := RoleFromToolName(name)
		assert.True(t, ok, name)
		assert.Equal(t, Role(name), role)
	}
}

func TestRoleFromToolName_RejectsOrdinaryToolNames(t *testing.T) {
	_, ok := RoleFromToolName("search")
	assert.False(t, ok)
}

func TestCheckHandoff_RejectsRevisitedRole(t *testing.T) {
	inv := New(newTestRegistry(t))
	err := inv.CheckHandoff([]Role{RoleReasoning, RoleToolExecution}, RoleReasoning)
	assert.ErrorIs(t, err, ErrHandoffCycle)
}

func TestCheckHandoff_RejectsAtMaxDepth(t *testing.T) {
	inv := New(newTestRegistry(t)).WithMaxHandoffDepth(2)
	err := inv.CheckHandoff([]Role{RoleReasoning, RoleToolExecution}, RoleSynthesis)
	assert.ErrorIs(t, err, ErrHandoffCycle)
}

func TestCheckHandoff_AllowsFreshRoleUnderDepth(t *testing.T) {
	inv := New(newTestRegistry(t))
	err := inv.CheckHandoff([]Role{RoleReasoning}, RoleToolExecution)
	assert.NoError(t, err)
}

func TestInvoke_TodoWriteExtractsTodos(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Tool{
		Name: "todowrite",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"todos": []any{
				map[string]any{"id": "1", "content": "write tests", "status": "in_progress"},
			}}, nil
		},
	}))
	inv := New(reg)
	result := inv.Invoke(context.Background(), Call{ToolCallID: "c1", ToolName: "todowrite"})
	require.True(t, result.Success)
	require.Len(t, result.Todos, 1)
	assert.Equal(t, "write tests", result.Todos[0].Content)
}
