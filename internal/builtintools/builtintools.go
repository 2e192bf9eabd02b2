// Package builtintools provides the handful of tools wired into every
// deployment's toolinvoker.Registry regardless of which domain tools a
// caller's enabledTools list adds: a todo list writer (spec §4.4's
// todowrite/todo_write side channel) and a scratch note-taking tool, grounded
// on sidedotdev-sidekick's and kadirpekel-hector's built-in planning tools.
package builtintools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arcflow-run/activitycore/internal/toolinvoker"
)

// todoWriteSchema matches the {"todos": [{"id","content","status","priority"}]}
// shape toolinvoker.extractTodos expects.
const todoWriteSchema = `{
  "type": "object",
  "properties": {
    "todos": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "content": {"type": "string"},
          "status": {"type": "string", "enum": ["pending", "in_progress", "completed"]},
          "priority": {"type": "string"}
        },
        "required": ["id", "content", "status"]
      }
    }
  },
  "required": ["todos"]
}`

const noteWriteSchema = `{
  "type": "object",
  "properties": {
    "note": {"type": "string"}
  },
  "required": ["note"]
}`

// Register adds the built-in tools to registry. Callers register
// domain-specific tools separately; Register never overwrites an
// already-registered name.
func Register(registry *toolinvoker.Registry) error {
	if err := registry.Register(&toolinvoker.Tool{
		Name:        "todo_write",
		Description: "Record or update the assistant's working todo list for this session.",
		Schema:      json.RawMessage(todoWriteSchema),
		Handler:     handleTodoWrite,
	}); err != nil {
		return fmt.Errorf("builtintools: register todo_write: %w", err)
	}

	if err := registry.Register(&toolinvoker.Tool{
		Name:        "scratch_note",
		Description: "Append a short note to the session's scratch memory, echoed back as confirmation.",
		Schema:      json.RawMessage(noteWriteSchema),
		Handler:     handleScratchNote,
	}); err != nil {
		return fmt.Errorf("builtintools: register scratch_note: %w", err)
	}
	return nil
}

// handleTodoWrite simply echoes the submitted todos back; toolinvoker's
// extractTodos reads the same arguments via the call, not via this return
// value, but the echo keeps the tool_result payload self-describing for a
// client that only reads tool_result (spec §4.4 doesn't require the echo but
// sidekick's equivalent tool does this, and it costs nothing here).
func handleTodoWrite(ctx context.Context, args map[string]any) (any, error) {
	todos, _ := args["todos"].([]any)
	return map[string]any{"todos": todos, "count": len(todos)}, nil
}

func handleScratchNote(ctx context.Context, args map[string]any) (any, error) {
	note, _ := args["note"].(string)
	if note == "" {
		return nil, fmt.Errorf("builtintools: scratch_note requires a non-empty note")
	}
	return map[string]any{"recorded": note}, nil
}
