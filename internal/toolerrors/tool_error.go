// Package toolerrors provides a structured error type for tool invocation and
// handoff failures. ToolError preserves a cause chain and supports
// errors.Is/As while remaining safe to re-enter the conversation as a
// tool_result payload (spec §7, ValidationError/ToolHandlerError/ToolTimeout).
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError represents a structured tool failure that preserves message and
// causal context while still implementing the standard error interface. A
// ToolError is fed back into the model as the content of a tool_result event
// rather than aborting the turn. Repeated failures of the same call are not
// counted: a failing call never ends the turn by itself, however often it
// fails.
type ToolError struct {
	// Message is the human-readable summary of the failure, suitable for
	// direct inclusion in a tool_result{error} field.
	Message string
	// Cause links to the underlying tool error, enabling error chains with errors.Is/As.
	Cause *ToolError
	// Retryable reports whether the model may reasonably retry the same tool
	// with adjusted arguments. False for e.g. a disabled tool.
	Retryable bool
}

// New constructs a ToolError with the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message, Retryable: true}
}

// NewWithCause constructs a ToolError that wraps an underlying error. The
// cause is converted into a ToolError chain so error metadata survives
// serialization while still supporting errors.Is/As through Unwrap.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message:   message,
		Cause:     FromError(cause),
		Retryable: true,
	}
}

// FromError converts an arbitrary error into a ToolError chain.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message:   err.Error(),
		Cause:     FromError(errors.Unwrap(err)),
		Retryable: true,
	}
}

// Errorf formats according to a format specifier and returns the result as a ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Timeout constructs the ToolError used by spec §7 ToolTimeout.
func Timeout(toolName string) *ToolError {
	return &ToolError{Message: "timeout", Retryable: true}
}

// Validation constructs a non-retryable ToolError for spec §7 ValidationError.
func Validation(message string) *ToolError {
	return &ToolError{Message: message, Retryable: false}
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}
