// Package providererr classifies failures returned by the ProviderTransport
// (spec §1 non-goals: the core does not own HTTP retry, only the semantic
// classification of what came back) so the orchestrator can decide between a
// graceful continuation and a terminal activity_complete{stopReason=error}.
package providererr

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure into a small, stable set of categories
// used for retry and UX decisions (spec §7 ProviderStreamError).
type Kind string

const (
	KindAuth           Kind = "auth"
	KindInvalidRequest Kind = "invalid_request"
	KindRateLimited    Kind = "rate_limited"
	KindUnavailable    Kind = "unavailable"
	KindUnknown        Kind = "unknown"
)

// Error describes a failure surfaced by a provider stream. It crosses
// package boundaries so the orchestrator and hooks layer can report stable,
// structured information without depending on any single provider adapter.
type Error struct {
	provider   string
	operation  string
	httpStatus int
	kind       Kind
	code       string
	message    string
	retryable  bool
	cause      error
}

// New constructs an Error. provider and kind are required.
func New(provider, operation string, httpStatus int, kind Kind, code, message string, retryable bool, cause error) *Error {
	if provider == "" {
		panic("providererr: provider is required")
	}
	if kind == "" {
		kind = KindUnknown
	}
	return &Error{
		provider:   provider,
		operation:  operation,
		httpStatus: httpStatus,
		kind:       kind,
		code:       code,
		message:    message,
		retryable:  retryable,
		cause:      cause,
	}
}

func (e *Error) Provider() string   { return e.provider }
func (e *Error) Operation() string  { return e.operation }
func (e *Error) HTTPStatus() int    { return e.httpStatus }
func (e *Error) Kind() Kind         { return e.kind }
func (e *Error) Code() string       { return e.code }
func (e *Error) Retryable() bool    { return e.retryable }

func (e *Error) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s (%s): %s", e.provider, e.kind, op, msg)
}

// Unwrap preserves the original error chain for errors.Is/As.
func (e *Error) Unwrap() error { return e.cause }

// As returns the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
