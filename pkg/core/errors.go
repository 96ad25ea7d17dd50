package core

import (
	"errors"
	"fmt"
)

// Error is the structured error shared by the realtime session, the relay and the HTTP handlers.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying transport or handler error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrConnection covers transport establishment and loss.
	ErrConnection ErrorType = "connection_error"
	// ErrInvalidState is returned when an operation is invalid for the current session or turn state.
	ErrInvalidState ErrorType = "invalid_state_error"
	// ErrTool is a tool handler failure or a missing required argument. It is reported upstream as a
	// structured result and never fails the session.
	ErrTool ErrorType = "tool_error"
	// ErrProtocol marks a malformed inbound message. The message is dropped and the connection kept.
	ErrProtocol ErrorType = "protocol_error"
	// ErrUpstream carries an error event reported by the realtime endpoint itself.
	ErrUpstream ErrorType = "upstream_error"

	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrNotFound       ErrorType = "not_found_error"
	ErrAPI            ErrorType = "api_error"
)

// NewConnectionError wraps a transport failure.
func NewConnectionError(message string, cause error) *Error {
	return &Error{Type: ErrConnection, Message: message, cause: cause}
}

// NewInvalidStateError creates an invalid state error.
func NewInvalidStateError(message string) *Error {
	return &Error{Type: ErrInvalidState, Message: message}
}

// NewToolError creates a tool error, optionally wrapping the handler failure.
func NewToolError(message string, cause error) *Error {
	return &Error{Type: ErrTool, Message: message, cause: cause}
}

// NewProtocolError creates a protocol error for a malformed inbound message.
func NewProtocolError(message, param string) *Error {
	return &Error{Type: ErrProtocol, Message: message, Param: param}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{Type: ErrInvalidRequest, Message: message, Param: param}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *Error {
	return &Error{Type: ErrNotFound, Message: message}
}

// NewAPIError creates a generic API error.
func NewAPIError(message string) *Error {
	return &Error{Type: ErrAPI, Message: message}
}

// IsType reports whether err (or anything it wraps) is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// IsRetryable returns true if the operation may succeed when repeated.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrConnection, ErrAPI:
		return true
	default:
		return false
	}
}
