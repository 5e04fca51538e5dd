package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the fabric. Callers branch on the kind,
// never on the free-text message.
type ErrorKind string

const (
	KindProtocol           ErrorKind = "protocol_error"
	KindValidation         ErrorKind = "validation_error"
	KindAuthentication     ErrorKind = "authentication_error"
	KindAuthorization      ErrorKind = "authorization_error"
	KindCapabilityNotFound ErrorKind = "capability_not_found"
	KindAgentUnavailable   ErrorKind = "agent_unavailable"
	KindResourceExhausted  ErrorKind = "resource_exhausted"
	KindTimeout            ErrorKind = "timeout_error"
	KindRouting            ErrorKind = "routing_error"
	KindSerialization      ErrorKind = "serialization_error"
	KindInternal           ErrorKind = "internal_error"
)

// JSON-RPC style error codes.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeTimeout           = -32000
	CodeAgentUnavailable  = -32001
	CodeResourceExhausted = -32002
	CodeRoutingFailed     = -32003
	CodeAuthentication    = -32010
	CodeAuthorization     = -32011
)

// Retryable reports whether failures of this kind are retried by default.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindAgentUnavailable, KindResourceExhausted, KindRouting:
		return true
	default:
		return false
	}
}

// Valid reports whether k is a known kind.
func (k ErrorKind) Valid() bool {
	switch k {
	case KindProtocol, KindValidation, KindAuthentication, KindAuthorization,
		KindCapabilityNotFound, KindAgentUnavailable, KindResourceExhausted,
		KindTimeout, KindRouting, KindSerialization, KindInternal:
		return true
	default:
		return false
	}
}

// DefaultCode returns the numeric code used for a kind when none is given.
func DefaultCode(kind ErrorKind) int {
	switch kind {
	case KindProtocol:
		return CodeInvalidRequest
	case KindValidation:
		return CodeInvalidParams
	case KindCapabilityNotFound:
		return CodeMethodNotFound
	case KindTimeout:
		return CodeTimeout
	case KindAgentUnavailable:
		return CodeAgentUnavailable
	case KindResourceExhausted:
		return CodeResourceExhausted
	case KindRouting:
		return CodeRoutingFailed
	case KindAuthentication:
		return CodeAuthentication
	case KindAuthorization:
		return CodeAuthorization
	case KindSerialization:
		return CodeParseError
	default:
		return CodeInternalError
	}
}

// Error represents a structured fabric error.
type Error struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Kind      ErrorKind `json:"kind"`
	Source    string    `json:"source,omitempty"`
	Retryable bool      `json:"retryable"`
	Attempts  int       `json:"attempts,omitempty"`
	Data      any       `json:"data,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error of the given kind. Code and retryability
// default from the kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{
		Code:      DefaultCode(kind),
		Message:   message,
		Kind:      kind,
		Retryable: kind.Retryable(),
	}
}

// Errorf creates a new Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSource sets the component that produced the error.
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// WithRetryable overrides the retryable flag.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAttempts records how many handler invocations were made.
func (e *Error) WithAttempts(attempts int) *Error {
	e.Attempts = attempts
	return e
}

// WithCode overrides the numeric code.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// WithData attaches structured details.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Clone returns a shallow copy so callers can adjust attempts or source
// without mutating a shared value.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// AsError converts any error into a *Error. Foreign errors become
// internal_error, except context deadlines which become timeout_error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, "deadline exceeded").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindInternal, "operation canceled").WithCause(err)
	}
	return NewError(KindInternal, err.Error()).WithCause(err)
}

// KindOf extracts the error kind, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return AsError(err).Retryable
}
