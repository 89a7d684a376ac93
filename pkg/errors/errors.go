package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry, blacklist, and reporting decisions.
type Kind string

const (
	KindNetwork           Kind = "network"
	KindAuthentication    Kind = "authentication"
	KindRateLimit         Kind = "rate_limit"
	KindServerError       Kind = "server_error"
	KindClientError       Kind = "client_error"
	KindLogic             Kind = "logic"
	KindData              Kind = "data"
	KindResourceExhausted Kind = "resource_exhausted"
	KindUnknown           Kind = "unknown"

	// Engine-level outcomes. These never feed retry or blacklist decisions:
	// circuit_open means the engine refused to attempt the operation, and
	// cancelled means the caller aborted it.
	KindCircuitOpen Kind = "circuit_open"
	KindCancelled   Kind = "cancelled"
)

// Error is an application error with a classification and context details.
type Error struct {
	Kind      Kind              `json:"kind"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified application error
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewNetworkError(message string) *Error {
	return New(KindNetwork, "NETWORK_ERROR", message)
}

func NewAuthenticationError(message string) *Error {
	return New(KindAuthentication, "AUTHENTICATION_ERROR", message)
}

func NewRateLimitError(message string) *Error {
	return New(KindRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewServerError(message string) *Error {
	return New(KindServerError, "SERVER_ERROR", message)
}

func NewClientError(message string) *Error {
	return New(KindClientError, "CLIENT_ERROR", message)
}

func NewLogicError(message string) *Error {
	return New(KindLogic, "LOGIC_ERROR", message)
}

func NewDataError(message string) *Error {
	return New(KindData, "DATA_ERROR", message)
}

func NewResourceExhaustedError(message string) *Error {
	return New(KindResourceExhausted, "RESOURCE_EXHAUSTED", message)
}

func NewUnknownError(message string) *Error {
	return New(KindUnknown, "UNKNOWN_ERROR", message)
}

func NewCancelledError(message string) *Error {
	return New(KindCancelled, "CANCELLED", message)
}

// NewValidationError reports invalid input to this library's own API.
// Validation failures are client errors: they are never retried.
func NewValidationError(message string) *Error {
	return New(KindClientError, "VALIDATION_ERROR", message)
}

// NewInternalError reports a fault inside this library rather than in the
// protected operation.
func NewInternalError(message string) *Error {
	return New(KindLogic, "INTERNAL_ERROR", message)
}

// NewHTTPError classifies an HTTP status code into the taxonomy. Server-side
// origin takes priority over any symptom in the message.
func NewHTTPError(statusCode int, message string) *Error {
	var kind Kind
	var code string
	switch {
	case statusCode == 401 || statusCode == 403:
		kind, code = KindAuthentication, "AUTHENTICATION_ERROR"
	case statusCode == 429:
		kind, code = KindRateLimit, "RATE_LIMIT_EXCEEDED"
	case statusCode >= 500:
		kind, code = KindServerError, "SERVER_ERROR"
	case statusCode >= 400:
		kind, code = KindClientError, "CLIENT_ERROR"
	default:
		kind, code = KindUnknown, "UNKNOWN_ERROR"
	}
	return New(kind, code, message).WithDetail("status_code", fmt.Sprintf("%d", statusCode))
}

// KindOf returns the classification of err, or KindUnknown for untyped errors.
func KindOf(err error) Kind {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindUnknown
}

// IsKind checks if the error carries a specific classification
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// GetCode returns the error code if it's a classified error
func GetCode(err error) string {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// ValidKinds lists the failure taxonomy, excluding engine-level outcomes.
func ValidKinds() []Kind {
	return []Kind{
		KindNetwork, KindAuthentication, KindRateLimit, KindServerError,
		KindClientError, KindLogic, KindData, KindResourceExhausted, KindUnknown,
	}
}
