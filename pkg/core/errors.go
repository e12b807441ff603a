package core

import (
	"errors"
	"fmt"
)

// Error is the engine-wide error value. Components classify failures into a
// Kind; the lifecycle controller decides retry vs. surface vs. ignore from it.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Cause   error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("%s (code: %s)", msg, e.Code)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Kind categorizes errors.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindRateLimited    Kind = "rate_limited"
	KindTransport      Kind = "transport"
	KindPermission     Kind = "permission"
	KindTool           Kind = "tool"
	KindRecording      Kind = "recording"
	KindInvalidRequest Kind = "invalid_request"
	KindClosed         Kind = "closed"
)

// NewTimeoutError creates a connect/operation timeout error.
func NewTimeoutError(message string, cause error) *Error {
	return &Error{Kind: KindTimeout, Message: message, Cause: cause}
}

// NewRateLimitError creates a quota exhaustion error.
func NewRateLimitError(message string, cause error) *Error {
	return &Error{Kind: KindRateLimited, Message: message, Cause: cause}
}

// NewTransportError creates a generic transport error.
func NewTransportError(message string, cause error) *Error {
	return &Error{Kind: KindTransport, Message: message, Cause: cause}
}

// NewPermissionError creates a device-permission denial error.
func NewPermissionError(device string, cause error) *Error {
	return &Error{Kind: KindPermission, Message: device + " permission denied", Code: device, Cause: cause}
}

// NewToolError creates a tool handler failure.
func NewToolError(tool string, cause error) *Error {
	return &Error{Kind: KindTool, Message: fmt.Sprintf("tool %q failed", tool), Code: tool, Cause: cause}
}

// NewRecordingError creates a recording pipeline failure.
func NewRecordingError(message string, cause error) *Error {
	return &Error{Kind: KindRecording, Message: message, Cause: cause}
}

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

// ErrClosed is returned by operations on a closed session or component.
var ErrClosed = &Error{Kind: KindClosed, Message: "closed"}

// IsRetryable reports whether the controller may retry automatically.
// Rate limits are never auto-retried.
func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindTransport:
		return true
	default:
		return false
	}
}

// KindOf extracts the Kind of err, or KindTransport for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Kind
	}
	return KindTransport
}

// IsRateLimited reports whether err is a quota exhaustion error.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsPermission reports whether err is a device-permission denial.
func IsPermission(err error) bool {
	return KindOf(err) == KindPermission
}
