package core

import (
	"fmt"
)

// Error is the canonical error shape surfaced to callers and clients.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest      ErrorType = "invalid_request_error"
	ErrInvalidCredential   ErrorType = "invalid_credential"
	ErrInvalidScope        ErrorType = "invalid_scope"
	ErrAuth                ErrorType = "auth_error"
	ErrUpstreamUnavailable ErrorType = "upstream_unavailable"
	ErrAudioDecode         ErrorType = "audio_decode_error"
	ErrSessionNotFound     ErrorType = "session_not_found"
	ErrConfiguration       ErrorType = "configuration_error"
	ErrOverloaded          ErrorType = "overloaded_error"
	ErrInternal            ErrorType = "internal_error"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewInvalidRequestErrorWithParam creates an invalid request error with a parameter.
func NewInvalidRequestErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewInvalidCredentialError marks a session credential as missing, malformed,
// or rejected by the upstream handshake. Fatal for the session, not the process.
func NewInvalidCredentialError(message string) *Error {
	return &Error{
		Type:    ErrInvalidCredential,
		Message: message,
	}
}

// NewInvalidScopeError rejects a credential mint for an unsupported scope.
func NewInvalidScopeError(scope string) *Error {
	return &Error{
		Type:    ErrInvalidScope,
		Message: fmt.Sprintf("unsupported scope %q", scope),
		Param:   "scope",
	}
}

// NewAuthError wraps an upstream identity-provider rejection.
func NewAuthError(message string) *Error {
	return &Error{
		Type:    ErrAuth,
		Message: message,
	}
}

// NewUpstreamUnavailableError marks a failed upstream connection attempt.
// Retried with backoff by the session loop, then fatal.
func NewUpstreamUnavailableError(message string) *Error {
	return &Error{
		Type:    ErrUpstreamUnavailable,
		Message: message,
	}
}

// NewAudioDecodeError marks a corrupted audio stream. Per-frame failures are
// absorbed by the caller; this error means repeated failure escalated.
func NewAudioDecodeError(message string) *Error {
	return &Error{
		Type:    ErrAudioDecode,
		Message: message,
	}
}

// NewSessionNotFoundError creates the structured 404-equivalent for unknown sessions.
func NewSessionNotFoundError(sessionID string) *Error {
	return &Error{
		Type:    ErrSessionNotFound,
		Message: fmt.Sprintf("unknown session %q", sessionID),
		Param:   "session_id",
	}
}

// NewConfigurationError creates a startup-fatal configuration error.
func NewConfigurationError(message string) *Error {
	return &Error{
		Type:    ErrConfiguration,
		Message: message,
	}
}

// NewOverloadedError creates an overloaded error.
func NewOverloadedError(message string) *Error {
	return &Error{
		Type:    ErrOverloaded,
		Message: message,
	}
}

// NewInternalError creates a generic internal error.
func NewInternalError(message string) *Error {
	return &Error{
		Type:    ErrInternal,
		Message: message,
	}
}

// IsRetryable returns true if the operation that produced the error may be
// retried. Only upstream availability problems qualify; credentials are cheap
// to re-request and everything else is a caller or configuration fault.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrUpstreamUnavailable, ErrOverloaded:
		return true
	default:
		return false
	}
}
