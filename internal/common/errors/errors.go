// Package errors provides the error taxonomy shared by the muxden engine,
// providers, and proxy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and presentation decisions.
type Kind string

const (
	KindUserInput     Kind = "USER_INPUT"
	KindConfig        Kind = "CONFIG"
	KindProvider      Kind = "PROVIDER"
	KindProcess       Kind = "PROCESS"
	KindHostOffline   Kind = "HOST_OFFLINE"
	KindState         Kind = "STATE"
	KindAgentExists   Kind = "AGENT_ALREADY_EXISTS"
	KindAgentNotFound Kind = "AGENT_NOT_FOUND"
	KindAuth          Kind = "AUTH"
	KindInternal      Kind = "INTERNAL"
)

// AppError carries a classified error with optional wrapped cause.
// Internal errors additionally carry a correlation ID from the active span
// so operators can find the matching trace.
type AppError struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Err           error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error kind to an HTTP status code for the proxy layer.
func (e *AppError) HTTPStatus() int {
	switch e.Kind {
	case KindUserInput, KindConfig:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusForbidden
	case KindAgentNotFound:
		return http.StatusNotFound
	case KindAgentExists, KindState:
		return http.StatusConflict
	case KindHostOffline, KindProvider:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// UserInput creates an invalid-argument error (ambiguous name, unknown flag).
func UserInput(format string, args ...any) *AppError {
	return &AppError{Kind: KindUserInput, Message: fmt.Sprintf(format, args...)}
}

// Config creates a configuration error (TOML parse, missing field).
func Config(message string, err error) *AppError {
	return &AppError{Kind: KindConfig, Message: message, Err: err}
}

// Provider creates a backend error; may be per-host or global.
func Provider(message string, err error) *AppError {
	return &AppError{Kind: KindProvider, Message: message, Err: err}
}

// Process creates a subprocess failure error carrying the failed command.
func Process(command string, returncode int, err error) *AppError {
	return &AppError{
		Kind:    KindProcess,
		Message: fmt.Sprintf("command %q exited with code %d", command, returncode),
		Err:     err,
	}
}

// HostOffline signals that an operation required an online host.
func HostOffline(hostName string) *AppError {
	return &AppError{Kind: KindHostOffline, Message: fmt.Sprintf("host %q is not online", hostName)}
}

// State signals a lifecycle transition that is not permitted.
func State(message string) *AppError {
	return &AppError{Kind: KindState, Message: message}
}

// AgentExists signals an agent name/ID collision.
func AgentExists(name string) *AppError {
	return &AppError{Kind: KindAgentExists, Message: fmt.Sprintf("agent %q already exists", name)}
}

// AgentNotFound signals an unknown agent name or ID.
func AgentNotFound(ref string) *AppError {
	return &AppError{Kind: KindAgentNotFound, Message: fmt.Sprintf("agent %q not found", ref)}
}

// Auth signals an invalid, consumed, or mismatched one-time code.
func Auth(message string) *AppError {
	return &AppError{Kind: KindAuth, Message: message}
}

// Internal wraps a bug with a correlation ID from the active log span.
func Internal(message string, correlationID string, err error) *AppError {
	return &AppError{Kind: KindInternal, Message: message, CorrelationID: correlationID, Err: err}
}

// IsKind reports whether err (or anything it wraps) is an AppError of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Wrap wraps an existing error with additional context, preserving the kind
// when err is already classified.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:          appErr.Kind,
			Message:       fmt.Sprintf("%s: %s", message, appErr.Message),
			CorrelationID: appErr.CorrelationID,
			Err:           err,
		}
	}
	return &AppError{Kind: KindInternal, Message: message, Err: err}
}
