package chatsync

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// Transport-level errors, reported through StateEvent.Error.
	ErrorConnection
	ErrorDisconnected
	ErrorTimeout

	// Client-side errors
	ErrorInvalidConfig
	ErrorNotConnected
	ErrorSerialization
	ErrorMalformedFrame

	// Reported by the server in an error envelope.
	ErrorServer

	// Room directory (HTTP) failures.
	ErrorDirectory
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorConnection:
		return "connection_error"
	case ErrorDisconnected:
		return "disconnected"
	case ErrorTimeout:
		return "timeout"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorNotConnected:
		return "not_connected"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorMalformedFrame:
		return "malformed_frame"
	case ErrorServer:
		return "server_error"
	case ErrorDirectory:
		return "directory_error"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// SyncError is a structured error with code and context.
type SyncError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *SyncError) Unwrap() error {
	return e.Wrapped
}

// Is matches any *SyncError with the same code.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new SyncError with the given code and message.
func NewError(code ErrorCode, message string) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with a SyncError.
func WrapError(code ErrorCode, message string, err error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Wrapped: err,
	}
}

// IsConnectionError checks if an error is a transport-level error.
func IsConnectionError(err error) bool {
	return hasCode(err, ErrorConnection, ErrorDisconnected, ErrorTimeout)
}

// IsDirectoryError checks if an error came from the room directory.
func IsDirectoryError(err error) bool {
	return hasCode(err, ErrorDirectory)
}

func hasCode(err error, codes ...ErrorCode) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code == c {
			return true
		}
	}
	return false
}
