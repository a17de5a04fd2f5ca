package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidConfig      ErrorCode = "INVALID_CONFIG"
	ErrCodeTransport          ErrorCode = "TRANSPORT_ERROR"
	ErrCodeNotConnected       ErrorCode = "NOT_CONNECTED"
	ErrCodeMalformedSignal    ErrorCode = "MALFORMED_SIGNAL"
	ErrCodeNegotiationFailure ErrorCode = "NEGOTIATION_FAILURE"
	ErrCodeEngineFatal        ErrorCode = "ENGINE_FATAL"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so package-level sentinels
// work with errors.Is regardless of message or cause.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

func NewTransportError(err error, message string) *AppError {
	return WrapError(err, ErrCodeTransport, message)
}

func NewNotConnectedError(message string) *AppError {
	return NewAppError(ErrCodeNotConnected, message)
}

func NewMalformedSignalError(err error, message string) *AppError {
	return WrapError(err, ErrCodeMalformedSignal, message)
}

func NewNegotiationError(err error, message string) *AppError {
	return WrapError(err, ErrCodeNegotiationFailure, message)
}

func NewEngineFatalError(err error, message string) *AppError {
	return WrapError(err, ErrCodeEngineFatal, message)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// CodeOf returns the code of the first AppError in the chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	if appErr := GetAppError(err); appErr != nil {
		return appErr.Code
	}
	return ErrCodeInternal
}
