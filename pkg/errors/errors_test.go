package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error")
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeTransport, "dial failed")

	if err.Cause != originalErr {
		t.Errorf("Cause = %v, want %v", err.Cause, originalErr)
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is should find the cause")
	}
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	sentinel := NewAppError(ErrCodeNotConnected, "not connected")
	err := fmt.Errorf("send offer: %w", NewNotConnectedError("channel closed"))

	if !errors.Is(err, sentinel) {
		t.Errorf("expected errors.Is to match on code")
	}
	if errors.Is(err, NewAppError(ErrCodeTransport, "other")) {
		t.Errorf("expected errors.Is not to match a different code")
	}
}

func TestConstructors(t *testing.T) {
	cause := errors.New("boom")
	cases := []struct {
		err  *AppError
		code ErrorCode
	}{
		{NewTransportError(cause, "t"), ErrCodeTransport},
		{NewNotConnectedError("n"), ErrCodeNotConnected},
		{NewMalformedSignalError(cause, "m"), ErrCodeMalformedSignal},
		{NewNegotiationError(cause, "n"), ErrCodeNegotiationFailure},
		{NewEngineFatalError(cause, "e"), ErrCodeEngineFatal},
		{NewInvalidInputError("i"), ErrCodeInvalidInput},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Errorf("Code = %v, want %v", tc.err.Code, tc.code)
		}
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewNegotiationError(errors.New("bad sdp"), "set remote description")
	wrapped := fmt.Errorf("peer bob: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if GetAppError(errors.New("plain")) != nil {
		t.Errorf("GetAppError() on plain error should be nil")
	}
	if GetAppError(nil) != nil {
		t.Errorf("GetAppError(nil) should be nil")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("x: %w", NewEngineFatalError(nil, "init"))); got != ErrCodeEngineFatal {
		t.Errorf("CodeOf() = %v, want %v", got, ErrCodeEngineFatal)
	}
	if got := CodeOf(errors.New("plain")); got != ErrCodeInternal {
		t.Errorf("CodeOf() = %v, want %v", got, ErrCodeInternal)
	}
}
