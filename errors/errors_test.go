package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestRelayError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *RelayError
		want string
	}{
		{
			name: "basic error without wrapped error",
			err: &RelayError{
				Type:    ValidationError,
				Message: "invalid input",
			},
			want: "validation_error: invalid input",
		},
		{
			name: "error with wrapped error",
			err: &RelayError{
				Type:    GenerationError,
				Message: "generation failed",
				err:     errors.New("model not loaded"),
			},
			want: "generation_error: generation failed: model not loaded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.want {
				t.Errorf("RelayError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRelayError_Is(t *testing.T) {
	err1 := &RelayError{Type: TransportError, Message: "test1"}
	err2 := &RelayError{Type: TransportError, Message: "test2"}
	err3 := &RelayError{Type: ValidationError, Message: "test3"}

	if !err1.Is(err2) {
		t.Error("Expected err1.Is(err2) to be true for same error type")
	}

	if err1.Is(err3) {
		t.Error("Expected err1.Is(err3) to be false for different error types")
	}

	wrapped := fmt.Errorf("reply: %w", err1)
	if !errors.Is(wrapped, &RelayError{Type: TransportError}) {
		t.Error("Expected errors.Is to match through wrapping")
	}
}

func TestRelayError_Unwrap(t *testing.T) {
	innerErr := errors.New("inner error")
	err := &RelayError{
		Type:    InternalError,
		Message: "outer error",
		err:     innerErr,
	}

	if unwrapped := err.Unwrap(); unwrapped != innerErr {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, innerErr)
	}
}

func TestTypeOf(t *testing.T) {
	if got := TypeOf(NewGenerationError("r", "boom", nil)); got != GenerationError {
		t.Errorf("TypeOf() = %v, want %v", got, GenerationError)
	}
	if got := TypeOf(fmt.Errorf("wrapped: %w", NewTransportError("r", "send", nil))); got != TransportError {
		t.Errorf("TypeOf() = %v, want %v", got, TransportError)
	}
	if got := TypeOf(errors.New("plain")); got != InternalError {
		t.Errorf("TypeOf() = %v, want %v", got, InternalError)
	}
}
