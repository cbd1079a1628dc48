package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestNewTransportError(t *testing.T) {
	requestID := "test-123"
	message := "history fetch failed"
	innerErr := errors.New("connection reset")

	err := NewTransportError(requestID, message, innerErr)

	if err.Type != TransportError {
		t.Errorf("Expected error type %v, got %v", TransportError, err.Type)
	}
	if err.Message != message {
		t.Errorf("Expected message %v, got %v", message, err.Message)
	}
	if err.Code != http.StatusBadGateway {
		t.Errorf("Expected code %v, got %v", http.StatusBadGateway, err.Code)
	}
	if err.RequestID != requestID {
		t.Errorf("Expected requestID %v, got %v", requestID, err.RequestID)
	}
	if err.Unwrap() != innerErr {
		t.Errorf("Expected inner error %v, got %v", innerErr, err.Unwrap())
	}
}

func TestNewGenerationError(t *testing.T) {
	innerErr := errors.New("circuit breaker is open")
	err := NewGenerationError("test-234", "generation failed", innerErr)

	if err.Type != GenerationError {
		t.Errorf("Expected error type %v, got %v", GenerationError, err.Type)
	}
	if !errors.Is(err, innerErr) {
		t.Errorf("Expected errors.Is to find the inner error")
	}
}

func TestNewConfigError(t *testing.T) {
	err := NewConfigError("non-positive token budget", map[string]interface{}{
		"context_window":        1024,
		"max_completion_tokens": 2048,
	})

	if err.Type != ConfigError {
		t.Errorf("Expected error type %v, got %v", ConfigError, err.Type)
	}
	if err.Details["context_window"] != 1024 {
		t.Errorf("Expected context_window detail, got %v", err.Details["context_window"])
	}
}

func TestNewValidationError(t *testing.T) {
	requestID := "test-456"
	message := "invalid mention"
	details := map[string]interface{}{
		"field": "channel_id",
		"error": "required",
	}

	err := NewValidationError(requestID, message, details)

	if err.Type != ValidationError {
		t.Errorf("Expected error type %v, got %v", ValidationError, err.Type)
	}
	if err.Code != http.StatusBadRequest {
		t.Errorf("Expected code %v, got %v", http.StatusBadRequest, err.Code)
	}
	if err.Details["field"] != details["field"] {
		t.Errorf("Expected details field %v, got %v", details["field"], err.Details["field"])
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("test-789", 60)

	if err.Type != RateLimitError {
		t.Errorf("Expected error type %v, got %v", RateLimitError, err.Type)
	}
	if err.Code != http.StatusTooManyRequests {
		t.Errorf("Expected code %v, got %v", http.StatusTooManyRequests, err.Code)
	}
	if err.Details["retry_after"] != 60 {
		t.Errorf("Expected retry_after %v, got %v", 60, err.Details["retry_after"])
	}
}

func TestNewInternalError(t *testing.T) {
	innerErr := errors.New("panic: nil map")
	err := NewInternalError("test-999", innerErr)

	if err.Type != InternalError {
		t.Errorf("Expected error type %v, got %v", InternalError, err.Type)
	}
	if err.Code != http.StatusInternalServerError {
		t.Errorf("Expected code %v, got %v", http.StatusInternalServerError, err.Code)
	}
}
