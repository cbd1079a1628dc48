// Package errors provides the error taxonomy for the relay.
// It includes structured error types, JSON response formatting for the
// operational HTTP surface, and integrated logging with Uber's zap logger.
//
// The relay distinguishes four families of failure:
//
//   - Transport errors (history fetch, reply delivery): logged, degraded
//   - Generation errors (engine failures): surfaced as a visible reply
//   - Configuration errors: fatal at startup
//   - Internal errors (panics at the request boundary): logged, recovered
//
// Basic usage:
//
//	err := errors.NewTransportError(requestID, "history fetch failed", cause)
//	errors.LogError(logger, err, requestID)
//
// For the HTTP surface:
//
//	errors.ErrorWithType(w, "Invalid input", errors.ValidationError, http.StatusBadRequest)
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DefaultLogger is the default zap logger instance used throughout the relay.
// It is initialized to a production configuration but can be overridden using SetLogger.
var DefaultLogger *zap.Logger

func init() {
	var err error
	DefaultLogger, err = zap.NewProduction()
	if err != nil {
		DefaultLogger = zap.NewNop()
	}
}

// SetLogger allows setting a custom zap logger instance.
// A nil logger is ignored.
func SetLogger(logger *zap.Logger) {
	if logger != nil {
		DefaultLogger = logger
	}
}

// ErrorType categorizes a RelayError.
type ErrorType string

const (
	// TransportError covers chat transport failures: history fetch, reply delivery, reactions.
	TransportError ErrorType = "transport_error"

	// GenerationError covers failures of the generation engine.
	GenerationError ErrorType = "generation_error"

	// ConfigError represents configuration-related errors
	ConfigError ErrorType = "config_error"

	// ValidationError represents input validation failures
	ValidationError ErrorType = "validation_error"

	// InternalError represents unexpected failures, including recovered panics
	InternalError ErrorType = "internal_error"

	// RateLimitError represents rate limiting errors on the intake surface
	RateLimitError ErrorType = "rate_limit_error"

	// NotFoundError represents resource not found errors
	NotFoundError ErrorType = "not_found"

	// AuthenticationError represents a missing or wrong intake token
	AuthenticationError ErrorType = "authentication_error"
)

// RelayError implements the error interface and carries the context needed
// to log a failure and, on the HTTP surface, serialize it to the client.
type RelayError struct {
	// Type categorizes the error
	Type ErrorType `json:"type"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Code is the HTTP status code (not exposed in JSON)
	Code int `json:"-"`

	// RequestID links the error to a specific mention or HTTP request
	RequestID string `json:"request_id"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// err is the underlying error (not exposed in JSON)
	err error
}

// Error returns a string combining the error type, message and underlying error.
func (e *RelayError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.err
}

// Is matches on error type only, so errors.Is(err, &RelayError{Type: GenerationError})
// works regardless of message or request id.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WriteError writes a RelayError as a JSON response.
func WriteError(w http.ResponseWriter, err *RelayError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Code)
	json.NewEncoder(w).Encode(err)
}

// Error is a drop-in replacement for http.Error that writes an InternalError.
// The request ID is taken from the response headers if present.
func Error(w http.ResponseWriter, message string, code int) {
	ErrorWithType(w, message, InternalError, code)
}

// ErrorWithType is like Error but allows specifying the error type.
func ErrorWithType(w http.ResponseWriter, message string, errType ErrorType, code int) {
	requestID := w.Header().Get("X-Request-ID")
	err := &RelayError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
	}
	WriteError(w, err)
}
