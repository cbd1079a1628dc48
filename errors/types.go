package errors

import (
	"net/http"
)

// NewError creates a RelayError with full control over its fields.
// Prefer the specialized constructors below.
//
// Example:
//
//	err := NewError(InternalError, "dispatcher stopped", 500, "req_123", nil, cause)
func NewError(errType ErrorType, message string, code int, requestID string, details map[string]interface{}, err error) *RelayError {
	return &RelayError{
		Type:      errType,
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Details:   details,
		err:       err,
	}
}

// NewTransportError wraps a chat transport failure, such as:
//   - history fetch errors
//   - reply delivery errors
//   - reaction or typing indicator errors
//
// Transport errors are never fatal; callers degrade and log them.
func NewTransportError(requestID, message string, err error) *RelayError {
	return &RelayError{
		Type:      TransportError,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewGenerationError wraps a failure of the generation engine.
// The relay surfaces these to the user as a visible error reply.
func NewGenerationError(requestID, message string, err error) *RelayError {
	return &RelayError{
		Type:      GenerationError,
		Message:   message,
		Code:      http.StatusBadGateway,
		RequestID: requestID,
		err:       err,
	}
}

// NewConfigError reports an invalid or incomplete configuration.
// Configuration errors stop the process at startup.
func NewConfigError(message string, details map[string]interface{}) *RelayError {
	return &RelayError{
		Type:    ConfigError,
		Message: message,
		Code:    http.StatusInternalServerError,
		Details: details,
	}
}

// NewValidationError creates a validation error with appropriate defaults.
//
// Example:
//
//	err := NewValidationError("req_123", "Invalid mention", map[string]interface{}{
//	    "field": "channel_id",
//	    "error": "required",
//	})
func NewValidationError(requestID, message string, validationDetails map[string]interface{}) *RelayError {
	return &RelayError{
		Type:      ValidationError,
		Message:   message,
		Code:      http.StatusBadRequest,
		RequestID: requestID,
		Details:   validationDetails,
	}
}

// NewRateLimitError creates a rate limit error for the intake surface.
func NewRateLimitError(requestID string, retryAfter int) *RelayError {
	return &RelayError{
		Type:      RateLimitError,
		Message:   "Rate limit exceeded",
		Code:      http.StatusTooManyRequests,
		RequestID: requestID,
		Details: map[string]interface{}{
			"retry_after": retryAfter,
		},
	}
}

// NewInternalError creates an internal error for unexpected failures:
//   - panics recovered at the request boundary
//   - dispatcher shutdown while a request is being handed over
func NewInternalError(requestID string, err error) *RelayError {
	return &RelayError{
		Type:      InternalError,
		Message:   "An internal error occurred",
		Code:      http.StatusInternalServerError,
		RequestID: requestID,
		err:       err,
	}
}
