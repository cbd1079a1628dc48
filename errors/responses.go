// Package errors provides error response utilities.
package errors

import (
	"errors"
)

const RequestIDKey = "request_id"

// ErrorResponse is the JSON body written for failed HTTP requests.
type ErrorResponse struct {
	Type      ErrorType              `json:"type"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// As is a wrapper around errors.As for better error type assertion
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// TypeOf returns the ErrorType of err, or InternalError when err is not a RelayError.
func TypeOf(err error) ErrorType {
	var relayErr *RelayError
	if As(err, &relayErr) {
		return relayErr.Type
	}
	return InternalError
}
