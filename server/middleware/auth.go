package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/teilomillet/relay/errors"
)

// IntakeTokenHeader carries the shared secret of platforms pushing events.
const IntakeTokenHeader = "X-Relay-Token"

// Authentication requires the shared intake token. An empty token disables the check.
func Authentication(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(IntakeTokenHeader)
			if got == "" {
				errors.ErrorWithType(w, "Missing intake token", errors.AuthenticationError, http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				errors.ErrorWithType(w, "Invalid intake token", errors.AuthenticationError, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
