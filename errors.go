package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DeniedError is returned by the admission guard when an identity is rate
// limited or temporarily blocked. RetryAfter tells the caller how long to
// wait before the denial lifts.
type DeniedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.Reason, e.RetryAfter.Round(time.Second))
}

// ValidationError reports a field-level rejection. Input failing validation
// is refused before any state mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}
