// Package errors defines the structured error responses of the license API.
// Handlers never leak provider internals: upstream failures all collapse to
// the generic SERVER_ERROR shape, while input problems carry a stable
// machine-readable code the client can branch on.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// APIError is a renderable structured API error.
type APIError struct {
	StatusCode int    `json:"-"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates an APIError.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates an APIError with additional details.
func NewWithDetails(statusCode int, errorCode, message string, details any) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined errors for the license API surface.
var (
	ErrInvalidRequest = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrInvalidEmail   = New(http.StatusBadRequest, "INVALID_EMAIL", "Valid email required")
	ErrInvalidMachine = New(http.StatusBadRequest, "INVALID_MACHINE_ID", "Valid machine ID required")

	ErrWebhookSignature = New(http.StatusBadRequest, "INVALID_SIGNATURE", "Webhook signature verification failed")

	ErrRateLimitExceeded = New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")

	ErrServer = New(http.StatusInternalServerError, "SERVER_ERROR", "An internal error occurred. Please try again.")
)

// InvalidRequestWithError creates an invalid request error carrying the
// decode failure text.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// WriteError writes an error response directly, for paths outside the
// render pipeline (middleware, panics).
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(err) //nolint:errcheck // response already committed
}
