package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorImplementsError(t *testing.T) {
	err := New(http.StatusBadRequest, "INVALID_EMAIL", "Valid email required")
	assert.Equal(t, "Valid email required", err.Error())
}

func TestAPIErrorJSONShape(t *testing.T) {
	err := NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", "unexpected EOF")

	raw, marshalErr := json.Marshal(err)
	require.NoError(t, marshalErr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "INVALID_REQUEST", decoded["error"])
	assert.Equal(t, "unexpected EOF", decoded["details"])
	assert.NotContains(t, decoded, "StatusCode", "status code stays out of the body")
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrRateLimitExceeded)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["error"])
}

func TestInvalidRequestWithError(t *testing.T) {
	err := InvalidRequestWithError(errors.New("missing field"))
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
	assert.Equal(t, "missing field", err.Details)
}
