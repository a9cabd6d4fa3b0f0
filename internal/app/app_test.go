package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigdesk/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Billing.StripeAPIKey = "sk_test_app"
	cfg.Billing.WebhookSecret = "whsec_app"
	cfg.Token.SigningSecret = "signing-secret"
	cfg.Security.RateLimit.Enabled = false
	return cfg
}

// A single shared Application: telemetry providers register process-global
// state, so tests build the app once.
var (
	testAppOnce sync.Once
	testApp     *Application
	testAppErr  error
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	testAppOnce.Do(func() {
		testApp, testAppErr = New(testConfig())
	})
	require.NoError(t, testAppErr)
	return testApp
}

func TestHealthRoute(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsRoute(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRoutesAreMounted(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/start-trial", strings.NewReader(`{"email":"bad"}`))
	req.Header.Set("Content-Type", "application/json")
	app.Router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code, "route exists and validates input")
}

func TestWebhookRejectsUnsignedPayload(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(`{"id":"evt_1","type":"ping"}`))
	app.Router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_SIGNATURE", body["error"])
}

func TestUnknownRouteIs404(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDHeaderOnResponses(t *testing.T) {
	app := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
