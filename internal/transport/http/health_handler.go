package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"

	"gigdesk/pkg/contracts/domain"
)

// HealthHandler serves the liveness probe.
type HealthHandler struct {
	version string
}

// NewHealthHandler creates a health handler reporting the given build
// version.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, domain.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
	})
}
