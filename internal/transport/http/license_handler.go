// Package http exposes the license engine over HTTP. Handlers translate
// between the JSON contract types and the engine, and map business
// rejections to status codes: validation failures are 400, an unknown
// account on validate is 404, everything else the engine decides is a
// plain 200 with a reason code.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "gigdesk/internal/errors"
	"gigdesk/internal/infrastructure"
	"gigdesk/internal/license"
	"gigdesk/pkg/contracts/domain"
)

var validate = validator.New()

// LicenseHandler serves the license API endpoints.
type LicenseHandler struct {
	engine  *license.Engine
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics
	tracer  trace.Tracer
}

// NewLicenseHandler creates a license handler. metrics may be nil.
func NewLicenseHandler(engine *license.Engine, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *LicenseHandler {
	return &LicenseHandler{
		engine:  engine,
		logger:  logger.With(slog.String("handler", "license")),
		metrics: metrics,
		tracer:  otel.Tracer("gigdesk/transport"),
	}
}

// Routes returns the router for the /api subtree.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/start-trial", h.StartTrial)
	r.Post("/validate", h.Validate)
	r.Post("/license-info", h.LicenseInfo)
	r.Get("/referral-stats", h.ReferralStatsQuery)
	r.Post("/referral-stats", h.ReferralStats)
	r.Post("/devices", h.Devices)
	r.Post("/deactivate-device", h.DeactivateDevice)
	r.Post("/pause-subscription", h.PauseSubscription)
	r.Post("/resume-subscription", h.ResumeSubscription)

	return r
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// bindEmail decodes and validates a request whose only input is an email.
// Returns false after writing the error response when the input is bad.
func (h *LicenseHandler) bindEmail(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := decodeJSON(r, req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err)) //nolint:errcheck
		return false
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, apierrors.ErrInvalidEmail) //nolint:errcheck
		return false
	}
	return true
}

// serverError hides the upstream failure behind the generic shape. The
// real error goes to the log only.
func (h *LicenseHandler) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	render.Render(w, r, apierrors.ErrServer) //nolint:errcheck
}

// StartTrial handles POST /api/start-trial.
func (h *LicenseHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.start_trial")
	defer span.End()
	r = r.WithContext(ctx)

	var req domain.StartTrialRequest
	if !h.bindEmail(w, r, &req) {
		return
	}

	resp, err := h.engine.StartTrial(ctx, req.Email)
	if err != nil {
		span.RecordError(err)
		h.serverError(w, r, "start_trial", err)
		return
	}

	span.SetAttributes(
		attribute.Bool("trial.success", resp.Success),
		attribute.Bool("trial.already_exists", resp.AlreadyExists),
	)

	if resp.Success && !resp.AlreadyExists {
		h.metrics.RecordTrialStarted(ctx)
	}
	if !resp.Success {
		render.Status(r, http.StatusBadRequest)
	}
	render.JSON(w, r, resp)
}

// Validate handles POST /api/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.validate")
	defer span.End()
	r = r.WithContext(ctx)

	var req domain.ValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err)) //nolint:errcheck
		return
	}
	// Validated field by field so a bad machine id is reported as such even
	// when the email is also missing.
	if !license.ValidEmail(req.Email) {
		render.Render(w, r, apierrors.ErrInvalidEmail) //nolint:errcheck
		return
	}
	if !license.ValidMachineID(req.MachineID) {
		render.Render(w, r, apierrors.ErrInvalidMachine) //nolint:errcheck
		return
	}

	resp, err := h.engine.Validate(ctx, req.Email, req.MachineID)
	if err != nil {
		span.RecordError(err)
		h.metrics.RecordValidation(ctx, "error")
		h.serverError(w, r, "validate", err)
		return
	}

	outcome := resp.Reason
	if resp.Valid {
		outcome = "valid"
		h.metrics.RecordTokenIssued(ctx)
	}
	h.metrics.RecordValidation(ctx, outcome)
	span.SetAttributes(
		attribute.Bool("license.valid", resp.Valid),
		attribute.String("license.reason", resp.Reason),
	)

	if resp.Reason == domain.ReasonNoLicense {
		render.Status(r, http.StatusNotFound)
	}
	render.JSON(w, r, resp)
}

// LicenseInfo handles POST /api/license-info.
func (h *LicenseHandler) LicenseInfo(w http.ResponseWriter, r *http.Request) {
	var req domain.LicenseInfoRequest
	if !h.bindEmail(w, r, &req) {
		return
	}

	resp, err := h.engine.LicenseInfo(r.Context(), req.Email)
	if err != nil {
		h.serverError(w, r, "license_info", err)
		return
	}
	render.JSON(w, r, resp)
}

// ReferralStats handles POST /api/referral-stats.
func (h *LicenseHandler) ReferralStats(w http.ResponseWriter, r *http.Request) {
	var req domain.ReferralStatsRequest
	if !h.bindEmail(w, r, &req) {
		return
	}
	h.renderReferralStats(w, r, req.Email)
}

// ReferralStatsQuery handles GET /api/referral-stats?email=...
func (h *LicenseHandler) ReferralStatsQuery(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if !license.ValidEmail(email) {
		render.Render(w, r, apierrors.ErrInvalidEmail) //nolint:errcheck
		return
	}
	h.renderReferralStats(w, r, email)
}

func (h *LicenseHandler) renderReferralStats(w http.ResponseWriter, r *http.Request, email string) {
	resp, err := h.engine.ReferralStats(r.Context(), email)
	if err != nil {
		h.serverError(w, r, "referral_stats", err)
		return
	}
	render.JSON(w, r, resp)
}

// Devices handles POST /api/devices.
func (h *LicenseHandler) Devices(w http.ResponseWriter, r *http.Request) {
	var req domain.DevicesRequest
	if !h.bindEmail(w, r, &req) {
		return
	}

	resp, err := h.engine.Devices(r.Context(), req.Email)
	if err != nil {
		h.serverError(w, r, "devices", err)
		return
	}
	render.JSON(w, r, resp)
}

// DeactivateDevice handles POST /api/deactivate-device.
func (h *LicenseHandler) DeactivateDevice(w http.ResponseWriter, r *http.Request) {
	var req domain.DeactivateDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err)) //nolint:errcheck
		return
	}
	if !license.ValidEmail(req.Email) {
		render.Render(w, r, apierrors.ErrInvalidEmail) //nolint:errcheck
		return
	}
	if !license.ValidMachineID(req.MachineID) {
		render.Render(w, r, apierrors.ErrInvalidMachine) //nolint:errcheck
		return
	}

	resp, err := h.engine.DeactivateDevice(r.Context(), req.Email, req.MachineID)
	if err != nil {
		h.serverError(w, r, "deactivate_device", err)
		return
	}
	render.JSON(w, r, resp)
}

// PauseSubscription handles POST /api/pause-subscription.
func (h *LicenseHandler) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscriptionPauseRequest
	if !h.bindEmail(w, r, &req) {
		return
	}

	resp, err := h.engine.PauseSubscription(r.Context(), req.Email)
	if err != nil {
		h.serverError(w, r, "pause_subscription", err)
		return
	}
	render.JSON(w, r, resp)
}

// ResumeSubscription handles POST /api/resume-subscription.
func (h *LicenseHandler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	var req domain.SubscriptionPauseRequest
	if !h.bindEmail(w, r, &req) {
		return
	}

	resp, err := h.engine.ResumeSubscription(r.Context(), req.Email)
	if err != nil {
		h.serverError(w, r, "resume_subscription", err)
		return
	}
	render.JSON(w, r, resp)
}
