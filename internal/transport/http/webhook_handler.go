package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "gigdesk/internal/errors"
	"gigdesk/internal/infrastructure"
	"gigdesk/internal/license"
	"gigdesk/pkg/contracts/domain"
)

// maxWebhookBody caps the webhook payload size. Stripe events are a few
// kilobytes; anything near the cap is not a legitimate event.
const maxWebhookBody = 64 * 1024

// WebhookHandler receives billing provider webhooks.
type WebhookHandler struct {
	reconciler *license.Reconciler
	logger     *slog.Logger
	metrics    *infrastructure.BusinessMetrics
}

// NewWebhookHandler creates a webhook handler. metrics may be nil.
func NewWebhookHandler(reconciler *license.Reconciler, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		logger:     logger.With(slog.String("handler", "webhook")),
		metrics:    metrics,
	}
}

// Routes returns the router for the /webhook subtree.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe", h.Stripe)
	return r
}

// Stripe handles POST /webhook/stripe. The raw body is read before any
// decoding because signature verification covers the exact bytes sent.
func (h *WebhookHandler) Stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err)) //nolint:errcheck
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get("Stripe-Signature")

	if err := h.reconciler.Handle(ctx, payload, signature); err != nil {
		if errors.Is(err, license.ErrWebhookSignature) {
			h.logger.WarnContext(ctx, "webhook signature rejected",
				slog.String("remote_addr", r.RemoteAddr))
			render.Render(w, r, apierrors.ErrWebhookSignature) //nolint:errcheck
			return
		}
		// Non-signature failures return 500 so the provider retries the
		// delivery.
		h.logger.ErrorContext(ctx, "webhook processing failed",
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrServer) //nolint:errcheck
		return
	}

	h.metrics.RecordWebhookEvent(ctx, "processed")
	render.JSON(w, r, domain.WebhookAck{Received: true})
}
