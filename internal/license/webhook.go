package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gigdesk/internal/billing"
	"gigdesk/pkg/contracts/domain"
)

// ErrWebhookSignature marks a failed signature check. The transport layer
// maps it to HTTP 400; nothing was mutated.
var ErrWebhookSignature = errors.New("webhook signature verification failed")

// Reconciler consumes billing lifecycle events and mirrors them into
// customer metadata. Deliveries are unordered and at-least-once, so every
// handler treats its event as a snapshot and tolerates replays.
type Reconciler struct {
	provider billing.Provider
	engine   *Engine
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewReconciler creates a webhook reconciler sharing the engine's provider
// and referral protocol.
func NewReconciler(provider billing.Provider, engine *Engine, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		provider: provider,
		engine:   engine,
		logger:   logger.With(slog.String("component", "webhook")),
		tracer:   otel.Tracer("gigdesk/webhook"),
	}
}

// eventSubscription is the slice of a subscription object the reconciler
// reads out of event payloads.
type eventSubscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

type eventCheckoutSession struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

type eventInvoice struct {
	ID         string `json:"id"`
	Customer   string `json:"customer"`
	AmountPaid int64  `json:"amount_paid"`
	AmountDue  int64  `json:"amount_due"`
}

// Handle verifies the event signature over the raw payload and dispatches
// by type. Verification happens before any payload byte is trusted.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) error {
	ctx, span := r.tracer.Start(ctx, "webhook.Handle")
	defer span.End()

	event, err := r.provider.VerifyWebhook(payload, signature)
	if err != nil {
		r.logger.WarnContext(ctx, "webhook rejected",
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrWebhookSignature, err)
	}

	span.SetAttributes(
		attribute.String("event_id", event.ID),
		attribute.String("event_type", event.Type),
	)
	r.logger.InfoContext(ctx, "webhook received",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type))

	switch event.Type {
	case "checkout.session.completed":
		return r.handleCheckoutCompleted(ctx, event.Object)
	case "customer.subscription.created", "customer.subscription.updated":
		return r.handleSubscriptionChange(ctx, event.Object)
	case "customer.subscription.deleted":
		return r.handleSubscriptionDeleted(ctx, event.Object)
	case "invoice.payment_succeeded":
		return r.logInvoice(ctx, event.Object, "payment succeeded")
	case "invoice.payment_failed":
		return r.logInvoice(ctx, event.Object, "payment failed")
	case "customer.subscription.trial_will_end":
		r.logger.InfoContext(ctx, "trial ending soon",
			slog.String("event_id", event.ID))
		return nil
	default:
		r.logger.DebugContext(ctx, "unhandled event type",
			slog.String("event_type", event.Type))
		return nil
	}
}

// handleCheckoutCompleted activates the license: status active, tier
// recorded, device list preserved from any prior trial.
func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, object json.RawMessage) error {
	var session eventCheckoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return fmt.Errorf("checkout completed: decode session: %w", err)
	}
	if session.Customer == "" {
		r.logger.WarnContext(ctx, "checkout session without customer",
			slog.String("session_id", session.ID))
		return nil
	}

	customer, err := r.provider.GetCustomer(ctx, session.Customer)
	if err != nil {
		return fmt.Errorf("checkout completed: %w", err)
	}

	tier := TierPro
	if session.Subscription != "" {
		subs, err := r.provider.ListSubscriptions(ctx, session.Customer)
		if err != nil {
			return fmt.Errorf("checkout completed: %w", err)
		}
		for _, sub := range subs {
			if sub.ID != session.Subscription {
				continue
			}
			subMeta := billing.MergeMetadata(sub.Metadata, map[string]string{
				keyTier: tier,
			})
			if err := r.provider.UpdateSubscriptionMetadata(ctx, sub.ID, subMeta); err != nil {
				return fmt.Errorf("checkout completed: %w", err)
			}
			break
		}
	}

	merged := billing.MergeMetadata(customer.Metadata, map[string]string{
		keyStatus:         domain.StatusActive,
		keyTier:           tier,
		keySubscriptionID: session.Subscription,
		keyActivatedAt:    formatTime(r.engine.now()),
		keyMaxDevices:     strconv.Itoa(DefaultMaxDevices),
		keyMachineIDs:     preservedMachineIDs(customer.Metadata),
	})
	if _, err := r.provider.UpdateCustomerMetadata(ctx, session.Customer, merged); err != nil {
		return fmt.Errorf("checkout completed: %w", err)
	}

	r.logger.InfoContext(ctx, "license activated",
		slog.String("customer_id", session.Customer),
		slog.String("subscription_id", session.Subscription))
	return nil
}

// handleSubscriptionChange mirrors the subscription status into customer
// metadata and runs the referral protocol when the subscription is active.
func (r *Reconciler) handleSubscriptionChange(ctx context.Context, object json.RawMessage) error {
	var sub eventSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return fmt.Errorf("subscription change: decode: %w", err)
	}

	switch sub.Status {
	case "active", "trialing":
		customer, err := r.provider.GetCustomer(ctx, sub.Customer)
		if err != nil {
			return fmt.Errorf("subscription change: %w", err)
		}
		tier := sub.Metadata[keyTier]
		if tier == "" {
			tier = TierPro
		}
		merged := billing.MergeMetadata(customer.Metadata, map[string]string{
			keyStatus:         domain.StatusActive,
			keyTier:           tier,
			keySubscriptionID: sub.ID,
		})
		if _, err := r.provider.UpdateCustomerMetadata(ctx, sub.Customer, merged); err != nil {
			return fmt.Errorf("subscription change: %w", err)
		}

		if sub.Status == "active" {
			return r.engine.GrantReferralBonus(ctx, billing.Subscription{
				ID:         sub.ID,
				CustomerID: sub.Customer,
				Status:     sub.Status,
				Metadata:   sub.Metadata,
			})
		}
		return nil

	case "canceled", "unpaid", "past_due":
		return r.markCancelled(ctx, sub.Customer)

	default:
		r.logger.DebugContext(ctx, "subscription status ignored",
			slog.String("subscription_id", sub.ID),
			slog.String("status", sub.Status))
		return nil
	}
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, object json.RawMessage) error {
	var sub eventSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return fmt.Errorf("subscription deleted: decode: %w", err)
	}
	return r.markCancelled(ctx, sub.Customer)
}

func (r *Reconciler) markCancelled(ctx context.Context, customerID string) error {
	customer, err := r.provider.GetCustomer(ctx, customerID)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}

	merged := billing.MergeMetadata(customer.Metadata, map[string]string{
		keyStatus:      domain.StatusCancelled,
		keyCancelledAt: formatTime(r.engine.now()),
	})
	if _, err := r.provider.UpdateCustomerMetadata(ctx, customerID, merged); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}

	r.logger.InfoContext(ctx, "license cancelled",
		slog.String("customer_id", customerID))
	return nil
}

func (r *Reconciler) logInvoice(ctx context.Context, object json.RawMessage, outcome string) error {
	var inv eventInvoice
	if err := json.Unmarshal(object, &inv); err != nil {
		return fmt.Errorf("invoice event: decode: %w", err)
	}
	r.logger.InfoContext(ctx, "invoice "+outcome,
		slog.String("invoice_id", inv.ID),
		slog.String("customer_id", inv.Customer),
		slog.Int64("amount_cents", inv.AmountPaid))
	return nil
}

// preservedMachineIDs keeps the trial-era device list across activation.
func preservedMachineIDs(metadata map[string]string) string {
	if existing := metadata[keyMachineIDs]; existing != "" {
		return existing
	}
	return encodeMachineIDs(nil)
}
