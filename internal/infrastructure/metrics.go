package infrastructure

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BusinessMetrics holds the counters for license activity. All recorders
// are safe for concurrent use and no-ops before InitOTel runs.
type BusinessMetrics struct {
	validations   metric.Int64Counter
	trialsStarted metric.Int64Counter
	tokensIssued  metric.Int64Counter
	webhookEvents metric.Int64Counter
}

// NewBusinessMetrics registers the license counters on the global meter
// provider.
func NewBusinessMetrics() (*BusinessMetrics, error) {
	meter := otel.Meter("gigdesk/licensed")

	validations, err := meter.Int64Counter("license_validations_total",
		metric.WithDescription("License validation requests by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	trialsStarted, err := meter.Int64Counter("trials_started_total",
		metric.WithDescription("New trials created"))
	if err != nil {
		return nil, fmt.Errorf("failed to create trials counter: %w", err)
	}

	tokensIssued, err := meter.Int64Counter("offline_tokens_issued_total",
		metric.WithDescription("Offline tokens issued to validated devices"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}

	webhookEvents, err := meter.Int64Counter("webhook_events_total",
		metric.WithDescription("Billing webhook events by type"))
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook counter: %w", err)
	}

	return &BusinessMetrics{
		validations:   validations,
		trialsStarted: trialsStarted,
		tokensIssued:  tokensIssued,
		webhookEvents: webhookEvents,
	}, nil
}

// RecordValidation counts a validation request by outcome, where outcome is
// "valid" or the rejection reason.
func (m *BusinessMetrics) RecordValidation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTrialStarted counts a newly created trial.
func (m *BusinessMetrics) RecordTrialStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.trialsStarted.Add(ctx, 1)
}

// RecordTokenIssued counts an issued offline token.
func (m *BusinessMetrics) RecordTokenIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.tokensIssued.Add(ctx, 1)
}

// RecordWebhookEvent counts a processed webhook event by type.
func (m *BusinessMetrics) RecordWebhookEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
