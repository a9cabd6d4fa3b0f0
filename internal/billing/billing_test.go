package billing

import (
	"testing"

	"github.com/stripe/stripe-go/v81"
	"github.com/stretchr/testify/assert"
)

func TestMergeMetadata(t *testing.T) {
	base := map[string]string{"status": "trial", "tier": "free"}
	updates := map[string]string{"status": "active", "subscription_id": "sub_1"}

	merged := MergeMetadata(base, updates)

	assert.Equal(t, map[string]string{
		"status":          "active",
		"tier":            "free",
		"subscription_id": "sub_1",
	}, merged)

	// inputs untouched
	assert.Equal(t, "trial", base["status"])
	assert.NotContains(t, base, "subscription_id")
}

func TestSubscriptionActive(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{name: "active", sub: Subscription{Status: "active"}, want: true},
		{name: "trialing", sub: Subscription{Status: "trialing"}, want: true},
		{name: "canceled", sub: Subscription{Status: "canceled"}},
		{name: "past due", sub: Subscription{Status: "past_due"}},
		{name: "paused keeps entitlement", sub: Subscription{Status: "active", Paused: true}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Active())
		})
	}
}

func TestFromStripeSubscription(t *testing.T) {
	s := &stripe.Subscription{
		ID:               "sub_123",
		Status:           stripe.SubscriptionStatusActive,
		CurrentPeriodEnd: 1_900_000_000,
		Customer:         &stripe.Customer{ID: "cus_123"},
		Metadata:         map[string]string{"tier": "pro"},
	}

	got := fromStripeSubscription(s)
	assert.Equal(t, "sub_123", got.ID)
	assert.Equal(t, "cus_123", got.CustomerID)
	assert.Equal(t, "active", got.Status)
	assert.False(t, got.Paused)
	assert.True(t, got.Active())

	s.PauseCollection = &stripe.SubscriptionPauseCollection{Behavior: "mark_uncollectible"}
	assert.True(t, fromStripeSubscription(s).Paused)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&stripe.Error{Code: stripe.ErrorCodeResourceMissing}))
	assert.True(t, isNotFound(&stripe.Error{HTTPStatusCode: 404}))
	assert.False(t, isNotFound(&stripe.Error{Code: stripe.ErrorCodeRateLimit}))
	assert.False(t, isNotFound(assert.AnError))
}
