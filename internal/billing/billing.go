// Package billing abstracts the payment provider behind a narrow interface.
// The provider's customer-metadata store is the only persistent state the
// licensing system has, so every operation here is phrased in terms of
// customers, subscriptions and their metadata maps.
package billing

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrCustomerNotFound     = errors.New("billing: customer not found")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
)

// Customer is the provider-neutral view of a billing customer. Metadata is
// the authoritative license record.
type Customer struct {
	ID       string
	Email    string
	Name     string
	Metadata map[string]string
}

// Subscription is the provider-neutral view of a subscription.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	Paused           bool
	CurrentPeriodEnd int64
	Metadata         map[string]string
}

// Active reports whether the subscription grants entitlement. Paused
// subscriptions keep their "active" status at the provider and stay
// entitled; pausing suspends collection, not access.
func (s Subscription) Active() bool {
	return s.Status == "active" || s.Status == "trialing"
}

// Event is a verified webhook event. Object carries the raw JSON of the
// event's primary object for the reconciler to decode.
type Event struct {
	ID     string
	Type   string
	Object json.RawMessage
}

// Provider is the payment-provider port. Metadata update operations replace
// the full metadata map; callers merge before writing so concurrent partial
// updates cannot silently drop keys.
type Provider interface {
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*Customer, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	UpdateCustomerMetadata(ctx context.Context, id string, metadata map[string]string) (*Customer, error)

	ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error
	PauseSubscription(ctx context.Context, subscriptionID string) error
	ResumeSubscription(ctx context.Context, subscriptionID string) error

	CreateCredit(ctx context.Context, customerID string, amountCents int64, currency, description string) error

	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

// MergeMetadata overlays updates onto base without mutating either map.
// Empty-string values in updates delete the key at the provider.
func MergeMetadata(base, updates map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(updates))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}
