package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/customer"
	"github.com/stripe/stripe-go/v81/invoiceitem"
	"github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeProvider implements Provider against the Stripe API.
type StripeProvider struct {
	webhookSecret string
	logger        *slog.Logger
}

// NewStripeProvider configures the global Stripe client and returns the
// adapter. apiKey authenticates API calls; webhookSecret verifies inbound
// event signatures.
func NewStripeProvider(apiKey, webhookSecret string, logger *slog.Logger) *StripeProvider {
	stripe.Key = apiKey
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeProvider{
		webhookSecret: webhookSecret,
		logger:        logger.With(slog.String("component", "stripe")),
	}
}

// FindCustomerByEmail returns the first customer with the given email, or
// ErrCustomerNotFound.
func (p *StripeProvider) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	params := &stripe.CustomerListParams{
		ListParams: stripe.ListParams{Context: ctx, Limit: stripe.Int64(1)},
		Email:      stripe.String(email),
	}

	it := customer.List(params)
	for it.Next() {
		return fromStripeCustomer(it.Customer()), nil
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stripe: failed to search customers: %w", err)
	}
	return nil, ErrCustomerNotFound
}

// CreateCustomer creates a customer with the given initial metadata.
func (p *StripeProvider) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (*Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx, Metadata: metadata},
		Email:  stripe.String(email),
	}
	if name != "" {
		params.Name = stripe.String(name)
	}

	cust, err := customer.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: failed to create customer: %w", err)
	}

	p.logger.InfoContext(ctx, "stripe customer created",
		slog.String("customer_id", cust.ID))
	return fromStripeCustomer(cust), nil
}

// GetCustomer fetches a customer by id.
func (p *StripeProvider) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	cust, err := customer.Get(id, &stripe.CustomerParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("stripe: failed to get customer: %w", err)
	}
	return fromStripeCustomer(cust), nil
}

// UpdateCustomerMetadata replaces the customer's metadata with the given
// full map and returns the updated customer.
func (p *StripeProvider) UpdateCustomerMetadata(ctx context.Context, id string, metadata map[string]string) (*Customer, error) {
	params := &stripe.CustomerParams{
		Params: stripe.Params{Context: ctx, Metadata: metadata},
	}

	cust, err := customer.Update(id, params)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("stripe: failed to update customer metadata: %w", err)
	}
	return fromStripeCustomer(cust), nil
}

// ListSubscriptions returns all subscriptions of the customer regardless of
// status; the caller decides which count as entitling.
func (p *StripeProvider) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{
		ListParams: stripe.ListParams{Context: ctx},
		Customer:   stripe.String(customerID),
		Status:     stripe.String("all"),
	}

	var subs []Subscription
	it := subscription.List(params)
	for it.Next() {
		subs = append(subs, fromStripeSubscription(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("stripe: failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// UpdateSubscriptionMetadata replaces the subscription's metadata.
func (p *StripeProvider) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx, Metadata: metadata},
	}
	if _, err := subscription.Update(subscriptionID, params); err != nil {
		if isNotFound(err) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("stripe: failed to update subscription metadata: %w", err)
	}
	return nil
}

// PauseSubscription marks the subscription's collection paused. Invoices
// raised while paused are marked uncollectible so the customer is not
// charged for the gap.
func (p *StripeProvider) PauseSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String("mark_uncollectible"),
		},
	}
	if _, err := subscription.Update(subscriptionID, params); err != nil {
		if isNotFound(err) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("stripe: failed to pause subscription: %w", err)
	}

	p.logger.InfoContext(ctx, "subscription paused",
		slog.String("subscription_id", subscriptionID))
	return nil
}

// ResumeSubscription clears pause_collection so billing resumes with the
// next cycle.
func (p *StripeProvider) ResumeSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		Params: stripe.Params{Context: ctx},
	}
	// Unsetting a nested object requires an empty-string form value.
	params.AddExtra("pause_collection", "")

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		if isNotFound(err) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("stripe: failed to resume subscription: %w", err)
	}

	p.logger.InfoContext(ctx, "subscription resumed",
		slog.String("subscription_id", subscriptionID))
	return nil
}

// CreateCredit adds a pending invoice item to the customer. Negative amounts
// reduce the next invoice.
func (p *StripeProvider) CreateCredit(ctx context.Context, customerID string, amountCents int64, currency, description string) error {
	params := &stripe.InvoiceItemParams{
		Params:      stripe.Params{Context: ctx},
		Customer:    stripe.String(customerID),
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(currency),
		Description: stripe.String(description),
	}
	if _, err := invoiceitem.New(params); err != nil {
		return fmt.Errorf("stripe: failed to create invoice item: %w", err)
	}

	p.logger.InfoContext(ctx, "credit created",
		slog.String("customer_id", customerID),
		slog.Int64("amount_cents", amountCents),
		slog.String("currency", currency))
	return nil
}

// VerifyWebhook checks the signature over the raw payload and returns the
// decoded event. Invalid signatures fail before any payload field is read.
func (p *StripeProvider) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, p.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("stripe: webhook verification failed: %w", err)
	}

	return &Event{
		ID:     event.ID,
		Type:   string(event.Type),
		Object: event.Data.Raw,
	}, nil
}

func fromStripeCustomer(c *stripe.Customer) *Customer {
	return &Customer{
		ID:       c.ID,
		Email:    c.Email,
		Name:     c.Name,
		Metadata: c.Metadata,
	}
}

func fromStripeSubscription(s *stripe.Subscription) Subscription {
	sub := Subscription{
		ID:               s.ID,
		Status:           string(s.Status),
		Paused:           s.PauseCollection != nil,
		CurrentPeriodEnd: s.CurrentPeriodEnd,
		Metadata:         s.Metadata,
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}
	return sub
}

func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.Code == stripe.ErrorCodeResourceMissing ||
			stripeErr.HTTPStatusCode == 404
	}
	return false
}
