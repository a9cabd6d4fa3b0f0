package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gigdesk/internal/billing"
)

// FakeWebhookSignature is the signature the fake provider accepts.
const FakeWebhookSignature = "t=1,v1=fake-valid"

// CreditEntry records one CreateCredit call.
type CreditEntry struct {
	CustomerID  string
	AmountCents int64
	Currency    string
	Description string
}

// MetadataWrite records one full-map metadata replacement.
type MetadataWrite struct {
	CustomerID string
	Metadata   map[string]string
}

// FakeProvider is an in-memory billing.Provider for tests. It snapshots
// metadata on every read and write so tests observe the same copy semantics
// a remote API would give.
type FakeProvider struct {
	mu            sync.Mutex
	customers     map[string]*billing.Customer
	subscriptions map[string][]billing.Subscription
	nextID        int

	Credits        []CreditEntry
	MetadataWrites []MetadataWrite
	Paused         map[string]bool

	// Errs injects a failure for the named method (e.g. "GetCustomer").
	Errs map[string]error
}

// NewFakeProvider returns an empty fake.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		customers:     make(map[string]*billing.Customer),
		subscriptions: make(map[string][]billing.Subscription),
		Paused:        make(map[string]bool),
		Errs:          make(map[string]error),
	}
}

var _ billing.Provider = (*FakeProvider)(nil)

// SeedCustomer inserts a customer and returns its generated id.
func (f *FakeProvider) SeedCustomer(email string, metadata map[string]string) *billing.Customer {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	c := &billing.Customer{
		ID:       fmt.Sprintf("cus_fake%03d", f.nextID),
		Email:    email,
		Metadata: copyMap(metadata),
	}
	f.customers[c.ID] = c
	return snapshotCustomer(c)
}

// SeedSubscription attaches a subscription to a customer.
func (f *FakeProvider) SeedSubscription(customerID string, sub billing.Subscription) billing.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	if sub.ID == "" {
		f.nextID++
		sub.ID = fmt.Sprintf("sub_fake%03d", f.nextID)
	}
	sub.CustomerID = customerID
	sub.Metadata = copyMap(sub.Metadata)
	f.subscriptions[customerID] = append(f.subscriptions[customerID], sub)
	return sub
}

// Metadata returns a snapshot of the customer's current metadata.
func (f *FakeProvider) Metadata(customerID string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.customers[customerID]; ok {
		return copyMap(c.Metadata)
	}
	return nil
}

func (f *FakeProvider) FindCustomerByEmail(_ context.Context, email string) (*billing.Customer, error) {
	if err := f.Errs["FindCustomerByEmail"]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.customers {
		if c.Email == email {
			return snapshotCustomer(c), nil
		}
	}
	return nil, billing.ErrCustomerNotFound
}

func (f *FakeProvider) CreateCustomer(_ context.Context, email, name string, metadata map[string]string) (*billing.Customer, error) {
	if err := f.Errs["CreateCustomer"]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	c := &billing.Customer{
		ID:       fmt.Sprintf("cus_fake%03d", f.nextID),
		Email:    email,
		Name:     name,
		Metadata: copyMap(metadata),
	}
	f.customers[c.ID] = c
	return snapshotCustomer(c), nil
}

func (f *FakeProvider) GetCustomer(_ context.Context, id string) (*billing.Customer, error) {
	if err := f.Errs["GetCustomer"]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.customers[id]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return snapshotCustomer(c), nil
}

func (f *FakeProvider) UpdateCustomerMetadata(_ context.Context, id string, metadata map[string]string) (*billing.Customer, error) {
	if err := f.Errs["UpdateCustomerMetadata"]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.customers[id]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	c.Metadata = copyMap(metadata)
	f.MetadataWrites = append(f.MetadataWrites, MetadataWrite{
		CustomerID: id,
		Metadata:   copyMap(metadata),
	})
	return snapshotCustomer(c), nil
}

func (f *FakeProvider) ListSubscriptions(_ context.Context, customerID string) ([]billing.Subscription, error) {
	if err := f.Errs["ListSubscriptions"]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := make([]billing.Subscription, len(f.subscriptions[customerID]))
	copy(subs, f.subscriptions[customerID])
	for i := range subs {
		subs[i].Metadata = copyMap(subs[i].Metadata)
		subs[i].Paused = subs[i].Paused || f.Paused[subs[i].ID]
	}
	return subs, nil
}

func (f *FakeProvider) UpdateSubscriptionMetadata(_ context.Context, subscriptionID string, metadata map[string]string) error {
	if err := f.Errs["UpdateSubscriptionMetadata"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	for customerID, subs := range f.subscriptions {
		for i := range subs {
			if subs[i].ID == subscriptionID {
				f.subscriptions[customerID][i].Metadata = copyMap(metadata)
				return nil
			}
		}
	}
	return billing.ErrSubscriptionNotFound
}

func (f *FakeProvider) PauseSubscription(_ context.Context, subscriptionID string) error {
	if err := f.Errs["PauseSubscription"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.subscriptionExists(subscriptionID) {
		return billing.ErrSubscriptionNotFound
	}
	f.Paused[subscriptionID] = true
	return nil
}

func (f *FakeProvider) ResumeSubscription(_ context.Context, subscriptionID string) error {
	if err := f.Errs["ResumeSubscription"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.subscriptionExists(subscriptionID) {
		return billing.ErrSubscriptionNotFound
	}
	delete(f.Paused, subscriptionID)
	return nil
}

func (f *FakeProvider) CreateCredit(_ context.Context, customerID string, amountCents int64, currency, description string) error {
	if err := f.Errs["CreateCredit"]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Credits = append(f.Credits, CreditEntry{
		CustomerID:  customerID,
		AmountCents: amountCents,
		Currency:    currency,
		Description: description,
	})
	return nil
}

// VerifyWebhook accepts only FakeWebhookSignature and decodes the payload as
// a provider event envelope.
func (f *FakeProvider) VerifyWebhook(payload []byte, signature string) (*billing.Event, error) {
	if err := f.Errs["VerifyWebhook"]; err != nil {
		return nil, err
	}
	if signature != FakeWebhookSignature {
		return nil, fmt.Errorf("fake provider: bad signature %q", signature)
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("fake provider: undecodable payload: %w", err)
	}

	return &billing.Event{
		ID:     envelope.ID,
		Type:   envelope.Type,
		Object: envelope.Data.Object,
	}, nil
}

func (f *FakeProvider) subscriptionExists(subscriptionID string) bool {
	for _, subs := range f.subscriptions {
		for i := range subs {
			if subs[i].ID == subscriptionID {
				return true
			}
		}
	}
	return false
}

func snapshotCustomer(c *billing.Customer) *billing.Customer {
	return &billing.Customer{
		ID:       c.ID,
		Email:    c.Email,
		Name:     c.Name,
		Metadata: copyMap(c.Metadata),
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
