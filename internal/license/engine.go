package license

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"gigdesk/internal/billing"
	"gigdesk/internal/identity"
	"gigdesk/internal/token"
	"gigdesk/pkg/contracts/domain"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail trims and lower-cases an email identity.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email has a plausible local@domain.tld shape.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(email)
}

// Engine is the license authority. It is stateless apart from the
// per-account mutex table; all durable state lives in provider metadata.
type Engine struct {
	provider    billing.Provider
	tokenSecret []byte
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates the license engine.
func NewEngine(provider billing.Provider, tokenSecret []byte, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		provider:    provider,
		tokenSecret: tokenSecret,
		logger:      logger.With(slog.String("component", "license-engine")),
		tracer:      otel.Tracer("gigdesk/license"),
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing read-modify-write cycles for one
// customer. The provider has no compare-and-swap on metadata, so concurrent
// mutations of the same account must not interleave in-process.
func (e *Engine) accountLock(customerID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[customerID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[customerID] = l
	}
	return l
}

// StartTrial creates a 14-day trial for the email, or reports the existing
// entitlement. A lapsed trial is never restarted.
func (e *Engine) StartTrial(ctx context.Context, email string) (*domain.StartTrialResponse, error) {
	ctx, span := e.tracer.Start(ctx, "license.StartTrial")
	defer span.End()

	email = NormalizeEmail(email)
	now := e.now()

	existing, err := e.provider.FindCustomerByEmail(ctx, email)
	if err != nil && err != billing.ErrCustomerNotFound {
		return nil, fmt.Errorf("start trial: %w", err)
	}

	if existing != nil {
		lock := e.accountLock(existing.ID)
		lock.Lock()
		defer lock.Unlock()

		subs, err := e.provider.ListSubscriptions(ctx, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("start trial: %w", err)
		}
		if hasActiveSubscription(subs) {
			e.logger.InfoContext(ctx, "trial request for subscribed account",
				slog.String("customer_id", existing.ID))
			return &domain.StartTrialResponse{
				Success:       true,
				AlreadyExists: true,
				Message:       "You already have an active subscription",
			}, nil
		}

		account := ParseAccount(existing.Metadata)
		if account.HasTrialRecord() {
			if account.TrialValid(now) {
				return &domain.StartTrialResponse{
					Success:       true,
					AlreadyExists: true,
					ValidUntil:    formatTime(account.TrialValidUntil),
					Message:       "You already have an active trial",
				}, nil
			}
			e.logger.InfoContext(ctx, "trial restart refused, already lapsed",
				slog.String("customer_id", existing.ID),
				slog.Time("expired_at", account.TrialValidUntil))
			return &domain.StartTrialResponse{
				Success:   false,
				Error:     domain.ReasonTrialExpired,
				ExpiredAt: formatTime(account.TrialValidUntil),
				Message:   "Your trial has expired. Please subscribe to continue using GigDesk.",
			}, nil
		}

		merged := billing.MergeMetadata(existing.Metadata, NewTrialMetadata(now))
		if _, err := e.provider.UpdateCustomerMetadata(ctx, existing.ID, merged); err != nil {
			return nil, fmt.Errorf("start trial: %w", err)
		}
		e.logger.InfoContext(ctx, "trial started on existing customer",
			slog.String("customer_id", existing.ID))
		return trialStartedResponse(now), nil
	}

	created, err := e.provider.CreateCustomer(ctx, email, "", NewTrialMetadata(now))
	if err != nil {
		return nil, fmt.Errorf("start trial: %w", err)
	}

	e.logger.InfoContext(ctx, "trial started",
		slog.String("customer_id", created.ID))
	span.SetAttributes(attribute.String("customer_id", created.ID))

	return trialStartedResponse(now), nil
}

func trialStartedResponse(now time.Time) *domain.StartTrialResponse {
	return &domain.StartTrialResponse{
		Success:    true,
		ValidUntil: formatTime(now.Add(TrialDuration)),
		MaxDevices: DefaultMaxDevices,
		Message:    "Your 14-day free trial has started!",
	}
}

// Validate decides entitlement for email on machineID, enforces the device
// ceiling, refreshes last_validated and issues a fresh offline token on
// success. Business rejections are ordinary responses, never errors.
func (e *Engine) Validate(ctx context.Context, email, machineID string) (*domain.ValidateResponse, error) {
	ctx, span := e.tracer.Start(ctx, "license.Validate")
	defer span.End()

	email = NormalizeEmail(email)
	machineID = strings.TrimSpace(machineID)
	now := e.now()

	customer, err := e.provider.FindCustomerByEmail(ctx, email)
	if err == billing.ErrCustomerNotFound {
		return &domain.ValidateResponse{
			Reason:  domain.ReasonNoLicense,
			Message: "No license found. Please start a free trial first.",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	span.SetAttributes(attribute.String("customer_id", customer.ID))

	lock := e.accountLock(customer.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so the read-modify-write below starts from the
	// latest snapshot.
	customer, err = e.provider.GetCustomer(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	account := ParseAccount(customer.Metadata)

	subs, err := e.provider.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	status := account.Status
	tier := account.Tier
	var validUntil string

	if active := activeSubscription(subs); active != nil {
		// A live subscription always wins over trial metadata.
		status = domain.StatusActive
		tier = active.Metadata[keyTier]
		if tier == "" {
			tier = TierPro
		}
	} else if account.Status == domain.StatusTrial {
		if !account.TrialValid(now) {
			e.logger.InfoContext(ctx, "validation rejected, trial expired",
				slog.String("customer_id", customer.ID),
				slog.Time("expired_at", account.TrialValidUntil))
			return &domain.ValidateResponse{
				Reason:    domain.ReasonTrialExpired,
				ExpiredAt: formatTime(account.TrialValidUntil),
				Message:   "Your trial has expired. Please subscribe to continue.",
			}, nil
		}
		validUntil = formatTime(account.TrialValidUntil)
	} else {
		return &domain.ValidateResponse{
			Reason:  domain.ReasonNoActiveLicense,
			Message: "No active license. Please subscribe or start a trial.",
		}, nil
	}

	machineIDs := account.MachineIDs
	if !account.HasDevice(machineID) {
		if len(machineIDs) >= account.MaxDevices {
			e.logger.WarnContext(ctx, "device limit reached",
				slog.String("customer_id", customer.ID),
				slog.Int("devices_used", len(machineIDs)),
				slog.Int("max_devices", account.MaxDevices))
			return &domain.ValidateResponse{
				Reason:      domain.ReasonMaxDevicesReached,
				Message:     fmt.Sprintf("Device limit reached (%d devices). Please deactivate a device first.", account.MaxDevices),
				DevicesUsed: len(machineIDs),
				MaxDevices:  account.MaxDevices,
			}, nil
		}

		machineIDs = append(machineIDs, machineID)
		merged := billing.MergeMetadata(customer.Metadata, map[string]string{
			keyMachineIDs:    encodeMachineIDs(machineIDs),
			keyLastValidated: formatTime(now),
		})
		if _, err := e.provider.UpdateCustomerMetadata(ctx, customer.ID, merged); err != nil {
			return nil, fmt.Errorf("validate: register device: %w", err)
		}
		e.logger.InfoContext(ctx, "device registered",
			slog.String("customer_id", customer.ID),
			slog.String("machine_id_prefix", machineID[:8]),
			slog.Int("devices_used", len(machineIDs)))
	} else {
		merged := billing.MergeMetadata(customer.Metadata, map[string]string{
			keyLastValidated: formatTime(now),
		})
		if _, err := e.provider.UpdateCustomerMetadata(ctx, customer.ID, merged); err != nil {
			return nil, fmt.Errorf("validate: refresh device: %w", err)
		}
	}

	expiresAt := now.Add(token.OfflineGracePeriod)
	offlineToken, err := token.Issue(token.Claims{
		Email:      email,
		CustomerID: customer.ID,
		Status:     status,
		Tier:       tier,
		MachineID:  machineID,
		ExpiresAt:  expiresAt.Unix(),
	}, e.tokenSecret)
	if err != nil {
		return nil, fmt.Errorf("validate: issue token: %w", err)
	}

	return &domain.ValidateResponse{
		Valid: true,
		License: &domain.License{
			Email:       email,
			Status:      status,
			Tier:        tier,
			ValidUntil:  validUntil,
			DevicesUsed: len(machineIDs),
			MaxDevices:  account.MaxDevices,
		},
		OfflineToken:      offlineToken,
		OfflineValidUntil: formatTime(expiresAt),
	}, nil
}

// LicenseInfo returns the current license snapshot without mutating
// anything; a miss is reported as found:false, not an error.
func (e *Engine) LicenseInfo(ctx context.Context, email string) (*domain.LicenseInfoResponse, error) {
	ctx, span := e.tracer.Start(ctx, "license.LicenseInfo")
	defer span.End()

	email = NormalizeEmail(email)

	customer, err := e.provider.FindCustomerByEmail(ctx, email)
	if err == billing.ErrCustomerNotFound {
		return &domain.LicenseInfoResponse{Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("license info: %w", err)
	}

	subs, err := e.provider.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("license info: %w", err)
	}

	account := ParseAccount(customer.Metadata)
	status := account.Status
	tier := account.Tier
	var validUntil string

	if active := activeSubscription(subs); active != nil {
		status = domain.StatusActive
		tier = active.Metadata[keyTier]
		if tier == "" {
			tier = TierPro
		}
	} else if account.Status == domain.StatusTrial {
		validUntil = formatTime(account.TrialValidUntil)
	}

	return &domain.LicenseInfoResponse{
		Found: true,
		License: &domain.License{
			Email:       email,
			Status:      status,
			Tier:        tier,
			ValidUntil:  validUntil,
			DevicesUsed: len(account.MachineIDs),
			MaxDevices:  account.MaxDevices,
			CreatedAt:   customer.Metadata[keyTrialCreatedAt],
		},
	}, nil
}

// Devices lists the machine identifiers registered to the account.
func (e *Engine) Devices(ctx context.Context, email string) (*domain.DevicesResponse, error) {
	email = NormalizeEmail(email)

	customer, err := e.provider.FindCustomerByEmail(ctx, email)
	if err == billing.ErrCustomerNotFound {
		return &domain.DevicesResponse{Reason: domain.ReasonNoLicense}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}

	account := ParseAccount(customer.Metadata)
	devices := account.MachineIDs
	if devices == nil {
		devices = []string{}
	}
	return &domain.DevicesResponse{
		Found:       true,
		Devices:     devices,
		DevicesUsed: len(devices),
		MaxDevices:  account.MaxDevices,
	}, nil
}

// DeactivateDevice removes machineID from the account's device list,
// freeing a seat for another machine.
func (e *Engine) DeactivateDevice(ctx context.Context, email, machineID string) (*domain.DeactivateDeviceResponse, error) {
	ctx, span := e.tracer.Start(ctx, "license.DeactivateDevice")
	defer span.End()

	email = NormalizeEmail(email)
	machineID = strings.TrimSpace(machineID)

	customer, err := e.provider.FindCustomerByEmail(ctx, email)
	if err == billing.ErrCustomerNotFound {
		return &domain.DeactivateDeviceResponse{Reason: domain.ReasonNoLicense}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deactivate device: %w", err)
	}

	lock := e.accountLock(customer.ID)
	lock.Lock()
	defer lock.Unlock()

	customer, err = e.provider.GetCustomer(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("deactivate device: %w", err)
	}
	account := ParseAccount(customer.Metadata)

	if !account.HasDevice(machineID) {
		return &domain.DeactivateDeviceResponse{
			Reason:      domain.ReasonDeviceNotFound,
			Message:     "This device is not registered to your account.",
			DevicesUsed: len(account.MachineIDs),
			MaxDevices:  account.MaxDevices,
		}, nil
	}

	remaining := make([]string, 0, len(account.MachineIDs)-1)
	for _, id := range account.MachineIDs {
		if id != machineID {
			remaining = append(remaining, id)
		}
	}

	merged := billing.MergeMetadata(customer.Metadata, map[string]string{
		keyMachineIDs: encodeMachineIDs(remaining),
	})
	if _, err := e.provider.UpdateCustomerMetadata(ctx, customer.ID, merged); err != nil {
		return nil, fmt.Errorf("deactivate device: %w", err)
	}

	e.logger.InfoContext(ctx, "device deactivated",
		slog.String("customer_id", customer.ID),
		slog.Int("devices_used", len(remaining)))

	return &domain.DeactivateDeviceResponse{
		Success:     true,
		Message:     "Device deactivated.",
		DevicesUsed: len(remaining),
		MaxDevices:  account.MaxDevices,
	}, nil
}

// PauseSubscription suspends billing collection while the customer has no
// active work. Pausing an already-paused subscription reports success.
func (e *Engine) PauseSubscription(ctx context.Context, email string) (*domain.SubscriptionPauseResponse, error) {
	email = NormalizeEmail(email)
	now := e.now()

	customer, err := e.provider.FindCustomerByEmail(ctx, email)
	if err == billing.ErrCustomerNotFound {
		return &domain.SubscriptionPauseResponse{Reason: domain.ReasonNoLicense}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pause subscription: %w", err)
	}

	subs, err := e.provider.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("pause subscription: %w", err)
	}

	var target *billing.Subscription
	for i := range subs {
		if subs[i].Status == "active" || subs[i].Status == "trialing" {
			target = &subs[i]
			break
		}
	}
	if target == nil {
		return &domain.SubscriptionPauseResponse{
			Reason:  domain.ReasonNoSubscription,
			Message: "No subscription to pause.",
		}, nil
	}

	if target.Paused {
		return &domain.SubscriptionPauseResponse{
			Success:  true,
			Message:  "Subscription is already paused.",
			PausedAt: target.Metadata["paused_at"],
		}, nil
	}

	if err := e.provider.PauseSubscription(ctx, target.ID); err != nil {
		return nil, fmt.Errorf("pause subscription: %w", err)
	}
	merged := billing.MergeMetadata(target.Metadata, map[string]string{
		"paused_at": formatTime(now),
	})
	if err := e.provider.UpdateSubscriptionMetadata(ctx, target.ID, merged); err != nil {
		return nil, fmt.Errorf("pause subscription: %w", err)
	}

	e.logger.InfoContext(ctx, "subscription paused",
		slog.String("customer_id", customer.ID),
		slog.String("subscription_id", target.ID))

	return &domain.SubscriptionPauseResponse{
		Success:  true,
		Message:  "Subscription paused. You won't be charged until you resume.",
		PausedAt: formatTime(now),
	}, nil
}

// ResumeSubscription restores billing collection.
func (e *Engine) ResumeSubscription(ctx context.Context, email string) (*domain.SubscriptionPauseResponse, error) {
	email = NormalizeEmail(email)
	now := e.now()

	customer, err := e.provider.FindCustomerByEmail(ctx, email)
	if err == billing.ErrCustomerNotFound {
		return &domain.SubscriptionPauseResponse{Reason: domain.ReasonNoLicense}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume subscription: %w", err)
	}

	subs, err := e.provider.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("resume subscription: %w", err)
	}
	if len(subs) == 0 {
		return &domain.SubscriptionPauseResponse{
			Reason:  domain.ReasonNoSubscription,
			Message: "No subscription to resume.",
		}, nil
	}

	var target *billing.Subscription
	for i := range subs {
		if subs[i].Paused {
			target = &subs[i]
			break
		}
	}
	if target == nil {
		return &domain.SubscriptionPauseResponse{
			Success: true,
			Message: "Subscription is not paused.",
		}, nil
	}

	if err := e.provider.ResumeSubscription(ctx, target.ID); err != nil {
		return nil, fmt.Errorf("resume subscription: %w", err)
	}
	merged := billing.MergeMetadata(target.Metadata, map[string]string{
		"resumed_at": formatTime(now),
	})
	if err := e.provider.UpdateSubscriptionMetadata(ctx, target.ID, merged); err != nil {
		return nil, fmt.Errorf("resume subscription: %w", err)
	}

	e.logger.InfoContext(ctx, "subscription resumed",
		slog.String("customer_id", customer.ID),
		slog.String("subscription_id", target.ID))

	return &domain.SubscriptionPauseResponse{
		Success:   true,
		Message:   "Subscription resumed. Welcome back!",
		ResumedAt: formatTime(now),
	}, nil
}

// ValidMachineID reports whether the device identifier is well-formed. One
// canonical rule applies everywhere: the strict hex-digest format.
func ValidMachineID(machineID string) bool {
	return identity.IsValidMachineID(strings.TrimSpace(machineID))
}

func activeSubscription(subs []billing.Subscription) *billing.Subscription {
	for i := range subs {
		if subs[i].Active() {
			return &subs[i]
		}
	}
	return nil
}

func hasActiveSubscription(subs []billing.Subscription) bool {
	return activeSubscription(subs) != nil
}
