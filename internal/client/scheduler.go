package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gigdesk/internal/identity"
	"gigdesk/internal/token"
	"gigdesk/pkg/contracts/domain"
)

// RevalidationInterval is how long a successful online validation holds
// before the scheduler goes online again.
const RevalidationInterval = 24 * time.Hour

// ErrReconnectRequired means no cached entitlement can carry the session:
// the app must reach the server before continuing.
var ErrReconnectRequired = errors.New("client: revalidation required but server unreachable and no valid offline token")

// CheckResult is the scheduler's entitlement decision.
type CheckResult struct {
	Valid       bool
	OfflineMode bool
	Reason      string
	Message     string
	License     *domain.License
}

// OfflineStatus describes the remaining offline window.
type OfflineStatus struct {
	Active    bool
	ExpiresAt time.Time
	DaysLeft  int
	HoursLeft int
}

// Scheduler decides when a validation round-trip is due and falls back to
// the cached offline token when the server is unreachable.
type Scheduler struct {
	store    *Store
	api      *APIClient
	identity *identity.Generator
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler creates a revalidation scheduler.
func NewScheduler(store *Store, api *APIClient, gen *identity.Generator, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		api:      api,
		identity: gen,
		logger:   logger,
		now:      time.Now,
	}
}

// NeedsRevalidation reports whether an online validation is due for email:
// no recorded validation, a different email than last time, or the last
// validation older than the interval.
func (s *Scheduler) NeedsRevalidation(email string) bool {
	storedEmail, err := s.store.Get(KeyUserEmail)
	if err != nil || storedEmail != email {
		return true
	}

	lastRaw, err := s.store.Get(KeyLastValidation)
	if err != nil {
		return true
	}
	last, err := time.Parse(time.RFC3339, lastRaw)
	if err != nil {
		return true
	}

	return s.now().Sub(last) > RevalidationInterval
}

// CheckSubscription runs the full entitlement check for email on this
// machine. When a validation is not due and the cached token is still
// good, no network traffic happens. When the server is unreachable, an
// unexpired cached token carries the session in offline mode; without one
// the check fails with ErrReconnectRequired.
func (s *Scheduler) CheckSubscription(ctx context.Context, email string) (*CheckResult, error) {
	if !s.NeedsRevalidation(email) {
		if result := s.cachedResult(); result != nil {
			return result, nil
		}
	}

	machineID, err := s.identity.MachineID(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: machine identity: %w", err)
	}

	resp, err := s.api.Validate(ctx, email, machineID)
	if err != nil {
		s.logger.WarnContext(ctx, "online validation unreachable, checking offline token",
			slog.String("error", err.Error()))
		return s.offlineFallback(ctx)
	}

	if !resp.Valid {
		// A definitive server rejection clears the cached entitlement.
		s.clearEntitlement()
		return &CheckResult{
			Valid:   false,
			Reason:  resp.Reason,
			Message: resp.Message,
		}, nil
	}

	s.storeValidation(ctx, email, machineID, resp)
	return &CheckResult{
		Valid:   true,
		License: resp.License,
	}, nil
}

// cachedResult returns a result from the stored license snapshot when the
// offline token has not expired, or nil to force an online round-trip.
func (s *Scheduler) cachedResult() *CheckResult {
	tok, err := s.store.Get(KeyAuthToken)
	if err != nil {
		return nil
	}

	decoded := token.Decode(tok, s.now())
	if !decoded.Valid {
		return nil
	}

	result := &CheckResult{Valid: true}
	if raw, err := s.store.Get(KeyLicenseData); err == nil {
		var lic domain.License
		if err := json.Unmarshal([]byte(raw), &lic); err == nil {
			result.License = &lic
		}
	}
	return result
}

// offlineFallback decides entitlement from the cached token after a
// network failure.
func (s *Scheduler) offlineFallback(ctx context.Context) (*CheckResult, error) {
	tok, err := s.store.Get(KeyAuthToken)
	if err != nil {
		return nil, ErrReconnectRequired
	}

	decoded := token.Decode(tok, s.now())
	if !decoded.Valid {
		return nil, ErrReconnectRequired
	}

	status := s.offlineStatusFromClaims(decoded.Claims)
	s.logger.InfoContext(ctx, "running in offline mode",
		slog.Int("days_left", status.DaysLeft),
		slog.Int("hours_left", status.HoursLeft))

	result := &CheckResult{
		Valid:       true,
		OfflineMode: true,
		Message: fmt.Sprintf("Offline mode: %d day(s) %d hour(s) of grace remaining",
			status.DaysLeft, status.HoursLeft),
	}
	if raw, err := s.store.Get(KeyLicenseData); err == nil {
		var lic domain.License
		if err := json.Unmarshal([]byte(raw), &lic); err == nil {
			result.License = &lic
		}
	}
	return result, nil
}

// OfflineStatus reports the remaining offline grace window from the
// cached token.
func (s *Scheduler) OfflineStatus() OfflineStatus {
	tok, err := s.store.Get(KeyAuthToken)
	if err != nil {
		return OfflineStatus{}
	}

	decoded := token.Decode(tok, s.now())
	if !decoded.Valid {
		return OfflineStatus{}
	}
	return s.offlineStatusFromClaims(decoded.Claims)
}

func (s *Scheduler) offlineStatusFromClaims(claims *token.Claims) OfflineStatus {
	expiresAt := time.Unix(claims.ExpiresAt, 0).UTC()
	remaining := expiresAt.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	return OfflineStatus{
		Active:    remaining > 0,
		ExpiresAt: expiresAt,
		DaysLeft:  int(remaining / (24 * time.Hour)),
		HoursLeft: int(remaining % (24 * time.Hour) / time.Hour),
	}
}

// CheckDrift compares the stored machine components against the current
// hardware and reports how far the fingerprint has moved.
func (s *Scheduler) CheckDrift(ctx context.Context) (*identity.DriftReport, error) {
	raw, err := s.store.Get(KeyMachineComponents)
	if err != nil {
		return &identity.DriftReport{}, nil
	}

	var cached identity.Components
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return &identity.DriftReport{}, nil
	}

	current, err := s.identity.Fingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: fingerprint: %w", err)
	}

	report := identity.DetectDrift(cached, current.Components)
	return &report, nil
}

func (s *Scheduler) storeValidation(ctx context.Context, email, machineID string, resp *domain.ValidateResponse) {
	now := s.now().UTC().Format(time.RFC3339)

	set := func(key, value string) {
		if err := s.store.Set(key, value); err != nil {
			s.logger.WarnContext(ctx, "failed to persist validation state",
				slog.String("key", key),
				slog.String("error", err.Error()))
		}
	}

	set(KeyUserEmail, email)
	set(KeyMachineID, machineID)
	set(KeyLastValidation, now)
	if resp.OfflineToken != "" {
		set(KeyAuthToken, resp.OfflineToken)
		set(KeyTokenExpiry, resp.OfflineValidUntil)
	}
	if resp.License != nil {
		if raw, err := json.Marshal(resp.License); err == nil {
			set(KeyLicenseData, string(raw))
		}
	}

	if fp, err := s.identity.Fingerprint(ctx); err == nil {
		if raw, err := json.Marshal(fp.Components); err == nil {
			set(KeyMachineComponents, string(raw))
		}
	}
}

func (s *Scheduler) clearEntitlement() {
	for _, key := range []string{KeyAuthToken, KeyTokenExpiry, KeyLicenseData, KeyLastValidation} {
		_ = s.store.Delete(key)
	}
}
