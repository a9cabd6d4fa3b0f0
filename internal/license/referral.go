package license

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gigdesk/internal/billing"
	"gigdesk/pkg/contracts/domain"
)

// Referral bonus policy: a fixed bidirectional invoice credit, granted once
// per referred subscription when it first reaches active status.
const (
	ReferralBonusCents    = -900
	ReferralBonusCurrency = "eur"
	ReferralBonusEuros    = 9

	referralCodeLength = 10
)

// Subscription metadata keys for referral bookkeeping. bonus_state is the
// saga marker; the legacy bonus_granted flag is still written and respected
// so records created before the state field exist keep their guarantee.
const (
	keyReferredByEmail      = "referred_by_email"
	keyReferralBonusState   = "referral_bonus_state"
	keyReferralBonusGranted = "referral_bonus_granted"
	keyReferralBonusDate    = "referral_bonus_date"
	keyTotalReferrals       = "total_referrals"
	keyLastReferralDate     = "last_referral_date"
)

// Saga states for the bonus grant.
const (
	bonusStatePending = "pending"
	bonusStateGranted = "granted"
)

// ReferralCode derives the shareable code for an email: base64 of the
// normalized address, truncated and upper-cased. Reversible by design, it
// only needs to be stable, not secret.
func ReferralCode(email string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(NormalizeEmail(email)))
	if len(encoded) > referralCodeLength {
		encoded = encoded[:referralCodeLength]
	}
	return strings.ToUpper(encoded)
}

// ReferralStats reports the referral counters for an email. A missing
// account still gets its referral code so share links work pre-signup.
func (e *Engine) ReferralStats(ctx context.Context, email string) (*domain.ReferralStatsResponse, error) {
	email = NormalizeEmail(email)

	stats := &domain.ReferralStatsResponse{
		ReferralCode: ReferralCode(email),
	}

	customer, err := e.provider.FindCustomerByEmail(ctx, email)
	if err == billing.ErrCustomerNotFound {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}

	subs, err := e.provider.ListSubscriptions(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}

	if sub := activeSubscription(subs); sub != nil {
		stats.TotalReferrals, _ = strconv.Atoi(sub.Metadata[keyTotalReferrals])
	} else if len(subs) > 0 {
		stats.TotalReferrals, _ = strconv.Atoi(subs[0].Metadata[keyTotalReferrals])
	}
	stats.CreditsEarned = stats.TotalReferrals * ReferralBonusEuros

	return stats, nil
}

// GrantReferralBonus runs the bonus saga for a subscription that just
// reported active status. It is invoked from the webhook reconciler and
// must tolerate redelivery: a granted marker makes the whole call a no-op,
// a pending marker resumes an interrupted grant.
//
// The saga is not atomic. A crash after the credits but before the granted
// marker leaves the subscription pending; the resume then re-issues the
// credits, trading a possible duplicate in that narrow window for never
// silently skipping a grant.
func (e *Engine) GrantReferralBonus(ctx context.Context, sub billing.Subscription) error {
	if NormalizeEmail(sub.Metadata[keyReferredByEmail]) == "" {
		return nil
	}
	if sub.Status != "active" {
		// Withheld until the referred trial converts to a paid subscription.
		return nil
	}

	lock := e.accountLock(sub.CustomerID)
	lock.Lock()
	defer lock.Unlock()

	// The event carries the metadata as it was at delivery time, and the
	// provider retries with the identical payload, so a redelivered event
	// still shows the pre-grant snapshot. The guards must run against the
	// subscription's current metadata.
	metadata, err := e.refreshSubscriptionMetadata(ctx, sub)
	if err != nil {
		return err
	}

	referredBy := NormalizeEmail(metadata[keyReferredByEmail])
	if referredBy == "" {
		return nil
	}
	if metadata[keyReferralBonusGranted] == "true" ||
		metadata[keyReferralBonusState] == bonusStateGranted {
		e.logger.DebugContext(ctx, "referral bonus already granted",
			slog.String("subscription_id", sub.ID))
		return nil
	}

	if metadata[keyReferralBonusState] != bonusStatePending {
		metadata = billing.MergeMetadata(metadata, map[string]string{
			keyReferralBonusState: bonusStatePending,
		})
		if err := e.provider.UpdateSubscriptionMetadata(ctx, sub.ID, metadata); err != nil {
			return fmt.Errorf("referral bonus: mark pending: %w", err)
		}
	}

	referrer, err := e.provider.FindCustomerByEmail(ctx, referredBy)
	if err == billing.ErrCustomerNotFound {
		e.logger.WarnContext(ctx, "referrer not found, bonus skipped",
			slog.String("subscription_id", sub.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("referral bonus: find referrer: %w", err)
	}

	if err := e.provider.CreateCredit(ctx, referrer.ID, ReferralBonusCents, ReferralBonusCurrency,
		"Referral bonus: a friend subscribed"); err != nil {
		return fmt.Errorf("referral bonus: credit referrer: %w", err)
	}
	if err := e.provider.CreateCredit(ctx, sub.CustomerID, ReferralBonusCents, ReferralBonusCurrency,
		"Welcome bonus: you were referred"); err != nil {
		return fmt.Errorf("referral bonus: credit subscriber: %w", err)
	}

	if err := e.bumpReferrerCounter(ctx, referrer.ID); err != nil {
		return err
	}

	granted := billing.MergeMetadata(metadata, map[string]string{
		keyReferralBonusState:   bonusStateGranted,
		keyReferralBonusGranted: "true",
		keyReferralBonusDate:    formatTime(e.now()),
	})
	if err := e.provider.UpdateSubscriptionMetadata(ctx, sub.ID, granted); err != nil {
		return fmt.Errorf("referral bonus: mark granted: %w", err)
	}

	e.logger.InfoContext(ctx, "referral bonus granted",
		slog.String("subscription_id", sub.ID),
		slog.String("referrer_id", referrer.ID))
	return nil
}

// refreshSubscriptionMetadata reads the subscription's current metadata from
// the provider. When the subscription no longer appears in the listing the
// event payload is the best information available.
func (e *Engine) refreshSubscriptionMetadata(ctx context.Context, sub billing.Subscription) (map[string]string, error) {
	subs, err := e.provider.ListSubscriptions(ctx, sub.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("referral bonus: refresh subscription: %w", err)
	}
	for _, candidate := range subs {
		if candidate.ID == sub.ID {
			return candidate.Metadata, nil
		}
	}
	return sub.Metadata, nil
}

func (e *Engine) bumpReferrerCounter(ctx context.Context, referrerID string) error {
	subs, err := e.provider.ListSubscriptions(ctx, referrerID)
	if err != nil {
		return fmt.Errorf("referral bonus: list referrer subscriptions: %w", err)
	}
	target := activeSubscription(subs)
	if target == nil {
		// Referrer has no live subscription to hang the counter on; the
		// credits stand on their own.
		return nil
	}

	current, _ := strconv.Atoi(target.Metadata[keyTotalReferrals])
	merged := billing.MergeMetadata(target.Metadata, map[string]string{
		keyTotalReferrals:   strconv.Itoa(current + 1),
		keyLastReferralDate: e.now().UTC().Format(time.RFC3339),
	})
	if err := e.provider.UpdateSubscriptionMetadata(ctx, target.ID, merged); err != nil {
		return fmt.Errorf("referral bonus: update referrer counter: %w", err)
	}
	return nil
}
