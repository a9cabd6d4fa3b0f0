// Package license implements the entitlement authority: the state engine
// deciding trial/active/expired per account, the device-limit ceiling, the
// webhook reconciler mirroring billing lifecycle events, and the referral
// credit protocol. Account state lives entirely in billing-provider customer
// metadata; this package owns the codec for that flat key-value record.
package license

import (
	"encoding/json"
	"strconv"
	"time"

	"gigdesk/pkg/contracts/domain"
)

// Trial and device-limit policy.
const (
	TrialDuration     = 14 * 24 * time.Hour
	DefaultMaxDevices = 3

	TierFree = "free"
	TierPro  = "pro"

	createdViaDesktop = "desktop_app"
)

// Customer metadata keys. The provider's metadata model is flat strings, so
// the device list is serialized JSON text under a single key.
const (
	keyStatus          = "status"
	keyTier            = "tier"
	keyTrialCreatedAt  = "trial_created_at"
	keyTrialValidUntil = "trial_valid_until"
	keyMaxDevices      = "max_devices"
	keyMachineIDs      = "machine_ids"
	keyLastValidated   = "last_validated"
	keySubscriptionID  = "subscription_id"
	keyActivatedAt     = "activated_at"
	keyCancelledAt     = "cancelled_at"
	keyCreatedVia      = "created_via"
)

// Account is the decoded view of a customer's license metadata. Zero values
// mean the key was absent.
type Account struct {
	Status          string
	Tier            string
	TrialCreatedAt  time.Time
	TrialValidUntil time.Time
	MaxDevices      int
	MachineIDs      []string
	LastValidated   time.Time
	SubscriptionID  string
}

// ParseAccount decodes the license fields out of a customer metadata map.
// Unparseable values degrade to their defaults; the map itself is never the
// engine's to own, writes go back through merged metadata updates.
func ParseAccount(metadata map[string]string) Account {
	a := Account{
		Status:         metadata[keyStatus],
		Tier:           metadata[keyTier],
		SubscriptionID: metadata[keySubscriptionID],
		MaxDevices:     DefaultMaxDevices,
		MachineIDs:     decodeMachineIDs(metadata[keyMachineIDs]),
	}
	if a.Status == "" {
		a.Status = domain.StatusInactive
	}
	if a.Tier == "" {
		a.Tier = TierFree
	}
	if n, err := strconv.Atoi(metadata[keyMaxDevices]); err == nil && n > 0 {
		a.MaxDevices = n
	}
	a.TrialCreatedAt = parseTime(metadata[keyTrialCreatedAt])
	a.TrialValidUntil = parseTime(metadata[keyTrialValidUntil])
	a.LastValidated = parseTime(metadata[keyLastValidated])
	return a
}

// HasTrialRecord reports whether a trial was ever started for this account.
func (a Account) HasTrialRecord() bool {
	return !a.TrialCreatedAt.IsZero()
}

// TrialValid reports whether the trial window is still open at now.
func (a Account) TrialValid(now time.Time) bool {
	return a.HasTrialRecord() && now.Before(a.TrialValidUntil)
}

// HasDevice reports whether machineID is already registered.
func (a Account) HasDevice(machineID string) bool {
	for _, id := range a.MachineIDs {
		if id == machineID {
			return true
		}
	}
	return false
}

// NewTrialMetadata builds the metadata written when a trial starts.
func NewTrialMetadata(now time.Time) map[string]string {
	return map[string]string{
		keyStatus:          domain.StatusTrial,
		keyTier:            TierFree,
		keyTrialCreatedAt:  now.UTC().Format(time.RFC3339),
		keyTrialValidUntil: now.Add(TrialDuration).UTC().Format(time.RFC3339),
		keyMaxDevices:      strconv.Itoa(DefaultMaxDevices),
		keyMachineIDs:      encodeMachineIDs(nil),
		keyCreatedVia:      createdViaDesktop,
	}
}

func decodeMachineIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}

func encodeMachineIDs(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
