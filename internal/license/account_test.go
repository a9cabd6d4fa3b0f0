package license

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gigdesk/pkg/contracts/domain"
)

func TestParseAccountDefaults(t *testing.T) {
	a := ParseAccount(map[string]string{})

	assert.Equal(t, domain.StatusInactive, a.Status)
	assert.Equal(t, TierFree, a.Tier)
	assert.Equal(t, DefaultMaxDevices, a.MaxDevices)
	assert.Empty(t, a.MachineIDs)
	assert.False(t, a.HasTrialRecord())
}

func TestParseAccountFull(t *testing.T) {
	a := ParseAccount(map[string]string{
		"status":            "trial",
		"tier":              "free",
		"trial_created_at":  "2026-08-01T10:00:00Z",
		"trial_valid_until": "2026-08-15T10:00:00Z",
		"max_devices":       "5",
		"machine_ids":       `["aaa","bbb"]`,
		"last_validated":    "2026-08-10T09:30:00Z",
		"subscription_id":   "sub_1",
	})

	assert.Equal(t, domain.StatusTrial, a.Status)
	assert.Equal(t, 5, a.MaxDevices)
	assert.Equal(t, []string{"aaa", "bbb"}, a.MachineIDs)
	assert.Equal(t, "sub_1", a.SubscriptionID)
	assert.True(t, a.HasTrialRecord())
	assert.True(t, a.TrialValid(time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)))
	assert.False(t, a.TrialValid(time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC)))
	assert.True(t, a.HasDevice("bbb"))
	assert.False(t, a.HasDevice("ccc"))
}

func TestParseAccountCorruptValues(t *testing.T) {
	a := ParseAccount(map[string]string{
		"max_devices":       "not-a-number",
		"machine_ids":       "{broken",
		"trial_valid_until": "yesterday",
	})

	assert.Equal(t, DefaultMaxDevices, a.MaxDevices)
	assert.Empty(t, a.MachineIDs)
	assert.True(t, a.TrialValidUntil.IsZero())
}

func TestNewTrialMetadata(t *testing.T) {
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	md := NewTrialMetadata(now)

	assert.Equal(t, domain.StatusTrial, md["status"])
	assert.Equal(t, TierFree, md["tier"])
	assert.Equal(t, "2026-08-31T12:00:00Z", md["trial_created_at"])
	assert.Equal(t, "2026-09-14T12:00:00Z", md["trial_valid_until"])
	assert.Equal(t, "3", md["max_devices"])
	assert.Equal(t, "[]", md["machine_ids"])
	assert.Equal(t, "desktop_app", md["created_via"])
}

func TestMachineIDsRoundTrip(t *testing.T) {
	assert.Equal(t, "[]", encodeMachineIDs(nil))

	ids := []string{"one", "two"}
	assert.Equal(t, ids, decodeMachineIDs(encodeMachineIDs(ids)))
	assert.Nil(t, decodeMachineIDs(""))
	assert.Nil(t, decodeMachineIDs("not json"))
}
