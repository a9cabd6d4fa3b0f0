// Package domain contains the wire-level contract types shared by the
// license server, the desktop client SDK and their tests. These types are
// the single source of truth for the JSON shapes on the API surface.
package domain

// License lifecycle statuses as stored in billing-provider metadata.
const (
	StatusTrial     = "trial"
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusInactive  = "inactive"
)

// Machine-readable reason codes returned on business rejections. Callers
// branch on these, not on HTTP status alone.
const (
	ReasonNoLicense         = "NO_LICENSE"
	ReasonTrialExpired      = "TRIAL_EXPIRED"
	ReasonNoActiveLicense   = "NO_ACTIVE_LICENSE"
	ReasonMaxDevicesReached = "MAX_DEVICES_REACHED"
	ReasonDeviceNotFound    = "DEVICE_NOT_FOUND"
	ReasonNoSubscription    = "NO_SUBSCRIPTION"
	ReasonInvalidEmail      = "INVALID_EMAIL"
	ReasonInvalidMachineID  = "INVALID_MACHINE_ID"
	ReasonServerError       = "SERVER_ERROR"
)

// StartTrialRequest begins a free trial for an email identity.
type StartTrialRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// StartTrialResponse reports the trial outcome. AlreadyExists distinguishes
// a repeat call from a fresh trial.
type StartTrialResponse struct {
	Success       bool   `json:"success"`
	AlreadyExists bool   `json:"already_exists,omitempty"`
	ValidUntil    string `json:"valid_until,omitempty"`
	MaxDevices    int    `json:"max_devices,omitempty"`
	Error         string `json:"error,omitempty"`
	ExpiredAt     string `json:"expired_at,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ValidateRequest checks entitlement for an email on a specific device.
type ValidateRequest struct {
	Email     string `json:"email" validate:"required,email"`
	MachineID string `json:"machine_id" validate:"required"`
}

// ValidateResponse is the entitlement decision. On success License is set
// and a fresh offline token is attached; on business rejection Reason names
// the cause and the device counters are populated where relevant.
type ValidateResponse struct {
	Valid             bool     `json:"valid"`
	Reason            string   `json:"reason,omitempty"`
	Message           string   `json:"message,omitempty"`
	ExpiredAt         string   `json:"expired_at,omitempty"`
	DevicesUsed       int      `json:"devices_used,omitempty"`
	MaxDevices        int      `json:"max_devices,omitempty"`
	License           *License `json:"license,omitempty"`
	OfflineToken      string   `json:"offline_token,omitempty"`
	OfflineValidUntil string   `json:"offline_valid_until,omitempty"`
}

// License is the client-facing license snapshot.
type License struct {
	Email       string `json:"email"`
	Status      string `json:"status"`
	Tier        string `json:"tier"`
	ValidUntil  string `json:"valid_until,omitempty"`
	DevicesUsed int    `json:"devices_used"`
	MaxDevices  int    `json:"max_devices"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// LicenseInfoRequest looks up the license snapshot for an email.
type LicenseInfoRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// LicenseInfoResponse wraps the snapshot; Found is false on a miss.
type LicenseInfoResponse struct {
	Found   bool     `json:"found"`
	License *License `json:"license,omitempty"`
}

// ReferralStatsRequest fetches referral counters for an email.
type ReferralStatsRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ReferralStatsResponse reports the referral counters. CreditsEarned is in
// whole currency units.
type ReferralStatsResponse struct {
	TotalReferrals int    `json:"total_referrals"`
	ReferralCode   string `json:"referral_code"`
	CreditsEarned  int    `json:"credits_earned"`
}

// DevicesRequest lists the devices registered to an email.
type DevicesRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// DevicesResponse lists registered machine identifiers.
type DevicesResponse struct {
	Found       bool     `json:"found"`
	Reason      string   `json:"reason,omitempty"`
	Devices     []string `json:"devices"`
	DevicesUsed int      `json:"devices_used"`
	MaxDevices  int      `json:"max_devices"`
}

// DeactivateDeviceRequest removes one device from the registered list,
// freeing a seat.
type DeactivateDeviceRequest struct {
	Email     string `json:"email" validate:"required,email"`
	MachineID string `json:"machine_id" validate:"required"`
}

// DeactivateDeviceResponse reports the updated device counters.
type DeactivateDeviceResponse struct {
	Success     bool   `json:"success"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
	DevicesUsed int    `json:"devices_used"`
	MaxDevices  int    `json:"max_devices"`
}

// SubscriptionPauseRequest pauses or resumes billing for an email's
// subscription.
type SubscriptionPauseRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// SubscriptionPauseResponse reports the pause/resume outcome.
type SubscriptionPauseResponse struct {
	Success   bool   `json:"success"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	PausedAt  string `json:"paused_at,omitempty"`
	ResumedAt string `json:"resumed_at,omitempty"`
}

// WebhookAck acknowledges a processed billing event.
type WebhookAck struct {
	Received bool `json:"received"`
}

// HealthResponse is the liveness probe payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}
