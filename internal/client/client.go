package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gigdesk/pkg/contracts/domain"
)

// DefaultTimeout bounds a single API call from the desktop app.
const DefaultTimeout = 15 * time.Second

// APIClient is a typed HTTP client for the license API.
type APIClient struct {
	baseURL string
	http    *http.Client
}

// NewAPIClient creates a client for the server at baseURL.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// StartTrial begins a trial for email.
func (c *APIClient) StartTrial(ctx context.Context, email string) (*domain.StartTrialResponse, error) {
	var resp domain.StartTrialResponse
	err := c.post(ctx, "/api/start-trial", domain.StartTrialRequest{Email: email}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate checks entitlement for email on machineID. Business rejections,
// including an unknown account, come back as a response with Valid=false;
// only transport and server failures are errors.
func (c *APIClient) Validate(ctx context.Context, email, machineID string) (*domain.ValidateResponse, error) {
	req := domain.ValidateRequest{Email: email, MachineID: machineID}

	body, status, err := c.do(ctx, http.MethodPost, "/api/validate", req)
	if err != nil {
		return nil, err
	}

	// 404 carries the NO_LICENSE decision body, not an error page.
	if status != http.StatusOK && status != http.StatusNotFound {
		return nil, apiError(status, body)
	}

	var resp domain.ValidateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("client: decode validate response: %w", err)
	}
	return &resp, nil
}

// LicenseInfo fetches the license snapshot for email.
func (c *APIClient) LicenseInfo(ctx context.Context, email string) (*domain.LicenseInfoResponse, error) {
	var resp domain.LicenseInfoResponse
	if err := c.post(ctx, "/api/license-info", domain.LicenseInfoRequest{Email: email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReferralStats fetches referral counters for email.
func (c *APIClient) ReferralStats(ctx context.Context, email string) (*domain.ReferralStatsResponse, error) {
	path := "/api/referral-stats?email=" + url.QueryEscape(email)

	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError(status, body)
	}

	var resp domain.ReferralStatsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("client: decode referral stats: %w", err)
	}
	return &resp, nil
}

// Devices lists the registered devices for email.
func (c *APIClient) Devices(ctx context.Context, email string) (*domain.DevicesResponse, error) {
	var resp domain.DevicesResponse
	if err := c.post(ctx, "/api/devices", domain.DevicesRequest{Email: email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeactivateDevice frees a device seat.
func (c *APIClient) DeactivateDevice(ctx context.Context, email, machineID string) (*domain.DeactivateDeviceResponse, error) {
	var resp domain.DeactivateDeviceResponse
	req := domain.DeactivateDeviceRequest{Email: email, MachineID: machineID}
	if err := c.post(ctx, "/api/deactivate-device", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PauseSubscription pauses billing for email's subscription.
func (c *APIClient) PauseSubscription(ctx context.Context, email string) (*domain.SubscriptionPauseResponse, error) {
	var resp domain.SubscriptionPauseResponse
	if err := c.post(ctx, "/api/pause-subscription", domain.SubscriptionPauseRequest{Email: email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeSubscription resumes billing for email's subscription.
func (c *APIClient) ResumeSubscription(ctx context.Context, email string) (*domain.SubscriptionPauseResponse, error) {
	var resp domain.SubscriptionPauseResponse
	if err := c.post(ctx, "/api/resume-subscription", domain.SubscriptionPauseRequest{Email: email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// post issues a POST and decodes a 200 response into out. start-trial may
// answer 400 with a meaningful body (expired trial), so 400 decodes too.
func (c *APIClient) post(ctx context.Context, path string, reqBody, out any) error {
	body, status, err := c.do(ctx, http.MethodPost, path, reqBody)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusBadRequest {
		return apiError(status, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("client: decode %s response: %w", path, err)
	}
	return nil
}

func (c *APIClient) do(ctx context.Context, method, path string, reqBody any) ([]byte, int, error) {
	var reader io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return nil, 0, fmt.Errorf("client: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("client: build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("client: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("client: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func apiError(status int, body []byte) error {
	var payload struct {
		ErrorCode string `json:"error"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.ErrorCode != "" {
		return fmt.Errorf("client: server returned %d %s: %s", status, payload.ErrorCode, payload.Message)
	}
	return fmt.Errorf("client: server returned %d", status)
}
