package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigdesk/pkg/contracts/domain"
)

func TestStartTrialDecodesExpiredBody(t *testing.T) {
	// An expired trial answers 400 with a meaningful body, not an opaque
	// error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/start-trial", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(domain.StartTrialResponse{ //nolint:errcheck
			Success:   false,
			Error:     "TRIAL_EXPIRED",
			ExpiredAt: "2026-08-01T00:00:00Z",
		})
	}))
	defer server.Close()

	api := NewAPIClient(server.URL, time.Second)
	resp, err := api.StartTrial(context.Background(), "lapsed@example.com")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "TRIAL_EXPIRED", resp.Error)
}

func TestValidateTreats404AsDecision(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(domain.ValidateResponse{ //nolint:errcheck
			Valid:  false,
			Reason: "NO_LICENSE",
		})
	}))
	defer server.Close()

	api := NewAPIClient(server.URL, time.Second)
	resp, err := api.Validate(context.Background(), "ghost@example.com", storeMachineID)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, "NO_LICENSE", resp.Reason)
}

func TestValidateSurfacesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"SERVER_ERROR","message":"An internal error occurred. Please try again."}`)) //nolint:errcheck
	}))
	defer server.Close()

	api := NewAPIClient(server.URL, time.Second)
	_, err := api.Validate(context.Background(), "user@example.com", storeMachineID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_ERROR")
}

func TestReferralStatsUsesQueryParam(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/referral-stats", r.URL.Path)
		require.Equal(t, "friend@example.com", r.URL.Query().Get("email"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.ReferralStatsResponse{ //nolint:errcheck
			TotalReferrals: 3,
			ReferralCode:   "ZNJPZW5KQE",
			CreditsEarned:  27,
		})
	}))
	defer server.Close()

	api := NewAPIClient(server.URL, time.Second)
	resp, err := api.ReferralStats(context.Background(), "friend@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, resp.TotalReferrals)
	assert.Equal(t, 27, resp.CreditsEarned)
}
