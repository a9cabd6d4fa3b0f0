package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("unit-test-signing-secret")

func testClaims(exp time.Time) Claims {
	return Claims{
		Email:      "user@example.com",
		CustomerID: "cus_123",
		Status:     "active",
		Tier:       "pro",
		MachineID:  strings.Repeat("ab", 32),
		ExpiresAt:  exp.Unix(),
	}
}

func TestIssueProducesThreeSegments(t *testing.T) {
	tok, err := Issue(testClaims(time.Now().Add(time.Hour)), testSecret)
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.NotEmpty(t, p, "segment %d", i)
		assert.NotContains(t, p, "=", "segments must be unpadded base64url")
		assert.NotContains(t, p, "+")
		assert.NotContains(t, p, "/")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	now := time.Now()
	claims := testClaims(now.Add(OfflineGracePeriod))

	tok, err := Issue(claims, testSecret)
	require.NoError(t, err)

	res := Decode(tok, now)
	require.True(t, res.Valid)
	assert.False(t, res.Expired)
	require.NotNil(t, res.Claims)
	assert.Equal(t, claims, *res.Claims)
}

func TestDecodeExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name        string
		exp         time.Time
		wantValid   bool
		wantExpired bool
	}{
		{name: "future expiry is valid", exp: now.Add(time.Minute), wantValid: true},
		{name: "past expiry is expired", exp: now.Add(-time.Minute), wantExpired: true},
		{name: "boundary counts as expired", exp: now, wantExpired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := Issue(testClaims(tt.exp), testSecret)
			require.NoError(t, err)

			res := Decode(tok, now)
			assert.Equal(t, tt.wantValid, res.Valid)
			assert.Equal(t, tt.wantExpired, res.Expired)
			assert.NotNil(t, res.Claims)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		tok  string
	}{
		{name: "empty", tok: ""},
		{name: "two segments", tok: "aaa.bbb"},
		{name: "four segments", tok: "a.b.c.d"},
		{name: "payload not base64", tok: "aaa.%%%.ccc"},
		{name: "payload not json", tok: "aaa." + encodeSegment([]byte("not json")) + ".ccc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Decode(tt.tok, time.Now())
			assert.False(t, res.Valid)
			assert.False(t, res.Expired)
			assert.Nil(t, res.Claims)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	claims := testClaims(time.Now().Add(time.Hour))
	tok, err := Issue(claims, testSecret)
	require.NoError(t, err)

	got, err := VerifySignature(tok, testSecret)
	require.NoError(t, err)
	assert.Equal(t, claims, *got)
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	tok, err := Issue(testClaims(time.Now().Add(time.Hour)), testSecret)
	require.NoError(t, err)

	_, err = VerifySignature(tok, []byte("a different secret"))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifySignatureTamperedPayload(t *testing.T) {
	tok, err := Issue(testClaims(time.Now().Add(time.Hour)), testSecret)
	require.NoError(t, err)

	tampered := testClaims(time.Now().Add(365 * 24 * time.Hour))
	tampered.Tier = "enterprise"
	forged, err := Issue(tampered, []byte("attacker secret"))
	require.NoError(t, err)

	parts := strings.Split(tok, ".")
	forgedParts := strings.Split(forged, ".")
	spliced := parts[0] + "." + forgedParts[1] + "." + parts[2]

	_, err = VerifySignature(spliced, testSecret)
	assert.ErrorIs(t, err, ErrBadSignature)
}
