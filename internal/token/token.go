// Package token implements the compact signed offline token used for the
// 7-day grace period. Tokens are three dot-separated base64url segments
// (header, JSON claims, HMAC-SHA256 signature) issued by the license server
// and decoded — not signature-verified — by the desktop client. The client
// never holds the signing secret; the offline window is a bounded trust
// concession, not a cryptographic proof.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// OfflineGracePeriod is the validity window of an issued token.
const OfflineGracePeriod = 7 * 24 * time.Hour

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrBadSignature   = errors.New("token signature mismatch")
)

// Claims are the entitlement claims carried by an offline token.
type Claims struct {
	Email      string `json:"email"`
	CustomerID string `json:"customer_id"`
	Status     string `json:"status"`
	Tier       string `json:"tier"`
	MachineID  string `json:"machine_id"`
	ExpiresAt  int64  `json:"exp"`
}

// Result is the outcome of a local token check.
type Result struct {
	Valid   bool
	Expired bool
	Claims  *Claims
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

var encodedHeader = encodeSegment(mustJSON(header{Alg: "HS256", Typ: "JWT"}))

// Issue signs claims with the server-held secret and returns the compact
// token string. The expiry must already be set on the claims.
func Issue(claims Claims, secret []byte) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := encodedHeader + "." + encodeSegment(payload)
	return signingInput + "." + encodeSegment(sign(signingInput, secret)), nil
}

// Decode performs the client-side check: structural validity and expiry only.
// The signature segment is required to be present but is not verified here —
// the client has no secret to verify against. Any decode failure yields an
// invalid, non-expired result rather than an error.
func Decode(tok string, now time.Time) Result {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return Result{}
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Result{}
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Result{}
	}

	if claims.ExpiresAt != 0 && claims.ExpiresAt <= now.Unix() {
		return Result{Expired: true, Claims: &claims}
	}

	return Result{Valid: true, Claims: &claims}
}

// VerifySignature checks the HMAC over header.claims. Exercised by the
// issuing side as a sanity property; the desktop client never calls this.
func VerifySignature(tok string, secret []byte) (*Claims, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}

	want := sign(parts[0]+"."+parts[1], secret)
	got, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal(want, got) {
		return nil, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformedToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformedToken
	}
	return &claims, nil
}

func sign(data string, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
