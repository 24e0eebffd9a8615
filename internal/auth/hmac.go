package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"lexrelay/pkg/interfaces"
)

// HMACVerifier validates compact HS256 tokens minted by the platform's
// auth service. It implements interfaces.TokenVerifier. Token issuance is
// out of scope; the core only checks signature, structure and expiry.
type HMACVerifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time // injectable for tests
}

// NewHMACVerifier constructs a verifier for the shared secret. Leeway
// absorbs clock skew between the issuing service and this process.
func NewHMACVerifier(secret string, leeway time.Duration) (*HMACVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACVerifier{
		secret: []byte(secret),
		leeway: leeway,
		now:    time.Now,
	}, nil
}

// claims is the minimal JWT payload the handshake needs.
type claims struct {
	Subject   string `json:"sub"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

// Verify checks a header.payload.signature token and returns the subject
// user ID. Returns interfaces.ErrTokenInvalid or interfaces.ErrTokenExpired
// so the server can refuse the connection with the right taxonomy.
func (v *HMACVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", interfaces.ErrTokenInvalid
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", interfaces.ErrTokenInvalid
	}

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return "", interfaces.ErrTokenInvalid
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return "", interfaces.ErrTokenInvalid
	}
	if header.Algorithm != "HS256" {
		return "", fmt.Errorf("%w: unexpected algorithm %q", interfaces.ErrTokenInvalid, header.Algorithm)
	}

	signature, err := decodeSegment(parts[2])
	if err != nil {
		return "", interfaces.ErrTokenInvalid
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return "", interfaces.ErrTokenInvalid
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return "", interfaces.ErrTokenInvalid
	}
	var c claims
	if err := json.Unmarshal(payloadBytes, &c); err != nil {
		return "", interfaces.ErrTokenInvalid
	}
	if c.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", interfaces.ErrTokenInvalid)
	}
	if c.ExpiresAt == 0 {
		return "", fmt.Errorf("%w: missing expiry", interfaces.ErrTokenInvalid)
	}

	expiry := time.Unix(c.ExpiresAt, 0).Add(v.leeway)
	if v.now().After(expiry) {
		return "", interfaces.ErrTokenExpired
	}

	return c.Subject, nil
}

// Sign mints a token for the given user, valid for ttl. Used by tests and
// the admin seed path; production tokens come from the platform auth
// service with the same secret.
func (v *HMACVerifier) Sign(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", interfaces.ErrTokenInvalid
	}

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	now := v.now()
	payloadBytes, err := json.Marshal(claims{
		Subject:   userID,
		ExpiresAt: now.Add(ttl).Unix(),
		IssuedAt:  now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(header + "." + payload))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	return header + "." + payload + "." + signature, nil
}

// decodeSegment accepts both padded and unpadded base64url, matching
// tokens from common JWT libraries.
func decodeSegment(segment string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(segment); err == nil {
		return decoded, nil
	}
	return base64.URLEncoding.DecodeString(segment)
}
