// Package session issues and verifies the opaque bearer tokens that
// authenticate WebSocket sessions and REST calls. The format is
// intentionally not JWT: two base64url segments, payload then HMAC-SHA256
// signature, with no header segment and no alg-negotiation surface.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedToken = errors.New("session: malformed token")
	ErrBadSignature   = errors.New("session: bad token signature")
	ErrExpiredToken   = errors.New("session: token expired")
)

// Claims is the signed payload. UserID is the only identity the rest of
// the system trusts; everything downstream (Authorizer, Store) re-checks
// authorization rather than trusting anything else carried in the token.
type Claims struct {
	UserID    uint64    `json:"user_id"`
	Email     string    `json:"email"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Verifier issues and verifies opaque bearer tokens signed with a shared
// secret. The zero value is not usable; construct with NewVerifier.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier builds a Verifier. ttl is the lifetime given to tokens
// minted by Issue; it has no bearing on Verify, which always honors
// whatever ExpiresAt is encoded in the token.
func NewVerifier(secret []byte, ttl time.Duration) *Verifier {
	return &Verifier{secret: secret, ttl: ttl}
}

// Issue mints a token for userID/email, valid from now for the Verifier's
// default TTL (12h per deployment convention, configured by the caller).
func (v *Verifier) Issue(userID uint64, email string, now time.Time) (string, error) {
	claims := Claims{UserID: userID, Email: email, IssuedAt: now, ExpiresAt: now.Add(v.ttl)}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("session: marshal claims: %w", err)
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	sig := v.sign(encodedPayload)
	return encodedPayload + "." + sig, nil
}

// Verify parses and validates token, returning the enclosed Claims if the
// signature matches and the token has not expired as of now.
func (v *Verifier) Verify(token string, now time.Time) (*Claims, error) {
	segments := splitOnce(token, '.')
	if segments == nil {
		return nil, ErrMalformedToken
	}
	encodedPayload, sig := segments[0], segments[1]

	expected := v.sign(encodedPayload)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return nil, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, ErrMalformedToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrMalformedToken
	}
	if now.After(claims.ExpiresAt) {
		return nil, ErrExpiredToken
	}
	return &claims, nil
}

func (v *Verifier) sign(encodedPayload string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// splitOnce splits s on the first occurrence of sep into exactly two
// segments, or returns nil if sep doesn't occur exactly once as expected
// (zero or more than one dot is malformed).
func splitOnce(s string, sep byte) []string {
	idx := -1
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if idx != -1 {
				return nil // more than one separator
			}
			idx = i
		}
	}
	if idx <= 0 || idx == len(s)-1 {
		return nil
	}
	return []string{s[:idx], s[idx+1:]}
}
