// Package jwtx signs ticket validation responses as JWTs. Relying services
// that prefer a verifiable token over a plain JSON payload can request one
// with format=jwt on the validate endpoint and check the signature against
// the server's public key instead of trusting transport alone.
package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ValidationClaims is the signed form of a successful service ticket
// validation. The subject is the principal id and the audience is the
// relying service the ticket was scoped to.
type ValidationClaims struct {
	jwt.RegisteredClaims

	// Attributes carries the principal's released attributes.
	Attributes map[string]string `json:"attributes,omitempty"`

	// AuthnHandler names the upstream handler that verified credentials.
	AuthnHandler string `json:"authn_handler,omitempty"`

	// AuthnTime is when the credentials were verified (unix seconds).
	AuthnTime int64 `json:"authn_time,omitempty"`

	// CredentialClass describes the credential kind presented at login.
	CredentialClass string `json:"credential_class,omitempty"`

	// FromNewLogin is false when the ticket was minted off an existing SSO
	// session rather than a fresh credential presentation.
	FromNewLogin bool `json:"from_new_login"`
}

// NewValidationClaims builds claims for a validated ticket. The ttl bounds
// how long the relying service may treat the assertion as fresh.
func NewValidationClaims(issuer, subject, service string, ttl time.Duration, now time.Time) ValidationClaims {
	return ValidationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{service},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}
