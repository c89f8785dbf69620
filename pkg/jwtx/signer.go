package jwtx

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidKey = errors.New("jwtx: invalid signing key")
	ErrBadToken   = errors.New("jwtx: token verification failed")
)

// Signer signs validation claims with Ed25519 (EdDSA).
type Signer struct {
	kid string
	key ed25519.PrivateKey
	pub ed25519.PublicKey
}

// NewSigner loads an Ed25519 private key from PKCS8 PEM bytes.
func NewSigner(kid string, pemKey []byte) (*Signer, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%w: expected PKCS8 PRIVATE KEY PEM", ErrInvalidKey)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an Ed25519 key", ErrInvalidKey)
	}

	return &Signer{
		kid: kid,
		key: key,
		pub: key.Public().(ed25519.PublicKey),
	}, nil
}

// NewEphemeralSigner generates a fresh Ed25519 key pair. Used when no key
// file is configured; signed responses then only verify against the public
// key fetched from this process's lifetime.
func NewEphemeralSigner(kid string) (*Signer, error) {
	pub, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwtx: failed to generate Ed25519 key: %w", err)
	}
	return &Signer{kid: kid, key: key, pub: pub}, nil
}

// KID returns the key identifier embedded in token headers.
func (s *Signer) KID() string { return s.kid }

// Sign produces a compact EdDSA-signed JWT for the claims.
func (s *Signer) Sign(claims ValidationClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = s.kid
	return tok.SignedString(s.key)
}

// Verify parses and verifies a token produced by this signer's key pair.
func (s *Signer) Verify(raw string) (ValidationClaims, error) {
	var claims ValidationClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrBadToken, t.Header["alg"])
		}
		return s.pub, nil
	})
	if err != nil {
		return ValidationClaims{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if !tok.Valid {
		return ValidationClaims{}, ErrBadToken
	}
	return claims, nil
}

// GenerateEd25519PEM generates a new Ed25519 private key in PKCS8 PEM form,
// suitable for writing to the key file named by configuration.
func GenerateEd25519PEM() ([]byte, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwtx: failed to generate Ed25519 key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("jwtx: failed to marshal PKCS8 key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
