// Package token issues and verifies the access tokens handed out by the
// auth sub-daemon.
//
// Tokens are compact JWS signed with Ed25519 (alg=EdDSA). The private key
// lives only in the auth sub-daemon; the front-end holds the public half and
// can verify without ever being able to mint. Verification deliberately does
// not enforce nbf/exp: the caller classifies valid vs expired itself so it
// can distinguish the two cases.
package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors for token operations.
var (
	ErrInvalidToken       = errors.New("invalid access token")
	ErrTokenSigningFailed = errors.New("failed to sign access token")
	ErrPayloadMissing     = errors.New("access token payload incomplete")
)

// AccessTokenData is the decoded, typed content of a verified access token.
// It is transient: never persisted, only reconstructed from the bearer.
type AccessTokenData struct {
	SessionID uuid.UUID
	Username  string
	NotBefore time.Time
	ExpiresAt time.Time
}

// Valid reports whether the token window contains now.
func (d AccessTokenData) Valid(now time.Time) bool {
	return !now.Before(d.NotBefore) && now.Before(d.ExpiresAt)
}

// claims is the JWT payload: registered sub/nbf/exp plus the session UUID.
type claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id,omitempty"`
}

// Issuer signs access tokens with the private Ed25519 key.
type Issuer struct {
	key ed25519.PrivateKey
}

// NewIssuer creates an Issuer from a private Ed25519 key.
func NewIssuer(key ed25519.PrivateKey) *Issuer {
	return &Issuer{key: key}
}

// Issue signs a compact JWS for the given session window.
func (i *Issuer) Issue(sessionID uuid.UUID, username string, notBefore, expiresAt time.Time) (string, error) {
	c := &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			NotBefore: jwt.NewNumericDate(notBefore),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID.String(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, c).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenSigningFailed, err)
	}
	return signed, nil
}

// Verifier checks access token signatures with the public Ed25519 key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier creates a Verifier from a public Ed25519 key.
func NewVerifier(key ed25519.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify checks the signature and decodes the payload. All four claims must
// be present; a missing one yields ErrPayloadMissing naming the part. Time
// bounds are not enforced here — use AccessTokenData.Valid.
func (v *Verifier) Verify(compact string) (AccessTokenData, error) {
	var c claims
	_, err := jwt.ParseWithClaims(compact, &c,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		// Expiry classification belongs to the caller.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return AccessTokenData{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	switch {
	case c.Subject == "":
		return AccessTokenData{}, fmt.Errorf("%w: sub", ErrPayloadMissing)
	case c.NotBefore == nil:
		return AccessTokenData{}, fmt.Errorf("%w: nbf", ErrPayloadMissing)
	case c.ExpiresAt == nil:
		return AccessTokenData{}, fmt.Errorf("%w: exp", ErrPayloadMissing)
	case c.SessionID == "":
		return AccessTokenData{}, fmt.Errorf("%w: session_id", ErrPayloadMissing)
	}

	sid, err := uuid.Parse(c.SessionID)
	if err != nil {
		return AccessTokenData{}, fmt.Errorf("%w: session_id: %v", ErrInvalidToken, err)
	}

	return AccessTokenData{
		SessionID: sid,
		Username:  c.Subject,
		NotBefore: c.NotBefore.Time.UTC(),
		ExpiresAt: c.ExpiresAt.Time.UTC(),
	}, nil
}
