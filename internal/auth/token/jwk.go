package token

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	jose "github.com/go-jose/go-jose/v4"
)

// ErrBadKey is returned when a JWK file does not contain the expected
// Ed25519 key material.
var ErrBadKey = errors.New("unexpected key material in JWK")

// LoadPrivateJWK reads an Ed25519 private key from a JWK file.
// Only the auth sub-daemon ever reads this file.
func LoadPrivateJWK(path string) (ed25519.PrivateKey, error) {
	jwk, err := loadJWK(path)
	if err != nil {
		return nil, err
	}
	key, ok := jwk.Key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %T, want Ed25519 private key", ErrBadKey, path, jwk.Key)
	}
	return key, nil
}

// LoadPublicJWK reads an Ed25519 public key from a JWK file.
func LoadPublicJWK(path string) (ed25519.PublicKey, error) {
	jwk, err := loadJWK(path)
	if err != nil {
		return nil, err
	}
	switch key := jwk.Key.(type) {
	case ed25519.PublicKey:
		return key, nil
	case ed25519.PrivateKey:
		// Tolerate a private JWK where the public half was requested.
		return key.Public().(ed25519.PublicKey), nil
	default:
		return nil, fmt.Errorf("%w: %q holds %T, want Ed25519 public key", ErrBadKey, path, jwk.Key)
	}
}

func loadJWK(path string) (*jose.JSONWebKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading JWK %q: %w", path, err)
	}
	var jwk jose.JSONWebKey
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return nil, fmt.Errorf("parsing JWK %q: %w", path, err)
	}
	return &jwk, nil
}

// WriteJWKPair generates a fresh Ed25519 key pair and writes it as two JWK
// files: the private one with mode 0400, the public one with 0644. Used by
// the keygen command to bootstrap a deployment.
func WriteJWKPair(privatePath, publicPath string) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generating Ed25519 key: %w", err)
	}

	if err := writeJWK(privatePath, jose.JSONWebKey{Key: priv, Use: "sig", Algorithm: string(jose.EdDSA)}, 0o400); err != nil {
		return err
	}
	return writeJWK(publicPath, jose.JSONWebKey{Key: pub, Use: "sig", Algorithm: string(jose.EdDSA)}, 0o644)
}

func writeJWK(path string, jwk jose.JSONWebKey, mode os.FileMode) error {
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding JWK: %w", err)
	}
	if err := os.WriteFile(path, raw, mode); err != nil {
		return fmt.Errorf("writing JWK %q: %w", path, err)
	}
	// WriteFile honors umask; pin the exact mode.
	return os.Chmod(path, mode)
}
