// Package hasher implements peppered Argon2id password hashing.
//
// Hashes use the PHC string format so the user database can be generated and
// inspected with standard tooling. A process-wide pepper participates in
// every hash: the password is keyed through HMAC-SHA256 with the pepper
// before Argon2id runs, so the user database alone is not enough for an
// offline attack.
package hasher

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrMalformedHash is returned when a PHC string cannot be parsed.
	ErrMalformedHash = errors.New("malformed argon2id hash")

	// ErrUnsupportedVersion is returned for Argon2 versions other than 19.
	ErrUnsupportedVersion = errors.New("unsupported argon2 version")

	// ErrRandom is returned when the OS CSPRNG fails during salt generation.
	ErrRandom = errors.New("failed to read random salt")
)

// PepperSize is the required pepper length in bytes.
const PepperSize = 16

// Params are the Argon2id cost parameters.
type Params struct {
	// Memory is the memory cost in KiB.
	Memory uint32
	// Time is the number of passes.
	Time uint32
	// Parallelism is the number of lanes.
	Parallelism uint8
	// SaltLength is the salt size in bytes.
	SaltLength uint32
	// KeyLength is the output digest size in bytes.
	KeyLength uint32
}

// DefaultParams follow the OWASP-recommended Argon2id configuration:
// 19 MiB memory, 2 passes, 1 lane, 32-byte digest.
var DefaultParams = Params{
	Memory:      19 * 1024,
	Time:        2,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher hashes and verifies passwords with a fixed pepper.
type Hasher struct {
	params Params
	pepper []byte
}

// New creates a Hasher. The pepper must be exactly PepperSize bytes.
func New(params Params, pepper []byte) (*Hasher, error) {
	if len(pepper) != PepperSize {
		return nil, fmt.Errorf("pepper must be %d bytes, got %d", PepperSize, len(pepper))
	}
	p := make([]byte, PepperSize)
	copy(p, pepper)
	return &Hasher{params: params, pepper: p}, nil
}

// GenerateHash hashes password with a fresh random salt and returns the PHC
// string, e.g. "$argon2id$v=19$m=19456,t=2,p=1$<salt>$<digest>".
func (h *Hasher) GenerateHash(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandom, err)
	}

	digest := h.derive(password, salt, h.params)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Time, h.params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(digest),
	), nil
}

// Verify recomputes the hash of password under the parameters and salt
// embedded in phc and compares in constant time. It returns false only on a
// mismatch; a hash that cannot be parsed yields an error.
func (h *Hasher) Verify(phc, password string) (bool, error) {
	params, salt, digest, err := ParseHash(phc)
	if err != nil {
		return false, err
	}

	params.KeyLength = uint32(len(digest))
	computed := h.derive(password, salt, params)

	return subtle.ConstantTimeCompare(digest, computed) == 1, nil
}

// derive keys the password through HMAC-SHA256 with the pepper, then runs
// Argon2id. x/crypto/argon2 does not expose the native secret input; the
// HMAC pre-hash provides the same property.
func (h *Hasher) derive(password string, salt []byte, params Params) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	peppered := mac.Sum(nil)

	return argon2.IDKey(peppered, salt, params.Time, params.Memory, params.Parallelism, params.KeyLength)
}

// ParseHash splits a PHC-formatted Argon2id string into its parameters,
// salt, and digest.
func ParseHash(phc string) (Params, []byte, []byte, error) {
	parts := strings.Split(phc, "$")
	// Leading "$" yields an empty first element.
	if len(parts) != 6 || parts[0] != "" {
		return Params{}, nil, nil, ErrMalformedHash
	}
	if parts[1] != "argon2id" {
		return Params{}, nil, nil, fmt.Errorf("%w: algorithm %q", ErrMalformedHash, parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: %q", ErrMalformedHash, parts[2])
	}
	if version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("%w: v=%d", ErrUnsupportedVersion, version)
	}

	var params Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &params.Parallelism); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: %q", ErrMalformedHash, parts[3])
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	digest, err := b64.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: digest: %v", ErrMalformedHash, err)
	}
	// A zero-length digest would ask argon2 for a 0-byte key, which panics.
	if len(salt) == 0 {
		return Params{}, nil, nil, fmt.Errorf("%w: empty salt", ErrMalformedHash)
	}
	if len(digest) == 0 {
		return Params{}, nil, nil, fmt.Errorf("%w: empty digest", ErrMalformedHash)
	}

	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(digest))
	return params, salt, digest, nil
}
