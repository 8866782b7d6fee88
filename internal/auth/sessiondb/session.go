// Package sessiondb persists and indexes refresh-token sessions.
//
// The store keeps three indices over the same shared records: by session id,
// by refresh token, and by username. The username buckets are authoritative
// on the write path; the other two indices are rebuilt from disk after every
// persist, so the read path is the single source of truth for invariant
// reconstruction.
package sessiondb

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillnotes/quill/internal/auth/identity"
)

// Common errors for session-store operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrLocked          = errors.New("session db is locked by another process")
	ErrCorrupt         = errors.New("session db is corrupt")
)

// RefreshTokenSize is the refresh token length in raw bytes.
const RefreshTokenSize = 16

// GCGrace is how long past expiry a session survives on disk. Expired
// sessions inside the grace window still round-trip; older ones are dropped
// at serialize time.
const GCGrace = 5 * 7 * 24 * time.Hour

// RefreshToken is a 16-byte random bearer credential. The array form makes
// it usable as a map key; on disk it is base64-encoded.
type RefreshToken [RefreshTokenSize]byte

// NewRefreshToken draws a fresh token from the OS CSPRNG.
func NewRefreshToken() (RefreshToken, error) {
	var t RefreshToken
	if _, err := rand.Read(t[:]); err != nil {
		return RefreshToken{}, fmt.Errorf("generating refresh token: %w", err)
	}
	return t, nil
}

// ParseRefreshToken converts raw wire bytes into a RefreshToken.
func ParseRefreshToken(raw []byte) (RefreshToken, error) {
	if len(raw) != RefreshTokenSize {
		return RefreshToken{}, fmt.Errorf("refresh token must be %d bytes, got %d", RefreshTokenSize, len(raw))
	}
	var t RefreshToken
	copy(t[:], raw)
	return t, nil
}

// DecodeRefreshToken parses the on-disk base64 form.
func DecodeRefreshToken(encoded string) (RefreshToken, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("decoding refresh token: %w", err)
	}
	return ParseRefreshToken(raw)
}

// Encode returns the base64 form used on disk.
func (t RefreshToken) Encode() string {
	return base64.StdEncoding.EncodeToString(t[:])
}

// Bytes returns the raw token bytes as a fresh slice.
func (t RefreshToken) Bytes() []byte {
	out := make([]byte, RefreshTokenSize)
	copy(out, t[:])
	return out
}

// Session binds a user to one refresh token and one access-token expiry.
// Records handed out by the store are shared snapshots: they are never
// mutated in place, refresh replaces the record wholesale.
type Session struct {
	ID           uuid.UUID
	Username     identity.Username
	RefreshToken RefreshToken
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// expired reports whether the session is past its GC grace at now.
func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.Add(GCGrace).After(now)
}
