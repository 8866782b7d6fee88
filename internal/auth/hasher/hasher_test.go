package hasher

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastParams keeps the Argon2 cost low so the test suite stays quick.
var fastParams = Params{
	Memory:      8 * 1024,
	Time:        1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

var testPepper = []byte("0123456789abcdef")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := New(fastParams, testPepper)
	require.NoError(t, err)
	return h
}

func TestNewRejectsBadPepperLength(t *testing.T) {
	_, err := New(fastParams, []byte("short"))
	require.Error(t, err)

	_, err = New(fastParams, make([]byte, 32))
	require.Error(t, err)
}

func TestGenerateAndVerify(t *testing.T) {
	h := newTestHasher(t)

	phc, err := h.GenerateHash("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(phc, "$argon2id$v=19$m=8192,t=1,p=1$"))

	ok, err := h.Verify(phc, "hunter2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify(phc, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRequiresSamePepper(t *testing.T) {
	h := newTestHasher(t)
	phc, err := h.GenerateHash("hunter2")
	require.NoError(t, err)

	other, err := New(fastParams, []byte("fedcba9876543210"))
	require.NoError(t, err)

	ok, err := other.Verify(phc, "hunter2")
	require.NoError(t, err)
	assert.False(t, ok, "a different pepper must not verify")
}

func TestGenerateHashUniqueSalts(t *testing.T) {
	h := newTestHasher(t)

	a, err := h.GenerateHash("hunter2")
	require.NoError(t, err)
	b, err := h.GenerateHash("hunter2")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestParseHashRoundTrip(t *testing.T) {
	h := newTestHasher(t)
	phc, err := h.GenerateHash("hunter2")
	require.NoError(t, err)

	params, salt, digest, err := ParseHash(phc)
	require.NoError(t, err)
	assert.Equal(t, fastParams.Memory, params.Memory)
	assert.Equal(t, fastParams.Time, params.Time)
	assert.Equal(t, fastParams.Parallelism, params.Parallelism)
	assert.Len(t, salt, int(fastParams.SaltLength))
	assert.Len(t, digest, int(fastParams.KeyLength))
}

func TestParseHashRejectsGarbage(t *testing.T) {
	tests := []string{
		"",
		"not a hash",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdA$ZGlnZXN0",
		"$argon2id$v=16$m=8192,t=1,p=1$c2FsdA$ZGlnZXN0",
		"$argon2id$v=19$m=8192$c2FsdA$ZGlnZXN0",
		"$argon2id$v=19$m=8192,t=1,p=1$!!$ZGlnZXN0",
		"$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$!!",
		"$argon2id$v=19$m=8192,t=1,p=1$$ZGlnZXN0",
		"$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$",
	}

	for _, phc := range tests {
		_, _, _, err := ParseHash(phc)
		assert.Error(t, err, "input %q", phc)
	}
}

func TestVerifyRejectsEmptyDigest(t *testing.T) {
	h := newTestHasher(t)
	phc, err := h.GenerateHash("hunter2")
	require.NoError(t, err)

	truncated := phc[:strings.LastIndex(phc, "$")+1]
	_, err = h.Verify(truncated, "hunter2")
	assert.ErrorIs(t, err, ErrMalformedHash)
}

func TestLoadPepper(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "pepper")
	encoded := base64.StdEncoding.EncodeToString(testPepper)
	require.NoError(t, os.WriteFile(path, []byte(encoded+"\n"), 0o400))

	pepper, err := LoadPepper(path)
	require.NoError(t, err)
	assert.Equal(t, testPepper, pepper)
}

func TestLoadPepperErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPepper(filepath.Join(dir, "absent"))
		assert.Error(t, err)
	})

	t.Run("not base64", func(t *testing.T) {
		path := filepath.Join(dir, "bad")
		require.NoError(t, os.WriteFile(path, []byte("!!not-base64!!"), 0o400))
		_, err := LoadPepper(path)
		assert.ErrorIs(t, err, ErrPepperDecode)
	})

	t.Run("wrong length", func(t *testing.T) {
		path := filepath.Join(dir, "short")
		enc := base64.StdEncoding.EncodeToString([]byte("abc"))
		require.NoError(t, os.WriteFile(path, []byte(enc), 0o400))
		_, err := LoadPepper(path)
		assert.ErrorIs(t, err, ErrPepperDecode)
	})
}
