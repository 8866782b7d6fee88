package hasher

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrPepperDecode is returned when the pepper file does not contain a
// base64-encoded value of exactly PepperSize bytes.
var ErrPepperDecode = errors.New("failed to decode pepper")

// LoadPepper reads and decodes the base64 pepper file. The caller is
// expected to have run the secret-file access checks first.
func LoadPepper(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pepper file %q: %w", path, err)
	}

	pepper, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPepperDecode, err)
	}
	if len(pepper) != PepperSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrPepperDecode, len(pepper), PepperSize)
	}
	return pepper, nil
}
