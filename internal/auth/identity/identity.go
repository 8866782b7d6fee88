// Package identity defines the account types shared by the user and session
// stores.
package identity

import (
	"errors"
	"fmt"
)

// ErrInvalidUsername is returned when a username fails validation.
var ErrInvalidUsername = errors.New("invalid username")

// MaxUsernameLength bounds usernames; longer names are rejected at parse.
const MaxUsernameLength = 64

// Username is a validated account identifier. Comparison is byte-for-byte;
// no case folding or normalization is applied.
type Username string

// ParseUsername validates name and returns it as a Username. Valid names are
// 1–64 characters of ASCII letters, digits, dot, underscore, and hyphen.
func ParseUsername(name string) (Username, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUsername)
	}
	if len(name) > MaxUsernameLength {
		return "", fmt.Errorf("%w: %d characters, max %d", ErrInvalidUsername, len(name), MaxUsernameLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return "", fmt.Errorf("%w: character %q", ErrInvalidUsername, c)
		}
	}
	return Username(name), nil
}

func (u Username) String() string { return string(u) }

// User binds a username to its password hash. Users are immutable once
// loaded; the raw PHC string is kept verbatim for round-tripping.
type User struct {
	Name Username
	Hash string
}
