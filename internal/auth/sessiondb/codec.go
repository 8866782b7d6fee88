package sessiondb

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"

	"github.com/quillnotes/quill/internal/auth/identity"
)

// fileModel mirrors the on-disk TOML layout:
//
//	[[user]]
//	username = "alice"
//
//	  [[user.session]]
//	  session_id = "550e8400-e29b-41d4-a716-446655440000"
//	  refresh_token = "Zm9vYmFyYmF6cXV4MTIzNDU2Nw=="
//	  created_at = "2024-01-01T00:00:00Z"
//	  expires_at = "2024-01-01T00:15:00Z"
type fileModel struct {
	Users []fileUser `toml:"user,omitempty"`
}

type fileUser struct {
	Username string        `toml:"username"`
	Sessions []fileSession `toml:"session,omitempty"`
}

type fileSession struct {
	SessionID    string    `toml:"session_id"`
	RefreshToken string    `toml:"refresh_token"`
	CreatedAt    time.Time `toml:"created_at"`
	ExpiresAt    time.Time `toml:"expires_at"`
}

// parseSessions decodes the file contents into username buckets, validating
// the global uniqueness of session ids and refresh tokens.
func parseSessions(raw []byte) (map[identity.Username][]*Session, error) {
	var model fileModel
	if err := toml.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	buckets := make(map[identity.Username][]*Session, len(model.Users))
	seenIDs := make(map[uuid.UUID]struct{})
	seenTokens := make(map[RefreshToken]struct{})

	for _, u := range model.Users {
		name, err := identity.ParseUsername(u.Username)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if _, dup := buckets[name]; dup {
			return nil, fmt.Errorf("%w: duplicate user %q", ErrCorrupt, name)
		}

		bucket := make([]*Session, 0, len(u.Sessions))
		for _, row := range u.Sessions {
			id, err := uuid.Parse(row.SessionID)
			if err != nil {
				return nil, fmt.Errorf("%w: session_id %q: %v", ErrCorrupt, row.SessionID, err)
			}
			tok, err := DecodeRefreshToken(row.RefreshToken)
			if err != nil {
				return nil, fmt.Errorf("%w: user %q: %v", ErrCorrupt, name, err)
			}
			if _, dup := seenIDs[id]; dup {
				return nil, fmt.Errorf("%w: duplicate session id %s", ErrCorrupt, id)
			}
			if _, dup := seenTokens[tok]; dup {
				return nil, fmt.Errorf("%w: duplicate refresh token under user %q", ErrCorrupt, name)
			}
			seenIDs[id] = struct{}{}
			seenTokens[tok] = struct{}{}

			bucket = append(bucket, &Session{
				ID:           id,
				Username:     name,
				RefreshToken: tok,
				CreatedAt:    row.CreatedAt,
				ExpiresAt:    row.ExpiresAt,
			})
		}
		buckets[name] = bucket
	}
	return buckets, nil
}

// serializeSessions renders the username buckets back into TOML. Sessions
// past their GC grace at now are dropped, and users left with no live
// sessions are omitted entirely. Users are sorted so serialization is
// deterministic and serialize→parse→serialize is byte-identical.
func serializeSessions(buckets map[identity.Username][]*Session, now time.Time) ([]byte, error) {
	names := make([]identity.Username, 0, len(buckets))
	for name := range buckets {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var model fileModel
	for _, name := range names {
		rows := make([]fileSession, 0, len(buckets[name]))
		for _, s := range buckets[name] {
			if s.expired(now) {
				continue
			}
			rows = append(rows, fileSession{
				SessionID:    s.ID.String(),
				RefreshToken: s.RefreshToken.Encode(),
				CreatedAt:    s.CreatedAt,
				ExpiresAt:    s.ExpiresAt,
			})
		}
		if len(rows) == 0 {
			continue
		}
		model.Users = append(model.Users, fileUser{Username: name.String(), Sessions: rows})
	}

	out, err := toml.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("serializing session db: %w", err)
	}
	return out, nil
}
