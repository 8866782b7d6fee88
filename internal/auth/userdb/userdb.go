// Package userdb maintains the in-memory user-credential store.
//
// The backing TOML file is written only by the offline credential tool; this
// store treats it as read-only and reloads it whenever the file watcher
// reports a change. A reload that fails to parse keeps the previous snapshot:
// stale but consistent data beats emptying the map on a transient error.
package userdb

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/quillnotes/quill/internal/auth/hasher"
	"github.com/quillnotes/quill/internal/auth/identity"
	"github.com/quillnotes/quill/internal/logger"
	"github.com/quillnotes/quill/internal/secfile"
	"github.com/quillnotes/quill/internal/watch"
)

// Store is the live view of the user database.
type Store struct {
	path   string
	hasher *hasher.Hasher

	mu    sync.RWMutex
	users map[identity.Username]identity.User

	sub  *watch.Subscription
	done chan struct{}
}

// userFile mirrors the on-disk TOML layout:
//
//	[[user]]
//	username = "alice"
//	hash = "$argon2id$..."
type userFile struct {
	Users []userEntry `toml:"user"`
}

type userEntry struct {
	Username string `toml:"username"`
	Hash     string `toml:"hash"`
}

// Open validates the file's permissions, performs the initial load, and
// starts the background reload loop. The initial load is fatal on error;
// subsequent reloads are not.
func Open(path string, h *hasher.Hasher, w *watch.Watcher, opts watch.Options) (*Store, error) {
	if err := secfile.CheckSecret(path); err != nil {
		return nil, err
	}

	sub, err := w.Subscribe(path, opts)
	if err != nil {
		return nil, fmt.Errorf("subscribing to user db: %w", err)
	}

	s := &Store{
		path:   path,
		hasher: h,
		users:  make(map[identity.Username]identity.User),
		sub:    sub,
		done:   make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		sub.Close()
		return nil, err
	}

	go s.watchLoop()
	return s, nil
}

// Close stops the background reload loop.
func (s *Store) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.sub.Close()
}

// GetUser returns a copy of the user snapshot for name.
func (s *Store) GetUser(name identity.Username) (identity.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[name]
	return u, ok
}

// Len reports the number of loaded users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// CheckCredentials verifies password against the stored hash for name.
// A missing user is simply false; only hashing faults return an error.
// Argon2 is CPU-bound, so callers run this from their own goroutine.
func (s *Store) CheckCredentials(name identity.Username, password string) (bool, error) {
	u, ok := s.GetUser(name)
	if !ok {
		return false, nil
	}
	ok, err := s.hasher.Verify(u.Hash, password)
	if err != nil {
		return false, fmt.Errorf("verifying credentials for %q: %w", name, err)
	}
	return ok, nil
}

// watchLoop re-reads the file on every change notification. Any event kind,
// including overflow, collapses to a full re-read.
func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if ev.Kind == watch.Overflow {
				logger.Warn("user db watch overflow, forcing reload",
					logger.KeyComponent, "userdb", logger.KeyPath, s.path, "dropped", ev.Dropped)
			}
			if err := s.reload(); err != nil {
				logger.Error("failed to reload user db, keeping previous state",
					logger.KeyComponent, "userdb", logger.KeyPath, s.path, logger.KeyError, err)
				continue
			}
			logger.Info("user db reloaded",
				logger.KeyComponent, "userdb", logger.KeyPath, s.path, "users", s.Len())
		}
	}
}

// reload parses the file into a fresh map and swaps it in atomically.
// Usernames and hashes are validated eagerly so a bad row fails the whole
// reload instead of half-applying.
func (s *Store) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("reading user db %q: %w", s.path, err)
	}

	var file userFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parsing user db %q: %w", s.path, err)
	}

	users := make(map[identity.Username]identity.User, len(file.Users))
	for _, entry := range file.Users {
		name, err := identity.ParseUsername(entry.Username)
		if err != nil {
			return fmt.Errorf("user db %q: %w", s.path, err)
		}
		if _, _, _, err := hasher.ParseHash(entry.Hash); err != nil {
			return fmt.Errorf("user db %q: user %q: %w", s.path, name, err)
		}
		if _, dup := users[name]; dup {
			return fmt.Errorf("user db %q: duplicate user %q", s.path, name)
		}
		users[name] = identity.User{Name: name, Hash: entry.Hash}
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}
