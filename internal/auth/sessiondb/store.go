package sessiondb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/quillnotes/quill/internal/auth/identity"
	"github.com/quillnotes/quill/internal/logger"
	"github.com/quillnotes/quill/internal/metrics"
	"github.com/quillnotes/quill/internal/watch"
)

// Store is the session database. It exclusively owns the backing file for
// its lifetime via an advisory lock; external writers are expected to use
// whole-file atomic replacement, which the store detects by inode change.
type Store struct {
	path string

	// mu guards the indices, the file handle, and the tracked inode.
	// Every persist holds it across the full persist→reload sequence.
	mu      sync.RWMutex
	file    *os.File
	inode   uint64
	byUser  map[identity.Username][]*Session // authoritative on writes
	byID    map[uuid.UUID]*Session
	byToken map[RefreshToken]*Session

	sub  *watch.Subscription
	done chan struct{}
	now  func() time.Time
}

// Open opens (creating if absent) and locks the session file, loads it, and
// starts watching for external replacement. Lock contention is fatal.
func Open(path string, w *watch.Watcher, opts watch.Options) (*Store, error) {
	s := &Store{
		path: path,
		done: make(chan struct{}),
		now:  time.Now,
	}
	if err := s.openAndLock(); err != nil {
		return nil, err
	}
	if err := s.readAndReplaceLocked(); err != nil {
		_ = s.file.Close()
		return nil, err
	}

	sub, err := w.Subscribe(path, opts)
	if err != nil {
		_ = s.file.Close()
		return nil, fmt.Errorf("subscribing to session db: %w", err)
	}
	s.sub = sub

	go s.watchLoop()
	return s, nil
}

// Close stops the watch loop and releases the advisory lock.
func (s *Store) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.sub.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.file.Close()
}

// openAndLock opens the file create+read+write and takes a non-blocking
// exclusive flock. Caller must hold mu (or be the constructor).
func (s *Store) openAndLock() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("opening session db %q: %w", s.path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %q", ErrLocked, s.path)
		}
		return fmt.Errorf("locking session db %q: %w", s.path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		_ = f.Close()
		return fmt.Errorf("stat session db %q: %w", s.path, err)
	}

	s.file = f
	s.inode = st.Ino
	return nil
}

// ensureCurrentLocked re-opens the file when the path no longer refers to
// the tracked inode (atomic-swap replacement) or has vanished.
func (s *Store) ensureCurrentLocked() error {
	var st unix.Stat_t
	err := unix.Stat(s.path, &st)
	if err == nil && st.Ino == s.inode {
		return nil
	}
	if err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("stat session db %q: %w", s.path, err)
	}

	logger.Info("session db replaced on disk, reopening",
		logger.KeyComponent, "sessiondb", logger.KeyPath, s.path)
	_ = s.file.Close()
	return s.openAndLock()
}

// readAndReplaceLocked re-reads the file and rebuilds all three indices.
// This is the single source of truth for invariant reconstruction; every
// write path funnels through it. Caller holds the write lock.
func (s *Store) readAndReplaceLocked() error {
	if err := s.ensureCurrentLocked(); err != nil {
		return err
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking session db: %w", err)
	}
	raw, err := io.ReadAll(s.file)
	if err != nil {
		return fmt.Errorf("reading session db: %w", err)
	}

	buckets, err := parseSessions(raw)
	if err != nil {
		return err
	}

	byID := make(map[uuid.UUID]*Session)
	byToken := make(map[RefreshToken]*Session)
	for _, bucket := range buckets {
		for _, sess := range bucket {
			byID[sess.ID] = sess
			byToken[sess.RefreshToken] = sess
		}
	}

	s.byUser = buckets
	s.byID = byID
	s.byToken = byToken
	metrics.SessionsLoaded.Set(float64(len(byID)))
	return nil
}

// persistLocked serializes the username buckets (triggering GC), announces
// the self-write to the watcher, overwrites the file in place, and re-reads
// it to repopulate the indices. Caller holds the write lock, which makes the
// persist→reload sequence atomic to every other store user.
func (s *Store) persistLocked() error {
	out, err := serializeSessions(s.byUser, s.now())
	if err != nil {
		return err
	}

	if err := s.ensureCurrentLocked(); err != nil {
		return err
	}

	s.sub.SkipNext()
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking session db: %w", err)
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating session db: %w", err)
	}
	if _, err := s.file.Write(out); err != nil {
		return fmt.Errorf("writing session db: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("flushing session db: %w", err)
	}

	return s.readAndReplaceLocked()
}

// CreateSession mints a session for user with a fresh id and refresh token,
// persists it, and returns the stored record.
func (s *Store) CreateSession(user identity.Username, createdAt, expiresAt time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	for {
		if _, taken := s.byID[id]; !taken {
			break
		}
		id = uuid.New()
	}
	tok, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	for {
		if _, taken := s.byToken[tok]; !taken {
			break
		}
		if tok, err = NewRefreshToken(); err != nil {
			return nil, err
		}
	}

	sess := &Session{
		ID:           id,
		Username:     user,
		RefreshToken: tok,
		CreatedAt:    createdAt,
		ExpiresAt:    expiresAt,
	}
	if s.byUser == nil {
		s.byUser = make(map[identity.Username][]*Session)
	}
	s.byUser[user] = append(s.byUser[user], sess)

	if err := s.persistLocked(); err != nil {
		s.removeFromBucketLocked(user, id)
		return nil, err
	}

	stored, ok := s.byID[id]
	if !ok {
		// Only possible if expiresAt is already past the GC grace.
		return sess, nil
	}
	return stored, nil
}

// RefreshSession rotates the refresh token of the session identified by
// oldToken and moves its expiry to newExpiresAt. The session id, username,
// and creation time are preserved, and the record keeps its position in the
// user's bucket.
func (s *Store) RefreshSession(oldToken RefreshToken, newExpiresAt time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byToken[oldToken]
	if !ok {
		return nil, ErrSessionNotFound
	}

	tok, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	replacement := &Session{
		ID:           old.ID,
		Username:     old.Username,
		RefreshToken: tok,
		CreatedAt:    old.CreatedAt,
		ExpiresAt:    newExpiresAt,
	}

	bucket := s.byUser[old.Username]
	idx := slices.IndexFunc(bucket, func(x *Session) bool { return x.ID == old.ID })
	if idx < 0 {
		return nil, fmt.Errorf("%w: session %s missing from user bucket", ErrCorrupt, old.ID)
	}
	bucket[idx] = replacement

	if err := s.persistLocked(); err != nil {
		bucket[idx] = old
		return nil, err
	}

	stored, ok := s.byID[replacement.ID]
	if !ok {
		// Only possible if newExpiresAt is already past the GC grace.
		return replacement, nil
	}
	return stored, nil
}

// DeleteSession removes the session with the given id. A missing id returns
// false without touching disk.
func (s *Store) DeleteSession(id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[id]
	if !ok {
		return false, nil
	}

	bucket := s.byUser[sess.Username]
	idx := slices.IndexFunc(bucket, func(x *Session) bool { return x.ID == id })
	if idx < 0 {
		return false, fmt.Errorf("%w: session %s missing from user bucket", ErrCorrupt, id)
	}
	bucket = slices.Delete(bucket, idx, idx+1)
	if len(bucket) == 0 {
		delete(s.byUser, sess.Username)
	} else {
		s.byUser[sess.Username] = bucket
	}

	if err := s.persistLocked(); err != nil {
		s.byUser[sess.Username] = slices.Insert(bucket, idx, sess)
		return false, err
	}
	return true, nil
}

// removeFromBucketLocked undoes a bucket append after a failed persist so no
// phantom record survives to the next successful write.
func (s *Store) removeFromBucketLocked(user identity.Username, id uuid.UUID) {
	bucket := s.byUser[user]
	idx := slices.IndexFunc(bucket, func(x *Session) bool { return x.ID == id })
	if idx < 0 {
		return
	}
	bucket = slices.Delete(bucket, idx, idx+1)
	if len(bucket) == 0 {
		delete(s.byUser, user)
	} else {
		s.byUser[user] = bucket
	}
}

// GetSessionByID returns the shared session record for id.
func (s *Store) GetSessionByID(id uuid.UUID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	return sess, ok
}

// GetSessionByToken returns the shared session record for tok.
func (s *Store) GetSessionByToken(tok RefreshToken) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byToken[tok]
	return sess, ok
}

// Len reports the number of indexed sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// watchLoop re-reads the file when an external (non-self) change fires.
// Overflow gets the same treatment: a full re-read. Read failures keep the
// previous in-memory state.
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
				logger.Warn("session db watch overflow, forcing reload",
					logger.KeyComponent, "sessiondb", logger.KeyPath, s.path, "dropped", ev.Dropped)
			}
			s.mu.Lock()
			err := s.readAndReplaceLocked()
			s.mu.Unlock()
			if err != nil {
				logger.Error("failed to reload session db, keeping previous state",
					logger.KeyComponent, "sessiondb", logger.KeyPath, s.path, logger.KeyError, err)
				continue
			}
			logger.Info("session db reloaded after external change",
				logger.KeyComponent, "sessiondb", logger.KeyPath, s.path, "sessions", s.Len())
		}
	}
}
