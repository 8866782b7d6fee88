// Package watch provides a debounced change notifier for individual files.
//
// A single Watcher multiplexes one fsnotify instance across any number of
// subscriptions. Each subscription targets one file path: creates, writes,
// renames, and removes touching that path are collapsed into a single Any
// event per debounce window. The parent directory is watched rather than the
// file itself so atomic-replace (write temp + rename) is observed.
//
// Consumers that write the watched file themselves call SkipNext immediately
// before the write; the next debounced event is then swallowed exactly once.
// A slow consumer whose event buffer fills up receives an Overflow event
// carrying the number of collapsed notifications; the correct reaction is a
// full re-read of the file.
package watch

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quillnotes/quill/internal/logger"
)

// DefaultDebounce is the window within which filesystem events on the same
// path collapse into one notification.
const DefaultDebounce = 10 * time.Second

// DefaultBuffer is the default per-subscription event buffer size.
const DefaultBuffer = 16

// Kind discriminates subscription events.
type Kind int

const (
	// Any is an ordinary collapsed change notification.
	Any Kind = iota
	// Overflow signals that the subscriber lagged and notifications were
	// dropped. Dropped carries the count.
	Overflow
)

// Event is a single notification delivered to a subscriber.
type Event struct {
	Kind    Kind
	Dropped int
}

// ErrClosed is returned by Subscribe after the watcher has been closed.
var ErrClosed = errors.New("watcher closed")

// Options tune a single subscription. Zero values select the defaults.
type Options struct {
	Debounce time.Duration
	Buffer   int
}

// Watcher owns the fsnotify instance and fans events out to subscriptions.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dirRefs map[string]int
	closed  bool

	done chan struct{}
}

// Subscription is one file-path subscription on a Watcher.
type Subscription struct {
	w        *Watcher
	path     string // absolute, cleaned
	dir      string
	debounce time.Duration

	ch chan Event

	// All fields below are guarded by w.mu.
	timer   *time.Timer
	pending bool
	skip    int
	dropped int
	closed  bool
}

// New creates a Watcher and starts its event loop.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	w := &Watcher{
		fsw:     fsw,
		subs:    make(map[*Subscription]struct{}),
		dirRefs: make(map[string]int),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Subscribe registers interest in changes to path.
func (w *Watcher) Subscribe(path string, opts Options) (*Subscription, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", path, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}

	sub := &Subscription{
		w:        w,
		path:     abs,
		dir:      filepath.Dir(abs),
		debounce: opts.Debounce,
		ch:       make(chan Event, opts.Buffer),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.dirRefs[sub.dir] == 0 {
		if err := w.fsw.Add(sub.dir); err != nil {
			return nil, fmt.Errorf("watching %q: %w", sub.dir, err)
		}
	}
	w.dirRefs[sub.dir]++
	w.subs[sub] = struct{}{}
	return sub, nil
}

// Close shuts the watcher down and closes every subscription channel.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for sub := range w.subs {
		sub.closeLocked()
	}
	w.subs = map[*Subscription]struct{}{}
	w.mu.Unlock()

	close(w.done)
	return w.fsw.Close()
}

// run is the fan-out loop. Transient errors are logged and the loop
// continues; only watcher teardown terminates it.
func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.dispatch(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Kernel queue overflowed: every subscriber must re-read.
				w.broadcastOverflow()
				continue
			}
			logger.Warn("file watcher error", logger.KeyError, err)
		}
	}
}

// dispatch routes one raw fsnotify event to the matching subscriptions.
func (w *Watcher) dispatch(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	name := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	for sub := range w.subs {
		if sub.path != name {
			continue
		}
		sub.scheduleLocked()
	}
}

func (w *Watcher) broadcastOverflow() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for sub := range w.subs {
		sub.dropped++
		sub.flushLocked()
	}
}

// Events is the subscriber's notification stream. The channel is closed when
// the subscription or the watcher is closed.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// SkipNext arranges for the next debounced notification to be swallowed.
// Call it immediately before a self-write of the watched file. Each call
// swallows exactly one notification; swallowing an unrelated event instead
// is acceptable because re-reads are idempotent.
func (s *Subscription) SkipNext() {
	s.w.mu.Lock()
	s.skip++
	s.w.mu.Unlock()
}

// Close removes the subscription and closes its event channel.
func (s *Subscription) Close() {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if _, ok := s.w.subs[s]; !ok {
		return
	}
	delete(s.w.subs, s)
	s.w.dirRefs[s.dir]--
	if s.w.dirRefs[s.dir] == 0 {
		delete(s.w.dirRefs, s.dir)
		if err := s.w.fsw.Remove(s.dir); err != nil {
			logger.Debug("failed to remove watch", logger.KeyPath, s.dir, logger.KeyError, err)
		}
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.ch)
}

// scheduleLocked starts the debounce window, or lets an already-running
// window absorb the event. Caller holds w.mu.
func (s *Subscription) scheduleLocked() {
	if s.closed || s.pending {
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

// fire runs when the debounce window elapses.
func (s *Subscription) fire() {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = false

	if s.skip > 0 {
		s.skip--
		return
	}
	s.deliverLocked(Event{Kind: Any})
}

// deliverLocked attempts a non-blocking send; a full buffer turns the
// notification into pending overflow, surfaced once the subscriber drains.
func (s *Subscription) deliverLocked(ev Event) {
	if s.dropped > 0 && ev.Kind == Any {
		// Collapse the fresh notification into the pending overflow.
		s.dropped++
		s.flushLocked()
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped++
	}
}

// flushLocked tries to convert accumulated drops into an Overflow event.
func (s *Subscription) flushLocked() {
	if s.dropped == 0 || s.closed {
		return
	}
	select {
	case s.ch <- Event{Kind: Overflow, Dropped: s.dropped}:
		s.dropped = 0
	default:
	}
}
