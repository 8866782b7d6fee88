package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebounce = 50 * time.Millisecond

func newTestWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func subscribeFile(t *testing.T, w *Watcher) (string, *Subscription) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watched.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1\n"), 0o600))

	sub, err := w.Subscribe(path, Options{Debounce: testDebounce})
	require.NoError(t, err)
	return path, sub
}

func expectEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription channel closed")
		return ev
	case <-time.After(20 * testDebounce):
		t.Fatal("timed out waiting for watch event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(4 * testDebounce):
	}
}

func TestWriteDeliversAnyEvent(t *testing.T) {
	w := newTestWatcher(t)
	path, sub := subscribeFile(t, w)

	require.NoError(t, os.WriteFile(path, []byte("a = 2\n"), 0o600))

	ev := expectEvent(t, sub)
	assert.Equal(t, Any, ev.Kind)
}

func TestRapidWritesCollapse(t *testing.T) {
	w := newTestWatcher(t)
	path, sub := subscribeFile(t, w)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("a = 2\n"), 0o600))
	}

	ev := expectEvent(t, sub)
	assert.Equal(t, Any, ev.Kind)
	expectNoEvent(t, sub)
}

func TestAtomicReplaceDeliversEvent(t *testing.T) {
	w := newTestWatcher(t)
	path, sub := subscribeFile(t, w)

	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("a = 3\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	ev := expectEvent(t, sub)
	assert.Equal(t, Any, ev.Kind)
}

func TestSkipNextSwallowsSelfWrite(t *testing.T) {
	w := newTestWatcher(t)
	path, sub := subscribeFile(t, w)

	sub.SkipNext()
	require.NoError(t, os.WriteFile(path, []byte("a = 4\n"), 0o600))
	expectNoEvent(t, sub)

	// An unrelated external write afterwards must still be delivered.
	require.NoError(t, os.WriteFile(path, []byte("a = 5\n"), 0o600))
	ev := expectEvent(t, sub)
	assert.Equal(t, Any, ev.Kind)
}

func TestUnrelatedFileDoesNotNotify(t *testing.T) {
	w := newTestWatcher(t)
	path, sub := subscribeFile(t, w)

	other := filepath.Join(filepath.Dir(path), "other.toml")
	require.NoError(t, os.WriteFile(other, []byte("b = 1\n"), 0o600))

	expectNoEvent(t, sub)
}

func TestOverflowCollapsesIntoSingleEvent(t *testing.T) {
	w := newTestWatcher(t)
	path := filepath.Join(t.TempDir(), "w.toml")
	require.NoError(t, os.WriteFile(path, []byte("a = 1\n"), 0o600))

	sub, err := w.Subscribe(path, Options{Debounce: testDebounce, Buffer: 1})
	require.NoError(t, err)

	// Fill the buffer and keep pushing without draining.
	w.mu.Lock()
	sub.deliverLocked(Event{Kind: Any})
	sub.deliverLocked(Event{Kind: Any})
	sub.deliverLocked(Event{Kind: Any})
	w.mu.Unlock()

	ev := expectEvent(t, sub)
	assert.Equal(t, Any, ev.Kind)

	// Drained now; the next delivery folds the drops into one Overflow.
	w.mu.Lock()
	sub.deliverLocked(Event{Kind: Any})
	w.mu.Unlock()

	ev = expectEvent(t, sub)
	assert.Equal(t, Overflow, ev.Kind)
	assert.Equal(t, 3, ev.Dropped)
}

func TestSubscriptionCloseClosesChannel(t *testing.T) {
	w := newTestWatcher(t)
	_, sub := subscribeFile(t, w)

	sub.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Idempotent.
	sub.Close()
}

func TestWatcherCloseClosesSubscriptions(t *testing.T) {
	w := newTestWatcher(t)
	_, sub := subscribeFile(t, w)

	require.NoError(t, w.Close())
	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err := w.Subscribe("whatever", Options{})
	assert.ErrorIs(t, err, ErrClosed)
}
