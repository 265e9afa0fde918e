// ABOUTME: Session table keyed by website and user with exclusive per-key access.
// ABOUTME: Sweeps take the table-wide lock only while removing ended or idle sessions.

package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound indicates no live session for the key.
var ErrNotFound = errors.New("session not found")

type slot struct {
	lock chan struct{}
	sess *Session
	// gone is set, under lock, once the slot has left the table.
	gone bool
}

func newSlot(s *Session) *slot {
	return &slot{lock: make(chan struct{}, 1), sess: s}
}

func (sl *slot) acquire(ctx context.Context) error {
	select {
	case sl.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (sl *slot) tryAcquire() bool {
	select {
	case sl.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (sl *slot) release() {
	<-sl.lock
}

// Handle is exclusive access to one session. Release must be called exactly once.
type Handle struct {
	slot *slot
	once sync.Once
}

// Session returns the held session.
func (h *Handle) Session() *Session {
	return h.slot.sess
}

// Release gives up exclusive access.
func (h *Handle) Release() {
	h.once.Do(h.slot.release)
}

// Table holds live sessions. Requests for the same key are serialized;
// different keys proceed in parallel.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*slot
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*slot)}
}

// Key builds the table key for a user of a website.
func Key(websiteID, userID string) string {
	return websiteID + ":" + userID
}

// Create installs s under key and returns a held handle to it. A session
// already under key is waited for, removed, and returned as replaced.
func (t *Table) Create(ctx context.Context, key string, s *Session) (h *Handle, replaced *Session, err error) {
	fresh := newSlot(s)
	fresh.lock <- struct{}{}

	for {
		t.mu.Lock()
		old, ok := t.entries[key]
		if !ok {
			t.entries[key] = fresh
			t.mu.Unlock()
			return &Handle{slot: fresh}, nil, nil
		}
		t.mu.Unlock()

		if err := old.acquire(ctx); err != nil {
			return nil, nil, err
		}
		if old.gone {
			old.release()
			continue
		}

		t.mu.Lock()
		if t.entries[key] == old {
			t.entries[key] = fresh
		}
		t.mu.Unlock()

		old.gone = true
		old.release()
		return &Handle{slot: fresh}, old.sess, nil
	}
}

// Acquire waits for exclusive access to the session under key.
func (t *Table) Acquire(ctx context.Context, key string) (*Handle, error) {
	t.mu.RLock()
	sl, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	if err := sl.acquire(ctx); err != nil {
		return nil, err
	}
	if sl.gone {
		sl.release()
		return nil, ErrNotFound
	}
	return &Handle{slot: sl}, nil
}

// Discard removes the session held by h from under key and releases h.
// Waiters on the same slot see it as gone.
func (t *Table) Discard(key string, h *Handle) {
	t.mu.Lock()
	if t.entries[key] == h.slot {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	h.slot.gone = true
	h.Release()
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Sweep removes sessions that have ended or been idle past their timeout.
// Sessions in the middle of a dispatch are skipped until the next sweep.
func (t *Table) Sweep(now time.Time) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Session
	for key, sl := range t.entries {
		if !sl.tryAcquire() {
			continue
		}
		if sl.sess.Ended || sl.sess.Expired(now) {
			sl.gone = true
			delete(t.entries, key)
			removed = append(removed, sl.sess)
		}
		sl.release()
	}
	return removed
}

// Drain removes every session, waiting for in-flight dispatches to finish.
// Sessions whose dispatch outlives ctx are still removed but not returned.
func (t *Table) Drain(ctx context.Context) []*Session {
	t.mu.Lock()
	slots := make([]*slot, 0, len(t.entries))
	for _, sl := range t.entries {
		slots = append(slots, sl)
	}
	t.entries = make(map[string]*slot)
	t.mu.Unlock()

	out := make([]*Session, 0, len(slots))
	for _, sl := range slots {
		if err := sl.acquire(ctx); err != nil {
			continue
		}
		if !sl.gone {
			sl.gone = true
			out = append(out, sl.sess)
		}
		sl.release()
	}
	return out
}
