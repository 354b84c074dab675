package registry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/execpool/core"
)

// Slot is the registry entry for one key. The slot lock serializes all work
// against the entry's Handle; Record reads are lock-free. The lock is a
// one-element semaphore so that waiters can give up when their context ends.
type Slot struct {
	key    string
	sem    chan struct{}
	handle core.Handle // guarded by sem
	gone   bool        // guarded by sem
	record atomic.Pointer[core.Record]
}

func newSlot(key string) *Slot { return &Slot{key: key, sem: make(chan struct{}, 1)} }

// Key returns the session key.
func (s *Slot) Key() string { return s.key }

// Lock acquires the per-key critical section.
func (s *Slot) Lock() { s.sem <- struct{}{} }

// LockContext acquires the critical section or returns ctx.Err() once ctx
// is done. A free slot is always acquired, even with a done ctx.
func (s *Slot) LockContext(ctx context.Context) error {
	if s.TryLock() {
		return nil
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the critical section only if no caller currently holds it.
func (s *Slot) TryLock() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the critical section.
func (s *Slot) Unlock() { <-s.sem }

// Removed reports whether the slot was detached from the registry. A caller
// that finds its slot removed after locking must look the key up again.
// Caller must hold the slot lock.
func (s *Slot) Removed() bool { return s.gone }

// Handle returns the live handle or nil. Caller must hold the slot lock.
func (s *Slot) Handle() core.Handle { return s.handle }

// Attach installs a newly created handle and its record. Caller must hold
// the slot lock.
func (s *Slot) Attach(h core.Handle, rec core.Record) {
	s.handle = h
	s.record.Store(&rec)
}

// Release drops the handle from the slot without removing the key and hands
// it to the caller for closing. Used when a probe finds the session dead.
// Caller must hold the slot lock.
func (s *Slot) Release() core.Handle {
	h := s.handle
	s.handle = nil
	s.record.Store(nil)
	return h
}

// Touch marks the record used at now and returns the new copy. It is a no-op
// on a slot without a session. Caller must hold the slot lock.
func (s *Slot) Touch(now time.Time) (core.Record, bool) {
	cur := s.record.Load()
	if cur == nil {
		return core.Record{}, false
	}
	next := cur.Touched(now)
	s.record.Store(&next)
	return next, true
}

// Record returns a copy of the current record. It reports false while the
// slot has no live session.
func (s *Slot) Record() (core.Record, bool) {
	if rec := s.record.Load(); rec != nil {
		return *rec, true
	}
	return core.Record{}, false
}
