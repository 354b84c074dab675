package registry

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/execpool/core"
)

// DefaultShards is used when New is called with a non-positive shard count.
const DefaultShards = 32

// Registry is the sharded key -> Slot mapping. It is safe for concurrent use.
type Registry struct {
	shards []*shard
	mask   uint32
	size   atomic.Int64
}

type shard struct {
	mu    sync.RWMutex
	slots map[string]*Slot
}

// New constructs a registry with shardCount shards rounded up to a power of two.
func New(shardCount int) *Registry {
	if shardCount <= 0 {
		shardCount = DefaultShards
	}
	n := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{slots: make(map[string]*Slot)}
	}
	return &Registry{shards: shards, mask: n - 1}
}

func (r *Registry) shard(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return r.shards[h.Sum32()&r.mask]
}

// Acquire returns the slot for key, inserting an empty one if absent. The
// boolean reports whether the slot was inserted by this call. The slot is
// returned unlocked.
func (r *Registry) Acquire(key string) (*Slot, bool) {
	sh := r.shard(key)

	sh.mu.RLock()
	s, ok := sh.slots[key]
	sh.mu.RUnlock()
	if ok {
		return s, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.slots[key]; ok {
		return s, false
	}
	s = newSlot(key)
	sh.slots[key] = s
	r.size.Add(1)
	return s, true
}

// Get returns the slot registered for key.
func (r *Registry) Get(key string) (*Slot, bool) {
	sh := r.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.slots[key]
	return s, ok
}

// Lookup returns the record of the live session registered for key.
func (r *Registry) Lookup(key string) (core.Record, bool) {
	s, ok := r.Get(key)
	if !ok {
		return core.Record{}, false
	}
	return s.Record()
}

// Detach removes s from the registry and returns its handle, which the caller
// must close. Detaching an already removed slot returns nil. Caller must hold
// the slot lock.
func (r *Registry) Detach(s *Slot) core.Handle {
	if s.gone {
		return nil
	}
	sh := r.shard(s.key)
	sh.mu.Lock()
	if cur, ok := sh.slots[s.key]; ok && cur == s {
		delete(sh.slots, s.key)
		r.size.Add(-1)
	}
	sh.mu.Unlock()

	s.gone = true
	return s.Release()
}

// Remove detaches the session registered for key, waiting for any in-flight
// work on it to finish. It reports false when no live session was present.
func (r *Registry) Remove(key string) (core.Handle, bool) {
	h, ok, _ := r.RemoveContext(context.Background(), key)
	return h, ok
}

// RemoveContext is Remove that stops waiting for in-flight work when ctx is
// done, returning ctx.Err().
func (r *Registry) RemoveContext(ctx context.Context, key string) (core.Handle, bool, error) {
	return r.remove(ctx, key, nil, true)
}

// RemoveIf is Remove guarded by pred, which is evaluated against the record
// under the slot lock.
func (r *Registry) RemoveIf(key string, pred func(core.Record) bool) (core.Handle, bool) {
	h, ok, _ := r.remove(context.Background(), key, pred, true)
	return h, ok
}

// TryRemoveIf is RemoveIf that skips the key instead of waiting when a caller
// is currently using the session.
func (r *Registry) TryRemoveIf(key string, pred func(core.Record) bool) (core.Handle, bool) {
	h, ok, _ := r.remove(context.Background(), key, pred, false)
	return h, ok
}

func (r *Registry) remove(ctx context.Context, key string, pred func(core.Record) bool, wait bool) (core.Handle, bool, error) {
	s, ok := r.Get(key)
	if !ok {
		return nil, false, nil
	}
	if wait {
		if err := s.LockContext(ctx); err != nil {
			return nil, false, err
		}
	} else if !s.TryLock() {
		return nil, false, nil
	}
	defer s.Unlock()

	if s.gone {
		return nil, false, nil
	}
	if pred != nil {
		rec, ok := s.Record()
		if !ok || !pred(rec) {
			return nil, false, nil
		}
	}
	h := r.Detach(s)
	return h, h != nil, nil
}

// Snapshot returns the records of all live sessions ordered by key. Each
// shard is read-locked only while it is scanned.
func (r *Registry) Snapshot() []core.Record {
	out := make([]core.Record, 0, r.Len())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.slots {
			if rec, ok := s.Record(); ok {
				out = append(out, rec)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns every registered key, including slots whose session is still
// being created.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, r.Len())
	for _, sh := range r.shards {
		sh.mu.RLock()
		for k := range sh.slots {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	return keys
}

// Len returns the number of registered slots.
func (r *Registry) Len() int { return int(r.size.Load()) }

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
