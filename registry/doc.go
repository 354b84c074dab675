// Package registry houses the concurrent-safe mapping from session key to the
// pooled session (Handle plus Record) that owns it.
//
// Entries live in fnv-hashed shards so that lookups for unrelated keys never
// contend on one lock. Each entry is a Slot carrying its own mutex: every
// expensive step for a key (probe, create, execute, close) runs while holding
// that slot's lock, and shard locks are only held for in-memory map updates.
//
// Removal detaches the Handle from the registry while the slot lock is held.
// After detaching, the remover is the only party that can reach the Handle,
// so closing it can never race with a caller still using it.
package registry
