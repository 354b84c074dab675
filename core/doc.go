// Package core provides the foundational domain types and contracts shared by
// the execpool packages. It defines:
//
//   - Payload / ExecutionResult (one unit of work and its outcome)
//   - Record (metadata describing one pooled session)
//   - Handle / Backend (a live remote execution context and the capability
//     that creates it)
//   - RecordStore (optional external mirror of session records)
//   - The error taxonomy surfaced by the pool façade
//
// The package intentionally keeps implementation concerns (registry, probing,
// eviction, concrete backends) out of scope, exposing small interfaces so that
// new compute providers can be plugged in without touching the pool.
package core
