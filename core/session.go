package core

import (
	"context"
	"time"
)

// Payload is one caller-supplied unit of work. The pool treats it as opaque
// and hands it to the session's Handle unchanged.
type Payload struct {
	// Code is the source or command to evaluate inside the session.
	Code string `json:"code"`
	// Language is an optional hint for backends that support several runtimes.
	Language string `json:"language,omitempty"`
}

// ExecutionResult is the structured outcome of a single Execute call.
type ExecutionResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	// HandleID identifies the backend session that ran the work.
	HandleID string `json:"handle_id"`
	// Fresh reports whether the session was created by this call.
	Fresh bool `json:"fresh"`
}

// Record describes one pooled session. Records are immutable values; the
// registry swaps in a new copy on every update so readers never observe a
// partially written record.
type Record struct {
	Key        string    `json:"key"`
	OwnerID    string    `json:"owner_id,omitempty"`
	HandleID   string    `json:"handle_id"`
	Backend    string    `json:"backend"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Executions int64     `json:"executions"`
}

// NewRecord returns a record for a freshly created session.
func NewRecord(key, owner string, h Handle, backend string, now time.Time) Record {
	return Record{
		Key:        key,
		OwnerID:    owner,
		HandleID:   h.ID(),
		Backend:    backend,
		CreatedAt:  now,
		LastUsedAt: now,
	}
}

// IdleFor reports how long the session has been unused at now.
func (r Record) IdleFor(now time.Time) time.Duration {
	return now.Sub(r.LastUsedAt)
}

// OwnedBy reports whether the record belongs to owner. An empty owner never
// matches, so ownerless sessions cannot be bulk-evicted by accident.
func (r Record) OwnedBy(owner string) bool {
	return owner != "" && r.OwnerID == owner
}

// Touched returns a copy of r marked as used at now.
func (r Record) Touched(now time.Time) Record {
	r.LastUsedAt = now
	r.Executions++
	return r
}

// Handle wraps one live remote execution context. A Handle is exclusively
// owned by a single registry entry and is never used by two callers at once.
type Handle interface {
	// ID returns the backend identifier of the session.
	ID() string
	// Execute runs one unit of work. An error here means the work failed,
	// not that the session is dead.
	Execute(ctx context.Context, work Payload) (*ExecutionResult, error)
	// Ping performs the cheapest possible side-effect-free round trip.
	Ping(ctx context.Context) error
	// Close releases the remote context. Close must be safe to call once the
	// remote side is already gone.
	Close(ctx context.Context) error
}

// CreateRequest carries the identity of the session being created so that
// backends can label remote resources.
type CreateRequest struct {
	Key     string
	OwnerID string
}

// Backend is the session-creation capability of a remote compute provider.
type Backend interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (Handle, error)
}

// RecordStore mirrors session records outside the process. Implementations
// are used best-effort: failures are logged by the pool and never surfaced.
type RecordStore interface {
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
}
