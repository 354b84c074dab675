// Package inmemory provides an in-process Backend. Sessions live in memory and
// can be killed out of band, which makes the backend useful for development
// and for exercising the pool's dead-session handling in tests.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/execpool/core"
	"github.com/hupe1980/execpool/internal/util"
)

// Name is the backend identifier recorded on sessions.
const Name = "inmemory"

// ExecFunc evaluates one payload. It receives the session's private state map
// so that work can observe what earlier calls on the same session left behind.
type ExecFunc func(ctx context.Context, state map[string]string, work core.Payload) (*core.ExecutionResult, error)

// Options configures the in-memory backend.
type Options struct {
	// Exec evaluates payloads. Defaults to Echo.
	Exec ExecFunc
	// CreateDelay simulates provisioning latency.
	CreateDelay time.Duration
	// PingDelay simulates probe latency.
	PingDelay time.Duration
}

// Echo returns the payload code as stdout and remembers it as the session's
// last input.
func Echo(_ context.Context, state map[string]string, work core.Payload) (*core.ExecutionResult, error) {
	prev := state["last"]
	state["last"] = work.Code
	return &core.ExecutionResult{Stdout: work.Code, Stderr: prev}, nil
}

// Backend creates in-memory sessions.
type Backend struct {
	opts Options

	mu         sync.Mutex
	sessions   map[string]*Session
	createErr  error
	created    atomic.Int64
	closeCalls atomic.Int64
}

var _ core.Backend = (*Backend)(nil)

// New creates a backend.
func New(optFns ...func(o *Options)) *Backend {
	opts := Options{Exec: Echo}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Backend{opts: opts, sessions: make(map[string]*Session)}
}

// Name implements core.Backend.
func (b *Backend) Name() string { return Name }

// Create implements core.Backend.
func (b *Backend) Create(ctx context.Context, req core.CreateRequest) (core.Handle, error) {
	if err := sleep(ctx, b.opts.CreateDelay); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	s := &Session{
		id:      util.NewPrefixedID("mem"),
		key:     req.Key,
		backend: b,
		state:   make(map[string]string),
	}
	b.sessions[s.id] = s
	b.created.Add(1)
	return s, nil
}

// FailCreates makes every following Create return err. A nil err restores
// normal behavior.
func (b *Backend) FailCreates(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createErr = err
}

// Kill terminates a session out of band, as if the remote side had expired
// it. It reports whether the session existed.
func (b *Backend) Kill(id string) bool {
	b.mu.Lock()
	s, ok := b.sessions[id]
	delete(b.sessions, id)
	b.mu.Unlock()
	if ok {
		s.dead.Store(true)
	}
	return ok
}

// Created returns the number of sessions created so far.
func (b *Backend) Created() int { return int(b.created.Load()) }

// CloseCalls returns the number of Close calls received.
func (b *Backend) CloseCalls() int { return int(b.closeCalls.Load()) }

// Live returns the number of sessions neither killed nor closed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Session is an in-memory core.Handle.
type Session struct {
	id      string
	key     string
	backend *Backend
	dead    atomic.Bool

	mu    sync.Mutex
	state map[string]string
}

var _ core.Handle = (*Session)(nil)

// ID implements core.Handle.
func (s *Session) ID() string { return s.id }

// Execute implements core.Handle.
func (s *Session) Execute(ctx context.Context, work core.Payload) (*core.ExecutionResult, error) {
	if s.dead.Load() {
		return nil, core.ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.backend.opts.Exec(ctx, s.state, work)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", s.id, err)
	}
	return res, nil
}

// Ping implements core.Handle.
func (s *Session) Ping(ctx context.Context) error {
	if err := sleep(ctx, s.backend.opts.PingDelay); err != nil {
		return err
	}
	if s.dead.Load() {
		return core.ErrHandleClosed
	}
	return nil
}

// Close implements core.Handle. Closing a killed session succeeds.
func (s *Session) Close(context.Context) error {
	s.backend.closeCalls.Add(1)
	s.dead.Store(true)
	s.backend.mu.Lock()
	delete(s.backend.sessions, s.id)
	s.backend.mu.Unlock()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
