// Package liveness verifies that a pooled session is still usable before the
// pool hands it to a caller. Probing is lazy (only on retrieval) and every
// probe is bounded by a short timeout.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/execpool/core"
)

// DefaultTimeout bounds a probe when the prober is built with a non-positive timeout.
const DefaultTimeout = 5 * time.Second

// Status is the outcome of a probe.
type Status int

const (
	// Alive means the handle answered the no-op round trip in time.
	Alive Status = iota
	// Dead means the handle errored or timed out and must not be reused.
	Dead
)

// String returns the lower-case status name used in logs and metrics.
func (s Status) String() string {
	if s == Alive {
		return "alive"
	}
	return "dead"
}

// Prober runs bounded liveness checks against handles.
type Prober struct {
	timeout time.Duration
}

// New constructs a prober with the given timeout.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{timeout: timeout}
}

// Timeout returns the per-probe deadline.
func (p *Prober) Timeout() time.Duration { return p.timeout }

// Probe pings h and classifies the result. A nil error means Alive. A dead
// handle yields an error wrapping core.ErrProbeTimeout or core.ErrProbeFailed.
//
// If ctx itself is cancelled the caller's context error is returned
// unwrapped, since a cancelled caller says nothing about the session.
func (p *Prober) Probe(ctx context.Context, h core.Handle) error {
	pctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// Ping runs in its own goroutine so a handle that ignores its context
	// still cannot hold the caller past the deadline.
	errCh := make(chan error, 1)
	go func() { errCh <- h.Ping(pctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-pctx.Done():
		err = pctx.Err()
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", core.ErrProbeTimeout, p.timeout)
	}
	return fmt.Errorf("%w: %w", core.ErrProbeFailed, err)
}

// Check is Probe reduced to a Status.
func (p *Prober) Check(ctx context.Context, h core.Handle) Status {
	if p.Probe(ctx, h) != nil {
		return Dead
	}
	return Alive
}

// IsDead reports whether err returned by Probe classifies the handle as dead,
// as opposed to the caller's context having been cancelled.
func IsDead(err error) bool {
	return errors.Is(err, core.ErrProbeTimeout) || errors.Is(err, core.ErrProbeFailed)
}
