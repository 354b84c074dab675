// Package sweeper implements the background eviction of idle sessions. On
// every tick it snapshots the registry, and for each record idle longer than
// the TTL it detaches the session and hands the handle to a Closer.
//
// Sessions currently in use are skipped rather than waited for: a locked
// slot is by definition not idle, and the sweep must never stall behind a
// long-running execution.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/execpool/core"
	"github.com/hupe1980/execpool/logging"
	"github.com/hupe1980/execpool/registry"
)

// Closer receives every handle the sweeper detached. It must log rather than
// return close failures.
type Closer func(ctx context.Context, key string, h core.Handle)

// Options configures a Sweeper.
type Options struct {
	// Interval between sweeps. Defaults to 5 minutes.
	Interval time.Duration
	// IdleTTL is the maximum time a session may stay unused. Defaults to 30 minutes.
	IdleTTL time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Sweeper periodically evicts idle sessions from a registry.
type Sweeper struct {
	reg   *registry.Registry
	close Closer
	opts  Options

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a sweeper. It does nothing until Start is called.
func New(reg *registry.Registry, closer Closer, optFns ...func(o *Options)) *Sweeper {
	opts := Options{
		Interval: 5 * time.Minute,
		IdleTTL:  30 * time.Minute,
		Now:      time.Now,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Sweeper{
		reg:   reg,
		close: closer,
		opts:  opts,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start launches the ticker loop. Calling Start more than once is a no-op.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		go s.loop()
	})
}

// Stop halts the loop and waits for an in-progress sweep to finish. It is
// safe to call multiple times, and before Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		started := true
		s.startOnce.Do(func() { started = false })
		if started {
			<-s.done
		}
	})
}

func (s *Sweeper) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one pass and returns how many sessions it evicted. A session is
// evicted only when its idle time strictly exceeds the TTL at sweep time.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.opts.Now()
	ttl := s.opts.IdleTTL
	expired := func(rec core.Record) bool { return rec.IdleFor(now) > ttl }

	evicted := 0
	for _, rec := range s.reg.Snapshot() {
		if ctx.Err() != nil {
			break
		}
		if !expired(rec) {
			continue
		}
		h, ok := s.reg.TryRemoveIf(rec.Key, expired)
		if !ok {
			continue
		}
		s.close(ctx, rec.Key, h)
		evicted++
	}

	if evicted > 0 {
		s.opts.Logger.Info("sweep evicted idle sessions", "count", evicted, "idle_ttl", ttl)
	} else {
		s.opts.Logger.Debug("sweep found no idle sessions", "active", s.reg.Len())
	}
	return evicted
}
