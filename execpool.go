// Package execpool provides a pool of long-lived remote execution sessions.
// Sessions are expensive to create and cheap to reuse, so the pool keeps one
// session per caller-chosen key and reuses it across many short requests.
// Most applications interact with this package by:
//  1. Creating a Pool via New() with a Backend (in-memory by default)
//  2. Running work with RunInSession, keyed by conversation and optional owner
//  3. Evicting sessions explicitly (Evict, EvictAllForOwner) or letting the
//     background sweeper close idle ones
//  4. Calling Shutdown once, which closes every remaining session
//
// A pooled session is probed for liveness before each reuse. A dead session is
// replaced transparently; only creation and execution failures reach callers.
package execpool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/execpool/backend/inmemory"
	"github.com/hupe1980/execpool/core"
	"github.com/hupe1980/execpool/liveness"
	"github.com/hupe1980/execpool/logging"
	"github.com/hupe1980/execpool/metrics"
	"github.com/hupe1980/execpool/registry"
	"github.com/hupe1980/execpool/sweeper"
)

// CapacityPolicy decides what happens when a new session is needed while the
// pool holds MaxSessions sessions.
type CapacityPolicy int

const (
	// CapacityReject fails the call with ErrSessionCreationFailed wrapping ErrPoolFull.
	CapacityReject CapacityPolicy = iota
	// CapacityEvictLRU closes the least recently used idle session to make room.
	CapacityEvictLRU
)

// String returns the configuration name of the policy.
func (c CapacityPolicy) String() string {
	if c == CapacityEvictLRU {
		return "evict-lru"
	}
	return "reject"
}

const (
	opRun     = "run"
	opCreate  = "create"
	opExecute = "execute"
)

// Options configures the Pool.
type Options struct {
	// Backend creates sessions. Defaults to an in-memory backend.
	Backend core.Backend

	// IdleTTL is the maximum time a session may stay unused before the sweeper
	// closes it.
	IdleTTL time.Duration
	// SweepInterval is the sweeper tick. A negative value disables the
	// background sweeper; Sweep can still be called directly.
	SweepInterval time.Duration

	// CreateTimeout bounds a single backend Create call.
	CreateTimeout time.Duration
	// ProbeTimeout bounds a liveness probe. It should be much shorter than
	// CreateTimeout. The default suits probes that are plain API reads; the
	// anthropic backend with RemotePing needs 30 seconds or more.
	ProbeTimeout time.Duration
	// CloseTimeout bounds a single Handle.Close call.
	CloseTimeout time.Duration

	// MaxSessions limits the number of live sessions. 0 means unbounded.
	MaxSessions    int
	CapacityPolicy CapacityPolicy

	// Shards is the registry shard count.
	Shards int
	// ShutdownConcurrency limits parallel closes during Shutdown and
	// EvictAllForOwner.
	ShutdownConcurrency int

	// RecordStore optionally mirrors session records. Failures are logged.
	RecordStore core.RecordStore
	// Metrics defaults to metrics.NoOp.
	Metrics metrics.Recorder
	// Logger defaults to NoOp logger if nil.
	Logger logging.Logger
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultOptions holds the defaults applied by New.
var DefaultOptions = Options{
	IdleTTL:             30 * time.Minute,
	SweepInterval:       5 * time.Minute,
	CreateTimeout:       60 * time.Second,
	ProbeTimeout:        5 * time.Second,
	CloseTimeout:        10 * time.Second,
	Shards:              registry.DefaultShards,
	ShutdownConcurrency: 8,
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	// Active counts live sessions plus sessions currently being created.
	Active        int   `json:"active"`
	Created       int64 `json:"created"`
	Closed        int64 `json:"closed"`
	ProbeFailures int64 `json:"probe_failures"`
	ShutDown      bool  `json:"shut_down"`
}

// Pool is the session pool façade. It is safe for concurrent use.
type Pool struct {
	opts    Options
	reg     *registry.Registry
	prober  *liveness.Prober
	sweeper *sweeper.Sweeper

	// gate orders the closed flag against wg.Add so Shutdown never waits on
	// a group that can still grow from zero.
	gate   sync.RWMutex
	closed atomic.Bool
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	done         chan struct{}

	live          atomic.Int64
	created       atomic.Int64
	closedCount   atomic.Int64
	probeFailures atomic.Int64
}

// New creates a Pool with optional overrides and starts its sweeper.
func New(optFns ...func(o *Options)) *Pool {
	opts := DefaultOptions
	opts.Metrics = metrics.NoOp{}
	opts.Logger = logging.NoOpLogger{}
	opts.Clock = time.Now

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Backend == nil {
		opts.Backend = inmemory.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NoOp{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = DefaultOptions.CreateTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultOptions.CloseTimeout
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultOptions.IdleTTL
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = DefaultOptions.SweepInterval
	}
	if opts.ShutdownConcurrency <= 0 {
		opts.ShutdownConcurrency = DefaultOptions.ShutdownConcurrency
	}

	p := &Pool{
		opts:   opts,
		reg:    registry.New(opts.Shards),
		prober: liveness.New(opts.ProbeTimeout),
		done:   make(chan struct{}),
	}

	p.sweeper = sweeper.New(p.reg, func(ctx context.Context, key string, h core.Handle) {
		p.evicted(ctx, key, h, metrics.ReasonIdle)
	}, func(o *sweeper.Options) {
		o.Interval = opts.SweepInterval
		o.IdleTTL = opts.IdleTTL
		o.Now = opts.Clock
		o.Logger = opts.Logger
	})
	if opts.SweepInterval > 0 {
		p.sweeper.Start()
	}

	return p
}

// RunInSession executes work in the session registered for key, creating the
// session on first use or when the pooled one no longer answers its liveness
// probe. owner is recorded when the session is created; an empty owner means
// the session has none.
//
// Calls for the same key are serialized. Calls for different keys never wait
// on each other.
func (p *Pool) RunInSession(ctx context.Context, key, owner string, work core.Payload) (*core.ExecutionResult, error) {
	if key == "" {
		return nil, &core.SessionError{Op: opRun, Key: key, Kind: core.ErrInvalidKey}
	}
	if !p.enter() {
		return nil, &core.SessionError{Op: opRun, Key: key, Kind: core.ErrPoolShutDown}
	}
	defer p.wg.Done()

	slot, err := p.lockSlot(ctx, key)
	if err != nil {
		return nil, &core.SessionError{Op: opRun, Key: key, Kind: core.ErrExecutionFailed, Err: err}
	}
	defer slot.Unlock()

	if p.closed.Load() {
		p.abandon(slot)
		return nil, &core.SessionError{Op: opRun, Key: key, Kind: core.ErrPoolShutDown}
	}

	h, owner, reserved, err := p.revive(ctx, slot, owner)
	if err != nil {
		return nil, err
	}

	fresh := h == nil
	if fresh {
		h, err = p.create(ctx, slot, owner, reserved)
		if err != nil {
			return nil, err
		}
	}

	res, err := p.execute(ctx, slot, h, work)

	// Shutdown began while this call held the session; nobody else can
	// reach the handle now, so close it here.
	if p.closed.Load() {
		if dh := p.reg.Detach(slot); dh != nil {
			p.evicted(context.Background(), key, dh, metrics.ReasonShutdown)
		}
	}

	if err != nil {
		return nil, err
	}
	res.Fresh = fresh
	return res, nil
}

// enter registers an in-flight call unless shutdown has begun.
func (p *Pool) enter() bool {
	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed.Load() {
		return false
	}
	p.wg.Add(1)
	return true
}

// lockSlot returns the locked slot for key, retrying when it raced with a
// removal. It returns ctx.Err() when ctx ends while another call holds the
// key.
func (p *Pool) lockSlot(ctx context.Context, key string) (*registry.Slot, error) {
	for {
		slot, _ := p.reg.Acquire(key)
		if err := slot.LockContext(ctx); err != nil {
			return nil, err
		}
		if !slot.Removed() {
			return slot, nil
		}
		slot.Unlock()
	}
}

// revive probes the pooled handle. It returns the handle when alive, or nil
// when the slot is empty or the handle was found dead. A replacement for a
// dead session inherits its owner when the call names none, and keeps the
// dead session's capacity reservation (reserved is true).
func (p *Pool) revive(ctx context.Context, slot *registry.Slot, owner string) (core.Handle, string, bool, error) {
	h := slot.Handle()
	if h == nil {
		return nil, owner, false, nil
	}

	start := time.Now()
	err := p.prober.Probe(ctx, h)
	p.opts.Metrics.ProbeCompleted(err == nil, time.Since(start))
	if err == nil {
		return h, owner, false, nil
	}
	if !liveness.IsDead(err) {
		// The caller gave up; that says nothing about the session.
		return nil, owner, false, &core.SessionError{Op: opRun, Key: slot.Key(), Kind: core.ErrExecutionFailed, Err: err}
	}

	p.probeFailures.Add(1)
	if prev, ok := slot.Record(); ok && owner == "" {
		owner = prev.OwnerID
	}
	p.opts.Logger.Info("session failed liveness probe; recreating",
		"session_key", slot.Key(), "handle_id", h.ID(), "error", err)

	p.closeAsync(slot.Key(), slot.Release(), metrics.ReasonDead)
	return nil, owner, true, nil
}

// create makes a new session for slot. reserved reports whether the caller
// already holds a capacity reservation.
func (p *Pool) create(ctx context.Context, slot *registry.Slot, owner string, reserved bool) (core.Handle, error) {
	key := slot.Key()
	backend := p.opts.Backend.Name()

	if !reserved && !p.reserve(key) {
		p.abandon(slot)
		p.opts.Metrics.SessionCreateFailed(backend)
		p.opts.Logger.Warn("session pool is full", "session_key", key, "max_sessions", p.opts.MaxSessions)
		return nil, &core.SessionError{Op: opCreate, Key: key, Kind: core.ErrSessionCreationFailed, Err: core.ErrPoolFull}
	}

	cctx, cancel := context.WithTimeout(ctx, p.opts.CreateTimeout)
	h, err := p.opts.Backend.Create(cctx, core.CreateRequest{Key: key, OwnerID: owner})
	cancel()
	if err != nil {
		p.live.Add(-1)
		p.abandon(slot)
		if reserved {
			p.mirrorDelete(key)
		}
		p.opts.Metrics.SessionCreateFailed(backend)
		p.opts.Metrics.SetActiveSessions(int(p.live.Load()))
		p.opts.Logger.Warn("session creation failed", "session_key", key, "backend", backend, "error", err)
		return nil, &core.SessionError{Op: opCreate, Key: key, Kind: core.ErrSessionCreationFailed, Err: err}
	}

	rec := core.NewRecord(key, owner, h, backend, p.opts.Clock())
	slot.Attach(h, rec)
	p.created.Add(1)
	p.opts.Metrics.SessionCreated(backend)
	p.opts.Metrics.SetActiveSessions(int(p.live.Load()))
	p.opts.Logger.Info("session created", "session_key", key, "owner_id", owner, "handle_id", h.ID(), "backend", backend)
	p.mirrorSave(rec)
	return h, nil
}

func (p *Pool) execute(ctx context.Context, slot *registry.Slot, h core.Handle, work core.Payload) (*core.ExecutionResult, error) {
	start := time.Now()
	res, err := h.Execute(ctx, work)
	elapsed := time.Since(start)

	// A failed execution still proves the session is alive and used.
	if rec, ok := slot.Touch(p.opts.Clock()); ok {
		p.mirrorSave(rec)
	}
	p.opts.Metrics.ExecutionCompleted(err == nil, elapsed)

	if err != nil {
		p.opts.Logger.Warn("execution failed", "session_key", slot.Key(), "handle_id", h.ID(), "error", err)
		return nil, &core.SessionError{Op: opExecute, Key: slot.Key(), Kind: core.ErrExecutionFailed, Err: err}
	}
	if res == nil {
		res = &core.ExecutionResult{}
	}
	if res.Duration == 0 {
		res.Duration = elapsed
	}
	res.HandleID = h.ID()
	return res, nil
}

// reserve claims room for one more session, making room under the LRU policy.
func (p *Pool) reserve(key string) bool {
	if p.tryReserve() {
		return true
	}
	if p.opts.CapacityPolicy != CapacityEvictLRU {
		return false
	}

	recs := p.reg.Snapshot()
	sort.Slice(recs, func(i, j int) bool { return recs[i].LastUsedAt.Before(recs[j].LastUsedAt) })
	for _, rec := range recs {
		if rec.Key == key {
			continue
		}
		handleID := rec.HandleID
		h, ok := p.reg.TryRemoveIf(rec.Key, func(r core.Record) bool { return r.HandleID == handleID })
		if !ok {
			continue
		}
		p.evicted(context.Background(), rec.Key, h, metrics.ReasonCapacity)
		if p.tryReserve() {
			return true
		}
	}
	return false
}

func (p *Pool) tryReserve() bool {
	limit := int64(p.opts.MaxSessions)
	for {
		n := p.live.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if p.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// abandon drops an empty slot so failed or rejected creations leave nothing
// behind. Caller must hold the slot lock.
func (p *Pool) abandon(slot *registry.Slot) {
	if slot.Handle() == nil {
		p.reg.Detach(slot)
	}
}

// GetInfo returns the record of the live session registered for key.
func (p *Pool) GetInfo(key string) (core.Record, bool) {
	return p.reg.Lookup(key)
}

// ListByOwner returns the records of all sessions owned by owner, ordered by
// key. An empty owner matches nothing.
func (p *Pool) ListByOwner(owner string) []core.Record {
	var out []core.Record
	if owner == "" {
		return out
	}
	for _, rec := range p.reg.Snapshot() {
		if rec.OwnedBy(owner) {
			out = append(out, rec)
		}
	}
	return out
}

// Evict removes and closes the session registered for key, waiting for an
// in-flight call on it to finish first. It reports whether a session was
// present. Close failures are logged, not returned.
func (p *Pool) Evict(key string) bool {
	ok, _ := p.EvictContext(context.Background(), key)
	return ok
}

// EvictContext is Evict bounded by ctx. When ctx ends while a call is still
// using the session, the session is left in place and ctx.Err() is returned.
func (p *Pool) EvictContext(ctx context.Context, key string) (bool, error) {
	h, ok, err := p.reg.RemoveContext(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	p.evicted(context.Background(), key, h, metrics.ReasonEvicted)
	return true, nil
}

// EvictAllForOwner removes and closes every session owned by owner and returns
// how many were removed. Sessions of other owners are not touched.
func (p *Pool) EvictAllForOwner(owner string) int {
	if owner == "" {
		return 0
	}
	var keys []string
	for _, rec := range p.reg.Snapshot() {
		if rec.OwnedBy(owner) {
			keys = append(keys, rec.Key)
		}
	}
	n := p.removeAll(keys, func(r core.Record) bool { return r.OwnedBy(owner) }, metrics.ReasonOwner)
	p.opts.Logger.Info("evicted owner sessions", "owner_id", owner, "count", n)
	return n
}

// removeAll removes and closes keys in parallel, bounded by
// ShutdownConcurrency.
func (p *Pool) removeAll(keys []string, pred func(core.Record) bool, reason string) int {
	var (
		n atomic.Int64
		g errgroup.Group
	)
	g.SetLimit(p.opts.ShutdownConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			if h, ok := p.reg.RemoveIf(key, pred); ok {
				p.evicted(context.Background(), key, h, reason)
				n.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(n.Load())
}

// Sweep runs one idle-eviction pass immediately and returns how many sessions
// it closed.
func (p *Pool) Sweep(ctx context.Context) int {
	return p.sweeper.Sweep(ctx)
}

// Shutdown stops the sweeper, rejects new calls, waits for in-flight calls to
// finish and closes every remaining session. It is idempotent. If ctx expires
// before in-flight calls drain, Shutdown returns ctx.Err() while the remaining
// sessions are still closed in the background.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.gate.Lock()
		p.closed.Store(true)
		p.gate.Unlock()

		p.opts.Logger.Info("pool shutting down", "active", p.live.Load())
		p.sweeper.Stop()

		go func() {
			defer close(p.done)
			p.wg.Wait()
			n := p.removeAll(p.reg.Keys(), nil, metrics.ReasonShutdown)
			p.opts.Logger.Info("pool shut down", "closed", n)
		}()
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:        int(p.live.Load()),
		Created:       p.created.Load(),
		Closed:        p.closedCount.Load(),
		ProbeFailures: p.probeFailures.Load(),
		ShutDown:      p.closed.Load(),
	}
}

// evicted accounts for a handle detached from the registry and closes it.
func (p *Pool) evicted(ctx context.Context, key string, h core.Handle, reason string) {
	p.live.Add(-1)
	p.opts.Metrics.SetActiveSessions(int(p.live.Load()))
	p.closeHandle(ctx, key, h, reason)
	p.mirrorDelete(key)
}

// closeAsync closes a dead handle without holding up the caller. The slot
// keeps its capacity reservation for the replacement session.
func (p *Pool) closeAsync(key string, h core.Handle, reason string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.closeHandle(context.Background(), key, h, reason)
	}()
}

func (p *Pool) closeHandle(ctx context.Context, key string, h core.Handle, reason string) {
	cctx, cancel := context.WithTimeout(ctx, p.opts.CloseTimeout)
	defer cancel()

	err := h.Close(cctx)
	p.closedCount.Add(1)
	p.opts.Metrics.SessionClosed(reason, err)
	if err != nil {
		p.opts.Logger.Warn("session close failed", "session_key", key, "handle_id", h.ID(), "reason", reason, "error", err)
		return
	}
	p.opts.Logger.Debug("session closed", "session_key", key, "handle_id", h.ID(), "reason", reason)
}

func (p *Pool) mirrorSave(rec core.Record) {
	if p.opts.RecordStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
	defer cancel()
	if err := p.opts.RecordStore.Save(ctx, rec); err != nil {
		p.opts.Logger.Warn("record mirror save failed", "session_key", rec.Key, "error", err)
	}
}

func (p *Pool) mirrorDelete(key string) {
	if p.opts.RecordStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.CloseTimeout)
	defer cancel()
	if err := p.opts.RecordStore.Delete(ctx, key); err != nil {
		p.opts.Logger.Warn("record mirror delete failed", "session_key", key, "error", err)
	}
}
