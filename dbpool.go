// Package dbpool manages raw database sessions in a pool.
//
// A Pool retains a bounded set of live sessions and lends them to concurrent
// callers: a caller acquires a session, uses it exclusively for a scope of
// work (typically a transaction) and releases it back. Sessions are opened,
// validated and closed through a pluggable SessionFactory. A background
// Watcher enforces lease and idle time bounds and evicts sessions whose
// borrowers have stalled or leaked.
//
// Before usage, a session factory must be set and Open must be called.
package dbpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/sasha-s/go-deadlock"
)

const (
	defaultMinSize        = 1
	defaultMaxSize        = 10
	defaultMaxAcquireTime = 50 * time.Second
)

// Pool manages database sessions in a pool. It is safe for concurrent use
// by multiple goroutines.
type Pool struct {
	minSize atomic.Int32
	maxSize atomic.Int32
	// The maximum time it may take to get a session from the pool.
	maxAcquireTime time.Duration

	factory SessionFactory
	watcher *Watcher
	logger  *slog.Logger

	// All sessions in the pool, keyed by session identity.
	registry cmap.ConcurrentMap
	// Sessions ready to be leased, coordinated with the fair permit counter.
	idle *idleQueue

	// Serializes session creation so the pool never storms the database
	// during bursts; a session is opened by one caller at a time.
	growMu  deadlock.Mutex
	closeMu deadlock.Mutex

	// Amount of sessions in the pool, tracked separately because registry
	// cardinality is O(n).
	openCount    atomic.Int32
	createdTotal atomic.Int64
	invalidTotal atomic.Int64

	closed atomic.Bool
}

// NewPool returns a pool with default bounds (min 1, max 10 sessions, 50s
// acquire budget) and an unstarted watcher with default time bounds. All
// bounds and the watcher configuration can be changed until Open is called.
func NewPool() *Pool {
	pool := &Pool{
		registry:       cmap.New(),
		logger:         slog.Default(),
		maxAcquireTime: defaultMaxAcquireTime,
	}
	pool.minSize.Store(defaultMinSize)
	pool.maxSize.Store(defaultMaxSize)
	pool.idle = newIdleQueue(pool.logger)
	pool.watcher = newWatcher(pool)
	return pool
}

// SetFactory sets the session factory. Required before Open.
func (pool *Pool) SetFactory(factory SessionFactory) { pool.factory = factory }

// Factory returns the session factory.
func (pool *Pool) Factory() SessionFactory { return pool.factory }

// SetLogger replaces the pool's logger. The watcher logs through the pool.
func (pool *Pool) SetLogger(logger *slog.Logger) {
	pool.logger = logger
	pool.idle.log = logger
}

// SetMinSize sets the minimum amount of sessions kept in the pool. The
// watcher never prunes idle sessions below this bound.
func (pool *Pool) SetMinSize(n int) { pool.minSize.Store(int32(n)) }

// MinSize returns the minimum amount of sessions kept in the pool.
func (pool *Pool) MinSize() int { return int(pool.minSize.Load()) }

// SetMaxSize sets the maximum amount of sessions in the pool. Must be called
// before Open.
func (pool *Pool) SetMaxSize(n int) { pool.maxSize.Store(int32(n)) }

// MaxSize returns the maximum amount of sessions in the pool.
func (pool *Pool) MaxSize() int { return int(pool.maxSize.Load()) }

// SetMaxAcquireTime sets the default acquire budget used by Acquire. Must be
// called before Open.
func (pool *Pool) SetMaxAcquireTime(d time.Duration) { pool.maxAcquireTime = d }

// Watcher returns the pool's time-out watcher. Its configuration may be
// changed until Open is called.
func (pool *Pool) Watcher() *Watcher { return pool.watcher }

// Open initializes the minimum amount of sessions and starts the watcher if
// any time bound is configured.
//
// When failFast is true, an error opening the minimum amount of sessions
// force-closes everything created so far and is returned. When false, the
// error is logged and the pool opens with fewer sessions.
//
// A closed pool cannot be opened again.
func (pool *Pool) Open(ctx context.Context, failFast bool) error {
	if pool.closed.Load() {
		return fmt.Errorf("%w: cannot re-use a closed session pool", ErrPoolClosed)
	}
	if pool.factory == nil {
		return ErrFactoryMissing
	}
	warmed := 0
	for warmed < pool.MinSize() {
		sess, err := pool.Acquire(ctx)
		if err != nil {
			if failFast {
				pool.logger.Error("failed to open session pool",
					"factory", pool.factory.Describe(), "error", err)
				pool.removeAll()
				return err
			}
			pool.logger.Error("could not initialize minimum amount of sessions for pool",
				"factory", pool.factory.Describe(),
				"acquired", warmed, "min", pool.MinSize(), "error", err)
			break
		}
		pool.Release(sess)
		warmed++
	}
	if pool.watcher.enabled() {
		pool.watcher.start()
	}
	return nil
}

// Acquire gets a session from the pool within the pool's acquire budget,
// with the watcher's maximum lease time as the lease bound.
func (pool *Pool) Acquire(ctx context.Context) (Session, error) {
	return pool.AcquireLease(ctx, pool.maxAcquireTime, pool.watcher.MaxLeaseTime)
}

// AcquireTimeout gets a session from the pool within acquireTimeout, with
// the watcher's maximum lease time as the lease bound.
func (pool *Pool) AcquireTimeout(ctx context.Context, acquireTimeout time.Duration) (Session, error) {
	return pool.AcquireLease(ctx, acquireTimeout, pool.watcher.MaxLeaseTime)
}

// AcquireLease gets a session from the pool within acquireTimeout and sets
// leaseTimeout as the session's lease bound.
//
// A free session is preferred; a short bounded wait lets bursts reuse
// recently released sessions before the pool grows. Sessions that fail
// validation are discarded and the wait continues until a session is
// obtained or the acquire budget runs out.
func (pool *Pool) AcquireLease(ctx context.Context, acquireTimeout, leaseTimeout time.Duration) (Session, error) {
	if pool.closed.Load() {
		return nil, ErrPoolClosed
	}
	if pool.factory == nil {
		return nil, ErrFactoryMissing
	}
	if pool.openCount.Load() < pool.minSize.Load() {
		ps, err := pool.grow(ctx, leaseTimeout)
		if err != nil {
			return nil, err
		}
		if ps != nil {
			return ps.sess, nil
		}
	}
	start := nowFunc()
	var ps *pooledSession
	for {
		retry := false
		var err error
		ps, err = pool.idle.take(ctx, time.Millisecond)
		if err != nil {
			return nil, acquireAborted(ctx)
		}
		if ps == nil && pool.openCount.Load() < pool.maxSize.Load() {
			grown, err := pool.grow(ctx, leaseTimeout)
			if err != nil {
				return nil, err
			}
			if grown != nil {
				return grown.sess, nil
			}
		}
		if ps == nil {
			ps, err = pool.idle.take(ctx, acquireTimeout-nowFunc().Sub(start))
			if err != nil {
				return nil, acquireAborted(ctx)
			}
		}
		if ps != nil {
			if !ps.isDirty() {
				if verr := pool.factory.Validate(ps.sess); verr != nil {
					pool.logger.Info("database session from pool is invalid",
						"factory", pool.factory.Describe(), "error", verr)
					ps.markDirty()
					pool.invalidTotal.Add(1)
				}
			}
			if ps.isDirty() {
				pool.discard(ps)
				ps = nil
				retry = true
			}
		}
		if ps != nil || (!retry && nowFunc().Sub(start) >= acquireTimeout) {
			break
		}
	}
	if ps == nil {
		return nil, fmt.Errorf("%w: no session from %s within %v",
			ErrAcquireTimeout, pool.factory.Describe(), acquireTimeout)
	}
	ps.markLeased(newBorrower(ctx), leaseTimeout)
	return ps.sess, nil
}

// acquireAborted maps a context failure during an acquire wait to the error
// the caller sees: a budget overrun or a cancellation.
func acquireAborted(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrAcquireTimeout, ctx.Err())
	}
	return fmt.Errorf("%w: %v", ErrAcquireInterrupted, ctx.Err())
}

// grow opens a new session if the pool is not at its maximum size. Creation
// is serialized: the bound is re-checked and the factory called under the
// growth mutex. The returned session is born leased to the caller.
func (pool *Pool) grow(ctx context.Context, leaseTimeout time.Duration) (*pooledSession, error) {
	pool.growMu.Lock()
	defer pool.growMu.Unlock()
	if pool.openCount.Load() >= pool.maxSize.Load() {
		return nil, nil
	}
	sess, err := pool.factory.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrFactoryOpen, pool.factory.Describe(), err)
	}
	ps := newPooledSession(sess, newBorrower(ctx), leaseTimeout)
	pool.registry.Set(ps.key, ps)
	pool.openCount.Add(1)
	pool.createdTotal.Add(1)
	pool.logger.Debug("created database session",
		"factory", pool.factory.Describe(), "open", pool.openCount.Load())
	return ps, nil
}

// Release returns the session to the pool so that another caller may use
// it. Releasing nil has no effect. A session that is not in the pool (for
// example because the watcher evicted it) is closed via the factory without
// touching the open count, since eviction already deducted it.
func (pool *Pool) Release(sess Session) {
	if sess == nil {
		return
	}
	v, ok := pool.registry.Get(sessionKey(sess))
	if !ok {
		pool.logger.Error("cannot release a database session that is not in the pool",
			"factory", pool.factory.Describe())
		pool.closeSession(sess, false)
		return
	}
	ps := v.(*pooledSession)
	if !ps.isLeased() {
		pool.logger.Warn("database session is already released",
			"factory", pool.factory.Describe())
		return
	}
	ps.markReleased()
	if ps.isDirty() {
		pool.discard(ps)
	} else {
		pool.idle.put(ps)
	}
}

// MarkDirty marks a session as dirty, which removes it from the pool and
// closes it on its next release or acquire validation. It reports whether
// the session was part of the pool.
func (pool *Pool) MarkDirty(sess Session) bool {
	v, ok := pool.registry.Get(sessionKey(sess))
	if !ok {
		return false
	}
	v.(*pooledSession).markDirty()
	return true
}

// Flush marks all sessions as dirty so they will be closed and replaced by
// fresh sessions as they pass through release or acquire.
func (pool *Pool) Flush() {
	for t := range pool.registry.IterBuffered() {
		t.Val.(*pooledSession).markDirty()
	}
}

// LeaseContext returns the lease context of a leased session. The context
// is derived from the borrower's acquire context and is cancelled when the
// watcher interrupts the borrower or when the session is released; running
// database waits against it makes them interruptible. For a session that is
// not leased from this pool, the background context is returned.
func (pool *Pool) LeaseContext(sess Session) context.Context {
	if v, ok := pool.registry.Get(sessionKey(sess)); ok {
		if b := v.(*pooledSession).borrower(); b != nil {
			return b.leaseCtx
		}
	}
	return context.Background()
}

// discard removes a session from the pool and closes it.
func (pool *Pool) discard(ps *pooledSession) {
	ps.markDirty()
	pool.registry.Remove(ps.key)
	pool.closeSession(ps.sess, true)
}

// closeSession closes the raw session via the factory. wasPooled deducts
// the session from the open count; an evicted session was already deducted.
func (pool *Pool) closeSession(sess Session, wasPooled bool) {
	pool.factory.Close(sess)
	if wasPooled {
		pool.openCount.Add(-1)
	}
	pool.logger.Debug("closed database session",
		"factory", pool.factory.Describe(), "remaining", pool.openCount.Load())
}

// removeAll force-removes every session from the pool.
func (pool *Pool) removeAll() {
	for t := range pool.registry.IterBuffered() {
		pool.discard(t.Val.(*pooledSession))
	}
}

// Close marks the pool as closed, stops the watcher and closes all
// sessions. No more sessions will be provided; a closed pool stays closed.
// Close is idempotent.
func (pool *Pool) Close() {
	pool.closeMu.Lock()
	defer pool.closeMu.Unlock()
	pool.closed.Store(true)
	pool.watcher.Stop()
	closedSessions := 0
	for t := range pool.registry.IterBuffered() {
		ps := t.Val.(*pooledSession)
		pool.registry.Remove(t.Key)
		pool.closeSession(ps.sess, true)
		closedSessions++
	}
	if pool.factory != nil {
		pool.logger.Info("closed database session pool",
			"factory", pool.factory.Describe(),
			"closed", closedSessions, "created", pool.createdTotal.Load())
	}
}

// OpenCount returns the amount of sessions in the pool.
func (pool *Pool) OpenCount() int { return int(pool.openCount.Load()) }

// IdleCount returns the amount of sessions available for usage.
func (pool *Pool) IdleCount() int { return pool.idle.len() }

// UsedCount returns the amount of sessions being used, i.e. waiting for
// release.
func (pool *Pool) UsedCount() int { return pool.OpenCount() - pool.IdleCount() }

// CreatedTotal returns the number of sessions created over the pool's
// lifetime.
func (pool *Pool) CreatedTotal() int64 { return pool.createdTotal.Load() }

// InvalidTotal returns the number of sessions discarded because validation
// failed.
func (pool *Pool) InvalidTotal() int64 { return pool.invalidTotal.Load() }
