package dbpool

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMaxLeaseTime   = 2 * time.Minute
	defaultMaxIdleTime    = time.Minute
	defaultWatchInterval  = time.Second
	defaultEvictThreshold = 3
)

// Watcher is a background task that frequently checks whether sessions are
// returned to the pool within the maximum lease time or have reached the
// maximum idle time.
//
// There can be different reasons for a lease time-out: the code that
// acquired a session did not release it (programming error), the database
// is busy or a query takes a long time to complete, or the borrower is
// hanging (e.g. waiting on I/O). When testing, set MaxLeaseTime at a low
// value to catch the first two cases. In production, set MaxLeaseTime at a
// high value and consider setting Interrupt to unlock hanging borrowers and
// a sensible EvictThreshold to stop a leaked session from locking the
// application.
//
// If a lease has expired, a warning is logged with the borrower's acquire
// site, and the lease clock restarts so the warning repeats every lease
// period until the session is released. If a lease expires EvictThreshold
// times, the session is considered lost and removed (evicted) from the
// pool, making room for a fresh session. When an evicted session is later
// released, an additional "not in the pool" message is logged (see
// Pool.Release).
//
// Idle time-out checks depend on the LIFO nature of the idle queue.
//
// All fields may be set until the pool is opened.
type Watcher struct {
	// MaxLeaseTime is the maximum time a session can be leased.
	// Value 0 means no lease time-out. An expired session is marked dirty
	// but still counts as an open session; only after eviction is there
	// room in the pool for a new session.
	MaxLeaseTime time.Duration
	// MaxIdleTime is the maximum time a session can be idle. Value 0 means
	// no idle time-out. The pool is never pruned below its minimum size.
	MaxIdleTime time.Duration
	// Interval is the frequency at which the watcher checks for expired
	// leases and idle sessions.
	Interval time.Duration
	// EvictThreshold is the amount of times a lease can expire before the
	// session is considered lost and evicted. Value 0 means never evict;
	// value 1 evicts on the first expired lease. A borrower that has
	// terminated is evicted regardless of the threshold.
	EvictThreshold int
	// Interrupt cancels the lease context of borrowers whose lease has
	// expired. Use with care.
	Interrupt bool
	// CloseEvicted attempts to close the raw session of an evicted entry,
	// unless CloseEvictedOnlyWhenBorrowerDone is also set. When neither
	// setting leads to a close, the session is left for the borrower to
	// release.
	CloseEvicted bool
	// CloseEvictedOnlyWhenBorrowerDone closes the raw session of an evicted
	// entry only when the borrower has terminated, whatever CloseEvicted
	// says.
	CloseEvictedOnlyWhenBorrowerDone bool

	pool *Pool

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	done      chan struct{}

	expiredTotal atomic.Int64
	idledTotal   atomic.Int64
	evictedTotal atomic.Int64
}

func newWatcher(pool *Pool) *Watcher {
	return &Watcher{
		MaxLeaseTime:   defaultMaxLeaseTime,
		MaxIdleTime:    defaultMaxIdleTime,
		Interval:       defaultWatchInterval,
		EvictThreshold: defaultEvictThreshold,
		pool:           pool,
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// enabled reports whether any time bound is configured.
func (w *Watcher) enabled() bool { return w.MaxLeaseTime > 0 || w.MaxIdleTime > 0 }

func (w *Watcher) start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

// Stop stops the watcher and waits for the current scan to finish. It is
// safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.started.Load() {
		<-w.done
	}
}

// run checks sessions for lease and idle time-outs at regular intervals
// until Stop is called. An unexpected error stops the watcher but leaves
// the pool serving.
func (w *Watcher) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("session pool watcher no longer operational due to unexpected error",
				"factory", w.pool.factory.Describe(), "error", r)
		}
		w.logSummary()
	}()
	for {
		w.checkLeaseTimeout()
		w.checkIdleTimeout()
		select {
		case <-w.stopCh:
			return
		case <-time.After(w.Interval):
		}
	}
}

func (w *Watcher) logSummary() {
	expired, idled, evicted := w.expiredTotal.Load(), w.idledTotal.Load(), w.evictedTotal.Load()
	if expired > 0 || idled > 0 || evicted > 0 {
		w.pool.logger.Info("session pool watcher closed",
			"factory", w.pool.factory.Describe(),
			"idleSessionsClosed", idled, "leasesExpired", expired, "evicted", evicted)
	} else {
		w.pool.logger.Debug("session pool watcher closed",
			"factory", w.pool.factory.Describe())
	}
}

// checkLeaseTimeout checks every leased session against its lease bound.
// An expired session is marked dirty; its borrower may be interrupted, and
// once the expiry count reaches EvictThreshold (or the borrower has
// terminated) the session is evicted.
func (w *Watcher) checkLeaseTimeout() {
	for t := range w.pool.registry.IterBuffered() {
		ps := t.Val.(*pooledSession)
		if !ps.isLeased() {
			continue
		}
		maxLease := ps.maxLeaseTime()
		if maxLease < 1 {
			continue
		}
		if ps.waitElapsed() < maxLease {
			continue
		}
		b := ps.borrower()
		if b == nil || !ps.isLeased() {
			// Released between the checks above; nothing expired.
			continue
		}
		stack := b.stackTrace()
		ps.markDirty()
		ps.leaseExpiredCount++
		interrupted := false
		evict := false
		if b.terminated() {
			evict = true
		} else if w.Interrupt {
			b.interrupt()
			interrupted = true
		}
		if w.EvictThreshold > 0 && (evict || ps.leaseExpiredCount >= w.EvictThreshold) {
			w.evictSession(ps, stack, evict, interrupted)
			continue
		}
		w.expiredTotal.Add(1)
		ps.resetWaitStart()
		w.pool.logger.Warn("lease time expired for pooled database session",
			"factory", w.pool.factory.Describe(),
			"maxLeaseTime", maxLease,
			"borrower", b.String(),
			"interrupted", interrupted,
			"acquiredAt", stack)
	}
}

// evictSession removes a leased session from the pool. The raw session is
// closed only when the eviction policy says so; otherwise it stays with the
// borrower, whose eventual release closes it via the "not in the pool"
// path.
func (w *Watcher) evictSession(ps *pooledSession, stack string, borrowerDone, borrowerInterrupted bool) {
	w.evictedTotal.Add(1)
	w.pool.registry.Remove(ps.key)
	w.pool.openCount.Add(-1)
	closeSession := (w.CloseEvicted && !w.CloseEvictedOnlyWhenBorrowerDone) ||
		(w.CloseEvictedOnlyWhenBorrowerDone && borrowerDone)
	w.pool.logger.Warn("evicting database session from pool after lease time expired",
		"factory", w.pool.factory.Describe(),
		"expiries", ps.leaseExpiredCount,
		"borrowerTerminated", borrowerDone,
		"borrowerInterrupted", borrowerInterrupted,
		"closingSession", closeSession,
		"acquiredAt", stack)
	if closeSession {
		w.pool.factory.CloseRollback(ps.sess, true)
	}
}

// checkIdleTimeout prunes sessions that have been idle longer than
// MaxIdleTime, oldest first, while the pool is above its minimum size.
// The oldest idle session is always the queue tail thanks to LIFO reuse.
func (w *Watcher) checkIdleTimeout() {
	if w.MaxIdleTime < 1 || w.pool.openCount.Load() <= w.pool.minSize.Load() {
		return
	}
	ps := w.pool.idle.peekOldest()
	for ps != nil && !ps.isLeased() && ps.waitElapsed() >= w.MaxIdleTime {
		if !w.pool.idle.removeOldest(ps) {
			// A burst of traffic grabbed it first; no idle time-outs now.
			return
		}
		w.pool.discard(ps)
		w.idledTotal.Add(1)
		w.pool.logger.Info("removed an idle session from pool",
			"factory", w.pool.factory.Describe(), "open", w.pool.openCount.Load())
		if w.pool.openCount.Load() > w.pool.minSize.Load() {
			ps = w.pool.idle.peekOldest()
		} else {
			ps = nil
		}
	}
}

// ExpiredTotal returns the number of lease expiries that were warned about.
// An expiry that leads to eviction is counted by EvictedTotal instead.
func (w *Watcher) ExpiredTotal() int64 { return w.expiredTotal.Load() }

// IdledTotal returns the number of sessions closed because they were idle
// longer than MaxIdleTime.
func (w *Watcher) IdledTotal() int64 { return w.idledTotal.Load() }

// EvictedTotal returns the number of sessions removed from the pool because
// they were not released.
func (w *Watcher) EvictedTotal() int64 { return w.evictedTotal.Load() }
