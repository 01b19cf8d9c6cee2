package dbpool

import (
	"context"
	"fmt"
	"path"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"
)

// nowFunc returns the current time; it's overridden in tests.
var nowFunc = time.Now

// borrower identifies the goroutine currently holding a leased session and
// carries its cancellation handle. The caller's acquire context doubles as
// the liveness signal: when it is done, the borrower is considered
// terminated. The lease context derived from it is what the watcher cancels
// when interrupting a borrower.
type borrower struct {
	ctx      context.Context
	leaseCtx context.Context
	cancel   context.CancelFunc
	gid      int64
	stack    []uintptr
}

func newBorrower(ctx context.Context) *borrower {
	leaseCtx, cancel := context.WithCancel(ctx)
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	return &borrower{
		ctx:      ctx,
		leaseCtx: leaseCtx,
		cancel:   cancel,
		gid:      goid.Get(),
		stack:    pcs[:n],
	}
}

// terminated reports whether the borrower's own context has ended.
func (b *borrower) terminated() bool { return b.ctx.Err() != nil }

// interrupt cancels the lease context, waking the borrower from any wait
// that observes it. It does not forcibly stop the borrower.
func (b *borrower) interrupt() { b.cancel() }

func (b *borrower) String() string { return fmt.Sprintf("goroutine-%d", b.gid) }

// stackTrace formats the acquire call site captured when the lease began.
func (b *borrower) stackTrace() string {
	var sb strings.Builder
	frames := runtime.CallersFrames(b.stack)
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s(%s:%d)\n", frame.Function, path.Base(frame.File), frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

// pooledSession keeps track of pool properties for one raw database session.
// Most of these properties are used by the Watcher, which reads them without
// locks; every field it touches is individually atomic.
type pooledSession struct {
	sess Session
	key  string

	user      atomic.Pointer[borrower]
	waitStart atomic.Int64 // unix nanos; lease start when leased, idle start otherwise
	maxLease  atomic.Int64 // lease bound chosen at lend-time, nanoseconds
	dirty     atomic.Bool
	leased    atomic.Bool

	// Number of consecutive lease expiries seen by the watcher. Watcher
	// goroutine only.
	leaseExpiredCount int
}

func newPooledSession(sess Session, b *borrower, leaseTimeout time.Duration) *pooledSession {
	ps := &pooledSession{sess: sess, key: sessionKey(sess)}
	ps.markLeased(b, leaseTimeout)
	return ps
}

// sessionKey derives the registry key for a session handle. Factories hand
// out pointer handles, so the address is the identity.
func sessionKey(sess Session) string { return fmt.Sprintf("%p", sess) }

func (ps *pooledSession) markLeased(b *borrower, leaseTimeout time.Duration) {
	ps.maxLease.Store(int64(leaseTimeout))
	ps.user.Store(b)
	ps.leased.Store(true)
	ps.waitStart.Store(nowFunc().UnixNano())
}

func (ps *pooledSession) markReleased() {
	ps.leased.Store(false)
	if b := ps.user.Swap(nil); b != nil {
		b.cancel()
	}
	ps.waitStart.Store(nowFunc().UnixNano())
}

// markDirty is idempotent; a dirty session is never reused and will be
// removed from the pool on the next release or acquire validation.
func (ps *pooledSession) markDirty() { ps.dirty.Store(true) }

func (ps *pooledSession) isDirty() bool  { return ps.dirty.Load() }
func (ps *pooledSession) isLeased() bool { return ps.leased.Load() }

func (ps *pooledSession) borrower() *borrower { return ps.user.Load() }

func (ps *pooledSession) maxLeaseTime() time.Duration {
	return time.Duration(ps.maxLease.Load())
}

// waitElapsed returns how long the session has been in its current state:
// leased-for when leased, idle-for when idle.
func (ps *pooledSession) waitElapsed() time.Duration {
	return time.Duration(nowFunc().UnixNano() - ps.waitStart.Load())
}

// resetWaitStart restarts the expiry window so the next lease warning fires
// one full lease period later.
func (ps *pooledSession) resetWaitStart() {
	ps.waitStart.Store(nowFunc().UnixNano())
}
