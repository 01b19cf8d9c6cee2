package dbpool

import (
	"context"
	"log/slog"
	"time"

	"github.com/gammazero/deque"
	"github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/semaphore"
)

// permitBudget is the capacity of the permit semaphore. It only bounds how
// many sessions can be idle at once, so it is set far above any realistic
// pool size.
const permitBudget = 1 << 30

// idleQueue pairs a LIFO deque of ready sessions with a fair counting
// semaphore whose available permits equal the deque length. The semaphore is
// the sole rendezvous between releasers and waiters: its FIFO waiter queue
// guarantees that blocked acquirers are served in arrival order, while the
// deque's LIFO discipline keeps recently used sessions hot and leaves the
// coldest session at the tail for idle pruning.
type idleQueue struct {
	permits *semaphore.Weighted
	log     *slog.Logger

	mu      deadlock.Mutex
	entries deque.Deque[*pooledSession]
}

func newIdleQueue(log *slog.Logger) *idleQueue {
	q := &idleQueue{permits: semaphore.NewWeighted(permitBudget), log: log}
	// Start with every permit held; put releases one per queued entry, so
	// available permits track the deque length.
	q.permits.TryAcquire(permitBudget)
	return q
}

// put makes an entry available for leasing. The entry is pushed to the front
// so the most recently released session is the first to be reused.
func (q *idleQueue) put(ps *pooledSession) {
	q.mu.Lock()
	q.entries.PushFront(ps)
	q.mu.Unlock()
	q.permits.Release(1)
}

// take waits up to budget for a permit and pops the front entry. It returns
// (nil, nil) when the budget elapses without a permit, and an error only
// when ctx itself is cancelled. Budgets under a millisecond are not worth a
// wait and return immediately.
func (q *idleQueue) take(ctx context.Context, budget time.Duration) (*pooledSession, error) {
	if budget < time.Millisecond {
		return nil, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	if err := q.permits.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries.Len() == 0 {
		// Should not happen: a permit implies a queued entry.
		q.permits.Release(1)
		return nil, nil
	}
	return q.entries.PopFront(), nil
}

// removeOldest atomically takes the tail entry out of the queue, but only if
// it is still the entry the caller peeked at. The permit is claimed first
// with a 1 ms bounded attempt; holding it guarantees no waiter can be handed
// the entry while it is being removed. Any surprise (sudden lease, changed
// tail, empty queue) aborts and restores the permit.
func (q *idleQueue) removeOldest(expected *pooledSession) bool {
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if err := q.permits.Acquire(waitCtx, 1); err != nil {
		// Sudden busy moment: all sessions got leased, so nothing to prune.
		return false
	}
	if expected.isLeased() {
		q.permits.Release(1)
		q.log.Warn("idle session got leased after acquiring permit to remove it")
		return false
	}
	q.mu.Lock()
	if q.entries.Len() == 0 {
		q.mu.Unlock()
		q.permits.Release(1)
		q.log.Warn("idle session no longer in queue after acquiring permit to remove it")
		return false
	}
	tail := q.entries.PopBack()
	if tail != expected {
		q.entries.PushBack(tail)
		q.mu.Unlock()
		q.permits.Release(1)
		q.log.Warn("idle session no longer last in queue after acquiring permit to remove it")
		return false
	}
	q.mu.Unlock()
	return true
}

// peekOldest returns the tail entry without removing it, or nil when the
// queue is empty.
func (q *idleQueue) peekOldest() *pooledSession {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries.Len() == 0 {
		return nil
	}
	return q.entries.Back()
}

func (q *idleQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}
