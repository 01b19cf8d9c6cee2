package dbpool

import (
	"context"
	"fmt"
	"time"
)

// DbConn couples a pool with a lazily acquired session, so code can pass
// one handle around, get the session on first use and hand everything back
// with a single Close. It also keeps statistics on how long acquiring took.
//
// A DbConn is meant for use by one goroutine at a time.
type DbConn struct {
	pool *Pool
	sess Session

	acquireCount  int64
	totalWaitTime time.Duration
	maxWaitTime   time.Duration
}

// NewDbConn returns an unconnected DbConn for the pool.
func NewDbConn(pool *Pool) *DbConn {
	return &DbConn{pool: pool}
}

// Session returns the borrowed session, acquiring one from the pool on
// first use.
func (c *DbConn) Session(ctx context.Context) (Session, error) {
	if c.sess != nil {
		return c.sess, nil
	}
	start := nowFunc()
	sess, err := c.pool.Acquire(ctx)
	waited := nowFunc().Sub(start)
	c.acquireCount++
	c.totalWaitTime += waited
	if waited > c.maxWaitTime {
		c.maxWaitTime = waited
	}
	if err != nil {
		return nil, err
	}
	c.sess = sess
	return sess, nil
}

// Dirty marks the borrowed session as dirty so the pool replaces it after
// release. A no-op when no session is held.
func (c *DbConn) Dirty() {
	if c.sess != nil {
		c.pool.MarkDirty(c.sess)
	}
}

// Close releases the borrowed session back to the pool. The DbConn can be
// used again; the next Session call acquires a fresh session.
func (c *DbConn) Close() {
	if c.sess != nil {
		c.pool.Release(c.sess)
		c.sess = nil
	}
}

// WaitStats describes how often and how long this DbConn waited to acquire
// a session.
func (c *DbConn) WaitStats() string {
	avg := time.Duration(0)
	if c.acquireCount > 0 {
		avg = c.totalWaitTime / time.Duration(c.acquireCount)
	}
	return fmt.Sprintf("acquired %d times, total wait %v, max wait %v, avg wait %v",
		c.acquireCount, c.totalWaitTime, c.maxWaitTime, avg)
}
