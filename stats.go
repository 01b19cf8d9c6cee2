package dbpool

import "fmt"

// PoolStats contains a snapshot of pool statistics.
type PoolStats struct {
	// Pool status
	MaxSize int // Maximum amount of sessions in the pool.
	Open    int // The number of established sessions both in use and idle.
	InUse   int // The number of sessions currently in use.
	Idle    int // The number of sessions ready to be leased.

	// Counters
	Created int64 // The total number of sessions created.
	Invalid int64 // The total number of sessions that failed validation.
	Expired int64 // The total number of lease expiries that did not lead to eviction.
	Idled   int64 // The total number of sessions closed for idling.
	Evicted int64 // The total number of sessions evicted from the pool.
}

// Stats returns pool statistics.
func (pool *Pool) Stats() PoolStats {
	open := pool.OpenCount()
	idle := pool.IdleCount()
	return PoolStats{
		MaxSize: pool.MaxSize(),
		Open:    open,
		Idle:    idle,
		InUse:   open - idle,
		Created: pool.createdTotal.Load(),
		Invalid: pool.invalidTotal.Load(),
		Expired: pool.watcher.ExpiredTotal(),
		Idled:   pool.watcher.IdledTotal(),
		Evicted: pool.watcher.EvictedTotal(),
	}
}

// Status returns a one-line description of the pool's state, suitable for
// log messages.
func (pool *Pool) Status() string {
	s := pool.Stats()
	desc := "unconfigured"
	if pool.factory != nil {
		desc = pool.factory.Describe()
	}
	return fmt.Sprintf("session pool for %s: open=%d idle=%d used=%d created=%d invalid=%d expired=%d idled=%d evicted=%d",
		desc, s.Open, s.Idle, s.InUse, s.Created, s.Invalid, s.Expired, s.Idled, s.Evicted)
}
