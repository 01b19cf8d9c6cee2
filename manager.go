package dbpool

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sasha-s/go-deadlock"
)

// Manager keeps one open pool per database, keyed by the factory's
// description. Pools are opened on demand; when the number of live pools
// exceeds the cap, the least recently used pool is closed and dropped.
type Manager struct {
	pools  cmap.ConcurrentMap
	recent *lru.Cache

	mu     deadlock.Mutex
	closed bool
}

// NewManager returns a manager that keeps at most maxPools pools open.
func NewManager(maxPools int) (*Manager, error) {
	m := &Manager{pools: cmap.New()}
	recent, err := lru.NewWithEvict(maxPools, m.evictPool)
	if err != nil {
		return nil, err
	}
	m.recent = recent
	return m, nil
}

// evictPool is called by the LRU cache when a pool falls off the end.
func (m *Manager) evictPool(key, _ interface{}) {
	if v, ok := m.pools.Get(key.(string)); ok {
		m.pools.Remove(key.(string))
		// Closing blocks until every session is closed; don't hold up the
		// caller that triggered the eviction.
		go v.(*Pool).Close()
	}
}

// Pool returns the open pool for the factory's database, opening one with
// the given configuration if needed. Opening uses fail-fast warmup so
// misconfigured databases surface immediately.
func (m *Manager) Pool(ctx context.Context, factory SessionFactory, cfg Config) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	key := factory.Describe()
	if v, ok := m.pools.Get(key); ok {
		m.recent.Add(key, struct{}{})
		return v.(*Pool), nil
	}
	pool := NewPool()
	pool.SetFactory(factory)
	cfg.Apply(pool)
	if err := pool.Open(ctx, true); err != nil {
		return nil, err
	}
	m.pools.Set(key, pool)
	m.recent.Add(key, struct{}{})
	return pool, nil
}

// Count returns the number of live pools.
func (m *Manager) Count() int { return m.pools.Count() }

// Close closes every pool and blocks new ones from being opened.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for t := range m.pools.IterBuffered() {
		m.pools.Remove(t.Key)
		t.Val.(*Pool).Close()
	}
	m.recent.Purge()
}
