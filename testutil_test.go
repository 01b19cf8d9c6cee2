package dbpool

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// memSession is a raw session against an in-memory database. Generated row
// ids start at 100, like an HSQL identity column.
type memSession struct {
	id     int
	f      *memFactory
	closed atomic.Bool
}

func (s *memSession) Insert(name string) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("memdb: session %d is closed", s.id)
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	id := s.f.nextRowID
	s.f.nextRowID++
	s.f.rows = append(s.f.rows, name)
	return id, nil
}

func (s *memSession) Search(substr string) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("memdb: session %d is closed", s.id)
	}
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	hits := 0
	for _, row := range s.f.rows {
		if strings.Contains(row, substr) {
			hits++
		}
	}
	return hits, nil
}

// memFactory is a session factory against an in-memory database, with
// injectable failures for open and validate.
type memFactory struct {
	mu        sync.Mutex
	nextSess  int
	nextRowID int
	rows      []string

	openDelay     time.Duration
	openErr       error
	failOpenAfter int // fail opens once this many succeeded; 0 means use openErr directly
	validateFails int // number of upcoming validations to fail

	opens     atomic.Int64
	closes    atomic.Int64
	rollbacks atomic.Int64
}

func newMemFactory() *memFactory {
	return &memFactory{nextRowID: 100}
}

func (f *memFactory) Open(ctx context.Context) (Session, error) {
	f.mu.Lock()
	if f.openErr != nil && (f.failOpenAfter == 0 || int(f.opens.Load()) >= f.failOpenAfter) {
		err := f.openErr
		f.mu.Unlock()
		return nil, err
	}
	f.nextSess++
	s := &memSession{id: f.nextSess, f: f}
	delay := f.openDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.opens.Add(1)
	return s, nil
}

func (f *memFactory) Validate(sess Session) error {
	s := sess.(*memSession)
	if s.closed.Load() {
		return fmt.Errorf("memdb: session %d is closed", s.id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validateFails > 0 {
		f.validateFails--
		return fmt.Errorf("memdb: session %d went away", s.id)
	}
	return nil
}

func (f *memFactory) Close(sess Session) {
	f.CloseRollback(sess, false)
}

func (f *memFactory) CloseRollback(sess Session, rollback bool) {
	s, ok := sess.(*memSession)
	if !ok {
		return
	}
	if !s.closed.Swap(true) {
		f.closes.Add(1)
		if rollback {
			f.rollbacks.Add(1)
		}
	}
}

func (f *memFactory) Describe() string { return "mem:testdb" }

// newMemPool returns an unopened pool bound to a fresh memFactory, with all
// watcher time bounds disabled so tests opt in to the behavior they need.
func newMemPool(minSize, maxSize int) (*Pool, *memFactory) {
	f := newMemFactory()
	pool := NewPool()
	pool.SetFactory(f)
	pool.SetMinSize(minSize)
	pool.SetMaxSize(maxSize)
	w := pool.Watcher()
	w.MaxLeaseTime = 0
	w.MaxIdleTime = 0
	w.Interval = 10 * time.Millisecond
	return pool, f
}

// waitTimeout waits for the waitgroup for the specified max timeout.
// Returns true if waiting timed out.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}

// randString returns a random lower-case string of length n.
func randString(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(byte('a' + rand.Intn(26)))
	}
	return sb.String()
}
