package dbpool

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdleEntry(id int) *pooledSession {
	ps := newPooledSession(&memSession{id: id}, newBorrower(context.Background()), 0)
	ps.markReleased()
	return ps
}

func TestIdleQueueLIFO(t *testing.T) {
	t.Parallel()

	q := newIdleQueue(slog.Default())
	a, b, c := newIdleEntry(1), newIdleEntry(2), newIdleEntry(3)
	q.put(a)
	q.put(b)
	q.put(c)
	require.Equal(t, 3, q.len())

	got, err := q.take(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, c, got, "most recently returned entry comes back first")
	got, err = q.take(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, b, got)
	assert.Equal(t, 1, q.len())
}

func TestIdleQueueTakeBudget(t *testing.T) {
	t.Parallel()

	q := newIdleQueue(slog.Default())

	// Sub-millisecond budgets return immediately.
	got, err := q.take(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, got)

	start := time.Now()
	got, err = q.take(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestIdleQueueTakeCancelled(t *testing.T) {
	t.Parallel()

	q := newIdleQueue(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := q.take(ctx, 5*time.Second)
	require.Error(t, err)
}

func TestIdleQueueRemoveOldest(t *testing.T) {
	t.Parallel()

	q := newIdleQueue(slog.Default())
	a, b := newIdleEntry(1), newIdleEntry(2)
	q.put(a)
	q.put(b)

	// a sits at the tail; asking for b aborts and restores the permit.
	assert.False(t, q.removeOldest(b))
	assert.Equal(t, 2, q.len())

	assert.True(t, q.removeOldest(a))
	assert.Equal(t, 1, q.len())

	got, err := q.take(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, b, got)
}

func TestIdleQueueRemoveOldestSkipsLeased(t *testing.T) {
	t.Parallel()

	q := newIdleQueue(slog.Default())
	a := newIdleEntry(1)
	q.put(a)
	a.markLeased(newBorrower(context.Background()), 0)

	assert.False(t, q.removeOldest(a), "a suddenly leased entry is left alone")
	assert.Equal(t, 1, q.len(), "the permit and the entry are restored")
}

func TestIdleQueueRemoveOldestWhenEmpty(t *testing.T) {
	t.Parallel()

	q := newIdleQueue(slog.Default())
	a := newIdleEntry(1)
	assert.False(t, q.removeOldest(a), "no permit means nothing to remove")
}

func TestIdleQueuePeekOldest(t *testing.T) {
	t.Parallel()

	q := newIdleQueue(slog.Default())
	assert.Nil(t, q.peekOldest())
	a, b := newIdleEntry(1), newIdleEntry(2)
	q.put(a)
	q.put(b)
	assert.Same(t, a, q.peekOldest(), "the oldest entry is the tail")
}
