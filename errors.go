package dbpool

import "errors"

var (
	// ErrPoolClosed is returned by Acquire and Open after the pool has been
	// closed. A closed pool cannot be re-used.
	ErrPoolClosed = errors.New("dbpool: pool is closed")

	// ErrFactoryMissing is returned by Open and Acquire when no session
	// factory was set.
	ErrFactoryMissing = errors.New("dbpool: a session factory is required")

	// ErrAcquireTimeout is returned by Acquire when no session could be
	// obtained within the acquire time budget.
	ErrAcquireTimeout = errors.New("dbpool: timed out acquiring a session")

	// ErrAcquireInterrupted is returned by Acquire when the caller's context
	// is cancelled while waiting for a session.
	ErrAcquireInterrupted = errors.New("dbpool: interrupted acquiring a session")

	// ErrFactoryOpen is returned by Acquire and Open when the session
	// factory failed to open a new session.
	ErrFactoryOpen = errors.New("dbpool: factory failed to open a session")

	// ErrManagerClosed is returned by Manager.Pool after the manager has
	// been closed.
	ErrManagerClosed = errors.New("dbpool: manager is closed")
)
