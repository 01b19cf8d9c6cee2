package dbpool

import "context"

// Session is an opaque handle for a raw database session (typically a live
// database connection). The pool never looks inside a session; it only hands
// it to the factory for validation and closing. Sessions are tracked by
// pointer identity, so a factory must return one distinct handle per open
// session.
type Session any

// SessionFactory opens, validates and closes raw database sessions on behalf
// of a Pool. A factory must be set before the pool is opened.
//
// Validate must be cheap and bounded; any error it returns makes the pool
// discard the session and create a fresh one on demand.
type SessionFactory interface {
	// Open returns a new database session.
	Open(ctx context.Context) (Session, error)
	// Validate reports whether a session is still usable.
	Validate(sess Session) error
	// Close closes a database session. Errors are logged, never returned.
	Close(sess Session)
	// CloseRollback closes a database session, attempting a rollback first
	// when rollback is true and the session is not in autocommit mode.
	CloseRollback(sess Session, rollback bool)
	// Describe returns a short stable description of the underlying database
	// (e.g. the DSN). The pool uses it in log messages and the manager uses
	// it as a registry key, so it must be unique and constant for the
	// lifetime of the factory.
	Describe() string
}
