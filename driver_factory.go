package dbpool

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"time"
)

// DriverSessionFactory adapts a database/sql/driver Connector to the
// SessionFactory contract, so any registered SQL driver can feed the pool
// with raw driver connections. The sessions it hands out are driver.Conn
// values.
//
// Fields may be changed until the factory is handed to a pool.
type DriverSessionFactory struct {
	// URL describes the underlying database, e.g. the DSN. It is the
	// factory's identity in log messages and manager registries.
	URL string
	// AutoCommit reports whether sessions run in autocommit mode. When
	// false, Close attempts a rollback before closing, like a session
	// handed back in the middle of a transaction.
	AutoCommit bool
	// ValidateTimeout bounds the validation ping. Default 3 seconds.
	ValidateTimeout time.Duration

	connector driver.Connector
	logger    *slog.Logger
}

// NewDriverSessionFactory returns a factory opening sessions through the
// given connector. The url only describes the database; the connector
// carries the actual address and credentials.
func NewDriverSessionFactory(connector driver.Connector, url string) *DriverSessionFactory {
	return &DriverSessionFactory{
		URL:             url,
		ValidateTimeout: 3 * time.Second,
		connector:       connector,
		logger:          slog.Default(),
	}
}

// Open returns a new driver connection.
func (f *DriverSessionFactory) Open(ctx context.Context) (Session, error) {
	conn, err := f.connector.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Validate pings the connection when the driver supports it.
func (f *DriverSessionFactory) Validate(sess Session) error {
	pinger, ok := sess.(driver.Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.ValidateTimeout)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		return fmt.Errorf("session invalid or could not be validated within %v: %w",
			f.ValidateTimeout, err)
	}
	return nil
}

// Close closes a session, rolling back first unless the factory runs its
// sessions in autocommit mode.
func (f *DriverSessionFactory) Close(sess Session) {
	f.CloseRollback(sess, !f.AutoCommit)
}

// CloseRollback closes a session, attempting a rollback first when asked.
// Errors are logged, never propagated.
func (f *DriverSessionFactory) CloseRollback(sess Session, rollback bool) {
	if sess == nil {
		return
	}
	conn, ok := sess.(driver.Conn)
	if !ok {
		f.logger.Warn("session to close is not a driver connection", "factory", f.URL)
		return
	}
	if rollback && !f.AutoCommit {
		if err := f.rollback(conn); err != nil {
			f.logger.Warn("failed to call rollback on a session about to be closed",
				"factory", f.URL, "error", err)
		}
	}
	if err := conn.Close(); err != nil {
		f.logger.Warn("failed to properly close a database session",
			"factory", f.URL, "error", err)
	}
}

// rollback issues a best-effort ROLLBACK on the raw connection.
func (f *DriverSessionFactory) rollback(conn driver.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.ValidateTimeout)
	defer cancel()
	if execer, ok := conn.(driver.ExecerContext); ok {
		_, err := execer.ExecContext(ctx, "ROLLBACK", nil)
		return err
	}
	if execer, ok := conn.(driver.Execer); ok { //nolint:staticcheck // legacy drivers
		_, err := execer.Exec("ROLLBACK", nil)
		return err
	}
	return nil
}

// Describe returns the database URL.
func (f *DriverSessionFactory) Describe() string { return f.URL }
