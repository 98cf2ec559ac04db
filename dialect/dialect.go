package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
)

// Dialect names for supported backends.
const (
	MySQL     = "mysql"
	SQLite    = "sqlite"
	Postgres  = "postgres"
	SQLServer = "sqlserver"
)

// ExecQuerier wraps the two database operations.
type ExecQuerier interface {
	// Exec executes a query that does not return records. For example, in SQL, INSERT or UPDATE.
	// It scans the result into the pointer v. For SQL drivers, it is dialect/sql.Result.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a query that returns rows, typically a SELECT in SQL.
	// It scans the result into the pointer v. For SQL drivers, it is *dialect/sql.Rows.
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is the interface that wraps all necessary operations for SQL based backends.
type Driver interface {
	ExecQuerier
	// Tx starts and returns a new transaction.
	// The provided context is used until the transaction is committed or rolled back.
	Tx(context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name of the driver.
	Dialect() string
}

// Tx wraps the Exec and Query operations in transaction.
type Tx interface {
	ExecQuerier
	driver.Tx
}

// Conn is a single pinned connection. Closing it returns the connection to the pool.
type Conn interface {
	ExecQuerier
	Close() error
}

// Conner is implemented by drivers that can pin a single connection for the
// duration of one operation.
type Conner interface {
	Conn(context.Context) (Conn, error)
}

// BulkCopier is implemented by drivers that support a native bulk-load protocol
// (e.g. the PostgreSQL COPY protocol).
type BulkCopier interface {
	CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

type nopTx struct {
	Driver
}

func (nopTx) Commit() error   { return nil }
func (nopTx) Rollback() error { return nil }

// NopTx returns a Tx with nop Commit and Rollback methods wrapping
// the given driver.
func NopTx(d Driver) Tx {
	return nopTx{d}
}

// ErrUnsupported is returned when an operation is not supported by the
// underlying driver. There is no silent fallback.
var ErrUnsupported = errors.New("dialect: unsupported operation")
