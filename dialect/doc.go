// Package dialect provides the driver and dialect contracts of shardql.
//
// The package defines the interfaces every backend driver implements and the
// Provider type describing the syntax rules of one SQL dialect: parameter
// placeholders, identifier and literal quoting, paging, identity retrieval and
// the binary operator token table.
//
// # Supported Dialects
//
//   - Postgres: PostgreSQL database
//   - MySQL: MySQL/MariaDB database
//   - SQLite: SQLite database
//   - SQLServer: Microsoft SQL Server
//
// # Driver Interface
//
//	type Driver interface {
//	    Exec(ctx context.Context, query string, args, v any) error
//	    Query(ctx context.Context, query string, args, v any) error
//	    Tx(ctx context.Context) (Tx, error)
//	    Close() error
//	    Dialect() string
//	}
//
// Drivers may additionally implement Conner to pin a single pooled
// connection for one operation, and BulkCopier for native bulk loads.
//
// # Providers
//
// Providers are registered by name and looked up with Get or MustGet:
//
//	p := dialect.MustGet(dialect.Postgres)
//	p.Param(2)          // $2
//	p.Quote("order")    // "order"
//	p.Page(3, 20, true) // LIMIT 20 OFFSET 40
//
// Custom dialects are added with Register.
//
// # Sub-packages
//
//   - dialect/sql: database/sql implementation of the driver contract
//   - dialect/sql/sqlgraph: constraint violation classification
package dialect
