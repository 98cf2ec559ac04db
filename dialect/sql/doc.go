// Package sql implements the dialect.Driver contract on top of database/sql.
//
// # Opening a Driver
//
// Open accepts any registered database/sql driver name and resolves it to a
// dialect:
//
//	drv, err := sql.Open("pgx", "postgres://localhost/shop")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer drv.Close()
//
// An existing *sql.DB is wrapped with OpenDB:
//
//	drv := sql.OpenDB(dialect.SQLite, db)
//
// # Pinned Connections
//
// Driver.Conn takes a single connection from the pool. Statements executed on
// it share session state until Close returns it:
//
//	conn, err := drv.Conn(ctx)
//	defer conn.Close()
//
// # Session Variables
//
// WithVar attaches variables that are SET before every statement and reset
// before the connection goes back to the pool:
//
//	ctx = sql.WithVar(ctx, "search_path", "tenant_42")
//
// # Bulk Copy
//
// CopyFrom streams rows through the PostgreSQL COPY protocol when the
// underlying driver is pgx. Other drivers return dialect.ErrUnsupported.
//
// # Statistics
//
// NewStatsDriver and NewDebugDriver wrap any dialect.Driver with query
// statistics, slow query detection and statement logging. StatsOf finds the
// statistics of a wrapped driver:
//
//	if st, ok := sql.StatsOf(s.Driver()); ok {
//	    fmt.Println(st.Stats())
//	}
package sql
