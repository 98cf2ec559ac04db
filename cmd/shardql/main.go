// Command shardql runs SQL against a database configured for shardql and
// checks sharding rule files.
//
// Usage:
//
//	shardql [flags] <command>
//
// Commands that reach the database (ping, query, exec, tables) need a driver
// and a DSN from shardql.yaml, SHARDQL_ environment variables or flags.
// shards only reads a rule file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
