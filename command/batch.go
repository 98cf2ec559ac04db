package command

import (
	"context"
	"fmt"
)

// DefaultBulkCount is the default number of rows spliced into one statement.
const DefaultBulkCount = 500

// Exec runs one rendered statement.
type Exec func(ctx context.Context, query string, args []any) error

// Batch splices the rows of one command into multi-row statements against
// one table: a multi-row INSERT, a DELETE ... IN, or semicolon-joined
// UPDATEs on backends running several statements per round trip. A batch
// flushes when it holds size rows or when the next row would exceed the
// parameter limit of the dialect. The final partial batch is flushed by
// Flush.
type Batch struct {
	cmd   *Command
	table string
	size  int
	exec  Exec
	rows  int
	args  []any
	stmts int
}

// NewBatch returns a batch of cmd against the named table (the logical table
// when empty). A size below 1 uses DefaultBulkCount.
func NewBatch(cmd *Command, table string, size int, exec Exec) *Batch {
	if size < 1 {
		size = DefaultBulkCount
	}
	switch {
	case cmd.Op == OpGet:
		size = 1
	case cmd.Op == OpUpdate && !cmd.p.MultiResultSets:
		size = 1
	}
	if limit := cmd.p.MaxParams; limit > 0 && cmd.Params() > 0 && size*cmd.Params() > limit {
		size = limit / cmd.Params()
	}
	return &Batch{cmd: cmd, table: cmd.Table(table), size: max(size, 1), exec: exec}
}

// Add appends the row v, flushing the batch once it is full.
func (b *Batch) Add(ctx context.Context, v any) error {
	args, err := b.cmd.Args(v)
	if err != nil {
		return err
	}
	b.args = append(b.args, args...)
	b.rows++
	if b.rows >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush executes the buffered rows, if any.
func (b *Batch) Flush(ctx context.Context) error {
	if b.rows == 0 {
		return nil
	}
	query, args := b.cmd.render(b.table, b.rows), b.args
	b.rows, b.args = 0, nil
	b.stmts++
	if err := b.exec(ctx, query, args); err != nil {
		return fmt.Errorf("command: %s batch on %s: %w", b.cmd.Op, b.table, err)
	}
	return nil
}

// Pending returns the number of buffered rows.
func (b *Batch) Pending() int { return b.rows }

// Statements returns the number of statements executed so far.
func (b *Batch) Statements() int { return b.stmts }

// Size returns the number of rows per statement.
func (b *Batch) Size() int { return b.size }
