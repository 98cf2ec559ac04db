// Package compiler renders query ASTs into parameterized SQL for one dialect.
//
// The select, insert-from, update and delete compilers share one visitor.
// The visitor assigns table aliases in traversal order, resolves pending
// negations by parity (NOT NOT x renders x) and binds literals as positional
// parameters unless inline literals are enabled:
//
//	c := compiler.New(dialect.MustGet(dialect.Postgres))
//	st, err := c.Select(q)
//	if err != nil {
//	    return err
//	}
//	rows, err := db.QueryContext(ctx, st.Text(), st.Args...)
//
// A compiled Statement carries its Projection, the positional contract
// between the select list and the materializer. References to sharded
// entities are written as {{shard.N}} placeholders and listed in
// Statement.Slots for the sharding resolver.
package compiler
