// Package command compiles by-example statements: inserts, updates, deletes
// and key lookups driven by a value instead of a query AST, plus raw SQL
// templates with named placeholders.
//
// A Command is compiled once per (dialect, entity, shape, operation) for
// struct and scalar shapes; map shapes are compiled on every call since
// their members are only known at run time. The table name of a command is
// left as TableToken until it renders, so one command serves every shard of
// a sharded entity:
//
//	c, err := command.For[Order](p, command.OpInsert, order)
//	if err != nil {
//	    return err
//	}
//	b := command.NewBatch(c, "order_a", 500, exec)
//	for _, o := range orders {
//	    if err := b.Add(ctx, o); err != nil {
//	        return err
//	    }
//	}
//	return b.Flush(ctx)
package command
