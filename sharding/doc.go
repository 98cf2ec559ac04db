// Package sharding maps sharded entities to their physical tables.
//
// A Resolver holds one Rule per sharded entity. Compiled statements carry a
// placeholder per sharded table reference; Resolve substitutes the physical
// tables, fanning a select over every master shard out into copies joined by
// the union mark:
//
//	r := sharding.New(dialect.MustGet(dialect.MySQL),
//		sharding.For[Order](sharding.Modulo("BuyerID", "order_%d", 4)),
//		sharding.For[OrderItem](sharding.Replace("order_", "order_item_")),
//	)
//	c := compiler.New(r.Provider(), compiler.WithSharded(r.Sharded))
//	st, err := c.Select(q)
//	if err != nil {
//		return err
//	}
//	qs, err := r.Resolve(ctx, st, sharding.WithHint(reflect.TypeFor[Order](), sharding.Values(7)))
//
// Rows written to sharded entities are grouped by physical table with
// Partition.
package sharding
