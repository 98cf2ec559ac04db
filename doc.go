// Package shardql runs typed queries and by-example commands against
// relational databases whose tables may be split into physical shards.
//
// A Session compiles query ASTs for the dialect of its driver, resolves the
// physical tables of sharded entities, executes the statements and reads the
// rows into Go values:
//
//	s, err := shardql.Open("sqlite", "file:shop.db",
//		shardql.WithResolver(sharding.New(dialect.MustGet(dialect.SQLite),
//			sharding.For[Order](sharding.Map("BuyerID", map[any]string{1: "order_a", 2: "order_b"})),
//		)),
//	)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//
//	orders := query.T[Order]()
//	rows, err := shardql.List[Order](ctx, s, query.From(orders).
//		Where(query.GT(orders.C("TotalAmount"), 100)).
//		Include("Buyer", "Items"))
//
// Writes go through the command builder: Create, Update and Delete take an
// entity, the Many variants a slice spliced into multi-row statements.
package shardql
