// Package query defines the AST consumed by the SQL compiler and the fluent
// builder producing it.
//
//	orders, buyers := query.T[Order](), query.T[Buyer]()
//	q := query.From(orders).
//	    InnerJoin(buyers, query.EQ(buyers.C("ID"), orders.C("BuyerID"))).
//	    Where(
//	        query.GT(orders.C("TotalAmount"), 100),
//	        query.Not(query.Contains(buyers.C("Name"), "test")),
//	    ).
//	    OrderBy(query.Desc(orders.C("CreatedAt"))).
//	    Include("Items").
//	    Page(2, 50)
//
// Tables are query participants; the compiler assigns their aliases.
// GROUP BY returns a pseudo-table whose grouped expressions are referenced
// with Key, and CTEs are declared with With and WithRecursive.
//
// The compiled projection is a Projection of ReaderField nodes. It is the
// positional contract between the compiler and the materializer.
package query
