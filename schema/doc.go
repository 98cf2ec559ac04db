// Package schema builds the immutable mapping between Go struct types and
// database tables.
//
// An EntityMap describes one type: its table, the ordered column members,
// the key members and the navigation members pointing at related entities.
// Maps are built once per (dialect, type) and cached for the lifetime of the
// process.
//
// # Struct Tags
//
// Members are read from exported struct fields. The db tag overrides the
// column name and sets flags:
//
//	type Order struct {
//	    ID          int64   `db:"id,key,auto"`
//	    BuyerID     int64   `db:"buyer_id"`
//	    Status      Status  `db:"status,type=string"`
//	    Note        string  `db:"-"`
//	    Buyer       *Buyer
//	    Items       []OrderItem
//	}
//
// Columns default to the snake_case field name and tables to the plural
// snake_case type name ("order_items" for OrderItem).
//
// # Configuration
//
// Register overrides the defaults without tags:
//
//	schema.Register(Order{}, schema.Config{
//	    Table: "sales_orders",
//	    Keys:  []string{"ID"},
//	    Relations: map[string]schema.Relation{
//	        "Items": {Kind: schema.Many, ForeignKey: "OrderID"},
//	    },
//	})
package schema
