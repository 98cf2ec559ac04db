package query

import (
	"reflect"
	"strings"
)

// JoinKind is the kind of a table participating in a query.
type JoinKind uint8

// Join kinds. The master table of a query has kind FromTable.
const (
	FromTable JoinKind = iota
	Inner
	Left
	Right
	Full
	Cross
)

// String returns the SQL keyword of the join.
func (k JoinKind) String() string {
	switch k {
	case Inner:
		return "INNER"
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	case Full:
		return "FULL"
	case Cross:
		return "CROSS"
	}
	return "FROM"
}

// Table is one participant of a query: an entity table, a derived table
// (subquery), a CTE reference or a GROUP BY pseudo-table. Aliases are assigned
// by the compiler in traversal order, so a table value can be reused across
// queries.
type Table struct {
	// Kind is the join kind; FromTable for the master table.
	Kind JoinKind
	// Entity is the mapped struct type of entity tables.
	Entity reflect.Type
	// Sub is the query of a derived table.
	Sub *Query
	// CTE is the common table expression referenced by the table.
	CTE *CTE
	// On is the join condition.
	On Expr
	// Group holds the grouped expressions of a GROUP BY pseudo-table.
	Group []Expr
	// Parent and Include link an include table to its owner and the
	// navigation member it fills.
	Parent  *Table
	Include string
	// Name is an optional alias hint, used for derived tables and tests.
	Name string
}

// T returns a new table of the entity type T.
func T[E any]() *Table {
	return &Table{Entity: reflect.TypeFor[E]()}
}

// TableOf returns a new table of the entity type t.
func TableOf(t reflect.Type) *Table {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return &Table{Entity: t}
}

// Derived returns a table selecting from the subquery. Its rows have the
// result type of q.
func Derived(q *Query) *Table {
	return &Table{Sub: q, Entity: q.Target()}
}

// C returns a column of the table. Dotted paths ("Buyer.Name") reference
// members of 1:1 includes of the table.
func (t *Table) C(member string) *Column {
	return &Column{Table: t, Member: member}
}

// All projects every mapped column of the table.
func (t *Table) All() *EntityRef {
	return &EntityRef{Table: t}
}

// IsEntity reports whether the table maps an entity type.
func (t *Table) IsEntity() bool { return t.Entity != nil && t.Sub == nil && t.CTE == nil }

// IsGroup reports whether the table is a GROUP BY pseudo-table.
func (t *Table) IsGroup() bool { return t.Group != nil }

// Path returns the include path of the table from the master ("Items.Product").
func (t *Table) Path() string {
	var parts []string
	for x := t; x != nil && x.Include != ""; x = x.Parent {
		parts = append(parts, x.Include)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// CTE is a named common table expression.
type CTE struct {
	Name      string
	Query     *Query
	Recursive *Query
}

// With declares a CTE named name.
func With(name string, q *Query) *CTE {
	return &CTE{Name: name, Query: q}
}

// WithRecursive declares a recursive CTE. The recursive branch receives a
// table referencing the CTE itself and is spliced after the anchor with
// UNION ALL.
func WithRecursive(name string, anchor *Query, recursive func(self *Table) *Query) *CTE {
	c := &CTE{Name: name, Query: anchor}
	c.Recursive = recursive(c.Table())
	return c
}

// Table returns a new table reading from the CTE.
func (c *CTE) Table() *Table {
	return &Table{CTE: c, Entity: c.Query.Target()}
}
