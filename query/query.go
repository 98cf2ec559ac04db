package query

import (
	"reflect"
	"slices"
)

// OrderTerm is one term of an ORDER BY clause.
type OrderTerm struct {
	Expr Expr
	Desc bool
}

// Asc orders by x ascending.
func Asc(x Expr) OrderTerm { return OrderTerm{Expr: x} }

// Desc orders by x descending.
func Desc(x Expr) OrderTerm { return OrderTerm{Expr: x, Desc: true} }

// Selection is one named output of a projection.
type Selection struct {
	Name string
	Expr Expr
}

// As names an output expression. Names match the fields of the result type.
func As(x Expr, name string) Selection {
	return Selection{Name: name, Expr: x}
}

// Union is a query combined with the enclosing one.
type Union struct {
	All   bool
	Query *Query
}

// Query is the AST of a SELECT statement.
type Query struct {
	master    *Table
	joins     []*Table
	where     Expr
	group     *Table
	having    Expr
	orders    []OrderTerm
	selection []Selection
	distinct  bool
	ctes      []*CTE
	unions    []Union
	includes  []string
	target    reflect.Type
	pageIndex int
	pageSize  int
	limit     int
}

// From starts a query reading from the master table t.
func From(t *Table) *Query {
	t.Kind = FromTable
	return &Query{master: t, target: t.Entity}
}

// Select starts a query reading all entities of type E.
func Select[E any]() *Query {
	return From(T[E]())
}

// Join adds a table joined on the condition.
func (q *Query) Join(kind JoinKind, t *Table, on Expr) *Query {
	t.Kind, t.On = kind, on
	q.joins = append(q.joins, t)
	return q
}

// InnerJoin adds an INNER JOIN.
func (q *Query) InnerJoin(t *Table, on Expr) *Query { return q.Join(Inner, t, on) }

// LeftJoin adds a LEFT JOIN.
func (q *Query) LeftJoin(t *Table, on Expr) *Query { return q.Join(Left, t, on) }

// Where adds predicates joined with AND.
func (q *Query) Where(ps ...Expr) *Query {
	q.where = And(append([]Expr{q.where}, ps...)...)
	return q
}

// GroupBy groups the rows by the expressions and returns the pseudo-table
// exposing them to the projection through Key.
func (q *Query) GroupBy(xs ...Expr) *Table {
	q.group = &Table{Group: xs}
	return q.group
}

// Having adds a predicate on the groups.
func (q *Query) Having(ps ...Expr) *Query {
	q.having = And(append([]Expr{q.having}, ps...)...)
	return q
}

// OrderBy appends ordering terms.
func (q *Query) OrderBy(terms ...OrderTerm) *Query {
	q.orders = append(q.orders, terms...)
	return q
}

// Select sets the named outputs of the query. Without a selection the query
// projects its master entity.
func (q *Query) Select(sel ...Selection) *Query {
	q.selection = append(q.selection, sel...)
	return q
}

// Into sets the result type of the query.
func (q *Query) Into(t reflect.Type) *Query {
	q.target = t
	return q
}

// Distinct removes duplicate rows.
func (q *Query) Distinct() *Query {
	q.distinct = true
	return q
}

// With prefixes the query with CTEs. Later CTEs may reference earlier ones.
func (q *Query) With(ctes ...*CTE) *Query {
	q.ctes = append(q.ctes, ctes...)
	return q
}

// Union combines the query with other, removing duplicates.
func (q *Query) Union(other *Query) *Query {
	q.unions = append(q.unions, Union{Query: other})
	return q
}

// UnionAll combines the query with other, keeping duplicates.
func (q *Query) UnionAll(other *Query) *Query {
	q.unions = append(q.unions, Union{All: true, Query: other})
	return q
}

// Include eager-loads navigations of the master entity. Paths are dotted
// member names ("Buyer", "Items.Product"). To-one navigations are joined in
// the same statement; to-many navigations are loaded by a second statement.
func (q *Query) Include(paths ...string) *Query {
	for _, p := range paths {
		if !slices.Contains(q.includes, p) {
			q.includes = append(q.includes, p)
		}
	}
	return q
}

// Page restricts the query to the page (1-based) of the given size.
func (q *Query) Page(index, size int) *Query {
	q.pageIndex, q.pageSize = max(index, 1), size
	return q
}

// Limit restricts the number of rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

// Clone returns a copy of the query sharing its tables.
func (q *Query) Clone() *Query {
	c := *q
	c.joins = slices.Clone(q.joins)
	c.orders = slices.Clone(q.orders)
	c.selection = slices.Clone(q.selection)
	c.ctes = slices.Clone(q.ctes)
	c.unions = slices.Clone(q.unions)
	c.includes = slices.Clone(q.includes)
	return &c
}

// Master returns the master table.
func (q *Query) Master() *Table { return q.master }

// Joins returns the joined tables.
func (q *Query) Joins() []*Table { return q.joins }

// Predicate returns the WHERE predicate.
func (q *Query) Predicate() Expr { return q.where }

// Grouping returns the GROUP BY pseudo-table.
func (q *Query) Grouping() *Table { return q.group }

// HavingPredicate returns the HAVING predicate.
func (q *Query) HavingPredicate() Expr { return q.having }

// Orders returns the ordering terms.
func (q *Query) Orders() []OrderTerm { return q.orders }

// Selection returns the named outputs.
func (q *Query) Selection() []Selection { return q.selection }

// IsDistinct reports whether the query removes duplicates.
func (q *Query) IsDistinct() bool { return q.distinct }

// CTEs returns the CTE prefix list.
func (q *Query) CTEs() []*CTE { return q.ctes }

// Unions returns the combined queries.
func (q *Query) Unions() []Union { return q.unions }

// Includes returns the include paths.
func (q *Query) Includes() []string { return q.includes }

// Target returns the result type.
func (q *Query) Target() reflect.Type { return q.target }

// Paging returns the page index and size.
func (q *Query) Paging() (index, size int, ok bool) {
	return q.pageIndex, q.pageSize, q.pageSize > 0
}

// RowLimit returns the row limit, 0 for none.
func (q *Query) RowLimit() int { return q.limit }
