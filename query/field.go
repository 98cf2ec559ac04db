package query

import "strings"

// Field is a member name typed by the Go type of the member. It removes the
// untyped literals of hand-built predicates:
//
//	var (
//	    OrderTotal = query.Field[float64]("TotalAmount")
//	    OrderNote  = query.StringField("Note")
//	)
//
//	orders := query.T[Order]()
//	q := query.From(orders).Where(
//	    OrderTotal.On(orders).GT(100),
//	    OrderNote.On(orders).Contains("gift"),
//	)
type Field[T any] string

// Name returns the member name.
func (f Field[T]) Name() string { return string(f) }

// On binds the field to a table.
func (f Field[T]) On(t *Table) TypedColumn[T] {
	return TypedColumn[T]{Column: t.C(string(f))}
}

// TypedColumn is a column of a table with typed predicates.
type TypedColumn[T any] struct {
	*Column
}

// EQ returns a predicate that checks if the column equals the given value.
func (c TypedColumn[T]) EQ(v T) Expr { return EQ(c.Column, v) }

// NEQ returns a predicate that checks if the column does not equal the given value.
func (c TypedColumn[T]) NEQ(v T) Expr { return NEQ(c.Column, v) }

// In returns a predicate that checks if the column value is in the given list.
func (c TypedColumn[T]) In(vs ...T) Expr { return In(c.Column, anys(vs)...) }

// NotIn returns a predicate that checks if the column value is not in the given list.
func (c TypedColumn[T]) NotIn(vs ...T) Expr { return Not(c.In(vs...)) }

// GT returns a predicate that checks if the column is greater than the given value.
func (c TypedColumn[T]) GT(v T) Expr { return GT(c.Column, v) }

// GTE returns a predicate that checks if the column is greater than or equal to the given value.
func (c TypedColumn[T]) GTE(v T) Expr { return GTE(c.Column, v) }

// LT returns a predicate that checks if the column is less than the given value.
func (c TypedColumn[T]) LT(v T) Expr { return LT(c.Column, v) }

// LTE returns a predicate that checks if the column is less than or equal to the given value.
func (c TypedColumn[T]) LTE(v T) Expr { return LTE(c.Column, v) }

// IsNull returns a predicate that checks if the column is NULL.
func (c TypedColumn[T]) IsNull() Expr { return IsNull(c.Column) }

// NotNull returns a predicate that checks if the column is not NULL.
func (c TypedColumn[T]) NotNull() Expr { return NotNull(c.Column) }

// Asc orders by the column ascending.
func (c TypedColumn[T]) Asc() OrderTerm { return Asc(c.Column) }

// Desc orders by the column descending.
func (c TypedColumn[T]) Desc() OrderTerm { return Desc(c.Column) }

// StringField is a string member name with string matching predicates.
type StringField string

// Name returns the member name.
func (f StringField) Name() string { return string(f) }

// On binds the field to a table.
func (f StringField) On(t *Table) StringColumn {
	return StringColumn{TypedColumn[string]{Column: t.C(string(f))}}
}

// StringColumn is a string column of a table.
type StringColumn struct {
	TypedColumn[string]
}

// Contains returns a predicate that checks if the column contains the given substring.
func (c StringColumn) Contains(v string) Expr { return Contains(c.Column, v) }

// ContainsFold returns a predicate that checks if the column contains the given substring (case-insensitive).
func (c StringColumn) ContainsFold(v string) Expr {
	return Contains(Lower(c.Column), strings.ToLower(v))
}

// HasPrefix returns a predicate that checks if the column has the given prefix.
func (c StringColumn) HasPrefix(v string) Expr { return HasPrefix(c.Column, v) }

// HasSuffix returns a predicate that checks if the column has the given suffix.
func (c StringColumn) HasSuffix(v string) Expr { return HasSuffix(c.Column, v) }

// EqualFold returns a predicate that checks if the column equals the given value (case-insensitive).
func (c StringColumn) EqualFold(v string) Expr { return EqualFold(c.Column, v) }

func anys[T any](vs []T) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	return out
}
