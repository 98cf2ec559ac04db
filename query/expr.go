package query

import (
	"reflect"

	"github.com/syssam/shardql/dialect"
)

// Expr is a node of a predicate or projection expression.
type Expr interface {
	expr()
}

// Func identifies a function call node.
type Func uint8

// Function calls understood by the compiler.
const (
	FnContains Func = iota + 1
	FnHasPrefix
	FnHasSuffix
	FnEqualFold
	FnIn
	FnIsNull
	FnExists
	FnCount
	FnCountDistinct
	FnSum
	FnAvg
	FnMin
	FnMax
	FnLower
	FnUpper
	FnCoalesce
)

var funcNames = [...]string{
	FnContains:      "contains",
	FnHasPrefix:     "has-prefix",
	FnHasSuffix:     "has-suffix",
	FnEqualFold:     "equal-fold",
	FnIn:            "in",
	FnIsNull:        "is-null",
	FnExists:        "exists",
	FnCount:         "count",
	FnCountDistinct: "count-distinct",
	FnSum:           "sum",
	FnAvg:           "avg",
	FnMin:           "min",
	FnMax:           "max",
	FnLower:         "lower",
	FnUpper:         "upper",
	FnCoalesce:      "coalesce",
}

// String returns the function name.
func (f Func) String() string {
	if int(f) < len(funcNames) && funcNames[f] != "" {
		return funcNames[f]
	}
	return "func"
}

// Aggregate reports whether f is an aggregate function.
func (f Func) Aggregate() bool {
	return f >= FnCount && f <= FnMax
}

// UnaryOp is the operator of a Unary node.
type UnaryOp uint8

// Unary operators.
const (
	OpNot UnaryOp = iota + 1
	OpNeg
)

type (
	// Column references a member of a table. For derived tables and CTEs,
	// Member is the output name of the inner projection.
	Column struct {
		Table  *Table
		Member string
	}

	// Value is a literal value.
	Value struct {
		V any
	}

	// Binary is a binary operation.
	Binary struct {
		Op   dialect.Op
		L, R Expr
	}

	// Unary is a negation (logical or arithmetic).
	Unary struct {
		Op UnaryOp
		X  Expr
	}

	// Call is a function call.
	Call struct {
		Fn   Func
		Args []Expr
	}

	// Subquery is a nested query used as an expression.
	Subquery struct {
		Query *Query
	}

	// Deferred is computed client-side after the row is read: its inputs are
	// selected and passed to Fn. A non-empty Key makes Fn part of the shape of
	// the projection; otherwise Fn is supplied per execution.
	Deferred struct {
		Inputs []Expr
		Fn     func(args []any) (any, error)
		Type   reflect.Type
		Key    string
	}

	// EntityRef projects every mapped column of a table.
	EntityRef struct {
		Table *Table
	}

	// GroupKey references the i-th expression of a GROUP BY pseudo-table.
	GroupKey struct {
		Group *Table
		Index int
	}

	// Star is the '*' argument of COUNT(*).
	Star struct{}
)

func (*Column) expr()    {}
func (*Value) expr()     {}
func (*Binary) expr()    {}
func (*Unary) expr()     {}
func (*Call) expr()      {}
func (*Subquery) expr()  {}
func (*Deferred) expr()  {}
func (*EntityRef) expr() {}
func (*GroupKey) expr()  {}
func (*Star) expr()      {}

// lift wraps plain values in a Value node.
func lift(v any) Expr {
	switch v := v.(type) {
	case Expr:
		return v
	case *Query:
		return &Subquery{Query: v}
	}
	return &Value{V: v}
}

// V returns a literal value.
func V(v any) Expr { return &Value{V: v} }

func binary(op dialect.Op, l, r any) Expr {
	return &Binary{Op: op, L: lift(l), R: lift(r)}
}

// EQ returns l = r. Operands that are not expressions are literal values.
func EQ(l, r any) Expr { return binary(dialect.OpEQ, l, r) }

// NEQ returns l <> r.
func NEQ(l, r any) Expr { return binary(dialect.OpNEQ, l, r) }

// LT returns l < r.
func LT(l, r any) Expr { return binary(dialect.OpLT, l, r) }

// LTE returns l <= r.
func LTE(l, r any) Expr { return binary(dialect.OpLTE, l, r) }

// GT returns l > r.
func GT(l, r any) Expr { return binary(dialect.OpGT, l, r) }

// GTE returns l >= r.
func GTE(l, r any) Expr { return binary(dialect.OpGTE, l, r) }

// Add returns l + r.
func Add(l, r any) Expr { return binary(dialect.OpAdd, l, r) }

// Sub returns l - r.
func Sub(l, r any) Expr { return binary(dialect.OpSub, l, r) }

// Mul returns l * r.
func Mul(l, r any) Expr { return binary(dialect.OpMul, l, r) }

// Div returns l / r.
func Div(l, r any) Expr { return binary(dialect.OpDiv, l, r) }

// Mod returns l % r.
func Mod(l, r any) Expr { return binary(dialect.OpMod, l, r) }

// Concat returns the string concatenation of l and r.
func Concat(l, r any) Expr { return binary(dialect.OpConcat, l, r) }

// And joins the predicates with AND. Nil predicates are skipped.
func And(ps ...Expr) Expr { return logical(dialect.OpAnd, ps) }

// Or joins the predicates with OR. Nil predicates are skipped.
func Or(ps ...Expr) Expr { return logical(dialect.OpOr, ps) }

func logical(op dialect.Op, ps []Expr) Expr {
	var e Expr
	for _, p := range ps {
		switch {
		case p == nil:
		case e == nil:
			e = p
		default:
			e = &Binary{Op: op, L: e, R: p}
		}
	}
	return e
}

// Not negates a predicate.
func Not(p Expr) Expr { return &Unary{Op: OpNot, X: p} }

// Neg returns the arithmetic negation of x.
func Neg(x any) Expr { return &Unary{Op: OpNeg, X: lift(x)} }

func call(fn Func, args ...any) Expr {
	c := &Call{Fn: fn, Args: make([]Expr, len(args))}
	for i, a := range args {
		c.Args[i] = lift(a)
	}
	return c
}

// Contains matches string values containing s.
func Contains(x Expr, s string) Expr { return call(FnContains, x, s) }

// HasPrefix matches string values starting with s.
func HasPrefix(x Expr, s string) Expr { return call(FnHasPrefix, x, s) }

// HasSuffix matches string values ending with s.
func HasSuffix(x Expr, s string) Expr { return call(FnHasSuffix, x, s) }

// EqualFold matches string values equal to s under case folding.
func EqualFold(x Expr, s string) Expr { return call(FnEqualFold, x, s) }

// In matches values in the list. A single *Query argument is a subquery.
func In(x Expr, vs ...any) Expr { return call(FnIn, append([]any{x}, vs...)...) }

// IsNull matches NULL values.
func IsNull(x Expr) Expr { return call(FnIsNull, x) }

// NotNull matches non-NULL values.
func NotNull(x Expr) Expr { return Not(IsNull(x)) }

// Exists matches when the subquery returns a row.
func Exists(q *Query) Expr { return call(FnExists, q) }

// Count returns COUNT(x), or COUNT(*) when x is nil.
func Count(x Expr) Expr {
	if x == nil {
		x = &Star{}
	}
	return call(FnCount, x)
}

// CountDistinct returns COUNT(DISTINCT x).
func CountDistinct(x Expr) Expr { return call(FnCountDistinct, x) }

// Sum returns SUM(x).
func Sum(x Expr) Expr { return call(FnSum, x) }

// Avg returns AVG(x).
func Avg(x Expr) Expr { return call(FnAvg, x) }

// Min returns MIN(x).
func Min(x Expr) Expr { return call(FnMin, x) }

// Max returns MAX(x).
func Max(x Expr) Expr { return call(FnMax, x) }

// Lower returns LOWER(x).
func Lower(x Expr) Expr { return call(FnLower, x) }

// Upper returns UPPER(x).
func Upper(x Expr) Expr { return call(FnUpper, x) }

// Coalesce returns the first non-NULL argument.
func Coalesce(xs ...any) Expr { return call(FnCoalesce, xs...) }

// Defer computes a value client-side from the selected inputs.
func Defer[T any](fn func(args []any) (T, error), inputs ...Expr) *Deferred {
	return &Deferred{
		Inputs: inputs,
		Type:   reflect.TypeFor[T](),
		Fn: func(args []any) (any, error) {
			return fn(args)
		},
	}
}

// Key returns the i-th grouped expression of a GROUP BY pseudo-table.
func Key(g *Table, i int) Expr { return &GroupKey{Group: g, Index: i} }

// Keyed makes fn part of the projection shape under key: plans built for
// the projection capture fn instead of receiving it per execution.
func (d *Deferred) Keyed(key string) *Deferred {
	d.Key = key
	return d
}
