package compiler

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/schema"
)

// Kind is the kind of a compiled statement.
type Kind uint8

// Statement kinds.
const (
	KindSelect Kind = iota + 1
	KindInsert
	KindUpdate
	KindDelete
)

// String returns the SQL verb of the kind.
func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "SELECT"
	case KindInsert:
		return "INSERT"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// Statement is a compiled statement.
//
// The text of a statement is With + SQL + Tail, wrapped by Wrap when set.
// SQL is the part copied once per master shard when a sharded statement fans
// out; With and Wrap are emitted once and Tail is kept with each copy.
type Statement struct {
	Kind Kind
	// With is the CTE prefix ("WITH ... "), empty if none.
	With string
	// SQL is the statement body.
	SQL string
	// Tail holds the ORDER BY and paging clauses of a select.
	Tail string
	// Wrap encloses the body (count statements).
	Wrap [2]string
	// Args are the positional parameters, in placeholder order.
	Args []any
	// WithArgs is the number of leading Args bound by With.
	WithArgs int
	// TailArgs is the number of trailing Args bound by Tail.
	TailArgs int
	// Projection is the shape of the selected rows.
	Projection query.Projection
	// Slots lists the sharded table references of the text. Each is written
	// as the {{shard.N}} placeholder, N being the index of the slot.
	Slots []Slot
	// Count counts the rows of a paged select.
	Count *Statement
	// Many lists the to-many includes loaded by a second statement.
	Many []*IncludeMany
	// Tables lists the logical tables the statement reads or writes.
	Tables []string
}

// Text returns the statement text.
func (s *Statement) Text() string {
	return s.With + s.Wrap[0] + s.SQL + s.Tail + s.Wrap[1]
}

// Sharded reports whether the statement references sharded tables.
func (s *Statement) Sharded() bool { return len(s.Slots) > 0 }

// String implements the fmt.Stringer interface.
func (s *Statement) String() string {
	return fmt.Sprintf("query=%v args=%v", s.Text(), s.Args)
}

// Slot is one sharded table reference.
type Slot struct {
	// Entity is the map of the referenced table.
	Entity *schema.EntityMap
	// Alias is the alias of the reference, empty in single-table DML.
	Alias string
	// Master is set on the reference resolved first. All other slots are
	// resolved against the physical names of the master.
	Master bool
	// Prefix is set when the reference is part of the CTE prefix.
	Prefix bool
	// Join is the span of the JOIN clause of the reference in SQL, used to
	// drop the join when a dependent shard is missing. It is zero for
	// references outside JOIN clauses.
	Join [2]int
}

// Token returns the placeholder of the n-th slot.
func Token(n int) string { return "{{shard." + strconv.Itoa(n) + "}}" }

// IncludeMany is a to-many include loaded after the rows of its owners.
type IncludeMany struct {
	// Path is the include path from the master entity.
	Path string
	// Parent is the projection node holding the owners.
	Parent int
	// Navigation is the member of the owner receiving the children.
	Navigation *schema.MemberMap
	// OwnerKey is the member of the owner referenced by ForeignKey, a
	// member of the target.
	OwnerKey   *schema.MemberMap
	ForeignKey *schema.MemberMap
	// Includes are the nested include paths, relative to the target.
	Includes []string
}

var inlineLiterals atomic.Bool

// SetInlineLiterals sets the process-wide default for rendering literal
// values inline instead of binding them as parameters.
func SetInlineLiterals(enabled bool) { inlineLiterals.Store(enabled) }

// Option configures a Compiler.
type Option func(*Compiler)

// WithAliasStart sets the letter of the first table alias.
func WithAliasStart(r byte) Option {
	return func(c *Compiler) {
		if r >= 'a' && r <= 'z' {
			c.aliasStart = r
		}
	}
}

// WithInlineLiterals overrides the process-wide literal rendering default.
func WithInlineLiterals(enabled bool) Option {
	return func(c *Compiler) {
		c.inline = &enabled
	}
}

// WithSharded sets the predicate reporting which entities are sharded.
// References to sharded entities are written as slot placeholders.
func WithSharded(sharded func(*schema.EntityMap) bool) Option {
	return func(c *Compiler) {
		c.sharded = sharded
	}
}

// Compiler compiles query ASTs into statements of one dialect. A Compiler
// is safe for concurrent use.
type Compiler struct {
	provider   *dialect.Provider
	aliasStart byte
	inline     *bool
	sharded    func(*schema.EntityMap) bool
}

// New returns a compiler for the dialect.
func New(p *dialect.Provider, opts ...Option) *Compiler {
	c := &Compiler{provider: p, aliasStart: 'a'}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Provider returns the dialect of the compiler.
func (c *Compiler) Provider() *dialect.Provider { return c.provider }

// Options returns a copy of c with the options applied.
func (c *Compiler) Options(opts ...Option) *Compiler {
	cc := *c
	for _, opt := range opts {
		opt(&cc)
	}
	return &cc
}

// Build compiles a *query.Query, *query.InsertStmt, *query.UpdateStmt or
// *query.DeleteStmt.
func (c *Compiler) Build(node any) (*Statement, error) {
	switch n := node.(type) {
	case *query.Query:
		return c.Select(n)
	case *query.InsertStmt:
		return c.InsertFrom(n)
	case *query.UpdateStmt:
		return c.Update(n)
	case *query.DeleteStmt:
		return c.Delete(n)
	default:
		return nil, fmt.Errorf("%w: unexpected node %T", ErrInvalidQuery, node)
	}
}

func (c *Compiler) inlining() bool {
	if c.inline != nil {
		return *c.inline
	}
	return inlineLiterals.Load()
}

// Markers written during rendering and resolved by finish.
const (
	markParam     = '\x00'
	markJoinOpen  = '\x01'
	markJoinClose = '\x02'
)

// buf accumulates statement text and its parameters. Parameters are written
// as markers and numbered when the statement is finished, so fragments can
// be rendered in any order and assembled in text order.
type buf struct {
	strings.Builder
	args []any
}

func (b *buf) arg(v any) {
	b.WriteByte(markParam)
	b.args = append(b.args, v)
}

func (b *buf) add(o *buf) {
	b.WriteString(o.String())
	b.args = append(b.args, o.args...)
}

func (b *buf) join(sep string, bs ...*buf) {
	for i, o := range bs {
		if i > 0 {
			b.WriteString(sep)
		}
		b.add(o)
	}
}

// finish replaces parameter markers with placeholders numbered from n+1 and
// records the join spans of the slots. It returns the next parameter number.
func (v *visitor) finish(s string, n int) (string, int) {
	var (
		b     strings.Builder
		stack []int
	)
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case markParam:
			n++
			b.WriteString(v.p.Param(n))
		case markJoinOpen:
			j := strings.IndexByte(s[i:], markJoinClose)
			id, _ := strconv.Atoi(s[i+1 : i+j])
			v.slots[id].Join[0] = b.Len()
			stack = append(stack, id)
			i += j
		case markJoinClose:
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			v.slots[id].Join[1] = b.Len()
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), n
}

// openJoin and closeJoin delimit the JOIN clause of a slot. A join open
// marker carries the slot id and is terminated by a close marker; the
// matching close marker for the clause follows the clause itself.
func openJoin(b *buf, slot int) {
	b.WriteByte(markJoinOpen)
	b.WriteString(strconv.Itoa(slot))
	b.WriteByte(markJoinClose)
}

func closeJoin(b *buf) {
	b.WriteByte(markJoinClose)
}
