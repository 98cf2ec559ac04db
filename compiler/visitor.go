package compiler

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/schema"
	"github.com/syssam/shardql/schema/field"
)

// output is a named column of a nested query, referenced by the columns of
// derived tables and CTE tables.
type output struct {
	member string
	column string
	leaf   *query.ReaderField
}

type navKey struct {
	owner *query.Table
	name  string
}

// visitor is the state of one compilation, shared by the statement and
// every nested query it contains.
type visitor struct {
	c       *Compiler
	p       *dialect.Provider
	aliases map[*query.Table]string
	next    int
	// neg is the number of pending negations. Predicates are negated when it
	// is odd.
	neg int
	// inline forces literals inline while positive.
	inline int
	// depth is the nesting level of the query being rendered.
	depth int
	// prefix is set while rendering the CTE prefix.
	prefix bool

	slots     []Slot
	tables    []string
	ctes      []*buf
	cteSeen   map[*query.CTE]bool
	recursive bool
	outputs   map[*query.Table][]output
	cteOuts   map[*query.CTE][]output
	navs      map[navKey]*query.Table
	navMember map[*query.Table]*schema.MemberMap

	// bare is the table of single-table DML, rendered without alias.
	bare     *query.Table
	bareText string
}

func (c *Compiler) visitor() *visitor {
	return &visitor{
		c:         c,
		p:         c.provider,
		aliases:   make(map[*query.Table]string),
		cteSeen:   make(map[*query.CTE]bool),
		outputs:   make(map[*query.Table][]output),
		cteOuts:   make(map[*query.CTE][]output),
		navs:      make(map[navKey]*query.Table),
		navMember: make(map[*query.Table]*schema.MemberMap),
	}
}

func (v *visitor) negated() bool { return v.neg%2 == 1 }

func (v *visitor) inlining() bool { return v.inline > 0 || v.c.inlining() }

// alias assigns the next alias to t, once.
func (v *visitor) alias(t *query.Table) string {
	if a, ok := v.aliases[t]; ok {
		return a
	}
	n := int(v.c.aliasStart-'a') + v.next
	v.next++
	a := "t" + strconv.Itoa(v.next)
	if n < 26 {
		a = string(rune('a' + n))
	}
	v.aliases[t] = a
	return a
}

func (v *visitor) tableAlias(t *query.Table) (string, error) {
	if a, ok := v.aliases[t]; ok {
		return a, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTable, describe(t))
}

func describe(t *query.Table) string {
	switch {
	case t == nil:
		return "<nil>"
	case t.CTE != nil:
		return "cte " + t.CTE.Name
	case t.Sub != nil:
		return "derived table"
	case t.Entity != nil:
		return t.Entity.String()
	}
	return "table"
}

func (v *visitor) entity(t *query.Table) (*schema.EntityMap, error) {
	if !t.IsEntity() {
		return nil, fmt.Errorf("%w: %s is not an entity table", ErrInvalidQuery, describe(t))
	}
	return schema.Of(v.p, t.Entity)
}

func (v *visitor) touch(e *schema.EntityMap) {
	for _, t := range v.tables {
		if t == e.Table {
			return
		}
	}
	v.tables = append(v.tables, e.Table)
}

// tableRef renders the physical name of an entity table. References to
// sharded entities allocate a slot and render its placeholder.
func (v *visitor) tableRef(t *query.Table, e *schema.EntityMap, master bool) (string, int) {
	v.touch(e)
	if v.c.sharded == nil || !v.c.sharded(e) {
		return e.QuotedTable, -1
	}
	v.slots = append(v.slots, Slot{
		Entity: e,
		Alias:  v.aliases[t],
		Master: master,
		Prefix: v.prefix,
	})
	return Token(len(v.slots) - 1), len(v.slots) - 1
}

// from renders a table reference with its alias: an entity table, a derived
// table or a CTE reference.
func (v *visitor) from(b *buf, t *query.Table, master bool) (int, error) {
	alias := v.alias(t)
	switch {
	case t.CTE != nil:
		if !v.cteSeen[t.CTE] {
			if err := v.cte(t.CTE); err != nil {
				return -1, err
			}
		}
		b.WriteString(v.p.Quote(t.CTE.Name))
	case t.Sub != nil:
		r, err := v.nested(t.Sub, selectMode{})
		if err != nil {
			return -1, err
		}
		v.outputs[t] = r.outputs
		b.WriteByte('(')
		b.add(r.body)
		b.add(r.tail)
		b.WriteByte(')')
	case t.Entity != nil:
		e, err := v.entity(t)
		if err != nil {
			return -1, err
		}
		ref, slot := v.tableRef(t, e, master)
		b.WriteString(ref)
		b.WriteString(" " + alias)
		return slot, nil
	default:
		return -1, fmt.Errorf("%w: table without source", ErrInvalidQuery)
	}
	b.WriteString(" " + alias)
	return -1, nil
}

// nav returns the table joining the navigation member m of owner, creating
// it on first use.
func (v *visitor) nav(owner *query.Table, name string) (*query.Table, bool, error) {
	if t, ok := v.navs[navKey{owner, name}]; ok {
		return t, false, nil
	}
	e, err := v.entity(owner)
	if err != nil {
		return nil, false, err
	}
	m, err := e.Member(name)
	if err != nil {
		return nil, false, err
	}
	if !m.Navigation {
		return nil, false, &schema.MappingError{Entity: e.Name(), Member: name, Err: schema.ErrUnmappedMember}
	}
	if m.Relation.Kind != schema.One {
		return nil, false, fmt.Errorf("%w: to-many navigation %s.%s cannot be joined", ErrInvalidQuery, e.Name(), name)
	}
	t := &query.Table{Kind: query.Left, Entity: m.Relation.Target, Parent: owner, Include: name}
	v.navs[navKey{owner, name}] = t
	v.navMember[t] = m
	v.alias(t)
	return t, true, nil
}

// column renders a column reference and returns the member it maps, if any.
func (v *visitor) column(c *query.Column) (string, *schema.MemberMap, error) {
	t, name := c.Table, c.Member
	if t == nil {
		return "", nil, fmt.Errorf("%w: column %q without table", ErrInvalidQuery, name)
	}
	for {
		head, rest, ok := strings.Cut(name, ".")
		if !ok {
			break
		}
		nt, ok := v.navs[navKey{t, head}]
		if !ok {
			return "", nil, fmt.Errorf("%w: navigation %s of %s", ErrUnknownTable, head, describe(t))
		}
		t, name = nt, rest
	}
	if t == v.bare {
		e, err := v.entity(t)
		if err != nil {
			return "", nil, err
		}
		m, err := e.Column(name)
		if err != nil {
			return "", nil, err
		}
		if v.depth > 0 {
			return v.bareText + "." + m.Quoted, m, nil
		}
		return m.Quoted, m, nil
	}
	alias, err := v.tableAlias(t)
	if err != nil {
		return "", nil, err
	}
	if t.IsEntity() {
		e, err := v.entity(t)
		if err != nil {
			return "", nil, err
		}
		m, err := e.Column(name)
		if err != nil {
			return "", nil, err
		}
		return alias + "." + m.Quoted, m, nil
	}
	for _, o := range v.outputsOf(t) {
		if strings.EqualFold(o.member, name) {
			return alias + "." + v.p.Quote(o.column), nil, nil
		}
	}
	return "", nil, &schema.MappingError{Entity: describe(t), Member: name, Err: schema.ErrUnmappedMember}
}

func (v *visitor) outputsOf(t *query.Table) []output {
	if t.CTE != nil {
		return v.cteOuts[t.CTE]
	}
	return v.outputs[t]
}

// expr renders a value expression. hint is the member compared with the
// expression, used to convert literal values.
func (v *visitor) expr(b *buf, e query.Expr, hint *schema.MemberMap) error {
	switch e := e.(type) {
	case *query.Column:
		s, _, err := v.column(e)
		if err != nil {
			return err
		}
		b.WriteString(s)
	case *query.Value:
		return v.value(b, e.V, hint)
	case *query.Binary:
		if !arithmetic(e.Op) {
			return v.pred(b, e)
		}
		return v.arith(b, e)
	case *query.Unary:
		if e.Op == query.OpNot {
			return v.pred(b, e)
		}
		b.WriteString("-(")
		if err := v.expr(b, e.X, hint); err != nil {
			return err
		}
		b.WriteByte(')')
	case *query.Call:
		return v.call(b, e)
	case *query.Subquery:
		return v.subquery(b, e.Query, selectMode{})
	case *query.GroupKey:
		if e.Group == nil || e.Index < 0 || e.Index >= len(e.Group.Group) {
			return fmt.Errorf("%w: group key %d out of range", ErrInvalidQuery, e.Index)
		}
		return v.expr(b, e.Group.Group[e.Index], hint)
	case *query.Star:
		b.WriteByte('*')
	case nil:
		return fmt.Errorf("%w: nil expression", ErrInvalidQuery)
	default:
		return fmt.Errorf("%w: %T is only allowed in a selection", ErrInvalidQuery, e)
	}
	return nil
}

func arithmetic(op dialect.Op) bool {
	switch op {
	case dialect.OpAdd, dialect.OpSub, dialect.OpMul, dialect.OpDiv, dialect.OpMod, dialect.OpConcat:
		return true
	}
	return false
}

func (v *visitor) arith(b *buf, e *query.Binary) error {
	lh, rh := v.hints(e.L, e.R)
	var l, r buf
	if err := v.expr(&l, e.L, rh); err != nil {
		return err
	}
	if err := v.expr(&r, e.R, lh); err != nil {
		return err
	}
	if e.Op == dialect.OpConcat {
		b.WriteString(v.p.Concat(l.String(), r.String()))
		b.args = append(b.args, l.args...)
		b.args = append(b.args, r.args...)
		return nil
	}
	tok, ok := v.p.Operator(e.Op)
	if !ok {
		return fmt.Errorf("%w: operator %s is not supported by %s", ErrInvalidQuery, e.Op, v.p.Name)
	}
	b.WriteByte('(')
	b.add(&l)
	b.WriteString(" " + tok + " ")
	b.add(&r)
	b.WriteByte(')')
	return nil
}

// hints returns the members of the column operands of a binary node.
func (v *visitor) hints(l, r query.Expr) (lh, rh *schema.MemberMap) {
	return v.hint(l), v.hint(r)
}

func (v *visitor) hint(e query.Expr) *schema.MemberMap {
	c, ok := e.(*query.Column)
	if !ok {
		return nil
	}
	_, m, err := v.column(c)
	if err != nil {
		return nil
	}
	return m
}

// value renders a literal as a parameter, or inline when enabled. Values of
// the Go type of hint go through the member converter.
func (v *visitor) value(b *buf, x any, hint *schema.MemberMap) error {
	x, err := v.native(x, hint)
	if err != nil {
		return err
	}
	if x == nil {
		b.WriteString("NULL")
		return nil
	}
	if v.inlining() {
		lit, err := v.p.QuoteLiteral(x)
		if err != nil {
			return err
		}
		b.WriteString(lit)
		return nil
	}
	b.arg(x)
	return nil
}

func (v *visitor) native(x any, hint *schema.MemberMap) (any, error) {
	if x == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(x)
	if hint != nil && hint.Converter != nil {
		switch t := hint.GoType; {
		case rv.Type() == t:
			return hint.Converter.Value(rv)
		case t.Kind() == reflect.Pointer && rv.Type() == t.Elem():
			p := reflect.New(rv.Type())
			p.Elem().Set(rv)
			return hint.Converter.Value(p)
		}
	}
	if _, ok := x.(driver.Valuer); ok {
		return x, nil
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		return v.native(rv.Elem().Interface(), hint)
	}
	nt := field.TypeOf(rv.Type())
	return field.Lookup(rv.Type(), nt).Value(rv)
}

// pred renders a predicate under the pending negations.
func (v *visitor) pred(b *buf, e query.Expr) error {
	switch e := e.(type) {
	case *query.Unary:
		if e.Op != query.OpNot {
			return v.opaque(b, e)
		}
		v.neg++
		defer func() { v.neg-- }()
		return v.pred(b, e.X)
	case *query.Binary:
		switch {
		case e.Op.Logical():
			return v.logical(b, e)
		case arithmetic(e.Op):
			return v.opaque(b, e)
		}
		return v.compare(b, e)
	case *query.Call:
		return v.predCall(b, e)
	}
	return v.opaque(b, e)
}

// opaque renders an expression that cannot be negated in place.
func (v *visitor) opaque(b *buf, e query.Expr) error {
	if !v.negated() {
		return v.expr(b, e, nil)
	}
	save := v.neg
	v.neg = 0
	defer func() { v.neg = save }()
	b.WriteString("NOT (")
	if err := v.expr(b, e, nil); err != nil {
		return err
	}
	b.WriteByte(')')
	return nil
}

func (v *visitor) logical(b *buf, e *query.Binary) error {
	op := e.Op
	if v.negated() {
		op = dialect.OpAnd
		if e.Op == dialect.OpAnd {
			op = dialect.OpOr
		}
	}
	tok, _ := v.p.Operator(op)
	for i, x := range []query.Expr{e.L, e.R} {
		if i > 0 {
			b.WriteString(" " + tok + " ")
		}
		if c, ok := x.(*query.Binary); ok && c.Op.Logical() && c.Op != e.Op {
			b.WriteByte('(')
			if err := v.pred(b, x); err != nil {
				return err
			}
			b.WriteByte(')')
			continue
		}
		if err := v.pred(b, x); err != nil {
			return err
		}
	}
	return nil
}

func (v *visitor) compare(b *buf, e *query.Binary) error {
	op := e.Op
	if v.negated() {
		op, _ = op.Negate()
	}
	if (op == dialect.OpEQ || op == dialect.OpNEQ) && isNull(e.R) {
		if err := v.expr(b, e.L, nil); err != nil {
			return err
		}
		if op == dialect.OpEQ {
			b.WriteString(" IS NULL")
		} else {
			b.WriteString(" IS NOT NULL")
		}
		return nil
	}
	tok, ok := v.p.Operator(op)
	if !ok {
		return fmt.Errorf("%w: operator %s is not supported by %s", ErrInvalidQuery, op, v.p.Name)
	}
	save := v.neg
	v.neg = 0
	defer func() { v.neg = save }()
	lh, rh := v.hints(e.L, e.R)
	if err := v.expr(b, e.L, rh); err != nil {
		return err
	}
	b.WriteString(" " + tok + " ")
	return v.expr(b, e.R, lh)
}

func isNull(e query.Expr) bool {
	x, ok := e.(*query.Value)
	return ok && x.V == nil
}

func (v *visitor) predCall(b *buf, e *query.Call) error {
	not := v.negated()
	save := v.neg
	v.neg = 0
	defer func() { v.neg = save }()
	switch e.Fn {
	case query.FnContains, query.FnHasPrefix, query.FnHasSuffix:
		return v.like(b, e, not)
	case query.FnEqualFold:
		if err := v.args(e, 2); err != nil {
			return err
		}
		b.WriteString("LOWER(")
		if err := v.expr(b, e.Args[0], nil); err != nil {
			return err
		}
		if not {
			b.WriteString(") <> LOWER(")
		} else {
			b.WriteString(") = LOWER(")
		}
		if err := v.expr(b, e.Args[1], nil); err != nil {
			return err
		}
		b.WriteByte(')')
		return nil
	case query.FnIn:
		return v.in(b, e, not)
	case query.FnIsNull:
		if err := v.args(e, 1); err != nil {
			return err
		}
		if err := v.expr(b, e.Args[0], nil); err != nil {
			return err
		}
		if not {
			b.WriteString(" IS NOT NULL")
		} else {
			b.WriteString(" IS NULL")
		}
		return nil
	case query.FnExists:
		if err := v.args(e, 1); err != nil {
			return err
		}
		sub, ok := e.Args[0].(*query.Subquery)
		if !ok {
			return fmt.Errorf("%w: exists expects a subquery", ErrInvalidQuery)
		}
		if not {
			b.WriteString("NOT ")
		}
		b.WriteString("EXISTS ")
		return v.subquery(b, sub.Query, selectMode{exists: true})
	}
	v.neg = save
	return v.opaque(b, e)
}

func (v *visitor) args(e *query.Call, n int) error {
	if len(e.Args) != n {
		return fmt.Errorf("%w: %s expects %d arguments, got %d", ErrInvalidQuery, e.Fn, n, len(e.Args))
	}
	return nil
}

// like renders contains, has-prefix and has-suffix. Wildcards of the pattern
// are escaped, adding an ESCAPE clause when any was found.
func (v *visitor) like(b *buf, e *query.Call, not bool) error {
	if err := v.args(e, 2); err != nil {
		return err
	}
	lit, ok := e.Args[1].(*query.Value)
	if !ok {
		return fmt.Errorf("%w: %s expects a literal pattern", ErrInvalidQuery, e.Fn)
	}
	s, ok := lit.V.(string)
	if !ok {
		return fmt.Errorf("%w: %s expects a string pattern, got %T", ErrInvalidQuery, e.Fn, lit.V)
	}
	escaped := escapeLike(s)
	switch e.Fn {
	case query.FnContains:
		s = "%" + escaped + "%"
	case query.FnHasPrefix:
		s = escaped + "%"
	default:
		s = "%" + escaped
	}
	if err := v.expr(b, e.Args[0], nil); err != nil {
		return err
	}
	if not {
		b.WriteString(" NOT LIKE ")
	} else {
		b.WriteString(" LIKE ")
	}
	if err := v.value(b, s, nil); err != nil {
		return err
	}
	if escaped != lit.V.(string) {
		esc, _ := v.p.QuoteLiteral(`\`)
		b.WriteString(" ESCAPE " + esc)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func (v *visitor) in(b *buf, e *query.Call, not bool) error {
	if len(e.Args) == 0 {
		return fmt.Errorf("%w: in expects an operand", ErrInvalidQuery)
	}
	x, list := e.Args[0], values(e.Args[1:])
	if len(list) == 0 {
		// Empty lists match nothing.
		if not {
			b.WriteString("1 = 1")
		} else {
			b.WriteString("1 = 0")
		}
		return nil
	}
	if err := v.expr(b, x, nil); err != nil {
		return err
	}
	if not {
		b.WriteString(" NOT IN ")
	} else {
		b.WriteString(" IN ")
	}
	if sub, ok := list[0].(*query.Subquery); ok && len(list) == 1 {
		return v.subquery(b, sub.Query, selectMode{})
	}
	hint := v.hint(x)
	b.WriteByte('(')
	for i, a := range list {
		if i > 0 {
			b.WriteString(", ")
		}
		if err := v.expr(b, a, hint); err != nil {
			return err
		}
	}
	b.WriteByte(')')
	return nil
}

// values expands slice literals of an IN list.
func values(args []query.Expr) []query.Expr {
	if len(args) != 1 {
		return args
	}
	x, ok := args[0].(*query.Value)
	if !ok || x.V == nil {
		return args
	}
	rv := reflect.ValueOf(x.V)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return args
	}
	out := make([]query.Expr, rv.Len())
	for i := range out {
		out[i] = query.V(rv.Index(i).Interface())
	}
	return out
}

var funcs = map[query.Func]string{
	query.FnCount: "COUNT",
	query.FnSum:   "SUM",
	query.FnAvg:   "AVG",
	query.FnMin:   "MIN",
	query.FnMax:   "MAX",
	query.FnLower: "LOWER",
	query.FnUpper: "UPPER",
}

func (v *visitor) call(b *buf, e *query.Call) error {
	switch e.Fn {
	case query.FnCountDistinct:
		if err := v.args(e, 1); err != nil {
			return err
		}
		b.WriteString("COUNT(DISTINCT ")
		if err := v.expr(b, e.Args[0], nil); err != nil {
			return err
		}
		b.WriteByte(')')
		return nil
	case query.FnCoalesce:
		b.WriteString("COALESCE(")
		hint := v.hint(e.Args[0])
		for i, a := range e.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := v.expr(b, a, hint); err != nil {
				return err
			}
		}
		b.WriteByte(')')
		return nil
	}
	name, ok := funcs[e.Fn]
	if !ok {
		// Predicate functions used as values.
		return v.pred(b, e)
	}
	if err := v.args(e, 1); err != nil {
		return err
	}
	b.WriteString(name + "(")
	if err := v.expr(b, e.Args[0], nil); err != nil {
		return err
	}
	b.WriteByte(')')
	return nil
}

func (v *visitor) subquery(b *buf, q *query.Query, mode selectMode) error {
	r, err := v.nested(q, mode)
	if err != nil {
		return err
	}
	b.WriteByte('(')
	b.add(r.body)
	b.add(r.tail)
	b.WriteByte(')')
	return nil
}

// nested compiles a query embedded in the statement.
func (v *visitor) nested(q *query.Query, mode selectMode) (*selected, error) {
	v.depth++
	save := v.neg
	v.neg = 0
	defer func() {
		v.depth--
		v.neg = save
	}()
	return v.selectQuery(q, mode)
}

// walk calls fn for every node of e, not descending into subqueries.
func walk(e query.Expr, fn func(query.Expr)) {
	if e == nil {
		return
	}
	fn(e)
	switch e := e.(type) {
	case *query.Binary:
		walk(e.L, fn)
		walk(e.R, fn)
	case *query.Unary:
		walk(e.X, fn)
	case *query.Call:
		for _, a := range e.Args {
			walk(a, fn)
		}
	case *query.Deferred:
		for _, a := range e.Inputs {
			walk(a, fn)
		}
	case *query.GroupKey:
		if e.Group != nil && e.Index >= 0 && e.Index < len(e.Group.Group) {
			walk(e.Group.Group[e.Index], fn)
		}
	}
}
