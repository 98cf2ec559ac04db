package compiler

import (
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/schema"
	"github.com/syssam/shardql/schema/field"
)

type selectMode struct {
	// master marks the master table of the statement.
	master bool
	// exists renders a constant select list.
	exists bool
	// target overrides the result type of the query.
	target reflect.Type
}

// selected is a compiled SELECT.
type selected struct {
	body    *buf
	tail    *buf
	proj    query.Projection
	outputs []output
	many    []*IncludeMany
}

// Select compiles a query.
func (c *Compiler) Select(q *query.Query) (*Statement, error) {
	v := c.visitor()
	r, err := v.selectQuery(q, selectMode{master: true})
	if err != nil {
		return nil, err
	}
	st := &Statement{
		Kind:       KindSelect,
		Projection: r.proj,
		Many:       r.many,
	}
	v.assemble(st, r.body, r.tail)
	if _, _, ok := q.Paging(); ok {
		st.Count = st.counter()
	}
	return st, nil
}

// assemble finishes the text of the statement.
func (v *visitor) assemble(st *Statement, body, tail *buf) {
	n := 0
	if len(v.ctes) > 0 {
		var with buf
		with.WriteString("WITH ")
		if v.recursive && v.p.Name != dialect.SQLServer {
			with.WriteString("RECURSIVE ")
		}
		with.join(", ", v.ctes...)
		with.WriteByte(' ')
		st.With, n = v.finish(with.String(), n)
		st.Args = append(st.Args, with.args...)
		st.WithArgs = len(with.args)
	}
	st.SQL, n = v.finish(body.String(), n)
	st.Args = append(st.Args, body.args...)
	if tail != nil {
		st.Tail, _ = v.finish(tail.String(), n)
		st.Args = append(st.Args, tail.args...)
		st.TailArgs = len(tail.args)
	}
	st.Slots = v.slots
	st.Tables = v.tables
}

var countType = reflect.TypeFor[int64]()

// counter returns the statement counting the rows of a paged select.
func (s *Statement) counter() *Statement {
	return &Statement{
		Kind:     KindSelect,
		With:     s.With,
		SQL:      s.SQL,
		Wrap:     [2]string{"SELECT COUNT(*) FROM (", ") cnt"},
		Args:     s.Args[:len(s.Args)-s.TailArgs],
		WithArgs: s.WithArgs,
		Slots:    s.Slots,
		Tables:   s.Tables,
		Projection: query.Projection{{
			Kind:      query.KindColumn,
			Name:      "count",
			Type:      countType,
			Column:    "count",
			Native:    field.TypeInt64,
			Converter: field.Lookup(countType, field.TypeInt64),
		}},
	}
}

// selectState is the per-query state of a SELECT.
type selectState struct {
	q        *query.Query
	target   reflect.Type
	navs     []*query.Table
	included map[*query.Table]bool
	many     []*IncludeMany
	owners   map[*IncludeMany]*query.Table
	items    []*buf
	names    map[string]bool
}

func (v *visitor) selectQuery(q *query.Query, mode selectMode) (*selected, error) {
	master := q.Master()
	if master == nil {
		return nil, fmt.Errorf("%w: query without master table", ErrInvalidQuery)
	}
	s := &selectState{
		q:        q,
		target:   q.Target(),
		included: make(map[*query.Table]bool),
		owners:   make(map[*IncludeMany]*query.Table),
		names:    make(map[string]bool),
	}
	if mode.target != nil {
		s.target = mode.target
	}
	for _, c := range q.CTEs() {
		if err := v.cte(c); err != nil {
			return nil, err
		}
	}
	v.alias(master)
	for _, j := range q.Joins() {
		v.alias(j)
	}
	if err := v.includes(s); err != nil {
		return nil, err
	}
	if err := v.discover(s); err != nil {
		return nil, err
	}

	// FROM and JOIN clauses.
	var from buf
	if _, err := v.from(&from, master, mode.master); err != nil {
		return nil, err
	}
	for _, j := range q.Joins() {
		if err := v.joinClause(&from, j); err != nil {
			return nil, err
		}
	}
	for _, t := range s.navs {
		if err := v.joinClause(&from, t); err != nil {
			return nil, err
		}
	}

	r := &selected{body: &buf{}, tail: &buf{}, many: s.many}
	if mode.exists {
		s.items = []*buf{lit("1")}
	} else {
		proj, outs, err := v.project(s)
		if err != nil {
			return nil, err
		}
		r.proj, r.outputs = proj, outs
	}

	b := r.body
	b.WriteString("SELECT ")
	if q.IsDistinct() {
		b.WriteString("DISTINCT ")
	}
	b.join(", ", s.items...)
	b.WriteString(" FROM ")
	b.add(&from)
	if p := q.Predicate(); p != nil {
		b.WriteString(" WHERE ")
		if err := v.pred(b, p); err != nil {
			return nil, err
		}
	}
	if g := q.Grouping(); g != nil {
		b.WriteString(" GROUP BY ")
		for i, x := range g.Group {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := v.expr(b, x, nil); err != nil {
				return nil, err
			}
		}
	}
	if h := q.HavingPredicate(); h != nil {
		b.WriteString(" HAVING ")
		if err := v.pred(b, h); err != nil {
			return nil, err
		}
	}
	for _, u := range q.Unions() {
		if err := v.union(r, u); err != nil {
			return nil, err
		}
	}
	return r, v.tail(r.tail, q)
}

func lit(s string) *buf {
	b := &buf{}
	b.WriteString(s)
	return b
}

func (v *visitor) union(r *selected, u query.Union) error {
	br, err := v.selectQuery(u.Query, selectMode{target: r.rootType()})
	if err != nil {
		return err
	}
	if br.tail.Len() > 0 {
		return fmt.Errorf("%w: union branch with ORDER BY or paging", ErrInvalidQuery)
	}
	if r.proj != nil && br.proj.Leaves() != r.proj.Leaves() {
		return fmt.Errorf("%w: union branch selects %d columns, want %d", ErrInvalidQuery, br.proj.Leaves(), r.proj.Leaves())
	}
	if u.All {
		r.body.WriteString(" UNION ALL ")
	} else {
		r.body.WriteString(" UNION ")
	}
	r.body.add(br.body)
	return nil
}

func (r *selected) rootType() reflect.Type {
	if len(r.proj) == 0 {
		return nil
	}
	return r.proj.Root().Type
}

func (v *visitor) tail(b *buf, q *query.Query) error {
	orders := q.Orders()
	for i, o := range orders {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		if err := v.expr(b, o.Expr, nil); err != nil {
			return err
		}
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	if index, size, ok := q.Paging(); ok {
		b.WriteString(v.p.Page(index, size, len(orders) > 0))
	} else if n := q.RowLimit(); n > 0 {
		b.WriteString(v.p.Page(1, n, len(orders) > 0))
	}
	return nil
}

// joinClause renders a JOIN. The clause of a sharded table is delimited so
// the resolver can drop it, and its literals are rendered inline.
func (v *visitor) joinClause(b *buf, t *query.Table) error {
	var (
		clause buf
		kind   = t.Kind
	)
	if kind == query.FromTable {
		kind = query.Inner
	}
	clause.WriteString(" " + kind.String() + " JOIN ")
	slot, err := v.from(&clause, t, false)
	if err != nil {
		return err
	}
	if slot >= 0 {
		v.inline++
		defer func() { v.inline-- }()
	}
	if kind != query.Cross {
		clause.WriteString(" ON ")
		if m, ok := v.navMember[t]; ok {
			if err := v.navOn(&clause, t, m); err != nil {
				return err
			}
		} else if t.On == nil {
			return fmt.Errorf("%w: %s JOIN %s without condition", ErrInvalidQuery, kind, describe(t))
		} else if err := v.pred(&clause, t.On); err != nil {
			return err
		}
	}
	if slot >= 0 {
		openJoin(b, slot)
	}
	b.add(&clause)
	if slot >= 0 {
		closeJoin(b)
	}
	return nil
}

func (v *visitor) navOn(b *buf, t *query.Table, m *schema.MemberMap) error {
	owner, target, err := m.Join()
	if err != nil {
		return err
	}
	b.WriteString(v.aliases[t.Parent] + "." + owner.Quoted + " = " + v.aliases[t] + "." + target.Quoted)
	return nil
}

// includes resolves the include paths of the query: to-one navigations are
// joined, to-many navigations are loaded by a second statement.
func (v *visitor) includes(s *selectState) error {
	paths := s.q.Includes()
	if len(paths) == 0 {
		return nil
	}
	if len(s.q.Selection()) > 0 || !s.q.Master().IsEntity() {
		return fmt.Errorf("%w: includes require an entity projection", ErrInvalidQuery)
	}
	many := make(map[string]*IncludeMany)
	for _, path := range paths {
		owner, segs := s.q.Master(), strings.Split(path, ".")
		for i, seg := range segs {
			e, err := v.entity(owner)
			if err != nil {
				return err
			}
			m, err := e.Member(seg)
			if err != nil {
				return err
			}
			if !m.Navigation {
				return &schema.MappingError{Entity: e.Name(), Member: seg, Err: schema.ErrUnmappedMember}
			}
			if m.Relation.Kind == schema.Many {
				prefix := strings.Join(segs[:i+1], ".")
				inc, ok := many[prefix]
				if !ok {
					ownerKey, fk, err := m.Join()
					if err != nil {
						return err
					}
					inc = &IncludeMany{Path: prefix, Navigation: m, OwnerKey: ownerKey, ForeignKey: fk}
					s.many = append(s.many, inc)
					s.owners[inc] = owner
					many[prefix] = inc
				}
				if rest := strings.Join(segs[i+1:], "."); rest != "" && !slices.Contains(inc.Includes, rest) {
					inc.Includes = append(inc.Includes, rest)
				}
				break
			}
			t, created, err := v.nav(owner, seg)
			if err != nil {
				return err
			}
			if created {
				s.navs = append(s.navs, t)
			}
			s.included[t] = true
			owner = t
		}
	}
	return nil
}

// discover creates the navigation joins referenced by dotted column paths.
func (v *visitor) discover(s *selectState) error {
	q := s.q
	own := map[*query.Table]bool{q.Master(): true}
	for _, j := range q.Joins() {
		own[j] = true
	}
	for _, t := range s.navs {
		own[t] = true
	}
	exprs := []query.Expr{q.Predicate(), q.HavingPredicate()}
	for _, j := range q.Joins() {
		exprs = append(exprs, j.On)
	}
	for _, o := range q.Orders() {
		exprs = append(exprs, o.Expr)
	}
	for _, sel := range q.Selection() {
		exprs = append(exprs, sel.Expr)
	}
	if g := q.Grouping(); g != nil {
		exprs = append(exprs, g.Group...)
	}
	var err error
	for _, x := range exprs {
		walk(x, func(e query.Expr) {
			c, ok := e.(*query.Column)
			if !ok || err != nil || !own[c.Table] || !strings.Contains(c.Member, ".") {
				return
			}
			owner := c.Table
			segs := strings.Split(c.Member, ".")
			for _, seg := range segs[:len(segs)-1] {
				t, created, nerr := v.nav(owner, seg)
				if nerr != nil {
					err = nerr
					return
				}
				if created {
					s.navs = append(s.navs, t)
					own[t] = true
				}
				owner = t
			}
		})
	}
	return err
}

// project builds the projection of the query and its select list.
func (v *visitor) project(s *selectState) (query.Projection, []output, error) {
	if len(s.q.Selection()) > 0 {
		return v.projectSelection(s)
	}
	master := s.q.Master()
	if !master.IsEntity() {
		return v.projectOutputs(s, master)
	}
	e, err := v.entity(master)
	if err != nil {
		return nil, nil, err
	}
	target := s.target
	if target == nil {
		target = e.Type
	}
	for target.Kind() == reflect.Pointer {
		target = target.Elem()
	}
	if target.Kind() != reflect.Struct || field.Scalar(target) {
		return nil, nil, fmt.Errorf("%w: scalar result %s requires a selection", ErrInvalidQuery, target)
	}
	root := &query.ReaderField{Kind: query.KindEntity, Name: e.Name(), Type: target}
	var outs []output
	if target == e.Type {
		root.Entity = e
		root.Children = v.entityLeaves(s, master, e)
	} else {
		// Fields of the result type matched by name.
		for _, m := range e.Columns() {
			f, ok := fieldOf(target, m.Name)
			if !ok {
				continue
			}
			leaf := v.memberLeaf(s, master, m)
			leaf.Type, leaf.Index = f.Type, f.Index
			leaf.Converter = field.Lookup(f.Type, m.Type)
			root.Children = append(root.Children, leaf)
		}
		if len(root.Children) == 0 {
			return nil, nil, &ColumnError{Name: target.String(), Target: e.Name(), Err: schema.ErrUnmappedMember}
		}
	}
	for _, c := range root.Children {
		outs = append(outs, output{member: c.Name, column: c.Column, leaf: c})
	}
	proj := query.Projection{root}
	index := map[*query.Table]int{master: 0}
	for _, t := range s.navs {
		if !s.included[t] {
			continue
		}
		te, err := v.entity(t)
		if err != nil {
			return nil, nil, err
		}
		m := v.navMember[t]
		node := &query.ReaderField{
			Kind:       query.KindInclude,
			Name:       t.Path(),
			Type:       te.Type,
			Index:      m.Index,
			Alias:      v.aliases[t],
			Entity:     te,
			Parent:     index[t.Parent],
			Navigation: m,
			Children:   v.entityLeaves(s, t, te),
		}
		index[t] = len(proj)
		proj = append(proj, node)
	}
	for _, inc := range s.many {
		// Owners are the master or included to-one navigations.
		inc.Parent = index[s.owners[inc]]
	}
	return proj, outs, nil
}

func (v *visitor) entityLeaves(s *selectState, t *query.Table, e *schema.EntityMap) []*query.ReaderField {
	leaves := make([]*query.ReaderField, 0, len(e.Columns()))
	for _, m := range e.Columns() {
		leaves = append(leaves, v.memberLeaf(s, t, m))
	}
	return leaves
}

// memberLeaf adds the column of m to the select list. Output names already
// taken are qualified by the table alias.
func (v *visitor) memberLeaf(s *selectState, t *query.Table, m *schema.MemberMap) *query.ReaderField {
	alias := v.aliases[t]
	item := &buf{}
	item.WriteString(alias + "." + m.Quoted)
	name := m.Column
	if s.names[strings.ToLower(name)] {
		name = alias + "_" + m.Column
		item.WriteString(" AS " + v.p.Quote(name))
	}
	s.names[strings.ToLower(name)] = true
	s.items = append(s.items, item)
	return &query.ReaderField{
		Kind:      query.KindColumn,
		Name:      m.Name,
		Type:      m.GoType,
		Index:     m.Index,
		Alias:     alias,
		Column:    name,
		Native:    m.Type,
		Converter: m.Converter,
	}
}

// projectOutputs projects the outputs of a derived table or a CTE.
func (v *visitor) projectOutputs(s *selectState, t *query.Table) (query.Projection, []output, error) {
	outs := v.outputsOf(t)
	if len(outs) == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no outputs", ErrInvalidQuery, describe(t))
	}
	alias := v.aliases[t]
	leaf := func(o output) *query.ReaderField {
		item := &buf{}
		item.WriteString(alias + "." + v.p.Quote(o.column))
		s.items = append(s.items, item)
		s.names[strings.ToLower(o.column)] = true
		c := *o.leaf
		c.Alias = alias
		c.Column = o.column
		return &c
	}
	if len(outs) == 1 && len(outs[0].leaf.Index) == 0 && outs[0].leaf.Kind == query.KindColumn {
		root := leaf(outs[0])
		return query.Projection{root}, []output{{member: outs[0].member, column: outs[0].column, leaf: root}}, nil
	}
	target := t.Entity
	if s.target != nil {
		target = s.target
	}
	root := &query.ReaderField{Kind: query.KindEntity, Name: describe(t), Type: target}
	if target == t.Entity && target.Kind() == reflect.Struct {
		root.Entity, _ = schema.Of(v.p, target)
	}
	var next []output
	for _, o := range outs {
		c := leaf(o)
		root.Children = append(root.Children, c)
		next = append(next, output{member: o.member, column: o.column, leaf: c})
	}
	return query.Projection{root}, next, nil
}

// projectSelection projects named selections into the result type.
func (v *visitor) projectSelection(s *selectState) (query.Projection, []output, error) {
	sels := s.q.Selection()
	for i, sel := range sels {
		for _, prev := range sels[:i] {
			if strings.EqualFold(prev.Name, sel.Name) {
				return nil, nil, &ColumnError{Name: sel.Name, Err: ErrAmbiguousColumn}
			}
		}
	}
	target := s.target
	if target == nil {
		return nil, nil, fmt.Errorf("%w: selection without result type", ErrInvalidQuery)
	}
	for target.Kind() == reflect.Pointer {
		target = target.Elem()
	}
	if target.Kind() != reflect.Struct || field.Scalar(target) {
		if len(sels) != 1 {
			return nil, nil, fmt.Errorf("%w: scalar result %s with %d selections", ErrInvalidQuery, target, len(sels))
		}
		leaf, err := v.exprLeaf(s, sels[0].Name, sels[0].Expr, target)
		if err != nil {
			return nil, nil, err
		}
		return query.Projection{leaf}, []output{{member: sels[0].Name, column: leaf.Column, leaf: leaf}}, nil
	}
	root := &query.ReaderField{Kind: query.KindEntity, Name: target.Name(), Type: target}
	if m := s.q.Master(); m.IsEntity() && m.Entity == target {
		root.Entity, _ = v.entity(m)
	}
	var (
		outs  []output
		slots int
	)
	for _, sel := range sels {
		f, ok := fieldOf(target, sel.Name)
		if !ok {
			return nil, nil, &ColumnError{Name: sel.Name, Target: target.String(), Err: schema.ErrUnmappedMember}
		}
		var node *query.ReaderField
		switch x := sel.Expr.(type) {
		case *query.EntityRef:
			e, err := v.entity(x.Table)
			if err != nil {
				return nil, nil, err
			}
			if _, err := v.tableAlias(x.Table); err != nil {
				return nil, nil, err
			}
			node = &query.ReaderField{
				Kind:     query.KindEntity,
				Name:     sel.Name,
				Type:     f.Type,
				Index:    f.Index,
				Alias:    v.aliases[x.Table],
				Entity:   e,
				Children: v.entityLeaves(s, x.Table, e),
			}
		case *query.Deferred:
			node = &query.ReaderField{
				Kind:  query.KindDeferred,
				Name:  sel.Name,
				Type:  x.Type,
				Index: f.Index,
				Slot:  slots,
				Key:   x.Key,
			}
			if x.Key != "" {
				node.Fn = x.Fn
			}
			slots++
			for i, in := range x.Inputs {
				var t reflect.Type
				if m := v.hint(in); m != nil {
					t = m.GoType
				}
				leaf, err := v.exprLeaf(s, fmt.Sprintf("%s_%d", sel.Name, i), in, t)
				if err != nil {
					return nil, nil, err
				}
				node.Children = append(node.Children, leaf)
			}
		default:
			leaf, err := v.exprLeaf(s, sel.Name, sel.Expr, f.Type)
			if err != nil {
				return nil, nil, err
			}
			leaf.Index = f.Index
			node = leaf
			outs = append(outs, output{member: sel.Name, column: leaf.Column, leaf: leaf})
		}
		root.Children = append(root.Children, node)
	}
	return query.Projection{root}, outs, nil
}

// exprLeaf adds a named expression to the select list. A nil type reads the
// raw driver value.
func (v *visitor) exprLeaf(s *selectState, name string, x query.Expr, t reflect.Type) (*query.ReaderField, error) {
	item := &buf{}
	if err := v.expr(item, x, nil); err != nil {
		return nil, err
	}
	if s.names[strings.ToLower(name)] {
		return nil, &ColumnError{Name: name, Err: ErrAmbiguousColumn}
	}
	s.names[strings.ToLower(name)] = true
	item.WriteString(" AS " + v.p.Quote(name))
	s.items = append(s.items, item)
	leaf := &query.ReaderField{Kind: query.KindColumn, Name: name, Type: t, Column: name}
	if c, ok := x.(*query.Column); ok {
		leaf.Alias = v.aliases[c.Table]
	}
	if t == nil {
		return leaf, nil
	}
	leaf.Native = field.TypeOf(t)
	if m := v.hint(x); m != nil {
		leaf.Native = m.Type
	}
	leaf.Converter = field.Lookup(t, leaf.Native)
	return leaf, nil
}

// fieldOf returns the field of the struct t matching name, exactly or
// under case folding.
func fieldOf(t reflect.Type, name string) (reflect.StructField, bool) {
	if f, ok := t.FieldByName(name); ok && f.IsExported() {
		return f, true
	}
	return t.FieldByNameFunc(func(s string) bool { return strings.EqualFold(s, name) })
}

// cte compiles a CTE into the prefix list. CTEs referenced by the CTE are
// compiled first.
func (v *visitor) cte(c *query.CTE) error {
	if v.cteSeen[c] {
		return nil
	}
	v.cteSeen[c] = true
	save := v.prefix
	v.prefix = true
	defer func() { v.prefix = save }()
	anchor, err := v.nested(c.Query, selectMode{})
	if err != nil {
		return err
	}
	v.cteOuts[c] = anchor.outputs
	b := &buf{}
	b.WriteString(v.p.Quote(c.Name) + " AS (")
	b.add(anchor.body)
	b.add(anchor.tail)
	if c.Recursive != nil {
		v.recursive = true
		rec, err := v.nested(c.Recursive, selectMode{target: anchor.rootType()})
		if err != nil {
			return err
		}
		b.WriteString(" UNION ALL ")
		b.add(rec.body)
	}
	b.WriteByte(')')
	v.ctes = append(v.ctes, b)
	return nil
}
