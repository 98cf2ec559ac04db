package materialize

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/dialect/sql"
	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/schema"
	"github.com/syssam/shardql/schema/field"
)

// ErrMissingFunc is returned when a deferred node has no function.
var ErrMissingFunc = errors.New("materialize: missing deferred function")

// Func computes a deferred value from its inputs.
type Func = func(args []any) (any, error)

// Column describes one column of a result set.
type Column struct {
	Name         string
	DatabaseType string
}

// Columns returns the columns of a result set.
func Columns(rows sql.ColumnScanner) ([]Column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("materialize: column types: %w", err)
	}
	cols := make([]Column, len(types))
	for i, ct := range types {
		cols[i] = Column{Name: ct.Name(), DatabaseType: ct.DatabaseTypeName()}
	}
	return cols, nil
}

// Plan reads rows positionally into values of one Go type. Plans are
// immutable and shared: functions of unkeyed deferred nodes are passed to
// each call.
type Plan struct {
	elem  reflect.Type
	root  reflect.Type
	proj  query.Projection
	width int
	// asMap reads rows into map[string]any keyed by column name.
	asMap []Column
	funcs int
}

type planKey struct {
	dialect string
	t       reflect.Type
	shape   string
}

var plans sync.Map // planKey => *Plan

func load(key planKey, build func() (*Plan, error)) (*Plan, error) {
	if p, ok := plans.Load(key); ok {
		return p.(*Plan), nil
	}
	p, err := build()
	if err != nil {
		return nil, err
	}
	actual, _ := plans.LoadOrStore(key, p)
	return actual.(*Plan), nil
}

// Shaped returns the plan reading the rows of a compiled projection into
// values of t. t is the root type of the projection or a pointer to it.
func Shaped(p *dialect.Provider, t reflect.Type, proj query.Projection) (*Plan, error) {
	if len(proj) == 0 {
		return nil, fmt.Errorf("materialize: empty projection")
	}
	key := planKey{p.Name, t, proj.Fingerprint()}
	return load(key, func() (*Plan, error) {
		want := proj.Root().Type
		if want == nil {
			return nil, fmt.Errorf("materialize: projection without result type")
		}
		root := t
		if root.Kind() == reflect.Pointer && want.Kind() != reflect.Pointer {
			root = root.Elem()
		}
		if want != root {
			return nil, fmt.Errorf("materialize: projection of %s cannot be read into %s", proj.Root().Type, t)
		}
		return newPlan(t, root, proj), nil
	})
}

// Flat returns the plan reading a result set with the given columns into
// values of t: a struct (columns matched to members), map[string]any, or a
// scalar read from the first column. A struct column without a matching
// member is a MappingError.
func Flat(p *dialect.Provider, t reflect.Type, columns []Column) (*Plan, error) {
	var shape strings.Builder
	for _, c := range columns {
		shape.WriteString(c.Name + ":" + c.DatabaseType + ",")
	}
	key := planKey{p.Name, t, shape.String()}
	return load(key, func() (*Plan, error) {
		if len(columns) == 0 {
			return nil, fmt.Errorf("materialize: result set without columns")
		}
		root := t
		if root.Kind() == reflect.Pointer {
			root = root.Elem()
		}
		switch {
		case root.Kind() == reflect.Map && root.Key().Kind() == reflect.String:
			pl := newPlan(t, root, query.Projection{{Kind: query.KindEntity, Type: root}})
			pl.asMap, pl.width = columns, len(columns)
			return pl, nil
		case root.Kind() != reflect.Struct || field.Scalar(root):
			native := field.TypeOf(root)
			leaf := &query.ReaderField{Kind: query.KindColumn, Name: columns[0].Name, Type: root, Column: columns[0].Name, Native: native, Converter: field.Lookup(root, native)}
			pl := newPlan(t, root, query.Projection{leaf})
			pl.width = len(columns)
			return pl, nil
		}
		node := &query.ReaderField{Kind: query.KindEntity, Type: root}
		e, err := schema.Of(p, root)
		if err != nil && !errors.Is(err, schema.ErrInvalidModel) {
			return nil, err
		}
		for _, c := range columns {
			leaf := flatLeaf(e, root, c)
			if leaf.Index == nil {
				name := root.Name()
				if e != nil {
					name = e.Name()
				}
				return nil, &schema.MappingError{Entity: name, Member: c.Name, Err: schema.ErrUnmappedMember}
			}
			node.Children = append(node.Children, leaf)
		}
		node.Entity = e
		return newPlan(t, root, query.Projection{node}), nil
	})
}

// flatLeaf matches a column to a member of the entity, or to a field of
// root. Unmatched columns produce a leaf without index.
func flatLeaf(e *schema.EntityMap, root reflect.Type, c Column) *query.ReaderField {
	leaf := &query.ReaderField{Kind: query.KindColumn, Name: c.Name, Column: c.Name}
	if e != nil {
		if m, ok := e.ByColumn(c.Name); ok {
			leaf.Name, leaf.Type, leaf.Index = m.Name, m.GoType, m.Index
			leaf.Native, leaf.Converter = m.Type, m.Converter
			return leaf
		}
	}
	f, ok := root.FieldByNameFunc(func(s string) bool {
		return strings.EqualFold(s, c.Name) || schema.Snake(s) == strings.ToLower(c.Name)
	})
	if !ok || !f.IsExported() {
		return leaf
	}
	leaf.Name, leaf.Type, leaf.Index = f.Name, f.Type, f.Index
	leaf.Native = field.TypeOf(f.Type)
	leaf.Converter = field.Lookup(f.Type, leaf.Native)
	return leaf
}

func newPlan(elem, root reflect.Type, proj query.Projection) *Plan {
	p := &Plan{elem: elem, root: root, proj: proj, width: proj.Leaves()}
	p.funcs = len(proj.Deferred())
	return p
}

// Projection returns the projection read by the plan.
func (p *Plan) Projection() query.Projection { return p.proj }

// Width returns the number of columns read per row.
func (p *Plan) Width() int { return p.width }

// Funcs returns the number of deferred functions a call must provide.
func (p *Plan) Funcs() int { return p.funcs }

// New returns an empty slice of the element type of the plan.
func (p *Plan) New() reflect.Value {
	return reflect.MakeSlice(reflect.SliceOf(p.elem), 0, 0)
}

// Scan reads all rows into a new slice of the element type of the plan.
// fns holds the functions of unkeyed deferred nodes in slot order.
func (p *Plan) Scan(rows sql.ColumnScanner, fns ...Func) (reflect.Value, error) {
	out := p.New()
	if err := p.ScanInto(&out, rows, fns...); err != nil {
		return reflect.Value{}, err
	}
	return out, nil
}

// ScanInto appends all rows to the slice pointed to by out.
func (p *Plan) ScanInto(out *reflect.Value, rows sql.ColumnScanner, fns ...Func) error {
	if err := p.check(fns); err != nil {
		return err
	}
	for rows.Next() {
		vals, err := sql.ScanValues(rows, p.width)
		if err != nil {
			return err
		}
		v, err := p.Row(vals, fns...)
		if err != nil {
			return err
		}
		*out = reflect.Append(*out, v)
	}
	return rows.Err()
}

func (p *Plan) check(fns []Func) error {
	for _, d := range p.proj.Deferred() {
		if d.Fn == nil && (d.Slot >= len(fns) || fns[d.Slot] == nil) {
			return fmt.Errorf("%w: %s (slot %d)", ErrMissingFunc, d.Name, d.Slot)
		}
	}
	return nil
}

// Row materializes one row of scanned values.
func (p *Plan) Row(vals []any, fns ...Func) (reflect.Value, error) {
	if len(vals) < p.width {
		return reflect.Value{}, fmt.Errorf("materialize: row has %d columns, want %d", len(vals), p.width)
	}
	ptr := reflect.New(p.root)
	root := ptr.Elem()
	if p.asMap != nil {
		m := make(map[string]any, len(p.asMap))
		for i, c := range p.asMap {
			m[c.Name] = mapValue(vals[i], c.DatabaseType)
		}
		root.Set(reflect.ValueOf(m))
	} else {
		r := reader{vals: vals, fns: fns}
		nodes := make([]reflect.Value, len(p.proj))
		for i, n := range p.proj {
			if i == 0 {
				if err := r.node(n, root); err != nil {
					return reflect.Value{}, err
				}
				nodes[0] = root
				continue
			}
			v := reflect.New(n.Type).Elem()
			// Includes whose columns are all NULL stay unset.
			set, err := r.entity(n, v)
			if err != nil {
				return reflect.Value{}, err
			}
			if set {
				nodes[i] = v
			}
		}
		// Includes are patched into their owners bottom-up, so nested
		// includes are complete before their owner is copied.
		for i := len(p.proj) - 1; i > 0; i-- {
			n := p.proj[i]
			if !nodes[i].IsValid() || !nodes[n.Parent].IsValid() {
				continue
			}
			assignStruct(n.Navigation.Field(nodes[n.Parent]), nodes[i])
		}
	}
	if p.elem.Kind() == reflect.Pointer && p.root.Kind() != reflect.Pointer {
		return ptr, nil
	}
	return root, nil
}

// assignStruct stores the struct value v into dst, a struct or a pointer
// to a struct.
func assignStruct(dst, v reflect.Value) {
	if dst.Kind() == reflect.Pointer {
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		dst.Set(p)
		return
	}
	dst.Set(v)
}

func mapValue(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch t := strings.ToUpper(dbType); {
	case strings.Contains(t, "BLOB"), strings.Contains(t, "BYTEA"), strings.Contains(t, "BINARY"):
		return append([]byte(nil), b...)
	}
	return string(b)
}

// reader walks the projection of one row.
type reader struct {
	vals []any
	pos  int
	fns  []Func
}

func (r *reader) next() any {
	v := r.vals[r.pos]
	r.pos++
	return v
}

// node reads n into dst.
func (r *reader) node(n *query.ReaderField, dst reflect.Value) error {
	switch n.Kind {
	case query.KindColumn:
		return r.leaf(n, dst)
	case query.KindEntity, query.KindInclude:
		_, err := r.entity(n, dst)
		return err
	case query.KindDeferred:
		return r.deferred(n, dst)
	}
	return fmt.Errorf("materialize: invalid node %s", n.Kind)
}

func (r *reader) leaf(n *query.ReaderField, dst reflect.Value) error {
	src := r.next()
	if !dst.IsValid() {
		return nil
	}
	if n.Converter != nil {
		if err := n.Converter.Assign(dst, src); err != nil {
			return fmt.Errorf("materialize: column %s: %w", n.Column, err)
		}
		return nil
	}
	return assignRaw(dst, src)
}

func assignRaw(dst reflect.Value, src any) error {
	if src == nil {
		dst.SetZero()
		return nil
	}
	sv := reflect.ValueOf(src)
	switch {
	case sv.Type().AssignableTo(dst.Type()):
		dst.Set(sv)
	case sv.Type().ConvertibleTo(dst.Type()):
		dst.Set(sv.Convert(dst.Type()))
	default:
		return &field.ConvertError{From: sv.Type().String(), To: dst.Type().String()}
	}
	return nil
}

// entity reads the children of n into the struct dst, allocating dst when
// it is a pointer with a non-NULL child. Includes without a non-NULL child
// are skipped. It reports whether any child was non-NULL.
func (r *reader) entity(n *query.ReaderField, dst reflect.Value) (bool, error) {
	if !dst.IsValid() {
		r.pos += n.Leaves()
		return false, nil
	}
	start := r.pos
	set := false
	for _, v := range r.vals[start : start+n.Leaves()] {
		if v != nil {
			set = true
			break
		}
	}
	// An include whose columns are all NULL is a missing outer-joined row.
	if !set && (dst.Kind() == reflect.Pointer || n.Kind == query.KindInclude) {
		r.pos += n.Leaves()
		return false, nil
	}
	target := dst
	if dst.Kind() == reflect.Pointer {
		target = reflect.New(dst.Type().Elem()).Elem()
	}
	for _, c := range n.Children {
		if err := r.node(c, fieldAt(target, c.Index)); err != nil {
			return false, err
		}
	}
	if dst.Kind() == reflect.Pointer {
		assignStruct(dst, target)
	}
	return set, nil
}

func (r *reader) deferred(n *query.ReaderField, dst reflect.Value) error {
	args := make([]any, len(n.Children))
	for i, c := range n.Children {
		src := r.next()
		if c.Converter == nil || c.Type == nil || src == nil {
			args[i] = src
			continue
		}
		v := reflect.New(c.Type).Elem()
		if err := c.Converter.Assign(v, src); err != nil {
			return fmt.Errorf("materialize: %s input %d: %w", n.Name, i, err)
		}
		args[i] = v.Interface()
	}
	fn := n.Fn
	if fn == nil && n.Slot < len(r.fns) {
		fn = r.fns[n.Slot]
	}
	if fn == nil {
		return fmt.Errorf("%w: %s (slot %d)", ErrMissingFunc, n.Name, n.Slot)
	}
	res, err := fn(args)
	if err != nil {
		return fmt.Errorf("materialize: %s: %w", n.Name, err)
	}
	if !dst.IsValid() {
		return nil
	}
	return assignRaw(dst, res)
}

// fieldAt returns the field at the index path of v, allocating nil embedded
// pointers. An empty path returns v; a nil path marks an unmatched column.
func fieldAt(v reflect.Value, index []int) reflect.Value {
	if index == nil {
		return reflect.Value{}
	}
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

// QueryFuncs returns the functions of the deferred selections of q in slot
// order, as expected by Scan for its unkeyed nodes.
func QueryFuncs(q *query.Query) []Func {
	var fns []Func
	for _, sel := range q.Selection() {
		if d, ok := sel.Expr.(*query.Deferred); ok {
			fns = append(fns, d.Fn)
		}
	}
	return fns
}
