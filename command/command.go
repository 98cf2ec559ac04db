package command

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/schema"
	"github.com/syssam/shardql/schema/field"
)

// Op is a by-example operation.
type Op uint8

// By-example operations.
const (
	OpInsert Op = iota + 1
	OpUpdate
	OpDelete
	OpGet
)

// String returns the SQL verb of the operation.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	case OpGet:
		return "SELECT"
	}
	return fmt.Sprintf("Op(%d)", uint8(o))
}

// TableToken stands for the table name in the skeleton of a command. It is
// replaced by the quoted logical or physical name when the command renders.
const TableToken = "{{table}}"

// ErrInvalidShape is returned for values that cannot drive a command.
var ErrInvalidShape = errors.New("command: invalid shape")

// value extracts the native value of one member from a shape value.
type value func(v reflect.Value) (any, error)

// Command is the compiled skeleton of one by-example statement for one
// shape. Commands of struct and scalar shapes are cached and shared.
type Command struct {
	Op     Op
	Entity *schema.EntityMap
	// Set lists the inserted columns or the updated assignments, and Where
	// the key members of the WHERE clause, in parameter order.
	Set   []*schema.MemberMap
	Where []*schema.MemberMap
	// Identity is the auto-increment member read back after a single-row
	// insert.
	Identity *schema.MemberMap

	p      *dialect.Provider
	shape  reflect.Type
	values []value
}

type cacheKey struct {
	dialect string
	entity  reflect.Type
	shape   reflect.Type
	op      Op
}

var commands sync.Map // cacheKey => *Command

// Build returns the command running op on the entity for the shape of v: a
// map[string]any keyed by member or column name, a struct whose fields are
// matched to members by name, or a scalar key of a single-key entity. Map
// commands are compiled on every call.
func Build(p *dialect.Provider, op Op, entity reflect.Type, v any) (*Command, error) {
	e, err := schema.Of(p, entity)
	if err != nil {
		return nil, err
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil %s", ErrInvalidShape, rv.Type())
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil, fmt.Errorf("%w: nil value", ErrInvalidShape)
	}
	if m, ok := v.(map[string]any); ok {
		return fromMap(p, op, e, m)
	}
	key := cacheKey{p.Name, e.Type, rv.Type(), op}
	if c, ok := commands.Load(key); ok {
		return c.(*Command), nil
	}
	var c *Command
	if rv.Kind() == reflect.Struct && !field.Scalar(rv.Type()) {
		c, err = fromStruct(p, op, e, rv.Type())
	} else {
		c, err = fromScalar(p, op, e, rv.Type())
	}
	if err != nil {
		return nil, err
	}
	actual, _ := commands.LoadOrStore(key, c)
	return actual.(*Command), nil
}

// For is like Build with the entity given as a type parameter.
func For[E any](p *dialect.Provider, op Op, v any) (*Command, error) {
	return Build(p, op, reflect.TypeFor[E](), v)
}

// fromStruct matches the exported fields of shape to the column members of
// the entity by name.
func fromStruct(p *dialect.Provider, op Op, e *schema.EntityMap, shape reflect.Type) (*Command, error) {
	present := make(map[*schema.MemberMap]value)
	for _, m := range e.Columns() {
		if shape == e.Type {
			present[m] = m.Value
			continue
		}
		f, ok := shape.FieldByName(m.Name)
		if !ok || !f.IsExported() {
			continue
		}
		present[m] = fieldValue(m, f)
	}
	c, err := compile(p, op, e, present)
	if err != nil {
		return nil, err
	}
	c.shape = shape
	return c, nil
}

func fieldValue(m *schema.MemberMap, f reflect.StructField) value {
	conv := converter(m, f.Type)
	return func(v reflect.Value) (any, error) {
		fv, err := v.FieldByIndexErr(f.Index)
		if err != nil {
			// Nil embedded pointer.
			return nil, nil
		}
		return conv(fv)
	}
}

// converter returns the conversion of values of t to the native type of m.
func converter(m *schema.MemberMap, t reflect.Type) value {
	if t == m.GoType {
		return m.Converter.Value
	}
	return field.Lookup(t, m.Type).Value
}

// fromScalar binds v as the single key of the entity.
func fromScalar(p *dialect.Provider, op Op, e *schema.EntityMap, t reflect.Type) (*Command, error) {
	if op != OpGet && op != OpDelete {
		return nil, fmt.Errorf("%w: %s by scalar %s", ErrInvalidShape, op, t)
	}
	k, err := e.Key()
	if err != nil {
		return nil, err
	}
	conv := converter(k, t)
	c, err := compile(p, op, e, map[*schema.MemberMap]value{k: conv})
	if err != nil {
		return nil, err
	}
	c.shape = t
	return c, nil
}

// fromMap matches the keys of m to members by Go name, then by column name.
func fromMap(p *dialect.Provider, op Op, e *schema.EntityMap, m map[string]any) (*Command, error) {
	present := make(map[*schema.MemberMap]value, len(m))
	for name := range m {
		mm, err := e.Column(name)
		if err != nil {
			var ok bool
			if mm, ok = e.ByColumn(name); !ok {
				return nil, err
			}
		}
		key := name
		present[mm] = func(v reflect.Value) (any, error) {
			x := v.MapIndex(reflect.ValueOf(key))
			if !x.IsValid() || x.IsNil() {
				return nil, nil
			}
			x = x.Elem()
			return converter(mm, x.Type())(x)
		}
	}
	c, err := compile(p, op, e, present)
	if err != nil {
		return nil, err
	}
	c.shape = reflect.TypeFor[map[string]any]()
	return c, nil
}

// compile selects the eligible members of op in column order.
func compile(p *dialect.Provider, op Op, e *schema.EntityMap, present map[*schema.MemberMap]value) (*Command, error) {
	c := &Command{Op: op, Entity: e, p: p}
	switch op {
	case OpInsert:
		for _, m := range e.Columns() {
			if _, ok := present[m]; ok && m != e.Auto {
				c.Set = append(c.Set, m)
			}
		}
		c.Identity = e.Auto
	case OpUpdate:
		for _, m := range e.Columns() {
			if _, ok := present[m]; ok && !m.Key && m != e.Auto {
				c.Set = append(c.Set, m)
			}
		}
		fallthrough
	case OpDelete, OpGet:
		if len(e.Keys) == 0 {
			return nil, &schema.MappingError{Entity: e.Name(), Err: fmt.Errorf("%w: %s by example", schema.ErrMissingKey, op)}
		}
		for _, k := range e.Keys {
			if _, ok := present[k]; !ok {
				return nil, &schema.MappingError{Entity: e.Name(), Member: k.Name, Err: schema.ErrMissingKey}
			}
			c.Where = append(c.Where, k)
		}
	default:
		return nil, fmt.Errorf("%w: unknown operation %s", ErrInvalidShape, op)
	}
	if (op == OpInsert || op == OpUpdate) && len(c.Set) == 0 {
		return nil, fmt.Errorf("%w: %s of %s without columns", ErrInvalidShape, op, e.Name())
	}
	for _, m := range c.Set {
		c.values = append(c.values, present[m])
	}
	for _, m := range c.Where {
		c.values = append(c.values, present[m])
	}
	return c, nil
}

// Args returns the parameters of one row: the Set values followed by the
// Where values.
func (c *Command) Args(v any) ([]any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if !rv.IsValid() || (c.shape != nil && rv.Type() != c.shape) {
		return nil, fmt.Errorf("%w: %T does not match %s", ErrInvalidShape, v, c.shape)
	}
	args := make([]any, len(c.values))
	for i, fn := range c.values {
		a, err := fn(rv)
		if err != nil {
			return nil, err
		}
		args[i] = a
	}
	return args, nil
}

// Params returns the number of parameters per row.
func (c *Command) Params() int { return len(c.values) }

// Table returns the quoted table name: the logical table of the entity when
// name is empty.
func (c *Command) Table(name string) string {
	if name == "" {
		return c.Entity.QuotedTable
	}
	return c.p.Quote(name)
}

// Skeleton returns the single-row statement with TableToken in place of the
// table name.
func (c *Command) Skeleton() string { return c.render(TableToken, 1) }

// Text returns the single-row statement against the named table.
func (c *Command) Text(table string) string {
	return strings.ReplaceAll(c.Skeleton(), TableToken, c.Table(table))
}

// Returning reports whether the single-row insert reads the identity back
// as a result row.
func (c *Command) Returning() bool {
	return c.Op == OpInsert && c.Identity != nil && c.p.Identity != dialect.IdentityLastInsertID
}

// render renders the statement for rows rows against the quoted table.
func (c *Command) render(table string, rows int) string {
	var (
		b strings.Builder
		n int
	)
	param := func() string {
		n++
		return c.p.Param(n)
	}
	where := func() {
		for i, k := range c.Where {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(k.Quoted + " = " + param())
		}
	}
	switch c.Op {
	case OpInsert:
		b.WriteString("INSERT INTO " + table + " (")
		for i, m := range c.Set {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(m.Quoted)
		}
		b.WriteString(") VALUES ")
		for r := 0; r < rows; r++ {
			if r > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('(')
			for i := range c.Set {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(param())
			}
			b.WriteByte(')')
		}
		if rows == 1 && c.Identity != nil {
			b.WriteString(c.p.Returning(c.Identity.Column))
		}
	case OpUpdate:
		for r := 0; r < rows; r++ {
			if r > 0 {
				b.WriteString("; ")
			}
			b.WriteString("UPDATE " + table + " SET ")
			for i, m := range c.Set {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(m.Quoted + " = " + param())
			}
			b.WriteString(" WHERE ")
			where()
		}
	case OpDelete:
		b.WriteString("DELETE FROM " + table + " WHERE ")
		switch {
		case rows == 1:
			where()
		case len(c.Where) == 1:
			b.WriteString(c.Where[0].Quoted + " IN (")
			for r := 0; r < rows; r++ {
				if r > 0 {
					b.WriteString(", ")
				}
				b.WriteString(param())
			}
			b.WriteByte(')')
		default:
			for r := 0; r < rows; r++ {
				if r > 0 {
					b.WriteString(" OR ")
				}
				b.WriteByte('(')
				where()
				b.WriteByte(')')
			}
		}
	case OpGet:
		b.WriteString("SELECT ")
		for i, m := range c.Entity.Columns() {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(m.Quoted)
		}
		b.WriteString(" FROM " + table + " WHERE ")
		where()
	}
	return b.String()
}
