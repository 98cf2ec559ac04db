package schema

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/schema/field"
)

// EntityMap is the immutable mapping of one Go struct type to a table.
type EntityMap struct {
	// Type is the struct type.
	Type reflect.Type
	// Table is the logical table name. Sharded entities substitute it per shard.
	Table string
	// QuotedTable is Table quoted for the dialect of the map.
	QuotedTable string
	// Members lists every exported member in declaration order.
	Members []*MemberMap
	// Keys lists the key members.
	Keys []*MemberMap
	// Navigations lists the members referencing related entities.
	Navigations []*MemberMap
	// Auto is the auto-increment member, if any.
	Auto *MemberMap

	provider *dialect.Provider
	columns  []*MemberMap
	byName   map[string]*MemberMap
	byColumn map[string]*MemberMap
}

// MemberMap describes one member of an entity.
type MemberMap struct {
	// Name is the Go field name.
	Name string
	// Index is the field index path, including embedded structs.
	Index []int
	// Column is the column name, empty for ignored and navigation members.
	Column string
	// Quoted is Column quoted for the dialect of the map.
	Quoted string
	// Type is the native column type.
	Type field.Type
	// GoType is the Go type of the field.
	GoType reflect.Type
	// Converter maps values of the member to and from Type.
	Converter field.Converter

	Key           bool
	AutoIncrement bool
	Ignored       bool
	Navigation    bool

	// Relation is set on navigation members.
	Relation *Relation
	// Entity is the owner of the member.
	Entity *EntityMap
}

// Columns returns the column members in declaration order.
func (e *EntityMap) Columns() []*MemberMap { return e.columns }

// Provider returns the dialect the map was built for.
func (e *EntityMap) Provider() *dialect.Provider { return e.provider }

// Name returns the Go type name of the entity.
func (e *EntityMap) Name() string { return e.Type.Name() }

// Member returns the member with the given Go name.
func (e *EntityMap) Member(name string) (*MemberMap, error) {
	if m, ok := e.byName[name]; ok {
		return m, nil
	}
	return nil, &MappingError{Entity: e.Name(), Member: name, Err: ErrUnmappedMember}
}

// Column returns the column member with the given Go name. Ignored and
// navigation members report ErrUnmappedMember.
func (e *EntityMap) Column(name string) (*MemberMap, error) {
	m, err := e.Member(name)
	if err != nil {
		return nil, err
	}
	if m.Column == "" {
		return nil, &MappingError{Entity: e.Name(), Member: name, Err: ErrUnmappedMember}
	}
	return m, nil
}

// ByColumn returns the member mapped to the column, matched case-insensitively.
func (e *EntityMap) ByColumn(column string) (*MemberMap, bool) {
	m, ok := e.byColumn[strings.ToLower(column)]
	return m, ok
}

// Key returns the single key member.
func (e *EntityMap) Key() (*MemberMap, error) {
	if len(e.Keys) != 1 {
		return nil, &MappingError{Entity: e.Name(), Err: fmt.Errorf("%w: expected a single key, got %d", ErrMissingKey, len(e.Keys))}
	}
	return e.Keys[0], nil
}

// New returns a pointer to a new zero value of the entity.
func (e *EntityMap) New() reflect.Value { return reflect.New(e.Type) }

// Field returns the field of the member in the struct value v, allocating
// nil embedded pointers on the way. v must be addressable.
func (m *MemberMap) Field(v reflect.Value) reflect.Value {
	for i, x := range m.Index {
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

// Value returns the native value of the member in the struct value v.
func (m *MemberMap) Value(v reflect.Value) (any, error) {
	nv, err := m.Converter.Value(m.Field(v))
	if err != nil {
		return nil, fmt.Errorf("schema: %s.%s: %w", m.Entity.Name(), m.Name, err)
	}
	return nv, nil
}

// Assign stores the native value src into the member of the struct value v.
func (m *MemberMap) Assign(v reflect.Value, src any) error {
	if err := m.Converter.Assign(m.Field(v), src); err != nil {
		return fmt.Errorf("schema: %s.%s: %w", m.Entity.Name(), m.Name, err)
	}
	return nil
}

// Target returns the entity map of a navigation target.
func (m *MemberMap) Target() (*EntityMap, error) {
	if m.Relation == nil {
		return nil, &MappingError{Entity: m.Entity.Name(), Member: m.Name, Err: ErrUnmappedMember}
	}
	return Of(m.Entity.provider, m.Relation.Target)
}

// Join returns the members joined by a navigation: the member of the owner
// and the member of the target, in this order.
func (m *MemberMap) Join() (owner, target *MemberMap, err error) {
	t, err := m.Target()
	if err != nil {
		return nil, nil, err
	}
	r := m.Relation
	// The referencing side holds ForeignKey, the referenced side References.
	referencing, referenced := m.Entity, t
	if r.Kind == Many {
		referencing, referenced = t, m.Entity
	}
	fk, err := referencing.Column(r.ForeignKey)
	if err != nil {
		return nil, nil, err
	}
	var ref *MemberMap
	if r.References != "" {
		ref, err = referenced.Column(r.References)
	} else {
		ref, err = referenced.Key()
	}
	if err != nil {
		return nil, nil, err
	}
	if r.Kind == Many {
		return ref, fk, nil
	}
	return fk, ref, nil
}

type cacheKey struct {
	dialect string
	t       reflect.Type
}

var entities sync.Map // cacheKey => *EntityMap

// Of returns the entity map of the struct type t for the dialect. Maps are
// built once and cached. Pointer types are unwrapped.
func Of(p *dialect.Provider, t reflect.Type) (*EntityMap, error) {
	t = modelType(t)
	key := cacheKey{p.Name, t}
	if e, ok := entities.Load(key); ok {
		return e.(*EntityMap), nil
	}
	e, err := build(p, t)
	if err != nil {
		return nil, err
	}
	actual, _ := entities.LoadOrStore(key, e)
	return actual.(*EntityMap), nil
}

// For returns the entity map of T for the dialect.
func For[T any](p *dialect.Provider) (*EntityMap, error) {
	return Of(p, reflect.TypeFor[T]())
}

// MustOf is like Of but panics on error.
func MustOf(p *dialect.Provider, t reflect.Type) *EntityMap {
	e, err := Of(p, t)
	if err != nil {
		panic(err)
	}
	return e
}

func build(p *dialect.Provider, t reflect.Type) (*EntityMap, error) {
	if t.Kind() != reflect.Struct {
		return nil, &MappingError{Entity: t.String(), Err: fmt.Errorf("%w: %s is not a struct", ErrInvalidModel, t.Kind())}
	}
	cfg := configOf(t)
	e := &EntityMap{
		Type:     t,
		Table:    cfg.Table,
		provider: p,
		byName:   make(map[string]*MemberMap),
		byColumn: make(map[string]*MemberMap),
	}
	if e.Table == "" {
		e.Table = TableName(t)
	}
	e.QuotedTable = p.Quote(e.Table)
	if err := e.walk(cfg, t, nil, map[reflect.Type]bool{}); err != nil {
		return nil, err
	}
	if err := e.resolveKeys(cfg); err != nil {
		return nil, err
	}
	e.resolveRelations()
	if len(e.columns) == 0 {
		return nil, &MappingError{Entity: e.Name(), Err: fmt.Errorf("%w: no column members", ErrInvalidModel)}
	}
	return e, nil
}

func (e *EntityMap) walk(cfg Config, t reflect.Type, path []int, visited map[reflect.Type]bool) error {
	if visited[t] {
		return nil
	}
	visited[t] = true
	defer delete(visited, t)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		index := append(slices.Clone(path), i)
		if f.Anonymous && f.Tag.Get("db") == "" {
			if et := modelType(f.Type); et.Kind() == reflect.Struct && !field.Scalar(et) {
				if err := e.walk(cfg, et, index, visited); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if _, dup := e.byName[f.Name]; dup {
			return &MappingError{Entity: e.Name(), Member: f.Name, Err: fmt.Errorf("%w: duplicate member", ErrInvalidModel)}
		}
		m, err := e.member(cfg, f, index)
		if err != nil {
			return err
		}
		e.Members = append(e.Members, m)
		e.byName[m.Name] = m
		switch {
		case m.Navigation:
			e.Navigations = append(e.Navigations, m)
		case !m.Ignored:
			if prev, dup := e.byColumn[strings.ToLower(m.Column)]; dup {
				return &MappingError{Entity: e.Name(), Member: m.Name, Err: fmt.Errorf("%w: column %q already mapped by %s", ErrInvalidModel, m.Column, prev.Name)}
			}
			e.columns = append(e.columns, m)
			e.byColumn[strings.ToLower(m.Column)] = m
		}
	}
	return nil
}

func (e *EntityMap) member(cfg Config, f reflect.StructField, index []int) (*MemberMap, error) {
	tg := parseTag(f.Tag.Get("db"))
	m := &MemberMap{
		Name:   f.Name,
		Index:  index,
		GoType: f.Type,
		Entity: e,
		Key:    tg.key,
	}
	if tg.skip || slices.Contains(cfg.Ignore, f.Name) {
		m.Ignored = true
		return m, nil
	}
	native, explicit := tg.native, tg.hasType
	if nt, ok := cfg.Types[f.Name]; ok {
		native, explicit = nt, true
	}
	if r, ok := cfg.Relations[f.Name]; ok || (!explicit && !field.Scalar(f.Type) && navigable(f.Type)) {
		return e.navigation(m, r)
	}
	m.Column = tg.column
	if c, ok := cfg.Columns[f.Name]; ok {
		m.Column = c
	}
	if m.Column == "" {
		m.Column = Snake(f.Name)
	}
	m.Quoted = e.provider.Quote(m.Column)
	if !explicit {
		native = field.TypeOf(f.Type)
	}
	m.Type = native
	m.Converter = field.Lookup(f.Type, native)
	if c, ok := cfg.Converters[f.Name]; ok {
		m.Converter = c
	}
	m.AutoIncrement = tg.auto || cfg.AutoIncrement == f.Name
	return m, nil
}

// navigable reports whether a non-scalar type references other entities.
func navigable(t reflect.Type) bool {
	t = modelType(t)
	if t.Kind() == reflect.Slice {
		t = modelType(t.Elem())
	}
	return t.Kind() == reflect.Struct
}

func (e *EntityMap) navigation(m *MemberMap, r Relation) (*MemberMap, error) {
	m.Navigation = true
	t := modelType(m.GoType)
	if t.Kind() == reflect.Slice {
		if r.Kind == 0 {
			r.Kind = Many
		}
		t = modelType(t.Elem())
	} else if r.Kind == 0 {
		r.Kind = One
	}
	if r.Target == nil {
		r.Target = t
	}
	if t.Kind() != reflect.Struct {
		return nil, &MappingError{Entity: e.Name(), Member: m.Name, Err: fmt.Errorf("%w: navigation to %s", ErrInvalidModel, t)}
	}
	m.Relation = &r
	return m, nil
}

func (e *EntityMap) resolveKeys(cfg Config) error {
	for _, name := range cfg.Keys {
		m, err := e.Column(name)
		if err != nil {
			return err
		}
		m.Key = true
	}
	for _, m := range e.columns {
		if m.Key {
			e.Keys = append(e.Keys, m)
		}
		if m.AutoIncrement {
			if e.Auto != nil {
				return &MappingError{Entity: e.Name(), Member: m.Name, Err: fmt.Errorf("%w: more than one auto-increment member", ErrInvalidModel)}
			}
			e.Auto = m
		}
	}
	if cfg.AutoIncrement != "" && e.Auto == nil {
		return &MappingError{Entity: e.Name(), Member: cfg.AutoIncrement, Err: ErrUnmappedMember}
	}
	if len(e.Keys) > 0 {
		return nil
	}
	// Conventional key: a member named ID.
	for _, m := range e.columns {
		if strings.EqualFold(m.Name, "id") {
			m.Key = true
			e.Keys = append(e.Keys, m)
		}
	}
	return nil
}

// resolveRelations fills the conventional foreign keys of navigations:
// <Navigation>ID on the owner for One, <Owner>ID on the target for Many.
func (e *EntityMap) resolveRelations() {
	for _, m := range e.Navigations {
		r := m.Relation
		if r.ForeignKey != "" {
			continue
		}
		base, holder := m.Name, e.Type
		if r.Kind == Many {
			base, holder = e.Name(), r.Target
		}
		r.ForeignKey = base + "ID"
		if _, ok := holder.FieldByName(r.ForeignKey); !ok {
			if _, ok := holder.FieldByName(base + "Id"); ok {
				r.ForeignKey = base + "Id"
			}
		}
	}
}
