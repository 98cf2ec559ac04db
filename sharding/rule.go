package sharding

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/syssam/shardql/schema"
)

// Sharding errors.
var (
	// ErrNoShard is returned when a sharded table resolves to no physical table.
	ErrNoShard = errors.New("sharding: no physical table")
	// ErrNoRoute is returned when a row cannot be routed to a physical table.
	ErrNoRoute = errors.New("sharding: row cannot be routed")
	// ErrHint is returned for hints a rule cannot serve.
	ErrHint = errors.New("sharding: unsupported hint")
	// ErrAmbiguous is returned when a non-master table resolves to several
	// physical tables.
	ErrAmbiguous = errors.New("sharding: ambiguous physical table")
)

// Hint narrows the physical tables read by a query: a list of values of the
// sharding member, or a closed range of them.
type Hint struct {
	Values []any
	Lo, Hi any
	Ranged bool
}

// Values returns a hint selecting the tables holding the values.
func Values(vs ...any) *Hint { return &Hint{Values: vs} }

// Between returns a hint selecting the tables holding values in [lo, hi].
func Between(lo, hi any) *Hint { return &Hint{Lo: lo, Hi: hi, Ranged: true} }

// Lister lists the physical tables matching a LIKE pattern.
type Lister interface {
	List(ctx context.Context, pattern string) ([]string, error)
}

// Rule maps an entity to its physical tables.
type Rule interface {
	// Route returns the physical table holding row, a struct value of e.
	Route(e *schema.EntityMap, row reflect.Value) (string, error)
	// Tables returns the physical tables read by a query. h is nil when the
	// query gives no hint.
	Tables(ctx context.Context, l Lister, h *Hint) ([]string, error)
}

// member returns the value of the named member in row.
func member(e *schema.EntityMap, name string, row reflect.Value) (any, error) {
	m, err := e.Member(name)
	if err != nil {
		return nil, err
	}
	v := m.Field(row)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, fmt.Errorf("%w: %s.%s is nil", ErrNoRoute, e.Name(), name)
		}
		v = v.Elem()
	}
	return v.Interface(), nil
}

// norm folds integer kinds to int64 so that map keys written as untyped
// constants match member values.
func norm(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.String:
		return rv.String()
	}
	return v
}

// Fixed routes rows by the value of one member.
type Fixed struct {
	// Member is the Go name of the sharding member.
	Member string
	// Name returns the physical table of a member value.
	Name func(v any) (string, error)
	// All lists every physical table, read by queries without hint.
	All []string
}

// Route implements the Rule interface.
func (f *Fixed) Route(e *schema.EntityMap, row reflect.Value) (string, error) {
	if f.Member == "" {
		return f.Name(nil)
	}
	v, err := member(e, f.Member, row)
	if err != nil {
		return "", err
	}
	return f.Name(v)
}

// Tables implements the Rule interface.
func (f *Fixed) Tables(_ context.Context, _ Lister, h *Hint) ([]string, error) {
	switch {
	case h == nil:
		if len(f.All) == 0 {
			return nil, fmt.Errorf("%w: %s requires a hint", ErrHint, f.Member)
		}
		return f.All, nil
	case h.Ranged:
		return nil, fmt.Errorf("%w: range on fixed rule of %s", ErrHint, f.Member)
	}
	var names []string
	for _, v := range h.Values {
		name, err := f.Name(v)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Static keeps every row in one physical table.
func Static(table string) *Fixed {
	return &Fixed{
		Name: func(any) (string, error) { return table, nil },
		All:  []string{table},
	}
}

// Map routes rows by looking the member value up in tables. Integer keys
// match members of any integer type.
func Map(member string, tables map[any]string) *Fixed {
	byKey := make(map[any]string, len(tables))
	var all []string
	for k, name := range tables {
		byKey[norm(k)] = name
		if !slices.Contains(all, name) {
			all = append(all, name)
		}
	}
	slices.Sort(all)
	return &Fixed{
		Member: member,
		All:    all,
		Name: func(v any) (string, error) {
			if name, ok := byKey[norm(v)]; ok {
				return name, nil
			}
			return "", fmt.Errorf("%w: %s = %v", ErrNoRoute, member, v)
		},
	}
}

// Modulo routes rows to fmt.Sprintf(format, value mod n) for an integer
// member.
func Modulo(member, format string, n int) *Fixed {
	all := make([]string, n)
	for i := range all {
		all[i] = fmt.Sprintf(format, i)
	}
	return &Fixed{
		Member: member,
		All:    all,
		Name: func(v any) (string, error) {
			i, ok := norm(v).(int64)
			if !ok || n <= 0 {
				return "", fmt.Errorf("%w: %s = %v is not an integer", ErrNoRoute, member, v)
			}
			i %= int64(n)
			if i < 0 {
				i += int64(n)
			}
			return fmt.Sprintf(format, i), nil
		},
	}
}

// Range routes rows by enumerating the tables covering a range of member
// values. A single value v routes to the single table of [v, v].
type Range struct {
	Member string
	Names  func(lo, hi any) ([]string, error)
}

// Route implements the Rule interface.
func (r *Range) Route(e *schema.EntityMap, row reflect.Value) (string, error) {
	v, err := member(e, r.Member, row)
	if err != nil {
		return "", err
	}
	names, err := r.Names(v, v)
	if err != nil {
		return "", err
	}
	if len(names) != 1 {
		return "", fmt.Errorf("%w: %s = %v covers %d tables", ErrNoRoute, r.Member, v, len(names))
	}
	return names[0], nil
}

// Tables implements the Rule interface.
func (r *Range) Tables(_ context.Context, _ Lister, h *Hint) ([]string, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: range rule of %s requires a hint", ErrHint, r.Member)
	}
	if h.Ranged {
		return r.Names(h.Lo, h.Hi)
	}
	var names []string
	for _, v := range h.Values {
		ns, err := r.Names(v, v)
		if err != nil {
			return nil, err
		}
		for _, n := range ns {
			if !slices.Contains(names, n) {
				names = append(names, n)
			}
		}
	}
	return names, nil
}

// Catalog reads the physical tables from the database catalog: the tables
// matching the LIKE Pattern, filtered by Keep. Rows are routed by Router,
// when set.
type Catalog struct {
	Pattern string
	Keep    func(table string, h *Hint) bool
	Router  *Fixed
}

// Route implements the Rule interface.
func (c *Catalog) Route(e *schema.EntityMap, row reflect.Value) (string, error) {
	if c.Router == nil {
		return "", fmt.Errorf("%w: catalog rule %q without router", ErrNoRoute, c.Pattern)
	}
	return c.Router.Route(e, row)
}

// Tables implements the Rule interface.
func (c *Catalog) Tables(ctx context.Context, l Lister, h *Hint) ([]string, error) {
	if l == nil {
		return nil, fmt.Errorf("sharding: catalog rule %q without lister", c.Pattern)
	}
	names, err := l.List(ctx, c.Pattern)
	if err != nil {
		return nil, err
	}
	if c.Keep == nil {
		return names, nil
	}
	kept := make([]string, 0, len(names))
	for _, n := range names {
		if c.Keep(n, h) {
			kept = append(kept, n)
		}
	}
	return kept, nil
}

// Dependent places a joined entity next to the master of a query: Name maps
// the physical table of the master to the one of the dependent, reporting
// false when the master shard has no dependent table. When Pattern is set,
// the dependent table must also be listed by the catalog.
type Dependent struct {
	Name    func(master string) (string, bool)
	Pattern string
}

// Route implements the Rule interface. Dependent rows are routed by their
// master.
func (d *Dependent) Route(e *schema.EntityMap, _ reflect.Value) (string, error) {
	return "", fmt.Errorf("%w: %s is a dependent table", ErrNoRoute, e.Name())
}

// Tables implements the Rule interface.
func (d *Dependent) Tables(context.Context, Lister, *Hint) ([]string, error) {
	return nil, fmt.Errorf("%w: a dependent table cannot be the master of a query", ErrHint)
}

// resolve returns the dependent table of master.
func (d *Dependent) resolve(ctx context.Context, l Lister, master string) (string, bool, error) {
	name, ok := d.Name(master)
	if !ok || d.Pattern == "" {
		return name, ok, nil
	}
	if l == nil {
		return "", false, fmt.Errorf("sharding: dependent rule %q without lister", d.Pattern)
	}
	names, err := l.List(ctx, d.Pattern)
	if err != nil {
		return "", false, err
	}
	return name, slices.Contains(names, name), nil
}

// DependentMap maps master tables to dependent tables.
func DependentMap(tables map[string]string) *Dependent {
	return &Dependent{Name: func(master string) (string, bool) {
		name, ok := tables[master]
		return name, ok
	}}
}

// Replace derives the dependent table by replacing old with new in the name
// of the master.
func Replace(old, new string) *Dependent {
	return &Dependent{Name: func(master string) (string, bool) {
		if !strings.Contains(master, old) {
			return "", false
		}
		return strings.Replace(master, old, new, 1), true
	}}
}
