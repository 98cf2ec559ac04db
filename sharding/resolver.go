package sharding

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/syssam/shardql/compiler"
	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/schema"
)

// DefaultUnionMark joins the copies of a select fanned out over several
// master shards.
const DefaultUnionMark = " UNION ALL "

// Resolver substitutes the physical tables of sharded entities into
// compiled statements. A Resolver is immutable and safe for concurrent use.
type Resolver struct {
	p       *dialect.Provider
	rules   map[reflect.Type]Rule
	mark    string
	log     *slog.Logger
	catalog *catalog
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRule sets the rule of the entity type t.
func WithRule(t reflect.Type, r Rule) Option {
	return func(res *Resolver) {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		res.rules[t] = r
	}
}

// For sets the rule of the entity E.
func For[E any](r Rule) Option { return WithRule(reflect.TypeFor[E](), r) }

// WithUnionMark sets the text joining the copies of a fanned-out select.
func WithUnionMark(mark string) Option {
	return func(r *Resolver) { r.mark = mark }
}

// WithLogger sets the logger reporting dropped dependent joins.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithCatalogTTL sets the lifetime of cached catalog listings.
func WithCatalogTTL(d time.Duration) Option {
	return func(r *Resolver) { r.catalog.ttl = d }
}

// New returns a resolver for the dialect.
func New(p *dialect.Provider, opts ...Option) *Resolver {
	r := &Resolver{
		p:       p,
		rules:   make(map[reflect.Type]Rule),
		mark:    DefaultUnionMark,
		log:     slog.New(slog.DiscardHandler),
		catalog: newCatalog(p, DefaultCatalogTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Provider returns the dialect of the resolver.
func (r *Resolver) Provider() *dialect.Provider { return r.p }

// Rule returns the rule of the entity, if any.
func (r *Resolver) Rule(e *schema.EntityMap) (Rule, bool) {
	if r == nil {
		return nil, false
	}
	rule, ok := r.rules[e.Type]
	return rule, ok
}

// Sharded reports whether the entity has a rule. It is the predicate given
// to compiler.WithSharded.
func (r *Resolver) Sharded(e *schema.EntityMap) bool {
	_, ok := r.Rule(e)
	return ok
}

// Invalidate drops the cached catalog listings.
func (r *Resolver) Invalidate() { r.catalog.invalidate() }

// Query is one executable statement.
type Query struct {
	SQL  string
	Args []any
	// Tables lists the physical tables substituted into SQL.
	Tables []string
}

// TableInfo is the resolution of one sharded table reference.
type TableInfo struct {
	Slot compiler.Slot
	Rule Rule
	// Names lists the physical tables. For dependent references it holds
	// one entry per master table, empty when the master has no dependent.
	Names []string
}

// ResolveOption configures one resolution.
type ResolveOption func(*resolution)

type resolution struct {
	hints map[reflect.Type]*Hint
	eq    dialect.ExecQuerier
	mark  string
}

// WithHint narrows the physical tables of the entity type t.
func WithHint(t reflect.Type, h *Hint) ResolveOption {
	return func(r *resolution) {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		r.hints[t] = h
	}
}

// Using sets the connection running catalog queries.
func Using(eq dialect.ExecQuerier) ResolveOption {
	return func(r *resolution) { r.eq = eq }
}

// Mark overrides the union mark of the resolver for one resolution.
func Mark(mark string) ResolveOption {
	return func(r *resolution) { r.mark = mark }
}

// Resolve returns the executable statements of st. A select fanned out over
// several master shards is one statement joining a copy per shard by the
// union mark; a fanned-out update or delete is one statement per shard.
// Within one copy, the join of a dependent table missing for the master
// shard of the copy is dropped.
func (r *Resolver) Resolve(ctx context.Context, st *compiler.Statement, opts ...ResolveOption) ([]Query, error) {
	if !st.Sharded() {
		return []Query{{SQL: st.Text(), Args: st.Args}}, nil
	}
	res := &resolution{hints: make(map[reflect.Type]*Hint), mark: r.mark}
	for _, opt := range opts {
		opt(res)
	}
	infos, err := r.Tables(ctx, st, opts...)
	if err != nil {
		return nil, err
	}
	masters := []string{""}
	for _, ti := range infos {
		if ti.Slot.Master {
			masters = ti.Names
		}
	}
	var (
		withArgs = st.Args[:st.WithArgs]
		bodyArgs = st.Args[st.WithArgs:]
		copies   = make([]string, 0, len(masters))
		queries  []Query
		used     []string
	)
	with := r.substitute(st.With, infos, -1)
	for i, m := range masters {
		text, err := r.copyOf(st, infos, i, m)
		if err != nil {
			return nil, err
		}
		tables := r.physical(infos, i)
		used = appendNew(used, tables...)
		if st.Kind != compiler.KindSelect {
			queries = append(queries, Query{SQL: with + text, Args: st.Args, Tables: tables})
			continue
		}
		copies = append(copies, text)
	}
	if st.Kind != compiler.KindSelect {
		return queries, nil
	}
	args := st.Args
	if r.p.Placeholder == dialect.PlaceholderQuestion && len(copies) > 1 {
		args = slices.Clone(withArgs)
		for range copies {
			args = append(args, bodyArgs...)
		}
	}
	sql := with + st.Wrap[0] + strings.Join(copies, res.mark) + st.Wrap[1]
	return []Query{{SQL: sql, Args: args, Tables: used}}, nil
}

// Tables resolves the physical tables of every sharded reference of st.
func (r *Resolver) Tables(ctx context.Context, st *compiler.Statement, opts ...ResolveOption) ([]TableInfo, error) {
	res := &resolution{hints: make(map[reflect.Type]*Hint), mark: r.mark}
	for _, opt := range opts {
		opt(res)
	}
	l := &lister{c: r.catalog, eq: res.eq, seen: make(map[string][]string)}
	infos := make([]TableInfo, len(st.Slots))
	var masters []string
	master := slices.IndexFunc(st.Slots, func(s compiler.Slot) bool { return s.Master })
	// The master is resolved first, then the other references against it.
	order := make([]int, 0, len(st.Slots))
	if master >= 0 {
		order = append(order, master)
	}
	for i := range st.Slots {
		if i != master {
			order = append(order, i)
		}
	}
	for _, i := range order {
		slot := st.Slots[i]
		rule, ok := r.Rule(slot.Entity)
		if !ok {
			return nil, fmt.Errorf("sharding: no rule for %s", slot.Entity.Name())
		}
		ti := TableInfo{Slot: slot, Rule: rule}
		if dep, ok := rule.(*Dependent); ok {
			if masters == nil {
				return nil, fmt.Errorf("%w: dependent %s without sharded master", ErrNoShard, slot.Entity.Name())
			}
			for _, m := range masters {
				name, ok, err := dep.resolve(ctx, l, m)
				if err != nil {
					return nil, err
				}
				if !ok {
					name = ""
				}
				ti.Names = append(ti.Names, name)
			}
			if slot.Prefix && slices.Contains(ti.Names, "") {
				return nil, fmt.Errorf("%w: dependent %s in a common table expression", ErrNoShard, slot.Entity.Name())
			}
			infos[i] = ti
			continue
		}
		names, err := rule.Tables(ctx, l, res.hints[slot.Entity.Type])
		if err != nil {
			return nil, fmt.Errorf("sharding: %s: %w", slot.Entity.Name(), err)
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoShard, slot.Entity.Name())
		}
		if i == master && !slot.Prefix {
			masters = names
		} else if len(names) > 1 {
			return nil, fmt.Errorf("%w: %s resolves to %v", ErrAmbiguous, slot.Entity.Name(), names)
		}
		ti.Names = names
		infos[i] = ti
	}
	return infos, nil
}

// Names returns the physical tables of the entity read as the master of a
// statement, narrowed by the hint of the entity.
func (r *Resolver) Names(ctx context.Context, e *schema.EntityMap, opts ...ResolveOption) ([]string, error) {
	rule, ok := r.Rule(e)
	if !ok {
		return nil, fmt.Errorf("sharding: no rule for %s", e.Name())
	}
	res := &resolution{hints: make(map[reflect.Type]*Hint)}
	for _, opt := range opts {
		opt(res)
	}
	l := &lister{c: r.catalog, eq: res.eq, seen: make(map[string][]string)}
	names, err := rule.Tables(ctx, l, res.hints[e.Type])
	if err != nil {
		return nil, fmt.Errorf("sharding: %s: %w", e.Name(), err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoShard, e.Name())
	}
	return names, nil
}

// copyOf renders the body and tail of st for the i-th master table m. The
// join of a missing dependent table is dropped; a dependent table also
// referenced outside its join cannot be dropped and fails with ErrNoShard.
func (r *Resolver) copyOf(st *compiler.Statement, infos []TableInfo, i int, m string) (string, error) {
	var (
		drop    [][2]int
		dropped []TableInfo
	)
	for _, ti := range infos {
		if _, ok := ti.Rule.(*Dependent); !ok || ti.Slot.Prefix || ti.Names[i] != "" {
			continue
		}
		if ti.Slot.Join == [2]int{} {
			return "", fmt.Errorf("%w: dependent %s of %s outside a join", ErrNoShard, ti.Slot.Entity.Name(), m)
		}
		drop = append(drop, ti.Slot.Join)
		dropped = append(dropped, ti)
	}
	body := st.SQL
	if len(drop) > 0 {
		slices.SortFunc(drop, func(a, b [2]int) int { return a[0] - b[0] })
		var (
			b    strings.Builder
			last = 0
		)
		for _, d := range drop {
			if d[0] < last {
				continue
			}
			b.WriteString(body[last:d[0]])
			last = d[1]
		}
		b.WriteString(body[last:])
		body = b.String()
		for _, ti := range dropped {
			if qualifies(body, ti.Slot.Alias) || qualifies(st.Tail, ti.Slot.Alias) {
				return "", fmt.Errorf("%w: dependent %s of %s is referenced outside its join", ErrNoShard, ti.Slot.Entity.Name(), m)
			}
			r.log.Warn("sharding: dependent table missing, join dropped",
				"entity", ti.Slot.Entity.Name(), "alias", ti.Slot.Alias, "master", m)
		}
	}
	text := r.substitute(body+st.Tail, infos, i)
	if st.Tail != "" && len(infos) > 0 && st.Kind == compiler.KindSelect && r.fanned(infos) {
		text = "SELECT * FROM (" + text + ") s" + strconv.Itoa(i)
	}
	return text, nil
}

// qualifies reports whether alias qualifies a column of text outside its
// string literals.
func qualifies(text, alias string) bool {
	if alias == "" {
		return false
	}
	quoted := false
	for i := 0; i < len(text); i++ {
		switch c := text[i]; {
		case c == '\'':
			quoted = !quoted
		case quoted:
		case strings.HasPrefix(text[i:], alias+".") && (i == 0 || !identByte(text[i-1])):
			return true
		}
	}
	return false
}

func identByte(c byte) bool {
	return c == '_' || c == '.' || c == '"' || c == '`' || c == ']' ||
		'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}

// fanned reports whether the master resolves to several tables.
func (r *Resolver) fanned(infos []TableInfo) bool {
	for _, ti := range infos {
		if ti.Slot.Master && !ti.Slot.Prefix {
			return len(ti.Names) > 1
		}
	}
	return false
}

// substitute replaces the placeholders of text with the physical tables of
// the i-th master table. i is -1 for the common table expressions.
func (r *Resolver) substitute(text string, infos []TableInfo, i int) string {
	if text == "" || !strings.Contains(text, "{{shard.") {
		return text
	}
	pairs := make([]string, 0, 2*len(infos))
	for n, ti := range infos {
		name := r.name(ti, i)
		if name == "" {
			continue
		}
		pairs = append(pairs, compiler.Token(n), r.p.Quote(name))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// name returns the physical table of ti in the i-th copy.
func (r *Resolver) name(ti TableInfo, i int) string {
	switch {
	case len(ti.Names) == 0:
		return ""
	case ti.Slot.Master && !ti.Slot.Prefix, isDependent(ti):
		if i < 0 {
			i = 0
		}
		return ti.Names[i]
	}
	return ti.Names[0]
}

func (r *Resolver) physical(infos []TableInfo, i int) []string {
	var names []string
	for _, ti := range infos {
		if name := r.name(ti, i); name != "" {
			names = appendNew(names, name)
		}
	}
	return names
}

func isDependent(ti TableInfo) bool {
	_, ok := ti.Rule.(*Dependent)
	return ok
}

func appendNew(s []string, vs ...string) []string {
	for _, v := range vs {
		if !slices.Contains(s, v) {
			s = append(s, v)
		}
	}
	return s
}

// Partition is the rows of one physical table.
type Partition struct {
	// Table is the physical table, empty for entities without rule.
	Table string
	Rows  []any
}

// Route returns the physical table of row, a value or pointer of the entity,
// or "" when the entity has no rule.
func (r *Resolver) Route(e *schema.EntityMap, row any) (string, error) {
	rule, ok := r.Rule(e)
	if !ok {
		return "", nil
	}
	rv := reflect.ValueOf(row)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Type() != e.Type {
		return "", fmt.Errorf("%w: %T is not a %s", ErrNoRoute, row, e.Name())
	}
	return rule.Route(e, rv)
}

// Partition groups rows by physical table, in order of first appearance.
func (r *Resolver) Partition(e *schema.EntityMap, rows []any) ([]Partition, error) {
	var parts []Partition
	index := make(map[string]int)
	for _, row := range rows {
		table, err := r.Route(e, row)
		if err != nil {
			return nil, err
		}
		i, ok := index[table]
		if !ok {
			i = len(parts)
			index[table] = i
			parts = append(parts, Partition{Table: table})
		}
		parts[i].Rows = append(parts[i].Rows, row)
	}
	return parts, nil
}
