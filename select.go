package shardql

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/syssam/shardql/command"
	"github.com/syssam/shardql/compiler"
	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/materialize"
	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/sharding"
)

// do runs fn on the connection of one operation.
func (s *Session) do(ctx context.Context, fn func(dialect.ExecQuerier) error) error {
	eq, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	return release(fn(eq))
}

// scan runs q and appends its rows to out.
func (s *Session) scan(ctx context.Context, eq dialect.ExecQuerier, plan *materialize.Plan, q sharding.Query, fns []materialize.Func, out *reflect.Value) (err error) {
	rows, err := s.query(ctx, eq, q.SQL, q.Args)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rows.Close()) }()
	return plan.ScanInto(out, rows, fns...)
}

// List runs the query and returns its rows as values of T, the result type
// of the query or a pointer to it. To-many includes are loaded by a second
// statement per include.
func List[T any](ctx context.Context, s *Session, q *query.Query) ([]T, error) {
	label := labelOf(q)
	st, err := s.compiler.Select(q)
	if err != nil {
		return nil, NewQueryError(label, "list", err)
	}
	out, err := load[T](ctx, s, st, materialize.QueryFuncs(q))
	if err != nil {
		return nil, NewQueryError(label, "list", err)
	}
	return out, nil
}

// First returns the first row of the query, or a NotFoundError.
func First[T any](ctx context.Context, s *Session, q *query.Query) (T, error) {
	var zero T
	out, err := List[T](ctx, s, q.Clone().Limit(1))
	if err != nil {
		return zero, err
	}
	if len(out) == 0 {
		return zero, NewNotFoundError(labelOf(q))
	}
	return out[0], nil
}

// load runs a compiled select, consulting the result cache when set.
func load[T any](ctx context.Context, s *Session, st *compiler.Statement, fns []materialize.Func) ([]T, error) {
	plan, err := materialize.Shaped(s.p, reflect.TypeFor[T](), st.Projection)
	if err != nil {
		return nil, err
	}
	qs, err := s.resolve(ctx, st)
	if err != nil {
		return nil, err
	}
	// Results with to-many includes read tables outside the statement and
	// are not cached. Neither are results computed by functions passed to
	// the call.
	cached := s.cache != nil && len(st.Many) == 0 && len(st.Tables) > 0 && !unkeyed(st.Projection)
	var key string
	if cached {
		shape := reflect.TypeFor[T]().String() + "|" + st.Projection.Fingerprint()
		if key, err = digest(s.p.Name, shape, qs); err != nil {
			return nil, err
		}
		var out []T
		if ok, err := s.cache.load(ctx, st.Tables, key, &out); err != nil {
			s.log.WarnContext(ctx, "shardql: cache read failed", "error", err)
		} else if ok {
			return out, nil
		}
	}
	out := plan.New()
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		for _, q := range qs {
			if err := s.scan(ctx, eq, plan, q, fns, &out); err != nil {
				return err
			}
		}
		return s.loadMany(ctx, eq, st.Many, st.Projection, out)
	})
	if err != nil {
		return nil, err
	}
	rows := out.Interface().([]T)
	if cached {
		if err := s.cache.store(ctx, st.Tables, key, rows); err != nil {
			s.log.WarnContext(ctx, "shardql: cache write failed", "error", err)
		}
	}
	return rows, nil
}

// unkeyed reports whether proj has deferred members without a key.
func unkeyed(proj query.Projection) bool {
	for _, d := range proj.Deferred() {
		if d.Key == "" {
			return true
		}
	}
	return false
}

// loadMany loads the to-many includes of rows: the children of each
// include are read by key chunks bounded by the parameter limit of the
// dialect, then assigned to their owners.
func (s *Session) loadMany(ctx context.Context, eq dialect.ExecQuerier, many []*compiler.IncludeMany, proj query.Projection, rows reflect.Value) error {
	for _, inc := range many {
		owners := materialize.Owners(proj, inc.Parent, rows)
		keys, err := materialize.Keys(owners, inc.OwnerKey)
		if err != nil {
			return err
		}
		target, err := inc.Navigation.Target()
		if err != nil {
			return err
		}
		elem := inc.Navigation.GoType.Elem()
		children := reflect.MakeSlice(reflect.SliceOf(elem), 0, len(keys))
		size := s.p.MaxParams
		if size <= 0 || size > len(keys) {
			size = max(len(keys), 1)
		}
		for chunk := range slices.Chunk(keys, size) {
			t := query.TableOf(target.Type)
			q := query.From(t).
				Where(query.In(t.C(inc.ForeignKey.Name), chunk...)).
				Include(inc.Includes...)
			st, err := s.compiler.Select(q)
			if err != nil {
				return fmt.Errorf("include %s: %w", inc.Path, err)
			}
			plan, err := materialize.Shaped(s.p, elem, st.Projection)
			if err != nil {
				return fmt.Errorf("include %s: %w", inc.Path, err)
			}
			qs, err := s.resolve(ctx, st)
			if err != nil {
				return fmt.Errorf("include %s: %w", inc.Path, err)
			}
			part := plan.New()
			for _, rq := range qs {
				if err := s.scan(ctx, eq, plan, rq, nil, &part); err != nil {
					return fmt.Errorf("include %s: %w", inc.Path, err)
				}
			}
			if err := s.loadMany(ctx, eq, st.Many, st.Projection, part); err != nil {
				return err
			}
			children = reflect.AppendSlice(children, part)
		}
		if err := materialize.FanIn(owners, inc.Navigation, inc.OwnerKey, inc.ForeignKey, children); err != nil {
			return err
		}
	}
	return nil
}

// Page runs a paged query and returns the rows of the page with the total
// number of rows. Dialects with multiple result sets read both in one round
// trip.
func Page[T any](ctx context.Context, s *Session, q *query.Query) ([]T, int64, error) {
	label := labelOf(q)
	if _, _, ok := q.Paging(); !ok {
		return nil, 0, NewQueryError(label, "page", fmt.Errorf("%w: query is not paged", compiler.ErrInvalidQuery))
	}
	st, err := s.compiler.Select(q)
	if err != nil {
		return nil, 0, NewQueryError(label, "page", err)
	}
	items, total, err := page[T](ctx, s, st, materialize.QueryFuncs(q))
	if err != nil {
		return nil, 0, NewQueryError(label, "page", err)
	}
	return items, total, nil
}

func page[T any](ctx context.Context, s *Session, st *compiler.Statement, fns []materialize.Func) ([]T, int64, error) {
	plan, err := materialize.Shaped(s.p, reflect.TypeFor[T](), st.Projection)
	if err != nil {
		return nil, 0, err
	}
	counts, err := s.resolve(ctx, st.Count)
	if err != nil {
		return nil, 0, err
	}
	qs, err := s.resolve(ctx, st)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	out := plan.New()
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		if s.p.MultiResultSets && len(counts) == 1 && len(qs) == 1 {
			if err := s.pageOnce(ctx, eq, plan, counts[0], qs[0], fns, &total, &out); err != nil {
				return err
			}
		} else {
			if err := s.count(ctx, eq, counts[0], &total); err != nil {
				return err
			}
			for _, q := range qs {
				if err := s.scan(ctx, eq, plan, q, fns, &out); err != nil {
					return err
				}
			}
		}
		return s.loadMany(ctx, eq, st.Many, st.Projection, out)
	})
	if err != nil {
		return nil, 0, err
	}
	return out.Interface().([]T), total, nil
}

// pageOnce reads the count and the page in one round trip. Positional
// parameters are bound once per statement; numbered ones are shared, the
// count binding a prefix of the page parameters.
func (s *Session) pageOnce(ctx context.Context, eq dialect.ExecQuerier, plan *materialize.Plan, count, q sharding.Query, fns []materialize.Func, total *int64, out *reflect.Value) (err error) {
	args := q.Args
	if s.p.Placeholder == dialect.PlaceholderQuestion {
		args = append(slices.Clone(count.Args), q.Args...)
	}
	rows, err := s.query(ctx, eq, count.SQL+"; "+q.SQL, args)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rows.Close()) }()
	if !rows.Next() {
		return errors.Join(errors.New("shardql: count returned no rows"), rows.Err())
	}
	if err := rows.Scan(total); err != nil {
		return fmt.Errorf("shardql: scan count: %w", err)
	}
	if !rows.NextResultSet() {
		return errors.Join(errors.New("shardql: page returned no result set"), rows.Err())
	}
	return plan.ScanInto(out, rows, fns...)
}

func (s *Session) count(ctx context.Context, eq dialect.ExecQuerier, q sharding.Query, total *int64) (err error) {
	rows, err := s.query(ctx, eq, q.SQL, q.Args)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, rows.Close()) }()
	if !rows.Next() {
		return errors.Join(errors.New("shardql: count returned no rows"), rows.Err())
	}
	if err := rows.Scan(total); err != nil {
		return fmt.Errorf("shardql: scan count: %w", err)
	}
	return rows.Err()
}

// Get returns the entity E with the given key: a scalar of a single-key
// entity, or a struct holding the key members. Sharded entities are read
// from the physical table of the key when it routes, from every physical
// table otherwise.
func Get[E any](ctx context.Context, s *Session, key any) (E, error) {
	var zero E
	c, err := command.For[E](s.p, command.OpGet, key)
	if err != nil {
		return zero, NewQueryError(reflect.TypeFor[E]().Name(), "get", err)
	}
	label := c.Entity.Name()
	args, err := c.Args(key)
	if err != nil {
		return zero, NewQueryError(label, "get", err)
	}
	names, err := s.tables(ctx, c.Entity, key, true)
	if err != nil {
		return zero, NewQueryError(label, "get", err)
	}
	var found []E
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		for _, name := range names {
			rows, err := flat[E](ctx, s, eq, c.Text(name), args)
			if err != nil {
				return err
			}
			found = append(found, rows...)
		}
		return nil
	})
	switch {
	case err != nil:
		return zero, NewQueryError(label, "get", err)
	case len(found) == 0:
		return zero, NewNotFoundErrorWithID(label, key)
	case len(found) > 1:
		return zero, NewNotSingularError(label, len(found))
	}
	return found[0], nil
}

// Raw runs hand-written SQL and reads its rows by column name into values
// of T: structs, entities, map[string]any or scalars. Named parameters
// ("@Name") bind the members of params, a struct or map.
func Raw[T any](ctx context.Context, s *Session, text string, params any) ([]T, error) {
	sqlText, args, err := command.Raw(s.p, text, params)
	if err != nil {
		return nil, NewQueryError(reflect.TypeFor[T]().String(), "raw", err)
	}
	var out []T
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		out, err = flat[T](ctx, s, eq, sqlText, args)
		return err
	})
	if err != nil {
		return nil, NewQueryError(reflect.TypeFor[T]().String(), "raw", err)
	}
	return out, nil
}

// flat runs a statement and reads its rows through a flat plan.
func flat[T any](ctx context.Context, s *Session, eq dialect.ExecQuerier, text string, args []any) (_ []T, err error) {
	rows, err := s.query(ctx, eq, text, args)
	if err != nil {
		return nil, err
	}
	defer func() { err = errors.Join(err, rows.Close()) }()
	cols, err := materialize.Columns(rows)
	if err != nil {
		return nil, err
	}
	plan, err := materialize.Flat(s.p, reflect.TypeFor[T](), cols)
	if err != nil {
		return nil, err
	}
	out := plan.New()
	if err := plan.ScanInto(&out, rows); err != nil {
		return nil, err
	}
	return out.Interface().([]T), nil
}

func labelOf(q *query.Query) string {
	if t := q.Target(); t != nil {
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		return t.Name()
	}
	return "query"
}
