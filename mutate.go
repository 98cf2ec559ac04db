package shardql

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/syssam/shardql/command"
	"github.com/syssam/shardql/compiler"
	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/dialect/sql"
	"github.com/syssam/shardql/schema"
)

// Create inserts the entity v. When the entity has an auto-increment member
// and v is a pointer, the generated value is stored into v.
func (s *Session) Create(ctx context.Context, v any) error {
	t := entityType(v)
	c, err := command.Build(s.p, command.OpInsert, t, v)
	if err != nil {
		return NewMutationError(t.Name(), "create", err)
	}
	names, err := s.tables(ctx, c.Entity, v, false)
	if err != nil {
		return NewMutationError(t.Name(), "create", err)
	}
	args, err := c.Args(v)
	if err != nil {
		return NewMutationError(t.Name(), "create", err)
	}
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		return s.insert(ctx, eq, c, names[0], v, args)
	})
	if err != nil {
		return NewMutationError(t.Name(), "create", err)
	}
	s.written(ctx, touched(c.Entity, names)...)
	return nil
}

// insert runs a single-row insert, reading the identity back.
func (s *Session) insert(ctx context.Context, eq dialect.ExecQuerier, c *command.Command, table string, v any, args []any) error {
	text := c.Text(table)
	if c.Identity == nil {
		_, err := s.exec(ctx, eq, text, args)
		return err
	}
	var id any
	if c.Returning() {
		if err := s.identity(ctx, eq, text, args, &id); err != nil {
			return err
		}
	} else {
		s.log.DebugContext(ctx, "shardql: exec", "sql", text, "args", len(args))
		var res sql.Result
		if err := eq.Exec(s.Context(ctx), text, args, &res); err != nil {
			return classify(err)
		}
		n, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("shardql: last insert id: %w", err)
		}
		id = n
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Type() != c.Entity.Type {
		return nil
	}
	return c.Identity.Assign(rv.Elem(), id)
}

// identity runs an insert returning its identity as a result row.
func (s *Session) identity(ctx context.Context, eq dialect.ExecQuerier, text string, args []any, id *any) (err error) {
	rows, err := s.query(ctx, eq, text, args)
	if err != nil {
		return classify(err)
	}
	defer func() { err = errors.Join(err, rows.Close()) }()
	// The identity may follow the empty result of the insert itself.
	for !rows.Next() {
		if err := rows.Err(); err != nil {
			return classify(err)
		}
		if !rows.NextResultSet() {
			return errors.New("shardql: insert returned no identity")
		}
	}
	return rows.Scan(id)
}

// CreateMany inserts the entities of the slice rows with multi-row
// statements. Rows of sharded entities are grouped by physical table.
func (s *Session) CreateMany(ctx context.Context, rows any) (int64, error) {
	return s.batch(ctx, command.OpInsert, rows, "create")
}

// UpdateMany updates the entities of the slice rows by key.
func (s *Session) UpdateMany(ctx context.Context, rows any) (int64, error) {
	return s.batch(ctx, command.OpUpdate, rows, "update")
}

// DeleteMany deletes the entities of the slice rows by key.
func (s *Session) DeleteMany(ctx context.Context, rows any) (int64, error) {
	return s.batch(ctx, command.OpDelete, rows, "delete")
}

// batch runs op over the rows, splicing them into statements of at most
// the bulk count of the session.
func (s *Session) batch(ctx context.Context, op command.Op, rows any, label string) (int64, error) {
	items, t, err := sliceOf(rows)
	if err != nil {
		return 0, NewMutationError("rows", label, err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	c, err := command.Build(s.p, op, t, items[0])
	if err != nil {
		return 0, NewMutationError(t.Name(), label, err)
	}
	parts, err := s.resolver.Partition(c.Entity, items)
	if err != nil {
		return 0, NewMutationError(t.Name(), label, err)
	}
	var n int64
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		exec := func(ctx context.Context, query string, args []any) error {
			m, err := s.exec(ctx, eq, query, args)
			n += m
			return err
		}
		for _, part := range parts {
			b := command.NewBatch(c, part.Table, s.bulk, exec)
			for _, row := range part.Rows {
				if err := b.Add(ctx, row); err != nil {
					return err
				}
			}
			if err := b.Flush(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return n, NewMutationError(t.Name(), label, err)
	}
	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.Table
	}
	s.written(ctx, touched(c.Entity, names)...)
	return n, nil
}

// BulkCopy loads the entities of the slice rows through the native bulk
// protocol of the driver. Auto-increment members are left to the database.
// It returns dialect.ErrUnsupported for drivers without one and inside
// transactions.
func (s *Session) BulkCopy(ctx context.Context, rows any) (int64, error) {
	items, t, err := sliceOf(rows)
	if err != nil {
		return 0, NewMutationError("rows", "copy", err)
	}
	bc, ok := s.drv.(dialect.BulkCopier)
	if !ok || s.tx != nil {
		return 0, NewMutationError(t.Name(), "copy", fmt.Errorf("%w: bulk copy on %T", dialect.ErrUnsupported, s.drv))
	}
	e, err := schema.Of(s.p, t)
	if err != nil {
		return 0, NewMutationError(t.Name(), "copy", err)
	}
	var (
		members []*schema.MemberMap
		columns []string
	)
	for _, m := range e.Columns() {
		if m != e.Auto {
			members = append(members, m)
			columns = append(columns, m.Column)
		}
	}
	parts, err := s.resolver.Partition(e, items)
	if err != nil {
		return 0, NewMutationError(t.Name(), "copy", err)
	}
	var total int64
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		table := part.Table
		if table == "" {
			table = e.Table
		}
		data := make([][]any, len(part.Rows))
		for i, row := range part.Rows {
			rv := reflect.Indirect(reflect.ValueOf(row))
			vals := make([]any, len(members))
			for j, m := range members {
				if vals[j], err = m.Value(rv); err != nil {
					return total, NewMutationError(t.Name(), "copy", err)
				}
			}
			data[i] = vals
		}
		s.log.DebugContext(ctx, "shardql: copy", "table", table, "rows", len(data))
		n, err := bc.CopyFrom(ctx, table, columns, data)
		total += n
		if err != nil {
			return total, NewMutationError(t.Name(), "copy", classify(err))
		}
		names = append(names, part.Table)
	}
	s.written(ctx, touched(e, names)...)
	return total, nil
}

// Update updates the entity v by key.
func (s *Session) Update(ctx context.Context, v any) (int64, error) {
	return s.byKey(ctx, command.OpUpdate, entityType(v), v, "update")
}

// UpdateShape updates the entity type by key with the members present in
// shape: a struct or a map[string]any holding the key members and the
// updated ones. Shapes of sharded entities that are not entity values
// update every physical table.
func (s *Session) UpdateShape(ctx context.Context, entity reflect.Type, shape any) (int64, error) {
	return s.byKey(ctx, command.OpUpdate, entity, shape, "update")
}

// Delete deletes the entity v by key.
func (s *Session) Delete(ctx context.Context, v any) (int64, error) {
	return s.byKey(ctx, command.OpDelete, entityType(v), v, "delete")
}

// DeleteByKey deletes the entity of the given type by key: a scalar of a
// single-key entity, or a struct holding the key members.
func (s *Session) DeleteByKey(ctx context.Context, entity reflect.Type, key any) (int64, error) {
	return s.byKey(ctx, command.OpDelete, entity, key, "delete")
}

func (s *Session) byKey(ctx context.Context, op command.Op, t reflect.Type, v any, label string) (int64, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	c, err := command.Build(s.p, op, t, v)
	if err != nil {
		return 0, NewMutationError(t.Name(), label, err)
	}
	args, err := c.Args(v)
	if err != nil {
		return 0, NewMutationError(t.Name(), label, err)
	}
	names, err := s.tables(ctx, c.Entity, v, true)
	if err != nil {
		return 0, NewMutationError(t.Name(), label, err)
	}
	var n int64
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		for _, name := range names {
			m, err := s.exec(ctx, eq, c.Text(name), args)
			n += m
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return n, NewMutationError(t.Name(), label, err)
	}
	s.written(ctx, touched(c.Entity, names)...)
	return n, nil
}

// Exec runs an update, delete or insert-from statement given as a query
// AST, or raw SQL text without parameters. Statements over sharded tables
// run once per physical table. It returns the number of affected rows.
func (s *Session) Exec(ctx context.Context, stmt any) (int64, error) {
	if text, ok := stmt.(string); ok {
		return s.ExecRaw(ctx, text, nil)
	}
	st, err := s.compiler.Build(stmt)
	if err != nil {
		return 0, NewMutationError("statement", "exec", err)
	}
	if st.Kind == compiler.KindSelect {
		return 0, NewMutationError("statement", "exec", fmt.Errorf("%w: exec of a select", compiler.ErrInvalidQuery))
	}
	label := "statement"
	if len(st.Tables) > 0 {
		label = st.Tables[0]
	}
	qs, err := s.resolve(ctx, st)
	if err != nil {
		return 0, NewMutationError(label, st.Kind.String(), err)
	}
	var n int64
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		for _, q := range qs {
			m, err := s.exec(ctx, eq, q.SQL, q.Args)
			n += m
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return n, NewMutationError(label, st.Kind.String(), err)
	}
	tables := st.Tables
	for _, q := range qs {
		tables = append(tables[:len(tables):len(tables)], q.Tables...)
	}
	s.written(ctx, tables...)
	return n, nil
}

// ExecRaw runs hand-written SQL. Named parameters ("@Name") bind the members
// of params, a struct or map. The tables written by raw statements are
// unknown: the whole result cache is dropped.
func (s *Session) ExecRaw(ctx context.Context, text string, params any) (int64, error) {
	sqlText, args, err := command.Raw(s.p, text, params)
	if err != nil {
		return 0, NewMutationError("statement", "exec", err)
	}
	var n int64
	err = s.do(ctx, func(eq dialect.ExecQuerier) error {
		n, err = s.exec(ctx, eq, sqlText, args)
		return err
	})
	if err != nil {
		return n, NewMutationError("statement", "exec", err)
	}
	if s.cache != nil {
		if err := s.cache.c.Clear(ctx); err != nil {
			s.log.WarnContext(ctx, "shardql: cache clear failed", "error", err)
		}
	}
	return n, nil
}

// touched returns the logical table of e with the physical tables written.
func touched(e *schema.EntityMap, names []string) []string {
	tables := []string{e.Table}
	for _, n := range names {
		if n != "" {
			tables = appendNew(tables, n)
		}
	}
	return tables
}

// entityType returns the struct type of v.
func entityType(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return reflect.TypeFor[struct{}]()
	}
	return t
}

// sliceOf returns the elements of the slice rows and their struct type.
func sliceOf(rows any) ([]any, reflect.Type, error) {
	rv := reflect.ValueOf(rows)
	if rv.Kind() != reflect.Slice {
		return nil, nil, fmt.Errorf("%w: %T is not a slice", command.ErrInvalidShape, rows)
	}
	t := rv.Type().Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, t, nil
}
