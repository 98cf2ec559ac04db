package shardql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"time"

	"github.com/syssam/shardql/command"
	"github.com/syssam/shardql/compiler"
	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/dialect/sql"
	"github.com/syssam/shardql/schema"
	"github.com/syssam/shardql/sharding"
)

// Session runs statements against one driver. It holds at most one explicit
// transaction and is not safe for concurrent use; the compiled statements,
// plans and entity maps it uses are shared process-wide.
type Session struct {
	drv      dialect.Driver
	p        *dialect.Provider
	compiler *compiler.Compiler
	resolver *sharding.Resolver
	log      *slog.Logger
	bulk     int
	cache    *resultCache
	copts    []compiler.Option
	vars     map[string]string

	tx dialect.Tx
	// dirty lists the tables written by the transaction.
	dirty []string
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger of the session.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithResolver sets the sharding resolver. Its dialect must be the one of
// the driver.
func WithResolver(r *sharding.Resolver) Option {
	return func(s *Session) { s.resolver = r }
}

// WithBulkCount sets the number of rows spliced into one statement by the
// batch operations.
func WithBulkCount(n int) Option {
	return func(s *Session) { s.bulk = n }
}

// WithCompiler adds options to the statement compiler.
func WithCompiler(opts ...compiler.Option) Option {
	return func(s *Session) { s.copts = append(s.copts, opts...) }
}

// WithCache caches the results of List and First in c for ttl. Results
// with to-many includes are not cached.
// Writes through the session drop the results reading the written tables.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(s *Session) { s.cache = &resultCache{c: c, ttl: ttl} }
}

// WithVars sets session variables before every statement of the session
// and resets them before a pooled connection is released. Variables are
// supported by the postgres and mysql dialects.
func WithVars(vars map[string]string) Option {
	return func(s *Session) {
		if s.vars == nil {
			s.vars = make(map[string]string, len(vars))
		}
		maps.Copy(s.vars, vars)
	}
}

// New returns a session over the driver.
func New(drv dialect.Driver, opts ...Option) (*Session, error) {
	p, ok := dialect.Get(drv.Dialect())
	if !ok {
		return nil, &dialect.UnknownDialectError{Name: drv.Dialect(), Available: dialect.List()}
	}
	s := &Session{
		drv:  drv,
		p:    p,
		log:  slog.New(slog.DiscardHandler),
		bulk: command.DefaultBulkCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.vars) > 0 && p.Name != dialect.Postgres && p.Name != dialect.MySQL {
		return nil, fmt.Errorf("%w: session variables on %s", dialect.ErrUnsupported, p.Name)
	}
	if s.resolver == nil {
		s.resolver = sharding.New(p)
	}
	if s.resolver.Provider().Name != p.Name {
		return nil, fmt.Errorf("shardql: resolver dialect %s does not match driver dialect %s", s.resolver.Provider().Name, p.Name)
	}
	s.compiler = compiler.New(p, append([]compiler.Option{compiler.WithSharded(s.resolver.Sharded)}, s.copts...)...)
	return s, nil
}

// Open opens a database through database/sql and returns a session over it.
func Open(driverName, source string, opts ...Option) (*Session, error) {
	drv, err := sql.Open(driverName, source)
	if err != nil {
		return nil, err
	}
	s, err := New(drv, opts...)
	if err != nil {
		return nil, errors.Join(err, drv.Close())
	}
	return s, nil
}

// Provider returns the dialect of the session.
func (s *Session) Provider() *dialect.Provider { return s.p }

// Compiler returns the statement compiler of the session.
func (s *Session) Compiler() *compiler.Compiler { return s.compiler }

// Resolver returns the sharding resolver of the session.
func (s *Session) Resolver() *sharding.Resolver { return s.resolver }

// Driver returns the underlying driver.
func (s *Session) Driver() dialect.Driver { return s.drv }

// Context returns ctx carrying the variables of the session, for statements
// run on the driver directly.
func (s *Session) Context(ctx context.Context) context.Context {
	for _, k := range slices.Sorted(maps.Keys(s.vars)) {
		ctx = sql.WithVar(ctx, k, s.vars[k])
	}
	return ctx
}

// Close rolls back the transaction in progress, if any, and closes the
// driver.
func (s *Session) Close() error {
	var err error
	if s.tx != nil {
		err = s.Rollback()
	}
	return errors.Join(err, s.drv.Close())
}

// Begin starts the transaction of the session.
func (s *Session) Begin(ctx context.Context) error {
	if s.tx != nil {
		return ErrTxStarted
	}
	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("shardql: starting a transaction: %w", err)
	}
	s.tx, s.dirty = tx, nil
	return nil
}

// InTx reports whether a transaction is in progress.
func (s *Session) InTx() bool { return s.tx != nil }

// Commit commits the transaction of the session.
func (s *Session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return ErrNoTx
	}
	tx, dirty := s.tx, s.dirty
	s.tx, s.dirty = nil, nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("shardql: committing transaction: %w", err)
	}
	s.invalidate(ctx, dirty)
	return nil
}

// Rollback rolls back the transaction of the session.
func (s *Session) Rollback() error {
	if s.tx == nil {
		return ErrNoTx
	}
	tx := s.tx
	s.tx, s.dirty = nil, nil
	if err := tx.Rollback(); err != nil {
		return &RollbackError{Err: err}
	}
	return nil
}

// Tx runs fn in a transaction, committing it when fn returns nil and
// rolling it back otherwise.
func (s *Session) Tx(ctx context.Context, fn func(*Session) error) error {
	if err := s.Begin(ctx); err != nil {
		return err
	}
	defer func() {
		if v := recover(); v != nil {
			if s.tx != nil {
				_ = s.Rollback()
			}
			panic(v)
		}
	}()
	if err := fn(s); err != nil {
		if s.tx == nil {
			return err
		}
		if rerr := s.Rollback(); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	if s.tx == nil {
		return ErrNoTx
	}
	return s.Commit(ctx)
}

// querier returns the connection of statements outside any operation:
// the transaction in progress or the driver.
func (s *Session) querier() dialect.ExecQuerier {
	if s.tx != nil {
		return s.tx
	}
	return s.drv
}

// conn acquires the connection of one operation. Outside a transaction a
// single connection is pinned when the driver supports it. The returned
// release function must be called with the error of the operation: on
// error, the connection is closed and the transaction in progress is rolled
// back and dropped.
func (s *Session) conn(ctx context.Context) (dialect.ExecQuerier, func(error) error, error) {
	if s.tx != nil {
		return s.tx, s.abort, nil
	}
	c, ok := s.drv.(dialect.Conner)
	if !ok {
		return s.drv, func(err error) error { return err }, nil
	}
	conn, err := c.Conn(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conn, func(err error) error {
		cerr := conn.Close()
		if err != nil {
			s.log.WarnContext(ctx, "shardql: connection closed after error", "error", err)
		}
		if cerr != nil {
			return errors.Join(err, fmt.Errorf("shardql: closing connection: %w", cerr))
		}
		return err
	}, nil
}

// abort drops the transaction in progress after the error of an operation.
func (s *Session) abort(err error) error {
	if err == nil || s.tx == nil {
		return err
	}
	s.log.Warn("shardql: transaction rolled back after error", "error", err)
	if rerr := s.Rollback(); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

// resolve resolves the physical tables of st.
func (s *Session) resolve(ctx context.Context, st *compiler.Statement) ([]sharding.Query, error) {
	if !st.Sharded() {
		return []sharding.Query{{SQL: st.Text(), Args: st.Args, Tables: st.Tables}}, nil
	}
	opts := append(hintsFrom(ctx), sharding.Using(s.querier()))
	return s.resolver.Resolve(s.Context(ctx), st, opts...)
}

// tables returns the physical tables addressed by row, a value of the
// entity e or a shape of it. Rows of sharded entities are routed when row
// is an entity value; other shapes reach every physical table when fanout
// is set and cannot be routed otherwise.
func (s *Session) tables(ctx context.Context, e *schema.EntityMap, row any, fanout bool) ([]string, error) {
	if !s.resolver.Sharded(e) {
		return []string{""}, nil
	}
	rv := reflect.ValueOf(row)
	for rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.IsValid() && rv.Type() == e.Type {
		name, err := s.resolver.Route(e, row)
		if err != nil {
			return nil, err
		}
		return []string{name}, nil
	}
	if !fanout {
		return nil, fmt.Errorf("%w: %T is not a %s", sharding.ErrNoRoute, row, e.Name())
	}
	opts := append(hintsFrom(ctx), sharding.Using(s.querier()))
	return s.resolver.Names(s.Context(ctx), e, opts...)
}

// exec runs a statement returning no rows and reports the affected rows.
func (s *Session) exec(ctx context.Context, eq dialect.ExecQuerier, query string, args []any) (int64, error) {
	s.log.DebugContext(ctx, "shardql: exec", "sql", query, "args", len(args))
	var res sql.Result
	if err := eq.Exec(s.Context(ctx), query, args, &res); err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers do not report affected rows.
		return 0, nil
	}
	return n, nil
}

// query runs a statement returning rows.
func (s *Session) query(ctx context.Context, eq dialect.ExecQuerier, query string, args []any) (*sql.Rows, error) {
	s.log.DebugContext(ctx, "shardql: query", "sql", query, "args", len(args))
	rows := &sql.Rows{}
	if err := eq.Query(s.Context(ctx), query, args, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// written records the tables written by an operation and drops the cached
// results reading them.
func (s *Session) written(ctx context.Context, tables ...string) {
	if s.cache == nil || len(tables) == 0 {
		return
	}
	if s.tx != nil {
		for _, t := range tables {
			s.dirty = appendNew(s.dirty, t)
		}
	}
	s.invalidate(ctx, tables)
}

func (s *Session) invalidate(ctx context.Context, tables []string) {
	if s.cache == nil || len(tables) == 0 {
		return
	}
	if err := s.cache.invalidate(ctx, tables); err != nil {
		s.log.WarnContext(ctx, "shardql: cache invalidation failed", "tables", tables, "error", err)
	}
}

func appendNew(s []string, v string) []string {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

type hintsKey struct{}

// WithHint returns a context narrowing the physical tables of the entity E
// read by the statements run with it.
func WithHint[E any](ctx context.Context, h *sharding.Hint) context.Context {
	hints, _ := ctx.Value(hintsKey{}).([]sharding.ResolveOption)
	hints = append(hints[:len(hints):len(hints)], sharding.WithHint(reflect.TypeFor[E](), h))
	return context.WithValue(ctx, hintsKey{}, hints)
}

// WithUnionMark returns a context overriding the text joining the copies of
// fanned-out selects run with it.
func WithUnionMark(ctx context.Context, mark string) context.Context {
	hints, _ := ctx.Value(hintsKey{}).([]sharding.ResolveOption)
	hints = append(hints[:len(hints):len(hints)], sharding.Mark(mark))
	return context.WithValue(ctx, hintsKey{}, hints)
}

func hintsFrom(ctx context.Context) []sharding.ResolveOption {
	hints, _ := ctx.Value(hintsKey{}).([]sharding.ResolveOption)
	return hints[:len(hints):len(hints)]
}
