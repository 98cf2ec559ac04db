package shardql_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/shardql"
	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/dialect/sql"
	"github.com/syssam/shardql/dialect/sql/sqlgraph"
	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/schema"
	"github.com/syssam/shardql/sharding"
)

type (
	Buyer struct {
		ID   int64
		Name string
	}
	Order struct {
		ID          int64
		BuyerID     int64
		TotalAmount float64
		Note        string
		Buyer       *Buyer
		Items       []OrderItem
	}
	OrderItem struct {
		ID      int64
		OrderID int64
		Qty     int
	}
	Customer struct {
		ID   int64
		Name string
	}
)

func init() {
	schema.Register(Customer{}, schema.Config{AutoIncrement: "ID"})
}

var ddl = []string{
	"CREATE TABLE buyers (id INTEGER PRIMARY KEY, name TEXT NOT NULL)",
	"CREATE TABLE orders (id INTEGER PRIMARY KEY, buyer_id INTEGER NOT NULL, total_amount REAL NOT NULL, note TEXT NOT NULL)",
	"CREATE TABLE order_items (id INTEGER PRIMARY KEY, order_id INTEGER NOT NULL, qty INTEGER NOT NULL)",
	"CREATE TABLE customers (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)",
	"CREATE TABLE order_a (id INTEGER PRIMARY KEY, buyer_id INTEGER NOT NULL, total_amount REAL NOT NULL, note TEXT NOT NULL)",
	"CREATE TABLE order_b (id INTEGER PRIMARY KEY, buyer_id INTEGER NOT NULL, total_amount REAL NOT NULL, note TEXT NOT NULL)",
	"CREATE TABLE order_item_a (id INTEGER PRIMARY KEY, order_id INTEGER NOT NULL, qty INTEGER NOT NULL)",
}

// open returns a session over a fresh sqlite database.
func open(t *testing.T, opts ...shardql.Option) *shardql.Session {
	t.Helper()
	s, err := shardql.Open("sqlite", filepath.Join(t.TempDir(), "shop.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for _, stmt := range ddl {
		_, err := s.ExecRaw(context.Background(), stmt, nil)
		require.NoError(t, err)
	}
	return s
}

func seed(t *testing.T, s *shardql.Session) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateMany(ctx, []Buyer{{ID: 1, Name: "ann"}, {ID: 2, Name: "bob"}})
	require.NoError(t, err)
	_, err = s.CreateMany(ctx, []*Order{
		{ID: 1, BuyerID: 1, TotalAmount: 10, Note: "a"},
		{ID: 2, BuyerID: 1, TotalAmount: 20, Note: "b"},
		{ID: 3, BuyerID: 2, TotalAmount: 30, Note: "c"},
	})
	require.NoError(t, err)
	_, err = s.CreateMany(ctx, []OrderItem{{ID: 1, OrderID: 1, Qty: 1}, {ID: 2, OrderID: 1, Qty: 2}, {ID: 3, OrderID: 3, Qty: 3}})
	require.NoError(t, err)
}

func TestSession_CRUD(t *testing.T) {
	ctx := context.Background()
	s := open(t, shardql.WithBulkCount(2))
	seed(t, s)

	o, err := shardql.Get[Order](ctx, s, int64(2))
	require.NoError(t, err)
	assert.Equal(t, Order{ID: 2, BuyerID: 1, TotalAmount: 20, Note: "b"}, o)

	n, err := s.Update(ctx, Order{ID: 2, BuyerID: 2, TotalAmount: 25, Note: "b2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	o, err = shardql.Get[Order](ctx, s, int64(2))
	require.NoError(t, err)
	assert.Equal(t, 25.0, o.TotalAmount)

	n, err = s.UpdateShape(ctx, reflect.TypeFor[Order](), map[string]any{"ID": int64(2), "note": "shape"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	o, err = shardql.Get[Order](ctx, s, Order{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, "shape", o.Note)
	assert.Equal(t, 25.0, o.TotalAmount)

	n, err = s.Delete(ctx, &Order{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = shardql.Get[Order](ctx, s, int64(2))
	require.True(t, shardql.IsNotFound(err))

	n, err = s.DeleteByKey(ctx, reflect.TypeFor[OrderItem](), int64(3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteMany(ctx, []Buyer{{ID: 1}, {ID: 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSession_List(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seed(t, s)

	orders := query.T[Order]()
	got, err := shardql.List[Order](ctx, s, query.From(orders).
		Where(query.GTE(orders.C("TotalAmount"), 10.0)).
		OrderBy(query.Asc(orders.C("ID"))).
		Include("Buyer", "Items"))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, &Buyer{ID: 1, Name: "ann"}, got[0].Buyer)
	assert.Equal(t, []OrderItem{{ID: 1, OrderID: 1, Qty: 1}, {ID: 2, OrderID: 1, Qty: 2}}, got[0].Items)
	assert.NotNil(t, got[1].Items)
	assert.Empty(t, got[1].Items)
	assert.Equal(t, []OrderItem{{ID: 3, OrderID: 3, Qty: 3}}, got[2].Items)
	assert.Equal(t, "bob", got[2].Buyer.Name)

	first, err := shardql.First[*Order](ctx, s, query.From(orders).OrderBy(query.Desc(orders.C("ID"))))
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.ID)

	require.NoError(t, s.Create(ctx, Order{ID: 4, BuyerID: 99, TotalAmount: 1, Note: "orphan"}))
	orphan, err := shardql.First[Order](ctx, s, query.From(orders).
		Where(query.EQ(orders.C("ID"), int64(4))).
		Include("Buyer"))
	require.NoError(t, err)
	assert.Nil(t, orphan.Buyer)
	assert.Equal(t, "orphan", orphan.Note)

	_, err = shardql.First[Order](ctx, s, query.From(orders).Where(query.GT(orders.C("TotalAmount"), 100.0)))
	require.ErrorIs(t, err, shardql.ErrNotFound)
}

func TestSession_Page(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seed(t, s)

	orders := query.T[Order]()
	items, total, err := shardql.Page[Order](ctx, s, query.From(orders).
		OrderBy(query.Asc(orders.C("ID"))).
		Page(2, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, items, 1)
	assert.Equal(t, int64(3), items[0].ID)

	_, _, err = shardql.Page[Order](ctx, s, query.From(orders))
	require.True(t, shardql.IsQueryError(err))
}

func TestSession_Identity(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	c1, c2 := &Customer{Name: "ann"}, &Customer{Name: "bob"}
	require.NoError(t, s.Create(ctx, c1))
	require.NoError(t, s.Create(ctx, c2))
	assert.Equal(t, int64(1), c1.ID)
	assert.Equal(t, int64(2), c2.ID)

	got, err := shardql.Get[Customer](ctx, s, int64(2))
	require.NoError(t, err)
	assert.Equal(t, *c2, got)
}

func TestSession_Raw(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seed(t, s)

	type total struct {
		BuyerID int64
		Total   float64
	}
	got, err := shardql.Raw[total](ctx, s,
		"SELECT buyer_id, SUM(total_amount) AS total FROM orders WHERE total_amount > @Min GROUP BY buyer_id ORDER BY buyer_id",
		map[string]any{"min": 5})
	require.NoError(t, err)
	assert.Equal(t, []total{{BuyerID: 1, Total: 30}, {BuyerID: 2, Total: 30}}, got)

	_, err = shardql.Raw[total](ctx, s, "SELECT buyer_id, note FROM orders", nil)
	require.ErrorIs(t, err, schema.ErrUnmappedMember)

	names, err := shardql.Raw[string](ctx, s, "SELECT name FROM buyers WHERE id = @ID", Buyer{ID: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, names)

	_, err = shardql.Raw[string](ctx, s, "SELECT name FROM buyers WHERE id = @ID", nil)
	require.Error(t, err)
}

func TestSession_Exec(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	seed(t, s)

	orders := query.T[Order]()
	n, err := s.Exec(ctx, query.Update(orders).
		SetExpr("Note", "cheap").
		Filter(query.LT(orders.C("TotalAmount"), 25.0)))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Exec(ctx, query.Delete(orders).Filter(query.EQ(orders.C("Note"), "cheap")))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.Exec(ctx, query.Select[Order]())
	require.True(t, shardql.IsMutationError(err))
}

func TestSession_Tx(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	require.NoError(t, s.Begin(ctx))
	require.ErrorIs(t, s.Begin(ctx), shardql.ErrTxStarted)
	require.NoError(t, s.Create(ctx, Buyer{ID: 1, Name: "ann"}))
	require.NoError(t, s.Rollback())
	_, err := shardql.Get[Buyer](ctx, s, int64(1))
	require.ErrorIs(t, err, shardql.ErrNotFound)
	require.ErrorIs(t, s.Commit(ctx), shardql.ErrNoTx)

	err = s.Tx(ctx, func(s *shardql.Session) error {
		return s.Create(ctx, Buyer{ID: 2, Name: "bob"})
	})
	require.NoError(t, err)
	assert.False(t, s.InTx())
	_, err = shardql.Get[Buyer](ctx, s, int64(2))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Tx(ctx, func(s *shardql.Session) error {
		if err := s.Create(ctx, Buyer{ID: 3, Name: "cid"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = shardql.Get[Buyer](ctx, s, int64(3))
	require.ErrorIs(t, err, shardql.ErrNotFound)
}

func TestSession_Constraint(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.Create(ctx, Buyer{ID: 1, Name: "ann"}))
	err := s.Create(ctx, Buyer{ID: 1, Name: "dup"})
	require.True(t, shardql.IsConstraintError(err))
	require.True(t, shardql.IsMutationError(err))
	assert.True(t, sqlgraph.IsUniqueConstraintError(err))
}

func TestSession_BulkCopyUnsupported(t *testing.T) {
	s := open(t)
	_, err := s.BulkCopy(context.Background(), []Buyer{{ID: 1, Name: "ann"}})
	require.ErrorIs(t, err, dialect.ErrUnsupported)
}

func shardedResolver() *sharding.Resolver {
	return sharding.New(dialect.MustGet(dialect.SQLite),
		sharding.For[Order](sharding.Map("BuyerID", map[any]string{1: "order_a", 2: "order_b"})),
		sharding.For[OrderItem](sharding.DependentMap(map[string]string{"order_a": "order_item_a"})),
	)
}

func TestSession_Sharded(t *testing.T) {
	ctx := context.Background()
	s := open(t, shardql.WithResolver(shardedResolver()))

	n, err := s.CreateMany(ctx, []Order{
		{ID: 1, BuyerID: 1, TotalAmount: 10, Note: "a"},
		{ID: 2, BuyerID: 2, TotalAmount: 20, Note: "b"},
		{ID: 3, BuyerID: 1, TotalAmount: 30, Note: "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	_, err = s.ExecRaw(ctx, "INSERT INTO order_item_a (id, order_id, qty) VALUES (1, 1, 5)", nil)
	require.NoError(t, err)

	all, err := shardql.List[Order](ctx, s, query.Select[Order]())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids(all))

	a, err := shardql.List[Order](shardql.WithHint[Order](ctx, sharding.Values(1)), s, query.Select[Order]())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 3}, ids(a))

	orders, items := query.T[Order](), query.T[OrderItem]()
	joined, err := shardql.List[Order](ctx, s, query.From(orders).
		LeftJoin(items, query.EQ(items.C("OrderID"), orders.C("ID"))))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids(joined))

	o, err := shardql.Get[Order](ctx, s, int64(2))
	require.NoError(t, err)
	assert.Equal(t, "b", o.Note)

	n, err = s.Update(ctx, Order{ID: 2, BuyerID: 2, TotalAmount: 21, Note: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteByKey(ctx, reflect.TypeFor[Order](), int64(3))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = s.Create(ctx, Order{ID: 9, BuyerID: 7})
	require.ErrorIs(t, err, sharding.ErrNoRoute)
}

func ids(orders []Order) []int64 {
	out := make([]int64, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func mockSession(t *testing.T, name string, opts ...shardql.Option) (*shardql.Session, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	s, err := shardql.New(sql.OpenDB(name, db), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return s, mock
}

func TestSession_PageMultiResultSets(t *testing.T) {
	ctx := context.Background()
	s, mock := mockSession(t, dialect.MySQL)

	orders := query.T[Order]()
	q := query.From(orders).Where(query.EQ(orders.C("BuyerID"), 1)).Page(1, 2)
	st, err := s.Compiler().Select(q)
	require.NoError(t, err)
	mock.ExpectQuery(st.Count.Text()+"; "+st.Text()).
		WithArgs(int64(1), int64(1)).
		WillReturnRows(
			sqlmock.NewRows([]string{"count"}).AddRow(int64(5)),
			sqlmock.NewRows([]string{"id", "buyer_id", "total_amount", "note"}).
				AddRow(int64(1), int64(1), 10.0, "a").
				AddRow(int64(2), int64(1), 20.0, "b"),
		)

	items, total, err := shardql.Page[Order](ctx, s, q)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, items, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_ForcedRollback(t *testing.T) {
	ctx := context.Background()
	s, mock := mockSession(t, dialect.SQLite)
	driverErr := errors.New("disk I/O error")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM orders WHERE id = ?").WithArgs(int64(1)).WillReturnError(driverErr)
	mock.ExpectRollback()

	require.NoError(t, s.Begin(ctx))
	_, err := s.Delete(ctx, Order{ID: 1})
	require.ErrorIs(t, err, driverErr)
	require.True(t, shardql.IsMutationError(err))
	assert.False(t, s.InTx())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_Cache(t *testing.T) {
	ctx := context.Background()
	cache := shardql.NewMemoryCache()
	s, mock := mockSession(t, dialect.SQLite, shardql.WithCache(cache, 0))

	q := query.Select[Buyer]()
	st, err := s.Compiler().Select(q)
	require.NoError(t, err)
	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "ann")
	}
	mock.ExpectQuery(st.Text()).WillReturnRows(rows())

	for range 2 {
		got, err := shardql.List[Buyer](ctx, s, query.Select[Buyer]())
		require.NoError(t, err)
		assert.Equal(t, []Buyer{{ID: 1, Name: "ann"}}, got)
	}
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, cache.Len())

	mock.ExpectExec("INSERT INTO buyers (id, name) VALUES (?, ?)").
		WithArgs(int64(2), "bob").
		WillReturnResult(sqlmock.NewResult(2, 1))
	require.NoError(t, s.Create(ctx, Buyer{ID: 2, Name: "bob"}))
	assert.Equal(t, 0, cache.Len())

	mock.ExpectQuery(st.Text()).WillReturnRows(rows())
	_, err = shardql.List[Buyer](ctx, s, query.Select[Buyer]())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_CacheDeferred(t *testing.T) {
	ctx := context.Background()
	cache := shardql.NewMemoryCache()
	s, mock := mockSession(t, dialect.SQLite, shardql.WithCache(cache, 0))

	type label struct{ Label string }
	buyers := query.T[Buyer]()
	labelled := func(fn func(string) string) *query.Query {
		return query.From(buyers).
			Select(query.As(query.Defer(func(args []any) (string, error) {
				return fn(args[0].(string)), nil
			}, buyers.C("Name")), "Label")).
			Into(reflect.TypeFor[label]())
	}
	st, err := s.Compiler().Select(labelled(strings.ToLower))
	require.NoError(t, err)
	for range 2 {
		mock.ExpectQuery(st.Text()).WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Ann"))
	}

	lower, err := shardql.List[label](ctx, s, labelled(strings.ToLower))
	require.NoError(t, err)
	assert.Equal(t, []label{{Label: "ann"}}, lower)
	upper, err := shardql.List[label](ctx, s, labelled(strings.ToUpper))
	require.NoError(t, err)
	assert.Equal(t, []label{{Label: "ANN"}}, upper)
	assert.Equal(t, 0, cache.Len())
	require.NoError(t, mock.ExpectationsWereMet())

	keyed := func(key string, fn func(string) string) *query.Query {
		return query.From(buyers).
			Select(query.As(query.Defer(func(args []any) (string, error) {
				return fn(args[0].(string)), nil
			}, buyers.C("Name")).Keyed(key), "Label")).
			Into(reflect.TypeFor[label]())
	}
	for range 2 {
		mock.ExpectQuery(st.Text()).WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Ann"))
	}
	for range 2 {
		got, err := shardql.List[label](ctx, s, keyed("lower", strings.ToLower))
		require.NoError(t, err)
		assert.Equal(t, []label{{Label: "ann"}}, got)
	}
	got, err := shardql.List[label](ctx, s, keyed("upper", strings.ToUpper))
	require.NoError(t, err)
	assert.Equal(t, []label{{Label: "ANN"}}, got)
	assert.Equal(t, 2, cache.Len())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSession_Vars(t *testing.T) {
	ctx := context.Background()
	s, mock := mockSession(t, dialect.Postgres, shardql.WithVars(map[string]string{"search_path": "tenant_42"}))

	st, err := s.Compiler().Select(query.Select[Buyer]())
	require.NoError(t, err)
	mock.ExpectExec("SET search_path = 'tenant_42'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(st.Text()).WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), "ann"))
	mock.ExpectExec("RESET search_path").WillReturnResult(sqlmock.NewResult(0, 0))

	got, err := shardql.List[Buyer](ctx, s, query.Select[Buyer]())
	require.NoError(t, err)
	assert.Equal(t, []Buyer{{ID: 1, Name: "ann"}}, got)
	require.NoError(t, mock.ExpectationsWereMet())

	v, ok := sql.VarFromContext(s.Context(ctx), "search_path")
	require.True(t, ok)
	assert.Equal(t, "tenant_42", v)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	_, err = shardql.New(sql.OpenDB(dialect.SQLite, db), shardql.WithVars(map[string]string{"x": "1"}))
	require.ErrorIs(t, err, dialect.ErrUnsupported)
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := shardql.NewMemoryCache()
	require.NoError(t, c.Set(ctx, "orders:1", []byte("a"), 0))
	require.NoError(t, c.Set(ctx, "orders:2", []byte("b"), 0))
	require.NoError(t, c.Set(ctx, "buyers:1", []byte("c"), 0))

	v, err := c.Get(ctx, "orders:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)

	require.NoError(t, c.DeletePrefix(ctx, "orders:"))
	v, err = c.Get(ctx, "orders:2")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 1, c.Len())

	require.NoError(t, c.Delete(ctx, "buyers:1"))
	require.NoError(t, c.Set(ctx, "x", []byte("x"), 0))
	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len())
}
