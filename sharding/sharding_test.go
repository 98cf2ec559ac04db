package sharding

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/shardql/command"
	"github.com/syssam/shardql/compiler"
	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/dialect/sql"
	"github.com/syssam/shardql/query"
	"github.com/syssam/shardql/schema"
)

type (
	Order struct {
		ID          int64
		BuyerID     int64
		TotalAmount float64
	}
	OrderItem struct {
		ID      int64
		OrderID int64
		Qty     int
	}
)

func sqlite() *dialect.Provider { return dialect.MustGet(dialect.SQLite) }

func threeShards(opts ...Option) *Resolver {
	opts = append([]Option{
		For[Order](Map("BuyerID", map[any]string{1: "order_a", 2: "order_b", 3: "order_c"})),
		For[OrderItem](DependentMap(map[string]string{"order_a": "order_item_a", "order_b": "order_item_b"})),
	}, opts...)
	return New(sqlite(), opts...)
}

func compile(t *testing.T, r *Resolver, q *query.Query) *compiler.Statement {
	t.Helper()
	st, err := compiler.New(r.Provider(), compiler.WithSharded(r.Sharded)).Select(q)
	require.NoError(t, err)
	return st
}

func ordersWithItems() *query.Query {
	orders, items := query.T[Order](), query.T[OrderItem]()
	return query.From(orders).
		LeftJoin(items, query.EQ(items.C("OrderID"), orders.C("ID"))).
		Where(query.GT(orders.C("TotalAmount"), 1.0))
}

func TestResolve_DependentFanOut(t *testing.T) {
	var logs bytes.Buffer
	r := threeShards(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	st := compile(t, r, ordersWithItems())

	qs, err := r.Resolve(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	copies := strings.Split(qs[0].SQL, DefaultUnionMark)
	require.Len(t, copies, 3)
	assert.Equal(t, []string{
		"SELECT a.id, a.buyer_id, a.total_amount FROM order_a a LEFT JOIN order_item_a b ON b.order_id = a.id WHERE a.total_amount > ?",
		"SELECT a.id, a.buyer_id, a.total_amount FROM order_b a LEFT JOIN order_item_b b ON b.order_id = a.id WHERE a.total_amount > ?",
		"SELECT a.id, a.buyer_id, a.total_amount FROM order_c a WHERE a.total_amount > ?",
	}, copies)
	assert.Equal(t, 2, strings.Count(qs[0].SQL, "LEFT JOIN"))
	assert.Equal(t, []any{1.0, 1.0, 1.0}, qs[0].Args)
	assert.Equal(t, []string{"order_a", "order_item_a", "order_b", "order_item_b", "order_c"}, qs[0].Tables)
	assert.Contains(t, logs.String(), "join dropped")
	assert.Contains(t, logs.String(), "master=order_c")
}

func TestResolve_DependentReferenced(t *testing.T) {
	type row struct {
		ID  int64
		Qty int
	}
	r := threeShards()
	orders, items := query.T[Order](), query.T[OrderItem]()
	joined := func() *query.Query {
		return query.From(orders).LeftJoin(items, query.EQ(items.C("OrderID"), orders.C("ID")))
	}
	for name, q := range map[string]*query.Query{
		"where":  joined().Where(query.GT(items.C("Qty"), 1)),
		"order":  joined().OrderBy(query.Asc(items.C("Qty"))),
		"select": joined().Select(query.As(orders.C("ID"), "ID"), query.As(items.C("Qty"), "Qty")).Into(reflect.TypeFor[row]()),
	} {
		t.Run(name, func(t *testing.T) {
			st := compile(t, r, q)
			_, err := r.Resolve(context.Background(), st)
			require.ErrorIs(t, err, ErrNoShard)

			qs, err := r.Resolve(context.Background(), st, WithHint(reflect.TypeFor[Order](), Values(1, 2)))
			require.NoError(t, err)
			require.Len(t, qs, 1)
			assert.Contains(t, qs[0].SQL, "order_item_b")
		})
	}

}

func TestQualifies(t *testing.T) {
	assert.True(t, qualifies("WHERE b.qty > ?", "b"))
	assert.True(t, qualifies("SELECT a.id, b.qty FROM", "b"))
	assert.False(t, qualifies("WHERE ab.qty > ?", "b"))
	assert.False(t, qualifies("WHERE a.note = 'x b.y'", "b"))
	assert.False(t, qualifies("WHERE a.note = ?", "b"))
	assert.False(t, qualifies("", "b"))
}

func TestResolve_Mark(t *testing.T) {
	r := threeShards(WithUnionMark(" UNION "))
	st := compile(t, r, ordersWithItems())
	qs, err := r.Resolve(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(qs[0].SQL, " UNION "))

	qs, err = r.Resolve(context.Background(), st, Mark(" UNION ALL "))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(qs[0].SQL, " UNION ALL "))
}

func TestResolve_Numbered(t *testing.T) {
	r := New(dialect.MustGet(dialect.Postgres),
		For[Order](Map("BuyerID", map[any]string{1: "order_a", 2: "order_b"})),
	)
	orders := query.T[Order]()
	st := compile(t, r, query.From(orders).Where(query.GT(orders.C("TotalAmount"), 1.0)))
	qs, err := r.Resolve(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT a.id, a.buyer_id, a.total_amount FROM order_a a WHERE a.total_amount > $1 UNION ALL SELECT a.id, a.buyer_id, a.total_amount FROM order_b a WHERE a.total_amount > $1",
		qs[0].SQL,
	)
	assert.Equal(t, []any{1.0}, qs[0].Args)
}

func TestResolve_Hint(t *testing.T) {
	r := threeShards()
	st := compile(t, r, ordersWithItems())
	qs, err := r.Resolve(context.Background(), st, WithHint(reflect.TypeFor[Order](), Values(2, int64(2))))
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT a.id, a.buyer_id, a.total_amount FROM order_b a LEFT JOIN order_item_b b ON b.order_id = a.id WHERE a.total_amount > ?",
		qs[0].SQL,
	)
	assert.Equal(t, []any{1.0}, qs[0].Args)

	_, err = r.Resolve(context.Background(), st, WithHint(reflect.TypeFor[Order](), Values(9)))
	require.ErrorIs(t, err, ErrNoRoute)
	_, err = r.Resolve(context.Background(), st, WithHint(reflect.TypeFor[Order](), Between(1, 2)))
	require.ErrorIs(t, err, ErrHint)
}

func TestResolve_Paged(t *testing.T) {
	r := New(sqlite(), For[Order](Map("BuyerID", map[any]string{1: "order_a", 2: "order_b"})))
	orders := query.T[Order]()
	st := compile(t, r, query.From(orders).
		Where(query.EQ(orders.C("BuyerID"), 1)).
		OrderBy(query.Asc(orders.C("ID"))).
		Page(2, 10))
	qs, err := r.Resolve(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT * FROM (SELECT a.id, a.buyer_id, a.total_amount FROM order_a a WHERE a.buyer_id = ? ORDER BY a.id LIMIT 10 OFFSET 10) s0"+
			" UNION ALL "+
			"SELECT * FROM (SELECT a.id, a.buyer_id, a.total_amount FROM order_b a WHERE a.buyer_id = ? ORDER BY a.id LIMIT 10 OFFSET 10) s1",
		qs[0].SQL,
	)
	assert.Equal(t, []any{int64(1), int64(1)}, qs[0].Args)

	require.NotNil(t, st.Count)
	qs, err = r.Resolve(context.Background(), st.Count)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT COUNT(*) FROM (SELECT a.id, a.buyer_id, a.total_amount FROM order_a a WHERE a.buyer_id = ?"+
			" UNION ALL SELECT a.id, a.buyer_id, a.total_amount FROM order_b a WHERE a.buyer_id = ?) cnt",
		qs[0].SQL,
	)
	assert.Equal(t, []any{int64(1), int64(1)}, qs[0].Args)
}

func TestResolve_DML(t *testing.T) {
	r := threeShards()
	orders := query.T[Order]()
	st, err := compiler.New(sqlite(), compiler.WithSharded(r.Sharded)).
		Delete(query.Delete(orders).Filter(query.LT(orders.C("TotalAmount"), 1.0)))
	require.NoError(t, err)
	qs, err := r.Resolve(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, qs, 3)
	for i, name := range []string{"order_a", "order_b", "order_c"} {
		assert.Equal(t, "DELETE FROM "+name+" WHERE total_amount < ?", qs[i].SQL)
		assert.Equal(t, []any{1.0}, qs[i].Args)
		assert.Equal(t, []string{name}, qs[i].Tables)
	}
}

func TestResolve_Unsharded(t *testing.T) {
	r := New(sqlite())
	orders := query.T[Order]()
	st := compile(t, r, query.From(orders))
	qs, err := r.Resolve(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []Query{{SQL: "SELECT a.id, a.buyer_id, a.total_amount FROM orders a"}}, qs)
}

func TestResolve_DependentMaster(t *testing.T) {
	r := threeShards()
	st := compile(t, r, query.Select[OrderItem]())
	_, err := r.Resolve(context.Background(), st)
	require.ErrorIs(t, err, ErrNoShard)
}

func TestPartition_Insert(t *testing.T) {
	r := New(sqlite(), For[Order](Map("BuyerID", map[any]string{1: "order_a", 2: "order_b"})))
	e, err := schema.For[Order](sqlite())
	require.NoError(t, err)
	rows := []any{Order{ID: 1, BuyerID: 1}, &Order{ID: 2, BuyerID: 2}}
	parts, err := r.Partition(e, rows)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	c, err := command.For[Order](sqlite(), command.OpInsert, Order{})
	require.NoError(t, err)
	var stmts []string
	exec := func(_ context.Context, query string, args []any) error {
		stmts = append(stmts, fmt.Sprintf("%s %v", query, args))
		return nil
	}
	for _, part := range parts {
		b := command.NewBatch(c, part.Table, 500, exec)
		for _, row := range part.Rows {
			require.NoError(t, b.Add(context.Background(), row))
		}
		require.NoError(t, b.Flush(context.Background()))
	}
	assert.Equal(t, []string{
		"INSERT INTO order_a (id, buyer_id, total_amount) VALUES (?, ?, ?) [1 1 0]",
		"INSERT INTO order_b (id, buyer_id, total_amount) VALUES (?, ?, ?) [2 2 0]",
	}, stmts)

	_, err = r.Partition(e, []any{Order{BuyerID: 7}})
	require.ErrorIs(t, err, ErrNoRoute)

	parts, err = New(sqlite()).Partition(e, rows)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Empty(t, parts[0].Table)
	assert.Len(t, parts[0].Rows, 2)
}

func TestRules(t *testing.T) {
	e, err := schema.For[Order](sqlite())
	require.NoError(t, err)
	row := func(buyer int64) reflect.Value { return reflect.ValueOf(Order{BuyerID: buyer}) }

	m := Modulo("BuyerID", "order_%d", 4)
	name, err := m.Route(e, row(6))
	require.NoError(t, err)
	assert.Equal(t, "order_2", name)
	name, err = m.Route(e, row(-1))
	require.NoError(t, err)
	assert.Equal(t, "order_3", name)
	all, err := m.Tables(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"order_0", "order_1", "order_2", "order_3"}, all)

	rg := &Range{Member: "BuyerID", Names: func(lo, hi any) ([]string, error) {
		var names []string
		for i := lo.(int64) / 100; i <= hi.(int64)/100; i++ {
			names = append(names, fmt.Sprintf("order_%d", i))
		}
		return names, nil
	}}
	name, err = rg.Route(e, row(250))
	require.NoError(t, err)
	assert.Equal(t, "order_2", name)
	names, err := rg.Tables(context.Background(), nil, Between(int64(50), int64(320)))
	require.NoError(t, err)
	assert.Equal(t, []string{"order_0", "order_1", "order_2", "order_3"}, names)
	_, err = rg.Tables(context.Background(), nil, nil)
	require.ErrorIs(t, err, ErrHint)

	s := Static("orders_2024")
	name, err = s.Route(e, row(1))
	require.NoError(t, err)
	assert.Equal(t, "orders_2024", name)

	dep := Replace("order_", "order_item_")
	n, ok := dep.Name("order_b")
	assert.True(t, ok)
	assert.Equal(t, "order_item_b", n)
	_, ok = dep.Name("legacy")
	assert.False(t, ok)
}

func TestCatalog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	p := sqlite()
	mock.ExpectQuery(regexp.QuoteMeta(p.CatalogQuery)).
		WithArgs("order_%").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("order_2024").AddRow("order_2025").AddRow("order_tmp"))

	re := regexp.MustCompile(`^order_\d+$`)
	r := New(p, For[Order](&Catalog{
		Pattern: "order_%",
		Keep:    func(table string, _ *Hint) bool { return re.MatchString(table) },
	}))
	drv := sql.OpenDB(dialect.SQLite, db)
	orders := query.T[Order]()
	st := compile(t, r, query.From(orders))
	for range 2 {
		qs, err := r.Resolve(context.Background(), st, Using(drv))
		require.NoError(t, err)
		assert.Equal(t, []string{"order_2024", "order_2025"}, qs[0].Tables)
	}
	require.NoError(t, mock.ExpectationsWereMet())

	r.Invalidate()
	_, err = r.Resolve(context.Background(), st)
	require.Error(t, err)
}

func TestFile(t *testing.T) {
	const doc = `
union_mark: " UNION "
entities:
  Order:
    kind: map
    member: BuyerID
    tables: {1: order_a, 2: order_b, 3: order_c}
  OrderItem:
    kind: dependent
    replace: [order_, order_item_]
`
	f, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"Order", "OrderItem"}, f.Names())
	opts, err := f.Options(Order{}, &OrderItem{})
	require.NoError(t, err)
	r := New(sqlite(), opts...)
	st := compile(t, r, ordersWithItems())
	qs, err := r.Resolve(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(qs[0].SQL, " UNION "))
	assert.Equal(t, 3, strings.Count(qs[0].SQL, "LEFT JOIN order_item_"))

	_, err = f.Options(Order{})
	require.Error(t, err)

	tests := []string{
		"entities:\n  Order:\n    kind: hash\n",
		"entities:\n  Order:\n    kind: map\n",
		"entities:\n  Order:\n    kind: modulo\n    member: BuyerID\n    count: 0\n",
		"entities:\n  Order:\n    kind: static\n    tables_typo: x\n",
		"entities:\n  Order:\n    kind: catalog\n    pattern: order_%\n    match: '('\n",
	}
	for _, doc := range tests {
		_, err := Parse(strings.NewReader(doc))
		require.Error(t, err, doc)
	}
}
