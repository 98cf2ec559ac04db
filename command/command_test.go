package command

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/schema"
)

type (
	Order struct {
		ID          int64
		BuyerID     int64
		TotalAmount float64
	}
	Customer struct {
		ID   int64
		Name string
	}
	Line struct {
		OrderID int64
		LineNo  int
		Qty     int
	}
)

func init() {
	schema.Register(Customer{}, schema.Config{AutoIncrement: "ID"})
	schema.Register(Line{}, schema.Config{Keys: []string{"OrderID", "LineNo"}})
}

func sqlite() *dialect.Provider { return dialect.MustGet(dialect.SQLite) }

func TestBuild_Insert(t *testing.T) {
	c, err := For[Order](sqlite(), OpInsert, Order{})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO orders (id, buyer_id, total_amount) VALUES (?, ?, ?)", c.Text(""))
	assert.Equal(t, "INSERT INTO order_a (id, buyer_id, total_amount) VALUES (?, ?, ?)", c.Text("order_a"))
	assert.Equal(t, "INSERT INTO {{table}} (id, buyer_id, total_amount) VALUES (?, ?, ?)", c.Skeleton())
	args, err := c.Args(&Order{ID: 1, BuyerID: 2, TotalAmount: 3.5})
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(2), 3.5}, args)
	assert.False(t, c.Returning())
}

func TestBuild_Identity(t *testing.T) {
	tests := []struct {
		dialect   string
		want      string
		returning bool
	}{
		{dialect.Postgres, "INSERT INTO customers (name) VALUES ($1) RETURNING id", true},
		{dialect.SQLServer, "INSERT INTO customers (name) VALUES (@p1); SELECT SCOPE_IDENTITY()", true},
		{dialect.MySQL, "INSERT INTO customers (name) VALUES (?)", false},
	}
	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			c, err := For[Customer](dialect.MustGet(tt.dialect), OpInsert, Customer{Name: "ann"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Text(""))
			assert.Equal(t, tt.returning, c.Returning())
			assert.Equal(t, "ID", c.Identity.Name)
		})
	}
}

func TestBuild_Update(t *testing.T) {
	type total struct {
		ID          int64
		TotalAmount float64
	}
	c, err := For[Order](sqlite(), OpUpdate, total{})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE orders SET total_amount = ? WHERE id = ?", c.Text(""))
	args, err := c.Args(total{ID: 7, TotalAmount: 9.5})
	require.NoError(t, err)
	assert.Equal(t, []any{9.5, int64(7)}, args)

	_, err = c.Args(Order{})
	require.ErrorIs(t, err, ErrInvalidShape)

	c, err = For[Order](dialect.MustGet(dialect.Postgres), OpUpdate, Order{})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE orders SET buyer_id = $1, total_amount = $2 WHERE id = $3", c.Text(""))
}

func TestBuild_MissingKey(t *testing.T) {
	type partial struct{ TotalAmount float64 }
	for _, op := range []Op{OpUpdate, OpDelete, OpGet} {
		_, err := For[Order](sqlite(), op, partial{})
		require.ErrorIs(t, err, schema.ErrMissingKey, op.String())
		require.True(t, schema.IsMappingError(err))
	}
	_, err := For[Order](sqlite(), OpUpdate, struct{ ID int64 }{})
	require.ErrorIs(t, err, ErrInvalidShape)
}

func TestBuild_Map(t *testing.T) {
	m := map[string]any{"ID": int64(3), "total_amount": 1.5}
	c, err := For[Order](sqlite(), OpUpdate, m)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE orders SET total_amount = ? WHERE id = ?", c.Text(""))
	args, err := c.Args(m)
	require.NoError(t, err)
	assert.Equal(t, []any{1.5, int64(3)}, args)

	again, err := For[Order](sqlite(), OpUpdate, m)
	require.NoError(t, err)
	assert.NotSame(t, c, again)

	_, err = For[Order](sqlite(), OpInsert, map[string]any{"Unknown": 1})
	require.ErrorIs(t, err, schema.ErrUnmappedMember)
}

func TestBuild_Scalar(t *testing.T) {
	c, err := For[Order](sqlite(), OpDelete, int64(3))
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM orders WHERE id = ?", c.Text(""))
	args, err := c.Args(int64(3))
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3)}, args)

	c, err = For[Order](sqlite(), OpGet, 3)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, buyer_id, total_amount FROM orders WHERE id = ?", c.Text(""))
	args, err = c.Args(3)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(3)}, args)

	_, err = For[Order](sqlite(), OpInsert, int64(3))
	require.ErrorIs(t, err, ErrInvalidShape)
	_, err = For[Line](sqlite(), OpGet, int64(3))
	require.ErrorIs(t, err, schema.ErrMissingKey)
}

func TestBuild_Cached(t *testing.T) {
	c1, err := For[Order](sqlite(), OpInsert, Order{ID: 1})
	require.NoError(t, err)
	c2, err := For[Order](sqlite(), OpInsert, &Order{ID: 2})
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	c3, err := For[Order](sqlite(), OpDelete, Order{ID: 2})
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
}

type recorder struct {
	queries []string
	args    [][]any
	err     error
}

func (r *recorder) exec(_ context.Context, query string, args []any) error {
	r.queries = append(r.queries, query)
	r.args = append(r.args, args)
	return r.err
}

func TestBatch_Insert(t *testing.T) {
	const bulkCount = 2
	c, err := For[Order](sqlite(), OpInsert, Order{})
	require.NoError(t, err)
	rec := &recorder{}
	b := NewBatch(c, "", bulkCount, rec.exec)
	ctx := context.Background()
	for i := range bulkCount + 1 {
		require.NoError(t, b.Add(ctx, Order{ID: int64(i + 1), BuyerID: 1}))
	}
	assert.Equal(t, 1, b.Pending())
	require.NoError(t, b.Flush(ctx))
	require.NoError(t, b.Flush(ctx))

	assert.Equal(t, 2, b.Statements())
	assert.Equal(t, []string{
		"INSERT INTO orders (id, buyer_id, total_amount) VALUES (?, ?, ?), (?, ?, ?)",
		"INSERT INTO orders (id, buyer_id, total_amount) VALUES (?, ?, ?)",
	}, rec.queries)
	assert.Equal(t, []any{int64(1), int64(1), 0.0, int64(2), int64(1), 0.0}, rec.args[0])
	assert.Equal(t, []any{int64(3), int64(1), 0.0}, rec.args[1])
}

func TestBatch_Delete(t *testing.T) {
	ctx := context.Background()
	c, err := For[Order](dialect.MustGet(dialect.Postgres), OpDelete, int64(0))
	require.NoError(t, err)
	rec := &recorder{}
	b := NewBatch(c, "order_b", 10, rec.exec)
	for _, id := range []int64{4, 5, 6} {
		require.NoError(t, b.Add(ctx, id))
	}
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []string{"DELETE FROM order_b WHERE id IN ($1, $2, $3)"}, rec.queries)

	c, err = For[Line](sqlite(), OpDelete, Line{})
	require.NoError(t, err)
	rec = &recorder{}
	b = NewBatch(c, "", 10, rec.exec)
	require.NoError(t, b.Add(ctx, Line{OrderID: 1, LineNo: 1}))
	require.NoError(t, b.Add(ctx, Line{OrderID: 1, LineNo: 2}))
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []string{"DELETE FROM lines WHERE (order_id = ? AND line_no = ?) OR (order_id = ? AND line_no = ?)"}, rec.queries)
	assert.Equal(t, []any{int64(1), int64(1), int64(1), int64(2)}, rec.args[0])
}

func TestBatch_Update(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		dialect string
		stmts   int
	}{
		{dialect.SQLite, 2},
		{dialect.MySQL, 1},
	} {
		c, err := For[Order](dialect.MustGet(tt.dialect), OpUpdate, Order{})
		require.NoError(t, err)
		rec := &recorder{}
		b := NewBatch(c, "", 10, rec.exec)
		require.NoError(t, b.Add(ctx, Order{ID: 1}))
		require.NoError(t, b.Add(ctx, Order{ID: 2}))
		require.NoError(t, b.Flush(ctx))
		assert.Len(t, rec.queries, tt.stmts, tt.dialect)
	}
	c, err := For[Order](dialect.MustGet(dialect.MySQL), OpUpdate, Order{})
	require.NoError(t, err)
	assert.Equal(t,
		"UPDATE orders SET buyer_id = ?, total_amount = ? WHERE id = ?; UPDATE orders SET buyer_id = ?, total_amount = ? WHERE id = ?",
		c.render(c.Table(""), 2),
	)
}

func TestBatch_ParamLimit(t *testing.T) {
	p := *sqlite()
	p.Name, p.MaxParams = "sqlite-limited", 7
	c, err := For[Order](&p, OpInsert, Order{})
	require.NoError(t, err)
	b := NewBatch(c, "", 500, (&recorder{}).exec)
	assert.Equal(t, 2, b.Size())
}

func TestBatch_Error(t *testing.T) {
	c, err := For[Order](sqlite(), OpInsert, Order{})
	require.NoError(t, err)
	boom := errors.New("boom")
	b := NewBatch(c, "", 1, (&recorder{err: boom}).exec)
	err = b.Add(context.Background(), Order{ID: 1})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, b.Pending())
}

func TestRaw(t *testing.T) {
	const text = "SELECT * FROM orders WHERE buyer_id = @Buyer AND note <> '@Buyer' -- @Missing\n AND (id = @id OR parent_id = @ID) AND @@ROWCOUNT > 0 /* @Missing */"
	query, args, err := Raw(sqlite(), text, map[string]any{"Buyer": 1, "ID": int64(2), "Unused": 3})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM orders WHERE buyer_id = ? AND note <> '@Buyer' -- @Missing\n AND (id = ? OR parent_id = ?) AND @@ROWCOUNT > 0 /* @Missing */", query)
	assert.Equal(t, []any{int64(1), int64(2), int64(2)}, args)

	query, args, err = Raw(dialect.MustGet(dialect.Postgres), "SELECT @A, @B, @A", struct{ A, B string }{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT $1, $2, $1", query)
	assert.Equal(t, []any{"x", "y"}, args)

	_, _, err = Raw(sqlite(), "SELECT @A", map[string]any{})
	require.ErrorIs(t, err, ErrMissingParam)
	_, _, err = Raw(sqlite(), "SELECT @A", 1)
	require.ErrorIs(t, err, ErrInvalidShape)

	query, args, err = Raw(sqlite(), "SELECT 1", nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", query)
	assert.Empty(t, args)

	tmpl := Parse(sqlite(), "SELECT @A, @B, @A")
	assert.Equal(t, []string{"A", "B"}, tmpl.Names())
	assert.Same(t, tmpl, Parse(sqlite(), "SELECT @A, @B, @A"))
}

func TestOp_String(t *testing.T) {
	assert.Equal(t, "INSERT", OpInsert.String())
	assert.Equal(t, "Op(9)", Op(9).String())
}
