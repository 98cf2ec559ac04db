package schema_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/shardql/dialect"
	"github.com/syssam/shardql/schema"
	"github.com/syssam/shardql/schema/field"
)

type Timestamps struct {
	CreatedAt time.Time
	UpdatedAt *time.Time
}

type Buyer struct {
	ID     int64 `db:",key,auto"`
	Name   string
	Orders []Order
}

type Order struct {
	Id          int64
	BuyerId     int64
	TotalAmount float64 `db:"total"`
	Status      int     `db:"status,type=string"`
	Token       uuid.UUID
	Note        string `db:"-"`
	Buyer       *Buyer
	Items       []OrderItem
	Timestamps
}

type OrderItem struct {
	ID       int64 `db:"id,key"`
	OrderID  int64
	SKU      string
	Quantity int32
}

type Ledger struct {
	Entry string
	Group string
}

func pg() *dialect.Provider { return dialect.MustGet(dialect.Postgres) }

func TestOf_Defaults(t *testing.T) {
	e, err := schema.For[Order](pg())
	require.NoError(t, err)
	assert.Equal(t, "orders", e.Table)
	assert.Equal(t, "orders", e.QuotedTable)

	var cols []string
	for _, m := range e.Columns() {
		cols = append(cols, m.Column)
	}
	assert.Equal(t, []string{"id", "buyer_id", "total", "status", "token", "created_at", "updated_at"}, cols)

	key, err := e.Key()
	require.NoError(t, err)
	assert.Equal(t, "Id", key.Name)
	assert.Nil(t, e.Auto)

	status, err := e.Column("Status")
	require.NoError(t, err)
	assert.Equal(t, field.TypeString, status.Type)

	token, err := e.Column("Token")
	require.NoError(t, err)
	assert.Equal(t, field.TypeUUID, token.Type)

	created, err := e.Column("CreatedAt")
	require.NoError(t, err)
	assert.Equal(t, []int{8, 0}, created.Index)

	note, err := e.Member("Note")
	require.NoError(t, err)
	assert.True(t, note.Ignored)
	_, err = e.Column("Note")
	require.ErrorIs(t, err, schema.ErrUnmappedMember)

	m, ok := e.ByColumn("BUYER_ID")
	require.True(t, ok)
	assert.Equal(t, "BuyerId", m.Name)

	require.Len(t, e.Navigations, 2)
	assert.Equal(t, schema.One, e.Navigations[0].Relation.Kind)
	assert.Equal(t, "BuyerId", e.Navigations[0].Relation.ForeignKey)
	assert.Equal(t, schema.Many, e.Navigations[1].Relation.Kind)
	assert.Equal(t, "OrderID", e.Navigations[1].Relation.ForeignKey)
}

func TestOf_Cached(t *testing.T) {
	a, err := schema.For[OrderItem](pg())
	require.NoError(t, err)
	b, err := schema.Of(pg(), reflect.TypeOf(&OrderItem{}))
	require.NoError(t, err)
	assert.Same(t, a, b)

	my, err := schema.For[OrderItem](dialect.MustGet(dialect.MySQL))
	require.NoError(t, err)
	assert.NotSame(t, a, my)
	assert.Equal(t, "order_items", my.Table)
}

func TestOf_Quoting(t *testing.T) {
	e, err := schema.For[Ledger](dialect.MustGet(dialect.MySQL))
	require.NoError(t, err)
	assert.Equal(t, "ledgers", e.QuotedTable)
	grp, err := e.Column("Group")
	require.NoError(t, err)
	assert.Equal(t, "`group`", grp.Quoted)
	assert.Empty(t, e.Keys)
	_, err = e.Key()
	require.ErrorIs(t, err, schema.ErrMissingKey)
}

func TestJoin(t *testing.T) {
	order, err := schema.For[Order](pg())
	require.NoError(t, err)

	buyer, err := order.Member("Buyer")
	require.NoError(t, err)
	owner, target, err := buyer.Join()
	require.NoError(t, err)
	assert.Equal(t, "buyer_id", owner.Column)
	assert.Equal(t, "id", target.Column)
	assert.Equal(t, "buyers", target.Entity.Table)
	assert.True(t, target.AutoIncrement)

	items, err := order.Member("Items")
	require.NoError(t, err)
	owner, target, err = items.Join()
	require.NoError(t, err)
	assert.Equal(t, "id", owner.Column)
	assert.Equal(t, "orders", owner.Entity.Table)
	assert.Equal(t, "order_id", target.Column)

	// Cyclic navigation back to orders.
	b, err := buyer.Target()
	require.NoError(t, err)
	orders, err := b.Member("Orders")
	require.NoError(t, err)
	owner, target, err = orders.Join()
	require.NoError(t, err)
	assert.Equal(t, "id", owner.Column)
	assert.Equal(t, "buyer_id", target.Column)
}

type invoice struct {
	Number string
	Amount int64
}

func TestRegister(t *testing.T) {
	schema.Register(invoice{}, schema.Config{
		Table:   "billing.invoices",
		Keys:    []string{"Number"},
		Columns: map[string]string{"Amount": "amount_cents"},
		Types:   map[string]field.Type{"Amount": field.TypeString},
	})
	e, err := schema.For[invoice](dialect.MustGet(dialect.SQLite))
	require.NoError(t, err)
	assert.Equal(t, "billing.invoices", e.Table)
	assert.Equal(t, "billing.invoices", e.QuotedTable)
	key, err := e.Key()
	require.NoError(t, err)
	assert.Equal(t, "number", key.Column)
	amount, err := e.Column("Amount")
	require.NoError(t, err)
	assert.Equal(t, "amount_cents", amount.Column)

	v := e.New().Elem()
	require.NoError(t, amount.Assign(v, "1250"))
	nv, err := amount.Value(v)
	require.NoError(t, err)
	assert.Equal(t, "1250", nv)
	assert.Equal(t, int64(1250), v.Interface().(invoice).Amount)
}

type badKey struct {
	Name string
}

func TestOf_Errors(t *testing.T) {
	_, err := schema.Of(pg(), reflect.TypeOf(42))
	require.ErrorIs(t, err, schema.ErrInvalidModel)
	assert.True(t, schema.IsMappingError(err))

	schema.Register(badKey{}, schema.Config{Keys: []string{"Missing"}})
	_, err = schema.For[badKey](pg())
	var me *schema.MappingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "Missing", me.Member)
	require.ErrorIs(t, err, schema.ErrUnmappedMember)
}

type withEmbeddedPtr struct {
	ID int64
	*Timestamps
}

func TestMember_FieldAllocates(t *testing.T) {
	e, err := schema.For[withEmbeddedPtr](pg())
	require.NoError(t, err)
	created, err := e.Column("CreatedAt")
	require.NoError(t, err)
	v := e.New().Elem()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, created.Assign(v, ts))
	got := v.Interface().(withEmbeddedPtr)
	require.NotNil(t, got.Timestamps)
	assert.Equal(t, ts, got.CreatedAt)
}

func TestSnake(t *testing.T) {
	for in, want := range map[string]string{
		"ID":          "id",
		"BuyerID":     "buyer_id",
		"BuyerId":     "buyer_id",
		"OrderItem":   "order_item",
		"HTTPStatus":  "http_status",
		"TotalAmount": "total_amount",
	} {
		assert.Equal(t, want, schema.Snake(in), in)
	}
	assert.Equal(t, "order_items", schema.TableName(reflect.TypeOf(OrderItem{})))
	assert.Equal(t, "people", schema.TableName(reflect.TypeOf(Person{})))
}

type Person struct{ ID int }
